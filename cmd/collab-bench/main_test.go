package main

import (
	"runtime"
	"testing"
	"time"
)

func TestPercentile(t *testing.T) {
	sorted := []time.Duration{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}

	tests := []struct {
		p    float64
		want time.Duration
	}{
		{0, 1},
		{0.5, 5},
		{0.95, 10},
		{0.99, 10},
		{1, 10},
	}
	for _, tt := range tests {
		if got := percentile(sorted, tt.p); got != tt.want {
			t.Errorf("percentile(%v) = %v, want %v", tt.p, got, tt.want)
		}
	}

	if got := percentile(nil, 0.5); got != 0 {
		t.Errorf("percentile(nil) = %v, want 0", got)
	}
}

func TestBuildReport(t *testing.T) {
	var counters benchCounters
	counters.updatesSent.Add(10)
	counters.updatesObserved.Add(30)
	var errCounts benchErrors
	errCounts.syncTimeouts.Add(1)

	cfg := benchConfig{Profile: "fast", Clients: 4, Documents: 1, Duration: time.Second, RPS: 1, PayloadBytes: 8}
	latencies := []time.Duration{time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond}

	var ms runtime.MemStats
	r := buildReport(cfg, 2*time.Second, latencies, &counters, &errCounts, ms, ms)

	if r.Throughput.FanOut != 3 {
		t.Errorf("FanOut = %v, want 3", r.Throughput.FanOut)
	}
	if r.Throughput.UpdatesPerSec != 5 {
		t.Errorf("UpdatesPerSec = %v, want 5", r.Throughput.UpdatesPerSec)
	}
	if r.LatencyMS.Min != 1 || r.LatencyMS.Max != 4 || r.LatencyMS.P50 != 2 {
		t.Errorf("LatencyMS = %+v", r.LatencyMS)
	}
	if r.Errors.SyncTimeouts != 1 {
		t.Errorf("SyncTimeouts = %d, want 1", r.Errors.SyncTimeouts)
	}
}
