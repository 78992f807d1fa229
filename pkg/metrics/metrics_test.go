package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.FrameSent("UpdateBroadcast", 10)
	m.FrameReceived("UpdateBroadcast", 10)
	m.DecodeError()
	m.ApplyError()
	m.WebSocketError("read")
	m.SessionOpened()
	m.SessionClosed()
	m.Reconnect()
	m.Lookup(nil)
	m.RoomOpened()
	m.RoomClosed()
	m.PeerJoined()
	m.PeerLeft()
	m.SnapshotSaved(1, nil)
}

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(WithRegistry(reg), WithNamespace("test"))

	m.FrameSent("StateVectorRequest", 3)
	m.FrameSent("UpdateBroadcast", 7)
	m.FrameReceived("UpdateBroadcast", 5)
	m.DecodeError()
	m.Lookup(nil)
	m.Lookup(errors.New("boom"))
	m.Lookup(errors.New("boom"))
	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed()
	m.SnapshotSaved(100, nil)
	m.SnapshotSaved(0, errors.New("disk"))

	if got := testutil.ToFloat64(m.framesSent.WithLabelValues("UpdateBroadcast")); got != 1 {
		t.Errorf("frames_sent{UpdateBroadcast} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.frameBytes.WithLabelValues("out")); got != 10 {
		t.Errorf("frame_bytes{out} = %v, want 10", got)
	}
	if got := testutil.ToFloat64(m.frameBytes.WithLabelValues("in")); got != 5 {
		t.Errorf("frame_bytes{in} = %v, want 5", got)
	}
	if got := testutil.ToFloat64(m.decodeErrors); got != 1 {
		t.Errorf("decode_errors = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.lookups.WithLabelValues("error")); got != 2 {
		t.Errorf("lookups{error} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.activeSessions); got != 1 {
		t.Errorf("active_sessions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.snapshotSaves.WithLabelValues("error")); got != 1 {
		t.Errorf("snapshot_saves{error} = %v, want 1", got)
	}

	count, err := testutil.GatherAndCount(reg, "test_snapshot_bytes")
	if err != nil {
		t.Fatalf("GatherAndCount() error = %v", err)
	}
	if count != 1 {
		t.Errorf("snapshot_bytes series = %d, want 1", count)
	}
}
