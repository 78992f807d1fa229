package main

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"math"
	"net"
	"net/http"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vango-dev/collab/pkg/collab"
	"github.com/vango-dev/collab/pkg/crdt"
	"github.com/vango-dev/collab/pkg/protocol"
	"github.com/vango-dev/collab/pkg/relay"
)

type profile struct {
	Name         string
	Clients      int
	Documents    int
	Duration     time.Duration
	RPS          float64
	PayloadBytes int
}

var profiles = map[string]profile{
	"fast": {
		Name:         "fast",
		Clients:      20,
		Documents:    4,
		Duration:     10 * time.Second,
		RPS:          2,
		PayloadBytes: 32,
	},
	"standard": {
		Name:         "standard",
		Clients:      100,
		Documents:    10,
		Duration:     30 * time.Second,
		RPS:          5,
		PayloadBytes: 64,
	},
	"stress": {
		Name:         "stress",
		Clients:      400,
		Documents:    20,
		Duration:     60 * time.Second,
		RPS:          10,
		PayloadBytes: 256,
	},
}

type benchConfig struct {
	Profile      string
	Server       string
	Clients      int
	Documents    int
	Duration     time.Duration
	RPS          float64
	PayloadBytes int
	SyncTimeout  time.Duration
	JSONOutput   string
}

type benchCounters struct {
	updatesSent     atomic.Uint64
	updatesObserved atomic.Uint64
	framesSent      atomic.Uint64
	framesReceived  atomic.Uint64
	bytesSent       atomic.Uint64
	bytesReceived   atomic.Uint64
}

type benchErrors struct {
	connectFailures atomic.Uint64
	syncTimeouts    atomic.Uint64
	decodeFailures  atomic.Uint64
	applyFailures   atomic.Uint64
	earlyCloses     atomic.Uint64
}

func main() {
	log.SetFlags(0)

	cfg, err := parseConfig()
	if err != nil {
		log.Fatal(err)
	}

	server := cfg.Server
	if server == "" {
		addr, stop, err := startRelay()
		if err != nil {
			log.Fatalf("relay: %v", err)
		}
		defer stop()
		server = "http://" + addr
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	samplesCh := make(chan time.Duration, sampleBuffer(cfg.Clients))
	var samples []time.Duration
	collectorDone := make(chan struct{})
	go func() {
		defer close(collectorDone)
		for d := range samplesCh {
			samples = append(samples, d)
		}
	}()

	var counters benchCounters
	var errCounts benchErrors

	var before runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&before)

	resolver := collab.NewResolver(server)
	factory := collab.NewFactory(resolver, nil,
		collab.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(cfg.Clients)
	for i := 0; i < cfg.Clients; i++ {
		clientID := i
		go func() {
			defer wg.Done()
			runClient(ctx, factory, clientID, cfg, &counters, &errCounts, samplesCh)
		}()
	}

	wg.Wait()
	close(samplesCh)
	<-collectorDone

	elapsed := time.Since(start)

	var after runtime.MemStats
	runtime.ReadMemStats(&after)

	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	report := buildReport(cfg, elapsed, samples, &counters, &errCounts, before, after)

	writeSummary(os.Stderr, report)
	if err := writeJSON(cfg.JSONOutput, report); err != nil {
		log.Fatalf("write json: %v", err)
	}
}

// startRelay runs an in-process relay on a loopback port.
func startRelay() (string, func(), error) {
	rc := relay.DefaultServerConfig()
	rc.PersistInterval = 0
	rc.Gatherer = prometheus.NewRegistry()
	rc.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := relay.New(rc)

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		return "", nil, err
	}
	httpServer := &http.Server{Handler: srv.Handler()}
	go func() {
		_ = httpServer.Serve(ln)
	}()

	stop := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctx)
		_ = srv.Shutdown(ctx)
	}
	return ln.Addr().String(), stop, nil
}

func sampleBuffer(clients int) int {
	buf := clients * 16
	if buf < 1024 {
		buf = 1024
	}
	return buf
}

func parseConfig() (benchConfig, error) {
	profileFlag := flag.String("profile", "standard", "profile: fast|standard|stress")
	serverFlag := flag.String("server", "", "relay base URL (default: in-process relay)")
	clientsFlag := flag.Int("clients", -1, "number of concurrent sessions")
	docsFlag := flag.Int("documents", -1, "number of documents the sessions are spread over")
	durationFlag := flag.String("duration", "", "benchmark duration, e.g. 30s")
	rpsFlag := flag.Float64("rps", -1, "target updates/sec per client")
	payloadFlag := flag.Int("payload-bytes", -1, "bytes of value per update")
	jsonFlag := flag.String("json", "-", "JSON output path ('-' for stdout)")
	flag.Parse()

	name := strings.ToLower(strings.TrimSpace(*profileFlag))
	base, ok := profiles[name]
	if !ok {
		return benchConfig{}, fmt.Errorf("unknown profile %q", name)
	}

	cfg := benchConfig{
		Profile:      base.Name,
		Server:       strings.TrimSpace(*serverFlag),
		Clients:      base.Clients,
		Documents:    base.Documents,
		Duration:     base.Duration,
		RPS:          base.RPS,
		PayloadBytes: base.PayloadBytes,
		SyncTimeout:  10 * time.Second,
		JSONOutput:   strings.TrimSpace(*jsonFlag),
	}

	if *clientsFlag != -1 {
		cfg.Clients = *clientsFlag
	}
	if *docsFlag != -1 {
		cfg.Documents = *docsFlag
	}
	if *durationFlag != "" {
		d, err := time.ParseDuration(*durationFlag)
		if err != nil {
			return benchConfig{}, fmt.Errorf("invalid -duration: %w", err)
		}
		cfg.Duration = d
	}
	if *rpsFlag != -1 {
		cfg.RPS = *rpsFlag
	}
	if *payloadFlag != -1 {
		cfg.PayloadBytes = *payloadFlag
	}
	if cfg.JSONOutput == "" {
		cfg.JSONOutput = "-"
	}

	if cfg.Clients <= 0 {
		return benchConfig{}, errors.New("-clients must be > 0")
	}
	if cfg.Documents <= 0 {
		return benchConfig{}, errors.New("-documents must be > 0")
	}
	if cfg.Duration <= 0 {
		return benchConfig{}, errors.New("-duration must be > 0")
	}
	if cfg.RPS <= 0 {
		return benchConfig{}, errors.New("-rps must be > 0")
	}
	if cfg.PayloadBytes < 8 {
		return benchConfig{}, errors.New("-payload-bytes must be >= 8")
	}
	return cfg, nil
}

// benchObserver counts session errors and signals the first sync.
type benchObserver struct {
	once   sync.Once
	synced chan struct{}
	errs   *benchErrors
}

func (o *benchObserver) OnStateChange(*collab.Session, collab.State) {}

func (o *benchObserver) OnSynced(*collab.Session) {
	o.once.Do(func() { close(o.synced) })
}

func (o *benchObserver) OnError(_ *collab.Session, err error) {
	if errors.Is(err, protocol.ErrEmptyFrame) || errors.Is(err, protocol.ErrUnknownMessageType) {
		o.errs.decodeFailures.Add(1)
		return
	}
	o.errs.applyFailures.Add(1)
}

// runClient joins one document and writes its own key at the configured
// rate. Every remote write it observes yields one latency sample: the
// value starts with the writer's send time.
func runClient(
	ctx context.Context,
	factory *collab.Factory,
	clientID int,
	cfg benchConfig,
	counters *benchCounters,
	errCounts *benchErrors,
	samples chan<- time.Duration,
) {
	// Writes made before this client synced arrive in the initial diff and
	// are not samples.
	var syncedAt atomic.Int64

	doc := crdt.NewMap(crdt.NewClientID())
	unsubscribe := doc.OnUpdate(func(update []byte, origin any) {
		since := syncedAt.Load()
		if origin == nil || since == 0 {
			return
		}
		ops, err := crdt.DecodeUpdate(update)
		if err != nil {
			return
		}
		now := time.Now()
		for _, op := range ops {
			if op.Deleted || len(op.Value) < 8 {
				continue
			}
			sentNanos := int64(binary.BigEndian.Uint64(op.Value))
			if sentNanos < since {
				continue
			}
			sent := time.Unix(0, sentNanos)
			counters.updatesObserved.Add(1)
			select {
			case samples <- now.Sub(sent):
			default:
			}
		}
	})
	defer unsubscribe()

	obs := &benchObserver{synced: make(chan struct{}), errs: errCounts}
	documentID := fmt.Sprintf("bench-%d", clientID%cfg.Documents)
	s, err := factory.Connect(ctx, documentID, fmt.Sprintf("client-%d", clientID), doc, collab.WithObserver(obs))
	if err != nil {
		errCounts.connectFailures.Add(1)
		return
	}
	defer func() {
		s.Close()
		st := s.Stats()
		counters.framesSent.Add(st.FramesSent)
		counters.framesReceived.Add(st.FramesReceived)
		counters.bytesSent.Add(st.BytesSent)
		counters.bytesReceived.Add(st.BytesReceived)
	}()

	select {
	case <-obs.synced:
		syncedAt.Store(time.Now().UnixNano())
	case <-time.After(cfg.SyncTimeout):
		errCounts.syncTimeouts.Add(1)
		return
	case <-ctx.Done():
		return
	}

	key := fmt.Sprintf("client-%d", clientID)
	value := make([]byte, cfg.PayloadBytes)
	period := time.Duration(float64(time.Second) / cfg.RPS)
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.Done():
			errCounts.earlyCloses.Add(1)
			return
		case <-ticker.C:
			binary.BigEndian.PutUint64(value, uint64(time.Now().UnixNano()))
			doc.Set(key, value)
			counters.updatesSent.Add(1)
		}
	}
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := int(math.Ceil(float64(len(sorted))*p)) - 1
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

type benchReport struct {
	Version    string         `json:"version"`
	Run        runInfo        `json:"run"`
	Workload   workloadInfo   `json:"workload"`
	LatencyMS  latencyInfo    `json:"latency_ms"`
	Throughput throughputInfo `json:"throughput"`
	Wire       wireInfo       `json:"wire"`
	GC         gcInfo         `json:"gc"`
	Errors     errorInfo      `json:"errors"`
}

type runInfo struct {
	Timestamp string `json:"timestamp"`
	Go        string `json:"go"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	CPUCount  int    `json:"cpu_count"`
}

type workloadInfo struct {
	Profile      string  `json:"profile"`
	Server       string  `json:"server,omitempty"`
	Clients      int     `json:"clients"`
	Documents    int     `json:"documents"`
	DurationMS   int64   `json:"duration_ms"`
	RPSPerClient float64 `json:"rps_per_client"`
	PayloadBytes int     `json:"payload_bytes"`
}

type latencyInfo struct {
	Min float64 `json:"min"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
	Max float64 `json:"max"`
}

type throughputInfo struct {
	UpdatesSent     uint64  `json:"updates_sent"`
	UpdatesObserved uint64  `json:"updates_observed"`
	UpdatesPerSec   float64 `json:"updates_per_sec"`
	FanOut          float64 `json:"fan_out"`
}

type wireInfo struct {
	FramesSent     uint64 `json:"frames_sent"`
	FramesReceived uint64 `json:"frames_received"`
	BytesSent      uint64 `json:"bytes_sent"`
	BytesReceived  uint64 `json:"bytes_received"`
}

type gcInfo struct {
	AllocMB      float64 `json:"alloc_mb"`
	HeapLiveMB   float64 `json:"heap_live_mb"`
	NumGC        uint32  `json:"num_gc"`
	PauseTotalMS float64 `json:"pause_total_ms"`
}

type errorInfo struct {
	ConnectFailures uint64 `json:"connect_failures"`
	SyncTimeouts    uint64 `json:"sync_timeouts"`
	DecodeFailures  uint64 `json:"decode_failures"`
	ApplyFailures   uint64 `json:"apply_failures"`
	EarlyCloses     uint64 `json:"early_closes"`
}

func buildReport(
	cfg benchConfig,
	elapsed time.Duration,
	latencies []time.Duration,
	counters *benchCounters,
	errCounts *benchErrors,
	before runtime.MemStats,
	after runtime.MemStats,
) benchReport {
	sent := counters.updatesSent.Load()
	observed := counters.updatesObserved.Load()
	elapsedSeconds := math.Max(0.001, elapsed.Seconds())

	latency := latencyInfo{}
	if len(latencies) > 0 {
		latency = latencyInfo{
			Min: ms(latencies[0]),
			P50: ms(percentile(latencies, 0.50)),
			P95: ms(percentile(latencies, 0.95)),
			P99: ms(percentile(latencies, 0.99)),
			Max: ms(latencies[len(latencies)-1]),
		}
	}

	fanOut := 0.0
	if sent > 0 {
		fanOut = float64(observed) / float64(sent)
	}

	return benchReport{
		Version: "1",
		Run: runInfo{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			Go:        runtime.Version(),
			OS:        runtime.GOOS,
			Arch:      runtime.GOARCH,
			CPUCount:  runtime.NumCPU(),
		},
		Workload: workloadInfo{
			Profile:      cfg.Profile,
			Server:       cfg.Server,
			Clients:      cfg.Clients,
			Documents:    cfg.Documents,
			DurationMS:   cfg.Duration.Milliseconds(),
			RPSPerClient: cfg.RPS,
			PayloadBytes: cfg.PayloadBytes,
		},
		LatencyMS: latency,
		Throughput: throughputInfo{
			UpdatesSent:     sent,
			UpdatesObserved: observed,
			UpdatesPerSec:   float64(sent) / elapsedSeconds,
			FanOut:          fanOut,
		},
		Wire: wireInfo{
			FramesSent:     counters.framesSent.Load(),
			FramesReceived: counters.framesReceived.Load(),
			BytesSent:      counters.bytesSent.Load(),
			BytesReceived:  counters.bytesReceived.Load(),
		},
		GC: gcInfo{
			AllocMB:      float64(after.TotalAlloc-before.TotalAlloc) / (1024 * 1024),
			HeapLiveMB:   float64(after.HeapAlloc) / (1024 * 1024),
			NumGC:        after.NumGC - before.NumGC,
			PauseTotalMS: ms(time.Duration(after.PauseTotalNs - before.PauseTotalNs)),
		},
		Errors: errorInfo{
			ConnectFailures: errCounts.connectFailures.Load(),
			SyncTimeouts:    errCounts.syncTimeouts.Load(),
			DecodeFailures:  errCounts.decodeFailures.Load(),
			ApplyFailures:   errCounts.applyFailures.Load(),
			EarlyCloses:     errCounts.earlyCloses.Load(),
		},
	}
}

func writeSummary(w io.Writer, r benchReport) {
	fmt.Fprintf(w, "profile=%s clients=%d documents=%d duration=%dms rps/client=%.1f\n",
		r.Workload.Profile, r.Workload.Clients, r.Workload.Documents, r.Workload.DurationMS, r.Workload.RPSPerClient)
	fmt.Fprintf(w, "latency ms: min=%.2f p50=%.2f p95=%.2f p99=%.2f max=%.2f\n",
		r.LatencyMS.Min, r.LatencyMS.P50, r.LatencyMS.P95, r.LatencyMS.P99, r.LatencyMS.Max)
	fmt.Fprintf(w, "updates: sent=%d observed=%d (%.1f/s, fan-out %.1f)\n",
		r.Throughput.UpdatesSent, r.Throughput.UpdatesObserved, r.Throughput.UpdatesPerSec, r.Throughput.FanOut)
	fmt.Fprintf(w, "wire: frames out=%d in=%d bytes out=%d in=%d\n",
		r.Wire.FramesSent, r.Wire.FramesReceived, r.Wire.BytesSent, r.Wire.BytesReceived)
	fmt.Fprintf(w, "gc: alloc=%.1fMB heap=%.1fMB cycles=%d pause=%.2fms\n",
		r.GC.AllocMB, r.GC.HeapLiveMB, r.GC.NumGC, r.GC.PauseTotalMS)
	e := r.Errors
	fmt.Fprintf(w, "errors: connect=%d sync_timeout=%d decode=%d apply=%d early_close=%d\n",
		e.ConnectFailures, e.SyncTimeouts, e.DecodeFailures, e.ApplyFailures, e.EarlyCloses)
}

func writeJSON(path string, r benchReport) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if path == "-" {
		_, err = os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0644)
}
