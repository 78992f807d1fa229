// Package metrics provides Prometheus instrumentation shared by sync
// sessions and the relay server.
//
// All recorder methods are safe to call on a nil *Metrics, so components
// take an optional *Metrics and record unconditionally.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config configures the metrics set.
type Config struct {
	// Namespace is the metrics namespace (default: "collab").
	Namespace string

	// Subsystem is the metrics subsystem (default: "").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for snapshot sizes.
	Buckets []float64

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// Option configures the metrics set.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) Option {
	return func(c *Config) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) {
		c.ConstLabels = labels
	}
}

// WithBuckets sets the snapshot size histogram buckets.
func WithBuckets(buckets []float64) Option {
	return func(c *Config) {
		c.Buckets = buckets
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

func defaultConfig() Config {
	return Config{
		Namespace: "collab",
		Buckets:   []float64{256, 4096, 65536, 1 << 20, 16 << 20},
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Metrics holds the collectors.
type Metrics struct {
	framesSent     *prometheus.CounterVec
	framesReceived *prometheus.CounterVec
	frameBytes     *prometheus.CounterVec
	decodeErrors   prometheus.Counter
	applyErrors    prometheus.Counter
	wsErrors       *prometheus.CounterVec
	activeSessions prometheus.Gauge
	reconnects     prometheus.Counter
	lookups        *prometheus.CounterVec
	activeRooms    prometheus.Gauge
	activePeers    prometheus.Gauge
	snapshotSaves  *prometheus.CounterVec
	snapshotBytes  prometheus.Histogram
}

// New registers and returns the metrics set.
//
// Metrics collected:
//   - collab_frames_sent_total: frames written, by message type
//   - collab_frames_received_total: frames read, by message type
//   - collab_frame_bytes_total: frame bytes, by direction
//   - collab_decode_errors_total: frames dropped as undecodable
//   - collab_apply_errors_total: updates the replica rejected
//   - collab_websocket_errors_total: socket errors, by kind
//   - collab_active_sessions: open client sessions
//   - collab_reconnects_total: client reconnect attempts
//   - collab_lookups_total: connection URL lookups, by status
//   - collab_active_rooms: relay rooms in memory
//   - collab_active_peers: peers connected to the relay
//   - collab_snapshot_saves_total: snapshot writes, by status
//   - collab_snapshot_bytes: snapshot sizes
func New(opts ...Option) *Metrics {
	config := defaultConfig()
	for _, opt := range opts {
		opt(&config)
	}
	factory := promauto.With(config.Registry)

	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: config.ConstLabels,
		}, labels)
	}
	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: config.ConstLabels,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: config.ConstLabels,
		})
	}

	return &Metrics{
		framesSent:     counterVec("frames_sent_total", "Total frames written, by message type", "type"),
		framesReceived: counterVec("frames_received_total", "Total frames read, by message type", "type"),
		frameBytes:     counterVec("frame_bytes_total", "Total frame bytes, by direction", "direction"),
		decodeErrors:   counter("decode_errors_total", "Total frames dropped because they could not be decoded"),
		applyErrors:    counter("apply_errors_total", "Total updates rejected by the replica"),
		wsErrors:       counterVec("websocket_errors_total", "Total WebSocket errors by kind", "kind"),
		activeSessions: gauge("active_sessions", "Number of open sync sessions"),
		reconnects:     counter("reconnects_total", "Total sync session reconnect attempts"),
		lookups:        counterVec("lookups_total", "Total connection URL lookups, by status", "status"),
		activeRooms:    gauge("active_rooms", "Number of relay rooms in memory"),
		activePeers:    gauge("active_peers", "Number of peers connected to the relay"),
		snapshotSaves:  counterVec("snapshot_saves_total", "Total room snapshot writes, by status", "status"),
		snapshotBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "snapshot_bytes",
			Help:        "Size of persisted room snapshots in bytes",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}),
	}
}

// FrameSent records an outbound frame.
func (m *Metrics) FrameSent(msgType string, n int) {
	if m == nil {
		return
	}
	m.framesSent.WithLabelValues(msgType).Inc()
	m.frameBytes.WithLabelValues("out").Add(float64(n))
}

// FrameReceived records an inbound frame.
func (m *Metrics) FrameReceived(msgType string, n int) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(msgType).Inc()
	m.frameBytes.WithLabelValues("in").Add(float64(n))
}

// DecodeError records a dropped frame.
func (m *Metrics) DecodeError() {
	if m == nil {
		return
	}
	m.decodeErrors.Inc()
}

// ApplyError records an update the replica rejected.
func (m *Metrics) ApplyError() {
	if m == nil {
		return
	}
	m.applyErrors.Inc()
}

// WebSocketError records a socket error of the given kind ("read", "write", "dial", "upgrade").
func (m *Metrics) WebSocketError(kind string) {
	if m == nil {
		return
	}
	m.wsErrors.WithLabelValues(kind).Inc()
}

// SessionOpened records a session entering the open state.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
}

// SessionClosed records an open session closing.
func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}

// Reconnect records a reconnect attempt.
func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

// Lookup records a connection URL lookup.
func (m *Metrics) Lookup(err error) {
	if m == nil {
		return
	}
	m.lookups.WithLabelValues(status(err)).Inc()
}

// RoomOpened records a relay room being loaded.
func (m *Metrics) RoomOpened() {
	if m == nil {
		return
	}
	m.activeRooms.Inc()
}

// RoomClosed records a relay room being evicted.
func (m *Metrics) RoomClosed() {
	if m == nil {
		return
	}
	m.activeRooms.Dec()
}

// PeerJoined records a peer connecting to the relay.
func (m *Metrics) PeerJoined() {
	if m == nil {
		return
	}
	m.activePeers.Inc()
}

// PeerLeft records a peer disconnecting from the relay.
func (m *Metrics) PeerLeft() {
	if m == nil {
		return
	}
	m.activePeers.Dec()
}

// SnapshotSaved records a snapshot write.
func (m *Metrics) SnapshotSaved(size int, err error) {
	if m == nil {
		return
	}
	m.snapshotSaves.WithLabelValues(status(err)).Inc()
	if err == nil {
		m.snapshotBytes.Observe(float64(size))
	}
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
