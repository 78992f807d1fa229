package relay

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vango-dev/collab/pkg/metrics"
	"github.com/vango-dev/collab/pkg/store"
)

// ServerConfig holds configuration for the relay server.
type ServerConfig struct {
	// Address is the address to listen on.
	// Default: ":7420".
	Address string

	// PublicURL is the externally visible base URL used to build WebSocket
	// URLs in lookup responses, e.g. "https://collab.example.com".
	// Empty derives it from the lookup request.
	PublicURL string

	// AuthSecret signs and verifies join tokens (HS256). Empty disables
	// token checks on the WebSocket endpoint.
	AuthSecret []byte

	// TokenTTL is how long an issued join token stays valid.
	// Default: 1 hour.
	TokenTTL time.Duration

	// WriteTimeout is the maximum time to wait when sending to a peer.
	// Default: 10 seconds.
	WriteTimeout time.Duration

	// PingInterval is the time between pings to peers.
	// Default: 30 seconds.
	PingInterval time.Duration

	// ReadTimeout disconnects a peer that sends nothing, pongs included,
	// for this long. Default: 90 seconds.
	ReadTimeout time.Duration

	// MaxMessageSize is the maximum size of an incoming frame.
	// Default: 16MB.
	MaxMessageSize int64

	// SendQueueSize is the number of frames buffered per peer before the
	// peer is considered too slow and disconnected.
	// Default: 256.
	SendQueueSize int

	// PersistInterval is how often dirty rooms are saved. Zero disables
	// periodic saves; rooms are still saved when they empty and on
	// shutdown. Default: 30 seconds.
	PersistInterval time.Duration

	// ShutdownTimeout bounds graceful shutdown in Run.
	// Default: 10 seconds.
	ShutdownTimeout time.Duration

	// CheckOrigin validates the Origin header of upgrade requests.
	// Default: allow all.
	CheckOrigin func(r *http.Request) bool

	// Store persists room snapshots.
	// Default: a new MemoryStore.
	Store store.SnapshotStore

	// Metrics records relay activity. Nil disables recording.
	Metrics *metrics.Metrics

	// Gatherer serves /metrics.
	// Default: prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer

	// Logger is the structured logger.
	// Default: slog.Default().
	Logger *slog.Logger
}

// DefaultServerConfig returns a ServerConfig with sensible defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Address:         ":7420",
		TokenTTL:        time.Hour,
		WriteTimeout:    10 * time.Second,
		PingInterval:    30 * time.Second,
		ReadTimeout:     90 * time.Second,
		MaxMessageSize:  16 * 1024 * 1024, // 16MB
		SendQueueSize:   256,
		PersistInterval: 30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Clone returns a shallow copy of the ServerConfig.
func (c *ServerConfig) Clone() *ServerConfig {
	if c == nil {
		return nil
	}
	clone := *c
	if c.AuthSecret != nil {
		clone.AuthSecret = append([]byte(nil), c.AuthSecret...)
	}
	return &clone
}

// withDefaults fills zero fields from DefaultServerConfig.
func (c *ServerConfig) withDefaults() *ServerConfig {
	defaults := DefaultServerConfig()
	if c == nil {
		c = defaults
	}
	out := c.Clone()
	if out.Address == "" {
		out.Address = defaults.Address
	}
	if out.TokenTTL == 0 {
		out.TokenTTL = defaults.TokenTTL
	}
	if out.WriteTimeout == 0 {
		out.WriteTimeout = defaults.WriteTimeout
	}
	if out.MaxMessageSize == 0 {
		out.MaxMessageSize = defaults.MaxMessageSize
	}
	if out.SendQueueSize <= 0 {
		out.SendQueueSize = defaults.SendQueueSize
	}
	if out.ShutdownTimeout == 0 {
		out.ShutdownTimeout = defaults.ShutdownTimeout
	}
	if out.CheckOrigin == nil {
		out.CheckOrigin = func(r *http.Request) bool { return true }
	}
	if out.Store == nil {
		out.Store = store.NewMemoryStore()
	}
	if out.Gatherer == nil {
		out.Gatherer = prometheus.DefaultGatherer
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}
