package collab

import (
	"math/rand/v2"
	"net/http"
	"time"
)

// SessionConfig holds configuration for sync sessions.
type SessionConfig struct {
	// HandshakeTimeout bounds the WebSocket opening handshake.
	// It does not bound the state-vector exchange.
	// Default: 10 seconds.
	HandshakeTimeout time.Duration

	// WriteTimeout is the maximum time to wait when sending a frame.
	// Default: 10 seconds.
	WriteTimeout time.Duration

	// ReadTimeout closes the connection when nothing arrives for this long.
	// Zero disables it, which is the default: a quiet peer is not an error.
	ReadTimeout time.Duration

	// PingInterval is the time between WebSocket ping control frames.
	// Zero disables pings.
	// Default: 30 seconds.
	PingInterval time.Duration

	// MaxMessageSize is the maximum size of an incoming WebSocket message.
	// Default: 16MB.
	MaxMessageSize int64

	// Header is sent with the WebSocket upgrade request.
	Header http.Header

	// Reconnect controls what happens when the connection drops.
	// Default: no reconnect.
	Reconnect ReconnectPolicy
}

// DefaultSessionConfig returns a SessionConfig with sensible defaults.
func DefaultSessionConfig() *SessionConfig {
	return &SessionConfig{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		PingInterval:     30 * time.Second,
		MaxMessageSize:   16 * 1024 * 1024, // 16MB
	}
}

// Clone returns a copy of the SessionConfig.
func (c *SessionConfig) Clone() *SessionConfig {
	if c == nil {
		return nil
	}
	clone := *c
	if c.Header != nil {
		clone.Header = c.Header.Clone()
	}
	return &clone
}

// WithReconnect sets the reconnect policy and returns the config for chaining.
func (c *SessionConfig) WithReconnect(p ReconnectPolicy) *SessionConfig {
	c.Reconnect = p
	return c
}

// withDefaults fills zero fields from DefaultSessionConfig.
func (c *SessionConfig) withDefaults() *SessionConfig {
	defaults := DefaultSessionConfig()
	if c == nil {
		return defaults
	}
	out := c.Clone()
	if out.HandshakeTimeout == 0 {
		out.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if out.WriteTimeout == 0 {
		out.WriteTimeout = defaults.WriteTimeout
	}
	if out.MaxMessageSize == 0 {
		out.MaxMessageSize = defaults.MaxMessageSize
	}
	return out
}

// ReconnectPolicy is a bounded retry schedule with exponential backoff and
// jitter. The zero value disables reconnecting.
type ReconnectPolicy struct {
	// MaxAttempts is the number of re-dials after a drop. Zero disables
	// reconnecting.
	MaxAttempts int

	// BaseDelay is the wait before the first attempt. Default: 500ms.
	BaseDelay time.Duration

	// MaxDelay caps the wait between attempts. Default: 30s.
	MaxDelay time.Duration

	// Jitter spreads each delay by up to this fraction in either direction.
	// Must be in [0, 1]. Default when zero: none.
	Jitter float64
}

// DefaultReconnectPolicy returns a policy with five attempts and 20% jitter.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		MaxAttempts: 5,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Jitter:      0.2,
	}
}

// Enabled reports whether the policy allows any reconnect attempt.
func (p ReconnectPolicy) Enabled() bool {
	return p.MaxAttempts > 0
}

// Delay returns the wait before the given attempt (1-based).
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	return p.delay(attempt, rand.Float64)
}

func (p ReconnectPolicy) delay(attempt int, random func() float64) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	max := p.MaxDelay
	if max <= 0 {
		max = 30 * time.Second
	}
	if attempt < 1 {
		attempt = 1
	}

	d := base
	for i := 1; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}

	jitter := p.Jitter
	if jitter > 1 {
		jitter = 1
	}
	if jitter > 0 {
		// Scale by a factor in [1-jitter, 1+jitter].
		d = time.Duration(float64(d) * (1 - jitter + 2*jitter*random()))
		if d > max {
			d = max
		}
	}
	return d
}
