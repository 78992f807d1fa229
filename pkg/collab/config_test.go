package collab

import (
	"net/http"
	"testing"
	"time"
)

func TestSessionConfigClone(t *testing.T) {
	cfg := DefaultSessionConfig()
	cfg.Header = http.Header{"Authorization": {"Bearer a"}}

	clone := cfg.Clone()
	clone.Header.Set("Authorization", "Bearer b")
	clone.WriteTimeout = time.Second

	if got := cfg.Header.Get("Authorization"); got != "Bearer a" {
		t.Errorf("original header changed to %q", got)
	}
	if cfg.WriteTimeout != 10*time.Second {
		t.Errorf("original WriteTimeout changed to %v", cfg.WriteTimeout)
	}

	var nilCfg *SessionConfig
	if nilCfg.Clone() != nil {
		t.Error("nil Clone() should be nil")
	}
}

func TestSessionConfigWithDefaults(t *testing.T) {
	cfg := (&SessionConfig{WriteTimeout: time.Second}).withDefaults()
	if cfg.WriteTimeout != time.Second {
		t.Errorf("WriteTimeout = %v, want 1s", cfg.WriteTimeout)
	}
	if cfg.HandshakeTimeout != 10*time.Second {
		t.Errorf("HandshakeTimeout = %v, want 10s", cfg.HandshakeTimeout)
	}
	if cfg.MaxMessageSize == 0 {
		t.Error("MaxMessageSize not defaulted")
	}
	if cfg.Reconnect.Enabled() {
		t.Error("reconnect should be disabled by default")
	}
}

func TestReconnectPolicyDelay(t *testing.T) {
	tests := []struct {
		name    string
		policy  ReconnectPolicy
		attempt int
		random  float64
		want    time.Duration
	}{
		{"first attempt", ReconnectPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}, 1, 0, 100 * time.Millisecond},
		{"doubles", ReconnectPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}, 3, 0, 400 * time.Millisecond},
		{"capped", ReconnectPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond}, 5, 0, 300 * time.Millisecond},
		{"attempt below one", ReconnectPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}, 0, 0, 100 * time.Millisecond},
		{"defaults", ReconnectPolicy{}, 1, 0, 500 * time.Millisecond},
		{"jitter low", ReconnectPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Jitter: 0.5}, 1, 0, 50 * time.Millisecond},
		{"jitter mid", ReconnectPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Jitter: 0.5}, 1, 0.5, 100 * time.Millisecond},
		{"jitter capped", ReconnectPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: 120 * time.Millisecond, Jitter: 0.5}, 1, 1, 120 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.policy.delay(tt.attempt, func() float64 { return tt.random })
			if got != tt.want {
				t.Errorf("delay(%d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}
}

func TestReconnectPolicyDelayStaysInBounds(t *testing.T) {
	p := DefaultReconnectPolicy()
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		d := p.Delay(attempt)
		if d <= 0 || d > p.MaxDelay {
			t.Errorf("Delay(%d) = %v, want in (0, %v]", attempt, d, p.MaxDelay)
		}
	}
	if (ReconnectPolicy{}).Enabled() {
		t.Error("zero policy should be disabled")
	}
}
