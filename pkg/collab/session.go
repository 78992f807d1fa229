package collab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/vango-dev/collab/pkg/crdt"
	"github.com/vango-dev/collab/pkg/metrics"
	"github.com/vango-dev/collab/pkg/protocol"
)

var (
	// ErrSessionClosed is returned when writing to a closed session.
	ErrSessionClosed = errors.New("collab: session closed")

	// ErrNotOpen is returned when writing before the handshake went out.
	ErrNotOpen = errors.New("collab: session not open")
)

// State is the lifecycle state of a Session.
type State int32

const (
	// StateConnecting means the socket is being opened or re-opened.
	StateConnecting State = iota
	// StateOpen means the handshake was sent and updates flow both ways.
	StateOpen
	// StateClosed is terminal.
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Observer receives session lifecycle notifications. Calls are made from
// session goroutines and must not block.
type Observer interface {
	// OnStateChange is called after every state transition.
	OnStateChange(s *Session, state State)

	// OnSynced is called when a StateVectorResponse has been applied.
	OnSynced(s *Session)

	// OnError is called for dropped frames and failed applies.
	OnError(s *Session, err error)
}

// Stats is a point-in-time snapshot of session counters.
type Stats struct {
	FramesSent     uint64
	FramesReceived uint64
	BytesSent      uint64
	BytesReceived  uint64
	DecodeErrors   uint64
	ApplyErrors    uint64
	Connects       uint64
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics records session activity into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Session) {
		s.metrics = m
	}
}

// WithObserver registers a lifecycle observer.
func WithObserver(o Observer) Option {
	return func(s *Session) {
		s.observer = o
	}
}

// WithDialer replaces the WebSocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(s *Session) {
		if d != nil {
			s.dialer = d
		}
	}
}

// Session synchronizes one replica over one WebSocket connection.
type Session struct {
	id     string
	url    string
	doc    crdt.Doc
	config *SessionConfig
	dialer *websocket.Dialer

	logger   *slog.Logger
	metrics  *metrics.Metrics
	observer Observer

	// mu serializes writes and guards conn.
	mu   sync.Mutex
	conn *websocket.Conn

	state  atomic.Int32
	closed atomic.Bool

	unsubscribe func()

	// ctx is cancelled by Close; it bounds reconnect dials and waits.
	ctx    context.Context
	cancel context.CancelFunc

	done      chan struct{}
	closeOnce sync.Once

	framesSent     atomic.Uint64
	framesReceived atomic.Uint64
	bytesSent      atomic.Uint64
	bytesReceived  atomic.Uint64
	decodeErrors   atomic.Uint64
	applyErrors    atomic.Uint64
	connects       atomic.Uint64
}

// Dial opens a session to url for doc. It returns once the connection is
// open and the handshake has been sent; the read loop then runs until the
// session is closed. ctx bounds only the dial.
func Dial(ctx context.Context, url string, doc crdt.Doc, config *SessionConfig, opts ...Option) (*Session, error) {
	if doc == nil {
		return nil, errors.New("collab: nil document")
	}
	config = config.withDefaults()

	sctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:     ulid.Make().String(),
		url:    url,
		doc:    doc,
		config: config,
		dialer: &websocket.Dialer{
			HandshakeTimeout: config.HandshakeTimeout,
		},
		ctx:    sctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default().With("component", "collab")
	}
	s.logger = s.logger.With("session", s.id)
	s.state.Store(int32(StateConnecting))

	conn, err := s.dial(ctx)
	if err != nil {
		cancel()
		s.logger.Error("dial failed", "url", url, "error", err)
		return nil, err
	}
	if err := s.attach(conn); err != nil {
		cancel()
		conn.Close()
		s.logger.Error("handshake send failed", "url", url, "error", err)
		return nil, err
	}

	// The forwarder is attached once per session; send checks the state, so
	// updates made while reconnecting are dropped rather than queued.
	s.unsubscribe = doc.OnUpdate(s.forward)

	go s.run(conn)
	return s, nil
}

// ID returns the session identifier used in logs.
func (s *Session) ID() string {
	return s.id
}

// URL returns the URL the session dials.
func (s *Session) URL() string {
	return s.url
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Done is closed once the session reaches StateClosed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	return Stats{
		FramesSent:     s.framesSent.Load(),
		FramesReceived: s.framesReceived.Load(),
		BytesSent:      s.bytesSent.Load(),
		BytesReceived:  s.bytesReceived.Load(),
		DecodeErrors:   s.decodeErrors.Load(),
		ApplyErrors:    s.applyErrors.Load(),
		Connects:       s.connects.Load(),
	}
}

// Close detaches the forwarder and closes the connection. No frame is sent
// after Close returns. Safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.cancel()
		if s.unsubscribe != nil {
			s.unsubscribe()
		}

		s.mu.Lock()
		if s.conn != nil {
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(s.config.WriteTimeout))
			err = s.conn.Close()
			s.conn = nil
		}
		s.mu.Unlock()

		s.setState(StateClosed)
		s.logger.Debug("session closed", "stats", s.Stats())
		close(s.done)
	})
	return err
}

// dial opens a new socket without touching session state.
func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := s.dialer.DialContext(ctx, s.url, s.config.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("collab: dial %s: %w (status %d)", s.url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("collab: dial %s: %w", s.url, err)
	}
	if s.config.MaxMessageSize > 0 {
		conn.SetReadLimit(s.config.MaxMessageSize)
	}
	return conn, nil
}

// attach installs conn, sends the handshake and moves to Open. The handshake
// is written under mu before the state flips, so no forwarded update can
// precede it on this connection.
func (s *Session) attach(conn *websocket.Conn) error {
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.conn = conn
	err := s.writeLocked(protocol.StateVectorRequest, s.doc.EncodeStateVector())
	if err != nil {
		s.conn = nil
		s.mu.Unlock()
		return err
	}
	s.connects.Add(1)
	prev := State(s.state.Swap(int32(StateOpen)))
	s.mu.Unlock()
	s.notify(prev, StateOpen)

	s.logger.Info("session open", "url", s.url)
	return nil
}

// run owns the connection lifecycle until the session closes.
func (s *Session) run(conn *websocket.Conn) {
	for {
		err := s.serve(conn)
		if s.closed.Load() {
			return
		}

		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
		conn.Close()

		if !s.config.Reconnect.Enabled() {
			s.logger.Info("connection lost", "error", err)
			s.Close()
			return
		}

		s.logger.Warn("connection lost, reconnecting", "error", err)
		s.setState(StateConnecting)
		conn = s.reconnect()
		if conn == nil {
			s.Close()
			return
		}
	}
}

// reconnect re-dials according to the reconnect policy. It returns nil when
// attempts are exhausted or the session was closed.
func (s *Session) reconnect() *websocket.Conn {
	policy := s.config.Reconnect
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		delay := policy.Delay(attempt)
		timer := time.NewTimer(delay)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		s.metrics.Reconnect()
		conn, err := s.dial(s.ctx)
		if err != nil {
			s.logger.Warn("reconnect attempt failed",
				"attempt", attempt,
				"max_attempts", policy.MaxAttempts,
				"error", err)
			continue
		}
		if err := s.attach(conn); err != nil {
			conn.Close()
			if errors.Is(err, ErrSessionClosed) {
				return nil
			}
			s.logger.Warn("reconnect handshake failed", "attempt", attempt, "error", err)
			continue
		}
		return conn
	}

	s.logger.Error("reconnect attempts exhausted", "max_attempts", policy.MaxAttempts)
	return nil
}

func (s *Session) setState(state State) {
	s.notify(State(s.state.Swap(int32(state))), state)
}

// notify records a transition from prev to state. It must be called without
// holding mu.
func (s *Session) notify(prev, state State) {
	if prev == state {
		return
	}
	if state == StateOpen {
		s.metrics.SessionOpened()
	} else if prev == StateOpen {
		s.metrics.SessionClosed()
	}
	if s.observer != nil {
		s.observer.OnStateChange(s, state)
	}
}

func (s *Session) reportError(err error) {
	if s.observer != nil {
		s.observer.OnError(s, err)
	}
}
