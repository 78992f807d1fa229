package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Server is the relay HTTP server.
type Server struct {
	config   *ServerConfig
	hub      *Hub
	tokens   *TokenIssuer
	router   chi.Router
	upgrader websocket.Upgrader
	logger   *slog.Logger
	tracer   trace.Tracer

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
	closing    bool

	// peers tracks running WebSocket handlers so Shutdown can wait for them.
	// Add only under mu while !closing.
	peers sync.WaitGroup
}

// New creates a relay server. A nil config uses DefaultServerConfig.
func New(config *ServerConfig) *Server {
	config = config.withDefaults()

	logger := config.Logger.With("component", "relay")
	s := &Server{
		config: config,
		hub:    NewHub(config.Store, logger.With("component", "hub"), config.Metrics),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     config.CheckOrigin,
		},
		logger: logger,
		tracer: otel.Tracer("collab"),
	}
	if len(config.AuthSecret) > 0 {
		s.tokens = NewTokenIssuer(config.AuthSecret, config.TokenTTL)
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/collab/{documentId}", s.handleLookup)
	r.Get("/ws/{documentId}", s.handleWebSocket)
	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.config.Gatherer, promhttp.HandlerOpts{}))
	return r
}

// Handler returns the HTTP handler serving all relay routes.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the room registry.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Tokens returns the token issuer, or nil when auth is disabled.
func (s *Server) Tokens() *TokenIssuer {
	return s.tokens
}

// Addr returns the listening address once Run has started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("relay: listen %s: %w", s.config.Address, err)
	}

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.listener = ln
	s.httpServer = srv
	s.mu.Unlock()

	s.logger.Info("relay listening", "address", ln.Addr().String())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		s.persistLoop(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Shutdown stops accepting connections, disconnects all peers and saves
// every open room.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.closing = true
	s.mu.Unlock()

	var errs []error
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	s.hub.Close()
	if err := s.hub.Flush(ctx); err != nil {
		errs = append(errs, err)
	}

	done := make(chan struct{})
	go func() {
		s.peers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}

	s.logger.Info("relay stopped")
	return errors.Join(errs...)
}

func (s *Server) persistLoop(ctx context.Context) {
	if s.config.PersistInterval <= 0 {
		return
	}

	ticker := time.NewTicker(s.config.PersistInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.hub.PersistDirty(ctx); err != nil {
				s.logger.Error("snapshot persist failed", "error", err)
			}
		}
	}
}
