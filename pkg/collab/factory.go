package collab

import (
	"context"
	"log/slog"

	"github.com/vango-dev/collab/pkg/crdt"
)

// Factory creates sessions for documents by name.
type Factory struct {
	resolver *Resolver
	config   *SessionConfig
	opts     []Option
	logger   *slog.Logger
}

// NewFactory creates a Factory. A nil config uses DefaultSessionConfig.
// opts are applied to every session the factory creates.
func NewFactory(resolver *Resolver, config *SessionConfig, opts ...Option) *Factory {
	if config == nil {
		config = DefaultSessionConfig()
	}
	return &Factory{
		resolver: resolver,
		config:   config.Clone(),
		opts:     opts,
		logger:   slog.Default().With("component", "factory"),
	}
}

// Connect resolves the connection URL for documentID and opens a session
// bound to doc. The session closes when ctx ends. A lookup failure is
// logged and returned without retrying; no session is created. opts are
// applied after the factory's own.
func (f *Factory) Connect(ctx context.Context, documentID, user string, doc crdt.Doc, opts ...Option) (*Session, error) {
	wsURL, err := f.resolver.Lookup(ctx, documentID, user)
	if err != nil {
		f.logger.Error("collaboration lookup failed",
			"document", documentID,
			"user", user,
			"error", err)
		return nil, err
	}

	sessionOpts := append(f.opts[:len(f.opts):len(f.opts)], opts...)
	s, err := Dial(ctx, wsURL, doc, f.config, sessionOpts...)
	if err != nil {
		return nil, err
	}

	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.Done():
		}
	}()

	f.logger.Info("collaboration started", "document", documentID, "session", s.ID())
	return s, nil
}
