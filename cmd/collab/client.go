package main

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/vango-dev/collab/internal/config"
	"github.com/vango-dev/collab/internal/errors"
	"github.com/vango-dev/collab/pkg/collab"
	"github.com/vango-dev/collab/pkg/crdt"
)

// clientFlags are shared by the commands that open a session.
type clientFlags struct {
	server  string
	user    string
	timeout time.Duration
}

func (f *clientFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.server, "server", "", "Relay base URL (default from collab.yaml)")
	cmd.Flags().StringVarP(&f.user, "user", "u", "cli", "User name sent with the lookup")
	cmd.Flags().DurationVarP(&f.timeout, "timeout", "t", 10*time.Second, "How long to wait for the initial sync")
}

// syncWaiter is an Observer that signals the first applied
// StateVectorResponse.
type syncWaiter struct {
	once   sync.Once
	synced chan struct{}
	logger *slog.Logger
}

func newSyncWaiter(logger *slog.Logger) *syncWaiter {
	return &syncWaiter{synced: make(chan struct{}), logger: logger}
}

func (w *syncWaiter) OnStateChange(s *collab.Session, state collab.State) {
	w.logger.Debug("session state", "session", s.ID(), "state", state.String())
}

func (w *syncWaiter) OnSynced(s *collab.Session) {
	w.once.Do(func() { close(w.synced) })
}

func (w *syncWaiter) OnError(s *collab.Session, err error) {
	w.logger.Warn("session error", "session", s.ID(), "error", err)
}

// openDocument connects a fresh replica to documentID and waits until it
// has caught up with the relay. The caller closes the returned session.
func openDocument(ctx context.Context, cfg *config.Config, flags *clientFlags, documentID string, logger *slog.Logger) (*collab.Session, *crdt.Map, error) {
	server := flags.server
	if server == "" {
		server = cfg.Session.Server
	}

	waiter := newSyncWaiter(logger)
	resolver := collab.NewResolver(server, collab.WithResolverLogger(logger))
	factory := collab.NewFactory(resolver, cfg.SessionConfig(),
		collab.WithLogger(logger),
		collab.WithObserver(waiter))

	doc := crdt.NewMap(crdt.NewClientID())
	s, err := factory.Connect(ctx, documentID, flags.user, doc)
	if err != nil {
		if stderrors.Is(err, collab.ErrLookupFailed) {
			return nil, nil, errors.New("E400").WithDetail(server).Wrap(err)
		}
		return nil, nil, errors.New("E401").WithDetail(server).Wrap(err)
	}

	timer := time.NewTimer(flags.timeout)
	defer timer.Stop()
	select {
	case <-waiter.synced:
		return s, doc, nil
	case <-s.Done():
		return nil, nil, errors.New("E401").WithDetail("connection closed before sync")
	case <-timer.C:
		s.Close()
		return nil, nil, errors.New("E401").WithDetailf("no sync within %s", flags.timeout)
	case <-ctx.Done():
		s.Close()
		return nil, nil, ctx.Err()
	}
}
