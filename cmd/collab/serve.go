package main

import (
	"context"
	"database/sql"
	stderrors "errors"
	"log/slog"
	"net"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"github.com/vango-dev/collab/internal/config"
	"github.com/vango-dev/collab/internal/errors"
	"github.com/vango-dev/collab/pkg/metrics"
	"github.com/vango-dev/collab/pkg/relay"
	"github.com/vango-dev/collab/pkg/store"
)

func serveCmd(load func() (*config.Config, error)) *cobra.Command {
	var address string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the relay server",
		Long: `Start the relay server.

The relay keeps one replica per document, answers state vector
requests, relays updates between peers and saves snapshots to the
configured store.

Examples:
  collab serve
  collab serve --address=:8080
  COLLAB_AUTH_SECRET=s3cret collab serve -c /etc/collab.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if address != "" {
				cfg.Server.Address = address
			}
			return runServe(cmd.Context(), cfg, newLogger(cfg, cmd.ErrOrStderr()))
		},
	}

	cmd.Flags().StringVarP(&address, "address", "a", "", "Address to listen on (default from collab.yaml)")

	return cmd
}

func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()

	rc := cfg.RelayConfig()
	rc.Store = st
	rc.Logger = logger
	if cfg.Metrics.Enabled {
		registry := prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		rc.Metrics = metrics.New(
			metrics.WithNamespace(cfg.Metrics.Namespace),
			metrics.WithRegistry(registry),
		)
		rc.Gatherer = registry
	}

	srv := relay.New(rc)
	logger.Info("starting relay",
		"address", cfg.Server.Address,
		"store", cfg.Store.Backend,
		"auth", cfg.Auth.Secret != "",
		"version", version)

	if err := srv.Run(ctx); err != nil {
		var opErr *net.OpError
		if stderrors.As(err, &opErr) && opErr.Op == "listen" {
			return errors.New("E300").WithDetail(cfg.Server.Address).Wrap(err)
		}
		return errors.New("E301").Wrap(err)
	}
	return nil
}

// openStore builds the snapshot store named by the store section.
func openStore(ctx context.Context, cfg config.StoreConfig) (store.SnapshotStore, error) {
	switch cfg.Backend {
	case "memory":
		return store.NewMemoryStore(), nil

	case "sqlite":
		db, err := sql.Open("sqlite", cfg.DSN)
		if err != nil {
			return nil, errors.New("E200").WithDetail(cfg.DSN).Wrap(err)
		}
		// SQLite allows a single writer.
		db.SetMaxOpenConns(1)
		st := store.NewSQLStore(db,
			store.WithSQLDialect(store.DialectSQLite),
			store.WithSQLTableName(cfg.Table))
		if err := st.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, errors.New("E201").WithDetail(cfg.Table).Wrap(err)
		}
		return &sqlStoreCloser{SQLStore: st, db: db}, nil

	case "s3":
		client, err := newS3Client(cfg)
		if err != nil {
			return nil, errors.New("E202").Wrap(err)
		}
		return store.NewS3Store(client, cfg.Bucket, cfg.Prefix), nil

	default:
		return nil, errors.New("E104").WithDetailf("store.backend %q", cfg.Backend)
	}
}

// sqlStoreCloser closes the database along with the store.
type sqlStoreCloser struct {
	*store.SQLStore
	db *sql.DB
}

func (s *sqlStoreCloser) Close() error {
	return stderrors.Join(s.SQLStore.Close(), s.db.Close())
}

// newS3Client builds an S3 client from the store section and the standard
// AWS environment variables. Without credentials requests are unsigned.
func newS3Client(cfg config.StoreConfig) (*s3.Client, error) {
	region := cfg.Region
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		return nil, stderrors.New("no region: set store.region or AWS_REGION")
	}

	var creds aws.CredentialsProvider = aws.AnonymousCredentials{}
	if id, secret := os.Getenv("AWS_ACCESS_KEY_ID"), os.Getenv("AWS_SECRET_ACCESS_KEY"); id != "" && secret != "" {
		static := aws.Credentials{
			AccessKeyID:     id,
			SecretAccessKey: secret,
			SessionToken:    os.Getenv("AWS_SESSION_TOKEN"),
			Source:          "Environment",
		}
		creds = aws.NewCredentialsCache(aws.CredentialsProviderFunc(
			func(context.Context) (aws.Credentials, error) { return static, nil }))
	}

	opts := s3.Options{
		Region:      region,
		Credentials: creds,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
		opts.UsePathStyle = true
	}
	return s3.New(opts), nil
}
