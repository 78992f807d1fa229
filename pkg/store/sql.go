package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
)

// SQLDialect represents the SQL dialect for query generation.
type SQLDialect int

const (
	// DialectPostgreSQL uses PostgreSQL syntax ($1, $2 placeholders).
	DialectPostgreSQL SQLDialect = iota
	// DialectMySQL uses MySQL syntax (? placeholders).
	DialectMySQL
	// DialectSQLite uses SQLite syntax (? placeholders).
	DialectSQLite
)

// ParseDialect maps a driver name to its dialect.
func ParseDialect(driver string) (SQLDialect, error) {
	switch strings.ToLower(driver) {
	case "postgres", "postgresql", "pgx":
		return DialectPostgreSQL, nil
	case "mysql":
		return DialectMySQL, nil
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	default:
		return 0, fmt.Errorf("store: unknown SQL dialect %q", driver)
	}
}

// SQLStore is a SQL-backed snapshot store.
// It works with any database/sql compatible driver. Requires a table with
// schema (see EnsureSchema):
//
//	CREATE TABLE collab_snapshots (
//	    id VARCHAR(255) PRIMARY KEY,
//	    data BYTEA NOT NULL,
//	    updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
//	);
type SQLStore struct {
	db        *sql.DB
	tableName string
	dialect   SQLDialect
	closed    atomic.Bool
}

// SQLStoreOption configures SQLStore behavior.
type SQLStoreOption func(*sqlStoreConfig)

type sqlStoreConfig struct {
	tableName string
	dialect   SQLDialect
}

// WithSQLTableName sets the table name for snapshot storage.
// Default: "collab_snapshots".
func WithSQLTableName(name string) SQLStoreOption {
	return func(c *sqlStoreConfig) {
		c.tableName = name
	}
}

// WithSQLDialect sets the SQL dialect for query generation.
// Default: DialectPostgreSQL.
func WithSQLDialect(dialect SQLDialect) SQLStoreOption {
	return func(c *sqlStoreConfig) {
		c.dialect = dialect
	}
}

// NewSQLStore creates a new SQL-backed snapshot store.
func NewSQLStore(db *sql.DB, opts ...SQLStoreOption) *SQLStore {
	cfg := &sqlStoreConfig{
		tableName: "collab_snapshots",
		dialect:   DialectPostgreSQL,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	return &SQLStore{
		db:        db,
		tableName: cfg.tableName,
		dialect:   cfg.dialect,
	}
}

// placeholder returns the placeholder syntax for the dialect.
func (s *SQLStore) placeholder(n int) string {
	switch s.dialect {
	case DialectPostgreSQL:
		return fmt.Sprintf("$%d", n)
	default:
		return "?"
	}
}

func (s *SQLStore) upsertQuery() string {
	switch s.dialect {
	case DialectMySQL:
		return fmt.Sprintf(`
			INSERT INTO %s (id, data, updated_at)
			VALUES (?, ?, NOW())
			ON DUPLICATE KEY UPDATE
				data = VALUES(data),
				updated_at = NOW()
		`, s.tableName)
	case DialectSQLite:
		return fmt.Sprintf(`
			INSERT OR REPLACE INTO %s (id, data, updated_at)
			VALUES (?, ?, datetime('now'))
		`, s.tableName)
	default:
		return fmt.Sprintf(`
			INSERT INTO %s (id, data, updated_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (id) DO UPDATE SET
				data = EXCLUDED.data,
				updated_at = NOW()
		`, s.tableName)
	}
}

// Save stores a snapshot, replacing any previous one.
func (s *SQLStore) Save(ctx context.Context, docID string, data []byte) error {
	if s.closed.Load() {
		return ErrStoreClosed{}
	}
	if data == nil {
		data = []byte{}
	}

	if _, err := s.db.ExecContext(ctx, s.upsertQuery(), docID, data); err != nil {
		return fmt.Errorf("store: save %q: %w", docID, err)
	}
	return nil
}

// Load retrieves a snapshot.
func (s *SQLStore) Load(ctx context.Context, docID string) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed{}
	}

	query := fmt.Sprintf(`SELECT data FROM %s WHERE id = %s`, s.tableName, s.placeholder(1))

	var data []byte
	err := s.db.QueryRowContext(ctx, query, docID).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: load %q: %w", docID, err)
	}
	return data, nil
}

// Delete removes a snapshot from the database.
func (s *SQLStore) Delete(ctx context.Context, docID string) error {
	if s.closed.Load() {
		return ErrStoreClosed{}
	}

	query := fmt.Sprintf(`DELETE FROM %s WHERE id = %s`, s.tableName, s.placeholder(1))
	if _, err := s.db.ExecContext(ctx, query, docID); err != nil {
		return fmt.Errorf("store: delete %q: %w", docID, err)
	}
	return nil
}

// SaveAll saves multiple snapshots in one transaction.
func (s *SQLStore) SaveAll(ctx context.Context, snapshots map[string][]byte) error {
	if s.closed.Load() {
		return ErrStoreClosed{}
	}
	if len(snapshots) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, s.upsertQuery())
	if err != nil {
		return err
	}
	defer stmt.Close()

	for id, data := range snapshots {
		if data == nil {
			data = []byte{}
		}
		if _, err := stmt.ExecContext(ctx, id, data); err != nil {
			return fmt.Errorf("store: save %q: %w", id, err)
		}
	}

	return tx.Commit()
}

// Close marks the store closed.
// Note: This does not close the underlying database connection,
// as it may be shared with other components.
func (s *SQLStore) Close() error {
	s.closed.Store(true)
	return nil
}

// EnsureSchema creates the snapshot table if it doesn't exist.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	var query string
	switch s.dialect {
	case DialectPostgreSQL:
		query = fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id VARCHAR(255) PRIMARY KEY,
				data BYTEA NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
			)
		`, s.tableName)
	case DialectMySQL:
		query = fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id VARCHAR(255) PRIMARY KEY,
				data LONGBLOB NOT NULL,
				updated_at DATETIME DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP
			)
		`, s.tableName)
	case DialectSQLite:
		query = fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				data BLOB NOT NULL,
				updated_at TEXT DEFAULT (datetime('now'))
			)
		`, s.tableName)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("store: create table %s: %w", s.tableName, err)
	}
	return nil
}
