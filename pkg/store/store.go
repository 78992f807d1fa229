// Package store persists room snapshots for the relay server.
//
// A snapshot is the full update of a room replica, as produced by
// EncodeStateAsUpdate with an empty state vector. The relay saves snapshots
// periodically and when a room empties, and loads them when a room reopens.
//
// Three backends are provided:
//
//   - MemoryStore keeps snapshots in process. It is the default and suits
//     single-node deployments and tests.
//   - SQLStore uses any database/sql driver (PostgreSQL, MySQL, SQLite).
//   - S3Store writes one object per document to an S3 bucket.
package store

import (
	"context"
)

// SnapshotStore defines the interface for snapshot persistence backends.
// Implementations must be safe for concurrent use.
type SnapshotStore interface {
	// Save persists the snapshot for docID, replacing any previous one.
	Save(ctx context.Context, docID string, data []byte) error

	// Load retrieves the snapshot for docID.
	// Returns (nil, nil) if there is none.
	Load(ctx context.Context, docID string) ([]byte, error)

	// Delete removes the snapshot for docID.
	// Should not return an error if it doesn't exist.
	Delete(ctx context.Context, docID string) error

	// SaveAll persists multiple snapshots, atomically where the backend
	// allows it. Used when the relay shuts down.
	SaveAll(ctx context.Context, snapshots map[string][]byte) error

	// Close releases any resources held by the store.
	Close() error
}

// ErrStoreClosed is returned when operations are attempted on a closed store.
type ErrStoreClosed struct{}

func (e ErrStoreClosed) Error() string {
	return "snapshot store is closed"
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
