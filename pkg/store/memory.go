package store

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory snapshot store.
// Snapshots are lost when the process exits.
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string][]byte
	closed    bool
}

// NewMemoryStore creates a new in-memory snapshot store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snapshots: make(map[string][]byte),
	}
}

// Save stores a copy of data.
func (m *MemoryStore) Save(ctx context.Context, docID string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed{}
	}
	m.snapshots[docID] = cloneBytes(data)
	return nil
}

// Load returns a copy of the stored snapshot.
func (m *MemoryStore) Load(ctx context.Context, docID string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed{}
	}
	data, ok := m.snapshots[docID]
	if !ok {
		return nil, nil
	}
	return cloneBytes(data), nil
}

// Delete removes a snapshot.
func (m *MemoryStore) Delete(ctx context.Context, docID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed{}
	}
	delete(m.snapshots, docID)
	return nil
}

// SaveAll stores copies of all snapshots.
func (m *MemoryStore) SaveAll(ctx context.Context, snapshots map[string][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed{}
	}
	for id, data := range snapshots {
		m.snapshots[id] = cloneBytes(data)
	}
	return nil
}

// Close marks the store closed and drops all snapshots.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.snapshots = nil
	return nil
}

// Count returns the number of stored snapshots.
func (m *MemoryStore) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.snapshots)
}
