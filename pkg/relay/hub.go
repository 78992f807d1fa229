package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-dev/collab/pkg/crdt"
	"github.com/vango-dev/collab/pkg/metrics"
	"github.com/vango-dev/collab/pkg/store"
)

// ErrHubClosed is returned by Join after Close.
var ErrHubClosed = errors.New("relay: hub closed")

// Hub maps document ids to open rooms.
//
// Store I/O runs outside mu. While a room is being opened or evicted its
// document id is marked busy, and Join for that id waits until the
// transition finishes, so a document never has two live replicas.
type Hub struct {
	store   store.SnapshotStore
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer

	mu     sync.Mutex
	rooms  map[string]*Room
	busy   map[string]chan struct{}
	closed bool
}

// NewHub creates a Hub persisting to st.
func NewHub(st store.SnapshotStore, logger *slog.Logger, m *metrics.Metrics) *Hub {
	if logger == nil {
		logger = slog.Default().With("component", "hub")
	}
	return &Hub{
		store:   st,
		logger:  logger,
		metrics: m,
		tracer:  otel.Tracer("collab"),
		rooms:   make(map[string]*Room),
		busy:    make(map[string]chan struct{}),
	}
}

// Join adds p to the room for docID, opening the room if needed.
func (h *Hub) Join(ctx context.Context, docID string, p *peer) (*Room, error) {
	for {
		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			return nil, ErrHubClosed
		}
		if room, ok := h.rooms[docID]; ok {
			room.join(p)
			h.mu.Unlock()
			return room, nil
		}
		if wait, ok := h.busy[docID]; ok {
			h.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		done := h.markBusyLocked(docID)
		h.mu.Unlock()

		room, err := h.open(ctx, docID)

		h.mu.Lock()
		h.clearBusyLocked(docID, done)
		if err != nil {
			h.mu.Unlock()
			return nil, err
		}
		if h.closed {
			h.mu.Unlock()
			room.close()
			h.metrics.RoomClosed()
			return nil, ErrHubClosed
		}
		h.rooms[docID] = room
		room.join(p)
		h.mu.Unlock()
		return room, nil
	}
}

// Leave removes p from room. The last peer out saves and evicts the room.
// After Close rooms stay registered for Flush.
func (h *Hub) Leave(ctx context.Context, room *Room, p *peer) {
	h.mu.Lock()
	if room.leave(p) > 0 || h.rooms[room.id] != room || h.closed {
		h.mu.Unlock()
		return
	}
	delete(h.rooms, room.id)
	done := h.markBusyLocked(room.id)
	h.mu.Unlock()

	room.close()
	if room.Dirty() {
		if err := h.save(ctx, room); err != nil {
			h.logger.Error("failed to save room on close", "document", room.id, "error", err)
		}
	}

	h.mu.Lock()
	h.clearBusyLocked(room.id, done)
	h.mu.Unlock()

	h.metrics.RoomClosed()
	h.logger.Info("room closed", "document", room.id)
}

func (h *Hub) markBusyLocked(docID string) chan struct{} {
	done := make(chan struct{})
	h.busy[docID] = done
	return done
}

func (h *Hub) clearBusyLocked(docID string, done chan struct{}) {
	delete(h.busy, docID)
	close(done)
}

// waitIdle blocks until no room is being opened or evicted.
func (h *Hub) waitIdle(ctx context.Context) error {
	for {
		h.mu.Lock()
		var wait chan struct{}
		for _, ch := range h.busy {
			wait = ch
			break
		}
		h.mu.Unlock()
		if wait == nil {
			return nil
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Room returns the open room for docID.
func (h *Hub) Room(docID string) (*Room, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[docID]
	return room, ok
}

// Rooms returns the ids of open rooms, sorted.
func (h *Hub) Rooms() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.rooms))
	for id := range h.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// PersistDirty saves every room changed since its last save.
func (h *Hub) PersistDirty(ctx context.Context) error {
	var errs []error
	for _, room := range h.snapshotRooms() {
		if !room.dirty.Swap(false) {
			continue
		}
		if err := h.save(ctx, room); err != nil {
			room.dirty.Store(true)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Flush waits for in-flight evictions, then saves every open room in one
// batch.
func (h *Hub) Flush(ctx context.Context) error {
	if err := h.waitIdle(ctx); err != nil {
		return fmt.Errorf("relay: flush snapshots: %w", err)
	}
	rooms := h.snapshotRooms()
	if len(rooms) == 0 {
		return nil
	}

	ctx, span := h.tracer.Start(ctx, "collab.snapshot.flush",
		trace.WithAttributes(attribute.Int("collab.rooms", len(rooms))))
	defer span.End()

	snapshots := make(map[string][]byte, len(rooms))
	for _, room := range rooms {
		room.dirty.Store(false)
		snapshots[room.id] = room.Snapshot()
	}
	err := h.store.SaveAll(ctx, snapshots)
	for _, data := range snapshots {
		h.metrics.SnapshotSaved(len(data), err)
	}
	if err != nil {
		for _, room := range rooms {
			room.dirty.Store(true)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("relay: flush snapshots: %w", err)
	}
	return nil
}

// Close disconnects all peers and refuses new joins. Rooms stay registered
// so a following Flush still sees them.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	rooms := make([]*Room, 0, len(h.rooms))
	for _, room := range h.rooms {
		rooms = append(rooms, room)
	}
	h.mu.Unlock()

	for _, room := range rooms {
		room.closeAll()
	}
}

func (h *Hub) snapshotRooms() []*Room {
	h.mu.Lock()
	defer h.mu.Unlock()
	rooms := make([]*Room, 0, len(h.rooms))
	for _, room := range h.rooms {
		rooms = append(rooms, room)
	}
	return rooms
}

// open creates a room, restoring its replica from the store.
func (h *Hub) open(ctx context.Context, docID string) (*Room, error) {
	doc := crdt.NewMap(crdt.NewClientID())

	data, err := h.store.Load(ctx, docID)
	if err != nil {
		return nil, fmt.Errorf("relay: load snapshot for %q: %w", docID, err)
	}
	if data != nil {
		if err := doc.ApplyUpdate(data, nil); err != nil {
			// Start empty; connected clients repopulate the room.
			h.logger.Error("discarding unreadable snapshot", "document", docID, "error", err)
		}
	}

	room := newRoom(docID, doc, h.logger, h.metrics)
	h.metrics.RoomOpened()
	h.logger.Info("room opened", "document", docID, "restored", data != nil, "keys", doc.Len())
	return room, nil
}

func (h *Hub) save(ctx context.Context, room *Room) error {
	ctx, span := h.tracer.Start(ctx, "collab.snapshot.save",
		trace.WithAttributes(attribute.String("collab.document", room.id)))
	defer span.End()

	data := room.Snapshot()
	err := h.store.Save(ctx, room.id, data)
	h.metrics.SnapshotSaved(len(data), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetAttributes(attribute.Int("collab.snapshot.bytes", len(data)))
	return nil
}
