package relay

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/vango-dev/collab/pkg/crdt"
	"github.com/vango-dev/collab/pkg/metrics"
	"github.com/vango-dev/collab/pkg/protocol"
)

// Room is the set of peers editing one document, plus the relay's replica.
type Room struct {
	id      string
	doc     *crdt.Map
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	peers map[string]*peer

	// dirty is set when the replica changed since the last save.
	dirty       atomic.Bool
	unsubscribe func()
}

func newRoom(id string, doc *crdt.Map, logger *slog.Logger, m *metrics.Metrics) *Room {
	r := &Room{
		id:      id,
		doc:     doc,
		logger:  logger.With("document", id),
		metrics: m,
		peers:   make(map[string]*peer),
	}
	r.unsubscribe = doc.OnUpdate(r.relay)
	return r
}

// ID returns the document id.
func (r *Room) ID() string {
	return r.id
}

// Doc returns the room replica.
func (r *Room) Doc() *crdt.Map {
	return r.doc
}

// PeerCount returns the number of connected peers.
func (r *Room) PeerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// Dirty reports whether the replica changed since the last save.
func (r *Room) Dirty() bool {
	return r.dirty.Load()
}

// Snapshot returns the full replica state as one update.
func (r *Room) Snapshot() []byte {
	update, _ := r.doc.EncodeStateAsUpdate(nil)
	return update
}

// join adds p and queues the room's own StateVectorRequest as its first
// frame.
func (r *Room) join(p *peer) {
	request := protocol.Encode(protocol.StateVectorRequest, r.doc.EncodeStateVector())

	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[p.id] = p
	r.enqueueLocked(p, request)
	r.metrics.PeerJoined()
	r.logger.Info("peer joined", "peer", p.id, "user", p.user, "peers", len(r.peers))
}

// leave removes p and returns the number of peers left.
func (r *Room) leave(p *peer) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(p, "disconnected")
	return len(r.peers)
}

// closeAll disconnects every peer.
func (r *Room) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.peers {
		r.removeLocked(p, "shutdown")
	}
}

// handle processes one binary frame from p. It must not be called with
// r.mu held: applying an update re-enters the room through relay.
func (r *Room) handle(p *peer, data []byte) {
	t, payload, err := protocol.Decode(data)
	if err != nil {
		r.metrics.DecodeError()
		r.logger.Warn("dropping undecodable frame", "peer", p.id, "error", err, "size", len(data))
		return
	}
	r.metrics.FrameReceived(t.String(), len(data))

	switch t {
	case protocol.StateVectorRequest:
		update, err := r.doc.EncodeStateAsUpdate(payload)
		if err != nil {
			r.metrics.ApplyError()
			r.logger.Warn("cannot answer state vector request", "peer", p.id, "error", err)
			return
		}
		r.sendTo(p, protocol.Encode(protocol.StateVectorResponse, update))

	case protocol.StateVectorResponse, protocol.UpdateBroadcast:
		if err := r.doc.ApplyUpdate(payload, p); err != nil {
			r.metrics.ApplyError()
			r.logger.Warn("failed to apply update", "peer", p.id, "type", t, "error", err)
		}
	}
}

// relay forwards newly integrated ops to every peer except the origin.
func (r *Room) relay(update []byte, origin any) {
	r.dirty.Store(true)
	frame := protocol.Encode(protocol.UpdateBroadcast, update)
	from, _ := origin.(*peer)

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.peers {
		if p == from {
			continue
		}
		r.enqueueLocked(p, frame)
	}
}

func (r *Room) sendTo(p *peer, frame []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[p.id]; ok {
		r.enqueueLocked(p, frame)
	}
}

// enqueueLocked queues frame for p, dropping p if its queue is full.
func (r *Room) enqueueLocked(p *peer, frame []byte) {
	select {
	case p.send <- frame:
		r.metrics.FrameSent(protocol.MessageType(frame[0]).String(), len(frame))
	default:
		r.logger.Warn("peer too slow, disconnecting", "peer", p.id)
		r.removeLocked(p, "slow")
	}
}

func (r *Room) removeLocked(p *peer, reason string) {
	if _, ok := r.peers[p.id]; !ok {
		return
	}
	delete(r.peers, p.id)
	close(p.send)
	r.metrics.PeerLeft()
	r.logger.Info("peer left", "peer", p.id, "reason", reason, "peers", len(r.peers))
}

// close detaches the room from its replica.
func (r *Room) close() {
	if r.unsubscribe != nil {
		r.unsubscribe()
	}
}
