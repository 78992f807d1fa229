package crdt

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
)

// Limits on ops held back waiting for a missing predecessor. An update
// exceeding either is rejected whole with ErrMalformedUpdate.
const (
	// MaxClockGap is how far past a client's next expected clock an op may be.
	MaxClockGap = 1024

	// MaxPendingOps bounds the pending buffer across all clients.
	MaxPendingOps = 4096
)

// Map is a last-writer-wins map replica. It implements Doc.
type Map struct {
	mu sync.Mutex

	client  ClientID
	lamport uint64

	// log holds each client's integrated ops in clock order, so len(log[c])
	// is the state vector entry for c.
	log map[ClientID][]Op

	// pending holds ops that arrived ahead of a gap in their client's clock.
	pending map[ClientID]map[uint64]Op

	// entries holds the winning op per key, deletions included.
	entries map[string]Op

	handlers      map[uint64]UpdateHandler
	nextHandlerID uint64
}

var _ Doc = (*Map)(nil)

// NewMap creates an empty replica that writes as client.
func NewMap(client ClientID) *Map {
	return &Map{
		client:   client,
		log:      make(map[ClientID][]Op),
		pending:  make(map[ClientID]map[uint64]Op),
		entries:  make(map[string]Op),
		handlers: make(map[uint64]UpdateHandler),
	}
}

// NewClientID returns a random non-zero client id.
func NewClientID() ClientID {
	var b [8]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			panic("crdt: crypto/rand failed: " + err.Error())
		}
		if id := ClientID(binary.BigEndian.Uint64(b[:])); id != 0 {
			return id
		}
	}
}

// ClientID returns the id this replica writes as.
func (m *Map) ClientID() ClientID {
	return m.client
}

// Set writes key locally and notifies handlers with a nil origin.
func (m *Map) Set(key string, value []byte) {
	v := make([]byte, len(value))
	copy(v, value)
	m.local(Op{Key: key, Value: v})
}

// Delete removes key locally. Deleting a missing key is a no-op.
func (m *Map) Delete(key string) {
	m.mu.Lock()
	cur, ok := m.entries[key]
	m.mu.Unlock()
	if !ok || cur.Deleted {
		return
	}
	m.local(Op{Key: key, Deleted: true})
}

func (m *Map) local(op Op) {
	m.mu.Lock()
	op.Client = m.client
	op.Clock = uint64(len(m.log[m.client]))
	op.Lamport = m.lamport + 1
	ops := m.integrate(op)
	handlers := m.handlerList()
	m.mu.Unlock()

	emit(handlers, EncodeUpdate(ops), nil)
}

// Get returns the value stored under key.
func (m *Map) Get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.entries[key]
	if !ok || op.Deleted {
		return nil, false
	}
	v := make([]byte, len(op.Value))
	copy(v, op.Value)
	return v, true
}

// Len returns the number of visible keys.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, op := range m.entries {
		if !op.Deleted {
			n++
		}
	}
	return n
}

// Snapshot returns a copy of the visible contents.
func (m *Map) Snapshot() map[string][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string][]byte, len(m.entries))
	for k, op := range m.entries {
		if op.Deleted {
			continue
		}
		v := make([]byte, len(op.Value))
		copy(v, op.Value)
		out[k] = v
	}
	return out
}

// StateVector returns a copy of the replica's state vector.
func (m *Map) StateVector() StateVector {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateVector()
}

func (m *Map) stateVector() StateVector {
	sv := make(StateVector, len(m.log))
	for c, ops := range m.log {
		sv[c] = uint64(len(ops))
	}
	return sv
}

// PendingCount returns the number of ops waiting for a missing predecessor.
func (m *Map) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, ops := range m.pending {
		n += len(ops)
	}
	return n
}

// EncodeStateVector implements Doc.
func (m *Map) EncodeStateVector() []byte {
	return m.StateVector().Encode()
}

// EncodeStateAsUpdate implements Doc.
func (m *Map) EncodeStateAsUpdate(stateVector []byte) ([]byte, error) {
	sv, err := DecodeStateVector(stateVector)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	clients := make([]ClientID, 0, len(m.log))
	for c := range m.log {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })

	var ops []Op
	for _, c := range clients {
		log := m.log[c]
		if from := sv[c]; from < uint64(len(log)) {
			ops = append(ops, log[from:]...)
		}
	}
	m.mu.Unlock()

	return EncodeUpdate(ops), nil
}

// ApplyUpdate implements Doc. Handlers are notified only when the update
// integrated at least one op, with an update holding exactly those ops.
func (m *Map) ApplyUpdate(update []byte, origin any) error {
	ops, err := DecodeUpdate(update)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if err := m.admit(ops); err != nil {
		m.mu.Unlock()
		return err
	}
	var integrated []Op
	for _, op := range ops {
		integrated = append(integrated, m.integrate(op)...)
	}
	handlers := m.handlerList()
	m.mu.Unlock()

	if len(integrated) > 0 {
		emit(handlers, EncodeUpdate(integrated), origin)
	}
	return nil
}

// OnUpdate implements Doc.
func (m *Map) OnUpdate(fn UpdateHandler) func() {
	m.mu.Lock()
	id := m.nextHandlerID
	m.nextHandlerID++
	m.handlers[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.handlers, id)
			m.mu.Unlock()
		})
	}
}

// admit checks that integrating ops keeps every held-back op within
// MaxClockGap of its client's log and the pending buffer within
// MaxPendingOps. It does not modify the replica.
// Must be called with m.mu held.
func (m *Map) admit(ops []Op) error {
	pending := 0
	for _, p := range m.pending {
		pending += len(p)
	}
	next := make(map[ClientID]uint64)
	held := make(map[ClientID]map[uint64]bool)
	isHeld := func(c ClientID, clock uint64) bool {
		if _, ok := m.pending[c][clock]; ok {
			return true
		}
		return held[c][clock]
	}

	for _, op := range ops {
		n, ok := next[op.Client]
		if !ok {
			n = uint64(len(m.log[op.Client]))
		}
		switch {
		case op.Clock < n:
		case op.Clock == n:
			n++
			for isHeld(op.Client, n) {
				n++
			}
		default:
			if op.Clock-n > MaxClockGap {
				return fmt.Errorf("%w: client %d clock %d is %d past the log",
					ErrMalformedUpdate, op.Client, op.Clock, op.Clock-n)
			}
			if !isHeld(op.Client, op.Clock) {
				if held[op.Client] == nil {
					held[op.Client] = make(map[uint64]bool)
				}
				held[op.Client][op.Clock] = true
				pending++
				if pending > MaxPendingOps {
					return fmt.Errorf("%w: more than %d pending ops", ErrMalformedUpdate, MaxPendingOps)
				}
			}
		}
		next[op.Client] = n
	}
	return nil
}

// integrate adds op to the log if it is the next op for its client,
// then drains any pending ops it unblocks. Returns every op integrated.
// Must be called with m.mu held.
func (m *Map) integrate(op Op) []Op {
	next := uint64(len(m.log[op.Client]))
	switch {
	case op.Clock < next:
		return nil
	case op.Clock > next:
		p := m.pending[op.Client]
		if p == nil {
			p = make(map[uint64]Op)
			m.pending[op.Client] = p
		}
		p[op.Clock] = op
		return nil
	}

	var out []Op
	for {
		m.log[op.Client] = append(m.log[op.Client], op)
		if op.Lamport > m.lamport {
			m.lamport = op.Lamport
		}
		if cur, ok := m.entries[op.Key]; !ok || op.wins(cur) {
			m.entries[op.Key] = op
		}
		out = append(out, op)

		p := m.pending[op.Client]
		nextOp, ok := p[op.Clock+1]
		if !ok {
			break
		}
		delete(p, op.Clock+1)
		if len(p) == 0 {
			delete(m.pending, op.Client)
		}
		op = nextOp
	}
	return out
}

// handlerList returns the handlers in registration order.
// Must be called with m.mu held.
func (m *Map) handlerList() []UpdateHandler {
	ids := make([]uint64, 0, len(m.handlers))
	for id := range m.handlers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]UpdateHandler, len(ids))
	for i, id := range ids {
		out[i] = m.handlers[id]
	}
	return out
}

func emit(handlers []UpdateHandler, update []byte, origin any) {
	for _, fn := range handlers {
		fn(update, origin)
	}
}
