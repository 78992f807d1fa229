package crdt

import (
	"fmt"
	"sort"

	"github.com/vango-dev/collab/pkg/protocol"
)

// ClientID identifies the replica that produced an operation.
type ClientID uint64

// StateVector maps each client to the number of its operations a replica
// has integrated.
type StateVector map[ClientID]uint64

// Clone returns a copy of the state vector.
func (sv StateVector) Clone() StateVector {
	out := make(StateVector, len(sv))
	for c, n := range sv {
		out[c] = n
	}
	return out
}

// Covers reports whether sv has integrated everything other has.
func (sv StateVector) Covers(other StateVector) bool {
	for c, n := range other {
		if sv[c] < n {
			return false
		}
	}
	return true
}

// Encode serializes the state vector. Entries are written in client order so
// equal vectors encode to equal bytes.
//
// Format: [count: uvarint] ([client: uvarint][clock: uvarint])*
func (sv StateVector) Encode() []byte {
	clients := sv.clients()
	e := protocol.NewEncoderWithCap(1 + len(clients)*2*protocol.MaxVarintLen)
	e.WriteUvarint(uint64(len(clients)))
	for _, c := range clients {
		e.WriteUvarint(uint64(c))
		e.WriteUvarint(sv[c])
	}
	return e.Bytes()
}

func (sv StateVector) clients() []ClientID {
	clients := make([]ClientID, 0, len(sv))
	for c, n := range sv {
		if n > 0 {
			clients = append(clients, c)
		}
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })
	return clients
}

// DecodeStateVector parses a state vector produced by Encode.
// Nil or empty input is the empty state vector.
func DecodeStateVector(data []byte) (StateVector, error) {
	sv := make(StateVector)
	if len(data) == 0 {
		return sv, nil
	}

	d := protocol.NewDecoder(data)
	count, err := d.ReadCollectionCount(2)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedStateVector, err)
	}
	for i := 0; i < count; i++ {
		c, err := d.ReadUvarint()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedStateVector, err)
		}
		n, err := d.ReadUvarint()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedStateVector, err)
		}
		sv[ClientID(c)] = n
	}
	if !d.EOF() {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedStateVector, d.Remaining())
	}
	return sv, nil
}
