package crdt

import (
	"fmt"

	"github.com/vango-dev/collab/pkg/protocol"
)

// Op is a single write to a Map.
type Op struct {
	Client  ClientID
	Clock   uint64
	Lamport uint64
	Key     string
	Value   []byte
	Deleted bool
}

// wins reports whether op replaces cur as the visible write for its key.
func (op Op) wins(cur Op) bool {
	if op.Lamport != cur.Lamport {
		return op.Lamport > cur.Lamport
	}
	return op.Client > cur.Client
}

// MaxLamport is the largest Lamport timestamp a replica accepts. Local
// writes increment past the highest integrated timestamp, so the limit
// leaves room below math.MaxUint64.
const MaxLamport = 1 << 62

// minOpSize is the smallest possible encoded op: three one-byte varints,
// an empty key, the deleted flag and an empty value.
const minOpSize = 6

// EncodeUpdate serializes ops.
//
// Format:
//
//	[count: uvarint] op*
//	op = [client: uvarint][clock: uvarint][lamport: uvarint]
//	     [key: len-prefixed][deleted: bool][value: len-prefixed]
func EncodeUpdate(ops []Op) []byte {
	e := protocol.NewEncoder()
	e.WriteUvarint(uint64(len(ops)))
	for _, op := range ops {
		e.WriteUvarint(uint64(op.Client))
		e.WriteUvarint(op.Clock)
		e.WriteUvarint(op.Lamport)
		e.WriteString(op.Key)
		e.WriteBool(op.Deleted)
		e.WriteLenBytes(op.Value)
	}
	return e.Bytes()
}

// DecodeUpdate parses an update produced by EncodeUpdate.
func DecodeUpdate(data []byte) ([]Op, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrMalformedUpdate)
	}

	d := protocol.NewDecoder(data)
	count, err := d.ReadCollectionCount(minOpSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}

	ops := make([]Op, 0, count)
	for i := 0; i < count; i++ {
		op, err := decodeOp(d)
		if err != nil {
			return nil, fmt.Errorf("%w: op %d: %v", ErrMalformedUpdate, i, err)
		}
		ops = append(ops, op)
	}
	if !d.EOF() {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedUpdate, d.Remaining())
	}
	return ops, nil
}

func decodeOp(d *protocol.Decoder) (Op, error) {
	var op Op

	client, err := d.ReadUvarint()
	if err != nil {
		return op, err
	}
	op.Client = ClientID(client)

	if op.Clock, err = d.ReadUvarint(); err != nil {
		return op, err
	}
	if op.Lamport, err = d.ReadUvarint(); err != nil {
		return op, err
	}
	if op.Lamport > MaxLamport {
		return op, fmt.Errorf("lamport %d exceeds %d", op.Lamport, uint64(MaxLamport))
	}
	if op.Key, err = d.ReadString(); err != nil {
		return op, err
	}
	if op.Deleted, err = d.ReadBool(); err != nil {
		return op, err
	}
	if op.Value, err = d.ReadLenBytes(); err != nil {
		return op, err
	}
	if op.Deleted && len(op.Value) > 0 {
		return op, fmt.Errorf("deleted op carries %d value bytes", len(op.Value))
	}
	return op, nil
}
