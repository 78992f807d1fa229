package crdt

import "errors"

// UpdateHandler receives an encoded update for every mutation of a replica.
// origin is the value passed to ApplyUpdate, or nil for local edits.
type UpdateHandler func(update []byte, origin any)

// Doc is the replica capability consumed by the sync transport.
// Implementations must be safe for concurrent use.
type Doc interface {
	// EncodeStateVector returns a compact summary of the updates this
	// replica has integrated.
	EncodeStateVector() []byte

	// EncodeStateAsUpdate returns an update containing everything this
	// replica has that a peer at stateVector lacks. A nil or empty
	// stateVector yields the full state.
	EncodeStateAsUpdate(stateVector []byte) ([]byte, error)

	// ApplyUpdate merges an update produced by EncodeStateAsUpdate or by an
	// update handler. Malformed input returns an error and leaves the
	// replica unchanged.
	ApplyUpdate(update []byte, origin any) error

	// OnUpdate registers fn and returns a function that removes it.
	OnUpdate(fn UpdateHandler) (unsubscribe func())
}

// Errors returned by replicas.
var (
	ErrMalformedUpdate      = errors.New("crdt: malformed update")
	ErrMalformedStateVector = errors.New("crdt: malformed state vector")
)
