// Package crdt defines the replica capability the sync transport depends on,
// together with Map, a reference last-writer-wins map replica.
//
// The transport never looks inside payloads. It only needs a replica that can
// summarize what it has seen (a state vector), compute the update a peer is
// missing, merge updates it receives, and report its own mutations:
//
//	type Doc interface {
//	    EncodeStateVector() []byte
//	    EncodeStateAsUpdate(stateVector []byte) ([]byte, error)
//	    ApplyUpdate(update []byte, origin any) error
//	    OnUpdate(fn UpdateHandler) (unsubscribe func())
//	}
//
// # Map
//
// Map is an operation log. Each replica numbers its own operations with a
// per-client clock; the state vector records, per client, how many of that
// client's operations have been integrated. An update is a list of
// operations. Operations already covered by the receiver's state vector are
// skipped, so applying the same update twice is a no-op. Operations that
// arrive ahead of a gap are held until the gap is filled.
//
// Concurrent writes to the same key are resolved by Lamport timestamp, ties
// broken by the higher client id, so every replica that has integrated the
// same operations reports the same contents.
//
// # Origins
//
// ApplyUpdate takes an origin value that is passed unchanged to update
// handlers. Local edits carry a nil origin. A transport that applies a remote
// update with itself as origin can recognize, and skip, the resulting
// notification instead of echoing it back to the network.
package crdt
