// Package collab is the client side of real-time document synchronization.
//
// A Session owns one WebSocket connection bound to one replica (crdt.Doc).
// It drives the handshake and relays updates in both directions:
//
//   - On open it sends exactly one StateVectorRequest carrying the local
//     state vector. Nothing else is written on that connection first.
//   - A StateVectorRequest from the peer is answered with a
//     StateVectorResponse holding the diff the peer is missing.
//   - StateVectorResponse and UpdateBroadcast payloads are applied to the
//     replica. Apply failures are logged and the session continues.
//   - Every local mutation is forwarded as one UpdateBroadcast. Mutations
//     caused by applying a remote payload carry the session as their origin
//     and are not sent back.
//
// # Lifecycle
//
//	Connecting ──open──> Open ──drop/Close──> Closed
//
// A dropped connection closes the session unless SessionConfig.Reconnect
// allows retries, in which case the session returns to Connecting, re-dials
// with exponential backoff and jitter, and handshakes again.
//
// Factory ties everything together: it looks up the connection URL for a
// document from the companion HTTP endpoint, dials, and closes the session
// when the caller's context ends.
//
//	resolver := collab.NewResolver("https://collab.example.com")
//	factory := collab.NewFactory(resolver, nil)
//
//	doc := crdt.NewMap(crdt.NewClientID())
//	session, err := factory.Connect(ctx, "doc-42", "alice", doc)
//	if err != nil {
//	    // collaboration unavailable for this document
//	}
//	doc.Set("title", []byte("Quarterly plan")) // forwarded to peers
//
// # Thread Safety
//
// Writes to the connection are serialized by Session.mu. The read loop runs
// on its own goroutine; replica access goes through the Doc, which owns its
// own consistency.
package collab
