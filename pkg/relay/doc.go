// Package relay is the server side of document synchronization.
//
// The relay groups connections by document into rooms. Each room holds its
// own replica of the document, so a client that connects alone still
// completes its handshake:
//
//	client                         room
//	  │── StateVectorRequest(sv) ──>│  answered from the room replica
//	  │<── StateVectorResponse ─────│
//	  │<── StateVectorRequest ──────│  sent first on join
//	  │── StateVectorResponse ─────>│  client's offline edits
//	  │── UpdateBroadcast ─────────>│  applied, then relayed to other peers
//
// Only operations that are new to the room replica are relayed, and never
// back to the peer that sent them.
//
// Rooms are restored from a store.SnapshotStore when they open, saved
// periodically while dirty, and saved again when the last peer leaves or
// the server shuts down.
//
// # HTTP surface
//
//	GET /collab/{documentId}?user=…  lookup: {"url": "ws://…/ws/{documentId}?token=…"}
//	GET /ws/{documentId}             WebSocket upgrade
//	GET /healthz                     liveness
//	GET /metrics                     Prometheus
package relay
