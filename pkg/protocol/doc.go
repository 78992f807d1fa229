// Package protocol implements the binary wire format used by collaborative
// document sessions.
//
// Every WebSocket message carries exactly one frame. A frame is a single
// message-type tag followed by an opaque payload produced by the CRDT
// replica. There is no length prefix: the WebSocket message boundary is the
// frame boundary.
//
//	┌──────────────┬──────────────────────────────────────────┐
//	│ Message Type │ Payload (CRDT-encoded, variable length)  │
//	│ (1 byte)     │                                          │
//	└──────────────┴──────────────────────────────────────────┘
//
// # Message Types
//
//   - StateVectorRequest (0x01): the sender's state vector
//   - StateVectorResponse (0x02): update diff answering a request
//   - UpdateBroadcast (0x03): live update produced by a local edit
//
// Any other tag is rejected by Decode. Text WebSocket messages are not
// frames at all and are ignored by the session layer.
//
// # Handshake
//
//	Client                               Peer
//	  │                                    │
//	  │──── StateVectorRequest(sv_c) ─────>│
//	  │<─── StateVectorResponse(diff) ─────│
//	  │                                    │
//	  │<─── UpdateBroadcast ──────────────>│
//
// # Encoding Primitives
//
// The package also provides the Encoder and Decoder used by pkg/crdt to
// serialize state vectors and updates:
//
//   - Varint: protobuf-style unsigned varints
//   - Length-prefixed: strings and byte slices prefixed with a varint length
//   - Allocation limits: DefaultMaxAllocation and MaxCollectionCount bound
//     what a malicious length prefix can make the decoder allocate
//
// # Usage Example
//
//	data := protocol.Encode(protocol.UpdateBroadcast, update)
//
//	t, payload, err := protocol.Decode(data)
//	if err != nil {
//	    // drop the frame
//	}
package protocol
