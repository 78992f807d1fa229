package protocol

import (
	"errors"
	"fmt"
)

// HeaderSize is the size of the frame header (the message-type tag).
const HeaderSize = 1

// MessageType identifies the kind of frame on the wire.
type MessageType uint8

const (
	StateVectorRequest  MessageType = 0x01 // Sender's state vector
	StateVectorResponse MessageType = 0x02 // Update diff answering a request
	UpdateBroadcast     MessageType = 0x03 // Live update from a local edit
)

// String returns the string representation of the message type.
func (t MessageType) String() string {
	switch t {
	case StateVectorRequest:
		return "StateVectorRequest"
	case StateVectorResponse:
		return "StateVectorResponse"
	case UpdateBroadcast:
		return "UpdateBroadcast"
	default:
		return fmt.Sprintf("Unknown(0x%02x)", uint8(t))
	}
}

// Valid reports whether t is one of the defined message types.
func (t MessageType) Valid() bool {
	return t >= StateVectorRequest && t <= UpdateBroadcast
}

// Frame errors.
var (
	ErrEmptyFrame         = errors.New("protocol: empty frame")
	ErrUnknownMessageType = errors.New("protocol: unknown message type")
)

// Frame is one tagged message unit.
type Frame struct {
	Type    MessageType
	Payload []byte
}

// Encode prepends the tag byte to payload.
// The result is always len(payload)+1 bytes long.
func Encode(t MessageType, payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	buf[0] = byte(t)
	copy(buf[HeaderSize:], payload)
	return buf
}

// Decode splits data into its message type and payload.
// The returned payload is a copy and safe to retain.
func Decode(data []byte) (MessageType, []byte, error) {
	if len(data) < HeaderSize {
		return 0, nil, ErrEmptyFrame
	}
	t := MessageType(data[0])
	if !t.Valid() {
		return t, nil, fmt.Errorf("%w: 0x%02x", ErrUnknownMessageType, data[0])
	}
	payload := make([]byte, len(data)-HeaderSize)
	copy(payload, data[HeaderSize:])
	return t, payload, nil
}

// Encode encodes the frame to bytes including the tag.
func (f *Frame) Encode() []byte {
	return Encode(f.Type, f.Payload)
}

// DecodeFrame decodes a frame from bytes.
func DecodeFrame(data []byte) (*Frame, error) {
	t, payload, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return &Frame{Type: t, Payload: payload}, nil
}

// NewFrame creates a new frame with the given type and payload.
func NewFrame(t MessageType, payload []byte) *Frame {
	return &Frame{Type: t, Payload: payload}
}
