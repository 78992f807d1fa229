package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		typ     MessageType
		payload []byte
	}{
		{name: "request_empty", typ: StateVectorRequest, payload: []byte{}},
		{name: "request_vector", typ: StateVectorRequest, payload: []byte{0x01, 0x07, 0x03}},
		{name: "response", typ: StateVectorResponse, payload: []byte("diff")},
		{name: "broadcast", typ: UpdateBroadcast, payload: bytes.Repeat([]byte{0xAB}, 4096)},
		{name: "broadcast_tag_bytes", typ: UpdateBroadcast, payload: []byte{0x01, 0x02, 0x03}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			encoded := Encode(tc.typ, tc.payload)
			if encoded[0] != byte(tc.typ) {
				t.Errorf("tag = 0x%02x, want 0x%02x", encoded[0], byte(tc.typ))
			}

			typ, payload, err := Decode(encoded)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if typ != tc.typ {
				t.Errorf("type = %v, want %v", typ, tc.typ)
			}
			if !bytes.Equal(payload, tc.payload) {
				t.Errorf("payload = %v, want %v", payload, tc.payload)
			}
		})
	}
}

func TestEncodeLength(t *testing.T) {
	for n := 0; n <= 512; n++ {
		payload := make([]byte, n)
		for _, typ := range []MessageType{StateVectorRequest, StateVectorResponse, UpdateBroadcast} {
			if got := len(Encode(typ, payload)); got != n+1 {
				t.Fatalf("len(Encode(%v, %d bytes)) = %d, want %d", typ, n, got, n+1)
			}
		}
	}
}

func TestEncodeCopiesPayload(t *testing.T) {
	payload := []byte{1, 2, 3}
	encoded := Encode(UpdateBroadcast, payload)
	payload[0] = 9
	if encoded[1] != 1 {
		t.Error("Encode() aliases the payload slice")
	}
}

func TestDecodeCopiesPayload(t *testing.T) {
	data := []byte{byte(UpdateBroadcast), 1, 2, 3}
	_, payload, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	data[1] = 9
	if payload[0] != 1 {
		t.Error("Decode() aliases the input slice")
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want error
	}{
		{name: "nil", data: nil, want: ErrEmptyFrame},
		{name: "empty", data: []byte{}, want: ErrEmptyFrame},
		{name: "zero_tag", data: []byte{0x00, 0x01}, want: ErrUnknownMessageType},
		{name: "tag_0x04", data: []byte{0x04}, want: ErrUnknownMessageType},
		{name: "tag_0xff", data: []byte{0xFF, 0x00}, want: ErrUnknownMessageType},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := Decode(tc.data)
			if !errors.Is(err, tc.want) {
				t.Errorf("Decode() error = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestFrameEncodeDecode(t *testing.T) {
	f := NewFrame(StateVectorResponse, []byte("abc"))
	decoded, err := DecodeFrame(f.Encode())
	if err != nil {
		t.Fatalf("DecodeFrame() error = %v", err)
	}
	if decoded.Type != f.Type || !bytes.Equal(decoded.Payload, f.Payload) {
		t.Errorf("DecodeFrame() = %+v, want %+v", decoded, f)
	}

	if _, err := DecodeFrame(nil); !errors.Is(err, ErrEmptyFrame) {
		t.Errorf("DecodeFrame(nil) error = %v, want ErrEmptyFrame", err)
	}
}

func TestMessageTypeString(t *testing.T) {
	tests := []struct {
		typ  MessageType
		want string
	}{
		{StateVectorRequest, "StateVectorRequest"},
		{StateVectorResponse, "StateVectorResponse"},
		{UpdateBroadcast, "UpdateBroadcast"},
		{MessageType(0x09), "Unknown(0x09)"},
	}

	for _, tc := range tests {
		if got := tc.typ.String(); got != tc.want {
			t.Errorf("MessageType(%d).String() = %q, want %q", tc.typ, got, tc.want)
		}
	}
}
