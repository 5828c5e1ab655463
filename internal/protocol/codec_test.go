package protocol_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/GeeItsZee/SockExchange/internal/protocol"
)

// normalize maps nil payloads to empty ones, since the wire format does not
// distinguish between them for non-optional byte arrays.
func normalize(p protocol.Packet) protocol.Packet {
	switch v := p.(type) {
	case *protocol.Request:
		c := *v
		if c.Payload == nil {
			c.Payload = []byte{}
		}
		return &c
	case *protocol.Response:
		c := *v
		if c.Status == protocol.StatusOK && c.Payload == nil {
			c.Payload = []byte{}
		}
		return &c
	case *protocol.Forward:
		c := *v
		if c.Payload == nil {
			c.Payload = []byte{}
		}
		if len(c.LeafNames) == 0 {
			c.LeafNames = nil
		}
		return &c
	}
	return p
}

// TestEncodeDecodeRoundTrip verifies that Decode inverts Encode for every
// packet kind, including empty strings and empty payloads.
func TestEncodeDecodeRoundTrip(t *testing.T) {
	testCases := []struct {
		name string
		pkt  protocol.Packet
	}{
		{"Register", &protocol.Register{Password: "secret", LeafName: "west"}},
		{"Register with empty strings", &protocol.Register{}},
		{"Register with unicode name", &protocol.Register{Password: "pä$$", LeafName: "лес-1"}},
		{"RegisterAck success", &protocol.RegisterAck{Result: protocol.RegisterSuccess}},
		{"RegisterAck unknown name", &protocol.RegisterAck{Result: protocol.RegisterUnknownName}},
		{"Request to hub without call", &protocol.Request{
			Destination: protocol.ToHub(),
			Topic:       "KeepAlive",
			Payload:     []byte{0},
		}},
		{"Request to leaf with call", &protocol.Request{
			Destination: protocol.ToLeaf("west"),
			Topic:       "ping",
			Payload:     []byte{},
			Call:        &protocol.Call{ID: 7, TimeoutMillis: 5000},
		}},
		{"Request to player with large call id", &protocol.Request{
			Destination: protocol.ToPlayer("Steve"),
			Topic:       "",
			Payload:     []byte("hello"),
			Call:        &protocol.Call{ID: 1 << 62, TimeoutMillis: 1},
		}},
		{"Response ok", &protocol.Response{CallID: 7, Status: protocol.StatusOK, Payload: []byte("pong")}},
		{"Response ok empty payload", &protocol.Response{CallID: 8, Status: protocol.StatusOK, Payload: []byte{}}},
		{"Response server not found", &protocol.Response{CallID: 9, Status: protocol.StatusServerNotFound}},
		{"Response timed out", &protocol.Response{CallID: 10, Status: protocol.StatusTimedOut}},
		{"Forward to all", &protocol.Forward{Topic: "bus", Payload: []byte{1, 2, 3}}},
		{"Forward to named", &protocol.Forward{LeafNames: []string{"b", "c", ""}, Topic: "bus", Payload: []byte{}}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			encoded, err := protocol.Encode(tc.pkt)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}
			if got := protocol.PacketID(encoded[0]); got != tc.pkt.ID() {
				t.Fatalf("tag mismatch: got %s, want %s", got, tc.pkt.ID())
			}

			decoded, err := protocol.Decode(encoded)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}

			want := normalize(tc.pkt)
			if !reflect.DeepEqual(normalize(decoded), want) {
				t.Errorf("round trip mismatch:\n got  %#v\n want %#v", decoded, want)
			}
		})
	}
}

// TestWireLayout pins the exact bytes of a Request and a Response.
func TestWireLayout(t *testing.T) {
	req := &protocol.Request{
		Destination: protocol.ToLeaf("west"),
		Topic:       "ping",
		Payload:     []byte{0xAA},
		Call:        &protocol.Call{ID: 7, TimeoutMillis: 5000},
	}
	got, err := protocol.Encode(req)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	want := []byte{3, 1, 4, 'w', 'e', 's', 't', 4, 'p', 'i', 'n', 'g', 0, 0, 0, 1, 0xAA, 1}
	want = binary.BigEndian.AppendUint64(want, 7)
	want = binary.BigEndian.AppendUint64(want, 5000)
	if !bytes.Equal(got, want) {
		t.Errorf("request bytes:\n got  %v\n want %v", got, want)
	}

	resp, err := protocol.Encode(&protocol.Response{CallID: 7, Status: protocol.StatusServerNotFound})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	wantResp := append([]byte{4}, binary.BigEndian.AppendUint64(nil, 7)...)
	wantResp = append(wantResp, 4)
	if !bytes.Equal(resp, wantResp) {
		t.Errorf("response bytes:\n got  %v\n want %v", resp, wantResp)
	}
}

// TestStringLengthVarint checks that long strings use multi-byte length
// prefixes with the continuation bit set.
func TestStringLengthVarint(t *testing.T) {
	name := strings.Repeat("x", 300)
	encoded, err := protocol.Encode(&protocol.Register{Password: name})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	// 300 = 0b1_0010_1100 -> 0xAC 0x02
	if encoded[1] != 0xAC || encoded[2] != 0x02 {
		t.Fatalf("varint prefix: got %#x %#x, want 0xac 0x02", encoded[1], encoded[2])
	}
	decoded, err := protocol.Decode(encoded)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decoded.(*protocol.Register).Password != name {
		t.Errorf("password mismatch after round trip")
	}
}

// TestFrameSizeBoundary verifies that a Forward filling exactly MaxFrameSize
// round trips and that one more byte is rejected.
func TestFrameSizeBoundary(t *testing.T) {
	// tag(1) + count(4) + topic prefix(1) + payload length(4)
	overhead := 1 + 4 + 1 + 4
	pkt := &protocol.Forward{Topic: "", Payload: make([]byte, protocol.MaxFrameSize-overhead)}
	pkt.Payload[0] = 0x42
	pkt.Payload[len(pkt.Payload)-1] = 0x24

	encoded, err := protocol.Encode(pkt)
	if err != nil {
		t.Fatalf("Encode at boundary failed: %v", err)
	}
	if len(encoded) != protocol.MaxFrameSize {
		t.Fatalf("encoded size: got %d, want %d", len(encoded), protocol.MaxFrameSize)
	}

	var stream bytes.Buffer
	if err := protocol.WriteFrame(&stream, encoded); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	body, err := protocol.ReadFrame(&stream)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	decoded, err := protocol.Decode(body)
	if err != nil {
		t.Fatalf("Decode at boundary failed: %v", err)
	}
	if !bytes.Equal(decoded.(*protocol.Forward).Payload, pkt.Payload) {
		t.Errorf("payload mismatch at boundary")
	}

	pkt.Payload = append(pkt.Payload, 0)
	if _, err := protocol.Encode(pkt); !errors.Is(err, protocol.ErrFrameTooLarge) {
		t.Errorf("oversized encode: got %v, want ErrFrameTooLarge", err)
	}
}

// TestReadFrameRejectsOversizedHeader verifies that the length prefix alone
// is enough to reject a frame.
func TestReadFrameRejectsOversizedHeader(t *testing.T) {
	n := protocol.MaxFrameSize + 1
	hdr := []byte{byte(n >> 16), byte(n >> 8), byte(n)}
	_, err := protocol.ReadFrame(bytes.NewReader(hdr))
	if !errors.Is(err, protocol.ErrFrameTooLarge) {
		t.Errorf("got %v, want ErrFrameTooLarge", err)
	}
}

// TestDecodeErrors covers the protocol violations that must close a
// connection.
func TestDecodeErrors(t *testing.T) {
	valid, err := protocol.Encode(&protocol.Register{Password: "a", LeafName: "b"})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	nonOKWithPayload := append([]byte{4}, binary.BigEndian.AppendUint64(nil, 1)...)
	nonOKWithPayload = append(nonOKWithPayload, byte(protocol.StatusTimedOut), 0, 0, 0, 0)

	zeroTimeout := []byte{3, 0, 0, 0, 0, 0, 0, 1}
	zeroTimeout = binary.BigEndian.AppendUint64(zeroTimeout, 1)
	zeroTimeout = binary.BigEndian.AppendUint64(zeroTimeout, 0)

	testCases := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", []byte{}, protocol.ErrMalformed},
		{"unknown tag", []byte{9, 0, 0}, protocol.ErrUnknownPacket},
		{"tag zero", []byte{0}, protocol.ErrUnknownPacket},
		{"trailing bytes", append(append([]byte{}, valid...), 0xFF), protocol.ErrTrailingBytes},
		{"truncated string", valid[:len(valid)-1], protocol.ErrMalformed},
		{"bad ack result", []byte{2, 4}, protocol.ErrMalformed},
		{"bad destination", []byte{3, 7}, protocol.ErrMalformed},
		{"negative payload length", []byte{3, 0, 0, 0xFF, 0xFF, 0xFF, 0xFF}, protocol.ErrMalformed},
		{"bad boolean", []byte{3, 0, 0, 0, 0, 0, 0, 2}, protocol.ErrMalformed},
		{"non-ok response with payload", nonOKWithPayload, protocol.ErrTrailingBytes},
		{"call with zero timeout", zeroTimeout, protocol.ErrMalformed},
		{"negative forward count", []byte{5, 0xFF, 0xFF, 0xFF, 0xFF}, protocol.ErrMalformed},
		{"varint overflow", []byte{1, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0x01}, protocol.ErrMalformed},
		{"invalid utf8", []byte{1, 1, 0xFF, 0}, protocol.ErrMalformed},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := protocol.Decode(tc.data)
			if !errors.Is(err, tc.want) {
				t.Errorf("got %v, want %v", err, tc.want)
			}
		})
	}
}

// TestEncodeRejectsInvalidPackets covers packets that cannot be put on the wire.
func TestEncodeRejectsInvalidPackets(t *testing.T) {
	testCases := []struct {
		name string
		pkt  protocol.Packet
	}{
		{"payload on non-ok response", &protocol.Response{CallID: 1, Status: protocol.StatusTimedOut, Payload: []byte{}}},
		{"unknown status", &protocol.Response{CallID: 1, Status: 99}},
		{"call without timeout", &protocol.Request{Destination: protocol.ToHub(), Call: &protocol.Call{ID: 1}}},
		{"unknown destination", &protocol.Request{Destination: protocol.Destination{Kind: 9}}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := protocol.Encode(tc.pkt); !errors.Is(err, protocol.ErrMalformed) {
				t.Errorf("got %v, want ErrMalformed", err)
			}
		})
	}
}
