package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"unicode/utf8"
)

var (
	// ErrUnknownPacket is returned when a frame starts with an unassigned tag.
	ErrUnknownPacket = errors.New("protocol: unknown packet id")
	// ErrTrailingBytes is returned when bytes remain after a packet is parsed.
	ErrTrailingBytes = errors.New("protocol: trailing bytes after packet")
	// ErrMalformed is returned for truncated or out-of-range field values.
	ErrMalformed = errors.New("protocol: malformed packet")
	// ErrFrameTooLarge is returned when a frame exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("protocol: frame exceeds maximum size")
)

// maxVarintLen is the longest accepted string-length prefix, in bytes.
const maxVarintLen = 10

// ---------------------------------------------------------------------------
// Encode
// ---------------------------------------------------------------------------

// Encode serializes a packet into a frame body: the tag followed by its
// fields. The 3-byte length prefix is added by WriteFrame / AppendFrame.
func Encode(pkt Packet) ([]byte, error) {
	w := &writer{buf: make([]byte, 0, 64)}
	w.byte(uint8(pkt.ID()))

	switch p := pkt.(type) {
	case *Register:
		w.string(p.Password)
		w.string(p.LeafName)

	case *RegisterAck:
		if !p.Result.valid() {
			return nil, fmt.Errorf("%w: register result %d", ErrMalformed, p.Result)
		}
		w.byte(uint8(p.Result))

	case *Request:
		if err := encodeRequest(w, p); err != nil {
			return nil, err
		}

	case *Response:
		if !p.Status.valid() {
			return nil, fmt.Errorf("%w: status %d", ErrMalformed, p.Status)
		}
		w.int64(int64(p.CallID))
		w.byte(uint8(p.Status))
		if p.Status == StatusOK {
			w.bytes(p.Payload)
		} else if p.Payload != nil {
			return nil, fmt.Errorf("%w: payload on %s response", ErrMalformed, p.Status)
		}

	case *Forward:
		w.int32(int32(len(p.LeafNames)))
		for _, name := range p.LeafNames {
			w.string(name)
		}
		w.string(p.Topic)
		w.bytes(p.Payload)

	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownPacket, pkt)
	}

	if len(w.buf) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(w.buf))
	}
	return w.buf, nil
}

func encodeRequest(w *writer, p *Request) error {
	switch p.Destination.Kind {
	case DestinationHub:
		w.byte(uint8(DestinationHub))
	case DestinationLeaf, DestinationPlayer:
		w.byte(uint8(p.Destination.Kind))
		w.string(p.Destination.Name)
	default:
		return fmt.Errorf("%w: destination kind %d", ErrMalformed, p.Destination.Kind)
	}

	w.string(p.Topic)
	w.bytes(p.Payload)

	if p.Call == nil {
		w.bool(false)
		return nil
	}
	if p.Call.TimeoutMillis <= 0 {
		return fmt.Errorf("%w: call timeout must be positive", ErrMalformed)
	}
	w.bool(true)
	w.int64(int64(p.Call.ID))
	w.int64(p.Call.TimeoutMillis)
	return nil
}

type writer struct {
	buf []byte
}

func (w *writer) byte(b uint8) { w.buf = append(w.buf, b) }

func (w *writer) bool(b bool) {
	if b {
		w.byte(1)
	} else {
		w.byte(0)
	}
}

func (w *writer) int32(v int32) { w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(v)) }
func (w *writer) int64(v int64) { w.buf = binary.BigEndian.AppendUint64(w.buf, uint64(v)) }

func (w *writer) string(s string) {
	w.buf = binary.AppendUvarint(w.buf, uint64(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *writer) bytes(b []byte) {
	w.int32(int32(len(b)))
	w.buf = append(w.buf, b...)
}

// ---------------------------------------------------------------------------
// Decode
// ---------------------------------------------------------------------------

// Decode parses a frame body produced by Encode. Unknown tags, truncated or
// out-of-range fields, and leftover bytes are all errors; callers treat any
// error as fatal for the connection the frame arrived on.
func Decode(body []byte) (Packet, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrMalformed)
	}
	if len(body) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(body))
	}

	r := &reader{buf: body[1:]}
	var pkt Packet

	switch id := PacketID(body[0]); id {
	case IDRegister:
		pkt = &Register{Password: r.string(), LeafName: r.string()}

	case IDRegisterAck:
		result := RegisterResult(r.byte())
		if r.err == nil && !result.valid() {
			r.fail("register result %d", result)
		}
		pkt = &RegisterAck{Result: result}

	case IDRequest:
		pkt = decodeRequest(r)

	case IDResponse:
		resp := &Response{CallID: uint64(r.int64())}
		resp.Status = Status(r.byte())
		if r.err == nil && !resp.Status.valid() {
			r.fail("status %d", resp.Status)
		}
		if resp.Status == StatusOK {
			resp.Payload = r.bytes()
		}
		pkt = resp

	case IDForward:
		fwd := &Forward{}
		n := r.int32()
		// Each name costs at least one byte, which bounds the allocation.
		if r.err == nil && (n < 0 || int(n) > r.remaining()) {
			r.fail("forward name count %d", n)
		}
		if r.err == nil && n > 0 {
			fwd.LeafNames = make([]string, 0, n)
			for i := int32(0); i < n && r.err == nil; i++ {
				fwd.LeafNames = append(fwd.LeafNames, r.string())
			}
		}
		fwd.Topic = r.string()
		fwd.Payload = r.bytes()
		pkt = fwd

	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownPacket, uint8(id))
	}

	if r.err != nil {
		return nil, r.err
	}
	if r.remaining() > 0 {
		return nil, fmt.Errorf("%w: %d bytes after %s", ErrTrailingBytes, r.remaining(), pkt.ID())
	}
	return pkt, nil
}

func decodeRequest(r *reader) *Request {
	req := &Request{}

	kind := DestinationKind(r.byte())
	switch kind {
	case DestinationHub:
		req.Destination = Destination{Kind: kind}
	case DestinationLeaf, DestinationPlayer:
		req.Destination = Destination{Kind: kind, Name: r.string()}
	default:
		if r.err == nil {
			r.fail("destination kind %d", kind)
		}
	}

	req.Topic = r.string()
	req.Payload = r.bytes()

	if r.bool() {
		call := &Call{ID: uint64(r.int64()), TimeoutMillis: r.int64()}
		if r.err == nil && call.TimeoutMillis <= 0 {
			r.fail("call timeout %d", call.TimeoutMillis)
		}
		req.Call = call
	}
	return req
}

// reader consumes fields from a frame body. The first failure sticks; later
// reads return zero values so decode functions can stay linear.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) remaining() int { return len(r.buf) - r.off }

func (r *reader) fail(format string, args ...any) {
	if r.err == nil {
		r.err = fmt.Errorf("%w: "+format, append([]any{ErrMalformed}, args...)...)
	}
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || n > r.remaining() {
		r.fail("need %d bytes, have %d", n, r.remaining())
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) byte() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) bool() bool {
	switch v := r.byte(); v {
	case 0:
		return false
	case 1:
		return true
	default:
		r.fail("boolean byte %d", v)
		return false
	}
}

func (r *reader) int32() int32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return int32(binary.BigEndian.Uint32(b))
}

func (r *reader) int64() int64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

func (r *reader) string() string {
	if r.err != nil {
		return ""
	}
	rest := r.buf[r.off:]
	if len(rest) > maxVarintLen {
		rest = rest[:maxVarintLen]
	}
	n, size := binary.Uvarint(rest)
	if size <= 0 {
		r.fail("bad string length prefix")
		return ""
	}
	r.off += size
	if n > math.MaxInt32 {
		r.fail("string length %d", n)
		return ""
	}
	b := r.take(int(n))
	if r.err != nil {
		return ""
	}
	if !utf8.Valid(b) {
		r.fail("string is not valid UTF-8")
		return ""
	}
	return string(b)
}

func (r *reader) bytes() []byte {
	n := r.int32()
	if r.err != nil {
		return nil
	}
	if n < 0 {
		r.fail("negative byte array length %d", n)
		return nil
	}
	b := r.take(int(n))
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
