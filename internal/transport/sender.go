package transport

import (
	"context"

	"github.com/GeeItsZee/SockExchange/internal/metrics"
	"github.com/GeeItsZee/SockExchange/internal/protocol"
)

const sendBufferSize = 256 // outgoing frame channel capacity

type outbound struct {
	body       []byte
	packet     protocol.PacketID
	closeAfter bool
}

// sender is a goroutine-based frame writer that serializes all writes to a
// single Conn.
type sender struct {
	ctx   context.Context
	inbox chan outbound
}

// newSender creates a sender and starts the background loop. The loop exits
// when ctx is cancelled or a write fails.
func newSender(ctx context.Context, t *Transport) *sender {
	s := &sender{
		ctx:   ctx,
		inbox: make(chan outbound, sendBufferSize),
	}
	go s.loop(t)
	return s
}

// loop is the single-writer goroutine.
func (s *sender) loop(t *Transport) {
	for {
		select {
		case out := <-s.inbox:
			if err := t.conn.WriteFrame(out.body); err != nil {
				if s.ctx.Err() == nil && !IsClosed(err) {
					t.log.Error("failed to send %s: %v", out.packet, err)
				}
				t.Close()
				return
			}

			metrics.Stats.AddSent(out.packet.String(), len(out.body)+protocol.FrameHeaderSize)

			if out.closeAfter {
				t.Close()
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// send enqueues a frame for transmission without blocking. It fails with
// ErrOverloaded when the buffer is full and with ErrClosed once the
// transport is shut down.
func (s *sender) send(out outbound) error {
	if s.ctx.Err() != nil {
		return ErrClosed
	}
	select {
	case s.inbox <- out:
		return nil
	default:
		return ErrOverloaded
	}
}
