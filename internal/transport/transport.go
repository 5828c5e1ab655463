// Package transport moves encoded packets over a framed Conn: one read loop
// dispatching decoded packets in arrival order, and one writer goroutine
// serializing all outbound frames.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/GeeItsZee/SockExchange/internal/metrics"
	"github.com/GeeItsZee/SockExchange/internal/protocol"
	"github.com/GeeItsZee/SockExchange/internal/util"
)

var (
	// ErrClosed is returned by Send once the transport has shut down.
	ErrClosed = errors.New("transport: closed")
	// ErrProtocolViolation marks errors that must close the transport:
	// undecodable frames and packets unexpected in the current state.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrOverloaded is returned by Send when the peer is not draining its
	// queue. The transport is closed before it is returned.
	ErrOverloaded = errors.New("transport: send queue full")
)

// Handler receives every decoded inbound packet on the read goroutine.
// Returning an error closes the transport.
type Handler func(protocol.Packet) error

// Transport wraps a single Conn, providing packet sending through a bounded
// queue and a blocking receive loop.
//
// Its lifecycle is governed by the Conn and the context passed at
// construction time: whichever ends first closes the other.
type Transport struct {
	id          string
	conn        Conn
	readTimeout time.Duration
	log         util.Tag

	sender *sender

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// New starts the writer goroutine for conn. readTimeout bounds the wait for
// each inbound frame; zero disables it.
func New(ctx context.Context, conn Conn, readTimeout time.Duration) *Transport {
	tCtx, tCancel := context.WithCancel(ctx)

	id := uuid.NewString()
	t := &Transport{
		id:          id,
		conn:        conn,
		readTimeout: readTimeout,
		log:         util.Tagged("link " + id[:8] + " " + conn.RemoteAddr()),
		ctx:         tCtx,
		cancel:      tCancel,
	}
	t.sender = newSender(tCtx, t)

	// Parent cancellation → close the conn so a blocked read returns.
	go func() {
		<-tCtx.Done()
		t.Close()
	}()

	metrics.Stats.AddConn()
	t.log.Debug("transport opened")
	return t
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// ID returns the unique identifier of this transport, used in log lines.
func (t *Transport) ID() string { return t.id }

// RemoteAddr returns the peer address of the underlying Conn.
func (t *Transport) RemoteAddr() string { return t.conn.RemoteAddr() }

// Done returns a channel that is closed when the Transport is shut down.
func (t *Transport) Done() <-chan struct{} {
	return t.ctx.Done()
}

// Close shuts down the Conn. Safe to call multiple times and from any
// goroutine.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.cancel()
		err = t.conn.Close()
		metrics.Stats.RemoveConn()
		t.log.Debug("transport closed")
	})
	return err
}

// ---------------------------------------------------------------------------
// Data
// ---------------------------------------------------------------------------

// Send encodes pkt and enqueues it for the writer goroutine. It never
// blocks: a peer that lets the queue fill up is disconnected.
func (t *Transport) Send(pkt protocol.Packet) error {
	body, err := protocol.Encode(pkt)
	if err != nil {
		return err
	}
	return t.enqueue(outbound{body: body, packet: pkt.ID()})
}

func (t *Transport) enqueue(out outbound) error {
	err := t.sender.send(out)
	if errors.Is(err, ErrOverloaded) {
		t.log.Warn("peer is not reading, dropping link")
		t.Close()
	}
	return err
}

// SendAndClose enqueues pkt and closes the transport once it has been
// written. Used to deliver a final rejection before hanging up.
func (t *Transport) SendAndClose(pkt protocol.Packet) {
	body, err := protocol.Encode(pkt)
	if err != nil {
		t.log.Error("failed to encode final %s: %v", pkt.ID(), err)
		t.Close()
		return
	}
	if err := t.enqueue(outbound{body: body, packet: pkt.ID(), closeAfter: true}); err != nil {
		t.Close()
	}
}

// Serve reads frames until the Conn fails or the transport is closed,
// passing each decoded packet to h in arrival order. It returns nil on an
// orderly close and the causing error otherwise. The transport is always
// closed when Serve returns.
func (t *Transport) Serve(h Handler) error {
	defer t.Close()

	for {
		if t.readTimeout > 0 {
			_ = t.conn.SetReadDeadline(time.Now().Add(t.readTimeout))
		}

		body, err := t.conn.ReadFrame()
		if err != nil {
			if t.ctx.Err() != nil || IsClosed(err) {
				return nil
			}
			if isCodecError(err) {
				return t.violation(err)
			}
			return fmt.Errorf("read: %w", err)
		}

		pkt, err := protocol.Decode(body)
		if err != nil {
			return t.violation(err)
		}
		metrics.Stats.AddRecv(pkt.ID().String(), len(body)+protocol.FrameHeaderSize)

		if err := h(pkt); err != nil {
			if errors.Is(err, ErrProtocolViolation) {
				metrics.Stats.ProtocolViolation()
			}
			return err
		}
	}
}

func (t *Transport) violation(err error) error {
	metrics.Stats.ProtocolViolation()
	return fmt.Errorf("%w: %w", ErrProtocolViolation, err)
}

func isCodecError(err error) bool {
	return errors.Is(err, protocol.ErrFrameTooLarge) ||
		errors.Is(err, protocol.ErrMalformed)
}
