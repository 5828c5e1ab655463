package leaf

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"time"

	"github.com/GeeItsZee/SockExchange/internal/message"
	"github.com/GeeItsZee/SockExchange/internal/metrics"
	"github.com/GeeItsZee/SockExchange/internal/protocol"
	"github.com/GeeItsZee/SockExchange/internal/transport"
)

// reconnectLoop dials immediately, then on every tick while disconnected.
// It never gives up and never backs off.
func (l *Leaf) reconnectLoop() {
	l.tryConnect()

	ticker := time.NewTicker(l.cfg.ReconnectInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.tryConnect()
		case <-l.ctx.Done():
			return
		}
	}
}

// tryConnect dials the hub if the leaf is disconnected. Moving to CONNECTING
// first keeps a second attempt from starting while one is in progress.
func (l *Leaf) tryConnect() {
	if !l.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		return
	}

	dialCtx, cancel := context.WithTimeout(l.ctx, l.cfg.DialTimeout)
	conn, err := l.dial(dialCtx)
	cancel()
	if err != nil {
		l.state.Store(int32(StateDisconnected))
		switch {
		case l.ctx.Err() != nil:
		case errors.Is(err, syscall.ECONNREFUSED):
			metrics.Stats.Dial("refused")
			l.log.Debug("hub at %s refused the connection", l.cfg.HubAddr)
		default:
			metrics.Stats.Dial("error")
			l.log.Error("failed to connect to hub at %s: %v", l.cfg.HubAddr, err)
		}
		return
	}
	metrics.Stats.Dial("connected")

	tr := transport.New(l.linkCtx, conn, l.cfg.ReadTimeout)
	l.link.Store(tr)
	l.state.Store(int32(StateAwaitingAck))
	l.log.Debug("connected to hub at %s, registering", tr.RemoteAddr())

	if err := tr.Send(&protocol.Register{Password: l.cfg.Password, LeafName: l.cfg.Name}); err != nil {
		tr.Close()
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.serve(tr)
	}()
}

// serve runs the read loop for one link and returns the leaf to
// DISCONNECTED when the link ends.
func (l *Leaf) serve(tr *transport.Transport) {
	err := tr.Serve(func(pkt protocol.Packet) error { return l.handle(tr, pkt) })

	wasRegistered := l.State() == StateRegistered
	l.link.CompareAndSwap(tr, nil)
	l.state.Store(int32(StateDisconnected))

	switch {
	case errors.Is(err, transport.ErrProtocolViolation):
		l.log.Warn("closed hub link: %v", err)
	case err != nil:
		l.log.Info("lost hub link: %v", err)
	case wasRegistered:
		l.log.Info("hub link closed")
	}
}

// handle dispatches one packet from the hub. It runs on the read goroutine
// and never blocks.
func (l *Leaf) handle(tr *transport.Transport, pkt protocol.Packet) error {
	if ack, ok := pkt.(*protocol.RegisterAck); ok {
		return l.handleAck(tr, ack)
	}
	if l.State() != StateRegistered {
		return fmt.Errorf("%w: %s before registration", transport.ErrProtocolViolation, pkt.ID())
	}

	switch p := pkt.(type) {
	case *protocol.Request:
		var reply func([]byte)
		if p.Call != nil {
			callID := p.Call.ID
			reply = func(b []byte) {
				if err := tr.Send(&protocol.Response{CallID: callID, Status: protocol.StatusOK, Payload: b}); err != nil {
					l.log.Debug("dropping response for call %d: %v", callID, err)
				}
			}
		}
		l.notifier.Publish(message.NewReceived(p.Topic, p.Payload, reply))

	case *protocol.Response:
		if !l.calls.Resolve(p.CallID, message.Response{Status: p.Status, Payload: p.Payload}) {
			l.log.Debug("dropping late or unknown response for call %d", p.CallID)
		}

	default:
		return fmt.Errorf("%w: unexpected %s from hub", transport.ErrProtocolViolation, pkt.ID())
	}
	return nil
}

func (l *Leaf) handleAck(tr *transport.Transport, ack *protocol.RegisterAck) error {
	if l.State() != StateAwaitingAck {
		return fmt.Errorf("%w: RegisterAck while %s", transport.ErrProtocolViolation, l.State())
	}

	if ack.Result != protocol.RegisterSuccess {
		l.log.Error("hub rejected registration: %s", ack.Result)
		tr.Close()
		return nil
	}

	l.state.Store(int32(StateRegistered))
	l.log.Info("registered with hub at %s", tr.RemoteAddr())
	return nil
}
