package hub

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/GeeItsZee/SockExchange/internal/metrics"
	"github.com/GeeItsZee/SockExchange/internal/protocol"
	"github.com/GeeItsZee/SockExchange/internal/transport"
)

// session drives one accepted socket. Packets go to the current handler,
// which starts as the registration handshake and is swapped for the leaf's
// Connection once the handshake succeeds. Only the read goroutine touches
// current, so no locking is needed.
type session struct {
	hub     *Hub
	tr      *transport.Transport
	conn    *Connection
	current transport.Handler
}

func newSession(h *Hub, tr *transport.Transport) *session {
	s := &session{hub: h, tr: tr}
	s.current = s.register
	return s
}

// run serves the socket until it closes, then releases the leaf binding.
func (s *session) run() {
	err := s.tr.Serve(func(pkt protocol.Packet) error { return s.current(pkt) })

	if s.conn != nil {
		s.conn.unbind(s.tr)
	}

	switch {
	case err == nil:
		s.hub.log.Debug("socket %s closed", s.tr.RemoteAddr())
	case errors.Is(err, transport.ErrProtocolViolation):
		s.hub.log.Warn("closing socket %s: %v", s.tr.RemoteAddr(), err)
	default:
		s.hub.log.Info("socket %s lost: %v", s.tr.RemoteAddr(), err)
	}
}

// register handles the first packet on a socket.
func (s *session) register(pkt protocol.Packet) error {
	reg, ok := pkt.(*protocol.Register)
	if !ok {
		return fmt.Errorf("%w: expected Register, got %s", transport.ErrProtocolViolation, pkt.ID())
	}

	if !s.hub.passwordValid(reg.Password) {
		return s.reject(reg, protocol.RegisterIncorrectPassword)
	}

	c, ok := s.hub.router.Resolve(reg.LeafName)
	if !ok {
		return s.reject(reg, protocol.RegisterUnknownName)
	}

	if !c.bind(s.tr) {
		return s.reject(reg, protocol.RegisterAlreadyRegistered)
	}
	s.conn = c

	if err := s.tr.Send(&protocol.RegisterAck{Result: protocol.RegisterSuccess}); err != nil {
		return err
	}
	c.markRegistered(s.tr)
	metrics.Stats.Handshake(protocol.RegisterSuccess.String())

	s.current = c.handle
	return nil
}

// reject answers with a failed ack and hangs up once it is written. Anything
// the peer sends in the meantime is ignored.
func (s *session) reject(reg *protocol.Register, result protocol.RegisterResult) error {
	s.hub.log.Warn("rejected registration of %q from %s: %s", reg.LeafName, s.tr.RemoteAddr(), result)
	metrics.Stats.Handshake(result.String())

	s.current = func(protocol.Packet) error { return nil }
	s.tr.SendAndClose(&protocol.RegisterAck{Result: result})
	return nil
}

func (h *Hub) passwordValid(candidate string) bool {
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(h.cfg.Password)) == 1
}
