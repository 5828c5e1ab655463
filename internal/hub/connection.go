package hub

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/GeeItsZee/SockExchange/internal/message"
	"github.com/GeeItsZee/SockExchange/internal/metrics"
	"github.com/GeeItsZee/SockExchange/internal/pending"
	"github.com/GeeItsZee/SockExchange/internal/protocol"
	"github.com/GeeItsZee/SockExchange/internal/transport"
	"github.com/GeeItsZee/SockExchange/internal/util"
)

// ErrOffline is returned by fire-and-forget sends to a leaf that is not
// registered. Sends with a callback report SERVER_OFFLINE through it instead.
var ErrOffline = errors.New("hub: leaf offline")

// State is the registration state of a hub-side Connection.
type State int32

const (
	StateUnbound    State = iota // no transport
	StateBound                   // transport attached, ack not yet sent
	StateRegistered              // handshake complete
)

func (s State) String() string {
	switch s {
	case StateUnbound:
		return "UNBOUND"
	case StateBound:
		return "BOUND"
	case StateRegistered:
		return "REGISTERED"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Connection is the hub's view of one configured leaf. It exists for the
// whole process lifetime; only its transport binding comes and goes.
type Connection struct {
	name    string
	private bool
	hub     *Hub
	log     util.Tag

	// link is written by the owning session and read by any sender.
	// registered holds link once the handshake on it has completed.
	link       atomic.Pointer[transport.Transport]
	registered atomic.Pointer[transport.Transport]

	calls *pending.Table
}

func newConnection(h *Hub, name string, private bool) *Connection {
	return &Connection{
		name:    name,
		private: private,
		hub:     h,
		log:     util.Tagged(name + " connection"),
		calls:   pending.NewTable(h.exec),
	}
}

// Name returns the configured leaf name.
func (c *Connection) Name() string { return c.name }

// Private reports whether the leaf is marked private in the configuration.
func (c *Connection) Private() bool { return c.private }

// State returns the current registration state.
func (c *Connection) State() State {
	tr := c.link.Load()
	if tr == nil {
		return StateUnbound
	}
	if c.registered.Load() == tr {
		return StateRegistered
	}
	return StateBound
}

// ---------------------------------------------------------------------------
// Binding
// ---------------------------------------------------------------------------

// bind attaches tr if no transport is attached yet.
func (c *Connection) bind(tr *transport.Transport) bool {
	return c.link.CompareAndSwap(nil, tr)
}

// markRegistered completes the handshake after the SUCCESS ack is queued,
// so no traffic can overtake the ack on the wire.
func (c *Connection) markRegistered(tr *transport.Transport) {
	c.registered.Store(tr)
	metrics.Stats.LeafRegistered()
	c.log.Info("registered from %s", tr.RemoteAddr())
}

// unbind detaches tr if it is still the attached transport. The registration
// is cleared first so a later bind never sees it.
func (c *Connection) unbind(tr *transport.Transport) {
	wasRegistered := c.registered.CompareAndSwap(tr, nil)
	if !c.link.CompareAndSwap(tr, nil) {
		return
	}
	if wasRegistered {
		metrics.Stats.LeafUnregistered()
		c.log.Info("unregistered")
	}
}

// ---------------------------------------------------------------------------
// Outbound
// ---------------------------------------------------------------------------

// Send delivers a topic message to this leaf. With a callback, timeout must
// be positive and the callback receives exactly one Response: the leaf's
// reply, TIMED_OUT, or SERVER_OFFLINE when the leaf is not registered. It
// never blocks on an offline leaf.
func (c *Connection) Send(topic string, payload []byte, cb message.Callback, timeout time.Duration) error {
	if cb != nil && timeout <= 0 {
		return pending.ErrInvalidTimeout
	}

	tr := c.link.Load()
	if tr == nil || c.registered.Load() != tr {
		if cb == nil {
			return ErrOffline
		}
		c.hub.failAsync(cb, protocol.StatusServerOffline)
		return nil
	}

	if payload == nil {
		payload = []byte{}
	}
	req := &protocol.Request{
		Destination: protocol.ToLeaf(c.name),
		Topic:       topic,
		Payload:     payload,
	}

	if cb != nil {
		id, err := c.calls.Put(cb, timeout)
		if err != nil {
			return err
		}
		req.Call = &protocol.Call{ID: id, TimeoutMillis: toMillis(timeout)}
	}

	if err := tr.Send(req); err != nil {
		if req.Call == nil {
			return fmt.Errorf("send to %s: %w", c.name, err)
		}
		c.calls.Resolve(req.Call.ID, message.Failed(protocol.StatusServerOffline))
	}
	return nil
}

// respond answers a call the leaf made. Responses for a leaf that has since
// disconnected are dropped; its own sweep times the call out.
func (c *Connection) respond(callID uint64, status protocol.Status, payload []byte) {
	tr := c.link.Load()
	if tr == nil {
		c.log.Debug("dropping %s response for call %d: leaf offline", status, callID)
		return
	}
	resp := &protocol.Response{CallID: callID, Status: status}
	if status == protocol.StatusOK {
		resp.Payload = payload
		if resp.Payload == nil {
			resp.Payload = []byte{}
		}
	}
	if err := tr.Send(resp); err != nil {
		c.log.Debug("dropping response for call %d: %v", callID, err)
	}
}

// ---------------------------------------------------------------------------
// Inbound
// ---------------------------------------------------------------------------

// handle dispatches packets from a registered leaf. It runs on the read
// goroutine and never blocks.
func (c *Connection) handle(pkt protocol.Packet) error {
	switch p := pkt.(type) {
	case *protocol.Request:
		c.handleRequest(p)
	case *protocol.Response:
		if !c.calls.Resolve(p.CallID, message.Response{Status: p.Status, Payload: p.Payload}) {
			c.log.Debug("dropping late or unknown response for call %d", p.CallID)
		}
	case *protocol.Forward:
		c.handleForward(p)
	default:
		return fmt.Errorf("%w: unexpected %s from registered leaf", transport.ErrProtocolViolation, pkt.ID())
	}
	return nil
}

func (c *Connection) handleRequest(req *protocol.Request) {
	switch req.Destination.Kind {
	case protocol.DestinationHub:
		var reply func([]byte)
		if req.Call != nil {
			callID := req.Call.ID
			reply = func(b []byte) { c.respond(callID, protocol.StatusOK, b) }
		}
		c.hub.notifier.Publish(message.NewReceived(req.Topic, req.Payload, reply))

	case protocol.DestinationLeaf:
		c.relay(req, req.Destination.Name)

	case protocol.DestinationPlayer:
		player := req.Destination.Name
		accepted := c.hub.exec.Submit(func() {
			leaf, ok := c.hub.locatePlayer(player)
			if !ok {
				if req.Call != nil {
					c.respond(req.Call.ID, protocol.StatusPlayerNotFound, nil)
				}
				return
			}
			c.relay(req, leaf)
		})
		if !accepted && req.Call != nil {
			c.respond(req.Call.ID, protocol.StatusServerOffline, nil)
		}
	}
}

// relay passes req on to the named leaf. The downstream outcome is returned
// to this leaf under its own call id.
func (c *Connection) relay(req *protocol.Request, target string) {
	dst, ok := c.hub.router.Resolve(target)
	if !ok {
		if req.Call != nil {
			c.respond(req.Call.ID, protocol.StatusServerNotFound, nil)
		}
		return
	}

	if req.Call == nil {
		_ = dst.Send(req.Topic, req.Payload, nil, 0)
		return
	}

	callID := req.Call.ID
	timeout := time.Duration(req.Call.TimeoutMillis) * time.Millisecond
	err := dst.Send(req.Topic, req.Payload, func(resp message.Response) {
		c.respond(callID, resp.Status, resp.Payload)
	}, timeout)
	if err != nil {
		c.respond(callID, protocol.StatusServerOffline, nil)
	}
}

// handleForward re-emits a Forward as fire-and-forget Requests. An empty name
// list means every other registered leaf.
func (c *Connection) handleForward(f *protocol.Forward) {
	if len(f.LeafNames) == 0 {
		for _, dst := range c.hub.router.Registered() {
			if dst != c {
				_ = dst.Send(f.Topic, f.Payload, nil, 0)
			}
		}
		return
	}
	c.hub.router.SendTo(f.LeafNames, f.Topic, f.Payload)
}

func toMillis(d time.Duration) int64 {
	ms := d.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return ms
}
