// Package message holds the values exchanged between the bus and the
// application: call outcomes and received topic messages.
package message

import (
	"sync/atomic"

	"github.com/GeeItsZee/SockExchange/internal/protocol"
)

// Response is the terminal outcome of a call. Payload is set only when
// Status is protocol.StatusOK.
type Response struct {
	Status  protocol.Status
	Payload []byte
}

// OK reports whether the call succeeded.
func (r Response) OK() bool { return r.Status == protocol.StatusOK }

// Failed builds a payload-less response with the given status.
func Failed(status protocol.Status) Response { return Response{Status: status} }

// Callback receives the single terminal Response of a call.
type Callback func(Response)

// Handler consumes messages published on a topic.
type Handler func(*Received)

// Received is a message delivered to topic handlers. When the sender asked
// for a reply, the first call to Respond sends it; later calls are ignored.
type Received struct {
	Topic   string
	Payload []byte

	reply     func([]byte)
	responded atomic.Bool
}

// NewReceived builds a message. reply is nil when no answer is expected.
func NewReceived(topic string, payload []byte, reply func([]byte)) *Received {
	return &Received{Topic: topic, Payload: payload, reply: reply}
}

// CanRespond reports whether the sender is waiting for a reply that has not
// been sent yet.
func (m *Received) CanRespond() bool {
	return m.reply != nil && !m.responded.Load()
}

// Respond sends payload back to the sender. It returns false if no reply was
// requested or one was already sent. A nil payload is sent as empty.
func (m *Received) Respond(payload []byte) bool {
	if m.reply == nil || !m.responded.CompareAndSwap(false, true) {
		return false
	}
	if payload == nil {
		payload = []byte{}
	}
	m.reply(payload)
	return true
}
