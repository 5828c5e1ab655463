// Package notifier is the process-local topic table. Publishing schedules
// every handler registered for the topic on the executor; it never runs
// handlers inline.
package notifier

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/GeeItsZee/SockExchange/internal/message"
	"github.com/GeeItsZee/SockExchange/internal/pending"
)

// ErrEmptyTopic is returned when registering a handler without a topic.
var ErrEmptyTopic = errors.New("notifier: empty topic")

// Subscription identifies one registered handler. Handlers are functions and
// not comparable, so the subscription is the unregistration token.
type Subscription struct {
	id      uint64
	topic   string
	handler message.Handler
}

// Topic returns the topic the subscription listens on.
func (s *Subscription) Topic() string { return s.topic }

// Notifier maps case-sensitive topic names to handler sets.
type Notifier struct {
	exec   pending.Submitter
	nextID atomic.Uint64

	mu     sync.RWMutex
	topics map[string]map[uint64]*Subscription
}

// New creates an empty Notifier scheduling handlers on exec.
func New(exec pending.Submitter) *Notifier {
	return &Notifier{
		exec:   exec,
		topics: make(map[string]map[uint64]*Subscription),
	}
}

// Register adds h for topic. The same function may be registered several
// times; each registration is delivered independently.
func (n *Notifier) Register(topic string, h message.Handler) (*Subscription, error) {
	if topic == "" {
		return nil, ErrEmptyTopic
	}
	if h == nil {
		return nil, errors.New("notifier: nil handler")
	}

	sub := &Subscription{id: n.nextID.Add(1), topic: topic, handler: h}

	n.mu.Lock()
	set, ok := n.topics[topic]
	if !ok {
		set = make(map[uint64]*Subscription)
		n.topics[topic] = set
	}
	set[sub.id] = sub
	n.mu.Unlock()
	return sub, nil
}

// Unregister removes sub. Removing a nil, foreign or already removed
// subscription is a no-op.
func (n *Notifier) Unregister(sub *Subscription) {
	if sub == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	set, ok := n.topics[sub.topic]
	if !ok || set[sub.id] != sub {
		return
	}
	delete(set, sub.id)
	if len(set) == 0 {
		delete(n.topics, sub.topic)
	}
}

// Count returns the number of handlers registered for topic.
func (n *Notifier) Count(topic string) int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.topics[topic])
}

// Publish schedules every handler currently registered for msg.Topic and
// returns how many were accepted by the executor. Handlers registered after
// the snapshot is taken do not see msg.
func (n *Notifier) Publish(msg *message.Received) int {
	n.mu.RLock()
	set := n.topics[msg.Topic]
	handlers := make([]message.Handler, 0, len(set))
	for _, sub := range set {
		handlers = append(handlers, sub.handler)
	}
	n.mu.RUnlock()

	scheduled := 0
	for _, h := range handlers {
		h := h
		if n.exec.Submit(func() { h(msg) }) {
			scheduled++
		}
	}
	return scheduled
}
