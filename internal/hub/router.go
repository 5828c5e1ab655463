package hub

import (
	"github.com/GeeItsZee/SockExchange/internal/util"
)

// Router resolves leaf names to Connections. The set of names is fixed when
// the hub starts; lookups are case-insensitive.
type Router struct {
	conns *util.NameMap[*Connection]
}

func newRouter() *Router {
	return &Router{conns: util.NewNameMap[*Connection]()}
}

func (r *Router) add(c *Connection) {
	r.conns.Set(c.name, c)
}

// Resolve returns the Connection configured under name.
func (r *Router) Resolve(name string) (*Connection, bool) {
	return r.conns.Get(name)
}

// All returns every configured Connection, ordered by name.
func (r *Router) All() []*Connection {
	return r.conns.Values()
}

// Registered returns the Connections whose leaves are currently registered.
func (r *Router) Registered() []*Connection {
	all := r.conns.Values()
	out := all[:0]
	for _, c := range all {
		if c.State() == StateRegistered {
			out = append(out, c)
		}
	}
	return out
}

// SendTo delivers a fire-and-forget message to the named leaves, or to every
// registered leaf when names is empty. Unknown and offline names are skipped.
// It returns the number of leaves the message was queued for.
func (r *Router) SendTo(names []string, topic string, payload []byte) int {
	var targets []*Connection
	if len(names) == 0 {
		targets = r.Registered()
	} else {
		seen := make(map[*Connection]bool, len(names))
		for _, name := range names {
			if c, ok := r.Resolve(name); ok && !seen[c] {
				seen[c] = true
				targets = append(targets, c)
			}
		}
	}

	sent := 0
	for _, c := range targets {
		if c.Send(topic, payload, nil, 0) == nil {
			sent++
		}
	}
	return sent
}

func (r *Router) clear() {
	r.conns.Clear()
}
