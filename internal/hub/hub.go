// Package hub implements the coordinating side of the bus: it accepts leaf
// sockets, runs the registration handshake, and routes requests, responses
// and forwards between registered leaves.
package hub

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/netutil"

	"github.com/GeeItsZee/SockExchange/internal/config"
	"github.com/GeeItsZee/SockExchange/internal/executor"
	"github.com/GeeItsZee/SockExchange/internal/message"
	"github.com/GeeItsZee/SockExchange/internal/notifier"
	"github.com/GeeItsZee/SockExchange/internal/pending"
	"github.com/GeeItsZee/SockExchange/internal/protocol"
	"github.com/GeeItsZee/SockExchange/internal/transport"
	"github.com/GeeItsZee/SockExchange/internal/util"
)

// ErrUnknownLeaf is returned by fire-and-forget sends to an unconfigured leaf.
var ErrUnknownLeaf = errors.New("hub: unknown leaf")

// PlayerLocator resolves the leaf currently hosting a player.
type PlayerLocator interface {
	Locate(ctx context.Context, player string) (leaf string, ok bool, err error)
}

const locateTimeout = 5 * time.Second

// Hub owns every Connection and the shared executor, notifier and local
// pending table. Create it with New, then Start or Run it.
type Hub struct {
	cfg     config.HubConfig
	locator PlayerLocator
	log     util.Tag

	exec     *executor.Executor
	notifier *notifier.Notifier
	router   *Router
	local    *pending.Table // calls the hub makes to itself

	ctx    context.Context // cancelled when shutdown starts
	cancel context.CancelFunc

	linkCtx    context.Context // parent of every transport
	linkCancel context.CancelFunc

	listener net.Listener
	wsServer *http.Server
	wg       sync.WaitGroup

	shutdownOnce sync.Once
	done         chan struct{}
}

// New builds a hub with one Connection per configured leaf. locator may be
// nil, in which case every PLAYER lookup fails with PLAYER_NOT_FOUND.
func New(cfg config.HubConfig, locator PlayerLocator) (*Hub, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid hub config: %w", err)
	}

	exec := executor.New(cfg.Workers)
	h := &Hub{
		cfg:      cfg,
		locator:  locator,
		log:      util.Tagged("hub"),
		exec:     exec,
		notifier: notifier.New(exec),
		router:   newRouter(),
		local:    pending.NewTable(exec),
		done:     make(chan struct{}),
	}
	h.ctx, h.cancel = context.WithCancel(context.Background())
	h.linkCtx, h.linkCancel = context.WithCancel(context.Background())

	for _, l := range cfg.Leaves {
		h.router.add(newConnection(h, l.Name, l.Private))
	}
	return h, nil
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Start binds the configured listeners and launches the accept, sweep and
// keepalive loops. It does not block.
func (h *Hub) Start() error {
	if h.cfg.ListenAddr != "" {
		ln, err := net.Listen("tcp", h.cfg.ListenAddr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", h.cfg.ListenAddr, err)
		}
		h.listener = netutil.LimitListener(ln, h.cfg.MaxConnections)
		h.log.Info("listening for leaves on %s", ln.Addr())

		h.wg.Add(1)
		go h.acceptLoop()
	}

	if h.cfg.WebSocketAddr != "" {
		if err := h.startWebSocket(); err != nil {
			if h.listener != nil {
				h.listener.Close()
			}
			return err
		}
	}

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		h.sweepLoop()
	}()
	go func() {
		defer h.wg.Done()
		h.keepAliveLoop()
	}()
	return nil
}

// Run starts the hub and blocks until ctx is cancelled, then shuts down.
func (h *Hub) Run(ctx context.Context) error {
	if err := h.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	h.Shutdown()
	return nil
}

// Addr returns the TCP listen address, or nil when only WebSocket is served.
func (h *Hub) Addr() net.Addr {
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

// Done is closed once Shutdown has completed.
func (h *Hub) Done() <-chan struct{} { return h.done }

// Shutdown stops the hub in order: close the executor gate, wait for running
// callbacks to drain, close listeners and leaf transports, fail outstanding
// calls, release the executor, and clear the connection table. Safe to call
// more than once.
func (h *Hub) Shutdown() {
	h.shutdownOnce.Do(func() {
		h.log.Info("shutting down")

		// 1. Stop the timers and refuse new callbacks.
		h.cancel()
		h.exec.SetAccepting(false)

		// 2. Let running callbacks finish against live transports.
		if !h.exec.AwaitDrain(h.cfg.DrainAttempts, h.cfg.DrainInterval) {
			h.log.Warn("%d callback(s) still running after drain", h.exec.InFlight())
		}

		// 3. Close listeners and every leaf transport.
		if h.listener != nil {
			h.listener.Close()
		}
		if h.wsServer != nil {
			h.wsServer.Close()
		}
		h.linkCancel()
		h.wg.Wait()

		// 4. Nobody is left to answer outstanding calls.
		h.local.FailAll(protocol.StatusServerOffline)
		for _, c := range h.router.All() {
			c.calls.FailAll(protocol.StatusServerOffline)
		}

		// 5. Release the pool and forget the connections.
		h.exec.Shutdown(1, 0)
		h.router.clear()

		close(h.done)
		h.log.Info("shutdown complete")
	})
}

func (h *Hub) acceptLoop() {
	defer h.wg.Done()
	for {
		conn, err := h.listener.Accept()
		if err != nil {
			if h.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			h.log.Error("accept error: %v", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		h.serveConn(transport.NewStreamConn(conn))
	}
}

func (h *Hub) startWebSocket() error {
	ln, err := net.Listen("tcp", h.cfg.WebSocketAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", h.cfg.WebSocketAddr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := transport.Upgrade(w, r)
		if err != nil {
			h.log.Debug("websocket upgrade from %s failed: %v", r.RemoteAddr, err)
			return
		}
		h.serveConn(conn)
	})
	h.wsServer = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	h.log.Info("listening for WebSocket leaves on %s/ws", ln.Addr())

	go func() {
		if err := h.wsServer.Serve(netutil.LimitListener(ln, h.cfg.MaxConnections)); err != nil && err != http.ErrServerClosed {
			h.log.Error("websocket server: %v", err)
		}
	}()
	return nil
}

// serveConn starts a handshake session on a freshly accepted socket.
func (h *Hub) serveConn(conn transport.Conn) {
	if h.ctx.Err() != nil {
		conn.Close()
		return
	}
	tr := transport.New(h.linkCtx, conn, h.cfg.ReadTimeout)
	s := newSession(h, tr)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		s.run()
	}()
}

func (h *Hub) sweepLoop() {
	ticker := time.NewTicker(h.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			n := h.local.Sweep(now)
			for _, c := range h.router.All() {
				n += c.calls.Sweep(now)
			}
			if n > 0 {
				h.log.Debug("%d call(s) timed out", n)
			}
		case <-h.ctx.Done():
			return
		}
	}
}

// keepAliveLoop pushes the leaf directory to every registered leaf.
func (h *Hub) keepAliveLoop() {
	ticker := time.NewTicker(h.cfg.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			payload, err := message.EncodeLeafInfos(h.ListConnections())
			if err != nil {
				h.log.Error("failed to encode leaf directory: %v", err)
				continue
			}
			h.router.SendTo(nil, message.KeepAliveTopic, payload)
		case <-h.ctx.Done():
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Public API
// ---------------------------------------------------------------------------

// SendRequest sends a topic message. With a callback, timeout must be
// positive and the callback receives exactly one Response. Routing failures
// are reported through the callback; without one they are returned.
func (h *Hub) SendRequest(dest protocol.Destination, topic string, payload []byte, cb message.Callback, timeout time.Duration) error {
	if cb != nil && timeout <= 0 {
		return pending.ErrInvalidTimeout
	}

	switch dest.Kind {
	case protocol.DestinationHub:
		return h.deliverLocal(topic, payload, cb, timeout)

	case protocol.DestinationLeaf:
		c, ok := h.router.Resolve(dest.Name)
		if !ok {
			if cb == nil {
				return fmt.Errorf("%w: %s", ErrUnknownLeaf, dest.Name)
			}
			h.failAsync(cb, protocol.StatusServerNotFound)
			return nil
		}
		return c.Send(topic, payload, cb, timeout)

	case protocol.DestinationPlayer:
		accepted := h.exec.Submit(func() {
			leaf, ok := h.locatePlayer(dest.Name)
			if !ok {
				if cb != nil {
					cb(message.Failed(protocol.StatusPlayerNotFound))
				}
				return
			}
			if err := h.SendRequest(protocol.ToLeaf(leaf), topic, payload, cb, timeout); err != nil {
				h.log.Debug("request for player %s: %v", dest.Name, err)
			}
		})
		if !accepted && cb != nil {
			go cb(message.Failed(protocol.StatusServerOffline))
		}
		return nil
	}
	return fmt.Errorf("unknown destination kind %d", dest.Kind)
}

// SendForward sends a fire-and-forget message to the named leaves, or to
// every registered leaf when no names are given. It returns how many leaves
// it was queued for.
func (h *Hub) SendForward(topic string, payload []byte, names ...string) int {
	return h.router.SendTo(names, topic, payload)
}

// Subscribe registers handler for topic.
func (h *Hub) Subscribe(topic string, handler message.Handler) (*notifier.Subscription, error) {
	return h.notifier.Register(topic, handler)
}

// Unsubscribe removes a subscription. Repeated calls are no-ops.
func (h *Hub) Unsubscribe(sub *notifier.Subscription) {
	h.notifier.Unregister(sub)
}

// ConnectionState returns the state of the named leaf.
func (h *Hub) ConnectionState(name string) (State, bool) {
	c, ok := h.router.Resolve(name)
	if !ok {
		return StateUnbound, false
	}
	return c.State(), true
}

// ListConnections describes every configured leaf, ordered by name.
func (h *Hub) ListConnections() []message.LeafInfo {
	all := h.router.All()
	out := make([]message.LeafInfo, 0, len(all))
	for _, c := range all {
		out = append(out, message.LeafInfo{
			Name:    c.name,
			Online:  c.State() == StateRegistered,
			Private: c.private,
		})
	}
	return out
}

// Router exposes name resolution for integrations.
func (h *Hub) Router() *Router { return h.router }

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// deliverLocal publishes a message addressed to the hub itself. Replies go
// through the local pending table so the usual timeout rules apply.
func (h *Hub) deliverLocal(topic string, payload []byte, cb message.Callback, timeout time.Duration) error {
	var reply func([]byte)
	if cb != nil {
		id, err := h.local.Put(cb, timeout)
		if err != nil {
			return err
		}
		reply = func(b []byte) { h.local.Resolve(id, message.Response{Status: protocol.StatusOK, Payload: b}) }
	}
	h.notifier.Publish(message.NewReceived(topic, payload, reply))
	return nil
}

// failAsync reports status to cb without running it on the caller's goroutine.
func (h *Hub) failAsync(cb message.Callback, status protocol.Status) {
	resp := message.Failed(status)
	if !h.exec.Submit(func() { cb(resp) }) {
		go cb(resp)
	}
}

func (h *Hub) locatePlayer(player string) (string, bool) {
	if h.locator == nil {
		return "", false
	}
	ctx, cancel := context.WithTimeout(h.ctx, locateTimeout)
	defer cancel()

	leaf, ok, err := h.locator.Locate(ctx, player)
	if err != nil {
		h.log.Error("failed to locate player %s: %v", player, err)
		return "", false
	}
	return leaf, ok
}
