// Package leaf implements the worker side of the bus: a single connection
// to the hub, kept alive by a reconnect loop, through which the process
// sends and receives topic messages.
package leaf

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GeeItsZee/SockExchange/internal/config"
	"github.com/GeeItsZee/SockExchange/internal/executor"
	"github.com/GeeItsZee/SockExchange/internal/message"
	"github.com/GeeItsZee/SockExchange/internal/notifier"
	"github.com/GeeItsZee/SockExchange/internal/pending"
	"github.com/GeeItsZee/SockExchange/internal/protocol"
	"github.com/GeeItsZee/SockExchange/internal/transport"
	"github.com/GeeItsZee/SockExchange/internal/util"
)

// ErrNotConnected is returned by fire-and-forget sends while the leaf is not
// registered. Sends with a callback report NOT_CONNECTED through it instead.
var ErrNotConnected = errors.New("leaf: not connected to hub")

// State is the leaf's connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingAck
	StateRegistered
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateAwaitingAck:
		return "AWAITING_ACK"
	case StateRegistered:
		return "REGISTERED"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Dialer opens a framed link to the hub.
type Dialer func(ctx context.Context) (transport.Conn, error)

// Leaf is the process-wide handle to the bus. Create it with New, then Start
// or Run it.
type Leaf struct {
	cfg  config.LeafConfig
	dial Dialer
	log  util.Tag

	exec     *executor.Executor
	notifier *notifier.Notifier
	calls    *pending.Table

	state atomic.Int32
	link  atomic.Pointer[transport.Transport]
	infos atomic.Pointer[[]message.LeafInfo]

	ctx     context.Context
	cancel  context.CancelFunc
	linkCtx context.Context
	linkEnd context.CancelFunc
	wg      sync.WaitGroup

	shutdownOnce sync.Once
	done         chan struct{}
}

// New builds a leaf that dials cfg.HubAddr over TCP, or over WebSocket when
// the address is a ws:// or wss:// URL.
func New(cfg config.LeafConfig) (*Leaf, error) {
	cfg = cfg.WithDefaults()
	dial := func(ctx context.Context) (transport.Conn, error) {
		return transport.DialTCP(ctx, cfg.HubAddr)
	}
	if cfg.UsesWebSocket() {
		dial = func(ctx context.Context) (transport.Conn, error) {
			return transport.DialWebSocket(ctx, cfg.HubAddr)
		}
	}
	return NewWithDialer(cfg, dial)
}

// NewWithDialer builds a leaf that reaches the hub through dial.
func NewWithDialer(cfg config.LeafConfig, dial Dialer) (*Leaf, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid leaf config: %w", err)
	}

	exec := executor.New(cfg.Workers)
	l := &Leaf{
		cfg:      cfg,
		dial:     dial,
		log:      util.Tagged(cfg.Name),
		exec:     exec,
		notifier: notifier.New(exec),
		calls:    pending.NewTable(exec),
		done:     make(chan struct{}),
	}
	l.ctx, l.cancel = context.WithCancel(context.Background())
	l.linkCtx, l.linkEnd = context.WithCancel(context.Background())

	if _, err := l.notifier.Register(message.KeepAliveTopic, l.onDirectory); err != nil {
		return nil, err
	}
	return l, nil
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Start launches the reconnect, sweep and keepalive loops. It does not block;
// the first dial happens immediately.
func (l *Leaf) Start() {
	l.wg.Add(3)
	go func() {
		defer l.wg.Done()
		l.reconnectLoop()
	}()
	go func() {
		defer l.wg.Done()
		l.calls.Run(l.ctx, l.cfg.SweepInterval)
	}()
	go func() {
		defer l.wg.Done()
		l.keepAliveLoop()
	}()
}

// Run starts the leaf and blocks until ctx is cancelled, then shuts down.
func (l *Leaf) Run(ctx context.Context) error {
	l.Start()
	<-ctx.Done()
	l.Shutdown()
	return nil
}

// Done is closed once Shutdown has completed.
func (l *Leaf) Done() <-chan struct{} { return l.done }

// Shutdown stops the leaf in order: close the executor gate, wait for running
// callbacks to drain, close the hub link, fail outstanding calls and release
// the executor. Safe to call more than once.
func (l *Leaf) Shutdown() {
	l.shutdownOnce.Do(func() {
		// 1. Stop dialing and refuse new callbacks.
		l.cancel()
		l.exec.SetAccepting(false)

		// 2. Let running callbacks finish against a live link.
		if !l.exec.AwaitDrain(l.cfg.DrainAttempts, l.cfg.DrainInterval) {
			l.log.Warn("%d callback(s) still running after drain", l.exec.InFlight())
		}

		// 3. Close the link and wait for every loop to exit.
		l.linkEnd()
		l.wg.Wait()

		// 4. Answer whatever is still outstanding and release the pool.
		l.calls.FailAll(protocol.StatusNotConnected)
		l.exec.Shutdown(1, 0)

		close(l.done)
		l.log.Info("shutdown complete")
	})
}

// ---------------------------------------------------------------------------
// Public API
// ---------------------------------------------------------------------------

// Name returns this leaf's configured name.
func (l *Leaf) Name() string { return l.cfg.Name }

// State returns the current connection state.
func (l *Leaf) State() State { return State(l.state.Load()) }

// ServerInfos returns the latest leaf directory pushed by the hub.
func (l *Leaf) ServerInfos() []message.LeafInfo {
	p := l.infos.Load()
	if p == nil {
		return nil
	}
	return append([]message.LeafInfo(nil), (*p)...)
}

// Subscribe registers handler for topic.
func (l *Leaf) Subscribe(topic string, handler message.Handler) (*notifier.Subscription, error) {
	return l.notifier.Register(topic, handler)
}

// Unsubscribe removes a subscription. Repeated calls are no-ops.
func (l *Leaf) Unsubscribe(sub *notifier.Subscription) {
	l.notifier.Unregister(sub)
}

// SendRequest sends a topic message through the hub. With a callback,
// timeout must be positive and the callback receives exactly one Response.
// A request addressed to this leaf by name is delivered locally.
func (l *Leaf) SendRequest(dest protocol.Destination, topic string, payload []byte, cb message.Callback, timeout time.Duration) error {
	if cb != nil && timeout <= 0 {
		return pending.ErrInvalidTimeout
	}
	if dest.Kind == protocol.DestinationLeaf && util.CanonicalName(dest.Name) == util.CanonicalName(l.cfg.Name) {
		return l.deliverLocal(topic, payload, cb, timeout)
	}

	tr := l.link.Load()
	if tr == nil || l.State() != StateRegistered {
		if cb == nil {
			return ErrNotConnected
		}
		l.failAsync(cb, protocol.StatusNotConnected)
		return nil
	}

	if payload == nil {
		payload = []byte{}
	}
	req := &protocol.Request{Destination: dest, Topic: topic, Payload: payload}
	if cb != nil {
		id, err := l.calls.Put(cb, timeout)
		if err != nil {
			return err
		}
		req.Call = &protocol.Call{ID: id, TimeoutMillis: toMillis(timeout)}
	}

	if err := tr.Send(req); err != nil {
		if req.Call == nil {
			return fmt.Errorf("%w: %w", ErrNotConnected, err)
		}
		l.calls.Resolve(req.Call.ID, message.Failed(protocol.StatusNotConnected))
	}
	return nil
}

// SendForward asks the hub to deliver a fire-and-forget message to the named
// leaves, or to every other registered leaf when names is empty.
func (l *Leaf) SendForward(topic string, payload []byte, names ...string) error {
	tr := l.link.Load()
	if tr == nil || l.State() != StateRegistered {
		return ErrNotConnected
	}
	if payload == nil {
		payload = []byte{}
	}
	if err := tr.Send(&protocol.Forward{LeafNames: names, Topic: topic, Payload: payload}); err != nil {
		return fmt.Errorf("%w: %w", ErrNotConnected, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// deliverLocal publishes a message addressed to this leaf without touching
// the network. Replies go through the pending table so timeouts still apply.
func (l *Leaf) deliverLocal(topic string, payload []byte, cb message.Callback, timeout time.Duration) error {
	var reply func([]byte)
	if cb != nil {
		id, err := l.calls.Put(cb, timeout)
		if err != nil {
			return err
		}
		reply = func(b []byte) { l.calls.Resolve(id, message.Response{Status: protocol.StatusOK, Payload: b}) }
	}
	l.notifier.Publish(message.NewReceived(topic, payload, reply))
	return nil
}

func (l *Leaf) failAsync(cb message.Callback, status protocol.Status) {
	resp := message.Failed(status)
	if !l.exec.Submit(func() { cb(resp) }) {
		go cb(resp)
	}
}

// onDirectory stores the leaf directory the hub broadcasts on KeepAliveTopic.
func (l *Leaf) onDirectory(m *message.Received) {
	infos, err := message.DecodeLeafInfos(m.Payload)
	if err != nil {
		l.log.Warn("ignoring malformed leaf directory: %v", err)
		return
	}
	l.infos.Store(&infos)
}

func (l *Leaf) keepAliveLoop() {
	ticker := time.NewTicker(l.cfg.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if l.State() == StateRegistered {
				_ = l.SendRequest(protocol.ToHub(), message.KeepAliveTopic, []byte{0}, nil, 0)
			}
		case <-l.ctx.Done():
			return
		}
	}
}

func toMillis(d time.Duration) int64 {
	ms := d.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return ms
}
