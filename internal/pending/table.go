// Package pending correlates outbound calls with their responses.
//
// Every call gets a process-unique id and an absolute deadline. The entry is
// resolved exactly once: by the matching Response, by the expiry sweep, or
// by FailAll at shutdown. Removal from the table is the single point of
// truth; whoever removes the entry delivers the outcome.
package pending

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GeeItsZee/SockExchange/internal/message"
	"github.com/GeeItsZee/SockExchange/internal/metrics"
	"github.com/GeeItsZee/SockExchange/internal/protocol"
)

// ErrInvalidTimeout is returned by Put when a callback has no positive timeout.
var ErrInvalidTimeout = errors.New("pending: timeout must be positive")

// Submitter runs callbacks off the caller's goroutine. *executor.Executor
// satisfies it.
type Submitter interface {
	Submit(task func()) bool
}

const tableShards = 64

type entry struct {
	callback  message.Callback
	expiresAt time.Time
}

type shard struct {
	mu sync.Mutex
	m  map[uint64]entry
}

// Table is safe for concurrent use by senders, the read loop and the sweeper.
type Table struct {
	shards [tableShards]shard
	nextID atomic.Uint64
	count  atomic.Int64

	exec Submitter
	now  func() time.Time
}

// NewTable creates an empty table that schedules callbacks on exec.
func NewTable(exec Submitter) *Table {
	t := &Table{exec: exec, now: time.Now}
	for i := range t.shards {
		t.shards[i].m = make(map[uint64]entry)
	}
	return t
}

func (t *Table) shard(id uint64) *shard {
	return &t.shards[id&(tableShards-1)]
}

// Put stores cb and returns its call id. Ids start at 1 and are never reused.
func (t *Table) Put(cb message.Callback, timeout time.Duration) (uint64, error) {
	if timeout <= 0 {
		return 0, ErrInvalidTimeout
	}

	id := t.nextID.Add(1)
	s := t.shard(id)
	s.mu.Lock()
	s.m[id] = entry{callback: cb, expiresAt: t.now().Add(timeout)}
	s.mu.Unlock()
	t.count.Add(1)
	return id, nil
}

// Remove takes the callback for id out of the table. The second return is
// false if the entry was already resolved or never existed.
func (t *Table) Remove(id uint64) (message.Callback, bool) {
	s := t.shard(id)
	s.mu.Lock()
	e, ok := s.m[id]
	if ok {
		delete(s.m, id)
	}
	s.mu.Unlock()

	if !ok {
		return nil, false
	}
	t.count.Add(-1)
	return e.callback, true
}

// Resolve removes id and schedules its callback with resp. It reports
// whether an entry was found; late or duplicate responses return false.
func (t *Table) Resolve(id uint64, resp message.Response) bool {
	cb, ok := t.Remove(id)
	if !ok {
		return false
	}
	t.deliver(cb, resp)
	return true
}

// Sweep resolves every entry whose deadline is at or before now with
// TIMED_OUT and returns how many it resolved.
func (t *Table) Sweep(now time.Time) int {
	var expired []message.Callback

	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for id, e := range s.m {
			if !e.expiresAt.After(now) {
				delete(s.m, id)
				expired = append(expired, e.callback)
			}
		}
		s.mu.Unlock()
	}

	t.count.Add(-int64(len(expired)))
	for _, cb := range expired {
		t.deliver(cb, message.Failed(protocol.StatusTimedOut))
	}
	return len(expired)
}

// FailAll resolves every outstanding entry with status. Used at shutdown so
// no caller is left without an answer.
func (t *Table) FailAll(status protocol.Status) int {
	var failed []message.Callback

	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for id, e := range s.m {
			delete(s.m, id)
			failed = append(failed, e.callback)
		}
		s.mu.Unlock()
	}

	t.count.Add(-int64(len(failed)))
	for _, cb := range failed {
		t.deliver(cb, message.Failed(status))
	}
	return len(failed)
}

// Len returns the number of outstanding entries.
func (t *Table) Len() int {
	return int(t.count.Load())
}

// Run sweeps every interval until ctx is cancelled.
func (t *Table) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.Sweep(t.now())
		case <-ctx.Done():
			return
		}
	}
}

// deliver hands cb to the executor. If the executor refuses (shutdown), the
// callback gets its own goroutine so the caller, often a read loop, never
// runs application code.
func (t *Table) deliver(cb message.Callback, resp message.Response) {
	metrics.Stats.CallResolved(resp.Status.String())
	if cb == nil {
		return
	}
	if t.exec != nil && t.exec.Submit(func() { cb(resp) }) {
		return
	}
	go cb(resp)
}
