// Package executor runs application callbacks off the network goroutines.
// It is a bounded worker pool behind a gate: once the gate closes no new
// task is accepted, and shutdown waits for in-flight tasks to drain.
package executor

import (
	"runtime/debug"
	"sync"
	"time"

	"github.com/GeeItsZee/SockExchange/internal/util"
)

// DefaultWorkers is the pool size used when New is given n <= 0.
const DefaultWorkers = 64

// Executor is safe for concurrent use.
type Executor struct {
	sem chan struct{} // one token per running task

	mu        sync.Mutex
	accepting bool
	released  bool
	inFlight  int
	idle      *sync.Cond
}

// New creates an accepting executor running at most workers tasks at once.
func New(workers int) *Executor {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	e := &Executor{
		sem:       make(chan struct{}, workers),
		accepting: true,
	}
	e.idle = sync.NewCond(&e.mu)
	return e
}

// Submit schedules task and reports whether it was accepted. It never
// blocks: when every worker is busy the task waits on its own goroutine.
// A task that panics is recovered and logged.
func (e *Executor) Submit(task func()) bool {
	e.mu.Lock()
	if !e.accepting {
		e.mu.Unlock()
		return false
	}
	e.inFlight++
	e.mu.Unlock()

	go e.run(task)
	return true
}

func (e *Executor) run(task func()) {
	e.sem <- struct{}{}
	defer func() {
		if r := recover(); r != nil {
			util.LogError("task panicked: %v\n%s", r, debug.Stack())
		}
		<-e.sem

		e.mu.Lock()
		e.inFlight--
		if e.inFlight == 0 {
			e.idle.Broadcast()
		}
		e.mu.Unlock()
	}()
	task()
}

// SetAccepting opens or closes the gate. Closing it does not affect tasks
// that were already accepted. A released executor cannot be reopened.
func (e *Executor) SetAccepting(accepting bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.released {
		return
	}
	e.accepting = accepting
}

// Accepting reports whether Submit currently accepts tasks.
func (e *Executor) Accepting() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.accepting
}

// InFlight returns the number of accepted tasks that have not finished.
func (e *Executor) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inFlight
}

// AwaitDrain polls the in-flight count up to maxAttempts times, sleeping
// interval between polls, and reports whether it reached zero.
func (e *Executor) AwaitDrain(maxAttempts int, interval time.Duration) bool {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if e.InFlight() == 0 {
			return true
		}
		time.Sleep(interval)
	}
	return e.InFlight() == 0
}

// Shutdown closes the gate, waits for in-flight tasks as AwaitDrain does,
// and then releases the executor for good. It returns the number of tasks
// still running when it gave up. Calling Shutdown again is a no-op.
func (e *Executor) Shutdown(maxAttempts int, interval time.Duration) int {
	e.mu.Lock()
	if e.released {
		e.mu.Unlock()
		return 0
	}
	e.accepting = false
	e.mu.Unlock()

	if !e.AwaitDrain(maxAttempts, interval) {
		util.LogWarning("executor released with %d task(s) still running", e.InFlight())
	}

	e.mu.Lock()
	e.released = true
	remaining := e.inFlight
	e.mu.Unlock()
	return remaining
}

// Wait blocks until no task is in flight. Intended for tests.
func (e *Executor) Wait() {
	e.mu.Lock()
	for e.inFlight > 0 {
		e.idle.Wait()
	}
	e.mu.Unlock()
}
