package executor_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/GeeItsZee/SockExchange/internal/executor"
)

func TestSubmitRunsTasks(t *testing.T) {
	e := executor.New(4)

	var ran atomic.Int32
	for i := 0; i < 100; i++ {
		if !e.Submit(func() { ran.Add(1) }) {
			t.Fatal("Submit rejected while accepting")
		}
	}
	e.Wait()

	if got := ran.Load(); got != 100 {
		t.Errorf("ran %d tasks, want 100", got)
	}
}

func TestGateRejectsAfterClose(t *testing.T) {
	e := executor.New(2)
	e.SetAccepting(false)

	ran := false
	if e.Submit(func() { ran = true }) {
		t.Error("Submit accepted with gate closed")
	}
	e.Wait()
	if ran {
		t.Error("rejected task ran")
	}

	e.SetAccepting(true)
	if !e.Submit(func() {}) {
		t.Error("Submit rejected after reopening")
	}
	e.Wait()
}

func TestClosingGateKeepsInFlightTasks(t *testing.T) {
	e := executor.New(2)
	release := make(chan struct{})
	started := make(chan struct{})

	e.Submit(func() {
		close(started)
		<-release
	})
	<-started

	e.SetAccepting(false)
	if e.InFlight() != 1 {
		t.Fatalf("InFlight = %d, want 1", e.InFlight())
	}
	if e.AwaitDrain(2, 10*time.Millisecond) {
		t.Error("AwaitDrain reported drained while a task is blocked")
	}

	close(release)
	if !e.AwaitDrain(50, 10*time.Millisecond) {
		t.Error("AwaitDrain did not observe the task finishing")
	}
}

func TestShutdownOrdering(t *testing.T) {
	e := executor.New(4)

	var mu sync.Mutex
	disposed := false
	var sawDisposed atomic.Bool

	for i := 0; i < 8; i++ {
		e.Submit(func() {
			time.Sleep(20 * time.Millisecond)
			mu.Lock()
			if disposed {
				sawDisposed.Store(true)
			}
			mu.Unlock()
		})
	}

	if remaining := e.Shutdown(100, 10*time.Millisecond); remaining != 0 {
		t.Fatalf("Shutdown left %d tasks running", remaining)
	}
	mu.Lock()
	disposed = true
	mu.Unlock()

	if sawDisposed.Load() {
		t.Error("a task observed the disposed dependency")
	}
	if e.Submit(func() {}) {
		t.Error("Submit accepted after Shutdown")
	}
	e.SetAccepting(true)
	if e.Accepting() {
		t.Error("released executor reopened")
	}
	if e.Shutdown(1, time.Millisecond) != 0 {
		t.Error("second Shutdown not a no-op")
	}
}

func TestPanickingTaskIsRecovered(t *testing.T) {
	e := executor.New(1)
	e.Submit(func() { panic("boom") })
	e.Wait()

	done := make(chan struct{})
	e.Submit(func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker slot leaked after panic")
	}
}
