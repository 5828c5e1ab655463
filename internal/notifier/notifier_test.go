package notifier_test

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/GeeItsZee/SockExchange/internal/executor"
	"github.com/GeeItsZee/SockExchange/internal/message"
	"github.com/GeeItsZee/SockExchange/internal/notifier"
)

func TestPublishReachesEveryHandler(t *testing.T) {
	exec := executor.New(4)
	n := notifier.New(exec)

	var a, b, other atomic.Int32
	n.Register("chat", func(*message.Received) { a.Add(1) })
	n.Register("chat", func(*message.Received) { b.Add(1) })
	n.Register("Chat", func(*message.Received) { other.Add(1) })

	if got := n.Publish(message.NewReceived("chat", []byte("hi"), nil)); got != 2 {
		t.Fatalf("Publish scheduled %d handlers, want 2", got)
	}
	exec.Wait()

	if a.Load() != 1 || b.Load() != 1 {
		t.Errorf("handlers ran a=%d b=%d, want 1 each", a.Load(), b.Load())
	}
	if other.Load() != 0 {
		t.Error("topic matching is not case-sensitive")
	}
}

func TestUnregisterIsIdempotent(t *testing.T) {
	exec := executor.New(1)
	n := notifier.New(exec)

	var calls atomic.Int32
	sub, err := n.Register("bus", func(*message.Received) { calls.Add(1) })
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	n.Unregister(sub)
	n.Unregister(sub)
	n.Unregister(nil)

	other := notifier.New(exec)
	foreign, _ := other.Register("bus", func(*message.Received) {})
	n.Unregister(foreign)

	if n.Count("bus") != 0 {
		t.Errorf("Count = %d after unregister", n.Count("bus"))
	}
	if other.Count("bus") != 1 {
		t.Error("unregistering a foreign subscription affected its owner")
	}

	n.Publish(message.NewReceived("bus", nil, nil))
	exec.Wait()
	if calls.Load() != 0 {
		t.Error("unregistered handler still invoked")
	}
}

func TestRegisterRejectsEmptyTopic(t *testing.T) {
	n := notifier.New(executor.New(1))
	if _, err := n.Register("", func(*message.Received) {}); !errors.Is(err, notifier.ErrEmptyTopic) {
		t.Errorf("got %v, want ErrEmptyTopic", err)
	}
}

func TestPublishWithClosedGate(t *testing.T) {
	exec := executor.New(1)
	n := notifier.New(exec)
	n.Register("bus", func(*message.Received) { t.Error("handler ran with gate closed") })

	exec.SetAccepting(false)
	if got := n.Publish(message.NewReceived("bus", nil, nil)); got != 0 {
		t.Errorf("Publish scheduled %d handlers with gate closed", got)
	}
}
