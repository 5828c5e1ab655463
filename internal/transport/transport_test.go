package transport_test

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/GeeItsZee/SockExchange/internal/protocol"
	"github.com/GeeItsZee/SockExchange/internal/transport"
)

// pipePair returns two transports joined by an in-memory net.Pipe.
func pipePair(t *testing.T, readTimeout time.Duration) (*transport.Transport, *transport.Transport) {
	t.Helper()
	a, b := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return transport.New(ctx, transport.NewStreamConn(a), readTimeout),
		transport.New(ctx, transport.NewStreamConn(b), readTimeout)
}

// serveInto runs Serve in the background, forwarding packets to a channel.
func serveInto(tr *transport.Transport) (<-chan protocol.Packet, <-chan error) {
	pkts := make(chan protocol.Packet, 16)
	errs := make(chan error, 1)
	go func() {
		errs <- tr.Serve(func(p protocol.Packet) error {
			pkts <- p
			return nil
		})
	}()
	return pkts, errs
}

func TestSendAndServe(t *testing.T) {
	left, right := pipePair(t, 0)
	pkts, _ := serveInto(right)
	go left.Serve(func(protocol.Packet) error { return nil })

	want := []protocol.Packet{
		&protocol.Register{Password: "secret", LeafName: "west"},
		&protocol.Request{Destination: protocol.ToHub(), Topic: "ping", Payload: []byte("x")},
		&protocol.Response{CallID: 3, Status: protocol.StatusTimedOut},
	}
	for _, p := range want {
		if err := left.Send(p); err != nil {
			t.Fatalf("Send(%s) failed: %v", p.ID(), err)
		}
	}

	for i, w := range want {
		select {
		case got := <-pkts:
			if got.ID() != w.ID() {
				t.Errorf("packet %d: got %s, want %s (arrival order)", i, got.ID(), w.ID())
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for packet %d", i)
		}
	}
}

func TestSendAndCloseDeliversThenHangsUp(t *testing.T) {
	left, right := pipePair(t, 0)
	pkts, errs := serveInto(right)
	go left.Serve(func(protocol.Packet) error { return nil })

	left.SendAndClose(&protocol.RegisterAck{Result: protocol.RegisterIncorrectPassword})

	select {
	case got := <-pkts:
		ack, ok := got.(*protocol.RegisterAck)
		if !ok || ack.Result != protocol.RegisterIncorrectPassword {
			t.Fatalf("got %#v, want INCORRECT_PASSWORD ack", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ack never arrived")
	}

	select {
	case err := <-errs:
		if err != nil {
			t.Errorf("Serve returned %v, want nil on orderly close", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("peer transport did not observe close")
	}

	if err := left.Send(&protocol.RegisterAck{}); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("Send after close: got %v, want ErrClosed", err)
	}
}

func TestServeRejectsGarbage(t *testing.T) {
	a, b := net.Pipe()
	tr := transport.New(context.Background(), transport.NewStreamConn(b), 0)
	_, errs := serveInto(tr)

	// Length 2, unknown tag 0x7F.
	go a.Write([]byte{0, 0, 2, 0x7F, 0})

	select {
	case err := <-errs:
		if !errors.Is(err, transport.ErrProtocolViolation) || !errors.Is(err, protocol.ErrUnknownPacket) {
			t.Errorf("got %v, want protocol violation wrapping ErrUnknownPacket", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not fail on garbage")
	}

	select {
	case <-tr.Done():
	case <-time.After(time.Second):
		t.Error("transport not closed after violation")
	}
	a.Close()
}

func TestHandlerErrorClosesTransport(t *testing.T) {
	left, right := pipePair(t, 0)
	errs := make(chan error, 1)
	go func() {
		errs <- right.Serve(func(protocol.Packet) error {
			return transport.ErrProtocolViolation
		})
	}()
	go left.Serve(func(protocol.Packet) error { return nil })

	if err := left.Send(&protocol.RegisterAck{}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case err := <-errs:
		if !errors.Is(err, transport.ErrProtocolViolation) {
			t.Errorf("got %v, want ErrProtocolViolation", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}

	select {
	case <-left.Done():
	case <-time.After(2 * time.Second):
		t.Error("remote side not closed")
	}
}

func TestReadTimeout(t *testing.T) {
	_, right := pipePair(t, 50*time.Millisecond)
	_, errs := serveInto(right)

	select {
	case err := <-errs:
		if err == nil {
			t.Error("expected a timeout error, got nil")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("read timeout never fired")
	}
}

func TestWebSocketRoundTrip(t *testing.T) {
	accepted := make(chan transport.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := transport.Upgrade(w, r)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		accepted <- conn
	}))
	defer srv.Close()

	ctx := context.Background()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	clientConn, err := transport.DialWebSocket(ctx, url)
	if err != nil {
		t.Fatalf("DialWebSocket failed: %v", err)
	}

	client := transport.New(ctx, clientConn, 0)
	defer client.Close()
	server := transport.New(ctx, <-accepted, 0)
	defer server.Close()

	pkts, _ := serveInto(server)
	go client.Serve(func(protocol.Packet) error { return nil })

	big := make([]byte, 64*1024)
	big[len(big)-1] = 9
	if err := client.Send(&protocol.Forward{Topic: "bus", Payload: big}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case got := <-pkts:
		fwd, ok := got.(*protocol.Forward)
		if !ok || len(fwd.Payload) != len(big) || fwd.Payload[len(big)-1] != 9 {
			t.Errorf("unexpected packet %#v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("forward never arrived over websocket")
	}
}

func TestSendFailsFastWhenPeerStopsReading(t *testing.T) {
	left, _ := pipePair(t, 0)

	var err error
	for i := 0; i < 1000 && err == nil; i++ {
		err = left.Send(&protocol.Request{Destination: protocol.ToHub(), Topic: "flood", Payload: []byte{}})
	}
	if !errors.Is(err, transport.ErrOverloaded) {
		t.Fatalf("Send error = %v, want ErrOverloaded", err)
	}

	select {
	case <-left.Done():
	case <-time.After(time.Second):
		t.Fatal("overloaded transport not closed")
	}
	if err := left.Send(&protocol.Forward{Topic: "late", Payload: []byte{}}); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("Send after overload = %v, want ErrClosed", err)
	}
}
