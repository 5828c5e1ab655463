package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/GeeItsZee/SockExchange/internal/protocol"
)

// Conn is one framed, bidirectional link between a hub and a leaf.
// ReadFrame is called from a single reader goroutine and WriteFrame from a
// single writer goroutine; Close may be called from anywhere.
type Conn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(body []byte) error
	SetReadDeadline(t time.Time) error
	RemoteAddr() string
	Close() error
}

// ---------------------------------------------------------------------------
// TCP stream
// ---------------------------------------------------------------------------

// streamConn frames packets over a byte stream with the 3-byte length prefix.
type streamConn struct {
	conn net.Conn
	r    *bufio.Reader
}

// NewStreamConn wraps an established stream connection (usually TCP).
func NewStreamConn(conn net.Conn) Conn {
	return &streamConn{conn: conn, r: bufio.NewReaderSize(conn, 32*1024)}
}

func (c *streamConn) ReadFrame() ([]byte, error) { return protocol.ReadFrame(c.r) }
func (c *streamConn) WriteFrame(body []byte) error { return protocol.WriteFrame(c.conn, body) }
func (c *streamConn) SetReadDeadline(t time.Time) error { return c.conn.SetReadDeadline(t) }
func (c *streamConn) RemoteAddr() string { return c.conn.RemoteAddr().String() }
func (c *streamConn) Close() error { return c.conn.Close() }

// DialTCP opens a TCP connection to addr.
func DialTCP(ctx context.Context, addr string) (Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewStreamConn(conn), nil
}

// ---------------------------------------------------------------------------
// WebSocket
// ---------------------------------------------------------------------------

// wsConn carries one frame (length prefix included) per binary message, so
// the same bytes flow regardless of the underlying link.
type wsConn struct {
	conn      *websocket.Conn
	closeOnce sync.Once
	closeErr  error
}

// NewWebSocketConn wraps an established WebSocket connection.
func NewWebSocketConn(conn *websocket.Conn) Conn {
	conn.SetReadLimit(protocol.MaxFrameSize + protocol.FrameHeaderSize)
	return &wsConn{conn: conn}
}

func (c *wsConn) ReadFrame() ([]byte, error) {
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		if len(data) < protocol.FrameHeaderSize {
			return nil, fmt.Errorf("%w: short websocket frame", protocol.ErrMalformed)
		}
		n := int(data[0])<<16 | int(data[1])<<8 | int(data[2])
		if n > protocol.MaxFrameSize {
			return nil, fmt.Errorf("%w: declared %d bytes", protocol.ErrFrameTooLarge, n)
		}
		body := data[protocol.FrameHeaderSize:]
		if n != len(body) {
			return nil, fmt.Errorf("%w: length prefix %d, message carries %d", protocol.ErrMalformed, n, len(body))
		}
		return body, nil
	}
}

func (c *wsConn) WriteFrame(body []byte) error {
	frame, err := protocol.AppendFrame(make([]byte, 0, protocol.FrameHeaderSize+len(body)), body)
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (c *wsConn) SetReadDeadline(t time.Time) error { return c.conn.SetReadDeadline(t) }
func (c *wsConn) RemoteAddr() string { return c.conn.RemoteAddr().String() }

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Upgrade turns an HTTP request into a WebSocket Conn.
func Upgrade(w http.ResponseWriter, r *http.Request) (Conn, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return NewWebSocketConn(conn), nil
}

// DialWebSocket dials the given ws:// or wss:// URL.
func DialWebSocket(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WS server: %w", err)
	}
	return NewWebSocketConn(conn), nil
}

// IsClosed reports whether err is the ordinary result of a peer or local
// close rather than a fault worth logging.
func IsClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) ||
		websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
