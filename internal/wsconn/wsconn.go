// Package wsconn adapts a gorilla/websocket connection to the
// registry.Transport interface the router and registry depend on, so the
// HTTP/WS boundary in cmd/relayd is the only place that knows about
// *websocket.Conn.
package wsconn

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/anamnesos/squidrelay/internal/frame"
)

// Conn wraps one accepted WebSocket connection. Writes are serialized with
// a mutex since gorilla/websocket forbids concurrent writers on the same
// connection; reads are owned by the single goroutine that calls
// ReadFrame in a loop.
type Conn struct {
	ws   *websocket.Conn
	addr string

	writeMu sync.Mutex

	closeMu sync.Mutex
	closed  bool
}

// New wraps an already-upgraded *websocket.Conn.
func New(ws *websocket.Conn, remoteAddr string) *Conn {
	return &Conn{ws: ws, addr: remoteAddr}
}

// ReadFrame blocks for the next message and returns its raw bytes without
// decoding them, together with any read error, so the caller (the router)
// decodes the frame and can reply with the codec's own invalid_json error
// rather than this package inventing a second error shape.
func (c *Conn) ReadFrame() ([]byte, error) {
	_, raw, err := c.ws.ReadMessage()
	return raw, err
}

// WriteFrame implements registry.Transport.
func (c *Conn) WriteFrame(f *frame.Frame) error {
	b, err := f.Encode()
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

// Close implements registry.Transport.
func (c *Conn) Close(code int, reason string) error {
	c.closeMu.Lock()
	c.closed = true
	c.closeMu.Unlock()

	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, deadlineNow())
	c.writeMu.Unlock()

	return c.ws.Close()
}

// RemoteAddr implements registry.Transport.
func (c *Conn) RemoteAddr() string { return c.addr }

// IsClosed implements registry.Transport.
func (c *Conn) IsClosed() bool {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return c.closed
}

func deadlineNow() time.Time {
	return time.Now().Add(2 * time.Second)
}
