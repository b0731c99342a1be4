package websocket

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second
	readWait  = 5 * time.Minute
)

// Conn serializes writes to a WebSocket connection. gorilla/websocket allows
// one concurrent writer, and server pushes race with action replies.
type Conn struct {
	*websocket.Conn
	mu sync.Mutex
}

// NewConn wraps an upgraded connection.
func NewConn(c *websocket.Conn) *Conn {
	return &Conn{Conn: c}
}

// WriteTyped sends a strongly-typed response payload over the WebSocket.
func (c *Conn) WriteTyped(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_ = c.SetWriteDeadline(time.Now().Add(writeWait))
	return c.Conn.WriteJSON(v)
}

// WriteEvent sends an event with its data.
func (c *Conn) WriteEvent(event Event, data interface{}) error {
	return c.WriteTyped(ResponsePayload{Event: event, Data: data})
}

// WriteError sends a typed ErrorResponse over the WebSocket.
func (c *Conn) WriteError(code, errMsg string) error {
	return c.WriteTyped(ErrorResponse{
		Event: EventError,
		Code:  code,
		Error: errMsg,
	})
}

// ReadJSON reads and decodes a message into the provided structure.
// It sets a read deadline.
func (c *Conn) ReadJSON(v interface{}) error {
	_ = c.SetReadDeadline(time.Now().Add(readWait))
	return c.Conn.ReadJSON(v)
}
