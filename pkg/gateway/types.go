package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// EventMessage is a server-initiated event frame.
type EventMessage struct {
	Type      string      `json:"type"`
	Event     string      `json:"event"`
	Seq       int64       `json:"seq"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

// Client is a connected WebSocket client.
type Client struct {
	ID          string
	ConnectedAt time.Time
	RemoteAddr  string

	conn    *websocket.Conn
	writeMu sync.Mutex
}

// Write sends a text frame to the client. Gorilla connections allow one
// concurrent writer, hence the mutex.
func (c *Client) Write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
