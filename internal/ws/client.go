package ws

import (
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

// writeWait bounds a single frame write so one stalled viewer cannot back
// up the hub's broadcast loop.
const writeWait = 10 * time.Second

// Client wraps a websocket connection subscribed to a run's log stream.
type Client struct {
	conn   *websocket.Conn
	logger *slog.Logger
}

// NewClient wraps an upgraded connection.
func NewClient(conn *websocket.Conn, logger *slog.Logger) *Client {
	return &Client{conn: conn, logger: logger}
}

// Send writes one log line frame. A failed write closes the connection and
// the returned error makes the hub drop the subscriber.
func (c *Client) Send(payload []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.logger.Warn("log stream write failed", "error", err)
		_ = c.conn.Close()
		return err
	}
	return nil
}

// Close terminates the connection.
func (c *Client) Close() {
	_ = c.conn.Close()
}
