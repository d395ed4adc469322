// WebSocket client connection handling

package monitor

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// wsClient is one connected WebSocket client. Outgoing notifications
// are queued; a client that stops reading loses messages instead of
// stalling the broadcast.
type wsClient struct {
	id     uuid.UUID
	srv    *Server
	conn   *websocket.Conn
	sendCh chan Notification
	done   chan struct{}
	once   sync.Once
}

func newWSClient(srv *Server, conn *websocket.Conn) *wsClient {
	return &wsClient{
		id:     uuid.New(),
		srv:    srv,
		conn:   conn,
		sendCh: make(chan Notification, 64),
		done:   make(chan struct{}),
	}
}

func (c *wsClient) send(n Notification) {
	select {
	case c.sendCh <- n:
	case <-c.done:
	default:
		c.srv.logger.Warn("client %s lagging, notification dropped", c.id)
	}
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// readPump consumes incoming frames until the connection dies. The
// monitor is push only, so the content is discarded; reading is still
// needed for close frames and pong handling.
func (c *wsClient) readPump() {
	defer func() {
		c.srv.removeClient(c)
		c.close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump serializes notifications and keeps the connection alive
// with periodic pings.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case n := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(n); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
