package relay

import (
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/avickers/meshtalk/internal/signaling"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. SDP bodies fit comfortably.
	maxMessageSize = 64 * 1024
)

// Client wraps a single websocket connection from one participant.
type Client struct {
	hub  *Hub
	conn *websocket.Conn

	// id and displayName come from the join message; empty until then.
	id          string
	displayName string

	// gone marks a client the hub already dropped, so a trailing
	// unregister from its readPump is a no-op. Hub loop only.
	gone bool

	// send is the buffered outbound queue drained by writePump.
	send chan *signaling.Message
}

// readPump pumps messages from the websocket connection to the hub. It is
// the only reader on the connection.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.shutdown:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg signaling.Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slog.Warn("relay read error", "err", err)
			}
			return
		}

		c.hub.inbound <- &envelope{client: c, msg: &msg}
	}
}

// writePump pumps messages from the hub to the websocket connection. It is
// the only writer on the connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub dropped this client.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
