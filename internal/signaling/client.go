package signaling

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/avickers/meshtalk/internal/dns"
	"github.com/avickers/meshtalk/internal/identity"
	"github.com/avickers/meshtalk/internal/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Client manages the single WebSocket connection to the rendezvous service.
// It translates between wire envelopes and typed local events; retry and
// backoff policy live with the caller, not here.
type Client struct {
	serverURL string
	self      identity.Participant

	conn     *websocket.Conn
	incoming chan *Message
	outgoing chan *Message
	done     chan struct{}

	closeOnce sync.Once

	log *slog.Logger
}

// NewClient creates a relay client for the given identity. The connection is
// not established until Open is called.
func NewClient(serverURL string, self identity.Participant) *Client {
	return &Client{
		serverURL: serverURL,
		self:      self,
		incoming:  make(chan *Message, 32),
		outgoing:  make(chan *Message, 32),
		done:      make(chan struct{}),
		log:       logging.Component("signaling").With("self", self.ID),
	}
}

// Open establishes the WebSocket connection and announces the local identity.
// It returns once the rendezvous transport is usable; that says nothing about
// whether any peer exists yet.
func (c *Client) Open() error {
	u, err := url.Parse(c.serverURL)
	if err != nil {
		return fmt.Errorf("invalid relay URL: %w", err)
	}

	// Custom dialer with resolver fallback, for hosts whose local DNS
	// cannot see the relay domain.
	dialer := *websocket.DefaultDialer
	dialer.NetDial = func(network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		resolved, err := dns.Lookup(host)
		if err != nil {
			return nil, fmt.Errorf("dns lookup failed: %w", err)
		}
		return net.Dial(network, net.JoinHostPort(resolved, port))
	}

	conn, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to connect to relay: %w", err)
	}

	c.conn = conn
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go c.readPump()
	go c.writePump()

	return c.Send(MessageTypeJoin, "", JoinPayload{
		ID:          c.self.ID,
		DisplayName: c.self.DisplayName,
	})
}

// Send marshals and queues one signaling message. Delivery is best effort:
// a message queued against a dying transport is lost, and the loss surfaces
// as a transport-closed event rather than an error here.
func (c *Client) Send(msgType, targetID string, payload any) error {
	msg, err := NewMessage(msgType, c.self.ID, targetID, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msgType, err)
	}

	select {
	case <-c.done:
		return fmt.Errorf("send %s: relay connection closed", msgType)
	default:
	}

	select {
	case c.outgoing <- msg:
		return nil
	case <-c.done:
		return fmt.Errorf("send %s: relay connection closed", msgType)
	}
}

// Incoming returns the channel of decoded relay messages. The channel closes
// when the transport goes away, deliberately or not.
func (c *Client) Incoming() <-chan *Message {
	return c.incoming
}

// readPump reads messages from the WebSocket connection.
func (c *Client) readPump() {
	defer func() {
		c.conn.Close()
		close(c.incoming)
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("relay read failed", "err", err)
			}
			return
		}

		select {
		case c.incoming <- &msg:
		case <-c.done:
			return
		}
	}
}

// writePump writes queued messages and sends periodic pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.outgoing:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// Close tears down the transport. Idempotent; safe to call when the
// connection never opened or already died.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
