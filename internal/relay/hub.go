package relay

import (
	"log/slog"

	"github.com/avickers/meshtalk/internal/identity"
	"github.com/avickers/meshtalk/internal/logging"
	"github.com/avickers/meshtalk/internal/signaling"
)

// envelope pairs an inbound message with the connection it arrived on.
type envelope struct {
	client *Client
	msg    *signaling.Message
}

// Hub is the rendezvous core: one flat presence set, no rooms. It announces
// every membership change as a full roster snapshot and forwards targeted
// signaling verbatim to the addressed participant only. It never reads the
// payloads it forwards; chat content never touches it at all.
//
// Run is the single goroutine that owns all hub state.
type Hub struct {
	// participants maps announced participant ids to their connections.
	participants map[string]*Client

	// conns tracks every connection, announced or not.
	conns map[*Client]struct{}

	// order preserves arrival order for roster snapshots.
	order []*Client

	register   chan *Client
	unregister chan *Client
	inbound    chan *envelope
	shutdown   chan struct{}

	log *slog.Logger
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		participants: make(map[string]*Client),
		conns:        make(map[*Client]struct{}),
		register:     make(chan *Client),
		unregister:   make(chan *Client),
		inbound:      make(chan *envelope, 64),
		shutdown:     make(chan struct{}),
		log:          logging.Component("relay"),
	}
}

// Run processes registrations and messages until Shutdown.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			// Connection is up but the participant is anonymous until its
			// join message arrives.
			h.conns[client] = struct{}{}
			h.log.Debug("connection registered", "addr", client.conn.RemoteAddr())

		case client := <-h.unregister:
			h.drop(client)

		case env := <-h.inbound:
			h.dispatch(env.client, env.msg)

		case <-h.shutdown:
			for client := range h.conns {
				client.conn.Close()
			}
			return
		}
	}
}

// Shutdown stops the run loop and closes every client connection. The hub
// cannot be restarted.
func (h *Hub) Shutdown() {
	close(h.shutdown)
}

func (h *Hub) dispatch(client *Client, msg *signaling.Message) {
	switch msg.Type {
	case signaling.MessageTypeJoin:
		h.handleJoin(client, msg)

	case signaling.MessageTypeOffer, signaling.MessageTypeAnswer, signaling.MessageTypeICE:
		h.forward(client, msg)

	default:
		h.log.Warn("unknown message type", "type", msg.Type)
	}
}

func (h *Hub) handleJoin(client *Client, msg *signaling.Message) {
	var payload signaling.JoinPayload
	if err := msg.DecodePayload(&payload); err != nil || payload.ID == "" {
		h.log.Warn("malformed join, ignoring", "addr", client.conn.RemoteAddr(), "err", err)
		return
	}

	if old, taken := h.participants[payload.ID]; taken {
		if old == client {
			// Repeat announce on the same connection; refresh the name only.
			client.displayName = payload.DisplayName
			h.broadcastRoster()
			return
		}
		// Same id announced twice; the newer connection wins and the stale
		// one is dropped.
		h.log.Warn("participant id re-announced, replacing connection", "id", payload.ID)
		h.drop(old)
	}

	if client.id != "" && client.id != payload.ID {
		// The connection is switching identities; retire the old one so the
		// roster never lists this connection twice and the old id is free
		// for a later joiner.
		if current, ok := h.participants[client.id]; ok && current == client {
			delete(h.participants, client.id)
			h.removeFromOrder(client)
		}
	}

	client.id = payload.ID
	client.displayName = payload.DisplayName
	h.participants[client.id] = client
	h.order = append(h.order, client)

	h.log.Info("participant joined", "id", client.id, "name", client.displayName)
	h.broadcastRoster()
}

// forward relays one targeted signaling message, stamping the sender id
// from the connection's announced identity so a client cannot spoof another
// sender.
func (h *Hub) forward(client *Client, msg *signaling.Message) {
	if client.id == "" {
		h.log.Warn("signaling before join, dropping", "type", msg.Type)
		return
	}

	target, ok := h.participants[msg.TargetID]
	if !ok {
		// The target left between send and forward; normal churn.
		h.log.Debug("target gone, dropping", "type", msg.Type, "target", msg.TargetID)
		return
	}

	msg.SenderID = client.id
	h.trySend(target, msg)
}

// drop removes a connection from the presence set and re-announces the
// roster if the connection had joined.
func (h *Hub) drop(client *Client) {
	if client.gone {
		return
	}
	client.gone = true
	close(client.send)
	delete(h.conns, client)

	if client.id == "" {
		return
	}
	if current, ok := h.participants[client.id]; !ok || current != client {
		return
	}

	delete(h.participants, client.id)
	h.removeFromOrder(client)

	h.log.Info("participant left", "id", client.id)
	h.broadcastRoster()
}

func (h *Hub) removeFromOrder(client *Client) {
	for i, c := range h.order {
		if c == client {
			h.order = append(h.order[:i], h.order[i+1:]...)
			return
		}
	}
}

// broadcastRoster sends the full replacement snapshot to every joined
// participant.
func (h *Hub) broadcastRoster() {
	roster := make(identity.Roster, 0, len(h.order))
	for _, c := range h.order {
		roster = append(roster, identity.Participant{ID: c.id, DisplayName: c.displayName})
	}

	msg, err := signaling.NewMessage(signaling.MessageTypeRoster, "", "", signaling.RosterPayload{
		Participants: roster,
	})
	if err != nil {
		h.log.Error("failed to encode roster", "err", err)
		return
	}

	for _, c := range h.order {
		h.trySend(c, msg)
	}
}

// trySend queues a message without blocking the hub loop; a client too slow
// to drain its queue loses messages rather than stalling everyone else.
func (h *Hub) trySend(c *Client, msg *signaling.Message) {
	select {
	case c.send <- msg:
	default:
		h.log.Warn("client send queue full, dropping", "id", c.id, "type", msg.Type)
	}
}
