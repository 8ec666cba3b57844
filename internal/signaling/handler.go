package signaling

import (
	"fmt"
	"log/slog"

	"github.com/avickers/meshtalk/internal/identity"
	"github.com/avickers/meshtalk/internal/logging"
)

// Events are the sinks a Handler dispatches into, supplied at construction
// by whoever owns the session. All callbacks run on the handler goroutine.
type Events struct {
	// RosterUpdate delivers each full roster snapshot from the relay.
	RosterUpdate func(roster identity.Roster)

	// Signal delivers targeted negotiation traffic (offer, answer,
	// ice-candidate) addressed to this client.
	Signal func(msg *Message)

	// TransportError reports malformed inbound payloads. Non-fatal; the
	// connection stays up.
	TransportError func(err error)

	// TransportClosed fires exactly once when the relay connection is gone,
	// whether by Close or by failure.
	TransportClosed func()
}

// Handler drains the client's inbound stream and routes each message to the
// matching event sink.
type Handler struct {
	client *Client
	events Events
	log    *slog.Logger
}

// NewHandler wires a handler to a client. Call Run on its own goroutine.
func NewHandler(client *Client, events Events) *Handler {
	return &Handler{
		client: client,
		events: events,
		log:    logging.Component("signaling"),
	}
}

// Run dispatches inbound messages until the transport closes.
func (h *Handler) Run() {
	for msg := range h.client.Incoming() {
		switch msg.Type {
		case MessageTypeRoster:
			h.handleRoster(msg)

		case MessageTypeOffer, MessageTypeAnswer, MessageTypeICE:
			if msg.SenderID == "" {
				h.emitError(fmt.Errorf("%s without sender id", msg.Type))
				continue
			}
			if h.events.Signal != nil {
				h.events.Signal(msg)
			}

		default:
			h.log.Warn("unknown relay message type", "type", msg.Type)
		}
	}

	if h.events.TransportClosed != nil {
		h.events.TransportClosed()
	}
}

func (h *Handler) handleRoster(msg *Message) {
	var payload RosterPayload
	if err := msg.DecodePayload(&payload); err != nil {
		h.emitError(fmt.Errorf("malformed roster update: %w", err))
		return
	}
	if h.events.RosterUpdate != nil {
		h.events.RosterUpdate(payload.Participants)
	}
}

func (h *Handler) emitError(err error) {
	h.log.Warn("dropping malformed relay message", "err", err)
	if h.events.TransportError != nil {
		h.events.TransportError(err)
	}
}
