package chat

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// Data channel message type constants.
const (
	MessageTypeChat = "chat"
)

// Envelope wraps every payload that travels over a peer data channel, so the
// vocabulary can grow without breaking older peers.
type Envelope struct {
	Type    string             `msgpack:"type"`
	Payload msgpack.RawMessage `msgpack:"payload"`
}

// Message is one chat line. IDs must stay unique across the session so
// receivers can drop duplicate deliveries.
type Message struct {
	ID         string `msgpack:"id"`
	SenderID   string `msgpack:"senderId"`
	SenderName string `msgpack:"senderName"`
	Text       string `msgpack:"text"`
	Timestamp  int64  `msgpack:"timestamp"`
}

// NewMessage builds an outbound chat message. The id combines the local
// clock with the sender id plus random salt, which is unique enough to
// de-duplicate at receivers within a session's lifetime.
func NewMessage(senderID, senderName, text string) Message {
	now := time.Now()
	return Message{
		ID:         fmt.Sprintf("%d-%s-%s", now.UnixNano(), senderID, uuid.NewString()[:8]),
		SenderID:   senderID,
		SenderName: senderName,
		Text:       text,
		Timestamp:  now.UnixMilli(),
	}
}

// Time returns the sender-side timestamp used for display ordering.
func (m Message) Time() time.Time {
	return time.UnixMilli(m.Timestamp)
}

// Encode wraps the message in an envelope and marshals it for the wire.
func Encode(m Message) ([]byte, error) {
	payload, err := msgpack.Marshal(m)
	if err != nil {
		return nil, err
	}
	return msgpack.Marshal(Envelope{
		Type:    MessageTypeChat,
		Payload: payload,
	})
}

// Decode parses an inbound data channel frame. Unknown envelope types and
// malformed payloads come back as errors; callers treat both as soft
// warnings, never link failures.
func Decode(data []byte) (Message, error) {
	var env Envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return Message{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type != MessageTypeChat {
		return Message{}, fmt.Errorf("unknown message type: %q", env.Type)
	}

	var msg Message
	if err := msgpack.Unmarshal(env.Payload, &msg); err != nil {
		return Message{}, fmt.Errorf("decode chat payload: %w", err)
	}
	if msg.ID == "" || msg.SenderID == "" {
		return Message{}, fmt.Errorf("chat payload missing id or sender")
	}
	return msg, nil
}
