package signaling

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"

	"github.com/avickers/meshtalk/internal/identity"
)

// Message is the relay wire envelope for all signaling traffic between a
// client and the rendezvous service. Sender and target ids are application
// identities, not transport connection ids; the relay forwards targeted
// messages verbatim to the addressed participant only.
type Message struct {
	Type     string          `json:"type"`
	SenderID string          `json:"senderId,omitempty"`
	TargetID string          `json:"targetId,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Message type constants.
const (
	MessageTypeJoin   = "join"
	MessageTypeRoster = "roster-update"
	MessageTypeOffer  = "offer"
	MessageTypeAnswer = "answer"
	MessageTypeICE    = "ice-candidate"
)

// JoinPayload announces the local identity when the transport comes up.
type JoinPayload struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// RosterPayload is the full replacement snapshot of online participants.
type RosterPayload struct {
	Participants identity.Roster `json:"participants"`
}

// OfferPayload carries an SDP offer. SenderName rides along so the responder
// can attribute the inbound connection before any chat message arrives.
type OfferPayload struct {
	SenderName string `json:"senderName"`
	SDP        string `json:"sdp"`
}

// AnswerPayload carries an SDP answer back to the offerer.
type AnswerPayload struct {
	SDP string `json:"sdp"`
}

// CandidatePayload carries one trickled ICE candidate. A nil candidate is
// the end-of-candidates sentinel.
type CandidatePayload struct {
	Candidate *webrtc.ICECandidateInit `json:"candidate"`
}

// NewMessage marshals a typed payload into a wire envelope.
func NewMessage(msgType, senderID, targetID string, payload any) (*Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:     msgType,
		SenderID: senderID,
		TargetID: targetID,
		Payload:  raw,
	}, nil
}

// DecodePayload unmarshals the envelope payload into the provided struct.
func (m *Message) DecodePayload(v any) error {
	return json.Unmarshal(m.Payload, v)
}

// IsTargeted reports whether this message kind is forwarded to a single
// participant rather than broadcast by the relay.
func (m *Message) IsTargeted() bool {
	switch m.Type {
	case MessageTypeOffer, MessageTypeAnswer, MessageTypeICE:
		return true
	}
	return false
}
