package peer

import (
	"log/slog"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/avickers/meshtalk/internal/chat"
	"github.com/avickers/meshtalk/internal/config"
	"github.com/avickers/meshtalk/internal/identity"
	"github.com/avickers/meshtalk/internal/logging"
	"github.com/avickers/meshtalk/internal/signaling"
)

// channelLabel names the single data channel every link carries.
const channelLabel = "chat"

// Events are the sinks a link reports into, injected at construction. Every
// callback is delivered on the session loop via the link's executor, so
// sinks may touch shared session state freely.
type Events struct {
	// Signal emits outbound negotiation traffic for the relay.
	Signal func(msgType, targetID string, payload any)

	// StateChanged fires on every connection-state transition.
	StateChanged func(remote identity.Participant, state State)

	// ChannelOpen fires once the data channel becomes usable for sends.
	ChannelOpen func(remote identity.Participant)

	// Message delivers one decoded inbound chat message.
	Message func(remote identity.Participant, msg chat.Message)

	// Warning reports benign, non-fatal conditions (late candidates,
	// malformed frames, out-of-state signaling).
	Warning func(remote identity.Participant, err error)
}

// Link owns the peer connection and data channel for one remote participant.
// It is the unit of connection-state truth: the mesh consults nothing else.
//
// Except for Send, every method and every event sink must run on the session
// loop; pion callbacks re-enter it through the executor supplied at
// construction. The executor is expected to drop work once the owning
// session generation is gone, which keeps stale callbacks from mutating a
// torn-down mesh.
type Link struct {
	self   identity.Participant
	remote identity.Participant
	role   Role
	state  State

	pc      *webrtc.PeerConnection
	channel *webrtc.DataChannel

	// Inbound candidates that arrived before the remote description.
	pendingCandidates []webrtc.ICECandidateInit
	remoteDescSet     bool

	negotiationTimer *time.Timer
	graceTimer       *time.Timer
	disconnectGrace  time.Duration

	exec   func(func())
	events Events
	log    *slog.Logger
}

// NewLink builds a link to one remote participant. It creates the underlying
// peer connection but sends nothing yet; initiators follow up with Negotiate,
// responders with HandleOffer.
func NewLink(cfg *config.Config, self, remote identity.Participant, role Role, exec func(func()), events Events) (*Link, error) {
	if remote.ID == self.ID {
		return nil, newError("create link", remote.ID, ErrSelfLink)
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: cfg.ICEServers(),
	})
	if err != nil {
		return nil, newError("create peer connection", remote.ID, err)
	}

	l := &Link{
		self:            self,
		remote:          remote,
		role:            role,
		state:           StateNew,
		pc:              pc,
		disconnectGrace: cfg.DisconnectGrace,
		exec:            exec,
		events:          events,
		log: logging.Component("peer").With(
			"remote", remote.ID,
			"role", role.String(),
		),
	}

	l.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// Trickle every candidate as it is produced; nil is the
		// gathering-complete sentinel and is forwarded too.
		var payload signaling.CandidatePayload
		if c != nil {
			init := c.ToJSON()
			payload.Candidate = &init
		}
		l.exec(func() {
			if l.state.Terminal() {
				return
			}
			l.events.Signal(signaling.MessageTypeICE, l.remote.ID, payload)
		})
	})

	l.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		l.exec(func() { l.onConnectionState(s) })
	})

	if role == RoleInitiator {
		// Initiator creates the channel before offering so it is part of
		// the negotiated session.
		dc, err := pc.CreateDataChannel(channelLabel, nil)
		if err != nil {
			pc.Close()
			return nil, newError("create data channel", remote.ID, err)
		}
		l.bindChannel(dc)
	} else {
		l.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			l.exec(func() {
				if l.state.Terminal() {
					return
				}
				l.bindChannel(dc)
			})
		})
	}

	if cfg.NegotiationTimeout > 0 {
		l.negotiationTimer = time.AfterFunc(cfg.NegotiationTimeout, func() {
			l.exec(func() {
				if l.state == StateNew || l.state == StateNegotiating {
					l.log.Warn("negotiation timed out")
					l.fail()
				}
			})
		})
	}

	return l, nil
}

// Remote returns the participant this link connects to.
func (l *Link) Remote() identity.Participant { return l.remote }

// Role returns the fixed negotiation role.
func (l *Link) Role() Role { return l.role }

// State returns the current connection state.
func (l *Link) State() State { return l.state }

// ChannelOpen reports whether the data channel is currently usable. Channel
// readiness is independent of connection state: connected with a channel
// still opening is a normal transient.
func (l *Link) ChannelOpen() bool {
	return l.channel != nil && l.channel.ReadyState() == webrtc.DataChannelStateOpen
}

// Negotiate produces and transmits the offer. Initiator links only. The
// offer carries the local display name so the responder can attribute the
// connection before any chat traffic exists.
func (l *Link) Negotiate() error {
	if l.role != RoleInitiator {
		return newError("negotiate", l.remote.ID, ErrUnexpectedState)
	}
	if l.state.Terminal() {
		return newError("negotiate", l.remote.ID, ErrLinkTerminal)
	}
	if l.state != StateNew {
		return newError("negotiate", l.remote.ID, ErrUnexpectedState)
	}

	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		l.fail()
		return newError("create offer", l.remote.ID, err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		l.fail()
		return newError("set local description", l.remote.ID, err)
	}

	l.setState(StateNegotiating)
	l.events.Signal(signaling.MessageTypeOffer, l.remote.ID, signaling.OfferPayload{
		SenderName: l.self.DisplayName,
		SDP:        l.pc.LocalDescription().SDP,
	})
	return nil
}

// HandleOffer applies a remote offer and transmits the answer back to the
// sender id. Responder links only.
func (l *Link) HandleOffer(payload signaling.OfferPayload) error {
	if l.role != RoleResponder || l.state != StateNew {
		l.warn(newError("handle offer", l.remote.ID, ErrUnexpectedState))
		return nil
	}

	l.setState(StateNegotiating)

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: payload.SDP}
	if err := l.pc.SetRemoteDescription(offer); err != nil {
		l.fail()
		return newError("set remote offer", l.remote.ID, err)
	}
	l.remoteDescSet = true
	l.drainPendingCandidates()

	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		l.fail()
		return newError("create answer", l.remote.ID, err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		l.fail()
		return newError("set local description", l.remote.ID, err)
	}

	l.events.Signal(signaling.MessageTypeAnswer, l.remote.ID, signaling.AnswerPayload{
		SDP: l.pc.LocalDescription().SDP,
	})
	return nil
}

// HandleAnswer applies the remote answer to a pending offer. An answer
// arriving when none is awaited is dropped with a warning, not an error.
func (l *Link) HandleAnswer(payload signaling.AnswerPayload) {
	if l.role != RoleInitiator || l.state != StateNegotiating || l.remoteDescSet {
		l.warn(newError("handle answer", l.remote.ID, ErrUnexpectedState))
		return
	}

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: payload.SDP}
	if err := l.pc.SetRemoteDescription(answer); err != nil {
		l.warn(newError("set remote answer", l.remote.ID, err))
		l.fail()
		return
	}
	l.remoteDescSet = true
	l.drainPendingCandidates()
}

// HandleCandidate applies one trickled remote candidate. Candidates that
// arrive before the remote description is set are buffered; a nil candidate
// is the end-of-candidates sentinel and needs no action here.
func (l *Link) HandleCandidate(payload signaling.CandidatePayload) {
	if payload.Candidate == nil {
		return
	}

	if !l.remoteDescSet {
		l.pendingCandidates = append(l.pendingCandidates, *payload.Candidate)
		return
	}

	if err := l.pc.AddICECandidate(*payload.Candidate); err != nil {
		// Late or duplicate candidates are benign.
		l.warn(newError("add candidate", l.remote.ID, err))
	}
}

func (l *Link) drainPendingCandidates() {
	for _, c := range l.pendingCandidates {
		if err := l.pc.AddICECandidate(c); err != nil {
			l.warn(newError("add buffered candidate", l.remote.ID, err))
		}
	}
	l.pendingCandidates = nil
}

// Send transmits one chat message over the data channel. Unlike the
// negotiation methods it is safe from any goroutine; pion serializes channel
// writes internally.
func (l *Link) Send(msg chat.Message) error {
	if !l.ChannelOpen() {
		return newError("send", l.remote.ID, ErrChannelNotOpen)
	}

	data, err := chat.Encode(msg)
	if err != nil {
		return newError("encode message", l.remote.ID, err)
	}
	if err := l.channel.Send(data); err != nil {
		return newError("send", l.remote.ID, err)
	}
	return nil
}

// Close converges the link to full teardown: channel, connection, timers.
// Closing an already-terminal link is a no-op.
func (l *Link) Close() {
	if l.state.Terminal() {
		return
	}
	l.teardown()
	l.setState(StateClosed)
}

// fail is Close with the failed terminal state; the mesh drops the link and
// surfaces a non-fatal error upstream on seeing it.
func (l *Link) fail() {
	if l.state.Terminal() {
		return
	}
	l.teardown()
	l.setState(StateFailed)
}

func (l *Link) teardown() {
	if l.negotiationTimer != nil {
		l.negotiationTimer.Stop()
	}
	if l.graceTimer != nil {
		l.graceTimer.Stop()
	}
	if l.channel != nil {
		l.channel.Close()
	}
	l.pc.Close()
}

func (l *Link) bindChannel(dc *webrtc.DataChannel) {
	l.channel = dc

	dc.OnOpen(func() {
		l.exec(func() {
			if l.state.Terminal() {
				return
			}
			l.log.Debug("data channel open")
			l.events.ChannelOpen(l.remote)
		})
	})

	dc.OnClose(func() {
		l.exec(func() {
			if l.state.Terminal() {
				return
			}
			// A half-closed channel makes the link useless even while the
			// transport still reports connected.
			l.log.Warn("data channel closed by remote")
			l.fail()
		})
	})

	dc.OnMessage(func(raw webrtc.DataChannelMessage) {
		l.exec(func() {
			if l.state.Terminal() {
				return
			}
			msg, err := chat.Decode(raw.Data)
			if err != nil {
				l.warn(newError("inbound message", l.remote.ID, err))
				return
			}
			l.events.Message(l.remote, msg)
		})
	})
}

// onConnectionState maps pion transport states onto the link state machine.
// Runs on the session loop.
func (l *Link) onConnectionState(s webrtc.PeerConnectionState) {
	if l.state.Terminal() {
		return
	}
	l.log.Debug("connection state", "state", s.String())

	switch s {
	case webrtc.PeerConnectionStateConnected:
		if l.negotiationTimer != nil {
			l.negotiationTimer.Stop()
		}
		if l.graceTimer != nil {
			l.graceTimer.Stop()
			l.graceTimer = nil
		}
		l.setState(StateConnected)

	case webrtc.PeerConnectionStateDisconnected:
		l.setState(StateDisconnected)
		if l.disconnectGrace <= 0 {
			// Bounded-state policy: treat transient loss as failure rather
			// than waiting on ICE to recover on its own.
			l.fail()
			return
		}
		l.graceTimer = time.AfterFunc(l.disconnectGrace, func() {
			l.exec(func() {
				if l.state == StateDisconnected {
					l.log.Warn("disconnect grace expired")
					l.fail()
				}
			})
		})

	case webrtc.PeerConnectionStateFailed:
		l.fail()

	case webrtc.PeerConnectionStateClosed:
		l.Close()
	}
}

func (l *Link) setState(s State) {
	if l.state == s {
		return
	}
	l.state = s
	if l.events.StateChanged != nil {
		l.events.StateChanged(l.remote, s)
	}
}

func (l *Link) warn(err error) {
	l.log.Warn("link warning", "err", err)
	if l.events.Warning != nil {
		l.events.Warning(l.remote, err)
	}
}
