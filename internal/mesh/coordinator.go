package mesh

import (
	"fmt"
	"log/slog"

	"github.com/avickers/meshtalk/internal/chat"
	"github.com/avickers/meshtalk/internal/config"
	"github.com/avickers/meshtalk/internal/identity"
	"github.com/avickers/meshtalk/internal/logging"
	"github.com/avickers/meshtalk/internal/peer"
	"github.com/avickers/meshtalk/internal/signaling"
)

// link is the surface the coordinator needs from one peer link.
// *peer.Link satisfies it; tests substitute controlled fakes.
type link interface {
	Remote() identity.Participant
	Role() peer.Role
	State() peer.State
	ChannelOpen() bool
	Negotiate() error
	HandleOffer(payload signaling.OfferPayload) error
	HandleAnswer(payload signaling.AnswerPayload)
	HandleCandidate(payload signaling.CandidatePayload)
	Send(msg chat.Message) error
	Close()
}

// Coordinator reconciles the relay roster against the set of live peer
// links, routes inbound signaling to the link it belongs to, and fans
// outbound chat messages across every open channel.
//
// The link map is only ever touched from the session loop; the coordinator
// has no locking of its own.
type Coordinator struct {
	cfg  *config.Config
	self identity.Participant

	links map[string]link

	exec   func(func())
	events peer.Events

	log *slog.Logger
}

// New builds an empty coordinator. Link events flow through the supplied
// peer.Events sinks; exec posts pion callbacks onto the session loop.
func New(cfg *config.Config, self identity.Participant, exec func(func()), events peer.Events) *Coordinator {
	c := &Coordinator{
		cfg:    cfg,
		self:   self,
		links:  make(map[string]link),
		exec:   exec,
		log:    logging.Component("mesh").With("self", self.ID),
		events: events,
	}

	// Wrap the state sink so terminal links always leave the map, no
	// matter which path (failure, roster removal, remote close) got there.
	inner := events.StateChanged
	c.events.StateChanged = func(remote identity.Participant, state peer.State) {
		if state.Terminal() {
			delete(c.links, remote.ID)
		}
		if inner != nil {
			inner(remote, state)
		}
	}

	return c
}

// Reconcile makes the link set match a roster snapshot: initiator links are
// created for unknown remote ids, and links whose id left the roster are
// torn down. One snapshot is applied atomically before control yields back
// to the loop.
func (c *Coordinator) Reconcile(roster identity.Roster) {
	for _, p := range roster.Peers(c.self.ID) {
		if _, exists := c.links[p.ID]; exists {
			continue
		}
		if err := c.createLink(p, peer.RoleInitiator); err != nil {
			c.log.Warn("failed to initiate link", "remote", p.ID, "err", err)
		}
	}

	for id, link := range c.links {
		if !roster.Contains(id) {
			c.log.Debug("roster dropped peer, tearing down", "remote", id)
			link.Close()
			delete(c.links, id)
		}
	}
}

// Route dispatches one inbound signaling message by sender id.
func (c *Coordinator) Route(msg *signaling.Message) {
	if msg.SenderID == c.self.ID {
		// Defensive: the relay should never reflect our own signaling.
		c.log.Warn("ignoring self-addressed signaling", "type", msg.Type)
		return
	}

	switch msg.Type {
	case signaling.MessageTypeOffer:
		c.routeOffer(msg)

	case signaling.MessageTypeAnswer:
		link, ok := c.links[msg.SenderID]
		if !ok {
			c.log.Warn("answer from unknown peer, dropping", "remote", msg.SenderID)
			return
		}
		var payload signaling.AnswerPayload
		if err := msg.DecodePayload(&payload); err != nil {
			c.log.Warn("malformed answer, dropping", "remote", msg.SenderID, "err", err)
			return
		}
		link.HandleAnswer(payload)

	case signaling.MessageTypeICE:
		link, ok := c.links[msg.SenderID]
		if !ok {
			// Candidates routinely outlive their link; benign.
			c.log.Debug("candidate for unknown peer, dropping", "remote", msg.SenderID)
			return
		}
		var payload signaling.CandidatePayload
		if err := msg.DecodePayload(&payload); err != nil {
			c.log.Warn("malformed candidate, dropping", "remote", msg.SenderID, "err", err)
			return
		}
		link.HandleCandidate(payload)

	default:
		c.log.Warn("unroutable signaling message", "type", msg.Type)
	}
}

func (c *Coordinator) routeOffer(msg *signaling.Message) {
	var payload signaling.OfferPayload
	if err := msg.DecodePayload(&payload); err != nil {
		c.log.Warn("malformed offer, dropping", "remote", msg.SenderID, "err", err)
		return
	}

	if existing, ok := c.links[msg.SenderID]; ok {
		if !c.yieldOnGlare(existing) {
			return
		}
		// Our initiation loses the tie-break: abandon it and answer theirs.
		existing.Close()
		delete(c.links, msg.SenderID)
	}

	remote := identity.Participant{ID: msg.SenderID, DisplayName: payload.SenderName}
	l, err := c.newLink(remote, peer.RoleResponder)
	if err != nil {
		c.log.Warn("failed to create responder link", "remote", remote.ID, "err", err)
		return
	}
	c.links[remote.ID] = l

	if err := l.HandleOffer(payload); err != nil {
		c.log.Warn("failed to answer offer", "remote", remote.ID, "err", err)
		delete(c.links, remote.ID)
	}
}

// yieldOnGlare decides whether an inbound offer displaces an existing link
// for the same remote id. Both sides apply the same rule, so exactly one of
// the two simultaneous initiations survives: the lexicographically smaller
// id keeps its offer, the larger id yields and answers.
func (c *Coordinator) yieldOnGlare(existing link) bool {
	if existing.Role() != peer.RoleInitiator || existing.State() == peer.StateConnected {
		// A renegotiation offer against a responder link or an established
		// link is not glare; drop it.
		c.log.Warn("offer for already-linked peer, dropping", "remote", existing.Remote().ID)
		return false
	}

	if c.self.ID < existing.Remote().ID {
		c.log.Debug("glare: keeping own offer", "remote", existing.Remote().ID)
		return false
	}
	c.log.Debug("glare: yielding to remote offer", "remote", existing.Remote().ID)
	return true
}

// createLink builds an initiator link and starts its negotiation.
func (c *Coordinator) createLink(remote identity.Participant, role peer.Role) error {
	l, err := c.newLink(remote, role)
	if err != nil {
		return err
	}
	c.links[remote.ID] = l

	if err := l.Negotiate(); err != nil {
		delete(c.links, remote.ID)
		return err
	}
	return nil
}

func (c *Coordinator) newLink(remote identity.Participant, role peer.Role) (link, error) {
	if remote.ID == c.self.ID {
		return nil, fmt.Errorf("link to self requested: %s", remote.ID)
	}
	l, err := peer.NewLink(c.cfg, c.self, remote, role, c.exec, c.events)
	if err != nil {
		return nil, err
	}
	return l, nil
}

// Report summarizes one broadcast fan-out. Zero open channels ("you are
// alone") is a different condition from open channels that all failed to
// send, and callers act on them differently.
type Report struct {
	Open      int
	Delivered int
	Failed    int
}

// NoPeers reports that no channel was open to send on.
func (r Report) NoPeers() bool { return r.Open == 0 }

// AllFailed reports that channels were open but every send failed.
func (r Report) AllFailed() bool { return r.Open > 0 && r.Delivered == 0 }

// Broadcast sends one chat message on every link whose channel is open.
// Closed channels are skipped, individual send failures don't stop the
// fan-out.
func (c *Coordinator) Broadcast(msg chat.Message) Report {
	var report Report
	for _, link := range c.links {
		if !link.ChannelOpen() {
			continue
		}
		report.Open++
		if err := link.Send(msg); err != nil {
			c.log.Warn("broadcast send failed", "remote", link.Remote().ID, "err", err)
			report.Failed++
			continue
		}
		report.Delivered++
	}
	return report
}

// ChannelOpen reports whether the data channel to a remote id is usable.
func (c *Coordinator) ChannelOpen(remoteID string) bool {
	link, ok := c.links[remoteID]
	return ok && link.ChannelOpen()
}

// Link returns the live link for a remote id, if any.
func (c *Coordinator) Link(remoteID string) (link, bool) {
	l, ok := c.links[remoteID]
	return l, ok
}

// LinkStates snapshots every live link's state, keyed by remote id. This is
// the introspection surface tests and the UI status line read.
func (c *Coordinator) LinkStates() map[string]peer.State {
	states := make(map[string]peer.State, len(c.links))
	for id, link := range c.links {
		states[id] = link.State()
	}
	return states
}

// TeardownAll closes every link; used on session leave.
func (c *Coordinator) TeardownAll() {
	for id, link := range c.links {
		link.Close()
		delete(c.links, id)
	}
}
