package session

import (
	"fmt"
	"log/slog"

	"github.com/avickers/meshtalk/internal/chat"
	"github.com/avickers/meshtalk/internal/config"
	"github.com/avickers/meshtalk/internal/identity"
	"github.com/avickers/meshtalk/internal/logging"
	"github.com/avickers/meshtalk/internal/mesh"
	"github.com/avickers/meshtalk/internal/peer"
	"github.com/avickers/meshtalk/internal/signaling"
)

// State is the session lifecycle: idle -> joining -> active, active -> idle
// on leave, joining|active -> failed on relay loss, failed -> joining on
// retry.
type State int

const (
	StateIdle State = iota
	StateJoining
	StateActive
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateJoining:
		return "joining"
	case StateActive:
		return "active"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Callbacks is everything the UI layer subscribes to, handed over at
// construction. All callbacks run on the session loop: they must return
// promptly and must not call back into the session synchronously.
type Callbacks struct {
	// Connected fires when a join completes, i.e. the relay confirmed the
	// rendezvous channel. A lone participant is a valid active session.
	Connected func(self identity.Participant)

	// Disconnected fires when the session ends, by leave or by relay loss.
	Disconnected func()

	// RosterChanged delivers each roster snapshot plus the joined/left
	// delta against the previous one.
	RosterChanged func(roster identity.Roster, delta identity.Delta)

	// MessageReceived delivers each inbound chat message, after self-echo
	// suppression and duplicate-id filtering.
	MessageReceived func(msg chat.Message)

	// Error surfaces every non-fatal error with a machine-checkable kind
	// and a human-readable reason.
	Error func(kind ErrorKind, reason string)
}

// Session is the single entry point the UI talks to. It owns the relay
// client, the mesh, and the local identity for one join, and serializes all
// state onto one event-loop goroutine: external inputs (relay traffic, pion
// callbacks, UI calls) are posted onto the loop, and every async
// continuation re-checks the session generation before touching anything,
// so a fast leave-then-rejoin can never be corrupted by a stale callback.
type Session struct {
	cfg *config.Config
	cb  Callbacks

	loop chan func()
	quit chan struct{}

	// Everything below is owned by the loop goroutine.
	state  State
	gen    uint64
	self   identity.Participant
	client *signaling.Client
	coord  *mesh.Coordinator
	roster identity.Roster
	seen   map[string]struct{}

	log *slog.Logger
}

// New creates an idle session and starts its event loop. Call Shutdown when
// the session object is no longer needed.
func New(cfg *config.Config, cb Callbacks) *Session {
	s := &Session{
		cfg:  cfg,
		cb:   cb,
		loop: make(chan func(), 64),
		quit: make(chan struct{}),
		log:  logging.Component("session"),
	}
	go s.run()
	return s
}

func (s *Session) run() {
	for {
		select {
		case f := <-s.loop:
			f()
		case <-s.quit:
			return
		}
	}
}

// post schedules f on the loop without waiting.
func (s *Session) post(f func()) {
	select {
	case s.loop <- f:
	case <-s.quit:
	}
}

// call runs f on the loop and waits for it.
func (s *Session) call(f func() error) error {
	done := make(chan error, 1)
	s.post(func() { done <- f() })
	select {
	case err := <-done:
		return err
	case <-s.quit:
		return ErrTornDown
	}
}

// execFor returns an executor bound to one session generation. Work posted
// through it is silently dropped once that generation is over, which is the
// liveness guard every async continuation runs behind.
func (s *Session) execFor(gen uint64) func(func()) {
	return func(f func()) {
		s.post(func() {
			if s.gen != gen {
				return
			}
			f()
		})
	}
}

// Join mints a fresh identity, connects to the relay, and activates the
// session once the relay confirms the rendezvous channel is live. A second
// join while one is in flight is rejected; joining again after leave or
// failure starts a brand new identity and link generation.
func (s *Session) Join(displayName string) (identity.Participant, error) {
	var (
		self identity.Participant
		gen  uint64
	)
	err := s.call(func() error {
		if s.state == StateJoining || s.state == StateActive {
			return ErrJoinInFlight
		}
		s.gen++
		gen = s.gen
		s.state = StateJoining
		s.self = identity.New(displayName)
		s.roster = nil
		s.seen = make(map[string]struct{})
		self = s.self
		return nil
	})
	if err != nil {
		return identity.Participant{}, err
	}

	// The dial is the async boundary: it happens off the loop, and its
	// continuation checks the generation before committing anything.
	client := signaling.NewClient(s.cfg.RelayURL, self)
	if dialErr := client.Open(); dialErr != nil {
		s.post(func() {
			if s.gen != gen || s.state != StateJoining {
				return
			}
			s.state = StateFailed
			s.emitError(KindTransport, fmt.Sprintf("could not reach relay: %v", dialErr))
		})
		return identity.Participant{}, fmt.Errorf("join: %w", dialErr)
	}

	err = s.call(func() error {
		if s.gen != gen || s.state != StateJoining {
			client.Close()
			return ErrTornDown
		}

		s.client = client
		s.coord = mesh.New(s.cfg, self, s.execFor(gen), s.linkEvents())

		handler := signaling.NewHandler(client, s.relayEvents(gen))
		go handler.Run()

		s.state = StateActive
		if s.cb.Connected != nil {
			s.cb.Connected(self)
		}
		return nil
	})
	if err != nil {
		client.Close()
		return identity.Participant{}, err
	}
	return self, nil
}

// relayEvents wires the relay client's event sinks back onto the loop.
func (s *Session) relayEvents(gen uint64) signaling.Events {
	exec := s.execFor(gen)
	return signaling.Events{
		RosterUpdate: func(roster identity.Roster) {
			exec(func() { s.onRoster(roster) })
		},
		Signal: func(msg *signaling.Message) {
			exec(func() { s.coord.Route(msg) })
		},
		TransportError: func(err error) {
			exec(func() {
				s.emitError(KindTransport, fmt.Sprintf("relay sent malformed data: %v", err))
			})
		},
		TransportClosed: func() {
			exec(func() { s.onRelayLost() })
		},
	}
}

// linkEvents are the sinks every peer link reports into. The mesh routes
// them through the generation-guarded executor, so they always run on the
// loop and only while their session generation is current.
func (s *Session) linkEvents() peer.Events {
	return peer.Events{
		Signal: func(msgType, targetID string, payload any) {
			if err := s.client.Send(msgType, targetID, payload); err != nil {
				s.log.Warn("failed to relay signaling", "type", msgType, "err", err)
			}
		},
		StateChanged: func(remote identity.Participant, state peer.State) {
			s.log.Debug("link state", "remote", remote.ID, "state", state.String())
			if state == peer.StateFailed {
				// One dead link is not a dead session.
				s.emitError(KindNegotiation,
					fmt.Sprintf("connection to %s failed", remote.DisplayName))
			}
		},
		ChannelOpen: func(remote identity.Participant) {
			s.log.Debug("channel open", "remote", remote.ID)
		},
		Message: func(remote identity.Participant, msg chat.Message) {
			s.onMessage(msg)
		},
		Warning: func(remote identity.Participant, err error) {
			s.log.Warn("link warning", "remote", remote.ID, "err", err)
		},
	}
}

// onRoster applies one roster snapshot: reconcile the mesh, then report the
// new roster with its delta. Runs on the loop.
func (s *Session) onRoster(roster identity.Roster) {
	if s.state != StateActive {
		return
	}

	delta := identity.Diff(s.roster, roster, s.self.ID)
	s.roster = roster
	s.coord.Reconcile(roster)

	if s.cb.RosterChanged != nil {
		s.cb.RosterChanged(roster, delta)
	}
}

// onMessage filters and delivers one inbound chat message. Runs on the loop.
func (s *Session) onMessage(msg chat.Message) {
	if msg.SenderID == s.self.ID {
		// Never surface our own messages echoed back.
		return
	}
	if _, dup := s.seen[msg.ID]; dup {
		return
	}
	s.seen[msg.ID] = struct{}{}

	if s.cb.MessageReceived != nil {
		s.cb.MessageReceived(msg)
	}
}

// onRelayLost handles the relay connection dying underneath an active
// session. Runs on the loop.
func (s *Session) onRelayLost() {
	if s.state != StateActive && s.state != StateJoining {
		return
	}
	s.log.Warn("relay connection lost")

	// Invalidate the generation first so continuations already queued behind
	// this one cannot touch the torn-down client or mesh.
	s.gen++
	s.teardown()
	s.state = StateFailed

	s.emitError(KindTransport, "lost connection to the relay service")
	if s.cb.Disconnected != nil {
		s.cb.Disconnected()
	}
}

// Send constructs a chat message and broadcasts it to every open link. The
// returned message is for immediate local display; the report tells the
// caller whether anyone was reachable.
func (s *Session) Send(text string) (chat.Message, mesh.Report, error) {
	var (
		msg    chat.Message
		report mesh.Report
	)
	err := s.call(func() error {
		if s.state != StateActive {
			s.emitError(KindState, "cannot send: no active session")
			return ErrNotConnected
		}
		msg = chat.NewMessage(s.self.ID, s.self.DisplayName, text)
		s.seen[msg.ID] = struct{}{}
		report = s.coord.Broadcast(msg)

		if report.AllFailed() {
			s.emitError(KindChannel, "message could not be delivered to any peer")
		}
		return nil
	})
	return msg, report, err
}

// Leave tears down every link and the relay connection. Idempotent; the
// session always ends idle no matter what state it was in.
func (s *Session) Leave() {
	_ = s.call(func() error {
		wasLive := s.state == StateActive || s.state == StateJoining
		s.gen++
		s.teardown()
		s.state = StateIdle

		if wasLive && s.cb.Disconnected != nil {
			s.cb.Disconnected()
		}
		return nil
	})
}

// teardown releases the mesh and relay resources. Runs on the loop.
func (s *Session) teardown() {
	if s.coord != nil {
		s.coord.TeardownAll()
		s.coord = nil
	}
	if s.client != nil {
		s.client.Close()
		s.client = nil
	}
	s.roster = nil
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	var state State
	_ = s.call(func() error {
		state = s.state
		return nil
	})
	return state
}

// Self returns the identity minted by the most recent join.
func (s *Session) Self() identity.Participant {
	var self identity.Participant
	_ = s.call(func() error {
		self = s.self
		return nil
	})
	return self
}

// Roster returns the latest roster snapshot.
func (s *Session) Roster() identity.Roster {
	var roster identity.Roster
	_ = s.call(func() error {
		roster = s.roster
		return nil
	})
	return roster
}

// Links snapshots the state of every live peer link, keyed by remote id.
// Diagnostics surface for tests and the UI status line.
func (s *Session) Links() map[string]peer.State {
	states := make(map[string]peer.State)
	_ = s.call(func() error {
		if s.coord != nil {
			states = s.coord.LinkStates()
		}
		return nil
	})
	return states
}

// ChannelOpen reports whether the chat channel to one peer is usable.
func (s *Session) ChannelOpen(remoteID string) bool {
	var open bool
	_ = s.call(func() error {
		if s.coord != nil {
			open = s.coord.ChannelOpen(remoteID)
		}
		return nil
	})
	return open
}

func (s *Session) emitError(kind ErrorKind, reason string) {
	s.log.Warn("session error", "kind", string(kind), "reason", reason)
	if s.cb.Error != nil {
		s.cb.Error(kind, reason)
	}
}

// Shutdown leaves if needed and stops the event loop. The session object is
// unusable afterwards.
func (s *Session) Shutdown() {
	s.Leave()
	close(s.quit)
}
