package mesh

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/avickers/meshtalk/internal/chat"
	"github.com/avickers/meshtalk/internal/config"
	"github.com/avickers/meshtalk/internal/identity"
	"github.com/avickers/meshtalk/internal/peer"
	"github.com/avickers/meshtalk/internal/signaling"
)

type testLoop struct {
	ch   chan func()
	quit chan struct{}
}

func newTestLoop(t *testing.T) *testLoop {
	l := &testLoop{ch: make(chan func(), 64), quit: make(chan struct{})}
	go func() {
		for {
			select {
			case f := <-l.ch:
				f()
			case <-l.quit:
				return
			}
		}
	}()
	t.Cleanup(func() { close(l.quit) })
	return l
}

func (l *testLoop) exec(f func()) {
	select {
	case l.ch <- f:
	case <-l.quit:
	}
}

func (l *testLoop) do(f func()) {
	done := make(chan struct{})
	l.exec(func() {
		f()
		close(done)
	})
	<-done
}

type signalRecorder struct {
	mu      sync.Mutex
	signals []outSignal
}

type outSignal struct {
	msgType  string
	targetID string
	payload  any
}

func (r *signalRecorder) sink(msgType, targetID string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals = append(r.signals, outSignal{msgType, targetID, payload})
}

func (r *signalRecorder) ofType(msgType string) []outSignal {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []outSignal
	for _, s := range r.signals {
		if s.msgType == msgType {
			out = append(out, s)
		}
	}
	return out
}

func testConfig() *config.Config {
	return &config.Config{
		STUNServers:        []string{"stun:stun.l.google.com:19302"},
		NegotiationTimeout: 30 * time.Second,
	}
}

func newTestCoordinator(t *testing.T, selfID string) (*Coordinator, *testLoop, *signalRecorder) {
	loop := newTestLoop(t)
	rec := &signalRecorder{}
	self := identity.Participant{ID: selfID, DisplayName: "Self"}

	c := New(testConfig(), self, loop.exec, peer.Events{
		Signal:       rec.sink,
		StateChanged: func(identity.Participant, peer.State) {},
		ChannelOpen:  func(identity.Participant) {},
		Message:      func(identity.Participant, chat.Message) {},
		Warning:      func(identity.Participant, error) {},
	})
	t.Cleanup(func() { loop.do(c.TeardownAll) })
	return c, loop, rec
}

func signalMessage(t *testing.T, msgType, senderID, targetID string, payload any) *signaling.Message {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return &signaling.Message{Type: msgType, SenderID: senderID, TargetID: targetID, Payload: raw}
}

// captureOffer builds an initiator elsewhere and returns its offer SDP, so
// routing tests have a real offer to deliver.
func captureOffer(t *testing.T, fromID, toID string) string {
	t.Helper()
	loop := newTestLoop(t)
	rec := &signalRecorder{}

	var link *peer.Link
	loop.do(func() {
		var err error
		link, err = peer.NewLink(testConfig(),
			identity.Participant{ID: fromID, DisplayName: "Remote"},
			identity.Participant{ID: toID, DisplayName: "Self"},
			peer.RoleInitiator, loop.exec, peer.Events{
				Signal:       rec.sink,
				StateChanged: func(identity.Participant, peer.State) {},
				ChannelOpen:  func(identity.Participant) {},
				Message:      func(identity.Participant, chat.Message) {},
				Warning:      func(identity.Participant, error) {},
			})
		require.NoError(t, err)
		require.NoError(t, link.Negotiate())
	})
	t.Cleanup(func() { loop.do(link.Close) })

	offers := rec.ofType(signaling.MessageTypeOffer)
	require.Len(t, offers, 1)
	return offers[0].payload.(signaling.OfferPayload).SDP
}

func TestReconcileCreatesInitiatorLink(t *testing.T) {
	// Scenario: roster [u1] arrives at client u2.
	c, loop, rec := newTestCoordinator(t, "u2")

	loop.do(func() {
		c.Reconcile(identity.Roster{
			{ID: "u1", DisplayName: "Alice"},
			{ID: "u2", DisplayName: "Self"},
		})

		link, ok := c.Link("u1")
		require.True(t, ok)
		require.Equal(t, peer.RoleInitiator, link.Role())

		_, selfLinked := c.Link("u2")
		require.False(t, selfLinked, "must never link to own id")
	})

	require.Len(t, rec.ofType(signaling.MessageTypeOffer), 1)
}

func TestReconcileConvergesToRoster(t *testing.T) {
	c, loop, _ := newTestCoordinator(t, "self")

	loop.do(func() {
		c.Reconcile(identity.Roster{{ID: "u1"}, {ID: "u3"}})
		require.Len(t, c.LinkStates(), 2)

		// Whatever the previous roster was, the link set equals the new
		// snapshot minus self.
		c.Reconcile(identity.Roster{{ID: "u1"}, {ID: "self"}})
		states := c.LinkStates()
		require.Len(t, states, 1)
		require.Contains(t, states, "u1")
	})
}

func TestReconcileKeepsExistingLinks(t *testing.T) {
	c, loop, rec := newTestCoordinator(t, "self")

	loop.do(func() {
		c.Reconcile(identity.Roster{{ID: "u1"}})
		first, _ := c.Link("u1")

		c.Reconcile(identity.Roster{{ID: "u1"}})
		second, _ := c.Link("u1")
		require.Same(t, first, second, "re-applied roster must not rebuild links")
	})

	require.Len(t, rec.ofType(signaling.MessageTypeOffer), 1)
}

func TestRouteOfferCreatesResponderAndAnswers(t *testing.T) {
	// Scenario: u2 sends an offer to u1, which has no link for it.
	offerSDP := captureOffer(t, "u2", "u1")
	c, loop, rec := newTestCoordinator(t, "u1")

	loop.do(func() {
		c.Route(signalMessage(t, signaling.MessageTypeOffer, "u2", "u1",
			signaling.OfferPayload{SenderName: "Bob", SDP: offerSDP}))

		link, ok := c.Link("u2")
		require.True(t, ok)
		require.Equal(t, peer.RoleResponder, link.Role())
		require.Equal(t, "Bob", link.Remote().DisplayName,
			"responder must attribute the link from the offer payload")
	})

	answers := rec.ofType(signaling.MessageTypeAnswer)
	require.Len(t, answers, 1)
	require.Equal(t, "u2", answers[0].targetID)
}

func TestGlareSmallerIDKeepsItsOffer(t *testing.T) {
	offerSDP := captureOffer(t, "zz-remote", "aa-self")
	c, loop, rec := newTestCoordinator(t, "aa-self")

	loop.do(func() {
		c.Reconcile(identity.Roster{{ID: "zz-remote"}})
		mine, _ := c.Link("zz-remote")
		require.Equal(t, peer.RoleInitiator, mine.Role())

		c.Route(signalMessage(t, signaling.MessageTypeOffer, "zz-remote", "aa-self",
			signaling.OfferPayload{SenderName: "Z", SDP: offerSDP}))

		after, ok := c.Link("zz-remote")
		require.True(t, ok)
		require.Same(t, mine, after, "smaller id must keep its own initiation")
	})

	require.Empty(t, rec.ofType(signaling.MessageTypeAnswer))
}

func TestGlareLargerIDYieldsToRemoteOffer(t *testing.T) {
	offerSDP := captureOffer(t, "aa-remote", "zz-self")
	c, loop, rec := newTestCoordinator(t, "zz-self")

	loop.do(func() {
		c.Reconcile(identity.Roster{{ID: "aa-remote"}})
		mine, _ := c.Link("aa-remote")
		require.Equal(t, peer.RoleInitiator, mine.Role())

		c.Route(signalMessage(t, signaling.MessageTypeOffer, "aa-remote", "zz-self",
			signaling.OfferPayload{SenderName: "A", SDP: offerSDP}))

		after, ok := c.Link("aa-remote")
		require.True(t, ok)
		require.NotSame(t, mine, after, "larger id must abandon its initiation")
		require.Equal(t, peer.RoleResponder, after.Role())
		require.Equal(t, peer.StateClosed, mine.State())
	})

	require.Len(t, rec.ofType(signaling.MessageTypeAnswer), 1)
}

func TestRouteIgnoresSelfAddressedSignaling(t *testing.T) {
	c, loop, _ := newTestCoordinator(t, "self")

	loop.do(func() {
		c.Route(signalMessage(t, signaling.MessageTypeOffer, "self", "self",
			signaling.OfferPayload{SenderName: "Me", SDP: "x"}))
		require.Empty(t, c.LinkStates())
	})
}

func TestRouteDropsStrayAnswerAndCandidate(t *testing.T) {
	c, loop, _ := newTestCoordinator(t, "self")

	loop.do(func() {
		// Neither may crash or create state.
		c.Route(signalMessage(t, signaling.MessageTypeAnswer, "ghost", "self",
			signaling.AnswerPayload{SDP: "x"}))
		c.Route(signalMessage(t, signaling.MessageTypeICE, "ghost", "self",
			signaling.CandidatePayload{}))
		require.Empty(t, c.LinkStates())
	})
}

func TestTerminalLinkLeavesTheMap(t *testing.T) {
	c, loop, _ := newTestCoordinator(t, "self")

	loop.do(func() {
		c.Reconcile(identity.Roster{{ID: "u1"}})
		link, ok := c.Link("u1")
		require.True(t, ok)

		link.Close()
		_, still := c.Link("u1")
		require.False(t, still, "terminal links must be removed from the mesh")
	})
}

func TestBroadcastDistinguishesNoPeers(t *testing.T) {
	c, loop, _ := newTestCoordinator(t, "self")

	loop.do(func() {
		report := c.Broadcast(chat.NewMessage("self", "Self", "anyone?"))
		require.True(t, report.NoPeers())
		require.False(t, report.AllFailed())
	})
}

func TestBroadcastSkipsUnopenedChannels(t *testing.T) {
	c, loop, _ := newTestCoordinator(t, "self")

	loop.do(func() {
		c.Reconcile(identity.Roster{{ID: "u1"}, {ID: "u2"}})

		// Links exist but no channel is open yet; nothing to send on.
		report := c.Broadcast(chat.NewMessage("self", "Self", "hello"))
		require.Equal(t, 0, report.Open)
		require.True(t, report.NoPeers())
	})
}

func TestTeardownAllEmptiesTheMesh(t *testing.T) {
	c, loop, _ := newTestCoordinator(t, "self")

	loop.do(func() {
		c.Reconcile(identity.Roster{{ID: "u1"}, {ID: "u2"}, {ID: "u3"}})
		require.Len(t, c.LinkStates(), 3)

		c.TeardownAll()
		require.Empty(t, c.LinkStates())

		c.TeardownAll() // idempotent
		require.Empty(t, c.LinkStates())
	})
}

// stubLink stands in for a peer link whose channel is open but whose sends
// can be made to fail, which a real data channel won't do on demand.
type stubLink struct {
	remote  identity.Participant
	open    bool
	sendErr error
	sent    int
}

func (s *stubLink) Remote() identity.Participant               { return s.remote }
func (s *stubLink) Role() peer.Role                            { return peer.RoleInitiator }
func (s *stubLink) State() peer.State                          { return peer.StateConnected }
func (s *stubLink) ChannelOpen() bool                          { return s.open }
func (s *stubLink) Negotiate() error                           { return nil }
func (s *stubLink) HandleOffer(signaling.OfferPayload) error   { return nil }
func (s *stubLink) HandleAnswer(signaling.AnswerPayload)       {}
func (s *stubLink) HandleCandidate(signaling.CandidatePayload) {}
func (s *stubLink) Send(chat.Message) error                    { s.sent++; return s.sendErr }
func (s *stubLink) Close()                                     {}

func TestBroadcastAllFailedDistinctFromNoPeers(t *testing.T) {
	c, loop, _ := newTestCoordinator(t, "self")
	sendErr := errors.New("channel backpressure")

	loop.do(func() {
		c.links["u1"] = &stubLink{remote: identity.Participant{ID: "u1"}, open: true, sendErr: sendErr}
		c.links["u2"] = &stubLink{remote: identity.Participant{ID: "u2"}, open: true, sendErr: sendErr}

		report := c.Broadcast(chat.NewMessage("self", "Self", "hello"))
		require.Equal(t, 2, report.Open)
		require.Equal(t, 2, report.Failed)
		require.True(t, report.AllFailed())
		require.False(t, report.NoPeers())
	})
}

func TestBroadcastPartialFailureIsNeitherSignal(t *testing.T) {
	c, loop, _ := newTestCoordinator(t, "self")

	loop.do(func() {
		ok := &stubLink{remote: identity.Participant{ID: "u1"}, open: true}
		c.links["u1"] = ok
		c.links["u2"] = &stubLink{remote: identity.Participant{ID: "u2"}, open: true, sendErr: errors.New("send failed")}

		report := c.Broadcast(chat.NewMessage("self", "Self", "hello"))
		require.Equal(t, Report{Open: 2, Delivered: 1, Failed: 1}, report)
		require.False(t, report.AllFailed())
		require.False(t, report.NoPeers())
		require.Equal(t, 1, ok.sent)
	})
}
