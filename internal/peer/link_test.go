package peer

import (
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/avickers/meshtalk/internal/chat"
	"github.com/avickers/meshtalk/internal/config"
	"github.com/avickers/meshtalk/internal/identity"
	"github.com/avickers/meshtalk/internal/signaling"
)

// testLoop serializes link access the way the session loop does.
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

// do runs f on the loop and waits for it.
func (l *testLoop) do(f func()) {
	done := make(chan struct{})
	l.exec(func() {
		f()
		close(done)
	})
	<-done
}

// recorder captures link events for assertions.
type recorder struct {
	mu      sync.Mutex
	signals []recordedSignal
	states  []State
}

type recordedSignal struct {
	msgType  string
	targetID string
	payload  any
}

func (r *recorder) events() Events {
	return Events{
		Signal: func(msgType, targetID string, payload any) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.signals = append(r.signals, recordedSignal{msgType, targetID, payload})
		},
		StateChanged: func(_ identity.Participant, state State) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.states = append(r.states, state)
		},
		ChannelOpen: func(identity.Participant) {},
		Message:     func(identity.Participant, chat.Message) {},
		Warning:     func(identity.Participant, error) {},
	}
}

func (r *recorder) signalsOfType(msgType string) []recordedSignal {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []recordedSignal
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

var (
	alice = identity.Participant{ID: "id-alice", DisplayName: "Alice"}
	bob   = identity.Participant{ID: "id-bob", DisplayName: "Bob"}
)

func TestNewLinkRejectsSelf(t *testing.T) {
	loop := newTestLoop(t)
	rec := &recorder{}

	_, err := NewLink(testConfig(), alice, alice, RoleInitiator, loop.exec, rec.events())
	require.ErrorIs(t, err, ErrSelfLink)
}

func TestInitiatorNegotiateEmitsOffer(t *testing.T) {
	loop := newTestLoop(t)
	rec := &recorder{}

	var link *Link
	loop.do(func() {
		var err error
		link, err = NewLink(testConfig(), alice, bob, RoleInitiator, loop.exec, rec.events())
		require.NoError(t, err)
		require.Equal(t, StateNew, link.State())

		require.NoError(t, link.Negotiate())
		require.Equal(t, StateNegotiating, link.State())
	})
	defer loop.do(link.Close)

	offers := rec.signalsOfType(signaling.MessageTypeOffer)
	require.Len(t, offers, 1)
	require.Equal(t, bob.ID, offers[0].targetID)

	payload, ok := offers[0].payload.(signaling.OfferPayload)
	require.True(t, ok)
	require.Equal(t, "Alice", payload.SenderName, "offer must carry the local display name")
	require.NotEmpty(t, payload.SDP)
}

func TestResponderAnswersOffer(t *testing.T) {
	loopA := newTestLoop(t)
	recA := &recorder{}
	var offerSDP string
	var linkA *Link
	loopA.do(func() {
		var err error
		linkA, err = NewLink(testConfig(), alice, bob, RoleInitiator, loopA.exec, recA.events())
		require.NoError(t, err)
		require.NoError(t, linkA.Negotiate())
	})
	defer loopA.do(linkA.Close)
	offerSDP = recA.signalsOfType(signaling.MessageTypeOffer)[0].payload.(signaling.OfferPayload).SDP

	loopB := newTestLoop(t)
	recB := &recorder{}
	var linkB *Link
	loopB.do(func() {
		var err error
		linkB, err = NewLink(testConfig(), bob, alice, RoleResponder, loopB.exec, recB.events())
		require.NoError(t, err)
		require.NoError(t, linkB.HandleOffer(signaling.OfferPayload{SenderName: "Alice", SDP: offerSDP}))
		require.Equal(t, StateNegotiating, linkB.State())
	})
	defer loopB.do(linkB.Close)

	answers := recB.signalsOfType(signaling.MessageTypeAnswer)
	require.Len(t, answers, 1)
	require.Equal(t, alice.ID, answers[0].targetID)
	require.NotEmpty(t, answers[0].payload.(signaling.AnswerPayload).SDP)
}

func TestAnswerInWrongStateIsDroppedNotFatal(t *testing.T) {
	loop := newTestLoop(t)
	rec := &recorder{}

	var link *Link
	loop.do(func() {
		var err error
		link, err = NewLink(testConfig(), alice, bob, RoleResponder, loop.exec, rec.events())
		require.NoError(t, err)

		// A responder never awaits an answer.
		link.HandleAnswer(signaling.AnswerPayload{SDP: "bogus"})
		require.Equal(t, StateNew, link.State())
	})
	defer loop.do(link.Close)
}

func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	loopA := newTestLoop(t)
	recA := &recorder{}
	var linkA *Link
	loopA.do(func() {
		var err error
		linkA, err = NewLink(testConfig(), alice, bob, RoleInitiator, loopA.exec, recA.events())
		require.NoError(t, err)
		require.NoError(t, linkA.Negotiate())
	})
	defer loopA.do(linkA.Close)
	offerSDP := recA.signalsOfType(signaling.MessageTypeOffer)[0].payload.(signaling.OfferPayload).SDP

	loop := newTestLoop(t)
	rec := &recorder{}
	var link *Link
	loop.do(func() {
		var err error
		link, err = NewLink(testConfig(), bob, alice, RoleResponder, loop.exec, rec.events())
		require.NoError(t, err)

		candidate := webrtc.ICECandidateInit{
			Candidate: "candidate:1 1 udp 2130706431 127.0.0.1 54321 typ host",
		}
		link.HandleCandidate(signaling.CandidatePayload{Candidate: &candidate})
		require.Len(t, link.pendingCandidates, 1, "early candidate must be buffered")

		require.NoError(t, link.HandleOffer(signaling.OfferPayload{SenderName: "Alice", SDP: offerSDP}))
		require.Empty(t, link.pendingCandidates, "buffer must drain once the remote description is set")
	})
	defer loop.do(link.Close)
}

func TestNullCandidateSentinelIsBenign(t *testing.T) {
	loop := newTestLoop(t)
	rec := &recorder{}

	var link *Link
	loop.do(func() {
		var err error
		link, err = NewLink(testConfig(), alice, bob, RoleInitiator, loop.exec, rec.events())
		require.NoError(t, err)

		link.HandleCandidate(signaling.CandidatePayload{Candidate: nil})
		require.Empty(t, link.pendingCandidates)
		require.Equal(t, StateNew, link.State())
	})
	defer loop.do(link.Close)
}

func TestCloseIsIdempotentAndTerminal(t *testing.T) {
	loop := newTestLoop(t)
	rec := &recorder{}

	var link *Link
	loop.do(func() {
		var err error
		link, err = NewLink(testConfig(), alice, bob, RoleInitiator, loop.exec, rec.events())
		require.NoError(t, err)

		link.Close()
		require.Equal(t, StateClosed, link.State())

		link.Close()
		require.Equal(t, StateClosed, link.State())

		// A terminal link is never reused for a new negotiation.
		require.Error(t, link.Negotiate())
		require.Equal(t, StateClosed, link.State())
	})
}

func TestTransportFailureIsTerminal(t *testing.T) {
	loop := newTestLoop(t)
	rec := &recorder{}

	var link *Link
	loop.do(func() {
		var err error
		link, err = NewLink(testConfig(), alice, bob, RoleInitiator, loop.exec, rec.events())
		require.NoError(t, err)
		require.NoError(t, link.Negotiate())

		link.onConnectionState(webrtc.PeerConnectionStateFailed)
		require.Equal(t, StateFailed, link.State())

		// Terminal: later transport callbacks change nothing.
		link.onConnectionState(webrtc.PeerConnectionStateConnected)
		require.Equal(t, StateFailed, link.State())
	})

	require.Contains(t, rec.states, StateFailed)
}

func TestSendRequiresOpenChannel(t *testing.T) {
	loop := newTestLoop(t)
	rec := &recorder{}

	var link *Link
	loop.do(func() {
		var err error
		link, err = NewLink(testConfig(), alice, bob, RoleInitiator, loop.exec, rec.events())
		require.NoError(t, err)
	})
	defer loop.do(link.Close)

	err := link.Send(chat.NewMessage(alice.ID, alice.DisplayName, "hello"))
	require.ErrorIs(t, err, ErrChannelNotOpen)
}
