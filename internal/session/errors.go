package session

import "errors"

var (
	ErrJoinInFlight = errors.New("a join is already in progress")
	ErrNotConnected = errors.New("not connected")
	ErrTornDown     = errors.New("session was torn down")
)

// ErrorKind is the machine-checkable half of every error surfaced to the UI;
// the reason string is the human-readable half. Raw transport errors never
// cross this boundary.
type ErrorKind string

const (
	// KindTransport covers relay failures: connect failure, unexpected
	// disconnect, malformed relay traffic. Non-fatal to the process; the
	// session moves to failed and the user may retry.
	KindTransport ErrorKind = "transport"

	// KindNegotiation covers per-peer setup failures. Scoped to one link,
	// never the session.
	KindNegotiation ErrorKind = "negotiation"

	// KindChannel covers send failures on an open data channel.
	KindChannel ErrorKind = "channel"

	// KindState covers locally rejected operations, like sending while not
	// connected.
	KindState ErrorKind = "state"
)
