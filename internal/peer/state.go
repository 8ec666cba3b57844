package peer

// Role fixes which side of the negotiation this link plays. The side that
// saw the remote id appear in a roster initiates; the side that received an
// unsolicited offer responds. Roles never change after construction.
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "responder"
}

// State is the link's connection state. Failed and Closed are terminal: a
// link is never reused, a fresh one must be built to reconnect.
type State int

const (
	StateNew State = iota
	StateNegotiating
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Terminal reports whether the link can never carry traffic again.
func (s State) Terminal() bool {
	return s == StateFailed || s == StateClosed
}
