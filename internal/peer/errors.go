package peer

import (
	"errors"
	"fmt"
)

var (
	ErrSelfLink        = errors.New("refusing to link to own identity")
	ErrChannelNotOpen  = errors.New("data channel not open")
	ErrLinkTerminal    = errors.New("link already closed or failed")
	ErrUnexpectedState = errors.New("signaling message arrived in incompatible state")
)

// LinkError ties a failure to the negotiation step and remote peer it
// happened on.
type LinkError struct {
	Op     string
	Remote string
	Err    error
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("%s (peer %s): %v", e.Op, e.Remote, e.Err)
}

func (e *LinkError) Unwrap() error {
	return e.Err
}

func newError(op, remote string, err error) *LinkError {
	return &LinkError{Op: op, Remote: remote, Err: err}
}
