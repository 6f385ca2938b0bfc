package call

import (
	"errors"
	"fmt"
)

var (
	// ErrBusy is returned when a call is started while another is active.
	ErrBusy = errors.New("call: another call is active")
	// ErrNoSession is returned for operations on an unknown or finished call.
	ErrNoSession = errors.New("call: no such active call")
	// ErrInvalidTransition is returned when a state change is not on the graph.
	ErrInvalidTransition = errors.New("call: invalid state transition")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("call: client closed")
)

// SignalingError reports a signaling message that could not be delivered.
type SignalingError struct {
	Op     string // accept, reject, end, offer, answer, candidate
	CallID string
	Err    error
}

func (e *SignalingError) Error() string {
	return fmt.Sprintf("signaling %s for call %s: %v", e.Op, e.CallID, e.Err)
}

func (e *SignalingError) Unwrap() error { return e.Err }
