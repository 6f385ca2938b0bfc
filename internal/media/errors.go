package media

import (
	"errors"
	"fmt"
)

var (
	ErrStreamAcquired      = errors.New("media: local stream already acquired")
	ErrNoLocalStream       = errors.New("media: no local stream")
	ErrNoConnection        = errors.New("media: connection not initialized")
	ErrConnectionExists    = errors.New("media: connection already initialized")
	ErrNoRemoteDescription = errors.New("media: remote description not applied")
	ErrReleased            = errors.New("media: handle released")
	ErrHandleBusy          = errors.New("media: previous handle not released")
)

// AcquisitionReason classifies a capture failure for the UI.
type AcquisitionReason string

const (
	ReasonPermissionDenied AcquisitionReason = "permission-denied"
	ReasonNoDevice         AcquisitionReason = "no-device"
	ReasonUnavailable      AcquisitionReason = "unavailable"
)

// MediaAcquisitionError is returned when the microphone or camera cannot be
// opened.
type MediaAcquisitionError struct {
	Reason AcquisitionReason
	Err    error
}

func (e *MediaAcquisitionError) Error() string {
	return fmt.Sprintf("media acquisition (%s): %v", e.Reason, e.Err)
}

func (e *MediaAcquisitionError) Unwrap() error { return e.Err }

// NegotiationError wraps a failure while building or applying a session
// description or candidate.
type NegotiationError struct {
	Op  string
	Err error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation: %s: %v", e.Op, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }
