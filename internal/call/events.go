package call

import "github.com/pion/webrtc/v4"

// EventKind names one entry of the fixed event vocabulary.
type EventKind string

const (
	EventIncoming  EventKind = "call:incoming"
	EventCancelled EventKind = "call:cancelled"
	EventAccepted  EventKind = "call:accepted"
	EventRejected  EventKind = "call:rejected"
	EventEnded     EventKind = "call:ended"
	EventAnswer    EventKind = "call:answer"
	EventCandidate EventKind = "call:candidate"
)

// Event is the closed set of things the client publishes. Only the types in
// this file implement it.
type Event interface {
	Kind() EventKind
	Call() string
	event()
}

// IncomingCall is published when a remote offer rings this device.
type IncomingCall struct {
	CallID string
	Caller PeerUser
	Type   Type
	Offer  webrtc.SessionDescription
}

// Cancelled is published when the caller hangs up (or the ring times out)
// before the call was answered.
type Cancelled struct {
	CallID string
	Reason string
}

// Accepted is published when the callee accepted our outgoing call.
type Accepted struct {
	CallID string
}

// Rejected is published when the callee declined our outgoing call.
type Rejected struct {
	CallID string
	Reason string
}

// Ended is published when the remote side hung up an answered or dialing call.
type Ended struct {
	CallID string
	Reason string
}

// RemoteAnswer carries the callee's SDP answer.
type RemoteAnswer struct {
	CallID string
	Answer webrtc.SessionDescription
}

// RemoteCandidate carries one trickled ICE candidate from the peer.
type RemoteCandidate struct {
	CallID    string
	Candidate webrtc.ICECandidateInit
}

func (IncomingCall) Kind() EventKind    { return EventIncoming }
func (Cancelled) Kind() EventKind       { return EventCancelled }
func (Accepted) Kind() EventKind        { return EventAccepted }
func (Rejected) Kind() EventKind        { return EventRejected }
func (Ended) Kind() EventKind           { return EventEnded }
func (RemoteAnswer) Kind() EventKind    { return EventAnswer }
func (RemoteCandidate) Kind() EventKind { return EventCandidate }

func (e IncomingCall) Call() string    { return e.CallID }
func (e Cancelled) Call() string       { return e.CallID }
func (e Accepted) Call() string        { return e.CallID }
func (e Rejected) Call() string        { return e.CallID }
func (e Ended) Call() string           { return e.CallID }
func (e RemoteAnswer) Call() string    { return e.CallID }
func (e RemoteCandidate) Call() string { return e.CallID }

func (IncomingCall) event()    {}
func (Cancelled) event()       {}
func (Accepted) event()        {}
func (Rejected) event()        {}
func (Ended) event()           {}
func (RemoteAnswer) event()    {}
func (RemoteCandidate) event() {}

// Handler receives events of the kind it was registered for.
type Handler func(Event)

// Subscription identifies one registered handler.
type Subscription struct {
	id   uint64
	kind EventKind
}

// Subscriber is anything handlers can be registered on.
type Subscriber interface {
	On(kind EventKind, h Handler) Subscription
}

// Listen registers fn for the event type E. The kind is taken from E, so a
// handler can only ever be bound to an event that exists.
func Listen[E Event](s Subscriber, fn func(E)) Subscription {
	var zero E
	return s.On(zero.Kind(), func(ev Event) {
		if e, ok := ev.(E); ok {
			fn(e)
		}
	})
}
