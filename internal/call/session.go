package call

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// State is the lifecycle position of a Session.
type State string

const (
	StateRinging    State = "ringing"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateEnded      State = "ended"
	StateRejected   State = "rejected"
	StateFailed     State = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateEnded || s == StateRejected || s == StateFailed
}

// transitions is the whole graph. Anything not listed is refused.
var transitions = map[State][]State{
	StateRinging:    {StateConnecting, StateRejected, StateEnded, StateFailed},
	StateConnecting: {StateConnected, StateRejected, StateEnded, StateFailed},
	StateConnected:  {StateEnded, StateFailed},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Session is one call attempt between this device and a peer.
type Session struct {
	id        string
	callType  Type
	direction Direction
	peer      PeerUser

	mu          sync.Mutex
	state       State
	offer       *webrtc.SessionDescription
	answer      *webrtc.SessionDescription
	accepted    bool // outgoing: the callee accepted
	holding     bool // incoming: peer candidates are held, not published
	held        []webrtc.ICECandidateInit
	reason      string
	startedAt   time.Time
	connectedAt time.Time
	endedAt     time.Time
}

func newSession(id string, t Type, dir Direction, peer PeerUser, now time.Time) *Session {
	st := StateRinging
	if dir == Outbound {
		st = StateConnecting
	}
	return &Session{
		id:        id,
		callType:  t,
		direction: dir,
		peer:      peer,
		state:     st,
		holding:   dir == Inbound,
		startedAt: now,
	}
}

func (s *Session) ID() string           { return s.id }
func (s *Session) Type() Type           { return s.callType }
func (s *Session) Direction() Direction { return s.direction }
func (s *Session) Peer() PeerUser       { return s.peer }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Offer returns the SDP offer seen for this call, if any.
func (s *Session) Offer() (webrtc.SessionDescription, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offer == nil {
		return webrtc.SessionDescription{}, false
	}
	return *s.offer, true
}

// Answer returns the SDP answer seen for this call, if any.
func (s *Session) Answer() (webrtc.SessionDescription, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.answer == nil {
		return webrtc.SessionDescription{}, false
	}
	return *s.answer, true
}

func (s *Session) setOffer(d webrtc.SessionDescription) {
	s.mu.Lock()
	s.offer = &d
	s.mu.Unlock()
}

func (s *Session) setAnswer(d webrtc.SessionDescription) {
	s.mu.Lock()
	s.answer = &d
	s.mu.Unlock()
}

// hold keeps c for TakeCandidates and reports whether it did. Once the
// candidates were taken nothing is held and the caller publishes c instead.
func (s *Session) hold(cands ...webrtc.ICECandidateInit) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.holding {
		return false
	}
	for _, c := range cands {
		if len(s.held) >= maxHeldCandidates {
			log.Warnf("call %s: dropping candidate, %d already held", s.id, len(s.held))
			break
		}
		s.held = append(s.held, c)
	}
	return true
}

func (s *Session) takeHeld() []webrtc.ICECandidateInit {
	s.mu.Lock()
	defer s.mu.Unlock()
	held := s.held
	s.held = nil
	s.holding = false
	return held
}

func (s *Session) markAccepted() {
	s.mu.Lock()
	s.accepted = true
	s.mu.Unlock()
}

func (s *Session) wasAccepted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// transition moves the session to `to`, stamping connectedAt/endedAt.
func (s *Session) transition(to State, reason string, now time.Time) error {
	return s.transitionFrom("", to, reason, now)
}

// transitionFrom is transition guarded by the expected current state.
// An empty from accepts any current state.
func (s *Session) transitionFrom(from, to State, reason string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if from != "" && s.state != from {
		return fmt.Errorf("%w: call %s is %s, not %s", ErrInvalidTransition, s.id, s.state, from)
	}
	if s.state == to && to == StateConnected {
		return nil
	}
	if !canTransition(s.state, to) {
		return fmt.Errorf("%w: %s -> %s (call %s)", ErrInvalidTransition, s.state, to, s.id)
	}
	s.state = to
	switch {
	case to == StateConnected:
		s.connectedAt = now
	case to.Terminal():
		s.endedAt = now
		s.reason = reason
	}
	return nil
}

// Info is a point-in-time copy of a session, safe to serialize.
type Info struct {
	ID          string    `json:"callId"`
	Type        Type      `json:"callType"`
	Direction   Direction `json:"direction"`
	Peer        PeerUser  `json:"peerUser"`
	State       State     `json:"state"`
	Reason      string    `json:"reason,omitempty"`
	StartedAt   time.Time `json:"startedAt"`
	ConnectedAt time.Time `json:"connectedAt,omitempty"`
	EndedAt     time.Time `json:"endedAt,omitempty"`
}

// Info snapshots the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:          s.id,
		Type:        s.callType,
		Direction:   s.direction,
		Peer:        s.peer,
		State:       s.state,
		Reason:      s.reason,
		StartedAt:   s.startedAt,
		ConnectedAt: s.connectedAt,
		EndedAt:     s.endedAt,
	}
}
