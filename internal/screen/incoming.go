package screen

import (
	"context"
	"fmt"
	"sync"

	"github.com/petervdpas/callkit/internal/call"
)

// IncomingDeps are the collaborators of an Incoming controller.
type IncomingDeps struct {
	Signaling Signaling
	Ringer    Ringer
	Nav       Navigator
	Render    Renderer
}

// Incoming drives the ringing screen of one inbound call. It leaves through
// exactly one of Accept, Reject or a remote cancel; Unmount releases the
// ringer and the subscription whichever way it left.
type Incoming struct {
	p   IncomingParams
	sig Signaling
	rng Ringer
	nav Navigator
	out Renderer

	mu      sync.Mutex
	mounted bool
	left    bool
	ringing bool
	sub     call.Subscription
	view    View
}

func NewIncoming(p IncomingParams, d IncomingDeps) *Incoming {
	s := &Incoming{
		p:   p,
		sig: d.Signaling,
		rng: d.Ringer,
		nav: d.Nav,
		out: d.Render,
	}
	s.view = View{
		Screen:   RouteIncoming,
		CallID:   p.CallID,
		CallType: p.CallType,
		Peer:     p.Caller,
		Status:   StatusRinging,
		Message:  fmt.Sprintf("Incoming %s call", p.CallType),
		Pulse:    true,
	}
	return s
}

// View returns the current view.
func (s *Incoming) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

// Mount starts the ringer and listens for the caller hanging up.
func (s *Incoming) Mount() {
	s.mu.Lock()
	if s.mounted || s.left {
		s.mu.Unlock()
		return
	}
	s.mounted = true
	s.ringing = true
	s.sub = call.Listen(s.sig, s.onCancelled)
	v := s.view
	s.mu.Unlock()

	s.rng.Start()
	s.render(v)
	log.Infof("ringing for call %s from %s", s.p.CallID, s.p.Caller.ID)
}

// Accept answers the call. The ringer is stopped before signaling and before
// navigation; on success the screen is replaced by the Ongoing screen
// carrying the original offer.
func (s *Incoming) Accept(ctx context.Context) error {
	if !s.leave() {
		return call.ErrNoSession
	}
	s.stopRinging()

	if err := s.sig.AcceptCall(ctx, s.p.CallID, s.p.CallType); err != nil {
		log.Warnf("accept call %s: %v", s.p.CallID, err)
		s.setStatus(StatusFailed, failureMessage(err))
		s.nav.Back()
		return err
	}

	offer := s.p.Offer
	s.nav.Replace(OngoingParams{
		CallID:     s.p.CallID,
		CallType:   s.p.CallType,
		IsOutgoing: false,
		Offer:      &offer,
		OtherUser:  s.p.Caller,
	})
	return nil
}

// Reject declines the call. A failed send is logged only; the screen closes
// either way.
func (s *Incoming) Reject(ctx context.Context) {
	if !s.leave() {
		return
	}
	s.stopRinging()
	if err := s.sig.RejectCall(ctx, s.p.CallID); err != nil {
		log.Warnf("reject call %s: %v", s.p.CallID, err)
	}
	s.setStatus(StatusEnded, "Call declined")
	s.nav.Back()
}

func (s *Incoming) onCancelled(ev call.Cancelled) {
	if ev.CallID != s.p.CallID || !s.leave() {
		return
	}
	log.Infof("call %s cancelled by caller (%s)", ev.CallID, ev.Reason)
	s.stopRinging()
	msg := "Call cancelled"
	if ev.Reason == call.ReasonTimeout {
		msg = "Missed call"
	}
	s.setStatus(StatusEnded, msg)
	s.nav.Back()
}

// Unmount stops the ringer and drops the subscription. Safe to call more than
// once and on every exit path.
func (s *Incoming) Unmount() {
	s.mu.Lock()
	s.left = true
	mounted := s.mounted
	s.mounted = false
	sub := s.sub
	s.mu.Unlock()

	s.stopRinging()
	if mounted {
		s.sig.RemoveListener(sub)
	}
}

// leave claims the single exit of the screen.
func (s *Incoming) leave() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.left {
		return false
	}
	s.left = true
	return true
}

func (s *Incoming) stopRinging() {
	s.mu.Lock()
	was := s.ringing
	s.ringing = false
	s.view.Pulse = false
	s.mu.Unlock()
	if was {
		s.rng.Stop()
	}
}

func (s *Incoming) setStatus(st Status, msg string) {
	s.mu.Lock()
	s.view.Status = st
	s.view.Message = msg
	v := s.view
	s.mu.Unlock()
	s.render(v)
}

func (s *Incoming) render(v View) {
	if s.out != nil {
		s.out(v)
	}
}
