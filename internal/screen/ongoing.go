package screen

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/callkit/internal/call"
	"github.com/petervdpas/callkit/internal/media"
)

// DefaultDismissDelay is how long "Call declined" or "Call failed" stays up
// before the screen closes itself.
const DefaultDismissDelay = 2 * time.Second

// OngoingDeps are the collaborators of an Ongoing controller.
type OngoingDeps struct {
	Signaling Signaling
	Media     MediaSession
	Nav       Navigator
	Render    Renderer
	Clock     clock.Clock
	// Zero means DefaultDismissDelay.
	DismissDelay time.Duration
}

// Ongoing drives the screen of one call from setup to teardown. It owns the
// media session for its lifetime and releases it on every exit path.
type Ongoing struct {
	p      OngoingParams
	sig    Signaling
	med    MediaSession
	nav    Navigator
	out    Renderer
	clk    clock.Clock
	delay  time.Duration
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	mounted    bool
	closed     bool
	subs       []call.Subscription
	remoteSet  bool
	localVideo bool
	pending    []webrtc.ICECandidateInit
	ticker     *clock.Ticker
	tickerStop chan struct{}
	dismiss    *clock.Timer
	view       View
}

func NewOngoing(p OngoingParams, d OngoingDeps) *Ongoing {
	clk := d.Clock
	if clk == nil {
		clk = clock.New()
	}
	delay := d.DismissDelay
	if delay <= 0 {
		delay = DefaultDismissDelay
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Ongoing{
		p:      p,
		sig:    d.Signaling,
		med:    d.Media,
		nav:    d.Nav,
		out:    d.Render,
		clk:    clk,
		delay:  delay,
		ctx:    ctx,
		cancel: cancel,
	}
	s.view = View{
		Screen:   RouteOngoing,
		CallID:   p.CallID,
		CallType: p.CallType,
		Peer:     p.OtherUser,
		Outgoing: p.IsOutgoing,
		Status:   StatusConnecting,
		Message:  "Connecting…",
		VideoOff: p.CallType != call.Video,
	}
	if p.IsOutgoing {
		s.view.Status = StatusCalling
		s.view.Message = "Calling…"
	}
	return s
}

// View returns the current view.
func (s *Ongoing) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

// Mount sets up media and negotiation. It blocks until the offer (outgoing)
// or answer (incoming) is sent, so hosts run it on its own goroutine. Any
// failure shows "Call failed" and closes the screen after the dismiss delay;
// the error is returned for logging.
func (s *Ongoing) Mount(ctx context.Context) error {
	s.mu.Lock()
	if s.mounted || s.closed {
		s.mu.Unlock()
		return nil
	}
	s.mounted = true
	s.subs = []call.Subscription{
		call.Listen(s.sig, s.onAccepted),
		call.Listen(s.sig, s.onRejected),
		call.Listen(s.sig, s.onEnded),
		call.Listen(s.sig, s.onAnswer),
		call.Listen(s.sig, s.onCandidate),
	}
	if !s.p.IsOutgoing {
		// Candidates the caller sent while the phone was ringing.
		s.pending = append(s.pending, s.sig.TakeCandidates(s.p.CallID)...)
	}
	v := s.view
	s.mu.Unlock()
	s.render(v)

	ctx, cancel := mergeCancel(ctx, s.ctx)
	defer cancel()

	if err := s.setup(ctx); err != nil {
		if s.isClosed() {
			log.Debugf("call %s setup aborted: %v", s.p.CallID, err)
			return nil
		}
		s.fail(err)
		return err
	}
	return nil
}

func (s *Ongoing) setup(ctx context.Context) error {
	local, err := s.med.AcquireLocalStream(ctx, s.p.CallType == call.Video)
	if err != nil {
		return err
	}
	// A video call on a machine without a camera goes out audio only.
	hasVideo := local.HasVideo()
	s.mu.Lock()
	s.localVideo = hasVideo
	s.mu.Unlock()
	s.update(func(v *View) { v.VideoOff = !hasVideo })

	if err := s.med.InitializeConnection(s.onLocalCandidate, s.onRemoteStream); err != nil {
		return err
	}
	if err := s.med.AttachLocalTracks(); err != nil {
		return err
	}

	if s.p.IsOutgoing {
		offer, err := s.med.CreateOffer()
		if err != nil {
			return err
		}
		return s.sig.SendOffer(ctx, s.p.CallID, offer)
	}

	if s.p.Offer == nil {
		return &media.NegotiationError{Op: "answer", Err: errors.New("no offer to answer")}
	}
	if err := s.applyRemote(*s.p.Offer); err != nil {
		return err
	}
	answer, err := s.med.CreateAnswer()
	if err != nil {
		return err
	}
	if err := s.sig.SendAnswer(ctx, s.p.CallID, answer); err != nil {
		return err
	}
	s.connected()
	return nil
}

// applyRemote applies d and flushes candidates that arrived before it.
func (s *Ongoing) applyRemote(d webrtc.SessionDescription) error {
	if err := s.med.ApplyRemoteDescription(d); err != nil {
		return err
	}
	s.mu.Lock()
	s.remoteSet = true
	queued := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, c := range queued {
		if err := s.med.ApplyRemoteICECandidate(c); err != nil {
			log.Warnf("call %s: queued candidate: %v", s.p.CallID, err)
		}
	}
	return nil
}

func (s *Ongoing) onLocalCandidate(c webrtc.ICECandidateInit) {
	if err := s.sig.SendCandidate(s.ctx, s.p.CallID, c); err != nil {
		log.Debugf("call %s: send candidate: %v", s.p.CallID, err)
	}
}

func (s *Ongoing) onRemoteStream(rs *media.RemoteStream) {
	s.update(func(v *View) { v.RemoteVideo = rs.HasVideo() })
}

// ── Signaling events ────────────────────────────────────────────────────────

func (s *Ongoing) onAccepted(ev call.Accepted) {
	if ev.CallID != s.p.CallID {
		return
	}
	s.connected()
}

func (s *Ongoing) onAnswer(ev call.RemoteAnswer) {
	if ev.CallID != s.p.CallID || s.isClosed() {
		return
	}
	if err := s.applyRemote(ev.Answer); err != nil {
		s.fail(err)
		return
	}
	s.connected()
}

func (s *Ongoing) onCandidate(ev call.RemoteCandidate) {
	if ev.CallID != s.p.CallID {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if !s.remoteSet {
		s.pending = append(s.pending, ev.Candidate)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	if err := s.med.ApplyRemoteICECandidate(ev.Candidate); err != nil {
		log.Warnf("call %s: remote candidate: %v", s.p.CallID, err)
	}
}

func (s *Ongoing) onRejected(ev call.Rejected) {
	if ev.CallID != s.p.CallID {
		return
	}
	log.Infof("call %s declined (%s)", ev.CallID, ev.Reason)
	msg := "Call declined"
	if ev.Reason == call.ReasonBusy {
		msg = "Line busy"
	}
	s.dismissAfter(StatusDeclined, msg)
}

func (s *Ongoing) onEnded(ev call.Ended) {
	if ev.CallID != s.p.CallID {
		return
	}
	log.Infof("call %s ended by peer (%s)", ev.CallID, ev.Reason)
	msg := "Call ended"
	if ev.Reason == call.ReasonNoAnswer {
		msg = "No answer"
	}
	s.setStatus(StatusEnded, msg)
	s.terminate(true)
}

// ── Local actions ───────────────────────────────────────────────────────────

// End hangs up. A failed end notice is logged only; teardown always runs.
func (s *Ongoing) End(ctx context.Context) {
	if s.isClosed() {
		return
	}
	if err := s.sig.EndCall(ctx, s.p.CallID); err != nil {
		log.Warnf("end call %s: %v", s.p.CallID, err)
	}
	s.setStatus(StatusEnded, "Call ended")
	s.terminate(true)
}

// ToggleMute flips the microphone and returns whether it is now muted.
func (s *Ongoing) ToggleMute() bool {
	muted := s.med.ToggleMute()
	s.update(func(v *View) { v.Muted = muted })
	return muted
}

// ToggleVideo flips the camera and returns whether video is now off. Without
// a local video track video stays off.
func (s *Ongoing) ToggleVideo() bool {
	s.mu.Lock()
	hasVideo := s.localVideo
	s.mu.Unlock()
	off := s.med.ToggleVideo() || !hasVideo
	s.update(func(v *View) { v.VideoOff = off })
	return off
}

// ToggleSpeaker flips the loudspeaker and returns whether it is now on.
func (s *Ongoing) ToggleSpeaker() bool {
	want := !s.View().Speaker
	on := s.med.SetSpeaker(want)
	s.update(func(v *View) { v.Speaker = on })
	return on
}

// SwitchCamera flips between front and back camera.
func (s *Ongoing) SwitchCamera() error {
	return s.med.SwitchCamera()
}

// Unmount tears the screen down without navigating. Safe to call more than
// once and after the screen closed itself.
func (s *Ongoing) Unmount() {
	s.terminate(false)
}

// ── Internals ───────────────────────────────────────────────────────────────

// connected flips the view to connected and starts the duration ticker once.
func (s *Ongoing) connected() {
	s.mu.Lock()
	if s.closed || s.ticker != nil {
		s.mu.Unlock()
		return
	}
	s.view.Status = StatusConnected
	s.view.Message = ""
	s.view.Duration = 0
	s.ticker = s.clk.Ticker(time.Second)
	s.tickerStop = make(chan struct{})
	t, stop := s.ticker, s.tickerStop
	v := s.view
	s.mu.Unlock()

	log.Infof("call %s connected", s.p.CallID)
	s.render(v)
	go s.tick(t, stop)
}

func (s *Ongoing) tick(t *clock.Ticker, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			s.update(func(v *View) { v.Duration++ })
		}
	}
}

// fail shows the failure, tells the peer and closes the screen after the
// dismiss delay. The media session is released right away.
func (s *Ongoing) fail(err error) {
	log.Warnf("call %s failed: %v", s.p.CallID, err)
	s.med.Release()
	s.sig.Fail(context.Background(), s.p.CallID, err)
	s.dismissAfter(StatusFailed, failureMessage(err))
}

func (s *Ongoing) dismissAfter(st Status, msg string) {
	s.mu.Lock()
	if s.closed || s.dismiss != nil {
		s.mu.Unlock()
		return
	}
	s.stopTickerLocked()
	s.view.Status = st
	s.view.Message = msg
	v := s.view
	s.dismiss = s.clk.AfterFunc(s.delay, func() { s.terminate(true) })
	s.mu.Unlock()
	s.render(v)
}

// terminate runs the teardown once: cancel setup, stop timers, drop
// subscriptions, release media and optionally navigate back.
func (s *Ongoing) terminate(back bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.stopTickerLocked()
	if s.dismiss != nil {
		s.dismiss.Stop()
	}
	subs := s.subs
	s.subs = nil
	s.pending = nil
	s.mu.Unlock()

	s.cancel()
	for _, sub := range subs {
		s.sig.RemoveListener(sub)
	}
	s.med.Release()
	log.Debugf("call %s screen closed", s.p.CallID)
	if back {
		s.nav.Back()
	}
}

func (s *Ongoing) stopTickerLocked() {
	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	if s.tickerStop != nil {
		close(s.tickerStop)
		s.tickerStop = nil
	}
}

func (s *Ongoing) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Ongoing) update(fn func(*View)) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	fn(&s.view)
	v := s.view
	s.mu.Unlock()
	s.render(v)
}

func (s *Ongoing) setStatus(st Status, msg string) {
	s.mu.Lock()
	s.view.Status = st
	s.view.Message = msg
	v := s.view
	s.mu.Unlock()
	s.render(v)
}

func (s *Ongoing) render(v View) {
	if s.out != nil {
		s.out(v)
	}
}

// mergeCancel returns a context cancelled when either parent is.
func mergeCancel(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
