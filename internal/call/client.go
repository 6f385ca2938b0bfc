// Package call is the signaling side of a 1:1 voice/video call: it tracks the
// single active Session, talks to the remote party through a Transport and
// republishes inbound signaling as typed events.
//
// The package knows nothing about media. It carries SDP and ICE payloads
// opaquely between the transport and whoever subscribes.
package call

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/callkit/internal/proto"
)

var log = logging.Logger("call")

const (
	// DefaultRingTimeout bounds how long an unanswered incoming call rings.
	DefaultRingTimeout = 45 * time.Second

	// DefaultDialTimeout bounds how long an outgoing call waits for the
	// callee to accept.
	DefaultDialTimeout = 60 * time.Second

	// sendTimeout applies when the caller's context has no deadline.
	sendTimeout = 10 * time.Second

	// maxHeldCandidates caps the candidates kept for one call before anyone
	// listens for them.
	maxHeldCandidates = 64
)

// Option configures a Client.
type Option func(*Client)

// WithClock replaces the wall clock (tests use clock.NewMock).
func WithClock(clk clock.Clock) Option { return func(c *Client) { c.clk = clk } }

// WithRecorder persists every session that reaches a terminal state.
func WithRecorder(r Recorder) Option { return func(c *Client) { c.rec = r } }

// WithRingTimeout sets the incoming ring limit. Zero disables it.
func WithRingTimeout(d time.Duration) Option { return func(c *Client) { c.ringTimeout = d } }

// WithDialTimeout sets the outgoing no-answer limit. Zero disables it.
func WithDialTimeout(d time.Duration) Option { return func(c *Client) { c.dialTimeout = d } }

type subscription struct {
	id     uint64
	fn     Handler
	active atomic.Bool
}

// Client is the call signaling client. It holds at most one active Session.
//
// Inbound messages and timer expiries are processed on a single dispatch
// goroutine, so handlers registered with On run serially and must not block.
type Client struct {
	tr   Transport
	self PeerUser
	clk  clock.Clock
	rec  Recorder

	ringTimeout time.Duration
	dialTimeout time.Duration

	mu     sync.Mutex
	active *Session
	timer  *clock.Timer
	closed bool

	// Candidates that overtook their offer. Dispatch goroutine only.
	early earlyCandidates

	subMu  sync.RWMutex
	subs   map[EventKind][]*subscription
	nextID uint64

	tasks     chan func()
	done      chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once
}

// New creates a Client on tr for the local user self and starts listening
// for signaling messages immediately.
func New(tr Transport, self PeerUser, opts ...Option) *Client {
	c := &Client{
		tr:          tr,
		self:        self,
		clk:         clock.New(),
		ringTimeout: DefaultRingTimeout,
		dialTimeout: DefaultDialTimeout,
		subs:        make(map[EventKind][]*subscription),
		tasks:       make(chan func(), 16),
		done:        make(chan struct{}),
		loopDone:    make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	ch, cancel := tr.Subscribe()
	go c.dispatchLoop(ch, cancel)
	return c
}

// Self returns the local user.
func (c *Client) Self() PeerUser { return c.self }

// SetTimeouts updates ring and dial limits for calls started afterwards.
func (c *Client) SetTimeouts(ring, dial time.Duration) {
	c.mu.Lock()
	c.ringTimeout = ring
	c.dialTimeout = dial
	c.mu.Unlock()
}

// Active returns the current non-terminal session, if any.
func (c *Client) Active() (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active, c.active != nil
}

// ── Subscriptions ───────────────────────────────────────────────────────────

// On registers h for events of the given kind. Several handlers may coexist
// for the same kind; each is invoked at most once per event.
func (c *Client) On(kind EventKind, h Handler) Subscription {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.nextID++
	sub := &subscription{id: c.nextID, fn: h}
	sub.active.Store(true)
	c.subs[kind] = append(c.subs[kind], sub)
	return Subscription{id: sub.id, kind: kind}
}

// RemoveListener unregisters a handler. Once it returns the handler receives
// no further events, even ones already being dispatched.
func (c *Client) RemoveListener(s Subscription) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	list := c.subs[s.kind]
	next := make([]*subscription, 0, len(list))
	for _, sub := range list {
		if sub.id == s.id {
			sub.active.Store(false)
			continue
		}
		next = append(next, sub)
	}
	c.subs[s.kind] = next
}

func (c *Client) emit(ev Event) {
	c.subMu.RLock()
	list := append([]*subscription(nil), c.subs[ev.Kind()]...)
	c.subMu.RUnlock()

	for _, sub := range list {
		if sub.active.Load() {
			c.invoke(sub, ev)
		}
	}
}

func (c *Client) invoke(sub *subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("handler for %s panicked: %v", ev.Kind(), r)
		}
	}()
	sub.fn(ev)
}

// ── Local actions ───────────────────────────────────────────────────────────

// StartCall registers an outgoing session to peer. Nothing is sent until
// SendOffer; the session starts in connecting.
func (c *Client) StartCall(peer PeerUser, t Type) (*Session, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("call: unknown call type %q", t)
	}
	if peer.ID == "" {
		return nil, fmt.Errorf("call: missing peer id")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.active != nil {
		return nil, ErrBusy
	}
	sess := newSession(uuid.NewString(), t, Outbound, peer, c.clk.Now())
	c.active = sess
	c.armTimerLocked(c.dialTimeout, func() { c.dialExpired(sess) })
	log.Infof("started %s call %s → %s", t, sess.id, peer.ID)
	return sess, nil
}

// SendOffer transmits the caller's SDP offer, which rings the callee.
func (c *Client) SendOffer(ctx context.Context, callID string, offer webrtc.SessionDescription) error {
	sess, err := c.lookup(callID)
	if err != nil {
		return err
	}
	sess.setOffer(offer)
	err = c.send(ctx, proto.Message{
		Type:     proto.TypeOffer,
		CallID:   callID,
		CallType: string(sess.callType),
		To:       sess.peer.ID,
		Caller:   c.self.proto(),
		SDP:      &offer,
	})
	if err != nil {
		return &SignalingError{Op: "offer", CallID: callID, Err: err}
	}
	return nil
}

// AcceptCall tells the caller we answered. On success the session is
// connecting; on failure it is failed and a *SignalingError is returned.
func (c *Client) AcceptCall(ctx context.Context, callID string, t Type) error {
	sess, err := c.lookup(callID)
	if err != nil {
		return err
	}
	if sess.direction != Inbound {
		return fmt.Errorf("%w: call %s is outgoing", ErrInvalidTransition, callID)
	}
	if st := sess.State(); st != StateRinging {
		return fmt.Errorf("%w: call %s is %s", ErrInvalidTransition, callID, st)
	}
	if !t.Valid() {
		t = sess.callType
	}

	c.mu.Lock()
	if c.active == sess {
		c.stopTimerLocked()
	}
	c.mu.Unlock()

	err = c.send(ctx, proto.Message{
		Type:     proto.TypeAccept,
		CallID:   callID,
		CallType: string(t),
		To:       sess.peer.ID,
	})
	if err != nil {
		_ = c.finish(sess, StateRinging, StateFailed, ReasonFailed)
		return &SignalingError{Op: "accept", CallID: callID, Err: err}
	}
	if err := sess.transitionFrom(StateRinging, StateConnecting, "", c.clk.Now()); err != nil {
		// The caller hung up while our accept was in flight.
		return err
	}
	log.Infof("accepted %s call %s from %s", t, callID, sess.peer.ID)
	return nil
}

// RejectCall declines a ringing call. The session is rejected (and recorded)
// before anything is sent, so a delivery failure never leaves it ringing.
func (c *Client) RejectCall(ctx context.Context, callID string) error {
	sess, err := c.lookup(callID)
	if err != nil {
		return err
	}
	if err := c.finish(sess, "", StateRejected, ReasonDeclined); err != nil {
		return err
	}
	log.Infof("rejected call %s from %s", callID, sess.peer.ID)
	err = c.send(ctx, proto.Message{
		Type:   proto.TypeReject,
		CallID: callID,
		To:     sess.peer.ID,
		Reason: ReasonDeclined,
	})
	if err != nil {
		log.Warnf("reject for call %s not delivered: %v", callID, err)
		return &SignalingError{Op: "reject", CallID: callID, Err: err}
	}
	return nil
}

// EndCall hangs up. The session is ended locally first; an outgoing call
// that was never accepted is cancelled rather than ended on the wire.
func (c *Client) EndCall(ctx context.Context, callID string) error {
	sess, err := c.lookup(callID)
	if err != nil {
		return err
	}
	wasAnswered := sess.direction == Inbound || sess.wasAccepted()
	if err := c.finish(sess, "", StateEnded, ReasonHangup); err != nil {
		return err
	}
	msgType := proto.TypeEnd
	if !wasAnswered {
		msgType = proto.TypeCancel
	}
	log.Infof("hung up call %s (%s)", callID, msgType)
	err = c.send(ctx, proto.Message{Type: msgType, CallID: callID, To: sess.peer.ID, Reason: ReasonHangup})
	if err != nil {
		log.Warnf("%s for call %s not delivered: %v", msgType, callID, err)
		return &SignalingError{Op: "end", CallID: callID, Err: err}
	}
	return nil
}

// SendAnswer transmits the callee's SDP answer. Once it is out, the callee
// side counts the call as connected.
func (c *Client) SendAnswer(ctx context.Context, callID string, answer webrtc.SessionDescription) error {
	sess, err := c.lookup(callID)
	if err != nil {
		return err
	}
	sess.setAnswer(answer)
	err = c.send(ctx, proto.Message{
		Type:   proto.TypeAnswer,
		CallID: callID,
		To:     sess.peer.ID,
		SDP:    &answer,
	})
	if err != nil {
		return &SignalingError{Op: "answer", CallID: callID, Err: err}
	}
	if err := sess.transition(StateConnected, "", c.clk.Now()); err != nil {
		log.Warnf("answer sent but %v", err)
	}
	return nil
}

// TakeCandidates returns the candidates the peer trickled for the incoming
// call callID while nobody listened for them, and publishes the ones that
// arrive afterwards as RemoteCandidate events. Subscribe first, then take.
func (c *Client) TakeCandidates(callID string) []webrtc.ICECandidateInit {
	c.mu.Lock()
	sess := c.active
	c.mu.Unlock()
	if sess == nil || sess.id != callID {
		return nil
	}
	return sess.takeHeld()
}

// SendCandidate trickles one local ICE candidate to the peer.
func (c *Client) SendCandidate(ctx context.Context, callID string, cand webrtc.ICECandidateInit) error {
	sess, err := c.lookup(callID)
	if err != nil {
		return err
	}
	err = c.send(ctx, proto.Message{
		Type:      proto.TypeCandidate,
		CallID:    callID,
		To:        sess.peer.ID,
		Candidate: &cand,
	})
	if err != nil {
		return &SignalingError{Op: "candidate", CallID: callID, Err: err}
	}
	return nil
}

// MarkConnected records that media exchange began. Idempotent.
func (c *Client) MarkConnected(callID string) error {
	sess, err := c.lookup(callID)
	if err != nil {
		return err
	}
	return sess.transition(StateConnected, "", c.clk.Now())
}

// Fail moves the call to failed and tells the peer, best effort.
func (c *Client) Fail(ctx context.Context, callID string, cause error) {
	sess, err := c.lookup(callID)
	if err != nil {
		return
	}
	if err := c.finish(sess, "", StateFailed, ReasonFailed); err != nil {
		return
	}
	log.Warnf("call %s failed: %v", callID, cause)
	if err := c.send(ctx, proto.Message{Type: proto.TypeEnd, CallID: callID, To: sess.peer.ID, Reason: ReasonFailed}); err != nil {
		log.Debugf("failure notice for call %s not delivered: %v", callID, err)
	}
}

// Close hangs up the active call (if any) and stops dispatching.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		sess := c.active
		c.mu.Unlock()

		if sess != nil && c.finish(sess, "", StateEnded, ReasonShutdown) == nil {
			c.sendBestEffort(proto.Message{Type: proto.TypeEnd, CallID: sess.id, To: sess.peer.ID, Reason: ReasonShutdown})
		}
		close(c.done)
		<-c.loopDone
	})
}

// ── Internals ───────────────────────────────────────────────────────────────

func (c *Client) lookup(callID string) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil || c.active.id != callID {
		return nil, fmt.Errorf("%w: %s", ErrNoSession, callID)
	}
	return c.active, nil
}

// finish moves sess to a terminal state, frees the active slot and records
// the outcome.
func (c *Client) finish(sess *Session, from, to State, reason string) error {
	if err := sess.transitionFrom(from, to, reason, c.clk.Now()); err != nil {
		return err
	}
	c.mu.Lock()
	if c.active == sess {
		c.active = nil
		c.stopTimerLocked()
	}
	c.mu.Unlock()
	c.record(sess)
	return nil
}

func (c *Client) record(sess *Session) {
	if c.rec == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.rec.RecordCall(ctx, sess.Info()); err != nil {
		log.Warnf("record call %s: %v", sess.id, err)
	}
}

func (c *Client) send(ctx context.Context, msg proto.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.From = c.self.ID
	msg.TS = c.clk.Now().UnixMilli()
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, sendTimeout)
		defer cancel()
	}
	return c.tr.Send(ctx, msg)
}

func (c *Client) sendBestEffort(msg proto.Message) {
	if err := c.send(context.Background(), msg); err != nil {
		log.Debugf("%s for call %s not delivered: %v", msg.Type, msg.CallID, err)
	}
}

// armTimerLocked replaces the session timer. Caller holds c.mu.
func (c *Client) armTimerLocked(d time.Duration, fn func()) {
	c.stopTimerLocked()
	if d <= 0 {
		return
	}
	c.timer = c.clk.AfterFunc(d, func() { c.enqueue(fn) })
}

func (c *Client) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// enqueue runs fn on the dispatch goroutine.
func (c *Client) enqueue(fn func()) {
	select {
	case c.tasks <- fn:
	case <-c.done:
	}
}

func (c *Client) ringExpired(sess *Session) {
	if err := c.finish(sess, StateRinging, StateEnded, ReasonTimeout); err != nil {
		return
	}
	log.Infof("call %s from %s rang out", sess.id, sess.peer.ID)
	go c.sendBestEffort(proto.Message{Type: proto.TypeReject, CallID: sess.id, To: sess.peer.ID, Reason: ReasonTimeout})
	c.emit(Cancelled{CallID: sess.id, Reason: ReasonTimeout})
}

func (c *Client) dialExpired(sess *Session) {
	if sess.wasAccepted() {
		return
	}
	if err := c.finish(sess, StateConnecting, StateEnded, ReasonNoAnswer); err != nil {
		return
	}
	log.Infof("call %s to %s was not answered", sess.id, sess.peer.ID)
	go c.sendBestEffort(proto.Message{Type: proto.TypeCancel, CallID: sess.id, To: sess.peer.ID, Reason: ReasonNoAnswer})
	c.emit(Ended{CallID: sess.id, Reason: ReasonNoAnswer})
}
