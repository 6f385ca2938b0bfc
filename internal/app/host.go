package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/petervdpas/callkit/internal/call"
	"github.com/petervdpas/callkit/internal/media"
	"github.com/petervdpas/callkit/internal/screen"
	"github.com/petervdpas/callkit/internal/viewer"
	"github.com/petervdpas/callkit/internal/viewer/routes"
)

// Hub event names.
const (
	EventView   = "view"
	EventRinger = "ringer"
	EventClosed = "closed"
)

// HostOptions tune the screens a Host mounts.
type HostOptions struct {
	Clock        clock.Clock
	DismissDelay time.Duration
}

// Host is the navigation stack of the call UI. It mounts the Incoming screen
// when a call rings, swaps it for the Ongoing screen on accept or dial, and
// forwards every view change to the event hub.
type Host struct {
	client *call.Client
	media  *media.Manager
	hub    *viewer.Hub
	clk    clock.Clock
	ringer *hubRinger
	sub    call.Subscription

	mu       sync.Mutex
	dismiss  time.Duration
	incoming *screen.Incoming
	ongoing  *screen.Ongoing
	cancel   context.CancelFunc
	closed   bool
}

var _ routes.Calls = (*Host)(nil)

func NewHost(client *call.Client, mgr *media.Manager, hub *viewer.Hub, o HostOptions) *Host {
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.DismissDelay <= 0 {
		o.DismissDelay = screen.DefaultDismissDelay
	}
	h := &Host{
		client:  client,
		media:   mgr,
		hub:     hub,
		clk:     o.Clock,
		ringer:  &hubRinger{hub: hub},
		dismiss: o.DismissDelay,
	}
	h.sub = call.Listen(client, h.onIncoming)
	return h
}

// SetDismissDelay applies to Ongoing screens mounted afterwards.
func (h *Host) SetDismissDelay(d time.Duration) {
	if d <= 0 {
		d = screen.DefaultDismissDelay
	}
	h.mu.Lock()
	h.dismiss = d
	h.mu.Unlock()
}

func (h *Host) Self() call.PeerUser { return h.client.Self() }

func (h *Host) Current() (screen.View, bool) {
	h.mu.Lock()
	in, on := h.incoming, h.ongoing
	h.mu.Unlock()
	switch {
	case on != nil:
		return on.View(), true
	case in != nil:
		return in.View(), true
	}
	return screen.View{}, false
}

func (h *Host) Subscribe() (<-chan routes.Event, func()) { return h.hub.Subscribe() }

func (h *Host) onIncoming(ev call.IncomingCall) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	// A screen still showing the outcome of the previous call gives way.
	h.unmountLocked()

	nav := &hostNav{h: h}
	s := screen.NewIncoming(screen.IncomingParams{
		CallID:   ev.CallID,
		Caller:   ev.Caller,
		CallType: ev.Type,
		Offer:    ev.Offer,
	}, screen.IncomingDeps{
		Signaling: h.client,
		Ringer:    h.ringer,
		Nav:       nav,
		Render:    h.render,
	})
	nav.owner = s
	h.incoming = s
	h.mu.Unlock()

	s.Mount()
}

// Dial places an outgoing call and mounts the Ongoing screen for it. Media
// setup continues in the background; failures show on the screen.
func (h *Host) Dial(ctx context.Context, peer call.PeerUser, t call.Type) (string, error) {
	sess, err := h.client.StartCall(peer, t)
	if err != nil {
		return "", err
	}
	p := screen.OngoingParams{
		CallID:     sess.ID(),
		CallType:   t,
		IsOutgoing: true,
		OtherUser:  peer,
	}
	if err := h.startOngoing(nil, p); err != nil {
		h.client.Fail(ctx, sess.ID(), err)
		return "", err
	}
	return sess.ID(), nil
}

// startOngoing mounts the Ongoing screen in place of from.
func (h *Host) startOngoing(from any, p screen.OngoingParams) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return call.ErrClosed
	}
	if from != nil && from != any(h.incoming) {
		h.mu.Unlock()
		return errors.New("navigate from a screen that is not mounted")
	}
	h.unmountLocked()

	handle, err := h.media.NewHandle()
	if err != nil {
		h.mu.Unlock()
		return err
	}

	nav := &hostNav{h: h}
	s := screen.NewOngoing(p, screen.OngoingDeps{
		Signaling:    h.client,
		Media:        handle,
		Nav:          nav,
		Render:       h.render,
		Clock:        h.clk,
		DismissDelay: h.dismiss,
	})
	nav.owner = s
	ctx, cancel := context.WithCancel(context.Background())
	h.ongoing = s
	h.cancel = cancel
	h.mu.Unlock()

	go func() {
		if err := s.Mount(ctx); err != nil {
			log.Warnf("call %s: %v", p.CallID, err)
		}
	}()
	return nil
}

func (h *Host) Accept(ctx context.Context) error {
	h.mu.Lock()
	s := h.incoming
	h.mu.Unlock()
	if s == nil {
		return routes.ErrNoScreen
	}
	return s.Accept(ctx)
}

func (h *Host) Reject(ctx context.Context) error {
	h.mu.Lock()
	s := h.incoming
	h.mu.Unlock()
	if s == nil {
		return routes.ErrNoScreen
	}
	s.Reject(ctx)
	return nil
}

func (h *Host) End(ctx context.Context) error {
	s, err := h.current()
	if err != nil {
		return err
	}
	s.End(ctx)
	return nil
}

func (h *Host) ToggleAudio() (bool, error) {
	s, err := h.current()
	if err != nil {
		return false, err
	}
	return s.ToggleMute(), nil
}

func (h *Host) ToggleVideo() (bool, error) {
	s, err := h.current()
	if err != nil {
		return false, err
	}
	return s.ToggleVideo(), nil
}

func (h *Host) ToggleSpeaker() (bool, error) {
	s, err := h.current()
	if err != nil {
		return false, err
	}
	return s.ToggleSpeaker(), nil
}

func (h *Host) SwitchCamera() error {
	s, err := h.current()
	if err != nil {
		return err
	}
	return s.SwitchCamera()
}

func (h *Host) current() (*screen.Ongoing, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ongoing == nil {
		return nil, routes.ErrNoScreen
	}
	return h.ongoing, nil
}

// Debug reports the active session and the live media handle.
func (h *Host) Debug() any {
	out := map[string]any{"self": h.client.Self()}
	if sess, ok := h.client.Active(); ok {
		out["call"] = sess.Info()
	}
	if v, ok := h.Current(); ok {
		out["view"] = v
	}
	if handle, ok := h.media.Live(); ok {
		out["media"] = handle.Stats()
	}
	return out
}

// Close unmounts whatever is on screen and shuts the signaling client down.
func (h *Host) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.unmountLocked()
	h.mu.Unlock()

	h.client.RemoveListener(h.sub)
	h.client.Close()
}

func (h *Host) render(v screen.View) {
	h.hub.Publish(EventView, v)
}

// back pops owner if it is still the mounted screen.
func (h *Host) back(owner any) bool {
	h.mu.Lock()
	var callID string
	switch {
	case h.incoming != nil && any(h.incoming) == owner:
		callID = h.incoming.View().CallID
	case h.ongoing != nil && any(h.ongoing) == owner:
		callID = h.ongoing.View().CallID
	default:
		h.mu.Unlock()
		return false
	}
	h.unmountLocked()
	h.mu.Unlock()

	h.popped(callID)
	return true
}

func (h *Host) popped(callID string) {
	h.hub.Forget(EventView)
	h.hub.Publish(EventClosed, map[string]string{"callId": callID})
}

func (h *Host) replace(owner any, p screen.OngoingParams) {
	if err := h.startOngoing(owner, p); err != nil {
		log.Warnf("open call screen for %s: %v", p.CallID, err)
		h.client.Fail(context.Background(), p.CallID, err)
		if !h.back(owner) {
			h.popped(p.CallID)
		}
	}
}

// unmountLocked tears down both screens. Unmount never calls back into the
// navigator, so holding mu is safe.
func (h *Host) unmountLocked() {
	if h.incoming != nil {
		h.incoming.Unmount()
		h.incoming = nil
	}
	if h.ongoing != nil {
		h.ongoing.Unmount()
		h.ongoing = nil
	}
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
}

// hostNav is the Navigator handed to one screen. Navigation from a screen
// that has already been replaced is ignored.
type hostNav struct {
	h     *Host
	owner any
}

func (n *hostNav) Replace(p screen.OngoingParams) { n.h.replace(n.owner, p) }
func (n *hostNav) Back()                          { n.h.back(n.owner) }

// hubRinger publishes the ringer state; the UI plays the ringtone and the
// vibration pattern while it is on.
type hubRinger struct {
	hub *viewer.Hub

	mu sync.Mutex
	on bool
}

func (r *hubRinger) Start() { r.set(true) }
func (r *hubRinger) Stop()  { r.set(false) }

func (r *hubRinger) set(on bool) {
	r.mu.Lock()
	changed := r.on != on
	r.on = on
	r.mu.Unlock()
	if changed {
		r.hub.Publish(EventRinger, map[string]bool{"ringing": on})
	}
}
