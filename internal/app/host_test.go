package app

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/callkit/internal/call"
	"github.com/petervdpas/callkit/internal/media"
	"github.com/petervdpas/callkit/internal/media/mediatest"
	"github.com/petervdpas/callkit/internal/screen"
	"github.com/petervdpas/callkit/internal/transport"
	"github.com/petervdpas/callkit/internal/viewer"
	"github.com/petervdpas/callkit/internal/viewer/routes"
)

var (
	alice = call.PeerUser{ID: "alice", DisplayName: "Alice"}
	bob   = call.PeerUser{ID: "bob", DisplayName: "Bob"}
)

const wait = 2 * time.Second

type endpoint struct {
	user call.PeerUser
	host *Host
	hub  *viewer.Hub
	mgr  *media.Manager
	devs *mediatest.Devices
	conn *mediatest.Connector
	clk  *clock.Mock
}

func newEndpoint(t *testing.T, sw *transport.Network, user call.PeerUser) *endpoint {
	t.Helper()
	tr := sw.Join(user.ID)
	t.Cleanup(func() { _ = tr.Close() })

	e := &endpoint{
		user: user,
		hub:  viewer.NewHub(),
		devs: &mediatest.Devices{},
		conn: &mediatest.Connector{},
		clk:  clock.NewMock(),
	}
	client := call.New(tr, user, call.WithRingTimeout(0), call.WithDialTimeout(0))
	e.mgr = media.NewManager(e.devs, e.conn, media.DefaultConfig())
	e.host = NewHost(client, e.mgr, e.hub, HostOptions{Clock: e.clk, DismissDelay: time.Second})
	t.Cleanup(e.host.Close)
	return e
}

func (e *endpoint) showing(r screen.Route, st screen.Status) func() bool {
	return func() bool {
		v, ok := e.host.Current()
		return ok && v.Screen == r && v.Status == st
	}
}

func (e *endpoint) idle() bool {
	_, ok := e.host.Current()
	return !ok
}

// replayed returns the last event named name that a new subscriber would see.
func (e *endpoint) replayed(name string) (routes.Event, bool) {
	ch, cancel := e.hub.Subscribe()
	defer cancel()
	for {
		select {
		case ev := <-ch:
			if ev.Name == name {
				return ev, true
			}
		default:
			return routes.Event{}, false
		}
	}
}

func (e *endpoint) ringing() bool {
	ev, ok := e.replayed(EventRinger)
	if !ok {
		return false
	}
	return ev.Data.(map[string]bool)["ringing"]
}

func TestHostAnsweredCall(t *testing.T) {
	sw := transport.NewNetwork()
	a := newEndpoint(t, sw, alice)
	b := newEndpoint(t, sw, bob)
	ctx := context.Background()

	id, err := a.host.Dial(ctx, bob, call.Video)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.Eventually(t, b.showing(screen.RouteIncoming, screen.StatusRinging), wait, 10*time.Millisecond)
	assert.True(t, b.ringing())
	v, _ := b.host.Current()
	assert.Equal(t, id, v.CallID)
	assert.Equal(t, alice.ID, v.Peer.ID)
	assert.Equal(t, call.Video, v.CallType)

	require.NoError(t, b.host.Accept(ctx))
	assert.False(t, b.ringing())

	require.Eventually(t, b.showing(screen.RouteOngoing, screen.StatusConnected), wait, 10*time.Millisecond)
	require.Eventually(t, a.showing(screen.RouteOngoing, screen.StatusConnected), wait, 10*time.Millisecond)

	_, live := b.mgr.Live()
	assert.True(t, live)
	require.NotNil(t, b.conn.Last())
	require.NotNil(t, b.conn.Last().Remote())
	assert.Equal(t, "offer", b.conn.Last().Remote().Type.String())

	require.NoError(t, a.host.End(ctx))
	assert.True(t, a.idle())
	require.Eventually(t, b.idle, wait, 10*time.Millisecond)

	ev, ok := b.replayed(EventClosed)
	require.True(t, ok)
	assert.Equal(t, map[string]string{"callId": id}, ev.Data)
	_, ok = b.replayed(EventView)
	assert.False(t, ok, "closed screen must not be replayed")

	for _, e := range []*endpoint{a, b} {
		_, live := e.mgr.Live()
		assert.False(t, live, "%s still holds media", e.user.ID)
		assert.True(t, e.conn.Last().Closed())
		assert.Zero(t, e.devs.LiveTracks())
	}
}

func TestHostRejectedCall(t *testing.T) {
	sw := transport.NewNetwork()
	a := newEndpoint(t, sw, alice)
	b := newEndpoint(t, sw, bob)
	ctx := context.Background()

	_, err := a.host.Dial(ctx, bob, call.Voice)
	require.NoError(t, err)
	require.Eventually(t, b.showing(screen.RouteIncoming, screen.StatusRinging), wait, 10*time.Millisecond)

	require.NoError(t, b.host.Reject(ctx))
	assert.True(t, b.idle())
	assert.False(t, b.ringing())

	require.Eventually(t, a.showing(screen.RouteOngoing, screen.StatusDeclined), wait, 10*time.Millisecond)
	v, _ := a.host.Current()
	assert.Equal(t, "Call declined", v.Message)

	a.clk.Add(time.Second)
	require.Eventually(t, a.idle, wait, 10*time.Millisecond)
	_, live := a.mgr.Live()
	assert.False(t, live)
}

func TestHostCallerHangsUpWhileRinging(t *testing.T) {
	sw := transport.NewNetwork()
	a := newEndpoint(t, sw, alice)
	b := newEndpoint(t, sw, bob)
	ctx := context.Background()

	_, err := a.host.Dial(ctx, bob, call.Voice)
	require.NoError(t, err)
	require.Eventually(t, b.showing(screen.RouteIncoming, screen.StatusRinging), wait, 10*time.Millisecond)

	require.NoError(t, a.host.End(ctx))
	require.Eventually(t, b.idle, wait, 10*time.Millisecond)
	assert.False(t, b.ringing())
	assert.ErrorIs(t, b.host.Accept(ctx), routes.ErrNoScreen)
}

func TestHostBusyWhileRinging(t *testing.T) {
	sw := transport.NewNetwork()
	a := newEndpoint(t, sw, alice)
	b := newEndpoint(t, sw, bob)
	ctx := context.Background()

	_, err := a.host.Dial(ctx, bob, call.Voice)
	require.NoError(t, err)
	require.Eventually(t, b.showing(screen.RouteIncoming, screen.StatusRinging), wait, 10*time.Millisecond)

	_, err = b.host.Dial(ctx, call.PeerUser{ID: "carol"}, call.Voice)
	assert.ErrorIs(t, err, call.ErrBusy)
	assert.True(t, b.showing(screen.RouteIncoming, screen.StatusRinging)())
}

func TestHostTogglesDuringCall(t *testing.T) {
	sw := transport.NewNetwork()
	a := newEndpoint(t, sw, alice)
	b := newEndpoint(t, sw, bob)
	ctx := context.Background()

	_, err := a.host.Dial(ctx, bob, call.Video)
	require.NoError(t, err)
	require.Eventually(t, b.showing(screen.RouteIncoming, screen.StatusRinging), wait, 10*time.Millisecond)
	require.NoError(t, b.host.Accept(ctx))
	require.Eventually(t, a.showing(screen.RouteOngoing, screen.StatusConnected), wait, 10*time.Millisecond)

	muted, err := a.host.ToggleAudio()
	require.NoError(t, err)
	assert.True(t, muted)

	off, err := a.host.ToggleVideo()
	require.NoError(t, err)
	assert.True(t, off)

	speaker, err := a.host.ToggleSpeaker()
	require.NoError(t, err)
	assert.True(t, speaker)
	assert.True(t, a.devs.Speaker())

	require.NoError(t, a.host.SwitchCamera())

	v, _ := a.host.Current()
	assert.True(t, v.Muted)
	assert.True(t, v.VideoOff)
	assert.True(t, v.Speaker)

	dbg, ok := a.host.Debug().(map[string]any)
	require.True(t, ok)
	assert.Contains(t, dbg, "call")
	assert.Contains(t, dbg, "media")
}

func TestHostActionsWithoutScreen(t *testing.T) {
	sw := transport.NewNetwork()
	a := newEndpoint(t, sw, alice)
	ctx := context.Background()

	assert.ErrorIs(t, a.host.Accept(ctx), routes.ErrNoScreen)
	assert.ErrorIs(t, a.host.Reject(ctx), routes.ErrNoScreen)
	assert.ErrorIs(t, a.host.End(ctx), routes.ErrNoScreen)
	assert.ErrorIs(t, a.host.SwitchCamera(), routes.ErrNoScreen)
	_, err := a.host.ToggleAudio()
	assert.ErrorIs(t, err, routes.ErrNoScreen)
	_, err = a.host.ToggleSpeaker()
	assert.ErrorIs(t, err, routes.ErrNoScreen)

	assert.Equal(t, alice, a.host.Self())
	dbg := a.host.Debug().(map[string]any)
	assert.NotContains(t, dbg, "call")
}

func TestHostMediaFailure(t *testing.T) {
	sw := transport.NewNetwork()
	a := newEndpoint(t, sw, alice)
	newEndpoint(t, sw, bob)
	a.devs.Err = &media.MediaAcquisitionError{Reason: media.ReasonPermissionDenied}

	_, err := a.host.Dial(context.Background(), bob, call.Voice)
	require.NoError(t, err)

	require.Eventually(t, a.showing(screen.RouteOngoing, screen.StatusFailed), wait, 10*time.Millisecond)
	_, live := a.mgr.Live()
	assert.False(t, live, "media is released as soon as setup fails")

	a.clk.Add(time.Second)
	require.Eventually(t, a.idle, wait, 10*time.Millisecond)
}

func TestHostCloseHangsUp(t *testing.T) {
	sw := transport.NewNetwork()
	a := newEndpoint(t, sw, alice)
	b := newEndpoint(t, sw, bob)

	_, err := a.host.Dial(context.Background(), bob, call.Voice)
	require.NoError(t, err)
	require.Eventually(t, b.showing(screen.RouteIncoming, screen.StatusRinging), wait, 10*time.Millisecond)

	a.host.Close()
	assert.True(t, a.idle())
	require.Eventually(t, b.idle, wait, 10*time.Millisecond)

	_, err = a.host.Dial(context.Background(), bob, call.Voice)
	assert.Error(t, err)
}

func TestNormalizeLocalViewer(t *testing.T) {
	for in, want := range map[string]string{
		":8790":         "127.0.0.1:8790",
		"0.0.0.0:8790":  "127.0.0.1:8790",
		"127.0.0.1:80 ": "127.0.0.1:80",
	} {
		addr, url, tcp := NormalizeLocalViewer(in)
		assert.Equal(t, want, addr)
		assert.Equal(t, "http://"+want, url)
		assert.Equal(t, want, tcp)
	}
}
