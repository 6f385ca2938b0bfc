package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/callkit/internal/auth"
	"github.com/petervdpas/callkit/internal/proto"
)

func recv(t *testing.T, ch <-chan proto.Message) proto.Message {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "channel closed")
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return proto.Message{}
}

func TestMemoryRoundTrip(t *testing.T) {
	sw := NewNetwork()
	alice := sw.Join("alice")
	bob := sw.Join("bob")
	ch, cancel := bob.Subscribe()
	defer cancel()

	ctx := context.Background()
	require.NoError(t, alice.Send(ctx, proto.Message{Type: proto.TypeOffer, CallID: "c1", To: "bob"}))
	got := recv(t, ch)
	assert.Equal(t, "alice", got.From)
	assert.Equal(t, "c1", got.CallID)

	err := alice.Send(ctx, proto.Message{Type: proto.TypeOffer, CallID: "c2", To: "carol"})
	assert.ErrorIs(t, err, ErrUnreachable)
	assert.ErrorIs(t, alice.Send(ctx, proto.Message{Type: proto.TypeEnd}), ErrNoRecipient)

	boom := errors.New("boom")
	alice.FailSends(boom)
	assert.ErrorIs(t, alice.Send(ctx, proto.Message{Type: proto.TypeEnd, To: "bob"}), boom)
	assert.Len(t, alice.Sent(), 3)

	require.NoError(t, bob.Close())
	_, ok := <-ch
	assert.False(t, ok)
	assert.ErrorIs(t, bob.Send(ctx, proto.Message{To: "alice"}), ErrClosed)
}

func TestFanoutCancelIsIdempotent(t *testing.T) {
	f := newFanout()
	_, cancel := f.subscribe()
	cancel()
	cancel()
	f.close()
	ch, cancel := f.subscribe()
	_, ok := <-ch
	assert.False(t, ok)
	cancel()
}

func queryIdentity(r *http.Request) (string, error) {
	return r.URL.Query().Get("user"), nil
}

func wsURL(srv *httptest.Server, user string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/?user=" + user
}

func TestWebSocketRelay(t *testing.T) {
	relay := NewRelay(queryIdentity)
	srv := httptest.NewServer(relay)
	defer srv.Close()

	ctx := context.Background()
	alice, err := DialWebSocket(ctx, WebSocketOptions{URL: wsURL(srv, "alice")})
	require.NoError(t, err)
	defer alice.Close()
	bob, err := DialWebSocket(ctx, WebSocketOptions{URL: wsURL(srv, "bob")})
	require.NoError(t, err)
	defer bob.Close()

	require.Eventually(t, func() bool { return len(relay.Online()) == 2 }, 5*time.Second, 10*time.Millisecond)

	bobCh, cancel := bob.Subscribe()
	defer cancel()
	require.NoError(t, alice.Send(ctx, proto.Message{Type: proto.TypeOffer, CallID: "c1", To: "bob", From: "mallory"}))
	got := recv(t, bobCh)
	assert.Equal(t, "alice", got.From, "relay stamps the authenticated sender")
	assert.Equal(t, proto.TypeOffer, got.Type)

	aliceCh, cancel2 := alice.Subscribe()
	defer cancel2()
	require.NoError(t, alice.Send(ctx, proto.Message{Type: proto.TypeOffer, CallID: "c2", To: "carol"}))
	reply := recv(t, aliceCh)
	assert.Equal(t, proto.TypeReject, reply.Type)
	assert.Equal(t, ReasonOffline, reply.Reason)
	assert.Equal(t, "c2", reply.CallID)
	assert.Equal(t, "carol", reply.From)
}

func TestRelayBearerIdentity(t *testing.T) {
	secret := []byte("relay-secret")
	srv := httptest.NewServer(NewRelay(BearerIdentity(secret)))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	_, err := DialWebSocket(context.Background(), WebSocketOptions{URL: url, Token: "bogus"})
	assert.Error(t, err)

	tok, err := auth.Issue(secret, auth.Identity{ID: "alice"}, time.Hour)
	require.NoError(t, err)
	ws, err := DialWebSocket(context.Background(), WebSocketOptions{URL: url, Token: tok})
	require.NoError(t, err)
	assert.True(t, ws.Connected())
	require.NoError(t, ws.Close())
	assert.ErrorIs(t, ws.Send(context.Background(), proto.Message{To: "bob"}), ErrClosed)
}

func TestWebSocketReconnects(t *testing.T) {
	relay := NewRelay(queryIdentity)
	srv := httptest.NewServer(relay)
	defer srv.Close()

	ws, err := DialWebSocket(context.Background(), WebSocketOptions{
		URL:        wsURL(srv, "alice"),
		MinBackoff: 10 * time.Millisecond,
		MaxBackoff: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	defer ws.Close()

	require.Eventually(t, func() bool { return len(relay.Online()) == 1 }, 5*time.Second, 10*time.Millisecond)

	// A second connection for the same user evicts the first; the client
	// reconnects and evicts the intruder in turn.
	raw, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "alice"), nil)
	require.NoError(t, err)
	defer raw.Close()
	_ = raw.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = raw.ReadMessage()
	require.Error(t, err)
	var ne net.Error
	assert.False(t, errors.As(err, &ne) && ne.Timeout(), "intruder should be closed, not time out")

	require.Eventually(t, ws.Connected, 5*time.Second, 10*time.Millisecond)
}

func TestP2PRoundTrip(t *testing.T) {
	ha, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
	require.NoError(t, err)
	defer ha.Close()
	hb, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
	require.NoError(t, err)
	defer hb.Close()

	a := NewP2PWithHost(ha)
	b := NewP2PWithHost(hb)
	defer a.Close()
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, ha.Connect(ctx, peer.AddrInfo{ID: hb.ID(), Addrs: hb.Addrs()}))

	ch, unsub := b.Subscribe()
	defer unsub()
	require.NoError(t, a.Send(ctx, proto.Message{Type: proto.TypeAccept, CallID: "c1", To: b.ID()}))

	got := recv(t, ch)
	assert.Equal(t, proto.TypeAccept, got.Type)
	assert.Equal(t, a.ID(), got.From)
	assert.NotEmpty(t, got.ID)

	assert.Error(t, a.Send(ctx, proto.Message{Type: proto.TypeEnd, To: "not-a-peer-id"}))
	assert.NotEmpty(t, a.Addrs())
}

func TestLoadOrCreateKey(t *testing.T) {
	path := t.TempDir() + "/keys/identity.key"
	k1, isNew, err := loadOrCreateKey(path)
	require.NoError(t, err)
	assert.True(t, isNew)
	k2, isNew, err := loadOrCreateKey(path)
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.True(t, k1.Equals(k2))
}
