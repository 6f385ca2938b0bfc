package viewer

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/callkit/internal/viewer/routes"
)

func TestHubReplaysLastEventPerName(t *testing.T) {
	h := NewHub()
	h.Publish("view", 1)
	h.Publish("ringer", true)
	h.Publish("view", 2)

	ch, cancel := h.Subscribe()
	defer cancel()

	assert.Equal(t, routes.Event{Name: "view", Data: 2}, <-ch)
	assert.Equal(t, routes.Event{Name: "ringer", Data: true}, <-ch)

	h.Publish("closed", "x")
	select {
	case ev := <-ch:
		assert.Equal(t, "closed", ev.Name)
	case <-time.After(time.Second):
		t.Fatal("live event not delivered")
	}
}

func TestHubForget(t *testing.T) {
	h := NewHub()
	h.Publish("view", 1)
	h.Publish("ringer", false)
	h.Forget("view")
	h.Forget("missing")

	ch, cancel := h.Subscribe()
	defer cancel()
	assert.Equal(t, "ringer", (<-ch).Name)
	select {
	case ev := <-ch:
		t.Fatalf("unexpected replay %v", ev)
	default:
	}
}

func TestHubCancelClosesChannel(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe()
	cancel()
	cancel()
	_, ok := <-ch
	assert.False(t, ok)

	// Publishing to nobody must not block.
	for i := 0; i < 100; i++ {
		h.Publish("view", i)
	}
}

func TestHubSlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub()
	_, cancel := h.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			h.Publish(fmt.Sprintf("e%d", i%3), i)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestLogBufferParsesGoLogLines(t *testing.T) {
	b := NewLogBuffer(10)
	_, err := b.Write([]byte(`{"level":"warn","ts":"2024-01-01T00:00:00.000+0100","logger":"call","caller":"call/dispatch.go:42","msg":"peer gone"}` + "\n"))
	require.NoError(t, err)
	_, err = b.Write([]byte("plain line\n\n"))
	require.NoError(t, err)

	got := b.Snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, "warn", got[0].Level)
	assert.Equal(t, "call", got[0].Logger)
	assert.Equal(t, "peer gone", got[0].Msg)
	assert.Equal(t, "plain line", got[1].Msg)
	assert.Empty(t, got[1].Level)
}

func TestLogBufferHoldsPartialLines(t *testing.T) {
	b := NewLogBuffer(10)
	ch, cancel := b.Subscribe()
	defer cancel()

	_, _ = b.Write([]byte("half"))
	assert.Empty(t, b.Snapshot())
	_, _ = b.Write([]byte(" and half\r\n"))

	require.Len(t, b.Snapshot(), 1)
	assert.Equal(t, "half and half", (<-ch).Msg)
}

func TestLogBufferIsBounded(t *testing.T) {
	b := NewLogBuffer(3)
	for i := 0; i < 5; i++ {
		fmt.Fprintf(b, "line %d\n", i)
	}
	got := b.Snapshot()
	require.Len(t, got, 3)
	assert.Equal(t, "line 2", got[0].Msg)
	assert.Equal(t, "line 4", got[2].Msg)
}

func TestLogBufferKeepsWarningsThroughDebugBursts(t *testing.T) {
	b := NewLogBuffer(3)
	line := func(level, msg string) {
		fmt.Fprintf(b, `{"level":%q,"logger":"media","msg":%q}`+"\n", level, msg)
	}
	line("error", "ice failed")
	for i := 0; i < 10; i++ {
		line("debug", fmt.Sprintf("packet %d", i))
	}
	got := b.Snapshot()
	require.Len(t, got, 3)
	assert.Equal(t, "ice failed", got[0].Msg)
	assert.Equal(t, "packet 8", got[1].Msg)
	assert.Equal(t, "packet 9", got[2].Msg)

	line("warn", "w1")
	line("warn", "w2")
	line("warn", "w3")
	got = b.Snapshot()
	require.Len(t, got, 3)
	assert.Equal(t, []string{"w1", "w2", "w3"}, []string{got[0].Msg, got[1].Msg, got[2].Msg},
		"with only important entries left the oldest goes")
}

func TestHandlerServesLogs(t *testing.T) {
	b := NewLogBuffer(10)
	_, _ = b.Write([]byte(`{"level":"info","logger":"app","msg":"started"}` + "\n"))
	_, _ = b.Write([]byte(`{"level":"error","logger":"call","msg":"boom"}` + "\n"))

	srv := httptest.NewServer(Handler(Viewer{Logs: b}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/logs?level=error")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Cache-Control"), "no-store")

	var entries []LogEntry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "boom", entries[0].Msg)
}

func TestHandlerWithoutCallsHasNoCallRoutes(t *testing.T) {
	srv := httptest.NewServer(Handler(Viewer{}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/call/state")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
