package routes

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/callkit/internal/call"
	"github.com/petervdpas/callkit/internal/media"
	"github.com/petervdpas/callkit/internal/screen"
	"github.com/petervdpas/callkit/internal/storage"
)

type fakeCalls struct {
	mu     sync.Mutex
	view   *screen.View
	dialed []call.PeerUser
	types  []call.Type
	err    error
	events chan Event
	muted  bool
}

func (f *fakeCalls) Self() call.PeerUser { return call.PeerUser{ID: "me"} }

func (f *fakeCalls) Current() (screen.View, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.view == nil {
		return screen.View{}, false
	}
	return *f.view, true
}

func (f *fakeCalls) Subscribe() (<-chan Event, func()) {
	return f.events, func() {}
}

func (f *fakeCalls) Dial(ctx context.Context, peer call.PeerUser, t call.Type) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.dialed = append(f.dialed, peer)
	f.types = append(f.types, t)
	return "call-1", nil
}

func (f *fakeCalls) Accept(context.Context) error { return f.err }
func (f *fakeCalls) Reject(context.Context) error { return f.err }
func (f *fakeCalls) End(context.Context) error    { return f.err }
func (f *fakeCalls) SwitchCamera() error          { return f.err }

func (f *fakeCalls) ToggleAudio() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	f.muted = !f.muted
	return f.muted, nil
}

func (f *fakeCalls) ToggleVideo() (bool, error)   { return true, f.err }
func (f *fakeCalls) ToggleSpeaker() (bool, error) { return false, f.err }
func (f *fakeCalls) Debug() any                   { return map[string]string{"state": "idle"} }

type fakeHistory struct{}

func (fakeHistory) ListCalls(_ context.Context, limit int) ([]storage.CallRecord, error) {
	return []storage.CallRecord{{CallID: fmt.Sprintf("limit-%d", limit)}}, nil
}

func (fakeHistory) CountMissed(context.Context, time.Time) (int, error) { return 2, nil }

func newMux(f *fakeCalls) *http.ServeMux {
	mux := http.NewServeMux()
	Register(mux, Deps{Calls: f, History: fakeHistory{}})
	return mux
}

func post(t *testing.T, mux http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.RemoteAddr = "127.0.0.1:40000"
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func get(t *testing.T, mux http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestState(t *testing.T) {
	f := &fakeCalls{}
	mux := newMux(f)

	w := get(t, mux, "/api/call/state")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"self":{"id":"me","displayName":""},"view":null}`, w.Body.String())

	f.view = &screen.View{Screen: screen.RouteIncoming, CallID: "c1", Status: screen.StatusRinging}
	w = get(t, mux, "/api/call/state")
	var resp struct {
		View screen.View `json:"view"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "c1", resp.View.CallID)
	assert.Equal(t, screen.StatusRinging, resp.View.Status)
}

func TestDial(t *testing.T) {
	f := &fakeCalls{}
	mux := newMux(f)

	w := post(t, mux, "/api/call/dial", `{"peer_id":"bob","name":"Bob","call_type":"VIDEO"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"status":"calling","call_id":"call-1"}`, w.Body.String())
	require.Len(t, f.dialed, 1)
	assert.Equal(t, "Bob", f.dialed[0].DisplayName)
	assert.Equal(t, call.Video, f.types[0])

	w = post(t, mux, "/api/call/dial", `{"peer_id":"bob"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, call.Voice, f.types[1])
}

func TestDialValidation(t *testing.T) {
	mux := newMux(&fakeCalls{})

	for name, body := range map[string]string{
		"missing peer": `{"call_type":"voice"}`,
		"bad peer":     `{"peer_id":"../etc"}`,
		"bad type":     `{"peer_id":"bob","call_type":"fax"}`,
		"bad json":     `{"peer_id":`,
	} {
		t.Run(name, func(t *testing.T) {
			w := post(t, mux, "/api/call/dial", body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestPostRequiresLoopback(t *testing.T) {
	mux := newMux(&fakeCalls{})
	req := httptest.NewRequest(http.MethodPost, "/api/call/end", nil)
	req.RemoteAddr = "192.0.2.10:5555"
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = get(t, mux, "/api/call/end")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestActions(t *testing.T) {
	mux := newMux(&fakeCalls{})
	for path, want := range map[string]string{
		"/api/call/accept":         `{"status":"accepted"}`,
		"/api/call/reject":         `{"status":"rejected"}`,
		"/api/call/end":            `{"status":"ended"}`,
		"/api/call/switch-camera":  `{"status":"ok"}`,
		"/api/call/toggle-audio":   `{"muted":true}`,
		"/api/call/toggle-video":   `{"videoOff":true}`,
		"/api/call/toggle-speaker": `{"speaker":false}`,
	} {
		w := post(t, mux, path, "")
		require.Equal(t, http.StatusOK, w.Code, path)
		assert.JSONEq(t, want, w.Body.String(), path)
	}
}

func TestErrorStatuses(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{call.ErrBusy, http.StatusConflict},
		{media.ErrHandleBusy, http.StatusConflict},
		{call.ErrInvalidTransition, http.StatusConflict},
		{call.ErrNoSession, http.StatusNotFound},
		{ErrNoScreen, http.StatusNotFound},
		{&media.MediaAcquisitionError{Reason: media.ReasonPermissionDenied, Err: errors.New("denied")}, http.StatusFailedDependency},
		{&call.SignalingError{Op: "accept", CallID: "c1", Err: errors.New("offline")}, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		mux := newMux(&fakeCalls{err: tc.err})
		w := post(t, mux, "/api/call/accept", "")
		assert.Equal(t, tc.code, w.Code, tc.err.Error())
	}
}

func TestHistory(t *testing.T) {
	mux := newMux(&fakeCalls{})
	w := get(t, mux, "/api/call/history?limit=5")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Calls  []storage.CallRecord `json:"calls"`
		Missed int                  `json:"missed_24h"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Calls, 1)
	assert.Equal(t, "limit-5", resp.Calls[0].CallID)
	assert.Equal(t, 2, resp.Missed)
}

func TestEventsStream(t *testing.T) {
	f := &fakeCalls{events: make(chan Event, 4)}
	srv := httptest.NewServer(newMux(f))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/call/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream; charset=utf-8", resp.Header.Get("Content-Type"))

	f.events <- Event{Name: "ringer", Data: map[string]bool{"ringing": true}}

	sc := bufio.NewScanner(resp.Body)
	var lines []string
	for sc.Scan() {
		lines = append(lines, sc.Text())
		if strings.HasPrefix(sc.Text(), "data: {\"ringing\"") {
			break
		}
	}
	assert.Contains(t, lines, "event: connected")
	assert.Contains(t, lines, "event: ringer")
	assert.Contains(t, lines, `data: {"ringing":true}`)
}
