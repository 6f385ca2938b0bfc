package routes

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/callkit/internal/call"
	"github.com/petervdpas/callkit/internal/media"
	"github.com/petervdpas/callkit/internal/util"
)

var log = logging.Logger("viewer")

// ErrNoScreen is returned by Calls actions when the screen they belong to is
// not mounted.
var ErrNoScreen = errors.New("no call screen for this action")

// ssePing keeps idle event streams open through proxies.
const ssePing = 25 * time.Second

// RegisterCall adds the call screen endpoints.
//
//	GET  /api/call/state          current screen view
//	GET  /api/call/events         SSE: view changes, ringer, navigation
//	POST /api/call/dial           start an outgoing call
//	POST /api/call/accept|reject  Incoming screen buttons
//	POST /api/call/end|toggle-*|switch-camera Ongoing screen buttons
//	GET  /api/call/debug          media stats of the live call
func RegisterCall(mux *http.ServeMux, calls Calls) {
	handleGet(mux, "/api/call/state", func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{"self": calls.Self(), "view": nil}
		if v, ok := calls.Current(); ok {
			resp["view"] = v
		}
		writeJSON(w, resp)
	})

	handleGet(mux, "/api/call/events", func(w http.ResponseWriter, r *http.Request) {
		sseHeaders(w)
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		ch, cancel := calls.Subscribe()
		defer cancel()

		fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"ok\"}\n\n")
		flusher.Flush()

		ping := time.NewTicker(ssePing)
		defer ping.Stop()

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ping.C:
				fmt.Fprint(w, ": ping\n\n")
				flusher.Flush()
			case ev, ok := <-ch:
				if !ok {
					return
				}
				data, err := json.Marshal(ev.Data)
				if err != nil {
					log.Warnf("SSE marshal %s: %v", ev.Name, err)
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, data)
				flusher.Flush()
			}
		}
	})

	handlePost(mux, "/api/call/dial", func(w http.ResponseWriter, r *http.Request, req struct {
		PeerID    string `json:"peer_id"`
		Name      string `json:"name"`
		AvatarURL string `json:"avatar_url"`
		CallType  string `json:"call_type"`
	}) {
		id, err := util.ValidateUserID(req.PeerID)
		if err != nil {
			http.Error(w, "peer_id: "+err.Error(), http.StatusBadRequest)
			return
		}
		t := call.Type(strings.ToLower(req.CallType))
		if t == "" {
			t = call.Voice
		}
		if !t.Valid() {
			http.Error(w, "call_type must be voice or video", http.StatusBadRequest)
			return
		}
		callID, err := calls.Dial(r.Context(), call.PeerUser{ID: id, DisplayName: req.Name, AvatarURL: req.AvatarURL}, t)
		if err != nil {
			callError(w, "dial", err)
			return
		}
		writeJSON(w, map[string]string{"status": "calling", "call_id": callID})
	})

	action := func(path, status string, fn func(r *http.Request) error) {
		handlePost(mux, path, func(w http.ResponseWriter, r *http.Request, _ struct{}) {
			if err := fn(r); err != nil {
				callError(w, strings.TrimPrefix(path, "/api/call/"), err)
				return
			}
			writeJSON(w, map[string]string{"status": status})
		})
	}
	action("/api/call/accept", "accepted", func(r *http.Request) error { return calls.Accept(r.Context()) })
	action("/api/call/reject", "rejected", func(r *http.Request) error { return calls.Reject(r.Context()) })
	action("/api/call/end", "ended", func(r *http.Request) error { return calls.End(r.Context()) })
	action("/api/call/switch-camera", "ok", func(*http.Request) error { return calls.SwitchCamera() })

	toggle := func(path, key string, fn func() (bool, error)) {
		handlePost(mux, path, func(w http.ResponseWriter, r *http.Request, _ struct{}) {
			on, err := fn()
			if err != nil {
				callError(w, strings.TrimPrefix(path, "/api/call/"), err)
				return
			}
			writeJSON(w, map[string]bool{key: on})
		})
	}
	toggle("/api/call/toggle-audio", "muted", calls.ToggleAudio)
	toggle("/api/call/toggle-video", "videoOff", calls.ToggleVideo)
	toggle("/api/call/toggle-speaker", "speaker", calls.ToggleSpeaker)

	handleGet(mux, "/api/call/debug", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, calls.Debug())
	})
}

func registerHistoryRoutes(mux *http.ServeMux, h History) {
	// GET /api/call/history?limit=50
	handleGet(mux, "/api/call/history", func(w http.ResponseWriter, r *http.Request) {
		calls, err := h.ListCalls(r.Context(), queryInt(r, "limit", 50))
		if err != nil {
			http.Error(w, fmt.Sprintf("list calls: %v", err), http.StatusInternalServerError)
			return
		}
		since := time.Now().Add(-24 * time.Hour)
		missed, err := h.CountMissed(r.Context(), since)
		if err != nil {
			http.Error(w, fmt.Sprintf("count missed: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"calls": calls, "missed_24h": missed})
	})
}

// callError maps call and media errors to HTTP statuses.
func callError(w http.ResponseWriter, op string, err error) {
	code := http.StatusInternalServerError
	var acq *media.MediaAcquisitionError
	var sig *call.SignalingError
	switch {
	case errors.Is(err, call.ErrBusy), errors.Is(err, media.ErrHandleBusy):
		code = http.StatusConflict
	case errors.Is(err, call.ErrNoSession), errors.Is(err, ErrNoScreen):
		code = http.StatusNotFound
	case errors.Is(err, call.ErrInvalidTransition):
		code = http.StatusConflict
	case errors.As(err, &acq):
		code = http.StatusFailedDependency
	case errors.As(err, &sig):
		code = http.StatusBadGateway
	}
	if code >= 500 {
		log.Warnf("%s: %v", op, err)
	}
	http.Error(w, fmt.Sprintf("%s failed: %v", op, err), code)
}
