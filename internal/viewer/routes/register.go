// internal/viewer/routes/register.go
package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/petervdpas/callkit/internal/call"
	"github.com/petervdpas/callkit/internal/screen"
	"github.com/petervdpas/callkit/internal/storage"
)

type Logs interface {
	ServeLogsJSON(w http.ResponseWriter, r *http.Request)
	ServeLogsSSE(w http.ResponseWriter, r *http.Request)
}

// Event is one server-sent event on /api/call/events.
type Event struct {
	Name string `json:"name"`
	Data any    `json:"data"`
}

// Calls is what the host exposes to the UI layer. Every action maps to a
// button on one of the call screens.
type Calls interface {
	Self() call.PeerUser
	// Current returns the view of the mounted screen, if any.
	Current() (screen.View, bool)
	Subscribe() (<-chan Event, func())

	Dial(ctx context.Context, peer call.PeerUser, t call.Type) (string, error)
	Accept(ctx context.Context) error
	Reject(ctx context.Context) error
	End(ctx context.Context) error
	ToggleAudio() (bool, error)
	ToggleVideo() (bool, error)
	ToggleSpeaker() (bool, error)
	SwitchCamera() error
	Debug() any
}

// History is the call log.
type History interface {
	ListCalls(ctx context.Context, limit int) ([]storage.CallRecord, error)
	CountMissed(ctx context.Context, since time.Time) (int, error)
}

type Deps struct {
	Calls   Calls
	History History
	Logs    Logs
}

func Register(mux *http.ServeMux, d Deps) {
	registerAPILogRoutes(mux, d)
	if d.Calls != nil {
		RegisterCall(mux, d.Calls)
	}
	if d.History != nil {
		registerHistoryRoutes(mux, d.History)
	}
}
