package viewer

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/callkit/internal/viewer/routes"
)

var log = logging.Logger("viewer")

// Viewer is the local HTTP surface the UI layer talks to.
type Viewer struct {
	Calls   routes.Calls
	History routes.History
	Logs    *LogBuffer
}

// Handler builds the mux. API responses are never cached.
func Handler(v Viewer) http.Handler {
	mux := http.NewServeMux()
	deps := routes.Deps{
		Calls:   v.Calls,
		History: v.History,
	}
	if v.Logs != nil {
		deps.Logs = v.Logs
	}
	routes.Register(mux, deps)
	return noCache(mux)
}

// Start serves v on addr until ctx is done.
func Start(ctx context.Context, addr string, v Viewer) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           Handler(v),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Infof("call API listening on http://%s", ln.Addr())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
