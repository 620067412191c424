// Package viewer is the client's local HTTP API: call control, chat, relay
// status, logs and metrics on a loopback address.
package viewer

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/petervdpas/callsig/internal/chat"
	"github.com/petervdpas/callsig/internal/metrics"
	"github.com/petervdpas/callsig/internal/storage"
	"github.com/petervdpas/callsig/internal/util"
	"github.com/petervdpas/callsig/internal/viewer/routes"
)

type Viewer struct {
	Calls   routes.Calls
	Chat    *chat.Manager
	Relay   routes.Relay
	DB      *storage.DB // nil when history is disabled
	Logs    *LogBuffer
	Surface *routes.Surface

	CfgPath string
	Log     zerolog.Logger
}

// Handler builds the API mux.
func (v Viewer) Handler() http.Handler {
	api := http.NewServeMux()

	deps := routes.Deps{
		Calls:   v.Calls,
		Chat:    v.Chat,
		Relay:   v.Relay,
		DB:      v.DB,
		Surface: v.Surface,
		CfgPath: v.CfgPath,
	}
	if v.Logs != nil {
		deps.Logs = v.Logs
	}
	routes.Register(api, deps)

	mux := http.NewServeMux()
	mux.Handle("/api/", noCache(api))
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

// Start serves the API on addr until ctx is done.
func Start(ctx context.Context, addr string, v Viewer) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           v.Handler(),
		ReadHeaderTimeout: util.DefaultConnectTimeout,
		// Request contexts end with ctx so SSE streams let go on shutdown.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	v.Log.Info().Str("addr", "http://"+addr).Msg("viewer listening")

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
