package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/petervdpas/callsig/internal/metrics"
	"github.com/petervdpas/callsig/internal/util"
)

// Routes mounts the websocket endpoint and the operational endpoints.
func (h *Hub) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", h)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":     true,
			"online": len(h.Online()),
		})
	})
	return mux
}

// ListenAndServe serves the relay on addr until ctx is done, then closes
// every connection.
func (h *Hub) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h.Routes(),
		ReadHeaderTimeout: util.DefaultConnectTimeout,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	h.log.Info().Str("addr", addr).Bool("events", h.opts.Events).Msg("relay listening")

	select {
	case err := <-errc:
		h.Close()
		return err
	case <-ctx.Done():
	}

	h.Close()
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
