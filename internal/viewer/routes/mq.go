package routes

import (
	"net/http"

	"github.com/petervdpas/callsig/internal/mq"
)

// Relay is the part of the relay connection the viewer exposes.
// *mq.Manager satisfies it.
type Relay interface {
	Connected() bool
	SelfID() string
	HasCapability(c string) bool
	Subscribe() (<-chan mq.Event, func())
}

// RegisterMQ adds the relay connection endpoints.
//
//	GET /api/mq/status   connection state and advertised capabilities
//	GET /api/mq/events   SSE stream of traffic and connection events
func RegisterMQ(mux *http.ServeMux, relay Relay) {
	handleGet(mux, "/api/mq/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"connected": relay.Connected(),
			"user_id":   relay.SelfID(),
			"events":    relay.HasCapability(mq.CapabilityEvents),
		})
	})

	handleGet(mux, "/api/mq/events", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}
		sseHeaders(w)

		evtCh, cancel := relay.Subscribe()
		defer cancel()

		_, _ = w.Write([]byte("event: connected\ndata: {\"status\":\"ok\"}\n\n"))
		flusher.Flush()

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-evtCh:
				if !ok {
					return
				}
				if writeEvent(w, "message", evt) != nil {
					return
				}
				flusher.Flush()
			}
		}
	})
}
