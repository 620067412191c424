// internal/viewer/routes/register.go
package routes

import (
	"net/http"

	"github.com/petervdpas/callsig/internal/chat"
	"github.com/petervdpas/callsig/internal/storage"
)

type Logs interface {
	ServeLogsJSON(w http.ResponseWriter, r *http.Request)
	ServeLogsSSE(w http.ResponseWriter, r *http.Request)
}

type Deps struct {
	Calls   Calls
	Chat    *chat.Manager
	Relay   Relay
	DB      *storage.DB
	Logs    Logs
	Surface *Surface
	CfgPath string
}

func Register(mux *http.ServeMux, d Deps) {
	registerAPILogRoutes(mux, d)
	registerSettingsRoutes(mux, d)

	if d.Calls != nil {
		RegisterCall(mux, d.Calls, d.DB, d.Surface)
	}
	if d.Chat != nil && d.Relay != nil {
		RegisterChat(mux, d.Chat, d.DB, d.Relay.SelfID)
	}
	if d.Relay != nil {
		RegisterMQ(mux, d.Relay)
	}
}
