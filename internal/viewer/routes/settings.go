// internal/viewer/routes/settings.go
package routes

import (
	"net/http"
	"strings"

	"github.com/petervdpas/callsig/internal/config"
)

type callSettings struct {
	RingTimeoutSec             int    `json:"ring_timeout_seconds"`
	SetupTimeoutSec            int    `json:"setup_timeout_seconds"`
	AutoAnswer                 string `json:"auto_answer"`
	PreferChat                 bool   `json:"prefer_chat"`
	SuppressInOpenConversation bool   `json:"suppress_in_open_conversation"`
	DisplayName                string `json:"display_name"`
}

func registerSettingsRoutes(mux *http.ServeMux, d Deps) {
	if d.CfgPath == "" {
		return
	}

	handleGet(mux, "/api/settings", func(w http.ResponseWriter, r *http.Request) {
		cfg, err := config.Load(d.CfgPath)
		if err != nil {
			http.Error(w, "failed to load config", http.StatusInternalServerError)
			return
		}
		writeJSON(w, callSettings{
			RingTimeoutSec:             cfg.Call.RingTimeoutSec,
			SetupTimeoutSec:            cfg.Call.SetupTimeoutSec,
			AutoAnswer:                 cfg.Call.AutoAnswer,
			PreferChat:                 cfg.Call.PreferChat,
			SuppressInOpenConversation: cfg.Call.SuppressInOpenConversation,
			DisplayName:                cfg.Identity.DisplayName,
		})
	})

	// Partial update: only non-nil fields are written. Timeouts take effect
	// through the config watcher; the rest on the next start.
	handlePost(mux, "/api/settings", func(w http.ResponseWriter, r *http.Request, req struct {
		RingTimeoutSec             *int    `json:"ring_timeout_seconds"`
		SetupTimeoutSec            *int    `json:"setup_timeout_seconds"`
		AutoAnswer                 *string `json:"auto_answer"`
		PreferChat                 *bool   `json:"prefer_chat"`
		SuppressInOpenConversation *bool   `json:"suppress_in_open_conversation"`
		DisplayName                *string `json:"display_name"`
	}) {
		cfg, err := config.Load(d.CfgPath)
		if err != nil {
			http.Error(w, "failed to load config", http.StatusInternalServerError)
			return
		}

		if req.RingTimeoutSec != nil {
			cfg.Call.RingTimeoutSec = *req.RingTimeoutSec
		}
		if req.SetupTimeoutSec != nil {
			cfg.Call.SetupTimeoutSec = *req.SetupTimeoutSec
		}
		if req.AutoAnswer != nil {
			cfg.Call.AutoAnswer = strings.TrimSpace(*req.AutoAnswer)
		}
		if req.PreferChat != nil {
			cfg.Call.PreferChat = *req.PreferChat
		}
		if req.SuppressInOpenConversation != nil {
			cfg.Call.SuppressInOpenConversation = *req.SuppressInOpenConversation
		}
		if req.DisplayName != nil {
			cfg.Identity.DisplayName = strings.TrimSpace(*req.DisplayName)
		}

		if err := cfg.Validate(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := config.Save(d.CfgPath, cfg); err != nil {
			http.Error(w, "failed to save", http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{"status": "ok"})
	})
}
