package routes

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/petervdpas/callsig/internal/chat"
	"github.com/petervdpas/callsig/internal/storage"
)

// RegisterChat wires the chat endpoints and the contact list.
//
//	POST /api/chat/send       {to, content}
//	POST /api/chat/open       {peer}  marks the conversation as open; empty closes it
//	GET  /api/chat/history    ?peer=X  messages with X from the in-memory buffer
//	GET  /api/chat/events     SSE of new messages
//	GET  /api/contacts        users seen on calls (needs the DB)
func RegisterChat(mux *http.ServeMux, cm *chat.Manager, db *storage.DB, selfID func() string) {
	handlePost(mux, "/api/chat/send", func(w http.ResponseWriter, r *http.Request, req struct {
		To      string `json:"to"`
		Content string `json:"content"`
	}) {
		req.Content = strings.TrimSpace(req.Content)
		if req.To == "" || req.Content == "" {
			http.Error(w, "missing to or content", http.StatusBadRequest)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
		defer cancel()
		msg, err := cm.SendDirect(ctx, req.To, req.Content)
		if err != nil {
			http.Error(w, err.Error(), http.StatusGatewayTimeout)
			return
		}
		writeJSON(w, msg)
	})

	handlePost(mux, "/api/chat/open", func(w http.ResponseWriter, r *http.Request, req struct {
		Peer string `json:"peer"`
	}) {
		id := ""
		if req.Peer != "" {
			id = chat.ConversationID(selfID(), req.Peer)
		}
		cm.SetOpenConversation(id)
		writeJSON(w, map[string]string{"conversation_id": id})
	})

	handleGet(mux, "/api/chat/history", func(w http.ResponseWriter, r *http.Request) {
		peer := r.URL.Query().Get("peer")
		if peer == "" {
			writeJSON(w, cm.GetMessages())
			return
		}
		writeJSON(w, cm.GetConversation(peer))
	})

	handleGet(mux, "/api/chat/events", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}
		sseHeaders(w)

		ch := cm.Subscribe()
		defer cm.Unsubscribe(ch)

		_, _ = w.Write([]byte("event: connected\ndata: {\"status\":\"ok\"}\n\n"))
		flusher.Flush()
		for {
			select {
			case <-r.Context().Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if writeEvent(w, "message", msg) != nil {
					return
				}
				flusher.Flush()
			}
		}
	})

	handleGet(mux, "/api/contacts", func(w http.ResponseWriter, r *http.Request) {
		if db == nil {
			writeJSON(w, []storage.Contact{})
			return
		}
		list, err := db.ListContacts(r.Context())
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, list)
	})
}
