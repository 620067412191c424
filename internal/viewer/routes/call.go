package routes

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/petervdpas/callsig/internal/call"
	"github.com/petervdpas/callsig/internal/calls"
	"github.com/petervdpas/callsig/internal/storage"
)

// Calls is the call manager surface the HTTP API drives. *call.Manager
// satisfies it.
type Calls interface {
	Initiate(ctx context.Context, peer string, typ calls.Type) (*calls.Call, error)
	Accept(ctx context.Context, callID string) error
	Reject(ctx context.Context, callID, reason string) error
	End(ctx context.Context, callID, reason string) error
	ToggleAudio() (bool, error)
	ToggleVideo() (bool, error)
	SwitchCamera(ctx context.Context) error
	Snapshot() call.State
	History() []*calls.Call
	Subscribe() (<-chan call.State, func())
}

// Surface fans "open this call" requests out to connected UIs. It is the
// call.Surface the notifier uses after an automatic accept.
type Surface struct {
	mu   sync.Mutex
	subs map[chan string]struct{}
}

func NewSurface() *Surface {
	return &Surface{subs: make(map[chan string]struct{})}
}

func (s *Surface) Open(callID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- callID:
		default:
		}
	}
}

func (s *Surface) subscribe() (<-chan string, func()) {
	ch := make(chan string, 4)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()
	return ch, func() {
		s.mu.Lock()
		delete(s.subs, ch)
		s.mu.Unlock()
	}
}

type callReq struct {
	CallID string `json:"call_id"`
	Reason string `json:"reason"`
}

// RegisterCall registers the call API.
//
//	GET  /api/call/state          current call, incoming invite, recent calls
//	GET  /api/call/events         SSE: state after every change
//	POST /api/call/start          {peer, type}
//	POST /api/call/accept         {call_id}   empty id answers the ringing call
//	POST /api/call/reject         {call_id, reason}
//	POST /api/call/hangup         {call_id, reason}
//	POST /api/call/toggle-audio
//	POST /api/call/toggle-video
//	POST /api/call/switch-camera
//	GET  /api/call/history        ?peer=&status=&limit=&offset=
//	GET  /api/call/record/{id}
func RegisterCall(mux *http.ServeMux, cm Calls, db *storage.DB, surf *Surface) {
	handleGet(mux, "/api/call/state", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, cm.Snapshot())
	})

	handlePost(mux, "/api/call/start", func(w http.ResponseWriter, r *http.Request, req struct {
		Peer string     `json:"peer"`
		Type calls.Type `json:"type"`
	}) {
		if req.Peer == "" {
			http.Error(w, "missing peer", http.StatusBadRequest)
			return
		}
		if req.Type == "" {
			req.Type = calls.TypeVideo
		}
		if !req.Type.Valid() {
			http.Error(w, "type must be voice or video", http.StatusBadRequest)
			return
		}
		c, err := cm.Initiate(r.Context(), req.Peer, req.Type)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, c)
	})

	handlePost(mux, "/api/call/accept", func(w http.ResponseWriter, r *http.Request, req callReq) {
		id := req.CallID
		if id == "" {
			if ic := cm.Snapshot().Incoming; ic != nil {
				id = ic.CallID
			}
		}
		if id == "" {
			http.Error(w, "no incoming call", http.StatusConflict)
			return
		}
		if err := cm.Accept(r.Context(), id); err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "accepted", "call_id": id})
	})

	handlePost(mux, "/api/call/reject", func(w http.ResponseWriter, r *http.Request, req callReq) {
		id := req.CallID
		if id == "" {
			if ic := cm.Snapshot().Incoming; ic != nil {
				id = ic.CallID
			}
		}
		if id == "" {
			http.Error(w, "no incoming call", http.StatusConflict)
			return
		}
		if req.Reason == "" {
			req.Reason = "declined"
		}
		if err := cm.Reject(r.Context(), id, req.Reason); err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "rejected", "call_id": id})
	})

	handlePost(mux, "/api/call/hangup", func(w http.ResponseWriter, r *http.Request, req callReq) {
		id := req.CallID
		if id == "" {
			if c := cm.Snapshot().Call; c != nil {
				id = c.ID
			}
		}
		if id == "" {
			writeJSON(w, map[string]string{"status": "not_found"})
			return
		}
		if req.Reason == "" {
			req.Reason = "hangup"
		}
		if err := cm.End(r.Context(), id, req.Reason); err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "hung_up", "call_id": id})
	})

	handlePost(mux, "/api/call/toggle-audio", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		on, err := cm.ToggleAudio()
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, map[string]bool{"enabled": on})
	})

	handlePost(mux, "/api/call/toggle-video", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		on, err := cm.ToggleVideo()
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, map[string]bool{"enabled": on})
	})

	handlePost(mux, "/api/call/switch-camera", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		if err := cm.SwitchCamera(r.Context()); err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "ok"})
	})

	// Each connection gets its own subscription; it is dropped on disconnect.
	handleGet(mux, "/api/call/events", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}
		sseHeaders(w)

		states, cancel := cm.Subscribe()
		defer cancel()
		var opens <-chan string
		if surf != nil {
			ch, unsub := surf.subscribe()
			defer unsub()
			opens = ch
		}

		if writeEvent(w, "state", cm.Snapshot()) != nil {
			return
		}
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case st, ok := <-states:
				if !ok {
					return
				}
				if writeEvent(w, "state", st) != nil {
					return
				}
			case id := <-opens:
				if writeEvent(w, "open", map[string]string{"call_id": id}) != nil {
					return
				}
			}
			flusher.Flush()
		}
	})

	handleGet(mux, "/api/call/history", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if db == nil {
			writeJSON(w, filterHistory(cm.History(), q.Get("peer"), calls.Status(q.Get("status"))))
			return
		}
		opts := storage.ListOpts{Peer: q.Get("peer"), Status: calls.Status(q.Get("status"))}
		if v := q.Get("limit"); v != "" {
			if opts.Limit = atoiOrNeg(v); opts.Limit < 0 {
				http.Error(w, "bad limit", http.StatusBadRequest)
				return
			}
		}
		if v := q.Get("offset"); v != "" {
			if opts.Offset = atoiOrNeg(v); opts.Offset < 0 {
				http.Error(w, "bad offset", http.StatusBadRequest)
				return
			}
		}
		list, err := db.ListCalls(r.Context(), opts)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, list)
	})

	handleGet(mux, "/api/call/record/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/call/record/"), "/")
		if id == "" {
			http.Error(w, "missing call id", http.StatusBadRequest)
			return
		}
		if st := cm.Snapshot(); st.Call != nil && st.Call.ID == id {
			writeJSON(w, st.Call)
			return
		}
		if db == nil {
			for _, c := range cm.History() {
				if c.ID == id {
					writeJSON(w, c)
					return
				}
			}
			http.Error(w, "call not found", http.StatusNotFound)
			return
		}
		c, err := db.GetCall(r.Context(), id)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, c)
	})
}

// filterHistory returns the in-memory history newest first.
func filterHistory(in []*calls.Call, peer string, status calls.Status) []*calls.Call {
	out := make([]*calls.Call, 0, len(in))
	for i := len(in) - 1; i >= 0; i-- {
		c := in[i]
		if peer != "" && c.CallerID != peer && c.ReceiverID != peer {
			continue
		}
		if status != "" && c.Status != status {
			continue
		}
		out = append(out, c)
	}
	return out
}
