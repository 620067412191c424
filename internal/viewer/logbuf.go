// internal/viewer/logbuf.go
package viewer

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/petervdpas/callsig/internal/util"
)

// LogEntry is one structured log line.
type LogEntry struct {
	TS        time.Time `json:"ts"`
	Level     string    `json:"level,omitempty"`
	Component string    `json:"component,omitempty"`
	Msg       string    `json:"msg"`
	Fields    string    `json:"fields,omitempty"` // the raw line when it carried more than level/component/message
}

// LogBuffer is an io.Writer sink for zerolog that keeps the last lines and
// streams new ones to subscribers.
type LogBuffer struct {
	mu      sync.Mutex
	entries *util.RingBuffer[LogEntry]

	subs map[chan LogEntry]struct{}

	partial bytes.Buffer
}

func NewLogBuffer(max int) *LogBuffer {
	if max <= 0 {
		max = 500
	}
	return &LogBuffer{
		entries: util.NewRingBuffer[LogEntry](max),
		subs:    make(map[chan LogEntry]struct{}),
	}
}

// Write implements io.Writer. Writes may split lines; only complete lines
// become entries.
func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.partial.Write(p)

	for {
		data := b.partial.Bytes()
		i := bytes.IndexByte(data, '\n')
		if i == -1 {
			break
		}

		line := strings.TrimRight(string(data[:i]), "\r")
		b.partial.Next(i + 1)
		if strings.TrimSpace(line) == "" {
			continue
		}

		e := parseLine(line)
		b.entries.Push(e)
		for ch := range b.subs {
			select {
			case ch <- e:
			default:
				// drop on slow subscriber
			}
		}
	}

	return len(p), nil
}

// parseLine reads a zerolog JSON line. Anything else is kept verbatim.
func parseLine(line string) LogEntry {
	var m map[string]any
	if err := json.Unmarshal([]byte(line), &m); err != nil {
		return LogEntry{TS: time.Now(), Msg: line}
	}
	e := LogEntry{TS: time.Now()}
	if s, ok := m["time"].(string); ok {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			e.TS = t
		}
	}
	e.Level, _ = m["level"].(string)
	e.Component, _ = m["component"].(string)
	e.Msg, _ = m["message"].(string)
	for k := range m {
		switch k {
		case "time", "level", "component", "message", "service":
		default:
			e.Fields = line
			return e
		}
	}
	return e
}

func (b *LogBuffer) Snapshot() []LogEntry {
	return b.entries.Snapshot()
}

func (b *LogBuffer) Subscribe() (ch chan LogEntry, cancel func()) {
	ch = make(chan LogEntry, 64)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel = func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// GET /api/logs
func (b *LogBuffer) ServeLogsJSON(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(b.Snapshot())
}

// GET /api/logs/stream (Server-Sent Events), tail only.
func (b *LogBuffer) ServeLogsSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := b.Subscribe()
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			data, _ := json.Marshal(e)
			_, _ = w.Write([]byte("event: message\ndata: " + string(data) + "\n\n"))
			flusher.Flush()
		}
	}
}
