// Package mqtest provides an in-process stand-in for the relay connection.
package mqtest

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/petervdpas/callsig/internal/mq"
)

// Sent is one recorded outbound message.
type Sent struct {
	To      string
	Topic   string
	Payload json.RawMessage
}

type sub struct {
	id     int
	prefix string
	fn     mq.Handler
}

// Transport records outbound messages and lets tests deliver inbound ones.
// Deliver runs handlers synchronously, like the real read loop.
type Transport struct {
	self string

	mu      sync.Mutex
	caps    map[string]bool
	subs    []sub
	nextID  int
	sent    []Sent
	sendErr error
	onSend  func(Sent)

	deliverMu sync.Mutex
}

// New returns a transport for user self advertising caps.
func New(self string, caps ...string) *Transport {
	t := &Transport{self: self, caps: make(map[string]bool)}
	for _, c := range caps {
		t.caps[c] = true
	}
	return t
}

func (t *Transport) SelfID() string { return t.self }

func (t *Transport) HasCapability(c string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.caps[c]
}

// SetCapability toggles a capability.
func (t *Transport) SetCapability(c string, on bool) {
	t.mu.Lock()
	t.caps[c] = on
	t.mu.Unlock()
}

// FailSends makes every Send return err until called with nil.
func (t *Transport) FailSends(err error) {
	t.mu.Lock()
	t.sendErr = err
	t.mu.Unlock()
}

// OnSend registers a hook called after each successful Send.
func (t *Transport) OnSend(fn func(Sent)) {
	t.mu.Lock()
	t.onSend = fn
	t.mu.Unlock()
}

func (t *Transport) Send(_ context.Context, to, topic string, payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	t.mu.Lock()
	if t.sendErr != nil {
		err := t.sendErr
		t.mu.Unlock()
		return "", err
	}
	s := Sent{To: to, Topic: topic, Payload: raw}
	t.sent = append(t.sent, s)
	hook := t.onSend
	t.mu.Unlock()
	if hook != nil {
		hook(s)
	}
	return uuid.NewString(), nil
}

func (t *Transport) SubscribeTopic(prefix string, fn mq.Handler) func() {
	t.mu.Lock()
	t.nextID++
	id := t.nextID
	t.subs = append(t.subs, sub{id: id, prefix: prefix, fn: fn})
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		for i, s := range t.subs {
			if s.id == id {
				t.subs = append(t.subs[:i], t.subs[i+1:]...)
				return
			}
		}
	}
}

// Deliver dispatches an inbound message to matching subscribers. Calls are
// serialized so concurrent Deliver calls behave like one read loop.
func (t *Transport) Deliver(from, topic string, payload any) {
	var raw json.RawMessage
	switch p := payload.(type) {
	case json.RawMessage:
		raw = p
	case string:
		raw = json.RawMessage(p)
	default:
		raw, _ = json.Marshal(payload)
	}

	t.deliverMu.Lock()
	defer t.deliverMu.Unlock()

	t.mu.Lock()
	var fns []mq.Handler
	for _, s := range t.subs {
		if strings.HasPrefix(topic, s.prefix) {
			fns = append(fns, s.fn)
		}
	}
	t.mu.Unlock()
	for _, fn := range fns {
		fn(from, topic, raw)
	}
}

// Sent returns a copy of every recorded outbound message.
func (t *Transport) Sent() []Sent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Sent(nil), t.sent...)
}

// SentTopics returns the topics of recorded messages in order.
func (t *Transport) SentTopics() []string {
	var out []string
	for _, s := range t.Sent() {
		out = append(out, s.Topic)
	}
	return out
}

// Reset clears recorded messages.
func (t *Transport) Reset() {
	t.mu.Lock()
	t.sent = nil
	t.mu.Unlock()
}
