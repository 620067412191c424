package call_test

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/petervdpas/callsig/internal/call"
	"github.com/petervdpas/callsig/internal/calls"
	"github.com/petervdpas/callsig/internal/chat"
	"github.com/petervdpas/callsig/internal/mq"
	"github.com/petervdpas/callsig/internal/mq/mqtest"
	"github.com/petervdpas/callsig/internal/negotiation/negotiationtest"
	"github.com/petervdpas/callsig/internal/signal"
)

// client is one user's full signaling stack over an in-process transport.
type client struct {
	tr     *mqtest.Transport
	chat   *chat.Manager
	router *signal.Router
	calls  *call.Manager
	peers  *negotiationtest.Factory
	media  *negotiationtest.Source
	rings  *ringLog
}

type clientOpts struct {
	caps     []string
	ids      []string
	ring     time.Duration
	setup    time.Duration
	media    bool
	notifier func(m *call.Manager) call.IncomingHandler
	recorder call.Recorder
	peerConf func(*negotiationtest.Peer)
}

func newClient(t *testing.T, self string, o clientOpts) *client {
	t.Helper()
	if o.caps == nil {
		o.caps = []string{mq.CapabilityEvents}
	}
	c := &client{
		tr:    mqtest.New(self, o.caps...),
		rings: &ringLog{},
	}
	c.chat = chat.New(c.tr, 50, zerolog.Nop())
	c.router = signal.NewRouter(c.tr, c.chat, zerolog.Nop(), signal.Options{DefaultChatCallType: calls.TypeVideo})

	opts := call.Options{
		Self:         calls.Caller{UserID: self, DisplayName: self},
		RingTimeout:  o.ring,
		SetupTimeout: o.setup,
		Recorder:     o.recorder,
		Log:          zerolog.Nop(),
	}
	if o.ring == 0 {
		opts.RingTimeout = 5 * time.Second
	}
	if len(o.ids) > 0 {
		ids := append([]string(nil), o.ids...)
		var mu sync.Mutex
		opts.NewID = func() string {
			mu.Lock()
			defer mu.Unlock()
			id := ids[0]
			if len(ids) > 1 {
				ids = ids[1:]
			}
			return id
		}
	}
	if o.media {
		c.peers = &negotiationtest.Factory{Configure: o.peerConf}
		c.media = &negotiationtest.Source{}
		opts.Peers = c.peers
		opts.Media = c.media
	}
	c.calls = call.New(c.router, opts)
	if o.notifier != nil {
		c.calls.SetNotifier(o.notifier(c.calls))
	} else {
		c.calls.SetNotifier(c.rings)
	}
	c.router.SetHandler(c.calls.HandleSignal)
	c.router.SetSessions(c.calls)
	c.router.Start()

	t.Cleanup(func() {
		c.calls.Close()
		c.router.Close()
		c.chat.Close()
	})
	return c
}

func (c *client) status(id string) calls.Status {
	st, _ := c.calls.StatusOf(id)
	return st
}

// ringLog is an IncomingHandler that admits everything and records what
// it saw.
type ringLog struct {
	mu        sync.Mutex
	rung      []string
	cancelled []string
}

func (r *ringLog) Admit(signal.Signal) bool { return true }

func (r *ringLog) Ring(ic *calls.IncomingCall) {
	r.mu.Lock()
	r.rung = append(r.rung, ic.CallID)
	r.mu.Unlock()
}

func (r *ringLog) Cancel(id string) {
	r.mu.Lock()
	r.cancelled = append(r.cancelled, id)
	r.mu.Unlock()
}

func (r *ringLog) Rung() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.rung...)
}

func (r *ringLog) Cancelled() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.cancelled...)
}

// link plays the relay between clients: it turns client requests into the
// events the other side receives. While held, messages queue until flush.
type link struct {
	mu      sync.Mutex
	clients map[string]*client
	calls   map[string]*calls.Call
	hold    bool
	queue   []routed
	drop    func(from string, s mqtest.Sent) bool
}

type routed struct {
	to, from, topic string
	payload         any
}

func newLink(cs ...*client) *link {
	l := &link{clients: make(map[string]*client), calls: make(map[string]*calls.Call)}
	for _, c := range cs {
		from := c.tr.SelfID()
		l.clients[from] = c
		c.tr.OnSend(func(s mqtest.Sent) { l.route(from, s) })
	}
	return l
}

func (l *link) route(from string, s mqtest.Sent) {
	l.mu.Lock()
	if l.drop != nil && l.drop(from, s) {
		l.mu.Unlock()
		return
	}
	r, ok := l.translate(from, s)
	if !ok {
		l.mu.Unlock()
		return
	}
	if l.hold {
		l.queue = append(l.queue, r)
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()
	l.deliver(r)
}

func (l *link) deliver(r routed) {
	if c, ok := l.clients[r.to]; ok {
		c.tr.Deliver(r.from, r.topic, r.payload)
	}
}

// translate runs under l.mu.
func (l *link) translate(from string, s mqtest.Sent) (routed, bool) {
	switch s.Topic {
	case mq.TopicCallInitiate:
		var p mq.InitiatePayload
		if json.Unmarshal(s.Payload, &p) != nil || p.Metadata == nil {
			return routed{}, false
		}
		c := calls.New(p.Metadata.CallID, from, p.ReceiverID, p.CallType, time.Now())
		c.ConversationID = p.Metadata.ConversationID
		l.calls[c.ID] = c
		return routed{to: p.ReceiverID, from: from, topic: mq.TopicCallIncoming, payload: mq.IncomingPayload{
			CallID: c.ID, Call: c.Clone(), Caller: calls.Caller{UserID: from},
		}}, true

	case mq.TopicCallAccept, mq.TopicCallReject, mq.TopicCallEnd:
		var p mq.ReasonPayload
		if json.Unmarshal(s.Payload, &p) != nil {
			return routed{}, false
		}
		c, ok := l.calls[p.CallID]
		if !ok {
			return routed{}, false
		}
		to := c.Peer(from)
		switch s.Topic {
		case mq.TopicCallAccept:
			_ = c.Transition(calls.StatusAccepted, time.Now())
			return routed{to: to, from: from, topic: mq.TopicCallAccepted, payload: mq.AcceptedPayload{CallID: c.ID, Call: c.Clone(), AcceptedBy: from}}, true
		case mq.TopicCallReject:
			_ = c.Transition(calls.StatusRejected, time.Now())
			return routed{to: to, from: from, topic: mq.TopicCallRejected, payload: mq.RejectedPayload{CallID: c.ID, Call: c.Clone(), RejectedBy: from, Reason: p.Reason}}, true
		default:
			_ = c.Transition(calls.StatusEnded, time.Now())
			return routed{to: to, from: from, topic: mq.TopicCallEnded, payload: mq.EndedPayload{CallID: c.ID, Call: c.Clone(), EndedBy: from, Reason: p.Reason}}, true
		}
	}
	return routed{to: s.To, from: from, topic: s.Topic, payload: s.Payload}, true
}

// flush delivers the held messages at the given indexes first, then the
// rest in order, and stops holding.
func (l *link) flush(first ...int) {
	l.mu.Lock()
	held := l.queue
	l.queue = nil
	l.mu.Unlock()

	done := make(map[int]bool)
	for _, i := range first {
		l.deliver(held[i])
		done[i] = true
	}
	for i, r := range held {
		if !done[i] {
			l.deliver(r)
		}
	}

	l.mu.Lock()
	l.hold = false
	rest := l.queue
	l.queue = nil
	l.mu.Unlock()
	for _, r := range rest {
		l.deliver(r)
	}
}

func (l *link) held() []routed {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]routed(nil), l.queue...)
}
