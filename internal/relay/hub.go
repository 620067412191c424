// Package relay is the server side of the persistent connection: it
// authenticates users, keeps one websocket per user and routes call control,
// negotiation and chat frames between them.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/petervdpas/callsig/internal/calls"
	"github.com/petervdpas/callsig/internal/metrics"
	"github.com/petervdpas/callsig/internal/mq"
	"github.com/petervdpas/callsig/internal/util"
)

// Message results for metrics.
const (
	resultRouted   = "routed"
	resultOffline  = "offline"
	resultLimited  = "limited"
	resultRejected = "rejected"
)

// Reasons the relay puts on calls it ends itself.
const (
	ReasonOffline      = "receiver offline"
	ReasonTimeout      = "timeout"
	ReasonDisconnected = "disconnected"
)

var (
	ErrEventsDisabled = errors.New("dedicated call events are disabled")
	ErrUnknownTopic   = errors.New("unknown topic")
	ErrUnknownCall    = errors.New("unknown call")
	ErrNotParticipant = errors.New("not a participant of this call")
	ErrBadState       = errors.New("call is not in a state for this request")
	ErrSelfCall       = errors.New("cannot call yourself")
	ErrDuplicateCall  = errors.New("call id already in use")
	ErrNoRecipient    = errors.New("missing recipient")
)

// Store persists what the relay sees. *storage.DB satisfies it.
type Store interface {
	SaveCall(ctx context.Context, c *calls.Call) error
	UpsertContact(ctx context.Context, c calls.Caller, seen time.Time) error
	DisplayName(ctx context.Context, userID string) string
}

type Options struct {
	Auth *Authenticator

	// Events advertises the "events" capability. When false only
	// chat:message is routed and clients signal in-band.
	Events bool

	RatePerSec float64
	RateBurst  int

	// PendingTTL bounds how long an unanswered call is kept before the relay
	// marks it missed. Clients normally time out first.
	PendingTTL time.Duration

	Store Store
	Log   zerolog.Logger
	Now   func() time.Time
}

// Hub owns the connections and the calls in flight between them.
type Hub struct {
	opts     Options
	log      zerolog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*conn
	calls   map[string]*liveCall
	closed  bool

	wg sync.WaitGroup
}

type liveCall struct {
	call   *calls.Call
	expiry *time.Timer
}

func New(opts Options) *Hub {
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = 50
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 100
	}
	if opts.PendingTTL <= 0 {
		opts.PendingTTL = 60 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Hub{
		opts: opts,
		log:  opts.Log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Clients are native processes, not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[string]*conn),
		calls:   make(map[string]*liveCall),
	}
}

// ServeHTTP authenticates and upgrades a client connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims, err := h.opts.Auth.Verify(bearer(r), h.opts.Now())
	if err != nil {
		h.log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("unauthorized")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("upgrade")
		return
	}

	user := calls.Caller{UserID: claims.Subject, DisplayName: claims.Name}
	if user.DisplayName == "" && h.opts.Store != nil {
		user.DisplayName = h.opts.Store.DisplayName(r.Context(), user.UserID)
	}
	c := &conn{
		hub:     h,
		ws:      ws,
		user:    user,
		send:    make(chan mq.Frame, sendBuffer),
		limiter: rate.NewLimiter(rate.Limit(h.opts.RatePerSec), h.opts.RateBurst),
		done:    make(chan struct{}),
	}

	welcome := mq.Welcome{UserID: user.UserID, Capabilities: []string{}}
	if h.opts.Events {
		welcome.Capabilities = append(welcome.Capabilities, mq.CapabilityEvents)
	}
	raw, _ := json.Marshal(welcome)
	c.send <- mq.Frame{Type: mq.FrameWelcome, Payload: raw}

	if !h.register(c) {
		ws.Close()
		return
	}
	go c.writePump()
	c.readPump()
}

// register makes c the user's connection. An older connection for the same
// user is closed.
func (h *Hub) register(c *conn) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	old := h.clients[c.user.UserID]
	h.clients[c.user.UserID] = c
	if old == nil {
		metrics.RelayConnections.Inc()
	}
	h.wg.Add(2)
	h.mu.Unlock()

	if old != nil {
		h.log.Info().Str("user", c.user.UserID).Msg("replacing older connection")
		old.close()
	}
	h.log.Info().Str("user", c.user.UserID).Msg("connected")
	h.touch(c.user)
	return true
}

// unregister forgets c if it is still current. A user with no connection
// left ends their live calls.
func (h *Hub) unregister(c *conn) {
	h.mu.Lock()
	if h.clients[c.user.UserID] != c {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.user.UserID)
	metrics.RelayConnections.Dec()

	var ended []notice
	if !h.closed {
		for id, lc := range h.calls {
			if lc.call.CallerID != c.user.UserID && lc.call.ReceiverID != c.user.UserID {
				continue
			}
			ended = append(ended, h.endLocked(id, lc, calls.StatusEnded, c.user.UserID, ReasonDisconnected))
		}
	}
	h.mu.Unlock()

	h.log.Info().Str("user", c.user.UserID).Msg("disconnected")
	h.touch(c.user)
	for _, n := range ended {
		h.notify(n)
	}
}

// Online lists the connected user ids.
func (h *Hub) Online() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Call returns a copy of a call the relay is tracking.
func (h *Hub) Call(id string) (*calls.Call, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	lc, ok := h.calls[id]
	if !ok {
		return nil, false
	}
	return lc.call.Clone(), true
}

// Close drops every connection and waits for its pumps.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*conn, 0, len(h.clients))
	for _, c := range h.clients {
		conns = append(conns, c)
	}
	for id, lc := range h.calls {
		lc.expiry.Stop()
		delete(h.calls, id)
		metrics.ActiveCalls.Dec()
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	h.wg.Wait()
}

// route handles one msg frame from c. A non-nil error is reported to the
// sender as an error frame instead of an ACK.
func (h *Hub) route(c *conn, f mq.Frame) error {
	switch {
	case f.Topic == mq.TopicChatMessage:
		return h.forward(c, f.To, f)
	case !h.opts.Events:
		return ErrEventsDisabled
	case f.Topic == mq.TopicCallInitiate:
		return h.initiate(c, f)
	case f.Topic == mq.TopicCallAccept, f.Topic == mq.TopicCallReject, f.Topic == mq.TopicCallEnd:
		return h.answer(c, f)
	case strings.HasPrefix(f.Topic, "webrtc:"):
		return h.negotiate(c, f)
	}
	return fmt.Errorf("%w %q", ErrUnknownTopic, f.Topic)
}

// forward relays f verbatim to the user `to`. An offline recipient is not
// an error; the message is dropped.
func (h *Hub) forward(from *conn, to string, f mq.Frame) error {
	if to == "" {
		return ErrNoRecipient
	}
	h.mu.Lock()
	dst := h.clients[to]
	h.mu.Unlock()
	if dst == nil || !dst.deliver(from.user.UserID, f.Topic, f.Payload) {
		metrics.RecordRelay(f.Topic, resultOffline)
		return nil
	}
	metrics.RecordRelay(f.Topic, resultRouted)
	return nil
}

func (h *Hub) initiate(c *conn, f mq.Frame) error {
	var p mq.InitiatePayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return fmt.Errorf("%w: %v", calls.ErrMalformedSignal, err)
	}
	if p.ReceiverID == "" {
		return ErrNoRecipient
	}
	if p.ReceiverID == c.user.UserID {
		return ErrSelfCall
	}
	if !p.CallType.Valid() {
		return fmt.Errorf("%w: call type %q", calls.ErrMalformedSignal, p.CallType)
	}
	id := uuid.NewString()
	convo := ""
	if p.Metadata != nil {
		if p.Metadata.CallID != "" {
			id = p.Metadata.CallID
		}
		convo = p.Metadata.ConversationID
	}

	now := h.opts.Now()
	call := calls.New(id, c.user.UserID, p.ReceiverID, p.CallType, now)
	call.ConversationID = convo

	h.mu.Lock()
	if _, dup := h.calls[id]; dup {
		h.mu.Unlock()
		return ErrDuplicateCall
	}
	dst := h.clients[p.ReceiverID]
	if dst == nil {
		h.mu.Unlock()
		_ = call.Fail(ReasonOffline, now)
		h.persist(call)
		metrics.RecordRelay(f.Topic, resultOffline)
		raw, _ := json.Marshal(mq.CallErrorPayload{Message: ReasonOffline, Event: mq.TopicCallInitiate, CallID: id})
		c.deliver("", mq.TopicCallError, raw)
		return nil
	}
	lc := &liveCall{call: call}
	lc.expiry = time.AfterFunc(h.opts.PendingTTL, func() { h.expire(id) })
	h.calls[id] = lc
	snapshot := call.Clone()
	h.mu.Unlock()

	metrics.ActiveCalls.Inc()
	h.persist(snapshot)
	h.log.Info().Str("call", id).Str("from", c.user.UserID).Str("to", p.ReceiverID).Str("type", string(p.CallType)).Msg("call initiated")

	raw, _ := json.Marshal(mq.IncomingPayload{CallID: id, Call: snapshot, Caller: c.user})
	if dst.deliver(c.user.UserID, mq.TopicCallIncoming, raw) {
		metrics.RecordRelay(f.Topic, resultRouted)
	} else {
		metrics.RecordRelay(f.Topic, resultOffline)
	}
	return nil
}

func (h *Hub) answer(c *conn, f mq.Frame) error {
	var p mq.ReasonPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return fmt.Errorf("%w: %v", calls.ErrMalformedSignal, err)
	}
	if p.CallID == "" {
		return fmt.Errorf("%w: missing callId", calls.ErrMalformedSignal)
	}
	self := c.user.UserID

	h.mu.Lock()
	lc, ok := h.calls[p.CallID]
	if !ok {
		h.mu.Unlock()
		return ErrUnknownCall
	}
	call := lc.call
	if call.CallerID != self && call.ReceiverID != self {
		h.mu.Unlock()
		return ErrNotParticipant
	}

	var n notice
	switch f.Topic {
	case mq.TopicCallAccept:
		if call.ReceiverID != self {
			h.mu.Unlock()
			return ErrNotParticipant
		}
		if err := call.Transition(calls.StatusAccepted, h.opts.Now()); err != nil {
			h.mu.Unlock()
			return ErrBadState
		}
		lc.expiry.Stop()
		raw, _ := json.Marshal(mq.AcceptedPayload{CallID: call.ID, Call: call.Clone(), AcceptedBy: self})
		n = notice{call: call.Clone(), to: []string{call.CallerID}, from: self, topic: mq.TopicCallAccepted, payload: raw}
	case mq.TopicCallReject:
		if call.ReceiverID != self || call.Status != calls.StatusPending {
			h.mu.Unlock()
			return ErrBadState
		}
		n = h.endLocked(call.ID, lc, calls.StatusRejected, self, p.Reason)
	default:
		n = h.endLocked(call.ID, lc, calls.StatusEnded, self, p.Reason)
	}
	h.mu.Unlock()

	h.notify(n)
	metrics.RecordRelay(f.Topic, resultRouted)
	return nil
}

// negotiate forwards webrtc:* to the other participant. The recipient comes
// from the frame, the payload, or the call record, in that order.
func (h *Hub) negotiate(c *conn, f mq.Frame) error {
	var p struct {
		CallID string `json:"callId"`
		To     string `json:"to"`
	}
	if err := json.Unmarshal(f.Payload, &p); err != nil || p.CallID == "" {
		return fmt.Errorf("%w: negotiation payload", calls.ErrMalformedSignal)
	}
	to := f.To
	if to == "" {
		to = p.To
	}

	h.mu.Lock()
	lc, ok := h.calls[p.CallID]
	if ok {
		call := lc.call
		if call.CallerID != c.user.UserID && call.ReceiverID != c.user.UserID {
			h.mu.Unlock()
			return ErrNotParticipant
		}
		if to == "" {
			to = call.Peer(c.user.UserID)
		}
	}
	h.mu.Unlock()

	return h.forward(c, to, f)
}

// notice is an event to deliver after h.mu is released.
type notice struct {
	call    *calls.Call
	to      []string
	from    string
	topic   string
	payload json.RawMessage
}

// endLocked finishes a live call with status, drops it from the table and
// returns the event telling the participants other than by. Runs under h.mu.
func (h *Hub) endLocked(id string, lc *liveCall, status calls.Status, by, reason string) notice {
	lc.expiry.Stop()
	delete(h.calls, id)
	metrics.ActiveCalls.Dec()

	call := lc.call
	now := h.opts.Now()
	_ = call.Transition(status, now)

	var to []string
	for _, u := range []string{call.CallerID, call.ReceiverID} {
		if u != by {
			to = append(to, u)
		}
	}

	snap := call.Clone()
	var raw []byte
	topic := mq.TopicCallEnded
	switch status {
	case calls.StatusRejected:
		topic = mq.TopicCallRejected
		raw, _ = json.Marshal(mq.RejectedPayload{CallID: id, Call: snap, RejectedBy: by, Reason: reason})
	default:
		raw, _ = json.Marshal(mq.EndedPayload{CallID: id, Call: snap, EndedBy: by, Reason: reason})
	}
	return notice{call: snap, to: to, from: by, topic: topic, payload: raw}
}

func (h *Hub) notify(n notice) {
	if n.call != nil {
		h.persist(n.call)
	}
	for _, u := range n.to {
		h.mu.Lock()
		dst := h.clients[u]
		h.mu.Unlock()
		if dst != nil {
			dst.deliver(n.from, n.topic, n.payload)
		}
	}
}

// expire marks a still-pending call missed and tells both sides.
func (h *Hub) expire(id string) {
	h.mu.Lock()
	lc, ok := h.calls[id]
	if !ok || lc.call.Status != calls.StatusPending || h.closed {
		h.mu.Unlock()
		return
	}
	n := h.endLocked(id, lc, calls.StatusMissed, "", ReasonTimeout)
	h.mu.Unlock()

	h.log.Info().Str("call", id).Msg("unanswered call expired")
	h.notify(n)
}

func (h *Hub) persist(c *calls.Call) {
	if h.opts.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
	defer cancel()
	if err := h.opts.Store.SaveCall(ctx, c); err != nil {
		h.log.Warn().Err(err).Str("call", c.ID).Msg("save call")
	}
}

func (h *Hub) touch(u calls.Caller) {
	if h.opts.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
	defer cancel()
	if err := h.opts.Store.UpsertContact(ctx, u, h.opts.Now()); err != nil {
		h.log.Warn().Err(err).Str("user", u.UserID).Msg("save contact")
	}
}
