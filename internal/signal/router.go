package signal

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/petervdpas/callsig/internal/calls"
	"github.com/petervdpas/callsig/internal/chat"
	"github.com/petervdpas/callsig/internal/metrics"
	"github.com/petervdpas/callsig/internal/mq"
)

// Transport is the part of the relay connection the router needs.
type Transport interface {
	Send(ctx context.Context, to, topic string, payload any) (string, error)
	SubscribeTopic(prefix string, fn mq.Handler) func()
	SelfID() string
	HasCapability(c string) bool
}

// ChatChannel carries in-band signals as chat content.
type ChatChannel interface {
	SendSignal(ctx context.Context, to, conversationID, content string) error
	OpenConversation() string
	SetSignalHandler(fn chat.SignalInterceptor)
}

// SessionLookup reports the status of a known call, live or historic.
type SessionLookup interface {
	StatusOf(callID string) (calls.Status, bool)
}

// Handler receives every signal that survives filtering. It runs on the
// connection read loop and must not block on Send.
type Handler func(Signal)

// Options tune the router.
type Options struct {
	// PreferChat sends invite/accept/reject as chat content even when the
	// relay supports dedicated events.
	PreferChat bool
	SeenSize   int
	// DefaultChatCallType is assumed for chat invites, which carry no type.
	DefaultChatCallType calls.Type
}

// Router classifies inbound traffic and encodes outbound signals.
type Router struct {
	tr   Transport
	chat ChatChannel
	log  zerolog.Logger
	opts Options

	events EventCodec
	inband ChatCodec
	seen   *seenSet

	mu       sync.RWMutex
	handler  Handler
	sessions SessionLookup
	unsubs   []func()
}

// NewRouter builds a router. chat may be nil when in-band signaling is not
// wanted.
func NewRouter(tr Transport, ch ChatChannel, logger zerolog.Logger, opts Options) *Router {
	if opts.DefaultChatCallType == "" {
		opts.DefaultChatCallType = calls.TypeVideo
	}
	return &Router{
		tr:   tr,
		chat: ch,
		log:  logger,
		opts: opts,
		seen: newSeenSet(opts.SeenSize),
	}
}

// SetHandler registers the consumer of classified signals.
func (r *Router) SetHandler(h Handler) {
	r.mu.Lock()
	r.handler = h
	r.mu.Unlock()
}

// SetSessions registers the status source used for dedupe.
func (r *Router) SetSessions(s SessionLookup) {
	r.mu.Lock()
	r.sessions = s
	r.mu.Unlock()
}

// Start subscribes to dedicated events and installs the chat interceptor.
func (r *Router) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unsubs = append(r.unsubs,
		r.tr.SubscribeTopic("call:", r.HandleEvent),
		r.tr.SubscribeTopic("webrtc:", r.HandleEvent),
	)
	if r.chat != nil {
		r.chat.SetSignalHandler(r.HandleChat)
	}
}

// Close removes all subscriptions.
func (r *Router) Close() {
	r.mu.Lock()
	unsubs := r.unsubs
	r.unsubs = nil
	r.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
	if r.chat != nil {
		r.chat.SetSignalHandler(nil)
	}
}

// HandleEvent classifies a dedicated event. Malformed payloads are logged
// and dropped.
func (r *Router) HandleEvent(from, topic string, raw json.RawMessage) {
	sig, err := r.events.Decode(topic, from, raw)
	if err != nil {
		metrics.RecordDrop(metrics.DropMalformed)
		r.log.Warn().Err(err).Str("topic", topic).Str("from", from).Msg("dropping malformed signal")
		return
	}
	if sig.Kind == KindInvite && r.chat != nil && sig.ConversationID != "" &&
		sig.ConversationID == r.chat.OpenConversation() {
		sig.InOpenConversation = true
	}
	r.deliver(sig)
}

// HandleChat classifies chat content. It returns true when the message was
// a call signal and must not be shown as chat.
func (r *Router) HandleChat(msg *chat.Message) bool {
	sig, err := r.inband.Decode(msg.Content)
	if errors.Is(err, ErrNotSignal) {
		return false
	}
	if err != nil {
		metrics.RecordDrop(metrics.DropMalformed)
		r.log.Debug().Err(err).Str("from", msg.From).Msg("malformed in-band signal, delivering as chat")
		return false
	}
	sig.From, sig.To, sig.ConversationID = msg.From, msg.To, msg.ConversationID
	if sig.Kind == KindInvite {
		sig.CallType = r.opts.DefaultChatCallType
		if r.chat != nil && sig.ConversationID != "" && sig.ConversationID == r.chat.OpenConversation() {
			sig.InOpenConversation = true
		}
	}
	r.deliver(sig)
	return true
}

func (r *Router) deliver(sig Signal) {
	if sig.From != "" && sig.From == r.tr.SelfID() {
		metrics.RecordDrop(metrics.DropSelf)
		r.log.Debug().Str("kind", string(sig.Kind)).Str("call", sig.CallID).Msg("dropping own signal")
		return
	}

	r.mu.RLock()
	handler, sessions := r.handler, r.sessions
	r.mu.RUnlock()

	if sig.CallID != "" && r.seen.Mark(dedupeKey(sig)) && sessions != nil {
		if st, ok := sessions.StatusOf(sig.CallID); ok && st.Rank() >= sig.Kind.Rank() {
			metrics.RecordDrop(metrics.DropDuplicate)
			r.log.Debug().Str("kind", string(sig.Kind)).Str("call", sig.CallID).Str("status", string(st)).Msg("dropping duplicate signal")
			return
		}
	}

	metrics.RecordSignal(string(sig.Kind), string(sig.Channel))
	r.log.Debug().Str("kind", string(sig.Kind)).Str("call", sig.CallID).Str("from", sig.From).Str("channel", string(sig.Channel)).Msg("signal")
	if handler != nil {
		handler(sig)
	}
}

// Send encodes sig onto the best available channel: chat content when the
// relay lacks dedicated events (or chat is preferred) and the kind fits,
// dedicated events otherwise. Failures are TransportErrors.
func (r *Router) Send(ctx context.Context, sig Signal) error {
	if sig.From == "" {
		sig.From = r.tr.SelfID()
	}
	op := "send " + string(sig.Kind)

	codec := r.codecFor(sig.Kind)
	if codec == nil {
		return &calls.TransportError{Op: op, Err: ErrUnsupportedOnChannel}
	}
	enc, err := codec.Encode(sig)
	if err != nil {
		return &calls.TransportError{Op: op, Err: err}
	}
	switch codec.Channel() {
	case ChannelChat:
		err = r.chat.SendSignal(ctx, sig.To, sig.ConversationID, enc.Content)
	default:
		_, err = r.tr.Send(ctx, sig.To, enc.Topic, enc.Payload)
	}
	if err != nil {
		return &calls.TransportError{Op: op, Err: err}
	}
	metrics.RecordSignal(string(sig.Kind), string(codec.Channel()))
	return nil
}

// codecFor returns the first codec in preference order that can carry k,
// or nil.
func (r *Router) codecFor(k Kind) Codec {
	hasEvents := r.tr.HasCapability(mq.CapabilityEvents)
	order := make([]Codec, 0, 2)
	if r.chat != nil && (r.opts.PreferChat || !hasEvents) {
		order = append(order, r.inband)
	}
	if hasEvents {
		order = append(order, r.events)
	}
	for _, c := range order {
		if c.Supports(k) {
			return c
		}
	}
	return nil
}
