package signal

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/callsig/internal/calls"
	"github.com/petervdpas/callsig/internal/chat"
	"github.com/petervdpas/callsig/internal/mq"
	"github.com/petervdpas/callsig/internal/mq/mqtest"
)

type recorder struct {
	mu   sync.Mutex
	sigs []Signal
}

func (r *recorder) handle(s Signal) {
	r.mu.Lock()
	r.sigs = append(r.sigs, s)
	r.mu.Unlock()
}

func (r *recorder) all() []Signal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Signal(nil), r.sigs...)
}

type statusMap map[string]calls.Status

func (m statusMap) StatusOf(id string) (calls.Status, bool) {
	st, ok := m[id]
	return st, ok
}

type harness struct {
	tr     *mqtest.Transport
	chat   *chat.Manager
	router *Router
	rec    *recorder
}

func newHarness(t *testing.T, opts Options, caps ...string) *harness {
	t.Helper()
	tr := mqtest.New("alice", caps...)
	cm := chat.New(tr, 10, zerolog.Nop())
	r := NewRouter(tr, cm, zerolog.Nop(), opts)
	rec := &recorder{}
	r.SetHandler(rec.handle)
	r.Start()
	t.Cleanup(func() {
		r.Close()
		cm.Close()
	})
	return &harness{tr: tr, chat: cm, router: r, rec: rec}
}

func chatMsg(from, to, content string) chat.Message {
	return chat.Message{ID: from + content, From: from, To: to, ConversationID: chat.ConversationID(from, to), Content: content}
}

func TestChatInviteProducesOneSignal(t *testing.T) {
	h := newHarness(t, Options{})

	h.tr.Deliver("xavier", mq.TopicChatMessage, chatMsg("xavier", "alice", `[CALL_INVITE]{"room":"r9"}`))

	sigs := h.rec.all()
	require.Len(t, sigs, 1)
	assert.Equal(t, KindInvite, sigs[0].Kind)
	assert.Equal(t, "r9", sigs[0].CallID)
	assert.Equal(t, "xavier", sigs[0].From)
	assert.Equal(t, ChannelChat, sigs[0].Channel)
	assert.Equal(t, calls.TypeVideo, sigs[0].CallType)
	assert.False(t, sigs[0].InOpenConversation)
	assert.Empty(t, h.chat.GetMessages(), "signal must not show up as chat")
}

func TestOwnChatInviteDropped(t *testing.T) {
	h := newHarness(t, Options{})

	h.tr.Deliver("alice", mq.TopicChatMessage, chatMsg("alice", "bob", `[CALL_INVITE]{"room":"r9"}`))
	assert.Empty(t, h.rec.all())
}

func TestMalformedChatSignalPassesThroughAsChat(t *testing.T) {
	h := newHarness(t, Options{})

	h.tr.Deliver("bob", mq.TopicChatMessage, chatMsg("bob", "alice", `[CALL_INVITE]{"room":`))
	h.tr.Deliver("bob", mq.TopicChatMessage, chatMsg("bob", "alice", `just chatting`))

	assert.Empty(t, h.rec.all())
	msgs := h.chat.GetMessages()
	require.Len(t, msgs, 2)
	assert.Equal(t, `[CALL_INVITE]{"room":`, msgs[0].Content)
}

func TestInviteIntoOpenConversationFlagged(t *testing.T) {
	h := newHarness(t, Options{}, mq.CapabilityEvents)
	h.chat.SetOpenConversation(chat.ConversationID("alice", "bob"))

	h.tr.Deliver("bob", mq.TopicChatMessage, chatMsg("bob", "alice", `[CALL_INVITE]{"room":"r1"}`))

	call := &calls.Call{ID: "r2", CallerID: "bob", ReceiverID: "alice", Type: calls.TypeVoice, ConversationID: chat.ConversationID("alice", "bob")}
	h.tr.Deliver("bob", mq.TopicCallIncoming, mq.IncomingPayload{CallID: "r2", Call: call, Caller: calls.Caller{UserID: "bob"}})

	sigs := h.rec.all()
	require.Len(t, sigs, 2)
	assert.True(t, sigs[0].InOpenConversation)
	assert.True(t, sigs[1].InOpenConversation)
}

func TestMalformedEventDropped(t *testing.T) {
	h := newHarness(t, Options{}, mq.CapabilityEvents)

	h.tr.Deliver("bob", mq.TopicCallAccepted, `{"callId":"c1"}`)
	h.tr.Deliver("bob", mq.TopicWebRTCOffer, `not json`)
	assert.Empty(t, h.rec.all())
}

func TestDuplicateDroppedOnceSessionCaughtUp(t *testing.T) {
	h := newHarness(t, Options{}, mq.CapabilityEvents)
	sessions := statusMap{}
	h.router.SetSessions(sessions)

	accept := mq.CallIDPayload{CallID: "c1"}
	h.tr.Deliver("bob", mq.TopicCallAccept, accept)
	require.Len(t, h.rec.all(), 1)

	// Session still pending: the repeat is let through.
	sessions["c1"] = calls.StatusPending
	h.tr.Deliver("bob", mq.TopicCallAccept, accept)
	require.Len(t, h.rec.all(), 2)

	sessions["c1"] = calls.StatusAccepted
	h.tr.Deliver("bob", mq.TopicCallAccept, accept)
	assert.Len(t, h.rec.all(), 2)

	// A terminal session swallows every later duplicate of a lower rank.
	sessions["c1"] = calls.StatusEnded
	h.tr.Deliver("bob", mq.TopicCallAccept, accept)
	assert.Len(t, h.rec.all(), 2)
}

func TestDistinctCandidatesNotDeduped(t *testing.T) {
	h := newHarness(t, Options{}, mq.CapabilityEvents)
	h.router.SetSessions(statusMap{"c1": calls.StatusAccepted})

	for _, c := range []string{"candidate:1", "candidate:2", "candidate:1"} {
		h.tr.Deliver("bob", mq.TopicWebRTCICE, mq.ICEPayload{CallID: "c1", From: "bob", Candidate: &mq.ICECandidateInit{Candidate: c}})
	}
	sigs := h.rec.all()
	require.Len(t, sigs, 2)
	assert.Equal(t, "candidate:1", sigs[0].Candidate.Candidate)
	assert.Equal(t, "candidate:2", sigs[1].Candidate.Candidate)
}

func TestSendUsesEventsWhenAdvertised(t *testing.T) {
	h := newHarness(t, Options{}, mq.CapabilityEvents)

	err := h.router.Send(context.Background(), Signal{Kind: KindInvite, CallID: "c1", To: "bob", CallType: calls.TypeVoice})
	require.NoError(t, err)

	sent := h.tr.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, mq.TopicCallInitiate, sent[0].Topic)
	assert.Equal(t, "bob", sent[0].To)

	var p mq.InitiatePayload
	require.NoError(t, json.Unmarshal(sent[0].Payload, &p))
	assert.Equal(t, "c1", p.Metadata.CallID)
}

func TestSendFallsBackToChat(t *testing.T) {
	h := newHarness(t, Options{})

	require.NoError(t, h.router.Send(context.Background(), Signal{Kind: KindAccept, CallID: "r9", To: "bob"}))

	sent := h.tr.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, mq.TopicChatMessage, sent[0].Topic)
	var msg chat.Message
	require.NoError(t, json.Unmarshal(sent[0].Payload, &msg))
	assert.Equal(t, `[CALL_ACCEPT]{"room":"r9"}`, msg.Content)
	assert.Equal(t, "alice", msg.From)

	err := h.router.Send(context.Background(), Signal{Kind: KindOffer, CallID: "r9", To: "bob", SDP: "v=0"})
	var te *calls.TransportError
	require.ErrorAs(t, err, &te)
	assert.ErrorIs(t, err, ErrUnsupportedOnChannel)
}

func TestSendPreferChatKeepsNegotiationOnEvents(t *testing.T) {
	h := newHarness(t, Options{PreferChat: true}, mq.CapabilityEvents)

	require.NoError(t, h.router.Send(context.Background(), Signal{Kind: KindReject, CallID: "c1", To: "bob"}))
	require.NoError(t, h.router.Send(context.Background(), Signal{Kind: KindEnd, CallID: "c1", To: "bob"}))

	assert.Equal(t, []string{mq.TopicChatMessage, mq.TopicCallEnd}, h.tr.SentTopics())
}

func TestCodecForFollowsCapabilities(t *testing.T) {
	events := newHarness(t, Options{}, mq.CapabilityEvents)
	chatOnly := newHarness(t, Options{})
	prefer := newHarness(t, Options{PreferChat: true}, mq.CapabilityEvents)

	tests := []struct {
		name string
		r    *Router
		kind Kind
		want Channel
	}{
		{"events invite", events.router, KindInvite, ChannelEvent},
		{"events ice", events.router, KindICE, ChannelEvent},
		{"chat invite", chatOnly.router, KindInvite, ChannelChat},
		{"prefer chat accept", prefer.router, KindAccept, ChannelChat},
		{"prefer chat end", prefer.router, KindEnd, ChannelEvent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := tt.r.codecFor(tt.kind)
			require.NotNil(t, c)
			assert.Equal(t, tt.want, c.Channel())
		})
	}
	assert.Nil(t, chatOnly.router.codecFor(KindOffer))
	assert.Nil(t, events.router.codecFor(KindError))
}

func TestSendFailureIsTransportError(t *testing.T) {
	h := newHarness(t, Options{}, mq.CapabilityEvents)
	h.tr.FailSends(errors.New("socket closed"))

	err := h.router.Send(context.Background(), Signal{Kind: KindEnd, CallID: "c1", To: "bob"})
	var te *calls.TransportError
	require.ErrorAs(t, err, &te)
	assert.True(t, calls.IsRetryable(err))
}
