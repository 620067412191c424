package relay

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/petervdpas/callsig/internal/calls"
	"github.com/petervdpas/callsig/internal/mq"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

type fixture struct {
	t     *testing.T
	hub   *Hub
	srv   *httptest.Server
	auth  *Authenticator
	store *memStore
}

func newFixture(t *testing.T, mut func(*Options)) *fixture {
	t.Helper()
	auth, err := NewAuthenticator(testSecret, "callsig", time.Hour)
	require.NoError(t, err)
	f := &fixture{t: t, auth: auth, store: newMemStore()}
	opts := Options{Auth: auth, Events: true, Store: f.store, Log: zerolog.Nop()}
	if mut != nil {
		mut(&opts)
	}
	f.hub = New(opts)
	f.srv = httptest.NewServer(f.hub.Routes())
	t.Cleanup(func() {
		f.hub.Close()
		f.srv.Close()
	})
	return f
}

func (f *fixture) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
}

func (f *fixture) token(user string) string {
	tok, err := f.auth.Issue(time.Now(), user, strings.ToUpper(user[:1])+user[1:])
	require.NoError(f.t, err)
	return tok
}

// user is a real mq client recording what the relay delivers to it.
type user struct {
	mq  *mq.Manager
	mu  sync.Mutex
	got []inbound
}

type inbound struct {
	from, topic string
	payload     json.RawMessage
}

func (f *fixture) connect(name string) *user {
	f.t.Helper()
	u := &user{mq: mq.New(f.url(), zerolog.Nop())}
	u.mq.SubscribeTopic("", func(from, topic string, payload json.RawMessage) {
		u.mu.Lock()
		u.got = append(u.got, inbound{from, topic, payload})
		u.mu.Unlock()
	})
	require.NoError(f.t, u.mq.Connect(context.Background(), f.token(name)))
	f.t.Cleanup(func() { u.mq.Close() })
	require.Eventually(f.t, func() bool {
		for _, id := range f.hub.Online() {
			if id == name {
				return true
			}
		}
		return false
	}, waitFor, tick)
	return u
}

func (u *user) send(to, topic string, payload any) error {
	_, err := u.mq.Send(context.Background(), to, topic, payload)
	return err
}

func (u *user) wait(t *testing.T, topic string) inbound {
	t.Helper()
	var hit inbound
	require.Eventually(t, func() bool {
		u.mu.Lock()
		defer u.mu.Unlock()
		for _, in := range u.got {
			if in.topic == topic {
				hit = in
				return true
			}
		}
		return false
	}, waitFor, tick, "no %s", topic)
	return hit
}

func (u *user) topics() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]string, 0, len(u.got))
	for _, in := range u.got {
		out = append(out, in.topic)
	}
	return out
}

type memStore struct {
	mu       sync.Mutex
	saved    map[string][]calls.Status
	contacts map[string]calls.Caller
}

func newMemStore() *memStore {
	return &memStore{saved: make(map[string][]calls.Status), contacts: make(map[string]calls.Caller)}
}

func (s *memStore) SaveCall(_ context.Context, c *calls.Call) error {
	s.mu.Lock()
	s.saved[c.ID] = append(s.saved[c.ID], c.Status)
	s.mu.Unlock()
	return nil
}

func (s *memStore) UpsertContact(_ context.Context, c calls.Caller, _ time.Time) error {
	s.mu.Lock()
	s.contacts[c.UserID] = c
	s.mu.Unlock()
	return nil
}

func (s *memStore) DisplayName(_ context.Context, id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contacts[id].DisplayName
}

func (s *memStore) statuses(id string) []calls.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]calls.Status(nil), s.saved[id]...)
}

func initiate(id, to string, typ calls.Type) mq.InitiatePayload {
	return mq.InitiatePayload{ReceiverID: to, CallType: typ, Metadata: &mq.CallMetadata{CallID: id, ConversationID: "conv"}}
}

func TestWelcomeAdvertisesEvents(t *testing.T) {
	f := newFixture(t, nil)
	alice := f.connect("alice")
	assert.Equal(t, "alice", alice.mq.SelfID())
	assert.True(t, alice.mq.HasCapability(mq.CapabilityEvents))
}

func TestWelcomeWithoutEvents(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Events = false })
	alice := f.connect("alice")
	assert.False(t, alice.mq.HasCapability(mq.CapabilityEvents))
}

func TestBadTokenIsUnauthorized(t *testing.T) {
	f := newFixture(t, nil)
	m := mq.New(f.url(), zerolog.Nop())
	defer m.Close()
	err := m.Connect(context.Background(), "nope")
	assert.ErrorIs(t, err, mq.ErrUnauthorized)
}

func TestTokenInQuery(t *testing.T) {
	f := newFixture(t, nil)
	ws, _, err := websocket.DefaultDialer.Dial(f.url()+"?token="+f.token("alice"), nil)
	require.NoError(t, err)
	defer ws.Close()

	var fr mq.Frame
	require.NoError(t, ws.ReadJSON(&fr))
	assert.Equal(t, mq.FrameWelcome, fr.Type)
}

func TestCallLifecycleRouted(t *testing.T) {
	f := newFixture(t, nil)
	alice := f.connect("alice")
	bob := f.connect("bob")

	require.NoError(t, alice.send("", mq.TopicCallInitiate, initiate("c1", "bob", calls.TypeVideo)))
	in := bob.wait(t, mq.TopicCallIncoming)
	assert.Equal(t, "alice", in.from)
	var inc mq.IncomingPayload
	require.NoError(t, json.Unmarshal(in.payload, &inc))
	assert.Equal(t, "c1", inc.CallID)
	assert.Equal(t, calls.Caller{UserID: "alice", DisplayName: "Alice"}, inc.Caller)
	assert.Equal(t, calls.StatusPending, inc.Call.Status)
	assert.Equal(t, "conv", inc.Call.ConversationID)

	require.NoError(t, bob.send("", mq.TopicCallAccept, mq.CallIDPayload{CallID: "c1"}))
	acc := alice.wait(t, mq.TopicCallAccepted)
	var ap mq.AcceptedPayload
	require.NoError(t, json.Unmarshal(acc.payload, &ap))
	assert.Equal(t, "bob", ap.AcceptedBy)
	assert.Equal(t, calls.StatusAccepted, ap.Call.Status)

	// Negotiation goes to the other participant without an explicit recipient.
	require.NoError(t, alice.send("", mq.TopicWebRTCOffer, mq.SDPPayload{CallID: "c1", From: "alice", Data: "v=0"}))
	off := bob.wait(t, mq.TopicWebRTCOffer)
	assert.Equal(t, "alice", off.from)
	assert.JSONEq(t, `{"callId":"c1","from":"alice","data":"v=0"}`, string(off.payload))

	require.NoError(t, bob.send("", mq.TopicCallEnd, mq.ReasonPayload{CallID: "c1", Reason: "bye"}))
	end := alice.wait(t, mq.TopicCallEnded)
	var ep mq.EndedPayload
	require.NoError(t, json.Unmarshal(end.payload, &ep))
	assert.Equal(t, "bob", ep.EndedBy)
	assert.Equal(t, "bye", ep.Reason)
	assert.Equal(t, calls.StatusEnded, ep.Call.Status)

	_, live := f.hub.Call("c1")
	assert.False(t, live)
	assert.Equal(t, []calls.Status{calls.StatusPending, calls.StatusAccepted, calls.StatusEnded}, f.store.statuses("c1"))
	assert.NotContains(t, bob.topics(), mq.TopicCallEnded)
}

func TestRejectGoesToCaller(t *testing.T) {
	f := newFixture(t, nil)
	alice := f.connect("alice")
	bob := f.connect("bob")

	require.NoError(t, alice.send("", mq.TopicCallInitiate, initiate("c1", "bob", calls.TypeVoice)))
	bob.wait(t, mq.TopicCallIncoming)

	// Only the receiver may answer.
	assert.Error(t, alice.send("", mq.TopicCallAccept, mq.CallIDPayload{CallID: "c1"}))

	require.NoError(t, bob.send("", mq.TopicCallReject, mq.ReasonPayload{CallID: "c1", Reason: "busy"}))
	rej := alice.wait(t, mq.TopicCallRejected)
	var rp mq.RejectedPayload
	require.NoError(t, json.Unmarshal(rej.payload, &rp))
	assert.Equal(t, mq.RejectedPayload{CallID: "c1", Call: rp.Call, RejectedBy: "bob", Reason: "busy"}, rp)
	assert.Equal(t, calls.StatusRejected, rp.Call.Status)

	// The call is gone; answering again is an error.
	assert.Error(t, bob.send("", mq.TopicCallAccept, mq.CallIDPayload{CallID: "c1"}))
}

func TestInitiateToOfflineUser(t *testing.T) {
	f := newFixture(t, nil)
	alice := f.connect("alice")

	require.NoError(t, alice.send("", mq.TopicCallInitiate, initiate("c1", "carol", calls.TypeVoice)))
	e := alice.wait(t, mq.TopicCallError)
	var p mq.CallErrorPayload
	require.NoError(t, json.Unmarshal(e.payload, &p))
	assert.Equal(t, mq.CallErrorPayload{Message: ReasonOffline, Event: mq.TopicCallInitiate, CallID: "c1"}, p)
	assert.Equal(t, []calls.Status{calls.StatusFailed}, f.store.statuses("c1"))
}

func TestMalformedRequestsGetErrorFrames(t *testing.T) {
	f := newFixture(t, nil)
	alice := f.connect("alice")

	assert.Error(t, alice.send("", mq.TopicCallInitiate, map[string]any{"receiverId": 7}))
	assert.Error(t, alice.send("", mq.TopicCallInitiate, initiate("c1", "alice", calls.TypeVoice)))
	assert.Error(t, alice.send("", mq.TopicCallInitiate, initiate("c1", "bob", "hologram")))
	assert.Error(t, alice.send("", mq.TopicCallEnd, mq.ReasonPayload{CallID: "missing"}))
	assert.Error(t, alice.send("", "presence:ping", map[string]string{}))
	assert.Error(t, alice.send("", mq.TopicChatMessage, map[string]string{"content": "hi"}))
	assert.Error(t, alice.send("bob", mq.TopicWebRTCICE, map[string]string{}))
}

func TestStrangerCannotTouchCall(t *testing.T) {
	f := newFixture(t, nil)
	alice := f.connect("alice")
	bob := f.connect("bob")
	mallory := f.connect("mallory")

	require.NoError(t, alice.send("", mq.TopicCallInitiate, initiate("c1", "bob", calls.TypeVoice)))
	bob.wait(t, mq.TopicCallIncoming)

	assert.Error(t, mallory.send("", mq.TopicCallEnd, mq.ReasonPayload{CallID: "c1"}))
	assert.Error(t, mallory.send("bob", mq.TopicWebRTCOffer, mq.SDPPayload{CallID: "c1", Data: "v=0"}))
	c, ok := f.hub.Call("c1")
	require.True(t, ok)
	assert.Equal(t, calls.StatusPending, c.Status)
}

func TestDuplicateCallID(t *testing.T) {
	f := newFixture(t, nil)
	alice := f.connect("alice")
	f.connect("bob")

	require.NoError(t, alice.send("", mq.TopicCallInitiate, initiate("c1", "bob", calls.TypeVoice)))
	assert.Error(t, alice.send("", mq.TopicCallInitiate, initiate("c1", "bob", calls.TypeVoice)))
}

func TestEventsDisabledOnlyRoutesChat(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Events = false })
	alice := f.connect("alice")
	bob := f.connect("bob")

	assert.Error(t, alice.send("", mq.TopicCallInitiate, initiate("c1", "bob", calls.TypeVoice)))
	require.NoError(t, alice.send("bob", mq.TopicChatMessage, map[string]string{"content": `[CALL_INVITE]{"room":"c1"}`}))
	msg := bob.wait(t, mq.TopicChatMessage)
	assert.Equal(t, "alice", msg.from)
}

func TestChatToOfflineUserIsAcked(t *testing.T) {
	f := newFixture(t, nil)
	alice := f.connect("alice")
	assert.NoError(t, alice.send("nobody", mq.TopicChatMessage, map[string]string{"content": "hi"}))
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.RatePerSec = 0.001
		o.RateBurst = 2
	})
	alice := f.connect("alice")

	require.NoError(t, alice.send("bob", mq.TopicChatMessage, map[string]string{"content": "1"}))
	require.NoError(t, alice.send("bob", mq.TopicChatMessage, map[string]string{"content": "2"}))
	err := alice.send("bob", mq.TopicChatMessage, map[string]string{"content": "3"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
}

func TestNewestConnectionWins(t *testing.T) {
	f := newFixture(t, nil)
	dial := func() *websocket.Conn {
		ws, _, err := websocket.DefaultDialer.Dial(f.url()+"?token="+f.token("alice"), nil)
		require.NoError(t, err)
		var fr mq.Frame
		require.NoError(t, ws.ReadJSON(&fr))
		return ws
	}
	first := dial()
	defer first.Close()
	second := dial()
	defer second.Close()

	_ = first.SetReadDeadline(time.Now().Add(waitFor))
	var fr mq.Frame
	err := first.ReadJSON(&fr)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "first connection closed, got %v", err)
	assert.Equal(t, []string{"alice"}, f.hub.Online())
}

func TestDisconnectEndsLiveCalls(t *testing.T) {
	f := newFixture(t, nil)
	alice := f.connect("alice")
	bob := f.connect("bob")

	require.NoError(t, alice.send("", mq.TopicCallInitiate, initiate("c1", "bob", calls.TypeVoice)))
	bob.wait(t, mq.TopicCallIncoming)
	require.NoError(t, bob.send("", mq.TopicCallAccept, mq.CallIDPayload{CallID: "c1"}))
	alice.wait(t, mq.TopicCallAccepted)

	require.NoError(t, bob.mq.Close())
	end := alice.wait(t, mq.TopicCallEnded)
	var ep mq.EndedPayload
	require.NoError(t, json.Unmarshal(end.payload, &ep))
	assert.Equal(t, ReasonDisconnected, ep.Reason)
	assert.Equal(t, "bob", ep.EndedBy)
}

func TestUnansweredCallExpires(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.PendingTTL = 100 * time.Millisecond })
	alice := f.connect("alice")
	bob := f.connect("bob")

	require.NoError(t, alice.send("", mq.TopicCallInitiate, initiate("c1", "bob", calls.TypeVoice)))
	for _, u := range []*user{alice, bob} {
		end := u.wait(t, mq.TopicCallEnded)
		var ep mq.EndedPayload
		require.NoError(t, json.Unmarshal(end.payload, &ep))
		assert.Equal(t, ReasonTimeout, ep.Reason)
		assert.Equal(t, calls.StatusMissed, ep.Call.Status)
	}
	_, live := f.hub.Call("c1")
	assert.False(t, live)
}

func TestContactsTouchedOnConnect(t *testing.T) {
	f := newFixture(t, nil)
	f.connect("alice")
	assert.Eventually(t, func() bool {
		return f.store.DisplayName(context.Background(), "alice") == "Alice"
	}, waitFor, tick)
}

func TestHealthzCountsOnlineUsers(t *testing.T) {
	f := newFixture(t, nil)
	f.connect("alice")

	resp, err := f.srv.Client().Get(f.srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		OK     bool `json:"ok"`
		Online int  `json:"online"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, body.OK)
	assert.Equal(t, 1, body.Online)
}
