package mq

import (
	"context"
	"encoding/json"
	"net/http"
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
)

// fakeRelay is a minimal relay: it checks the bearer token, sends a welcome
// frame and ACKs every msg. Received msgs are recorded.
type fakeRelay struct {
	t      *testing.T
	srv    *httptest.Server
	token  string
	caps   []string
	noAck  bool
	mu     sync.Mutex
	conns  []*websocket.Conn
	got    []Frame
	acks   []string
	gotHdr chan string
}

func newFakeRelay(t *testing.T, token string, caps ...string) *fakeRelay {
	r := &fakeRelay{t: t, token: token, caps: caps, gotHdr: make(chan string, 8)}
	up := websocket.Upgrader{}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		auth := req.Header.Get("Authorization")
		r.gotHdr <- auth
		if auth != "Bearer "+r.token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := up.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		r.mu.Lock()
		r.conns = append(r.conns, conn)
		r.mu.Unlock()

		welcome, _ := json.Marshal(Welcome{UserID: "alice", Capabilities: r.caps})
		r.write(conn, Frame{Type: FrameWelcome, Payload: welcome})
		for {
			var f Frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			r.mu.Lock()
			if f.Type == FrameAck {
				r.acks = append(r.acks, f.ID)
			} else {
				r.got = append(r.got, f)
			}
			noAck := r.noAck
			r.mu.Unlock()
			if f.Type == FrameMsg && !noAck {
				r.write(conn, Frame{Type: FrameAck, ID: f.ID, Seq: f.Seq})
			}
		}
	}))
	t.Cleanup(r.close)
	return r
}

func (r *fakeRelay) url() string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http") + "/ws"
}

func (r *fakeRelay) write(conn *websocket.Conn, f Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_ = conn.WriteJSON(f)
}

func (r *fakeRelay) push(f Frame) {
	r.mu.Lock()
	conn := r.conns[len(r.conns)-1]
	r.mu.Unlock()
	r.write(conn, f)
}

func (r *fakeRelay) dropAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.conns {
		c.Close()
	}
}

func (r *fakeRelay) close() {
	r.dropAll()
	r.srv.Close()
}

func (r *fakeRelay) frames() []Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Frame(nil), r.got...)
}

func (r *fakeRelay) ackedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.acks...)
}

func TestConnectSendsBearerAndReadsWelcome(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	relay := newFakeRelay(t, "tok", CapabilityEvents)
	defer relay.close()
	m := New(relay.url(), zerolog.Nop())

	require.NoError(t, m.Connect(context.Background(), "tok"))
	assert.Equal(t, "Bearer tok", <-relay.gotHdr)
	assert.True(t, m.Connected())
	assert.Equal(t, "alice", m.SelfID())
	assert.True(t, m.HasCapability(CapabilityEvents))

	// Second Connect on an open connection is a no-op.
	require.NoError(t, m.Connect(context.Background(), "tok"))
	require.NoError(t, m.Close())
}

func TestConnectRejectedCredential(t *testing.T) {
	relay := newFakeRelay(t, "tok")
	m := New(relay.url(), zerolog.Nop())
	defer m.Close()

	err := m.Connect(context.Background(), "wrong")
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.False(t, m.Connected())
}

func TestSendWaitsForAck(t *testing.T) {
	relay := newFakeRelay(t, "tok")
	m := New(relay.url(), zerolog.Nop())
	defer m.Close()
	require.NoError(t, m.Connect(context.Background(), "tok"))

	id, err := m.Send(context.Background(), "bob", TopicCallAccept, CallIDPayload{CallID: "c1"})
	require.NoError(t, err)

	frames := relay.frames()
	require.Len(t, frames, 1)
	assert.Equal(t, id, frames[0].ID)
	assert.Equal(t, "bob", frames[0].To)
	assert.Equal(t, TopicCallAccept, frames[0].Topic)
	assert.JSONEq(t, `{"callId":"c1"}`, string(frames[0].Payload))
}

func TestSendAckTimeout(t *testing.T) {
	old := ackTimeout
	ackTimeout = 100 * time.Millisecond
	defer func() { ackTimeout = old }()

	relay := newFakeRelay(t, "tok")
	relay.noAck = true
	m := New(relay.url(), zerolog.Nop())
	defer m.Close()
	require.NoError(t, m.Connect(context.Background(), "tok"))

	_, err := m.Send(context.Background(), "bob", TopicCallEnd, ReasonPayload{CallID: "c1"})
	assert.ErrorIs(t, err, ErrAckTimeout)
}

func TestSendCancelledWritesNothing(t *testing.T) {
	relay := newFakeRelay(t, "tok")
	m := New(relay.url(), zerolog.Nop())
	defer m.Close()
	require.NoError(t, m.Connect(context.Background(), "tok"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Send(ctx, "bob", TopicWebRTCOffer, CallIDPayload{CallID: "c1"})
	assert.ErrorIs(t, err, context.Canceled)

	_, err = m.Send(context.Background(), "bob", TopicCallEnd, ReasonPayload{CallID: "c1"})
	require.NoError(t, err)
	frames := relay.frames()
	require.Len(t, frames, 1)
	assert.Equal(t, TopicCallEnd, frames[0].Topic)
}

func TestSendWithoutConnection(t *testing.T) {
	m := New("ws://127.0.0.1:1/ws", zerolog.Nop())
	defer m.Close()
	_, err := m.Send(context.Background(), "bob", TopicCallEnd, ReasonPayload{CallID: "c1"})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestInboundDispatchInOrderAndAcked(t *testing.T) {
	relay := newFakeRelay(t, "tok")
	m := New(relay.url(), zerolog.Nop())
	defer m.Close()

	var mu sync.Mutex
	var topics []string
	done := make(chan struct{})
	unsub := m.SubscribeTopic("webrtc:", func(from, topic string, payload json.RawMessage) {
		assert.Equal(t, "bob", from)
		mu.Lock()
		topics = append(topics, topic)
		if len(topics) == 3 {
			close(done)
		}
		mu.Unlock()
	})
	defer unsub()

	require.NoError(t, m.Connect(context.Background(), "tok"))
	relay.push(Frame{Type: FrameMsg, ID: "m1", Topic: TopicWebRTCOffer, From: "bob", Payload: json.RawMessage(`{}`)})
	relay.push(Frame{Type: FrameMsg, ID: "m2", Topic: TopicWebRTCICE, From: "bob", Payload: json.RawMessage(`{}`)})
	relay.push(Frame{Type: FrameMsg, ID: "m3", Topic: TopicWebRTCICE, From: "bob", Payload: json.RawMessage(`{}`)})
	relay.push(Frame{Type: FrameMsg, ID: "m4", Topic: TopicChatMessage, From: "bob", Payload: json.RawMessage(`{}`)})

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for dispatch")
	}
	mu.Lock()
	assert.Equal(t, []string{TopicWebRTCOffer, TopicWebRTCICE, TopicWebRTCICE}, topics)
	mu.Unlock()

	assert.Eventually(t, func() bool { return len(relay.ackedIDs()) == 4 }, 2*time.Second, 10*time.Millisecond)
}

func TestConcurrentConnectGuard(t *testing.T) {
	m := New("ws://127.0.0.1:1/ws", zerolog.Nop())
	defer m.Close()
	m.connecting.Store(true)
	assert.ErrorIs(t, m.Connect(context.Background(), "tok"), ErrConnectInFlight)
}

func TestReconnectKeepsSubscriptions(t *testing.T) {
	relay := newFakeRelay(t, "tok")
	m := New(relay.url(), zerolog.Nop())
	defer m.Close()

	got := make(chan string, 4)
	m.SubscribeTopic(TopicCallIncoming, func(_, _ string, payload json.RawMessage) {
		var p IncomingPayload
		_ = json.Unmarshal(payload, &p)
		got <- p.CallID
	})

	events, cancel := m.Subscribe()
	defer cancel()

	require.NoError(t, m.Connect(context.Background(), "tok"))
	relay.dropAll()

	waitEvent(t, events, "disconnected")
	waitEvent(t, events, "connected")

	relay.push(Frame{Type: FrameMsg, ID: "m1", Topic: TopicCallIncoming, From: "bob", Payload: json.RawMessage(`{"callId":"c9"}`)})
	select {
	case id := <-got:
		assert.Equal(t, "c9", id)
	case <-time.After(3 * time.Second):
		t.Fatal("subscription lost after reconnect")
	}
}

func waitEvent(t *testing.T, ch <-chan Event, typ string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case evt := <-ch:
			if evt.Type == typ {
				return
			}
		case <-deadline:
			t.Fatalf("no %q event", typ)
		}
	}
}
