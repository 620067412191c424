package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/petervdpas/callsig/internal/util"
)

// ackTimeout is how long Send() waits for the relay's transport ACK before
// returning an error to the caller.
var ackTimeout = 10 * time.Second

const (
	// welcomeTimeout bounds the wait for the first frame after the upgrade.
	welcomeTimeout = 5 * time.Second

	// pongWait must exceed the relay's ping period.
	pongWait   = 60 * time.Second
	writeWait  = 10 * time.Second
	listenCap  = 128
	backoffMin = 500 * time.Millisecond
	backoffMax = 30 * time.Second
)

var (
	ErrNotConnected    = errors.New("mq: not connected")
	ErrConnectInFlight = errors.New("mq: connect already in flight")
	ErrAckTimeout      = errors.New("mq: ack timeout")
	ErrClosed          = errors.New("mq: manager closed")
	ErrUnauthorized    = errors.New("mq: credential rejected")
)

// Event is delivered to Subscribe() listeners: every inbound and outbound
// message plus connection state changes. The viewer streams these.
type Event struct {
	Type      string `json:"type"` // "recv", "send", "error", "connected", "disconnected"
	Topic     string `json:"topic,omitempty"`
	Peer      string `json:"peer,omitempty"`
	MsgID     string `json:"msgId,omitempty"`
	Error     string `json:"error,omitempty"`
	Timestamp int64  `json:"ts"`
}

// Handler receives the sender's user id, the topic and the raw payload.
type Handler func(from, topic string, payload json.RawMessage)

type topicSub struct {
	id     uint64
	prefix string
	fn     Handler
}

// Manager owns the single websocket to the relay. Topic subscriptions
// survive reconnects. Handlers run on the read loop, in arrival order, and
// must not block on Send.
type Manager struct {
	url    string
	dialer *websocket.Dialer
	log    zerolog.Logger

	seq int64 // atomic monotonic counter for outbound messages

	connecting atomic.Bool
	connMu     sync.RWMutex
	conn       *websocket.Conn
	writeMu    sync.Mutex
	credential string
	welcome    Welcome

	// Pending ACK channels: msg ID → channel sent to when the ACK arrives.
	ackMu   sync.Mutex
	pending map[string]chan error

	topicMu   sync.RWMutex
	topicSubs []topicSub
	nextSub   uint64

	listenerMu sync.RWMutex
	listeners  map[chan Event]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Manager for the relay websocket at url. Nothing is dialed
// until Connect.
func New(url string, logger zerolog.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		url:       url,
		dialer:    &websocket.Dialer{HandshakeTimeout: util.DefaultConnectTimeout},
		log:       logger,
		pending:   make(map[string]chan error),
		listeners: make(map[chan Event]struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Connect dials the relay with the bearer credential and waits for the
// welcome frame. A concurrent Connect returns ErrConnectInFlight; a Connect
// on an open connection is a no-op. After a successful Connect the manager
// reconnects on its own until Close.
func (m *Manager) Connect(ctx context.Context, credential string) error {
	if !m.connecting.CompareAndSwap(false, true) {
		return ErrConnectInFlight
	}
	defer m.connecting.Store(false)

	if m.ctx.Err() != nil {
		return ErrClosed
	}
	if m.Connected() {
		return nil
	}

	conn, welcome, err := m.dial(ctx, credential)
	if err != nil {
		return err
	}

	m.connMu.Lock()
	if m.ctx.Err() != nil {
		m.connMu.Unlock()
		conn.Close()
		return ErrClosed
	}
	m.conn = conn
	m.credential = credential
	m.welcome = welcome
	m.connMu.Unlock()

	m.log.Info().Str("user", welcome.UserID).Strs("capabilities", welcome.Capabilities).Msg("connected to relay")
	m.publish(Event{Type: "connected", Peer: welcome.UserID})

	m.wg.Add(1)
	go m.readLoop(conn)
	return nil
}

func (m *Manager) dial(ctx context.Context, credential string) (*websocket.Conn, Welcome, error) {
	header := http.Header{}
	if credential != "" {
		header.Set("Authorization", "Bearer "+credential)
	}
	conn, resp, err := m.dialer.DialContext(ctx, m.url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, Welcome{}, ErrUnauthorized
		}
		return nil, Welcome{}, fmt.Errorf("mq: dial %s: %w", m.url, err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(welcomeTimeout))
	var f Frame
	if err := conn.ReadJSON(&f); err != nil {
		conn.Close()
		return nil, Welcome{}, fmt.Errorf("mq: waiting for welcome: %w", err)
	}
	if f.Type != FrameWelcome {
		conn.Close()
		return nil, Welcome{}, fmt.Errorf("mq: expected welcome frame, got %q", f.Type)
	}
	var w Welcome
	if err := json.Unmarshal(f.Payload, &w); err != nil {
		conn.Close()
		return nil, Welcome{}, fmt.Errorf("mq: decode welcome: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})
	return conn, w, nil
}

// Connected reports whether a relay connection is currently open.
func (m *Manager) Connected() bool {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	return m.conn != nil
}

// SelfID is the user id the relay assigned in the welcome frame.
func (m *Manager) SelfID() string {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	return m.welcome.UserID
}

// HasCapability reports whether the relay advertised cap on the current
// connection.
func (m *Manager) HasCapability(cap string) bool {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	for _, c := range m.welcome.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// Send writes a message with the given topic and payload addressed to the
// user `to`, and waits up to ackTimeout for the relay's ACK. Returns the
// message ID on success. Nothing is written once ctx is done.
func (m *Manager) Send(ctx context.Context, to, topic string, payload any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("mq: encode payload: %w", err)
	}

	m.connMu.RLock()
	conn := m.conn
	m.connMu.RUnlock()
	if conn == nil {
		return "", ErrNotConnected
	}

	msgID := uuid.NewString()
	f := Frame{
		Type:    FrameMsg,
		ID:      msgID,
		Seq:     atomic.AddInt64(&m.seq, 1),
		Topic:   topic,
		To:      to,
		Payload: raw,
	}

	// Register ACK channel before writing so we don't miss it.
	ackCh := make(chan error, 1)
	m.ackMu.Lock()
	m.pending[msgID] = ackCh
	m.ackMu.Unlock()
	defer func() {
		m.ackMu.Lock()
		delete(m.pending, msgID)
		m.ackMu.Unlock()
	}()

	if err := m.write(conn, f); err != nil {
		m.publish(Event{Type: "error", Topic: topic, Peer: to, MsgID: msgID, Error: err.Error()})
		return "", fmt.Errorf("mq: write %s: %w", topic, err)
	}

	timer := time.NewTimer(ackTimeout)
	defer timer.Stop()
	select {
	case err := <-ackCh:
		if err != nil {
			return "", err
		}
	case <-timer.C:
		return "", ErrAckTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	case <-m.ctx.Done():
		return "", ErrClosed
	}

	m.log.Debug().Str("msg", shortID(msgID)).Str("topic", topic).Str("to", to).Msg("sent")
	m.publish(Event{Type: "send", Topic: topic, Peer: to, MsgID: msgID})
	return msgID, nil
}

func (m *Manager) write(conn *websocket.Conn, f Frame) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(f)
}

// readLoop owns reads on conn. Inbound msgs are ACKed before dispatch.
func (m *Manager) readLoop(conn *websocket.Conn) {
	defer m.wg.Done()
	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			m.dropConn(conn, err)
			return
		}
		switch f.Type {
		case FrameAck:
			m.resolve(f.ID, nil)
		case FrameError:
			var ep ErrorPayload
			_ = json.Unmarshal(f.Payload, &ep)
			m.log.Warn().Str("msg", shortID(ep.ID)).Str("error", ep.Message).Msg("relay error")
			if ep.ID != "" {
				m.resolve(ep.ID, fmt.Errorf("mq: relay: %s", ep.Message))
			}
		case FrameMsg:
			if err := m.write(conn, Frame{Type: FrameAck, ID: f.ID, Seq: f.Seq}); err != nil {
				m.log.Warn().Err(err).Str("msg", shortID(f.ID)).Msg("ack write failed")
			}
			m.log.Debug().Str("msg", shortID(f.ID)).Str("topic", f.Topic).Str("from", f.From).Msg("received")
			m.dispatch(f)
		default:
			m.log.Debug().Str("type", f.Type).Msg("ignoring unknown frame")
		}
	}
}

func (m *Manager) resolve(id string, err error) {
	m.ackMu.Lock()
	ch, ok := m.pending[id]
	m.ackMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- err:
	default:
	}
}

func (m *Manager) dispatch(f Frame) {
	m.topicMu.RLock()
	var fns []Handler
	for _, sub := range m.topicSubs {
		if strings.HasPrefix(f.Topic, sub.prefix) {
			fns = append(fns, sub.fn)
		}
	}
	m.topicMu.RUnlock()

	for _, fn := range fns {
		fn(f.From, f.Topic, f.Payload)
	}
	m.publish(Event{Type: "recv", Topic: f.Topic, Peer: f.From, MsgID: f.ID})
}

// dropConn clears the connection, fails in-flight sends and schedules a
// reconnect unless the manager is closing.
func (m *Manager) dropConn(conn *websocket.Conn, cause error) {
	m.connMu.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	credential := m.credential
	m.connMu.Unlock()
	conn.Close()

	m.ackMu.Lock()
	for id, ch := range m.pending {
		select {
		case ch <- ErrNotConnected:
		default:
		}
		delete(m.pending, id)
	}
	m.ackMu.Unlock()

	m.publish(Event{Type: "disconnected", Error: cause.Error()})
	if m.ctx.Err() != nil {
		return
	}
	m.log.Warn().Err(cause).Msg("relay connection lost, reconnecting")
	m.wg.Add(1)
	go m.reconnect(credential)
}

func (m *Manager) reconnect(credential string) {
	defer m.wg.Done()
	for attempt := 0; ; attempt++ {
		timer := time.NewTimer(util.Backoff(attempt, backoffMin, backoffMax))
		select {
		case <-m.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		ctx, cancel := context.WithTimeout(m.ctx, util.DefaultConnectTimeout)
		err := m.Connect(ctx, credential)
		cancel()
		switch {
		case err == nil:
			return
		case errors.Is(err, ErrConnectInFlight):
			// someone else is dialing; check again after the next backoff
		case errors.Is(err, ErrClosed), errors.Is(err, ErrUnauthorized):
			m.log.Error().Err(err).Msg("giving up reconnect")
			return
		default:
			m.log.Debug().Err(err).Int("attempt", attempt+1).Msg("reconnect failed")
		}
	}
}

// SubscribeTopic registers a callback for messages whose topic has the given
// prefix. Returns an unsubscribe function.
func (m *Manager) SubscribeTopic(prefix string, fn Handler) func() {
	m.topicMu.Lock()
	m.nextSub++
	id := m.nextSub
	m.topicSubs = append(m.topicSubs, topicSub{id: id, prefix: prefix, fn: fn})
	m.topicMu.Unlock()

	return func() {
		m.topicMu.Lock()
		defer m.topicMu.Unlock()
		for i, sub := range m.topicSubs {
			if sub.id == id {
				m.topicSubs = append(m.topicSubs[:i], m.topicSubs[i+1:]...)
				return
			}
		}
	}
}

// Subscribe returns a channel of traffic events and a cancel function.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, listenCap)
	m.listenerMu.Lock()
	m.listeners[ch] = struct{}{}
	m.listenerMu.Unlock()

	cancel := func() {
		m.listenerMu.Lock()
		if _, ok := m.listeners[ch]; ok {
			delete(m.listeners, ch)
			close(ch)
		}
		m.listenerMu.Unlock()
	}
	return ch, cancel
}

func (m *Manager) publish(evt Event) {
	evt.Timestamp = time.Now().UnixMilli()
	m.listenerMu.RLock()
	defer m.listenerMu.RUnlock()
	for ch := range m.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Close tears down the connection and stops reconnecting. Safe to call twice.
func (m *Manager) Close() error {
	m.cancel()
	m.connMu.Lock()
	conn := m.conn
	m.conn = nil
	m.connMu.Unlock()
	if conn != nil {
		m.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		m.writeMu.Unlock()
		conn.Close()
	}
	m.wg.Wait()
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
