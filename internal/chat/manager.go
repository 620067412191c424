// Package chat carries direct text messages over the relay connection and
// keeps a bounded in-memory history. Incoming messages pass through an
// optional signal interceptor first, which may consume them.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/petervdpas/callsig/internal/mq"
	"github.com/petervdpas/callsig/internal/util"
)

// DefaultBufferSize is the default number of messages to keep in memory.
const DefaultBufferSize = 100

// Transport is the part of the relay connection chat needs.
type Transport interface {
	Send(ctx context.Context, to, topic string, payload any) (string, error)
	SubscribeTopic(prefix string, fn mq.Handler) func()
	SelfID() string
}

// SignalInterceptor sees every incoming message before it is stored.
// Returning true consumes the message: it is neither stored nor delivered
// to listeners.
type SignalInterceptor func(msg *Message) bool

// Manager handles chat for the local user.
type Manager struct {
	tr  Transport
	log zerolog.Logger

	mu        sync.RWMutex
	messages  *util.RingBuffer[*Message] // in-memory message ring buffer
	listeners []chan *Message
	intercept SignalInterceptor
	openConv  string

	unsub func()
}

// New creates a chat manager subscribed to chat:message on tr.
func New(tr Transport, bufferSize int, logger zerolog.Logger) *Manager {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	m := &Manager{
		tr:       tr,
		log:      logger,
		messages: util.NewRingBuffer[*Message](bufferSize),
	}
	m.unsub = tr.SubscribeTopic(mq.TopicChatMessage, m.handle)
	return m
}

// SendDirect sends a direct message to a user and records it locally.
func (m *Manager) SendDirect(ctx context.Context, to, content string) (*Message, error) {
	msg := NewMessage(m.tr.SelfID(), to, content)
	if _, err := m.tr.Send(ctx, to, mq.TopicChatMessage, msg); err != nil {
		return nil, fmt.Errorf("chat: send to %s: %w", to, err)
	}
	m.addMessage(msg)
	m.log.Debug().Str("to", to).Msg("sent direct message")
	return msg, nil
}

// SendSignal sends content as a chat message without recording it in the
// local history. Used for in-band call signals.
func (m *Manager) SendSignal(ctx context.Context, to, conversationID, content string) error {
	msg := NewMessage(m.tr.SelfID(), to, content)
	if conversationID != "" {
		msg.ConversationID = conversationID
	}
	if _, err := m.tr.Send(ctx, to, mq.TopicChatMessage, msg); err != nil {
		return fmt.Errorf("chat: send signal to %s: %w", to, err)
	}
	return nil
}

// GetMessages returns all messages in the buffer.
func (m *Manager) GetMessages() []*Message {
	return m.messages.Snapshot()
}

// GetConversation returns the messages exchanged with one user.
func (m *Manager) GetConversation(userID string) []*Message {
	id := ConversationID(m.tr.SelfID(), userID)
	out := make([]*Message, 0)
	for _, msg := range m.messages.Snapshot() {
		if msg.ConversationID == id {
			out = append(out, msg)
		}
	}
	return out
}

// SetOpenConversation records which conversation the user is looking at.
// Empty clears it.
func (m *Manager) SetOpenConversation(id string) {
	m.mu.Lock()
	m.openConv = id
	m.mu.Unlock()
}

// OpenConversation returns the conversation the user is looking at, if any.
func (m *Manager) OpenConversation() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.openConv
}

// SetSignalHandler registers the interceptor for in-band call signals.
func (m *Manager) SetSignalHandler(fn SignalInterceptor) {
	m.mu.Lock()
	m.intercept = fn
	m.mu.Unlock()
}

// Subscribe returns a channel that receives new messages.
func (m *Manager) Subscribe() <-chan *Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan *Message, 10)
	m.listeners = append(m.listeners, ch)
	return ch
}

// Unsubscribe removes a listener channel.
func (m *Manager) Unsubscribe(ch <-chan *Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, listener := range m.listeners {
		if listener == ch {
			close(listener)
			m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
			return
		}
	}
}

// handle runs on the connection read loop.
func (m *Manager) handle(from, _ string, raw json.RawMessage) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		m.log.Warn().Err(err).Str("from", from).Msg("failed to decode chat message")
		return
	}
	if msg.From == "" {
		msg.From = from
	}
	if msg.From != from {
		m.log.Warn().Str("from", from).Str("claimed", msg.From).Msg("sender mismatch, rejecting")
		return
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	if msg.ConversationID == "" {
		msg.ConversationID = ConversationID(msg.From, msg.To)
	}

	m.mu.RLock()
	intercept := m.intercept
	m.mu.RUnlock()
	if intercept != nil && intercept(&msg) {
		return
	}

	m.addMessage(&msg)
	m.log.Debug().Str("from", msg.From).Msgf("received: %.50s", msg.Content)
}

// addMessage adds a message to the buffer and notifies listeners.
func (m *Manager) addMessage(msg *Message) {
	m.messages.Push(msg)

	m.mu.RLock()
	for _, listener := range m.listeners {
		select {
		case listener <- msg:
		default:
			// Listener buffer full, skip
		}
	}
	m.mu.RUnlock()
}

// Close unsubscribes from the transport and closes all listeners.
func (m *Manager) Close() error {
	if m.unsub != nil {
		m.unsub()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, listener := range m.listeners {
		close(listener)
	}
	m.listeners = nil
	return nil
}
