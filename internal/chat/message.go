package chat

import (
	"time"

	"github.com/google/uuid"
)

// Message is a direct chat message between two users.
type Message struct {
	ID             string `json:"id"`             // unique message ID
	From           string `json:"from"`           // sender user ID
	To             string `json:"to"`             // recipient user ID
	ConversationID string `json:"conversationId"` // shared by both sides of the conversation
	Content        string `json:"content"`        // message content
	Timestamp      int64  `json:"timestamp"`      // unix timestamp in milliseconds
}

// NewMessage creates a new direct message.
func NewMessage(from, to, content string) *Message {
	return &Message{
		ID:             uuid.NewString(),
		From:           from,
		To:             to,
		ConversationID: ConversationID(from, to),
		Content:        content,
		Timestamp:      time.Now().UnixMilli(),
	}
}

// ConversationID is the id both users derive for their direct conversation.
func ConversationID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}
