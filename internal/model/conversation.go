package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type MessageRole string

const (
	MessageRoleUser      = MessageRole("user")
	MessageRoleAssistant = MessageRole("assistant")
)

// ConversationTitleMaxLength limits derived titles, counted in runes.
const ConversationTitleMaxLength = 50

type Message struct {
	ID             uuid.UUID   `json:"id"`
	ConversationID uuid.UUID   `json:"conversationId"`
	Role           MessageRole `json:"role"`
	Content        string      `json:"content"`
	CreatedAt      time.Time   `json:"createdAt"`
}

type Conversation struct {
	ID        uuid.UUID `json:"id"`
	AccountID uuid.UUID `json:"-"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ConversationTitle derives a title from the first message of a conversation.
func ConversationTitle(message string) string {
	runes := []rune(strings.TrimSpace(message))
	if len(runes) > ConversationTitleMaxLength {
		runes = runes[:ConversationTitleMaxLength]
	}
	return string(runes)
}

// NextTimestamp returns now, or the smallest instant after last when the clock
// did not move forward. Stores use it to keep per-conversation times monotonic.
func NextTimestamp(now, last time.Time) time.Time {
	if now.After(last) {
		return now
	}
	return last.Add(time.Microsecond)
}
