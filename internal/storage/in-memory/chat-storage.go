package in_memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/iamvkosarev/ai-chat-gateway/internal/model"
)

type conversationEntry struct {
	conversation model.Conversation
	messages     []model.Message
}

// ChatStorage keeps conversations in process memory. It is lost on restart
// and meant for development and tests.
type ChatStorage struct {
	mu            sync.RWMutex
	conversations map[uuid.UUID]*conversationEntry
	now           func() time.Time
}

func NewChatStorage() *ChatStorage {
	return &ChatStorage{
		conversations: make(map[uuid.UUID]*conversationEntry),
		now:           time.Now,
	}
}

func (c *ChatStorage) FindConversation(_ context.Context, id, accountID uuid.UUID) (model.Conversation, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, err := c.ownedEntry(id, accountID)
	if err != nil {
		return model.Conversation{}, err
	}
	return entry.conversation, nil
}

func (c *ChatStorage) CreateConversation(_ context.Context, accountID uuid.UUID, title string) (
	model.Conversation,
	error,
) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now().UTC()
	conversation := model.Conversation{
		ID:        uuid.New(),
		AccountID: accountID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	c.conversations[conversation.ID] = &conversationEntry{
		conversation: conversation,
		messages:     make([]model.Message, 0),
	}
	return conversation, nil
}

func (c *ChatStorage) AppendMessage(
	_ context.Context,
	conversationID uuid.UUID,
	role model.MessageRole,
	content string,
) (model.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.conversations[conversationID]
	if !ok {
		return model.Message{}, model.ErrNotFound
	}
	createdAt := model.NextTimestamp(c.now().UTC(), entry.conversation.UpdatedAt)
	message := model.Message{
		ID:             uuid.New(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      createdAt,
	}
	entry.messages = append(entry.messages, message)
	entry.conversation.UpdatedAt = createdAt
	return message, nil
}

func (c *ChatStorage) LastMessages(_ context.Context, conversationID, accountID uuid.UUID, limit int) (
	[]model.Message,
	error,
) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, err := c.ownedEntry(conversationID, accountID)
	if err != nil {
		return nil, err
	}
	start := max(0, len(entry.messages)-limit)
	recent := slices.Clone(entry.messages[start:])
	slices.Reverse(recent)
	return recent, nil
}

func (c *ChatStorage) ListConversations(_ context.Context, accountID uuid.UUID, offset, limit int) (
	[]model.Conversation,
	int,
	error,
) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	owned := make([]model.Conversation, 0)
	for _, entry := range c.conversations {
		if entry.conversation.AccountID == accountID {
			owned = append(owned, entry.conversation)
		}
	}
	slices.SortFunc(
		owned, func(x, y model.Conversation) int {
			return y.UpdatedAt.Compare(x.UpdatedAt)
		},
	)
	return paginate(owned, offset, limit), len(owned), nil
}

func (c *ChatStorage) ListMessages(
	_ context.Context,
	conversationID, accountID uuid.UUID,
	offset, limit int,
) ([]model.Message, int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, err := c.ownedEntry(conversationID, accountID)
	if err != nil {
		return nil, 0, err
	}
	return paginate(entry.messages, offset, limit), len(entry.messages), nil
}

func (c *ChatStorage) DeleteConversation(_ context.Context, id, accountID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.ownedEntry(id, accountID); err != nil {
		return err
	}
	delete(c.conversations, id)
	return nil
}

func (c *ChatStorage) ownedEntry(id, accountID uuid.UUID) (*conversationEntry, error) {
	entry, ok := c.conversations[id]
	if !ok || entry.conversation.AccountID != accountID {
		return nil, model.ErrNotFound
	}
	return entry, nil
}

func paginate[T any](items []T, offset, limit int) []T {
	offset = max(offset, 0)
	if offset >= len(items) || limit <= 0 {
		return make([]T, 0)
	}
	end := offset + min(limit, len(items)-offset)
	return slices.Clone(items[offset:end])
}
