package key_value

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/iamvkosarev/ai-chat-gateway/internal/model"
	"github.com/redis/go-redis/v9"
)

const maxAppendAttempts = 10

var (
	ErrConcurrentUpdate = errors.New("conversation changed concurrently")
)

type messageInternal struct {
	ID        string            `json:"id"`
	Role      model.MessageRole `json:"role"`
	Content   string            `json:"content"`
	CreatedAt time.Time         `json:"created_at"`
}

type conversationInternal struct {
	ID        uuid.UUID `json:"id"`
	AccountID uuid.UUID `json:"account_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// ChatStorage keeps a conversation as a JSON value, its messages as a list
// and each account's conversations in a sorted set scored by update time.
type ChatStorage struct {
	rdb *redis.Client
	now func() time.Time
}

func NewChatStorage(rdb *redis.Client) *ChatStorage {
	return &ChatStorage{
		rdb: rdb,
		now: time.Now,
	}
}

func (c *ChatStorage) FindConversation(ctx context.Context, id, accountID uuid.UUID) (model.Conversation, error) {
	conversationInt, err := getConversationInt(ctx, c.rdb, id)
	if err != nil {
		return model.Conversation{}, err
	}
	if conversationInt.AccountID != accountID {
		return model.Conversation{}, model.ErrNotFound
	}
	return conversationInt.toModel(), nil
}

func (c *ChatStorage) CreateConversation(ctx context.Context, accountID uuid.UUID, title string) (
	model.Conversation,
	error,
) {
	now := c.timestamp()
	conversationInt := conversationInternal{
		ID:        uuid.New(),
		AccountID: accountID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := c.rdb.TxPipelined(
		ctx, func(pipe redis.Pipeliner) error {
			return setConversationInt(ctx, pipe, conversationInt)
		},
	)
	if err != nil {
		return model.Conversation{}, fmt.Errorf("failed to save conversation %s: %w", conversationInt.ID, err)
	}
	return conversationInt.toModel(), nil
}

// AppendMessage watches the conversation key so a concurrent delete or append
// aborts the transaction, which is then retried against the new state.
func (c *ChatStorage) AppendMessage(
	ctx context.Context,
	conversationID uuid.UUID,
	role model.MessageRole,
	content string,
) (model.Message, error) {
	var message model.Message
	appendTx := func(tx *redis.Tx) error {
		conversationInt, err := getConversationInt(ctx, tx, conversationID)
		if err != nil {
			return err
		}
		createdAt := model.NextTimestamp(c.timestamp(), conversationInt.UpdatedAt)
		message = model.Message{
			ID:             uuid.New(),
			ConversationID: conversationID,
			Role:           role,
			Content:        content,
			CreatedAt:      createdAt,
		}
		messageJSON, err := json.Marshal(
			messageInternal{
				ID:        message.ID.String(),
				Role:      role,
				Content:   content,
				CreatedAt: createdAt,
			},
		)
		if err != nil {
			return fmt.Errorf("failed to marshal internal message: %w", err)
		}
		conversationInt.UpdatedAt = createdAt
		_, err = tx.TxPipelined(
			ctx, func(pipe redis.Pipeliner) error {
				pipe.RPush(ctx, getConversationMessagesKey(conversationID), messageJSON)
				return setConversationInt(ctx, pipe, conversationInt)
			},
		)
		return err
	}

	for attempt := 0; attempt < maxAppendAttempts; attempt++ {
		err := c.rdb.Watch(ctx, appendTx, getConversationKey(conversationID))
		if err == nil {
			return message, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			if errors.Is(err, model.ErrNotFound) {
				return model.Message{}, err
			}
			return model.Message{}, fmt.Errorf("failed to append message to %s: %w", conversationID, err)
		}
	}
	return model.Message{}, fmt.Errorf("failed to append message to %s: %w", conversationID, ErrConcurrentUpdate)
}

func (c *ChatStorage) LastMessages(ctx context.Context, conversationID, accountID uuid.UUID, limit int) (
	[]model.Message,
	error,
) {
	if _, err := c.FindConversation(ctx, conversationID, accountID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return make([]model.Message, 0), nil
	}
	messages, err := c.readMessages(ctx, conversationID, int64(-limit), -1)
	if err != nil {
		return nil, err
	}
	slices.Reverse(messages)
	return messages, nil
}

func (c *ChatStorage) ListConversations(ctx context.Context, accountID uuid.UUID, offset, limit int) (
	[]model.Conversation,
	int,
	error,
) {
	accountConversationsKey := getAccountConversationsKey(accountID)
	total, err := c.rdb.ZCard(ctx, accountConversationsKey).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count conversations of %s: %w", accountID, err)
	}
	start, stop, ok := pageRange(offset, limit, total)
	if !ok {
		return make([]model.Conversation, 0), int(total), nil
	}
	conversationIDs, err := c.rdb.ZRevRange(ctx, accountConversationsKey, start, stop).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get conversations of %s: %w", accountID, err)
	}
	conversations := make([]model.Conversation, 0, len(conversationIDs))
	for _, conversationIDStr := range conversationIDs {
		conversationID, err := uuid.Parse(conversationIDStr)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to parse conversationID %s: %w", conversationIDStr, err)
		}
		conversation, err := c.FindConversation(ctx, conversationID, accountID)
		if err != nil {
			// Deleted between the range read and the lookup.
			if errors.Is(err, model.ErrNotFound) {
				continue
			}
			return nil, 0, err
		}
		conversations = append(conversations, conversation)
	}
	return conversations, int(total), nil
}

func (c *ChatStorage) ListMessages(
	ctx context.Context,
	conversationID, accountID uuid.UUID,
	offset, limit int,
) ([]model.Message, int, error) {
	if _, err := c.FindConversation(ctx, conversationID, accountID); err != nil {
		return nil, 0, err
	}
	total, err := c.rdb.LLen(ctx, getConversationMessagesKey(conversationID)).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count messages of %s: %w", conversationID, err)
	}
	start, stop, ok := pageRange(offset, limit, total)
	if !ok {
		return make([]model.Message, 0), int(total), nil
	}
	messages, err := c.readMessages(ctx, conversationID, start, stop)
	if err != nil {
		return nil, 0, err
	}
	return messages, int(total), nil
}

func (c *ChatStorage) DeleteConversation(ctx context.Context, id, accountID uuid.UUID) error {
	if _, err := c.FindConversation(ctx, id, accountID); err != nil {
		return err
	}
	_, err := c.rdb.TxPipelined(
		ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, getConversationKey(id), getConversationMessagesKey(id))
			pipe.ZRem(ctx, getAccountConversationsKey(accountID), id.String())
			return nil
		},
	)
	if err != nil {
		return fmt.Errorf("failed to delete conversation %s: %w", id, err)
	}
	return nil
}

func (c *ChatStorage) readMessages(ctx context.Context, conversationID uuid.UUID, start, stop int64) (
	[]model.Message,
	error,
) {
	rawMessages, err := c.rdb.LRange(ctx, getConversationMessagesKey(conversationID), start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get messages of %s: %w", conversationID, err)
	}
	messages := make([]model.Message, 0, len(rawMessages))
	for _, raw := range rawMessages {
		var messageInt messageInternal
		if err = json.Unmarshal([]byte(raw), &messageInt); err != nil {
			return nil, fmt.Errorf("failed to unmarshal message of %s: %w", conversationID, err)
		}
		messageID, err := uuid.Parse(messageInt.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to parse messageID %s: %w", messageInt.ID, err)
		}
		messages = append(
			messages, model.Message{
				ID:             messageID,
				ConversationID: conversationID,
				Role:           messageInt.Role,
				Content:        messageInt.Content,
				CreatedAt:      messageInt.CreatedAt,
			},
		)
	}
	return messages, nil
}

// timestamp is truncated to microseconds so that sorted-set scores stay exact.
func (c *ChatStorage) timestamp() time.Time {
	return c.now().UTC().Truncate(time.Microsecond)
}

func (ci conversationInternal) toModel() model.Conversation {
	return model.Conversation{
		ID:        ci.ID,
		AccountID: ci.AccountID,
		Title:     ci.Title,
		CreatedAt: ci.CreatedAt,
		UpdatedAt: ci.UpdatedAt,
	}
}

func getConversationInt(ctx context.Context, rdb stringGetter, id uuid.UUID) (conversationInternal, error) {
	conversationRaw, err := rdb.Get(ctx, getConversationKey(id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return conversationInternal{}, model.ErrNotFound
		}
		return conversationInternal{}, fmt.Errorf("failed to get conversation %s: %w", id, err)
	}
	var conversationInt conversationInternal
	if err = json.Unmarshal([]byte(conversationRaw), &conversationInt); err != nil {
		return conversationInternal{}, fmt.Errorf("failed to unmarshal conversation %s: %w", id, err)
	}
	return conversationInt, nil
}

func setConversationInt(ctx context.Context, pipe redis.Pipeliner, conversationInt conversationInternal) error {
	conversationJSON, err := json.Marshal(conversationInt)
	if err != nil {
		return fmt.Errorf("failed to marshal internal conversation: %w", err)
	}
	pipe.Set(ctx, getConversationKey(conversationInt.ID), conversationJSON, 0)
	pipe.ZAdd(
		ctx, getAccountConversationsKey(conversationInt.AccountID), redis.Z{
			Score:  float64(conversationInt.UpdatedAt.UnixMicro()),
			Member: conversationInt.ID.String(),
		},
	)
	return nil
}

// pageRange converts offset and limit into inclusive redis range bounds. Redis
// reads negative indexes from the tail, so they never reach it.
func pageRange(offset, limit int, total int64) (int64, int64, bool) {
	if offset < 0 || limit <= 0 || int64(offset) >= total {
		return 0, 0, false
	}
	return int64(offset), int64(offset) + min(int64(limit), total-int64(offset)) - 1, true
}

func getConversationKey(id uuid.UUID) string {
	return fmt.Sprintf("conversation_%v", id.String())
}

func getConversationMessagesKey(id uuid.UUID) string {
	return fmt.Sprintf("conversation_messages_%v", id.String())
}

func getAccountConversationsKey(accountID uuid.UUID) string {
	return fmt.Sprintf("account_conversations_%v", accountID.String())
}
