package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/iamvkosarev/ai-chat-gateway/internal/model"
)

type ChatStorage struct {
	db  *sql.DB
	now func() time.Time
}

func NewChatStorage(db *sql.DB) *ChatStorage {
	return &ChatStorage{
		db:  db,
		now: time.Now,
	}
}

func (c *ChatStorage) FindConversation(ctx context.Context, id, accountID uuid.UUID) (model.Conversation, error) {
	return findConversation(ctx, c.db, id, accountID)
}

func (c *ChatStorage) CreateConversation(ctx context.Context, accountID uuid.UUID, title string) (
	model.Conversation,
	error,
) {
	now := c.timestamp()
	conversation := model.Conversation{
		ID:        uuid.New(),
		AccountID: accountID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := c.db.ExecContext(
		ctx,
		`INSERT INTO conversations (id, account_id, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		conversation.ID.String(), accountID.String(), title, toUnix(now), toUnix(now),
	)
	if err != nil {
		return model.Conversation{}, fmt.Errorf("failed to insert conversation: %w", err)
	}
	return conversation, nil
}

func (c *ChatStorage) AppendMessage(
	ctx context.Context,
	conversationID uuid.UUID,
	role model.MessageRole,
	content string,
) (model.Message, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Message{}, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var updatedAt int64
	err = tx.QueryRowContext(
		ctx, `SELECT updated_at FROM conversations WHERE id = ?`, conversationID.String(),
	).Scan(&updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Message{}, model.ErrNotFound
	}
	if err != nil {
		return model.Message{}, fmt.Errorf("failed to get conversation %s: %w", conversationID, err)
	}

	message := model.Message{
		ID:             uuid.New(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      model.NextTimestamp(c.timestamp(), fromUnix(updatedAt)),
	}
	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO messages (id, conversation_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		message.ID.String(), conversationID.String(), string(role), content, toUnix(message.CreatedAt),
	)
	if err != nil {
		return model.Message{}, fmt.Errorf("failed to insert message: %w", err)
	}
	_, err = tx.ExecContext(
		ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`,
		toUnix(message.CreatedAt), conversationID.String(),
	)
	if err != nil {
		return model.Message{}, fmt.Errorf("failed to touch conversation %s: %w", conversationID, err)
	}
	if err = tx.Commit(); err != nil {
		return model.Message{}, fmt.Errorf("failed to commit message: %w", err)
	}
	return message, nil
}

func (c *ChatStorage) LastMessages(ctx context.Context, conversationID, accountID uuid.UUID, limit int) (
	[]model.Message,
	error,
) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err = findConversation(ctx, tx, conversationID, accountID); err != nil {
		return nil, err
	}
	return queryMessages(
		ctx, tx,
		`SELECT id, conversation_id, role, content, created_at FROM messages
		WHERE conversation_id = ? ORDER BY created_at DESC, seq DESC LIMIT ?`,
		conversationID.String(), limit,
	)
}

func (c *ChatStorage) ListConversations(ctx context.Context, accountID uuid.UUID, offset, limit int) (
	[]model.Conversation,
	int,
	error,
) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var total int
	err = tx.QueryRowContext(
		ctx, `SELECT COUNT(*) FROM conversations WHERE account_id = ?`, accountID.String(),
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count conversations: %w", err)
	}
	rows, err := tx.QueryContext(
		ctx,
		`SELECT id, account_id, title, created_at, updated_at FROM conversations
		WHERE account_id = ? ORDER BY updated_at DESC, id LIMIT ? OFFSET ?`,
		accountID.String(), limit, max(offset, 0),
	)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	conversations := make([]model.Conversation, 0)
	for rows.Next() {
		conversation, err := scanConversation(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan conversation: %w", err)
		}
		conversations = append(conversations, conversation)
	}
	if err = rows.Err(); err != nil {
		return nil, 0, err
	}
	return conversations, total, nil
}

func (c *ChatStorage) ListMessages(
	ctx context.Context,
	conversationID, accountID uuid.UUID,
	offset, limit int,
) ([]model.Message, int, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err = findConversation(ctx, tx, conversationID, accountID); err != nil {
		return nil, 0, err
	}
	var total int
	err = tx.QueryRowContext(
		ctx, `SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conversationID.String(),
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count messages: %w", err)
	}
	messages, err := queryMessages(
		ctx, tx,
		`SELECT id, conversation_id, role, content, created_at FROM messages
		WHERE conversation_id = ? ORDER BY created_at, seq LIMIT ? OFFSET ?`,
		conversationID.String(), limit, max(offset, 0),
	)
	if err != nil {
		return nil, 0, err
	}
	return messages, total, nil
}

// DeleteConversation relies on ON DELETE CASCADE for the messages.
func (c *ChatStorage) DeleteConversation(ctx context.Context, id, accountID uuid.UUID) error {
	result, err := c.db.ExecContext(
		ctx,
		`DELETE FROM conversations WHERE id = ? AND account_id = ?`,
		id.String(), accountID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to delete conversation %s: %w", id, err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (c *ChatStorage) timestamp() time.Time {
	return c.now().UTC().Truncate(time.Microsecond)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func findConversation(ctx context.Context, q querier, id, accountID uuid.UUID) (model.Conversation, error) {
	row := q.QueryRowContext(
		ctx,
		`SELECT id, account_id, title, created_at, updated_at FROM conversations WHERE id = ? AND account_id = ?`,
		id.String(), accountID.String(),
	)
	conversation, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Conversation{}, model.ErrNotFound
	}
	if err != nil {
		return model.Conversation{}, fmt.Errorf("failed to get conversation %s: %w", id, err)
	}
	return conversation, nil
}

func queryMessages(ctx context.Context, q querier, query string, args ...any) ([]model.Message, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	messages := make([]model.Message, 0)
	for rows.Next() {
		var (
			id, conversationID, role, content string
			createdAt                         int64
		)
		if err = rows.Scan(&id, &conversationID, &role, &content, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messageID, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("failed to parse messageID %s: %w", id, err)
		}
		parsedConversationID, err := uuid.Parse(conversationID)
		if err != nil {
			return nil, fmt.Errorf("failed to parse conversationID %s: %w", conversationID, err)
		}
		messages = append(
			messages, model.Message{
				ID:             messageID,
				ConversationID: parsedConversationID,
				Role:           model.MessageRole(role),
				Content:        content,
				CreatedAt:      fromUnix(createdAt),
			},
		)
	}
	return messages, rows.Err()
}

func scanConversation(row scanner) (model.Conversation, error) {
	var (
		id, accountID        string
		conversation         model.Conversation
		createdAt, updatedAt int64
	)
	if err := row.Scan(&id, &accountID, &conversation.Title, &createdAt, &updatedAt); err != nil {
		return model.Conversation{}, err
	}
	var err error
	if conversation.ID, err = uuid.Parse(id); err != nil {
		return model.Conversation{}, fmt.Errorf("failed to parse conversationID %s: %w", id, err)
	}
	if conversation.AccountID, err = uuid.Parse(accountID); err != nil {
		return model.Conversation{}, fmt.Errorf("failed to parse accountID %s: %w", accountID, err)
	}
	conversation.CreatedAt = fromUnix(createdAt)
	conversation.UpdatedAt = fromUnix(updatedAt)
	return conversation, nil
}
