package usecase

import (
	"context"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/iamvkosarev/ai-chat-gateway/internal/model"
)

const (
	MaxConversationPageSize = 100
	MaxMessagePageSize      = 200
)

// ChatStorage persists conversations and their messages. Every method is a
// single committed unit. Lookups scoped by account return model.ErrNotFound
// for conversations owned by someone else.
type ChatStorage interface {
	FindConversation(ctx context.Context, id, accountID uuid.UUID) (model.Conversation, error)
	CreateConversation(ctx context.Context, accountID uuid.UUID, title string) (model.Conversation, error)
	AppendMessage(
		ctx context.Context,
		conversationID uuid.UUID,
		role model.MessageRole,
		content string,
	) (model.Message, error)
	// LastMessages returns up to limit messages, newest first.
	LastMessages(ctx context.Context, conversationID, accountID uuid.UUID, limit int) ([]model.Message, error)
	ListConversations(ctx context.Context, accountID uuid.UUID, offset, limit int) ([]model.Conversation, int, error)
	ListMessages(
		ctx context.Context,
		conversationID, accountID uuid.UUID,
		offset, limit int,
	) ([]model.Message, int, error)
	DeleteConversation(ctx context.Context, id, accountID uuid.UUID) error
}

type ConversationUsecaseDeps struct {
	ChatStorage ChatStorage
	Account     *AccountUsecase
	RateLimit   *RateLimitUsecase
}

type ConversationUsecase struct {
	ConversationUsecaseDeps
}

func NewConversationUsecase(deps ConversationUsecaseDeps) *ConversationUsecase {
	return &ConversationUsecase{
		ConversationUsecaseDeps: deps,
	}
}

func (c *ConversationUsecase) ListConversations(
	ctx context.Context,
	credential string,
	page, size int,
) (model.Page[model.Conversation], error) {
	if err := validatePage(page, size, MaxConversationPageSize); err != nil {
		return model.Page[model.Conversation]{}, err
	}
	account, err := authorize(ctx, c.RateLimit, c.Account, credential)
	if err != nil {
		return model.Page[model.Conversation]{}, err
	}
	conversations, total, err := c.ChatStorage.ListConversations(ctx, account.ID, page*size, size)
	if err != nil {
		return model.Page[model.Conversation]{}, fmt.Errorf("failed to list conversations: %w", err)
	}
	return model.NewPage(conversations, page, size, total), nil
}

func (c *ConversationUsecase) GetConversation(ctx context.Context, credential string, id uuid.UUID) (
	model.Conversation,
	error,
) {
	account, err := authorize(ctx, c.RateLimit, c.Account, credential)
	if err != nil {
		return model.Conversation{}, err
	}
	conversation, err := c.ChatStorage.FindConversation(ctx, id, account.ID)
	if err != nil {
		return model.Conversation{}, fmt.Errorf("failed to get conversation %s: %w", id, err)
	}
	return conversation, nil
}

func (c *ConversationUsecase) ListMessages(
	ctx context.Context,
	credential string,
	id uuid.UUID,
	page, size int,
) (model.Page[model.Message], error) {
	if err := validatePage(page, size, MaxMessagePageSize); err != nil {
		return model.Page[model.Message]{}, err
	}
	account, err := authorize(ctx, c.RateLimit, c.Account, credential)
	if err != nil {
		return model.Page[model.Message]{}, err
	}
	messages, total, err := c.ChatStorage.ListMessages(ctx, id, account.ID, page*size, size)
	if err != nil {
		return model.Page[model.Message]{}, fmt.Errorf("failed to list messages of %s: %w", id, err)
	}
	return model.NewPage(messages, page, size, total), nil
}

func (c *ConversationUsecase) DeleteConversation(ctx context.Context, credential string, id uuid.UUID) error {
	account, err := authorize(ctx, c.RateLimit, c.Account, credential)
	if err != nil {
		return err
	}
	if err = c.ChatStorage.DeleteConversation(ctx, id, account.ID); err != nil {
		return fmt.Errorf("failed to delete conversation %s: %w", id, err)
	}
	return nil
}

// authorize applies the caller's rate limit before resolving the account so
// that rejected callers never reach storage.
func authorize(
	ctx context.Context,
	rateLimit *RateLimitUsecase,
	account *AccountUsecase,
	credential string,
) (model.Account, error) {
	if err := rateLimit.Check(credential); err != nil {
		return model.Account{}, err
	}
	return account.Authenticate(ctx, credential)
}

func validatePage(page, size, maxSize int) error {
	if page < 0 {
		return fmt.Errorf("page must not be negative: %w", model.ErrBadRequest)
	}
	if size < 1 || size > maxSize {
		return fmt.Errorf("size must be within 1..%d: %w", maxSize, model.ErrBadRequest)
	}
	if page > (math.MaxInt-size)/size {
		return fmt.Errorf("page %d is out of range: %w", page, model.ErrBadRequest)
	}
	return nil
}
