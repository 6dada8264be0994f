package in_memory

import (
	"context"
	"errors"
	"math"
	"slices"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/iamvkosarev/ai-chat-gateway/internal/model"
)

func TestChatStorage_OwnershipIsNotFound(t *testing.T) {
	ctx := context.Background()
	storage := NewChatStorage()
	owner, stranger := uuid.New(), uuid.New()

	conversation, err := storage.CreateConversation(ctx, owner, "hello")
	if err != nil {
		t.Fatalf("CreateConversation() error = %v", err)
	}
	if _, err = storage.FindConversation(ctx, conversation.ID, stranger); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("FindConversation() by stranger error = %v, want ErrNotFound", err)
	}
	if _, err = storage.LastMessages(ctx, conversation.ID, stranger, 10); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("LastMessages() by stranger error = %v, want ErrNotFound", err)
	}
	if err = storage.DeleteConversation(ctx, conversation.ID, stranger); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("DeleteConversation() by stranger error = %v, want ErrNotFound", err)
	}
	if _, err = storage.FindConversation(ctx, conversation.ID, owner); err != nil {
		t.Errorf("FindConversation() by owner error = %v", err)
	}
}

func TestChatStorage_MonotonicTimestamps(t *testing.T) {
	ctx := context.Background()
	storage := NewChatStorage()
	frozen := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	storage.now = func() time.Time { return frozen }
	accountID := uuid.New()

	conversation, _ := storage.CreateConversation(ctx, accountID, "t")
	first, err := storage.AppendMessage(ctx, conversation.ID, model.MessageRoleUser, "one")
	if err != nil {
		t.Fatalf("AppendMessage() error = %v", err)
	}
	second, _ := storage.AppendMessage(ctx, conversation.ID, model.MessageRoleAssistant, "two")
	if !second.CreatedAt.After(first.CreatedAt) {
		t.Errorf("second message at %v is not after first at %v", second.CreatedAt, first.CreatedAt)
	}
	updated, _ := storage.FindConversation(ctx, conversation.ID, accountID)
	if !updated.UpdatedAt.Equal(second.CreatedAt) {
		t.Errorf("UpdatedAt = %v, want %v", updated.UpdatedAt, second.CreatedAt)
	}

	recent, _ := storage.LastMessages(ctx, conversation.ID, accountID, 1)
	if len(recent) != 1 || recent[0].Content != "two" {
		t.Errorf("LastMessages(1) = %+v, want newest message", recent)
	}
}

func TestChatStorage_ListConversationsRecentFirst(t *testing.T) {
	ctx := context.Background()
	storage := NewChatStorage()
	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	storage.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	accountID := uuid.New()

	older, _ := storage.CreateConversation(ctx, accountID, "older")
	newer, _ := storage.CreateConversation(ctx, accountID, "newer")
	_, _ = storage.CreateConversation(ctx, uuid.New(), "foreign")
	if _, err := storage.AppendMessage(ctx, older.ID, model.MessageRoleUser, "bump"); err != nil {
		t.Fatalf("AppendMessage() error = %v", err)
	}

	page, total, err := storage.ListConversations(ctx, accountID, 0, 1)
	if err != nil {
		t.Fatalf("ListConversations() error = %v", err)
	}
	if total != 2 {
		t.Errorf("total = %d, want 2", total)
	}
	if len(page) != 1 || page[0].ID != older.ID {
		t.Errorf("first page = %+v, want bumped conversation %s", page, older.ID)
	}
	rest, _, _ := storage.ListConversations(ctx, accountID, 1, 5)
	if len(rest) != 1 || rest[0].ID != newer.ID {
		t.Errorf("second page = %+v, want %s", rest, newer.ID)
	}
	empty, _, _ := storage.ListConversations(ctx, accountID, 10, 5)
	if empty == nil || len(empty) != 0 {
		t.Errorf("page past the end = %#v, want empty slice", empty)
	}
}

func TestChatStorage_DeleteRemovesMessages(t *testing.T) {
	ctx := context.Background()
	storage := NewChatStorage()
	accountID := uuid.New()
	conversation, _ := storage.CreateConversation(ctx, accountID, "t")
	_, _ = storage.AppendMessage(ctx, conversation.ID, model.MessageRoleUser, "hi")

	if err := storage.DeleteConversation(ctx, conversation.ID, accountID); err != nil {
		t.Fatalf("DeleteConversation() error = %v", err)
	}
	if _, _, err := storage.ListMessages(ctx, conversation.ID, accountID, 0, 10); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("ListMessages() after delete error = %v, want ErrNotFound", err)
	}
	if _, err := storage.AppendMessage(ctx, conversation.ID, model.MessageRoleAssistant, "late"); !errors.Is(
		err,
		model.ErrNotFound,
	) {
		t.Errorf("AppendMessage() after delete error = %v, want ErrNotFound", err)
	}
}

func TestPaginateOutOfRange(t *testing.T) {
	items := []int{1, 2, 3}
	tests := []struct {
		name          string
		offset, limit int
		want          []int
	}{
		{name: "negative offset", offset: -5, limit: 2, want: []int{1, 2}},
		{name: "huge limit", offset: 1, limit: math.MaxInt, want: []int{2, 3}},
		{name: "offset past end", offset: math.MaxInt, limit: 10, want: []int{}},
	}
	for _, tt := range tests {
		t.Run(
			tt.name, func(t *testing.T) {
				if got := paginate(items, tt.offset, tt.limit); !slices.Equal(got, tt.want) {
					t.Errorf("paginate(%d, %d) = %v, want %v", tt.offset, tt.limit, got, tt.want)
				}
			},
		)
	}
}
