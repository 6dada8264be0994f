package model

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

type ChatRequest struct {
	Message        string    `json:"message"`
	ConversationID uuid.UUID `json:"conversationId"`
}

func (r ChatRequest) Validate(maxLength int) error {
	if strings.TrimSpace(r.Message) == "" {
		return fmt.Errorf("message is blank: %w", ErrBadRequest)
	}
	if maxLength > 0 && utf8.RuneCountInString(r.Message) > maxLength {
		return fmt.Errorf("message longer than %d characters: %w", maxLength, ErrBadRequest)
	}
	return nil
}

type StreamEventType string

const (
	StreamEventToken = StreamEventType("token")
	StreamEventError = StreamEventType("error")
	StreamEventDone  = StreamEventType("done")
)

// StreamDoneMarker is the data carried by the terminal done event.
const StreamDoneMarker = "[DONE]"

type StreamEvent struct {
	Type StreamEventType
	Data string
	// Err is the classified cause of an error event.
	Err error
}

func (e StreamEvent) Terminal() bool {
	return e.Type == StreamEventError || e.Type == StreamEventDone
}

type Page[T any] struct {
	Items   []T  `json:"items"`
	Page    int  `json:"page"`
	Size    int  `json:"size"`
	Total   int  `json:"total"`
	HasNext bool `json:"hasNext"`
}

func NewPage[T any](items []T, page, size, total int) Page[T] {
	if items == nil {
		items = make([]T, 0)
	}
	return Page[T]{
		Items:   items,
		Page:    page,
		Size:    size,
		Total:   total,
		HasNext: (page+1)*size < total,
	}
}
