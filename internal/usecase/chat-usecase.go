package usecase

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/iamvkosarev/ai-chat-gateway/config"
	"github.com/iamvkosarev/ai-chat-gateway/internal/model"
	openai_tools "github.com/iamvkosarev/ai-chat-gateway/pkg/openai-tools"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

const (
	DefaultContextWindowSize = 10

	StreamFailedReason         = "stream failed"
	StreamFallbackFailedReason = "stream empty and fallback failed"
	StreamSaveFailedReason     = "failed to save reply"

	persistTimeout = 10 * time.Second
)

type Completer interface {
	Complete(ctx context.Context, messages []model.Message) (string, error)
	CompleteStream(ctx context.Context, messages []model.Message) (TokenStream, error)
}

type TokenCounter func(messages []model.Message) (int, error)

type ChatUsecaseDeps struct {
	ChatStorage ChatStorage
	Account     *AccountUsecase
	RateLimit   *RateLimitUsecase
	Completer   Completer
}

type ChatUsecase struct {
	ChatUsecaseDeps
	cfg         config.Chat
	countTokens TokenCounter
	relays      conc.WaitGroup
}

type chatTurn struct {
	accountID      uuid.UUID
	conversationID uuid.UUID
	context        []model.Message
}

func NewChatUsecase(deps ChatUsecaseDeps, cfg config.Chat, openAIModel string) *ChatUsecase {
	if cfg.ContextWindowSize <= 0 {
		cfg.ContextWindowSize = DefaultContextWindowSize
	}
	return &ChatUsecase{
		ChatUsecaseDeps: deps,
		cfg:             cfg,
		countTokens: func(messages []model.Message) (int, error) {
			return openai_tools.CountToken(toChatCompletionMessages(messages), openAIModel)
		},
	}
}

// Complete stores the caller's message, asks the model for a reply and stores
// the reply. Every storage step commits on its own, so a failed upstream call
// leaves a conversation that ends with the user message.
func (c *ChatUsecase) Complete(ctx context.Context, credential string, req model.ChatRequest) (model.Message, error) {
	turn, err := c.beginTurn(ctx, credential, req)
	if err != nil {
		return model.Message{}, err
	}
	reply, err := c.Completer.Complete(ctx, turn.context)
	if err != nil {
		return model.Message{}, fmt.Errorf("failed to complete conversation %s: %w", turn.conversationID, err)
	}
	return c.saveAssistantMessage(ctx, turn, reply)
}

// CompleteStream stores the caller's message and relays the model reply as
// events. Failures before the relay starts are returned as errors; later ones
// arrive as a terminal error event. The channel is closed after the terminal
// event, or without one when ctx is cancelled.
func (c *ChatUsecase) CompleteStream(ctx context.Context, credential string, req model.ChatRequest) (
	<-chan model.StreamEvent,
	error,
) {
	turn, err := c.beginTurn(ctx, credential, req)
	if err != nil {
		return nil, err
	}
	events := make(chan model.StreamEvent)
	c.relays.Go(func() { c.relay(ctx, turn, events) })
	return events, nil
}

// Wait blocks until every running relay has finished persisting.
func (c *ChatUsecase) Wait() {
	c.relays.Wait()
}

func (c *ChatUsecase) relay(ctx context.Context, turn chatTurn, events chan<- model.StreamEvent) {
	closeEvents := sync.OnceFunc(func() { close(events) })
	defer closeEvents()
	logger := log.With().Str("conversation_id", turn.conversationID.String()).Logger()

	stream, err := c.Completer.CompleteStream(ctx, turn.context)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to open completion stream")
		sendEvent(ctx, events, errorEvent(StreamFailedReason, err))
		return
	}
	defer stream.Close()

	var answer strings.Builder
	for {
		select {
		case token, ok := <-stream.Tokens():
			if !ok {
				c.finishRelay(ctx, turn, stream.Err(), &answer, events, closeEvents)
				return
			}
			answer.WriteString(token)
			if !sendEvent(ctx, events, model.StreamEvent{Type: model.StreamEventToken, Data: token}) {
				stream.Close()
				closeEvents()
				c.savePartial(ctx, turn, answer.String())
				return
			}
		case <-ctx.Done():
			stream.Close()
			closeEvents()
			c.savePartial(ctx, turn, answer.String())
			return
		}
	}
}

// finishRelay runs once the token stream has ended. On failure the terminal
// event is sent and the channel closed before the partial reply is stored.
func (c *ChatUsecase) finishRelay(
	ctx context.Context,
	turn chatTurn,
	streamErr error,
	answer *strings.Builder,
	events chan<- model.StreamEvent,
	closeEvents func(),
) {
	if streamErr != nil {
		if ctx.Err() == nil {
			log.Warn().Err(streamErr).Str("conversation_id", turn.conversationID.String()).Msg("stream failed")
			sendEvent(ctx, events, errorEvent(StreamFailedReason, streamErr))
		}
		closeEvents()
		c.savePartial(ctx, turn, answer.String())
		return
	}

	if answer.Len() == 0 {
		reply, err := c.Completer.Complete(ctx, turn.context)
		if err != nil {
			log.Warn().Err(err).Str("conversation_id", turn.conversationID.String()).Msg("stream fallback failed")
			sendEvent(ctx, events, errorEvent(StreamFallbackFailedReason, err))
			return
		}
		answer.WriteString(reply)
		if !sendEvent(ctx, events, model.StreamEvent{Type: model.StreamEventToken, Data: reply}) {
			closeEvents()
			c.savePartial(ctx, turn, answer.String())
			return
		}
	}

	persistCtx, cancel := detachedContext(ctx)
	defer cancel()
	if _, err := c.saveAssistantMessage(persistCtx, turn, answer.String()); err != nil {
		log.Error().Err(err).Str("conversation_id", turn.conversationID.String()).Msg("failed to save streamed reply")
		sendEvent(ctx, events, errorEvent(StreamSaveFailedReason, err))
		return
	}
	sendEvent(ctx, events, model.StreamEvent{Type: model.StreamEventDone, Data: model.StreamDoneMarker})
}

// savePartial keeps whatever the model produced before the stream ended
// abnormally. It runs detached from ctx because the caller may be gone.
func (c *ChatUsecase) savePartial(ctx context.Context, turn chatTurn, content string) {
	if content == "" {
		return
	}
	persistCtx, cancel := detachedContext(ctx)
	defer cancel()
	if _, err := c.saveAssistantMessage(persistCtx, turn, content); err != nil {
		log.Error().Err(err).Str("conversation_id", turn.conversationID.String()).Msg("failed to save partial reply")
	}
}

func (c *ChatUsecase) beginTurn(ctx context.Context, credential string, req model.ChatRequest) (chatTurn, error) {
	if err := req.Validate(c.cfg.MaxMessageLength); err != nil {
		return chatTurn{}, err
	}
	account, err := authorize(ctx, c.RateLimit, c.Account, credential)
	if err != nil {
		return chatTurn{}, err
	}
	conversation, err := c.resolveConversation(ctx, account.ID, req)
	if err != nil {
		return chatTurn{}, err
	}
	if _, err = c.ChatStorage.AppendMessage(ctx, conversation.ID, model.MessageRoleUser, req.Message); err != nil {
		return chatTurn{}, fmt.Errorf("failed to save user message: %w", err)
	}
	window, err := c.contextWindow(ctx, conversation.ID, account.ID)
	if err != nil {
		return chatTurn{}, err
	}
	return chatTurn{
		accountID:      account.ID,
		conversationID: conversation.ID,
		context:        window,
	}, nil
}

func (c *ChatUsecase) resolveConversation(ctx context.Context, accountID uuid.UUID, req model.ChatRequest) (
	model.Conversation,
	error,
) {
	if req.ConversationID != uuid.Nil {
		conversation, err := c.ChatStorage.FindConversation(ctx, req.ConversationID, accountID)
		if err != nil {
			return model.Conversation{}, fmt.Errorf("failed to get conversation %s: %w", req.ConversationID, err)
		}
		return conversation, nil
	}
	conversation, err := c.ChatStorage.CreateConversation(ctx, accountID, model.ConversationTitle(req.Message))
	if err != nil {
		return model.Conversation{}, fmt.Errorf("failed to create conversation: %w", err)
	}
	return conversation, nil
}

// contextWindow returns the most recent messages in chronological order.
func (c *ChatUsecase) contextWindow(ctx context.Context, conversationID, accountID uuid.UUID) (
	[]model.Message,
	error,
) {
	recent, err := c.ChatStorage.LastMessages(ctx, conversationID, accountID, c.cfg.ContextWindowSize)
	if err != nil {
		return nil, fmt.Errorf("failed to get context of %s: %w", conversationID, err)
	}
	if len(recent) > c.cfg.ContextWindowSize {
		recent = recent[:c.cfg.ContextWindowSize]
	}
	slices.Reverse(recent)
	slices.SortStableFunc(
		recent, func(a, b model.Message) int {
			return a.CreatedAt.Compare(b.CreatedAt)
		},
	)
	return c.trimToTokenBudget(recent), nil
}

func (c *ChatUsecase) trimToTokenBudget(window []model.Message) []model.Message {
	if c.cfg.MaxContextTokens <= 0 {
		return window
	}
	for len(window) > 1 {
		count, err := c.countTokens(window)
		if err != nil {
			log.Warn().Err(err).Msg("failed to count context tokens")
			return window
		}
		if count <= c.cfg.MaxContextTokens {
			break
		}
		window = window[1:]
		log.Debug().Int("tokens", count).Msg("context trimmed due to token limit")
	}
	return window
}

// saveAssistantMessage re-reads the conversation first so that a conversation
// deleted during the upstream call yields ErrNotFound instead of an orphan.
func (c *ChatUsecase) saveAssistantMessage(ctx context.Context, turn chatTurn, content string) (model.Message, error) {
	if _, err := c.ChatStorage.FindConversation(ctx, turn.conversationID, turn.accountID); err != nil {
		return model.Message{}, fmt.Errorf("failed to get conversation %s: %w", turn.conversationID, err)
	}
	message, err := c.ChatStorage.AppendMessage(ctx, turn.conversationID, model.MessageRoleAssistant, content)
	if err != nil {
		return model.Message{}, fmt.Errorf("failed to save assistant message: %w", err)
	}
	return message, nil
}

func sendEvent(ctx context.Context, events chan<- model.StreamEvent, event model.StreamEvent) bool {
	select {
	case events <- event:
		return true
	case <-ctx.Done():
		return false
	}
}

func errorEvent(reason string, cause error) model.StreamEvent {
	return model.StreamEvent{Type: model.StreamEventError, Data: reason, Err: cause}
}

func detachedContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
}
