package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/iamvkosarev/ai-chat-gateway/config"
	"github.com/iamvkosarev/ai-chat-gateway/internal/model"
	openai_tools "github.com/iamvkosarev/ai-chat-gateway/pkg/openai-tools"
	"github.com/rs/zerolog/log"
	"github.com/sashabaranov/go-openai"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
)

const (
	SystemPreamble = "You are a helpful assistant."

	OpenAIRoleUnknown = "unknown"

	errorPreviewLength = 180
	streamReadSize     = 4096
	maxErrorBodySize   = 64 << 10
)

var apiKeyPattern = regexp.MustCompile(`sk-[A-Za-z0-9_-]+`)

type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// TokenStream is a finite, non-restartable sequence of completion tokens.
// Err is meaningful once Tokens is closed. Close stops the upstream read and
// may be called any number of times.
type TokenStream interface {
	Tokens() <-chan string
	Err() error
	Close()
}

type OpenAIUsecase struct {
	cfg      config.OpenAI
	client   HTTPDoer
	endpoint string
}

// NewOpenAIUsecase expects cfg.OpenAIBaseURL to include the API version
// prefix, e.g. https://api.openai.com/v1.
func NewOpenAIUsecase(cfg config.OpenAI, client HTTPDoer) *OpenAIUsecase {
	if client == nil {
		client = &http.Client{}
	}
	return &OpenAIUsecase{
		cfg:      cfg,
		client:   client,
		endpoint: strings.TrimRight(cfg.OpenAIBaseURL, "/") + "/chat/completions",
	}
}

// Complete returns the assistant reply for the context messages. Network
// failures and 5xx answers are retried up to MaxRetries times with a fixed
// delay; 4xx and malformed answers are not.
func (o *OpenAIUsecase) Complete(ctx context.Context, messages []model.Message) (string, error) {
	apiKey, err := o.apiKey()
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(o.buildRequest(messages, false))
	if err != nil {
		return "", fmt.Errorf("failed to marshal openai request: %w", err)
	}

	attempts := max(1, o.cfg.MaxRetries+1)
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		content, err := o.requestCompletion(ctx, apiKey, payload)
		if err == nil {
			return content, nil
		}
		if errors.Is(err, model.ErrUpstreamRateLimited) && o.cfg.FallbackOnRateLimited {
			log.Warn().Msg("openai rate limited; fallback response returned")
			return o.cfg.FallbackMessage, nil
		}
		lastErr = err
		if !model.IsRetriable(err) || attempt == attempts {
			return "", err
		}
		log.Warn().Err(err).Int("attempt", attempt).Int("attempts", attempts).Msg("openai retry")
		if err = sleepContext(ctx, o.cfg.RetryDelay()); err != nil {
			return "", fmt.Errorf("openai retry interrupted: %w", err)
		}
	}
	return "", lastErr
}

// CompleteStream opens a streaming completion. A failure to open the stream,
// including a non-2xx status, is returned directly and no tokens are produced.
func (o *OpenAIUsecase) CompleteStream(ctx context.Context, messages []model.Message) (TokenStream, error) {
	apiKey, err := o.apiKey()
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(o.buildRequest(messages, true))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal openai request: %w", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	req, err := o.newRequest(streamCtx, apiKey, payload, true)
	if err != nil {
		cancel()
		return nil, err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		cancel()
		return nil, o.transportError(ctx, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		_ = resp.Body.Close()
		cancel()
		return nil, statusError(resp.StatusCode, body)
	}

	stream := &upstreamTokenStream{
		tokens: make(chan string),
		body:   resp.Body,
		cancel: cancel,
	}
	stream.wg.Go(
		func() {
			defer close(stream.tokens)
			var catcher panics.Catcher
			catcher.Try(func() { stream.err = stream.pump(streamCtx) })
			if recovered := catcher.Recovered(); recovered != nil {
				stream.err = fmt.Errorf("openai stream panic: %v", recovered.Value)
			}
		},
	)
	return stream, nil
}

func (o *OpenAIUsecase) requestCompletion(ctx context.Context, apiKey string, payload []byte) (string, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, o.cfg.Timeout())
	defer cancel()

	req, err := o.newRequest(attemptCtx, apiKey, payload, false)
	if err != nil {
		return "", err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return "", o.transportError(ctx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", o.transportError(ctx, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", statusError(resp.StatusCode, body)
	}

	var parsed openai.ChatCompletionResponse
	if err = json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("failed to decode openai response: %w", model.ErrUpstreamInvalidResponse)
	}
	if len(parsed.Choices) == 0 || strings.TrimSpace(parsed.Choices[0].Message.Content) == "" {
		return "", fmt.Errorf("openai response has no completion text: %w", model.ErrUpstreamInvalidResponse)
	}
	return parsed.Choices[0].Message.Content, nil
}

func (o *OpenAIUsecase) newRequest(ctx context.Context, apiKey string, payload []byte, stream bool) (
	*http.Request,
	error,
) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create openai request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	} else {
		req.Header.Set("Accept", "application/json")
	}
	return req, nil
}

func (o *OpenAIUsecase) buildRequest(messages []model.Message, stream bool) openai.ChatCompletionRequest {
	history := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	history = append(
		history, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: SystemPreamble,
		},
	)
	history = append(history, toChatCompletionMessages(messages)...)
	return openai.ChatCompletionRequest{
		Model:       o.cfg.OpenAIModel,
		Temperature: o.cfg.ModelTemperature,
		Messages:    history,
		Stream:      stream,
	}
}

func (o *OpenAIUsecase) apiKey() (string, error) {
	apiKey := strings.TrimSpace(o.cfg.OpenAIAPIKey)
	if apiKey == "" {
		return "", fmt.Errorf("openai api key is empty: %w", model.ErrUpstream)
	}
	return apiKey, nil
}

// transportError keeps caller cancellation distinct from network failures so
// that it is not retried.
func (o *OpenAIUsecase) transportError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("openai request canceled: %w", ctx.Err())
	}
	log.Warn().Err(err).Msg("openai network error")
	return fmt.Errorf("openai request failed: %w", model.ErrUpstreamNetwork)
}

func statusError(code int, body []byte) error {
	summary := summarizeErrorBody(body)
	log.Warn().Int("status", code).Str("body", summary).Msg("openai api error")
	switch {
	case code == http.StatusTooManyRequests:
		return fmt.Errorf("openai status %d: %w", code, model.ErrUpstreamRateLimited)
	case code >= 400 && code < 500:
		return fmt.Errorf("openai status %d %s: %w", code, summary, model.ErrUpstreamRejected)
	default:
		return fmt.Errorf("openai status %d %s: %w", code, summary, model.ErrUpstreamUnavailable)
	}
}

// summarizeErrorBody produces a single-line preview of an upstream error with
// API keys redacted.
func summarizeErrorBody(body []byte) string {
	text := string(body)
	var envelope openai.ErrorResponse
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != nil && envelope.Error.Message != "" {
		text = envelope.Error.Message
	}
	text = strings.TrimSpace(strings.NewReplacer("\r", " ", "\n", " ").Replace(text))
	if text == "" {
		return "empty error body"
	}
	text = apiKeyPattern.ReplaceAllString(text, "sk-***")
	if runes := []rune(text); len(runes) > errorPreviewLength {
		text = string(runes[:errorPreviewLength]) + "..."
	}
	return text
}

func toChatCompletionMessages(messages []model.Message) []openai.ChatCompletionMessage {
	history := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, message := range messages {
		history = append(
			history, openai.ChatCompletionMessage{
				Role:    parseMessageRole(message.Role),
				Content: message.Content,
			},
		)
	}
	return history
}

func parseMessageRole(role model.MessageRole) string {
	switch role {
	case model.MessageRoleUser:
		return openai.ChatMessageRoleUser
	case model.MessageRoleAssistant:
		return openai.ChatMessageRoleAssistant
	default:
		return OpenAIRoleUnknown
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type upstreamTokenStream struct {
	tokens    chan string
	body      io.ReadCloser
	cancel    context.CancelFunc
	wg        conc.WaitGroup
	closeOnce sync.Once
	err       error
}

func (s *upstreamTokenStream) Tokens() <-chan string {
	return s.tokens
}

func (s *upstreamTokenStream) Err() error {
	return s.err
}

func (s *upstreamTokenStream) Close() {
	s.closeOnce.Do(
		func() {
			s.cancel()
			_ = s.body.Close()
			s.wg.Wait()
		},
	)
}

func (s *upstreamTokenStream) pump(ctx context.Context) error {
	var decoder openai_tools.StreamDecoder
	defer func() {
		if decoder.Skipped > 0 {
			log.Debug().Int("frames", decoder.Skipped).Msg("openai stream chunks skipped")
		}
	}()

	buf := make([]byte, streamReadSize)
	for {
		n, readErr := s.body.Read(buf)
		if n > 0 {
			tokens, done := decoder.Feed(buf[:n])
			if err := s.emit(ctx, tokens); err != nil {
				return err
			}
			if done {
				return nil
			}
		}
		if readErr == nil {
			continue
		}
		if errors.Is(readErr, io.EOF) {
			tokens, _ := decoder.Flush()
			return s.emit(ctx, tokens)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn().Err(readErr).Msg("openai stream read failed")
		return fmt.Errorf("openai stream interrupted: %w", model.ErrUpstreamNetwork)
	}
}

func (s *upstreamTokenStream) emit(ctx context.Context, tokens []string) error {
	for _, token := range tokens {
		select {
		case s.tokens <- token:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
