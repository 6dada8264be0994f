package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/iamvkosarev/ai-chat-gateway/config"
	"github.com/iamvkosarev/ai-chat-gateway/internal/model"
	"github.com/sashabaranov/go-openai"
)

func testOpenAIConfig(baseURL string) config.OpenAI {
	return config.OpenAI{
		OpenAIAPIKey:     "sk-test",
		OpenAIModel:      "test-model",
		OpenAIBaseURL:    baseURL + "/v1",
		ModelTemperature: 0.7,
		TimeoutSeconds:   5,
		MaxRetries:       2,
		RetryDelayMs:     0,
		FallbackMessage:  "fallback reply",
	}
}

func completionBody(content string) string {
	body, _ := json.Marshal(
		map[string]any{
			"choices": []map[string]any{
				{"index": 0, "message": map[string]any{"role": "assistant", "content": content}},
			},
		},
	)
	return string(body)
}

func sseFrame(content string) string {
	return fmt.Sprintf("data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", content)
}

type doerFunc func(req *http.Request) (*http.Response, error)

func (f doerFunc) Do(req *http.Request) (*http.Response, error) {
	return f(req)
}

func okResponse(body string) *http.Response {
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func collectTokens(t *testing.T, stream TokenStream) []string {
	t.Helper()
	var tokens []string
	timeout := time.After(5 * time.Second)
	for {
		select {
		case token, ok := <-stream.Tokens():
			if !ok {
				return tokens
			}
			tokens = append(tokens, token)
		case <-timeout:
			t.Fatal("token stream did not finish")
		}
	}
}

var contextMessages = []model.Message{
	{Role: model.MessageRoleUser, Content: "hi"},
	{Role: model.MessageRoleAssistant, Content: "hello"},
	{Role: model.MessageRoleUser, Content: "how are you?"},
}

func TestCompleteBuildsRequest(t *testing.T) {
	server := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/v1/chat/completions" {
					t.Errorf("path = %s", r.URL.Path)
				}
				if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
					t.Errorf("Authorization = %q", got)
				}
				var req openai.ChatCompletionRequest
				if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
					t.Error(err)
					return
				}
				if req.Model != "test-model" || req.Temperature != 0.7 || req.Stream {
					t.Errorf("unexpected request: model=%s temperature=%v stream=%v", req.Model, req.Temperature, req.Stream)
				}
				roles := make([]string, 0, len(req.Messages))
				for _, m := range req.Messages {
					roles = append(roles, m.Role)
				}
				if want := []string{"system", "user", "assistant", "user"}; !reflect.DeepEqual(roles, want) {
					t.Errorf("roles = %v, want %v", roles, want)
				}
				if len(req.Messages) != 4 {
					return
				}
				if req.Messages[0].Content != SystemPreamble {
					t.Errorf("system message = %q", req.Messages[0].Content)
				}
				if req.Messages[3].Content != "how are you?" {
					t.Errorf("last message = %q", req.Messages[3].Content)
				}
				_, _ = io.WriteString(w, completionBody("I am fine"))
			},
		),
	)
	defer server.Close()

	gateway := NewOpenAIUsecase(testOpenAIConfig(server.URL), server.Client())
	got, err := gateway.Complete(context.Background(), contextMessages)
	if err != nil {
		t.Fatal(err)
	}
	if got != "I am fine" {
		t.Errorf("Complete() = %q", got)
	}
}

func TestCompleteRetriesNetworkErrors(t *testing.T) {
	tests := []struct {
		name       string
		maxRetries int
		failures   int
		wantCalls  int
		wantErr    error
	}{
		{name: "succeeds after two retries", maxRetries: 2, failures: 2, wantCalls: 3},
		{name: "no retries propagates first failure", maxRetries: 0, failures: 2, wantCalls: 1, wantErr: model.ErrUpstreamNetwork},
		{name: "retries exhausted", maxRetries: 1, failures: 5, wantCalls: 2, wantErr: model.ErrUpstreamNetwork},
	}
	for _, tt := range tests {
		t.Run(
			tt.name, func(t *testing.T) {
				var calls atomic.Int64
				doer := doerFunc(
					func(req *http.Request) (*http.Response, error) {
						if int(calls.Add(1)) <= tt.failures {
							return nil, errors.New("connection reset by peer")
						}
						return okResponse(completionBody("ok")), nil
					},
				)
				cfg := testOpenAIConfig("http://upstream.invalid")
				cfg.MaxRetries = tt.maxRetries
				got, err := NewOpenAIUsecase(cfg, doer).Complete(context.Background(), contextMessages)

				if int(calls.Load()) != tt.wantCalls {
					t.Errorf("calls = %d, want %d", calls.Load(), tt.wantCalls)
				}
				if tt.wantErr != nil {
					if !errors.Is(err, tt.wantErr) {
						t.Fatalf("err = %v, want %v", err, tt.wantErr)
					}
					return
				}
				if err != nil {
					t.Fatal(err)
				}
				if got != "ok" {
					t.Errorf("Complete() = %q", got)
				}
			},
		)
	}
}

func TestCompleteStatusClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		fallback  bool
		want      string
		wantErr   error
		wantCalls int
	}{
		{name: "rate limited", status: 429, body: `{"error":{"message":"quota"}}`, wantErr: model.ErrRateLimited, wantCalls: 1},
		{name: "rate limited with fallback", status: 429, fallback: true, want: "fallback reply", wantCalls: 1},
		{name: "server error retried", status: 503, body: "busy", wantErr: model.ErrUpstreamUnavailable, wantCalls: 3},
		{name: "client error not retried", status: 400, body: "bad", wantErr: model.ErrUpstreamRejected, wantCalls: 1},
		{name: "malformed json", status: 200, body: "{", wantErr: model.ErrUpstreamInvalidResponse, wantCalls: 1},
		{name: "no choices", status: 200, body: `{"choices":[]}`, wantErr: model.ErrUpstreamInvalidResponse, wantCalls: 1},
		{name: "blank content", status: 200, body: completionBody("  "), wantErr: model.ErrUpstreamInvalidResponse, wantCalls: 1},
	}
	for _, tt := range tests {
		t.Run(
			tt.name, func(t *testing.T) {
				var calls atomic.Int64
				server := httptest.NewServer(
					http.HandlerFunc(
						func(w http.ResponseWriter, r *http.Request) {
							calls.Add(1)
							w.WriteHeader(tt.status)
							_, _ = io.WriteString(w, tt.body)
						},
					),
				)
				defer server.Close()

				cfg := testOpenAIConfig(server.URL)
				cfg.FallbackOnRateLimited = tt.fallback
				got, err := NewOpenAIUsecase(cfg, server.Client()).Complete(context.Background(), contextMessages)

				if int(calls.Load()) != tt.wantCalls {
					t.Errorf("calls = %d, want %d", calls.Load(), tt.wantCalls)
				}
				if tt.wantErr != nil {
					if !errors.Is(err, tt.wantErr) {
						t.Fatalf("err = %v, want %v", err, tt.wantErr)
					}
					return
				}
				if err != nil {
					t.Fatal(err)
				}
				if got != tt.want {
					t.Errorf("Complete() = %q, want %q", got, tt.want)
				}
			},
		)
	}
}

func TestCompleteEmptyAPIKey(t *testing.T) {
	doer := doerFunc(
		func(req *http.Request) (*http.Response, error) {
			t.Fatal("no request expected without an api key")
			return nil, nil
		},
	)
	cfg := testOpenAIConfig("http://upstream.invalid")
	cfg.OpenAIAPIKey = "  "
	_, err := NewOpenAIUsecase(cfg, doer).Complete(context.Background(), contextMessages)
	if !errors.Is(err, model.ErrUpstream) {
		t.Errorf("err = %v, want ErrUpstream", err)
	}
}

func TestCompleteCallerCancellationNotRetried(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int64
	doer := doerFunc(
		func(req *http.Request) (*http.Response, error) {
			calls.Add(1)
			cancel()
			return nil, req.Context().Err()
		},
	)
	_, err := NewOpenAIUsecase(testOpenAIConfig("http://upstream.invalid"), doer).Complete(ctx, contextMessages)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if errors.Is(err, model.ErrUpstream) {
		t.Error("cancellation must not be classified as an upstream failure")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestSummarizeErrorBody(t *testing.T) {
	long := "Incorrect API key provided: sk-proj-AbC123_xyz-987.\nYou can find your API key at https://platform.openai.com. " +
		strings.Repeat("x", 300)

	got := summarizeErrorBody([]byte(long))
	if strings.Contains(got, "AbC123") {
		t.Errorf("api key leaked: %q", got)
	}
	if !strings.Contains(got, "sk-***") {
		t.Errorf("redaction marker missing: %q", got)
	}
	if strings.Contains(got, "\n") {
		t.Error("newlines must be collapsed")
	}
	if n := len([]rune(got)); n > errorPreviewLength+3 {
		t.Errorf("preview length = %d", n)
	}

	envelope := `{"error":{"message":"You exceeded your quota, key sk-abcdef","type":"insufficient_quota"}}`
	if got = summarizeErrorBody([]byte(envelope)); got != "You exceeded your quota, key sk-***" {
		t.Errorf("envelope summary = %q", got)
	}
	if got = summarizeErrorBody(nil); got != "empty error body" {
		t.Errorf("empty summary = %q", got)
	}
}

func TestCompleteStreamTokenOrder(t *testing.T) {
	var gotStream atomic.Bool
	server := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				var req openai.ChatCompletionRequest
				_ = json.NewDecoder(r.Body).Decode(&req)
				gotStream.Store(req.Stream)

				w.Header().Set("Content-Type", "text/event-stream")
				flusher := w.(http.Flusher)
				raw := sseFrame("Hel") + "data: {broken json\n\n" + sseFrame("lo") + sseFrame(" world") + "data: [DONE]\n\n"
				// split frames at arbitrary byte boundaries
				for i := 0; i < len(raw); i += 7 {
					end := min(i+7, len(raw))
					_, _ = io.WriteString(w, raw[i:end])
					flusher.Flush()
				}
			},
		),
	)
	defer server.Close()

	gateway := NewOpenAIUsecase(testOpenAIConfig(server.URL), server.Client())
	stream, err := gateway.CompleteStream(context.Background(), contextMessages)
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Close()

	got := collectTokens(t, stream)
	if want := []string{"Hel", "lo", " world"}; !reflect.DeepEqual(got, want) {
		t.Errorf("tokens = %q, want %q", got, want)
	}
	if stream.Err() != nil {
		t.Errorf("Err() = %v", stream.Err())
	}
	if !gotStream.Load() {
		t.Error("stream flag not sent")
	}
}

func TestCompleteStreamEndsWithoutDone(t *testing.T) {
	server := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.WriteString(w, sseFrame("a")+strings.TrimSuffix(sseFrame("b"), "\n\n"))
			},
		),
	)
	defer server.Close()

	stream, err := NewOpenAIUsecase(testOpenAIConfig(server.URL), server.Client()).
		CompleteStream(context.Background(), contextMessages)
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Close()

	if got, want := collectTokens(t, stream), []string{"a", "b"}; !reflect.DeepEqual(got, want) {
		t.Errorf("tokens = %q, want %q", got, want)
	}
	if stream.Err() != nil {
		t.Errorf("transport close without [DONE] is a normal end, got %v", stream.Err())
	}
}

func TestCompleteStreamOpenFailure(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr error
	}{
		{name: "rate limited", status: 429, wantErr: model.ErrRateLimited},
		{name: "server error", status: 500, wantErr: model.ErrUpstream},
	}
	for _, tt := range tests {
		t.Run(
			tt.name, func(t *testing.T) {
				server := httptest.NewServer(
					http.HandlerFunc(
						func(w http.ResponseWriter, r *http.Request) {
							w.WriteHeader(tt.status)
							_, _ = io.WriteString(w, `{"error":{"message":"nope"}}`)
						},
					),
				)
				defer server.Close()

				stream, err := NewOpenAIUsecase(testOpenAIConfig(server.URL), server.Client()).
					CompleteStream(context.Background(), contextMessages)
				if stream != nil {
					t.Error("no stream expected on open failure")
				}
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("err = %v, want %v", err, tt.wantErr)
				}
			},
		)
	}
}

func TestCompleteStreamCloseStopsUpstream(t *testing.T) {
	released := make(chan struct{})
	server := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.WriteString(w, sseFrame("first"))
				w.(http.Flusher).Flush()
				select {
				case <-r.Context().Done():
					close(released)
				case <-time.After(5 * time.Second):
				}
			},
		),
	)
	defer server.Close()

	stream, err := NewOpenAIUsecase(testOpenAIConfig(server.URL), server.Client()).
		CompleteStream(context.Background(), contextMessages)
	if err != nil {
		t.Fatal(err)
	}

	select {
	case token := <-stream.Tokens():
		if token != "first" {
			t.Fatalf("token = %q", token)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("first token not delivered")
	}

	closed := make(chan struct{})
	go func() {
		stream.Close()
		stream.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}

	select {
	case <-released:
	case <-time.After(5 * time.Second):
		t.Fatal("upstream request was not cancelled")
	}
	if _, ok := <-stream.Tokens(); ok {
		t.Error("token channel must be closed after Close")
	}
}
