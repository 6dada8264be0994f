package rest

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/iamvkosarev/ai-chat-gateway/internal/model"
)

const (
	APIKeyHeader   = "X-API-Key"
	AdminKeyHeader = "X-Admin-Key"
)

type ChatService interface {
	Complete(ctx context.Context, credential string, req model.ChatRequest) (model.Message, error)
	CompleteStream(ctx context.Context, credential string, req model.ChatRequest) (<-chan model.StreamEvent, error)
}

type ConversationService interface {
	ListConversations(ctx context.Context, credential string, page, size int) (model.Page[model.Conversation], error)
	GetConversation(ctx context.Context, credential string, id uuid.UUID) (model.Conversation, error)
	ListMessages(ctx context.Context, credential string, id uuid.UUID, page, size int) (
		model.Page[model.Message],
		error,
	)
	DeleteConversation(ctx context.Context, credential string, id uuid.UUID) error
}

type AccountService interface {
	Register(ctx context.Context) (model.Account, string, error)
	IssueAPIKey(ctx context.Context, adminKey string) (model.Account, string, error)
	RotateAPIKey(ctx context.Context, adminKey string, accountID uuid.UUID) (model.Account, string, error)
	RevokeAccount(ctx context.Context, adminKey string, accountID uuid.UUID) error
}

type ServerDeps struct {
	Chat          ChatService
	Conversations ConversationService
	Accounts      AccountService
}

type Server struct {
	ServerDeps
	mux *http.ServeMux
}

func NewServer(deps ServerDeps) *Server {
	s := &Server{
		ServerDeps: deps,
		mux:        http.NewServeMux(),
	}
	s.initializeRoutes()
	return s
}

func (s *Server) initializeRoutes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("POST /api/users/register", s.handleRegister)
	s.mux.HandleFunc("POST /api/chat/completions", s.handleCompletion)
	s.mux.HandleFunc("POST /api/chat/completions/stream", s.handleCompletionStream)
	s.mux.HandleFunc("GET /api/conversations", s.handleListConversations)
	s.mux.HandleFunc("GET /api/conversations/{id}", s.handleGetConversation)
	s.mux.HandleFunc("GET /api/conversations/{id}/messages", s.handleListMessages)
	s.mux.HandleFunc("DELETE /api/conversations/{id}", s.handleDeleteConversation)

	s.mux.HandleFunc("POST /api/admin/keys", s.handleIssueKey)
	s.mux.HandleFunc("POST /api/admin/keys/{userId}/rotate", s.handleRotateKey)
	s.mux.HandleFunc("DELETE /api/admin/keys/{userId}", s.handleRevokeAccount)
}

// Handler returns the routes wrapped with request tracing.
func (s *Server) Handler() http.Handler {
	return withRequestTracing(s.mux)
}
