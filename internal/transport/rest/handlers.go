package rest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/iamvkosarev/ai-chat-gateway/internal/model"
)

const (
	maxRequestBodyBytes = 1 << 20

	defaultConversationPageSize = 20
	defaultMessagePageSize      = 50
)

type registerResponse struct {
	UserID uuid.UUID `json:"userId"`
	APIKey string    `json:"apiKey"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeData(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	account, apiKey, err := s.Accounts.Register(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, registerResponse{UserID: account.ID, APIKey: apiKey})
}

func (s *Server) handleCompletion(w http.ResponseWriter, r *http.Request) {
	req, err := decodeChatRequest(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	message, err := s.Chat.Complete(r.Context(), apiKey(r), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, message)
}

// handleCompletionStream answers with a JSON error while nothing has been
// streamed yet; afterwards failures arrive as an error event.
func (s *Server) handleCompletionStream(w http.ResponseWriter, r *http.Request) {
	req, err := decodeChatRequest(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	events, err := s.Chat.CompleteStream(r.Context(), apiKey(r), req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	startEventStream(w)
	for event := range events {
		if err = writeEvent(w, event); err != nil {
			requestLogger(r).Debug().Err(err).Msg("client disconnected")
			return
		}
		if event.Terminal() {
			return
		}
	}
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	page, size, err := pageParams(r, defaultConversationPageSize)
	if err != nil {
		writeError(w, r, err)
		return
	}
	conversations, err := s.Conversations.ListConversations(r.Context(), apiKey(r), page, size)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, conversations)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id, err := conversationID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	conversation, err := s.Conversations.GetConversation(r.Context(), apiKey(r), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, conversation)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id, err := conversationID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	page, size, err := pageParams(r, defaultMessagePageSize)
	if err != nil {
		writeError(w, r, err)
		return
	}
	messages, err := s.Conversations.ListMessages(r.Context(), apiKey(r), id, page, size)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, messages)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	id, err := conversationID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err = s.Conversations.DeleteConversation(r.Context(), apiKey(r), id); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true})
}

func (s *Server) handleIssueKey(w http.ResponseWriter, r *http.Request) {
	account, key, err := s.Accounts.IssueAPIKey(r.Context(), adminKey(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, registerResponse{UserID: account.ID, APIKey: key})
}

func (s *Server) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	id, err := accountID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	account, key, err := s.Accounts.RotateAPIKey(r.Context(), adminKey(r), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, registerResponse{UserID: account.ID, APIKey: key})
}

func (s *Server) handleRevokeAccount(w http.ResponseWriter, r *http.Request) {
	id, err := accountID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err = s.Accounts.RevokeAccount(r.Context(), adminKey(r), id); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true})
}

func apiKey(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(APIKeyHeader))
}

func decodeChatRequest(w http.ResponseWriter, r *http.Request) (model.ChatRequest, error) {
	var req model.ChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)).Decode(&req); err != nil {
		return model.ChatRequest{}, fmt.Errorf("failed to decode chat request: %v: %w", err, model.ErrBadRequest)
	}
	return req, nil
}

func conversationID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid conversation id: %w", model.ErrBadRequest)
	}
	return id, nil
}

func accountID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue("userId"))
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid user id: %w", model.ErrBadRequest)
	}
	return id, nil
}

func adminKey(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(AdminKeyHeader))
}

func pageParams(r *http.Request, defaultSize int) (int, int, error) {
	page, err := queryInt(r, "page", 0)
	if err != nil {
		return 0, 0, err
	}
	size, err := queryInt(r, "size", defaultSize)
	if err != nil {
		return 0, 0, err
	}
	return page, size, nil
}

func queryInt(r *http.Request, name string, fallback int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", name, model.ErrBadRequest)
	}
	return value, nil
}
