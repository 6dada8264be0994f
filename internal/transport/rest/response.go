package rest

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/iamvkosarev/ai-chat-gateway/internal/model"
	"github.com/iamvkosarev/ai-chat-gateway/pkg/local"
)

const (
	CodeBadRequest              = "BAD_REQUEST"
	CodeUnauthorized            = "UNAUTHORIZED"
	CodeNotFound                = "NOT_FOUND"
	CodeRateLimited             = "RATE_LIMITED"
	CodeUpstreamInvalidResponse = "UPSTREAM_INVALID_RESPONSE"
	CodeUpstreamError           = "UPSTREAM_ERROR"
	CodeInternalError           = "INTERNAL_ERROR"
)

var errorTexts = map[string]local.TextSet{
	CodeBadRequest: local.NewSet(
		"The request is invalid.",
		local.NewTrans(local.Rus, "Некорректный запрос."),
	),
	CodeUnauthorized: local.NewSet(
		"A valid API key is required.",
		local.NewTrans(local.Rus, "Требуется действительный API-ключ."),
	),
	CodeNotFound: local.NewSet(
		"Resource not found.",
		local.NewTrans(local.Rus, "Ресурс не найден."),
	),
	CodeRateLimited: local.NewSet(
		"Rate limit exceeded. Try again later.",
		local.NewTrans(local.Rus, "Превышен лимит запросов. Повторите попытку позже."),
	),
	CodeUpstreamInvalidResponse: local.NewSet(
		"The AI provider returned an invalid response.",
		local.NewTrans(local.Rus, "AI-провайдер вернул некорректный ответ."),
	),
	CodeUpstreamError: local.NewSet(
		"The AI provider is unavailable.",
		local.NewTrans(local.Rus, "AI-провайдер недоступен."),
	),
	CodeInternalError: local.NewSet(
		"Internal server error.",
		local.NewTrans(local.Rus, "Внутренняя ошибка сервера."),
	),
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *errorBody `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Success: true, Data: data})
}

// writeError maps err to a status and code. The error text itself is only
// logged; callers get the localized message of the code.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classifyError(err)
	logger := requestLogger(r)
	if status >= http.StatusInternalServerError {
		logger.Error().Err(err).Str("code", code).Msg("request failed")
	} else {
		logger.Debug().Err(err).Str("code", code).Msg("request rejected")
	}
	language := local.FromAcceptLanguage(r.Header.Get("Accept-Language"))
	writeJSON(
		w, status, envelope{
			Success: false,
			Error: &errorBody{
				Code:    code,
				Message: errorTexts[code].Text(language),
			},
		},
	)
}

// classifyError checks rate limiting before the upstream sentinels because an
// upstream quota error wraps ErrRateLimited.
func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, model.ErrBadRequest):
		return http.StatusBadRequest, CodeBadRequest
	case errors.Is(err, model.ErrUnauthorized):
		return http.StatusUnauthorized, CodeUnauthorized
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, model.ErrRateLimited):
		return http.StatusTooManyRequests, CodeRateLimited
	case errors.Is(err, model.ErrUpstreamInvalidResponse):
		return http.StatusBadGateway, CodeUpstreamInvalidResponse
	case errors.Is(err, model.ErrUpstream):
		return http.StatusBadGateway, CodeUpstreamError
	default:
		return http.StatusInternalServerError, CodeInternalError
	}
}
