package common

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/sngm3741/lisd-survey/api/internal/survey/domain"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// WriteJSON serializes payload to JSON with status and logs on failure.
func WriteJSON(logger *zap.Logger, w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil && logger != nil {
		logger.Warn("JSON エンコードに失敗", zap.Error(err))
	}
}

// WriteError maps err to its HTTP status and writes the error body.
func WriteError(logger *zap.Logger, w http.ResponseWriter, err error) {
	code := domain.CodeOf(err)
	status := StatusFor(code)
	if status >= http.StatusInternalServerError && logger != nil {
		logger.Error("リクエストの処理に失敗しました", zap.String("code", string(code)), zap.Error(err))
	}
	WriteJSON(logger, w, status, ErrorBody{Error: err.Error(), Code: string(code)})
}

// WriteBadRequest writes a 400 for malformed input that never reached the services.
func WriteBadRequest(logger *zap.Logger, w http.ResponseWriter, message string) {
	WriteJSON(logger, w, http.StatusBadRequest, ErrorBody{Error: message, Code: "BAD_REQUEST"})
}

// StatusFor returns the HTTP status for an error code.
func StatusFor(code domain.ErrorCode) int {
	switch code {
	case domain.CodeUnauthenticated:
		return http.StatusUnauthorized
	case domain.CodeInvalidIndex:
		return http.StatusBadRequest
	case domain.CodeInvalidAnswer:
		return http.StatusUnprocessableEntity
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeAlreadyCompleted, domain.CodeWindowClosed:
		return http.StatusConflict
	case domain.CodeDecode:
		return http.StatusInternalServerError
	default:
		return http.StatusServiceUnavailable
	}
}
