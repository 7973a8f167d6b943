package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/recete-ai/recete-engine/pkg/apperrors"
)

// TenantMiddleware wraps a handler with a merchant-scoped database connection.
type TenantMiddleware func(http.HandlerFunc) http.HandlerFunc

// ApiResponse wraps data in the envelope returned by the merchant API.
type ApiResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// ErrorResponse writes a JSON error response and returns any encoding error.
func ErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message string) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(map[string]string{
		"error":   errorCode,
		"message": message,
	})
}

// WriteJSON writes a JSON response and returns any encoding error.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	if statusCode != http.StatusOK {
		w.WriteHeader(statusCode)
	}
	return json.NewEncoder(w).Encode(data)
}

// statusForError maps domain sentinels onto an HTTP status and error code.
func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, apperrors.ErrInvalidEvent):
		return http.StatusBadRequest, "invalid_event"
	case errors.Is(err, apperrors.ErrInvalidPhone):
		return http.StatusBadRequest, "invalid_phone"
	case errors.Is(err, apperrors.ErrMissingPhone):
		return http.StatusUnprocessableEntity, "missing_phone"
	case errors.Is(err, apperrors.ErrEmptyContent), errors.Is(err, apperrors.ErrInputTooLong):
		return http.StatusUnprocessableEntity, "invalid_content"
	case errors.Is(err, apperrors.ErrDuplicateEvent):
		return http.StatusConflict, "duplicate_event"
	case errors.Is(err, apperrors.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, apperrors.ErrInvalidSignature):
		return http.StatusUnauthorized, "invalid_signature"
	}
	return http.StatusInternalServerError, "internal_error"
}

// writeServiceError writes err with the status statusForError picks. Server
// errors are logged and their message is not exposed.
func writeServiceError(w http.ResponseWriter, logger *zap.Logger, msg string, err error) {
	status, code := statusForError(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		logger.Error(msg, zap.Error(err))
		message = msg
	}
	if err := ErrorResponse(w, status, code, message); err != nil {
		logger.Error("Failed to write error response", zap.Error(err))
	}
}

func writeBadRequest(w http.ResponseWriter, logger *zap.Logger, code, message string) {
	if err := ErrorResponse(w, http.StatusBadRequest, code, message); err != nil {
		logger.Error("Failed to write error response", zap.Error(err))
	}
}
