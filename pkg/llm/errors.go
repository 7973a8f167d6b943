package llm

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// ErrorType classifies provider failures.
type ErrorType string

const (
	ErrorTypeEndpoint  ErrorType = "endpoint"
	ErrorTypeAuth      ErrorType = "auth"
	ErrorTypeModel     ErrorType = "model"
	ErrorTypeRateLimit ErrorType = "rate_limit"
	ErrorTypeCircuit   ErrorType = "circuit_open"
	ErrorTypeUnknown   ErrorType = "unknown"
)

// Error is a classified provider error.
type Error struct {
	Type       ErrorType
	Message    string
	Retryable  bool
	Cause      error
	StatusCode int
	Model      string
}

func (e *Error) Error() string {
	parts := []string{string(e.Type)}
	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("HTTP %d", e.StatusCode))
	}
	if e.Model != "" {
		parts = append(parts, "model="+e.Model)
	}
	parts = append(parts, e.Message)

	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", strings.Join(parts, " "), e.Cause)
	}
	return strings.Join(parts, " ")
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// IsRetryable satisfies retry.RetryableError.
func (e *Error) IsRetryable() bool {
	return e.Retryable
}

// NewError creates a classified error.
func NewError(errType ErrorType, message string, retryable bool, cause error) *Error {
	return &Error{
		Type:      errType,
		Message:   message,
		Retryable: retryable,
		Cause:     cause,
	}
}

// ClassifyError maps a provider error onto an *Error. Structured OpenAI API
// errors are classified by status code; anything else by message text.
func ClassifyError(err error) *Error {
	if err == nil {
		return nil
	}

	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.HTTPStatusCode, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return classifyStatus(reqErr.HTTPStatusCode, err)
	}

	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "401") || strings.Contains(lower, "unauthorized") || strings.Contains(lower, "invalid api key"):
		return classifyStatus(401, err)
	case strings.Contains(lower, "429") || strings.Contains(lower, "rate limit"):
		return classifyStatus(429, err)
	case strings.Contains(lower, "model") && (strings.Contains(lower, "not found") || strings.Contains(lower, "does not exist")):
		return &Error{Type: ErrorTypeModel, Message: "model not found", Cause: err}
	case strings.Contains(lower, "connection refused") || strings.Contains(lower, "no such host"):
		return &Error{Type: ErrorTypeEndpoint, Message: "connection failed", Retryable: true, Cause: err}
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "deadline exceeded"):
		return &Error{Type: ErrorTypeEndpoint, Message: "request timeout", Retryable: true, Cause: err}
	}

	for _, code := range []int{500, 502, 503, 504, 529} {
		if strings.Contains(lower, fmt.Sprintf("%d", code)) {
			return classifyStatus(code, err)
		}
	}
	return &Error{Type: ErrorTypeUnknown, Message: "llm error", Cause: err}
}

func classifyStatus(status int, cause error) *Error {
	e := &Error{StatusCode: status, Cause: cause}
	switch {
	case status == 401 || status == 403:
		e.Type, e.Message = ErrorTypeAuth, "authentication failed"
	case status == 404:
		e.Type, e.Message = ErrorTypeModel, "model or endpoint not found"
	case status == 429:
		e.Type, e.Message, e.Retryable = ErrorTypeRateLimit, "rate limited", true
	case status >= 500:
		e.Type, e.Message, e.Retryable = ErrorTypeEndpoint, "server error", true
	default:
		e.Type, e.Message = ErrorTypeUnknown, "request rejected"
	}
	return e
}

func withContext(e *Error, model string) *Error {
	if e != nil && e.Model == "" {
		e.Model = model
	}
	return e
}

// IsRetryable reports whether err is a retryable provider error.
func IsRetryable(err error) bool {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Retryable
	}
	return false
}
