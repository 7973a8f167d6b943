package apperrors

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrMissingPhone     = errors.New("event has no usable customer phone")
	ErrInvalidPhone     = errors.New("invalid phone number")
	ErrEmptyContent     = errors.New("content is empty")
	ErrInputTooLong     = errors.New("input exceeds the embedding token limit")
	ErrDuplicateEvent   = errors.New("event already ingested")
	ErrInvalidEvent     = errors.New("invalid event payload")
	ErrGenerationFailed = errors.New("response generation failed")
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrCredentialsKey   = errors.New("secret was encrypted with a different key")
)
