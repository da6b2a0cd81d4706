package types

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrorCode represents a unified error code across the service.
type ErrorCode string

// Upload and document errors
const (
	ErrUnsupportedFileType ErrorCode = "UNSUPPORTED_FILE_TYPE"
	ErrFileTooLarge        ErrorCode = "FILE_TOO_LARGE"
	ErrNotFound            ErrorCode = "NOT_FOUND"
	ErrNoContentExtracted  ErrorCode = "NO_CONTENT_EXTRACTED"
)

// Configuration errors
const (
	ErrInvalidSelection    ErrorCode = "INVALID_SELECTION"
	ErrUnsupportedStrategy ErrorCode = "UNSUPPORTED_STRATEGY"
	ErrProviderNotFound    ErrorCode = "PROVIDER_NOT_FOUND"
)

// Upstream provider errors, reported as gateway-class failures
const (
	ErrEmbeddingFailed  ErrorCode = "EMBEDDING_FAILED"
	ErrGenerationFailed ErrorCode = "GENERATION_FAILED"
)

// ErrRateLimited reports request throttling at the HTTP edge.
const ErrRateLimited ErrorCode = "RATE_LIMITED"

// ErrUnhandled is the catch-all; its cause is logged, never surfaced.
const ErrUnhandled ErrorCode = "UNHANDLED_ERROR"

// Error represents a structured error with code, message, and metadata.
// Every externally visible failure carries a freshly generated
// CorrelationID; the same ID appears in the server log line so the two
// can be matched.
type Error struct {
	Code          ErrorCode `json:"code"`
	Message       string    `json:"message"`
	Hint          string    `json:"hint,omitempty"`
	CorrelationID string    `json:"correlation_id"`
	HTTPStatus    int       `json:"-"`
	Cause         error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
// The correlation ID is generated immediately so log lines written
// before the response is rendered already carry it.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: uuid.NewString(),
	}
}

// WithCause adds a cause to the error. The cause is for server-side
// logging only and is never serialized.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHint sets an optional remediation hint for the caller.
func (e *Error) WithHint(hint string) *Error {
	e.Hint = hint
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// AsError extracts a *Error from err, wrapping unknown errors as
// UNHANDLED_ERROR with a generic message so raw detail never leaks.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return NewError(ErrUnhandled, "An unexpected error occurred.").WithCause(err)
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
