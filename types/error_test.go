package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewError(t *testing.T) {
	err := NewError(ErrNotFound, "document not found")

	assert.Equal(t, ErrNotFound, err.Code)
	assert.Equal(t, "document not found", err.Message)
	assert.NotEmpty(t, err.CorrelationID)
	assert.Equal(t, "[NOT_FOUND] document not found", err.Error())
}

func TestErrorCorrelationIDsUnique(t *testing.T) {
	a := NewError(ErrUnhandled, "boom")
	b := NewError(ErrUnhandled, "boom")
	assert.NotEqual(t, a.CorrelationID, b.CorrelationID)
}

func TestErrorUnwrap(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := NewError(ErrEmbeddingFailed, "embedding failed").WithCause(cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestAsError(t *testing.T) {
	t.Run("passes through structured errors", func(t *testing.T) {
		orig := NewError(ErrFileTooLarge, "file exceeds limit")
		wrapped := fmt.Errorf("ingest: %w", orig)

		got := AsError(wrapped)
		assert.Equal(t, orig, got)
	})

	t.Run("wraps unknown errors without leaking detail", func(t *testing.T) {
		raw := errors.New("pq: relation does not exist")
		got := AsError(raw)

		require.Equal(t, ErrUnhandled, got.Code)
		assert.NotContains(t, got.Message, "pq:")
		assert.NotEmpty(t, got.CorrelationID)
		assert.ErrorIs(t, got, raw)
	})
}

func TestGetErrorCode(t *testing.T) {
	assert.Equal(t, ErrInvalidSelection, GetErrorCode(NewError(ErrInvalidSelection, "bad model")))
	assert.Equal(t, ErrorCode(""), GetErrorCode(errors.New("plain")))
}
