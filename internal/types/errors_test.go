package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackendErrorClassification(t *testing.T) {
	t.Run("transient is detected through wrapping", func(t *testing.T) {
		base := NewTransientBackendError("generate", errors.New("connection reset"))
		wrapped := fmt.Errorf("observer call failed: %w", base)

		assert.True(t, IsTransient(wrapped))

		var be *BackendError
		require.True(t, errors.As(wrapped, &be))
		assert.Equal(t, "generate", be.Op)
	})

	t.Run("permanent is not transient", func(t *testing.T) {
		err := NewPermanentBackendError("upload", errors.New("401 unauthorized"))
		assert.False(t, IsTransient(err))
	})

	t.Run("unrelated errors are not transient", func(t *testing.T) {
		assert.False(t, IsTransient(errors.New("plain failure")))
		assert.False(t, IsTransient(nil))
	})

	t.Run("message names op and class", func(t *testing.T) {
		err := NewTransientBackendError("generate", errors.New("timeout"))
		assert.Contains(t, err.Error(), "generate")
		assert.Contains(t, err.Error(), "transient")
	})
}

func TestSentinelsAreDistinct(t *testing.T) {
	sentinels := []error{
		ErrInvalidRoot,
		ErrSessionNotFound,
		ErrRequestInFlight,
		ErrEmptyProject,
		ErrResponseTimeout,
	}
	for i, a := range sentinels {
		for j, b := range sentinels {
			if i == j {
				continue
			}
			assert.False(t, errors.Is(a, b), "%v should not match %v", a, b)
		}
	}
}

func TestSessionFileNames(t *testing.T) {
	s := Session{ID: "20260101_120000"}

	assert.Equal(t, "project_context_20260101_120000.txt", s.ContextFileName())
	assert.Equal(t, "session_20260101_120000.log", s.LogFileName())
	assert.Equal(t, "conversation_20260101_120000.json", s.ConversationFileName())
}

func TestResponseIsError(t *testing.T) {
	assert.False(t, Response{Answer: "fine"}.IsError())
	assert.True(t, Response{Err: "backend unreachable"}.IsError())
}
