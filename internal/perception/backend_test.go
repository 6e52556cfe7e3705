package perception

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lookout/internal/config"
	"lookout/internal/types"
)

func TestNewBackend_RestDefault(t *testing.T) {
	backend, err := NewBackend(context.Background(), config.ModelConfig{
		Backend:         "rest",
		APIKey:          "test-key",
		Name:            "gemini-2.5-pro",
		Timeout:         "30s",
		MaxOutputTokens: 2048,
	})
	require.NoError(t, err)

	gb, ok := backend.(*GeminiBackend)
	require.True(t, ok)
	assert.Equal(t, "gemini-2.5-pro", gb.GetModel())
	assert.Equal(t, 2048, gb.maxOutputTokens)
	assert.Equal(t, 30*time.Second, gb.httpClient.Timeout)
}

func TestNewBackend_EmptySelectsRest(t *testing.T) {
	backend, err := NewBackend(context.Background(), config.ModelConfig{APIKey: "test-key"})
	require.NoError(t, err)

	_, ok := backend.(*GeminiBackend)
	assert.True(t, ok)
}

func TestNewBackend_UnknownBackend(t *testing.T) {
	_, err := NewBackend(context.Background(), config.ModelConfig{
		Backend: "carrier-pigeon",
		APIKey:  "test-key",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "carrier-pigeon")
}

func TestClassifyGenAIError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{"rate limit", errors.New("googleapi: Error 429: rate limit exceeded"), true},
		{"quota", errors.New("RESOURCE EXHAUSTED: quota exceeded"), true},
		{"unavailable", errors.New("service unavailable"), true},
		{"auth", errors.New("API key not valid"), false},
		{"invalid argument", errors.New("invalid argument: bad schema"), false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyGenAIError("generate", tt.err)
			require.Error(t, err)
			assert.Equal(t, tt.transient, types.IsTransient(err))
		})
	}
}
