package perception

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lookout/internal/types"
)

func newTestGeminiBackend(t *testing.T, handler http.HandlerFunc) *GeminiBackend {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	return NewGeminiBackendWithConfig(GeminiConfig{
		APIKey:          "test-key",
		BaseURL:         ts.URL + "/v1beta",
		Model:           "gemini-2.5-flash",
		Timeout:         5 * time.Second,
		MaxOutputTokens: 1024,
	})
}

func TestGeminiBackend_Generate(t *testing.T) {
	var got GeminiRequest
	backend := newTestGeminiBackend(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1beta/models/gemini-2.5-flash:generateContent", r.URL.Path)
		assert.Equal(t, "test-key", r.URL.Query().Get("key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{
			"candidates": [{"content": {"parts": [{"text": "The auth flow starts in auth.py."}], "role": "model"}, "finishReason": "STOP"}],
			"usageMetadata": {"totalTokenCount": 42}
		}`))
	})

	handles := []Handle{{Name: "files/abc", URI: "https://files.example/abc"}}
	answer, err := backend.Generate(context.Background(), "where does login start?", handles)
	require.NoError(t, err)
	assert.Equal(t, "The auth flow starts in auth.py.", answer)

	require.Len(t, got.Contents, 1)
	require.Len(t, got.Contents[0].Parts, 2)
	require.NotNil(t, got.Contents[0].Parts[0].FileData)
	assert.Equal(t, "https://files.example/abc", got.Contents[0].Parts[0].FileData.FileURI)
	assert.Equal(t, "where does login start?", got.Contents[0].Parts[1].Text)
	require.NotNil(t, got.SystemInstruction)
	assert.Equal(t, 1024, got.GenerationConfig.MaxOutputTokens)
}

func TestGeminiBackend_Generate_JoinsParts(t *testing.T) {
	backend := newTestGeminiBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"candidates": [{"content": {"parts": [{"text": "first "}, {"text": "second"}]}}]}`))
	})

	answer, err := backend.Generate(context.Background(), "q", nil)
	require.NoError(t, err)
	assert.Equal(t, "first second", answer)
}

func TestGeminiBackend_Generate_RateLimitIsTransient(t *testing.T) {
	backend := newTestGeminiBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := backend.Generate(context.Background(), "q", nil)
	require.Error(t, err)
	assert.True(t, types.IsTransient(err))
}

func TestGeminiBackend_Generate_ServerErrorIsTransient(t *testing.T) {
	backend := newTestGeminiBackend(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	})

	_, err := backend.Generate(context.Background(), "q", nil)
	require.Error(t, err)
	assert.True(t, types.IsTransient(err))
}

func TestGeminiBackend_Generate_BadRequestIsPermanent(t *testing.T) {
	backend := newTestGeminiBackend(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid argument", http.StatusBadRequest)
	})

	_, err := backend.Generate(context.Background(), "q", nil)
	require.Error(t, err)
	assert.False(t, types.IsTransient(err))

	var be *types.BackendError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, "generate", be.Op)
	assert.Contains(t, be.Error(), "invalid argument")
}

func TestGeminiBackend_Generate_APIErrorInBody(t *testing.T) {
	backend := newTestGeminiBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error": {"code": 403, "message": "key revoked", "status": "PERMISSION_DENIED"}}`))
	})

	_, err := backend.Generate(context.Background(), "q", nil)
	require.Error(t, err)
	assert.False(t, types.IsTransient(err))
	assert.Contains(t, err.Error(), "key revoked")
}

func TestGeminiBackend_Generate_NoCandidates(t *testing.T) {
	backend := newTestGeminiBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"candidates": []}`))
	})

	_, err := backend.Generate(context.Background(), "q", nil)
	require.Error(t, err)
	assert.False(t, types.IsTransient(err))
}

func TestGeminiBackend_Generate_NoAPIKey(t *testing.T) {
	called := false
	backend := newTestGeminiBackend(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
	})
	backend.apiKey = ""

	_, err := backend.Generate(context.Background(), "q", nil)
	require.Error(t, err)
	assert.False(t, types.IsTransient(err))
	assert.False(t, called)
}

func TestGeminiBackend_Generate_ConnectionRefusedIsTransient(t *testing.T) {
	backend := NewGeminiBackendWithConfig(GeminiConfig{
		APIKey:  "test-key",
		BaseURL: "http://127.0.0.1:1/v1beta",
		Timeout: time.Second,
	})

	_, err := backend.Generate(context.Background(), "q", nil)
	require.Error(t, err)
	assert.True(t, types.IsTransient(err))
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantErr   bool
		transient bool
	}{
		{"ok", http.StatusOK, false, false},
		{"rate limited", http.StatusTooManyRequests, true, true},
		{"internal", http.StatusInternalServerError, true, true},
		{"bad gateway", http.StatusBadGateway, true, true},
		{"bad request", http.StatusBadRequest, true, false},
		{"unauthorized", http.StatusUnauthorized, true, false},
		{"not found", http.StatusNotFound, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyStatus("generate", tt.status, []byte("detail"))
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.transient, types.IsTransient(err))
		})
	}
}
