package perception

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lookout/internal/types"
)

func TestGeminiBackend_Upload(t *testing.T) {
	// Mock server for the Resumable Upload protocol.
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == "POST" && r.URL.Path == "/upload/v1beta/files":
			assert.Equal(t, "resumable", r.Header.Get("X-Goog-Upload-Protocol"))
			assert.Equal(t, "start", r.Header.Get("X-Goog-Upload-Command"))
			assert.Equal(t, "text/plain", r.Header.Get("X-Goog-Upload-Header-Content-Type"))
			w.Header().Set("X-Goog-Upload-URL", "http://"+r.Host+"/upload_session")
			w.WriteHeader(http.StatusOK)

		case r.Method == "POST" && r.URL.Path == "/upload_session":
			assert.Equal(t, "upload, finalize", r.Header.Get("X-Goog-Upload-Command"))
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"file": {"name": "files/123456789", "uri": "https://generativelanguage.googleapis.com/v1beta/files/123456789"}}`))

		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	}))
	defer ts.Close()

	backend := NewGeminiBackendWithConfig(GeminiConfig{
		APIKey:  "test-key",
		BaseURL: ts.URL + "/v1beta",
		Timeout: 5 * time.Second,
	})

	artifact := filepath.Join(t.TempDir(), "project_context_20260314_093000.txt")
	require.NoError(t, os.WriteFile(artifact, []byte("=== PROJECT CONTEXT ===\n"), 0644))

	handle, err := backend.Upload(context.Background(), artifact)
	require.NoError(t, err)
	assert.Equal(t, "files/123456789", handle.Name)
	assert.Contains(t, handle.URI, "files/123456789")
}

func TestGeminiBackend_Upload_NoUploadURL(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK) // no X-Goog-Upload-URL header
	}))
	defer ts.Close()

	backend := NewGeminiBackendWithConfig(GeminiConfig{
		APIKey:  "test-key",
		BaseURL: ts.URL + "/v1beta",
		Timeout: 5 * time.Second,
	})

	artifact := filepath.Join(t.TempDir(), "context.txt")
	require.NoError(t, os.WriteFile(artifact, []byte("x"), 0644))

	_, err := backend.Upload(context.Background(), artifact)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no upload URL")
}

func TestGeminiBackend_Upload_MissingFile(t *testing.T) {
	backend := NewGeminiBackend("test-key")

	_, err := backend.Upload(context.Background(), filepath.Join(t.TempDir(), "absent.txt"))
	require.Error(t, err)
	assert.False(t, types.IsTransient(err))
}

func TestGeminiBackend_Upload_ServerErrorIsTransient(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "flaky", http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	backend := NewGeminiBackendWithConfig(GeminiConfig{
		APIKey:  "test-key",
		BaseURL: ts.URL + "/v1beta",
		Timeout: 5 * time.Second,
	})

	artifact := filepath.Join(t.TempDir(), "context.txt")
	require.NoError(t, os.WriteFile(artifact, []byte("x"), 0644))

	_, err := backend.Upload(context.Background(), artifact)
	require.Error(t, err)
	assert.True(t, types.IsTransient(err))
}

func TestGeminiBackend_Delete(t *testing.T) {
	var gotPath string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "DELETE", r.Method)
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	backend := NewGeminiBackendWithConfig(GeminiConfig{
		APIKey:  "test-key",
		BaseURL: ts.URL + "/v1beta",
		Timeout: 5 * time.Second,
	})

	require.NoError(t, backend.Delete(context.Background(), Handle{Name: "files/123"}))
	assert.Equal(t, "/v1beta/files/123", gotPath)

	// A bare id gets the files/ prefix.
	require.NoError(t, backend.Delete(context.Background(), Handle{Name: "456"}))
	assert.Equal(t, "/v1beta/files/456", gotPath)

	// A handle with only a URI falls back to its tail.
	require.NoError(t, backend.Delete(context.Background(), Handle{URI: "https://generativelanguage.googleapis.com/v1beta/files/789"}))
	assert.Equal(t, "/v1beta/files/789", gotPath)
}

func TestGeminiBackend_Delete_EmptyHandle(t *testing.T) {
	backend := NewGeminiBackend("test-key")

	err := backend.Delete(context.Background(), Handle{})
	require.Error(t, err)
	assert.False(t, types.IsTransient(err))
}

func TestGeminiBackend_Delete_NotFoundIsPermanent(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer ts.Close()

	backend := NewGeminiBackendWithConfig(GeminiConfig{
		APIKey:  "test-key",
		BaseURL: ts.URL + "/v1beta",
		Timeout: 5 * time.Second,
	})

	err := backend.Delete(context.Background(), Handle{Name: "files/123"})
	require.Error(t, err)
	assert.False(t, types.IsTransient(err))
}

func TestMimeTypeFor(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"project_context_20260314_093000.txt", "text/plain"},
		{"session.LOG", "text/plain"},
		{"README.md", "text/markdown"},
		{"conversation.json", "application/json"},
		{"archive.tar.gz", "application/octet-stream"},
		{"noext", "application/octet-stream"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, mimeTypeFor(tt.path), tt.path)
	}
}
