package perception

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"lookout/internal/logging"
	"lookout/internal/types"
)

// Upload pushes a local file to the Gemini Files API using the Resumable
// Upload protocol and returns its handle.
func (c *GeminiBackend) Upload(ctx context.Context, path string) (Handle, error) {
	if c.apiKey == "" {
		return Handle{}, types.NewPermanentBackendError("upload", errors.New("API key not configured"))
	}

	f, err := os.Open(path)
	if err != nil {
		return Handle{}, types.NewPermanentBackendError("upload", fmt.Errorf("failed to open file: %w", err))
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return Handle{}, types.NewPermanentBackendError("upload", fmt.Errorf("failed to stat file: %w", err))
	}
	size := stat.Size()
	mimeType := mimeTypeFor(path)

	logging.Get(logging.CategoryModel).Debug("[Gemini] Upload: path=%s size=%d mime=%s", path, size, mimeType)

	// Start the resumable session. The upload endpoint lives under
	// /upload/v1beta rather than /v1beta.
	uploadBase := strings.Replace(c.baseURL, "/v1beta", "/upload/v1beta", 1)
	url := fmt.Sprintf("%s/files?key=%s", uploadBase, c.apiKey)

	metadata := map[string]interface{}{
		"file": map[string]string{
			"displayName": filepath.Base(path),
		},
	}
	jsonMeta, err := json.Marshal(metadata)
	if err != nil {
		return Handle{}, types.NewPermanentBackendError("upload", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(jsonMeta))
	if err != nil {
		return Handle{}, types.NewPermanentBackendError("upload", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Goog-Upload-Protocol", "resumable")
	req.Header.Set("X-Goog-Upload-Command", "start")
	req.Header.Set("X-Goog-Upload-Header-Content-Length", fmt.Sprintf("%d", size))
	req.Header.Set("X-Goog-Upload-Header-Content-Type", mimeType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Handle{}, types.NewTransientBackendError("upload", fmt.Errorf("upload start request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return Handle{}, classifyStatus("upload", resp.StatusCode, body)
	}

	uploadURL := resp.Header.Get("X-Goog-Upload-URL")
	if uploadURL == "" {
		return Handle{}, types.NewPermanentBackendError("upload", errors.New("no upload URL returned in headers"))
	}

	// Upload the bytes and finalize in one shot.
	if _, err := f.Seek(0, 0); err != nil {
		return Handle{}, types.NewPermanentBackendError("upload", err)
	}
	reqUpload, err := http.NewRequestWithContext(ctx, "POST", uploadURL, f)
	if err != nil {
		return Handle{}, types.NewPermanentBackendError("upload", err)
	}
	reqUpload.ContentLength = size
	reqUpload.Header.Set("X-Goog-Upload-Offset", "0")
	reqUpload.Header.Set("X-Goog-Upload-Command", "upload, finalize")

	respUpload, err := c.httpClient.Do(reqUpload)
	if err != nil {
		return Handle{}, types.NewTransientBackendError("upload", fmt.Errorf("upload data failed: %w", err))
	}
	defer respUpload.Body.Close()

	if respUpload.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(respUpload.Body)
		return Handle{}, classifyStatus("upload", respUpload.StatusCode, body)
	}

	var result struct {
		File GeminiFile `json:"file"`
	}
	if err := json.NewDecoder(respUpload.Body).Decode(&result); err != nil {
		return Handle{}, types.NewPermanentBackendError("upload", fmt.Errorf("failed to parse upload response: %w", err))
	}
	if result.File.URI == "" {
		return Handle{}, types.NewPermanentBackendError("upload", errors.New("no file uri found in upload response"))
	}

	logging.Model("[Gemini] Upload: uri=%s name=%s", result.File.URI, result.File.Name)
	return Handle{Name: result.File.Name, URI: result.File.URI}, nil
}

// Delete removes an uploaded file. Handles with an empty resource name fall
// back to the URI tail so that either identifier works.
func (c *GeminiBackend) Delete(ctx context.Context, handle Handle) error {
	if c.apiKey == "" {
		return types.NewPermanentBackendError("delete", errors.New("API key not configured"))
	}

	name := handle.Name
	if name == "" {
		name = handle.URI
		if i := strings.LastIndex(name, "files/"); i >= 0 {
			name = name[i:]
		}
	}
	if name == "" {
		return types.NewPermanentBackendError("delete", errors.New("handle has no resource name"))
	}
	if !strings.HasPrefix(name, "files/") {
		name = "files/" + name
	}

	url := fmt.Sprintf("%s/%s?key=%s", c.baseURL, name, c.apiKey)
	req, err := http.NewRequestWithContext(ctx, "DELETE", url, nil)
	if err != nil {
		return types.NewPermanentBackendError("delete", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return types.NewTransientBackendError("delete", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return classifyStatus("delete", resp.StatusCode, body)
	}

	logging.Get(logging.CategoryModel).Debug("[Gemini] Delete: removed %s", name)
	return nil
}

// mimeTypeFor picks the MIME type for an upload. Context artifacts are plain
// text; anything unrecognized goes up as an octet stream.
func mimeTypeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt", ".log":
		return "text/plain"
	case ".md":
		return "text/markdown"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
