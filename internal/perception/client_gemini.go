package perception

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"lookout/internal/logging"
	"lookout/internal/types"
)

// GeminiBackend implements ModelBackend against the Gemini REST API.
type GeminiBackend struct {
	apiKey          string
	baseURL         string
	model           string
	maxOutputTokens int
	httpClient      *http.Client
	mu              sync.Mutex
	lastRequest     time.Time
}

// DefaultGeminiConfig returns sensible defaults.
func DefaultGeminiConfig(apiKey string) GeminiConfig {
	return GeminiConfig{
		APIKey:          apiKey,
		BaseURL:         "https://generativelanguage.googleapis.com/v1beta",
		Model:           "gemini-2.5-flash",
		Timeout:         120 * time.Second,
		MaxOutputTokens: 8192,
	}
}

// NewGeminiBackend creates a REST backend with default config.
func NewGeminiBackend(apiKey string) *GeminiBackend {
	return NewGeminiBackendWithConfig(DefaultGeminiConfig(apiKey))
}

// NewGeminiBackendWithConfig creates a REST backend with custom config.
func NewGeminiBackendWithConfig(config GeminiConfig) *GeminiBackend {
	model := strings.TrimSpace(config.Model)
	if model == "" {
		model = "gemini-2.5-flash"
	}
	maxOutputTokens := config.MaxOutputTokens
	if maxOutputTokens <= 0 {
		maxOutputTokens = 8192
	}

	return &GeminiBackend{
		apiKey:          config.APIKey,
		baseURL:         config.BaseURL,
		model:           model,
		maxOutputTokens: maxOutputTokens,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// Generate implements ModelBackend. It sends one generateContent request and
// classifies the outcome; the caller decides whether a transient failure is
// worth another attempt.
func (c *GeminiBackend) Generate(ctx context.Context, prompt string, handles []Handle) (string, error) {
	if c.apiKey == "" {
		return "", types.NewPermanentBackendError("generate", errors.New("API key not configured"))
	}

	// Auto-apply timeout if context has no deadline.
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.httpClient.Timeout)
		defer cancel()
	}

	startTime := time.Now()
	logging.Get(logging.CategoryModel).Debug("[Gemini] Generate: model=%s prompt_len=%d files=%d", c.model, len(prompt), len(handles))

	// Rate limiting
	c.mu.Lock()
	elapsed := time.Since(c.lastRequest)
	if elapsed < 100*time.Millisecond {
		time.Sleep(100*time.Millisecond - elapsed)
	}
	c.lastRequest = time.Now()
	c.mu.Unlock()

	parts := make([]GeminiPart, 0, len(handles)+1)
	for _, h := range handles {
		parts = append(parts, GeminiPart{
			FileData: &GeminiFileData{FileURI: h.URI, MimeType: "text/plain"},
		})
	}
	parts = append(parts, GeminiPart{Text: prompt})

	reqBody := GeminiRequest{
		Contents: []GeminiContent{
			{Role: "user", Parts: parts},
		},
		SystemInstruction: &GeminiContent{
			Parts: []GeminiPart{{Text: defaultSystemPrompt}},
		},
		GenerationConfig: GeminiGenerationConfig{
			Temperature:     0.2,
			MaxOutputTokens: c.maxOutputTokens,
		},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", types.NewPermanentBackendError("generate", fmt.Errorf("failed to marshal request: %w", err))
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, c.model, c.apiKey)

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(jsonData))
	if err != nil {
		return "", types.NewPermanentBackendError("generate", fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return "", types.NewPermanentBackendError("generate", err)
		}
		return "", types.NewTransientBackendError("generate", fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", types.NewTransientBackendError("generate", fmt.Errorf("failed to read response: %w", err))
	}

	if err := classifyStatus("generate", resp.StatusCode, body); err != nil {
		logging.Get(logging.CategoryModel).Warn("[Gemini] Generate: status %d after %v", resp.StatusCode, time.Since(startTime))
		return "", err
	}

	var geminiResp GeminiResponse
	if err := json.Unmarshal(body, &geminiResp); err != nil {
		return "", types.NewPermanentBackendError("generate", fmt.Errorf("failed to parse response: %w", err))
	}

	if geminiResp.Error != nil {
		return "", types.NewPermanentBackendError("generate", fmt.Errorf("API error: %s", geminiResp.Error.Message))
	}

	if len(geminiResp.Candidates) == 0 || len(geminiResp.Candidates[0].Content.Parts) == 0 {
		return "", types.NewPermanentBackendError("generate", errors.New("no completion returned"))
	}

	var result strings.Builder
	for _, part := range geminiResp.Candidates[0].Content.Parts {
		result.WriteString(part.Text)
	}
	answer := strings.TrimSpace(result.String())

	logging.Model("[Gemini] Generate: completed in %v response_len=%d tokens=%d",
		time.Since(startTime), len(answer), geminiResp.UsageMetadata.TotalTokenCount)
	return answer, nil
}

// classifyStatus maps an HTTP status to the backend error taxonomy. Rate
// limits and server-side failures are transient; everything else is
// permanent and carries the response body for diagnosis.
func classifyStatus(op string, status int, body []byte) error {
	switch {
	case status == http.StatusOK:
		return nil
	case status == http.StatusTooManyRequests:
		return types.NewTransientBackendError(op, fmt.Errorf("rate limit exceeded (429)"))
	case status >= 500:
		return types.NewTransientBackendError(op, fmt.Errorf("server error (status %d): %s", status, strings.TrimSpace(string(body))))
	default:
		return types.NewPermanentBackendError(op, fmt.Errorf("request failed with status %d: %s", status, strings.TrimSpace(string(body))))
	}
}

// SetModel changes the model used for generation.
func (c *GeminiBackend) SetModel(model string) {
	c.model = model
}

// GetModel returns the current model.
func (c *GeminiBackend) GetModel() string {
	return c.model
}
