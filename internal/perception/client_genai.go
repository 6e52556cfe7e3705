package perception

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"lookout/internal/logging"
	"lookout/internal/types"
)

// GenAIBackend implements ModelBackend on the official SDK. It exists for
// installs that prefer the maintained client over the hand-rolled REST one;
// both speak to the same Files and generateContent endpoints.
type GenAIBackend struct {
	client          *genai.Client
	model           string
	maxOutputTokens int32
}

// NewGenAIBackend creates an SDK-based backend.
func NewGenAIBackend(ctx context.Context, apiKey, model string, maxOutputTokens int) (*GenAIBackend, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("genai API key is required")
	}
	if model == "" {
		model = "gemini-2.5-flash"
	}
	if maxOutputTokens <= 0 {
		maxOutputTokens = 8192
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	return &GenAIBackend{
		client:          client,
		model:           model,
		maxOutputTokens: int32(maxOutputTokens),
	}, nil
}

// Upload implements ModelBackend.
func (b *GenAIBackend) Upload(ctx context.Context, path string) (Handle, error) {
	startTime := time.Now()

	file, err := b.client.Files.UploadFromPath(ctx, path, &genai.UploadFileConfig{
		MIMEType: mimeTypeFor(path),
	})
	if err != nil {
		return Handle{}, classifyGenAIError("upload", err)
	}

	logging.Model("[GenAI] Upload: name=%s in %v", file.Name, time.Since(startTime))
	return Handle{Name: file.Name, URI: file.URI}, nil
}

// Generate implements ModelBackend.
func (b *GenAIBackend) Generate(ctx context.Context, prompt string, handles []Handle) (string, error) {
	startTime := time.Now()
	logging.Get(logging.CategoryModel).Debug("[GenAI] Generate: model=%s prompt_len=%d files=%d", b.model, len(prompt), len(handles))

	parts := make([]*genai.Part, 0, len(handles)+1)
	for _, h := range handles {
		parts = append(parts, genai.NewPartFromURI(h.URI, "text/plain"))
	}
	parts = append(parts, genai.NewPartFromText(prompt))

	contents := []*genai.Content{
		genai.NewContentFromParts(parts, genai.RoleUser),
	}

	resp, err := b.client.Models.GenerateContent(ctx, b.model, contents, &genai.GenerateContentConfig{
		MaxOutputTokens:   b.maxOutputTokens,
		SystemInstruction: genai.NewContentFromText(defaultSystemPrompt, genai.RoleUser),
	})
	if err != nil {
		return "", classifyGenAIError("generate", err)
	}

	answer := strings.TrimSpace(resp.Text())
	if answer == "" {
		return "", types.NewPermanentBackendError("generate", errors.New("no completion returned"))
	}

	logging.Model("[GenAI] Generate: completed in %v response_len=%d", time.Since(startTime), len(answer))
	return answer, nil
}

// Delete implements ModelBackend.
func (b *GenAIBackend) Delete(ctx context.Context, handle Handle) error {
	name := handle.Name
	if name == "" {
		return types.NewPermanentBackendError("delete", errors.New("handle has no resource name"))
	}

	if _, err := b.client.Files.Delete(ctx, name, nil); err != nil {
		return classifyGenAIError("delete", err)
	}

	logging.Get(logging.CategoryModel).Debug("[GenAI] Delete: removed %s", name)
	return nil
}

// transientMarkers are substrings of SDK error text that indicate a failure
// worth retrying. The SDK does not expose a stable error type across
// versions, so classification falls back to the message.
var transientMarkers = []string{
	"429",
	"rate limit",
	"quota",
	"resource exhausted",
	"unavailable",
	"deadline exceeded",
	"timeout",
	"connection",
	"internal error",
	"500",
	"502",
	"503",
	"504",
}

func classifyGenAIError(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return types.NewPermanentBackendError(op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return types.NewTransientBackendError(op, err)
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return types.NewTransientBackendError(op, err)
		}
	}
	return types.NewPermanentBackendError(op, err)
}
