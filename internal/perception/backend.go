// Package perception is the observer's eye: it talks to the model provider
// that actually reads the project context and answers questions. The agent
// only sees the ModelBackend interface; the Gemini REST client and the genai
// SDK client are interchangeable implementations selected by configuration.
package perception

import (
	"context"
	"fmt"
	"time"

	"lookout/internal/config"
)

const defaultSystemPrompt = "You are lookout, a background project observer. Answer questions about the project using only the provided context files, conversation history, and change notes. Be concise. Do not claim to browse the filesystem or network; only use supplied content."

// Handle identifies one uploaded artifact at the provider. Name is the
// resource name used for deletion; URI is what generate calls reference.
type Handle struct {
	Name string
	URI  string
}

// ModelBackend is the provider capability the observer agent depends on.
// Implementations classify failures as transient or permanent via
// types.BackendError; they do not retry internally. The agent owns the
// retry policy.
type ModelBackend interface {
	// Upload pushes a local file to the provider and returns its handle.
	Upload(ctx context.Context, path string) (Handle, error)

	// Generate answers the prompt grounded in the uploaded files.
	Generate(ctx context.Context, prompt string, handles []Handle) (string, error)

	// Delete removes an uploaded file from the provider.
	Delete(ctx context.Context, handle Handle) error
}

// NewBackend constructs the configured ModelBackend implementation.
func NewBackend(ctx context.Context, cfg config.ModelConfig) (ModelBackend, error) {
	switch cfg.Backend {
	case "rest", "":
		gc := DefaultGeminiConfig(cfg.APIKey)
		if cfg.Name != "" {
			gc.Model = cfg.Name
		}
		if cfg.MaxOutputTokens > 0 {
			gc.MaxOutputTokens = cfg.MaxOutputTokens
		}
		if d, err := time.ParseDuration(cfg.Timeout); err == nil && d > 0 {
			gc.Timeout = d
		}
		return NewGeminiBackendWithConfig(gc), nil

	case "genai":
		return NewGenAIBackend(ctx, cfg.APIKey, cfg.Name, cfg.MaxOutputTokens)

	default:
		return nil, fmt.Errorf("unknown model backend: %s (valid: rest, genai)", cfg.Backend)
	}
}
