package cognition

import (
	"context"
	"fmt"

	"github.com/harun/embodia/internal/config"
	"github.com/harun/embodia/pkg/fusion"
)

// Prompt is what a backend receives for one call.
type Prompt struct {
	System  string
	User    string
	Request *fusion.Request
}

// Backend is an opaque reasoning service. Complete returns the raw reply text.
// Implementations must honour ctx cancellation.
type Backend interface {
	Name() string
	Complete(ctx context.Context, prompt Prompt) (string, error)
}

// FuncBackend adapts a function to the Backend interface.
type FuncBackend struct {
	BackendName string
	Fn          func(ctx context.Context, prompt Prompt) (string, error)
}

// Name implements Backend.
func (f FuncBackend) Name() string {
	if f.BackendName == "" {
		return "func"
	}
	return f.BackendName
}

// Complete implements Backend.
func (f FuncBackend) Complete(ctx context.Context, prompt Prompt) (string, error) {
	return f.Fn(ctx, prompt)
}

// NewBackend creates the backend selected by cfg.Backend.
func NewBackend(ctx context.Context, cfg config.CognitionConfig) (Backend, error) {
	switch cfg.Backend {
	case "anthropic":
		return NewAnthropicBackend(cfg), nil
	case "openai":
		return NewOpenAIBackend(cfg), nil
	case "gemini":
		return NewGeminiBackend(ctx, cfg)
	case "http":
		return NewHTTPBackend(cfg, nil)
	default:
		return nil, fmt.Errorf("unsupported cognition backend: %s", cfg.Backend)
	}
}
