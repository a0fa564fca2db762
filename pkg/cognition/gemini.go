package cognition

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"github.com/harun/embodia/internal/config"
)

// GeminiBackend calls the Gemini API through google.golang.org/genai.
type GeminiBackend struct {
	client      *genai.Client
	model       string
	maxTokens   int
	temperature float64
}

// NewGeminiBackend creates a Gemini backend.
func NewGeminiBackend(ctx context.Context, cfg config.CognitionConfig) (*GeminiBackend, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GeminiBackend{
		client:      client,
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
	}, nil
}

// Name implements Backend.
func (b *GeminiBackend) Name() string { return "gemini" }

// Complete implements Backend.
func (b *GeminiBackend) Complete(ctx context.Context, prompt Prompt) (string, error) {
	gc := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	}
	if prompt.System != "" {
		gc.SystemInstruction = genai.NewContentFromText(prompt.System, genai.RoleUser)
	}
	if b.maxTokens > 0 {
		gc.MaxOutputTokens = int32(b.maxTokens)
	}
	if b.temperature > 0 {
		gc.Temperature = genai.Ptr(float32(b.temperature))
	}

	resp, err := b.client.Models.GenerateContent(ctx, b.model,
		[]*genai.Content{genai.NewContentFromText(prompt.User, genai.RoleUser)}, gc)
	if err != nil {
		return "", err
	}
	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("gemini returned no text content")
	}
	return text, nil
}
