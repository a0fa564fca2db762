package cognition

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/harun/embodia/internal/config"
)

// AnthropicBackend calls the Anthropic Messages API.
type AnthropicBackend struct {
	client      anthropic.Client
	model       string
	maxTokens   int
	temperature float64
}

// NewAnthropicBackend creates an Anthropic backend. SDK retries are disabled
// so the gateway's deadline-bounded policy is the only one in effect.
func NewAnthropicBackend(cfg config.CognitionConfig) *AnthropicBackend {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicBackend{
		client:      anthropic.NewClient(opts...),
		model:       cfg.Model,
		maxTokens:   maxTokensOrDefault(cfg.MaxTokens),
		temperature: cfg.Temperature,
	}
}

// Name implements Backend.
func (b *AnthropicBackend) Name() string { return "anthropic" }

// Complete implements Backend.
func (b *AnthropicBackend) Complete(ctx context.Context, prompt Prompt) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(b.model),
		MaxTokens: int64(b.maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt.User)),
		},
	}
	if prompt.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: prompt.System}}
	}
	if b.temperature > 0 {
		params.Temperature = anthropic.Float(b.temperature)
	}

	resp, err := b.client.Messages.New(ctx, params)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if text, ok := block.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(text.Text)
		}
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("anthropic returned no text content")
	}
	return sb.String(), nil
}

func maxTokensOrDefault(n int) int {
	if n <= 0 {
		return 1024
	}
	return n
}
