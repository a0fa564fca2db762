package cognition

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/harun/embodia/internal/config"
)

// OpenAIBackend calls an OpenAI compatible Chat Completions endpoint.
type OpenAIBackend struct {
	client      openai.Client
	model       string
	maxTokens   int
	temperature float64
}

// NewOpenAIBackend creates an OpenAI backend.
func NewOpenAIBackend(cfg config.CognitionConfig) *OpenAIBackend {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAIBackend{
		client:      openai.NewClient(opts...),
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
	}
}

// Name implements Backend.
func (b *OpenAIBackend) Name() string { return "openai" }

// Complete implements Backend.
func (b *OpenAIBackend) Complete(ctx context.Context, prompt Prompt) (string, error) {
	messages := []openai.ChatCompletionMessageParamUnion{}
	if prompt.System != "" {
		messages = append(messages, openai.SystemMessage(prompt.System))
	}
	messages = append(messages, openai.UserMessage(prompt.User))

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(b.model),
		Messages: messages,
	}
	if b.maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(b.maxTokens))
	}
	if b.temperature > 0 {
		params.Temperature = openai.Float(b.temperature)
	}

	resp, err := b.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no response choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}
