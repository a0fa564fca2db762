package cognition

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/harun/embodia/internal/config"
	"github.com/harun/embodia/pkg/diag"
	"github.com/harun/embodia/pkg/fusion"
)

// HTTPBackend posts the fused request as JSON to an endpoint. The endpoint
// replies either with {"content": "..."} or with the action document itself.
type HTTPBackend struct {
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
}

type httpRequest struct {
	Model   string          `json:"model,omitempty"`
	System  string          `json:"system,omitempty"`
	Prompt  string          `json:"prompt"`
	Request *fusion.Request `json:"request"`
}

// NewHTTPBackend creates an HTTP backend. A nil client uses http.DefaultClient.
func NewHTTPBackend(cfg config.CognitionConfig, client *http.Client) (*HTTPBackend, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("http backend requires an endpoint")
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPBackend{endpoint: cfg.Endpoint, apiKey: cfg.APIKey, model: cfg.Model, client: client}, nil
}

// Name implements Backend.
func (b *HTTPBackend) Name() string { return "http" }

// Complete implements Backend.
func (b *HTTPBackend) Complete(ctx context.Context, prompt Prompt) (string, error) {
	body, err := json.Marshal(httpRequest{Model: b.model, System: prompt.System, Prompt: prompt.User, Request: prompt.Request})
	if err != nil {
		return "", fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &diag.TransientIOError{Op: "http backend", Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &diag.TransientIOError{Op: "http backend read", Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", &diag.TransientIOError{Op: "http backend", Err: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode >= 300:
		return "", fmt.Errorf("http backend returned status %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}

	var wrapped struct {
		Content *string `json:"content"`
	}
	if json.Unmarshal(data, &wrapped) == nil && wrapped.Content != nil {
		return *wrapped.Content, nil
	}
	return string(data), nil
}
