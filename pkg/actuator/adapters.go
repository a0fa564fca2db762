package actuator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/embodia/internal/config"
	"github.com/harun/embodia/internal/telegram"
	"github.com/harun/embodia/pkg/action"
)

// LogAdapter records actions to the log and always succeeds. It stands in
// for hardware during development.
type LogAdapter struct {
	id, kind string
	logger   zerolog.Logger
}

// NewLogAdapter creates a log adapter.
func NewLogAdapter(id, kind string, logger zerolog.Logger) *LogAdapter {
	return &LogAdapter{id: id, kind: kind, logger: logger.With().Str("actuator_id", id).Logger()}
}

func (a *LogAdapter) ID() string   { return a.id }
func (a *LogAdapter) Kind() string { return a.kind }

// Execute implements Adapter.
func (a *LogAdapter) Execute(ctx context.Context, actionID string, params action.Params, _ time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.logger.Info().
		Str("action_id", actionID).
		Interface("params", params.Fields()).
		Msg("Actuator executed action")
	return nil
}

// HTTPAdapter posts each action to an endpoint.
type HTTPAdapter struct {
	id, kind string
	endpoint string
	client   *http.Client
}

type httpCommand struct {
	ActionID string         `json:"action_id"`
	Kind     string         `json:"kind"`
	Params   map[string]any `json:"params"`
	Deadline time.Time      `json:"deadline"`
}

// NewHTTPAdapter creates an HTTP adapter. A nil client uses http.DefaultClient.
func NewHTTPAdapter(id, kind, endpoint string, client *http.Client) *HTTPAdapter {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPAdapter{id: id, kind: kind, endpoint: endpoint, client: client}
}

func (a *HTTPAdapter) ID() string   { return a.id }
func (a *HTTPAdapter) Kind() string { return a.kind }

// Execute implements Adapter.
func (a *HTTPAdapter) Execute(ctx context.Context, actionID string, params action.Params, deadline time.Time) error {
	body, err := json.Marshal(httpCommand{ActionID: actionID, Kind: a.kind, Params: params.Fields(), Deadline: deadline})
	if err != nil {
		return fmt.Errorf("failed to encode command: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", actionID)

	resp, err := a.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("actuator endpoint returned status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}

// TelegramAdapter sends speech and display actions as chat messages.
type TelegramAdapter struct {
	id, kind string
	chatID   int64
	bot      *telegram.Bot
}

// NewTelegramAdapter creates a telegram adapter.
func NewTelegramAdapter(id, kind string, chatID int64, bot *telegram.Bot) *TelegramAdapter {
	return &TelegramAdapter{id: id, kind: kind, chatID: chatID, bot: bot}
}

func (a *TelegramAdapter) ID() string   { return a.id }
func (a *TelegramAdapter) Kind() string { return a.kind }

// Execute implements Adapter.
func (a *TelegramAdapter) Execute(ctx context.Context, _ string, params action.Params, _ time.Time) error {
	var text string
	switch p := params.(type) {
	case action.Speak:
		text = p.Text
	case action.Display:
		text = p.Text
		if p.Expression != "" {
			text = fmt.Sprintf("[%s] %s", p.Expression, p.Text)
		}
	case action.Move:
		text = "moving: " + p.Direction
	default:
		data, _ := json.Marshal(params.Fields())
		text = fmt.Sprintf("%s %s", params.Kind(), data)
	}

	// The bot API has no context support; bound the send by the deadline.
	done := make(chan error, 1)
	go func() { done <- a.bot.SendText(a.chatID, text) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Factory builds adapters from actuator configs.
type Factory struct {
	HTTPClient *http.Client
	Telegram   *telegram.Bot
	Logger     zerolog.Logger
}

// Build creates the adapter for cfg.Driver.
func (f *Factory) Build(cfg config.ActuatorConfig) (Adapter, error) {
	if err := ValidateActuatorConfig(cfg); err != nil {
		return nil, err
	}
	switch cfg.Driver {
	case "log", "":
		return NewLogAdapter(cfg.ID, cfg.Kind, f.Logger), nil
	case "http":
		return NewHTTPAdapter(cfg.ID, cfg.Kind, cfg.Endpoint, f.HTTPClient), nil
	case "telegram":
		if f.Telegram == nil {
			return nil, fmt.Errorf("actuator %s: telegram is not enabled", cfg.ID)
		}
		return NewTelegramAdapter(cfg.ID, cfg.Kind, cfg.ChatID, f.Telegram), nil
	default:
		return nil, fmt.Errorf("actuator %s: unsupported driver %s", cfg.ID, cfg.Driver)
	}
}

// Registration builds the adapter for cfg and wraps it for Registry.Register.
func (f *Factory) Registration(cfg config.ActuatorConfig, source string) (Registration, error) {
	a, err := f.Build(cfg)
	if err != nil {
		return Registration{}, err
	}
	return Registration{Adapter: a, Schema: cfg.ParametersSchema, Source: source}, nil
}

// FuncAdapter adapts a function to the Adapter interface.
type FuncAdapter struct {
	AdapterID   string
	AdapterKind string
	Fn          func(ctx context.Context, actionID string, params action.Params, deadline time.Time) error
}

func (a *FuncAdapter) ID() string   { return a.AdapterID }
func (a *FuncAdapter) Kind() string { return a.AdapterKind }

// Execute implements Adapter.
func (a *FuncAdapter) Execute(ctx context.Context, actionID string, params action.Params, deadline time.Time) error {
	if a.Fn == nil {
		return nil
	}
	return a.Fn(ctx, actionID, params, deadline)
}
