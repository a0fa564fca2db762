package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config is the embodia runtime configuration.
type Config struct {
	Runtime   RuntimeConfig   `json:"runtime" mapstructure:"runtime"`
	Fusion    FusionConfig    `json:"fusion" mapstructure:"fusion"`
	Cognition CognitionConfig `json:"cognition" mapstructure:"cognition"`
	Dispatch  DispatchConfig  `json:"dispatch" mapstructure:"dispatch"`
	Actuators ActuatorsConfig `json:"actuators" mapstructure:"actuators"`
	Inputs    InputsConfig    `json:"inputs" mapstructure:"inputs"`
	Telegram  TelegramConfig  `json:"telegram" mapstructure:"telegram"`
	Logging   LoggingConfig   `json:"logging" mapstructure:"logging"`
	Server    ServerConfig    `json:"server" mapstructure:"server"`
	Journal   JournalConfig   `json:"journal" mapstructure:"journal"`
	Tracing   TracingConfig   `json:"tracing" mapstructure:"tracing"`

	// Data directory for logs, audit trail and the diagnostics journal
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// RuntimeConfig controls the tick cadence.
type RuntimeConfig struct {
	TickPeriod time.Duration `json:"tick_period" mapstructure:"tick_period"`
	Adaptive   bool          `json:"adaptive" mapstructure:"adaptive"`
	MinPeriod  time.Duration `json:"min_period" mapstructure:"min_period"`
	Headroom   time.Duration `json:"headroom" mapstructure:"headroom"`
}

// FusionConfig controls how snapshots become cognition requests.
type FusionConfig struct {
	// Declared channels, in priority order. Declared channels that never
	// report are flagged missing.
	ChannelPriority []string       `json:"channel_priority" mapstructure:"channel_priority"`
	StaleAfterTicks int            `json:"stale_after_ticks" mapstructure:"stale_after_ticks"`
	ChannelStale    map[string]int `json:"channel_stale_ticks" mapstructure:"channel_stale_ticks"`
	ContextWindow   int            `json:"context_window" mapstructure:"context_window"`
}

// CognitionConfig selects and tunes the reasoning backend.
type CognitionConfig struct {
	Backend        string        `json:"backend" mapstructure:"backend"` // anthropic, openai, gemini, http
	Model          string        `json:"model" mapstructure:"model"`
	APIKey         string        `json:"api_key" mapstructure:"api_key"`
	BaseURL        string        `json:"base_url" mapstructure:"base_url"`
	Endpoint       string        `json:"endpoint" mapstructure:"endpoint"`
	SystemPrompt   string        `json:"system_prompt" mapstructure:"system_prompt"`
	Temperature    float64       `json:"temperature" mapstructure:"temperature"`
	MaxTokens      int           `json:"max_tokens" mapstructure:"max_tokens"`
	Deadline       time.Duration `json:"deadline" mapstructure:"deadline"`
	MaxRetries     int           `json:"max_retries" mapstructure:"max_retries"`
	InitialBackoff time.Duration `json:"initial_backoff" mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `json:"max_backoff" mapstructure:"max_backoff"`
}

// DispatchConfig controls the action router.
type DispatchConfig struct {
	Deadline     time.Duration       `json:"deadline" mapstructure:"deadline"`
	Mode         string              `json:"mode" mapstructure:"mode"` // concurrent, sequential, dependencies
	Dependencies map[string][]string `json:"dependencies" mapstructure:"dependencies"`
	MaxAttempts  int                 `json:"max_attempts" mapstructure:"max_attempts"`
	DrainTimeout time.Duration       `json:"drain_timeout" mapstructure:"drain_timeout"`
}

// ActuatorConfig declares one actuator adapter. Manifest files use the same shape.
type ActuatorConfig struct {
	ID               string                 `json:"id" mapstructure:"id"`
	Kind             string                 `json:"kind" mapstructure:"kind"`
	Driver           string                 `json:"driver" mapstructure:"driver"` // log, http, telegram
	Endpoint         string                 `json:"endpoint" mapstructure:"endpoint"`
	ChatID           int64                  `json:"chat_id" mapstructure:"chat_id"`
	ParametersSchema map[string]interface{} `json:"parameters_schema" mapstructure:"parameters_schema"`
}

// ActuatorsConfig holds the static registry contents and the hot-plug directory.
type ActuatorsConfig struct {
	Static      []ActuatorConfig `json:"static" mapstructure:"static"`
	ManifestDir string           `json:"manifest_dir" mapstructure:"manifest_dir"`
	Watch       bool             `json:"watch" mapstructure:"watch"`
}

// CronInputConfig emits an event observation on a schedule.
type CronInputConfig struct {
	Channel  string `json:"channel" mapstructure:"channel"`
	Schedule string `json:"schedule" mapstructure:"schedule"`
	Event    string `json:"event" mapstructure:"event"`
}

// InputsConfig controls the observation ingress.
type InputsConfig struct {
	QueueSize       int               `json:"queue_size" mapstructure:"queue_size"`
	PushTimeout     time.Duration     `json:"push_timeout" mapstructure:"push_timeout"`
	MaxClockSkew    time.Duration     `json:"max_clock_skew" mapstructure:"max_clock_skew"`
	RestartBackoff  time.Duration     `json:"restart_backoff" mapstructure:"restart_backoff"`
	Cron            []CronInputConfig `json:"cron" mapstructure:"cron"`
	TelegramChannel string            `json:"telegram_channel" mapstructure:"telegram_channel"`
}

// TelegramConfig holds Telegram bot configuration shared by the text
// source and the telegram actuator driver.
type TelegramConfig struct {
	Enabled   bool    `json:"enabled" mapstructure:"enabled"`
	BotToken  string  `json:"bot_token" mapstructure:"bot_token"`
	Allowlist []int64 `json:"allowlist" mapstructure:"allowlist"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	AuditFile string `json:"audit_file" mapstructure:"audit_file"`
}

// ServerConfig holds the HTTP/websocket surface configuration
type ServerConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Host    string `json:"host" mapstructure:"host"`
	Port    int    `json:"port" mapstructure:"port"`
	// Optional secret required on /observe and /ws via the X-Embodia-Secret
	// header or the token query parameter.
	SharedSecret string `json:"shared_secret" mapstructure:"shared_secret"`
}

// JournalConfig holds the diagnostics journal configuration
type JournalConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Path    string `json:"path" mapstructure:"path"`
	// Retention is how long records are kept. Zero keeps them forever.
	Retention     time.Duration `json:"retention" mapstructure:"retention"`
	PruneSchedule string        `json:"prune_schedule" mapstructure:"prune_schedule"` // cron expression
}

// TracingConfig holds OpenTelemetry configuration
type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Runtime: RuntimeConfig{
			TickPeriod: 500 * time.Millisecond,
			MinPeriod:  100 * time.Millisecond,
			Headroom:   50 * time.Millisecond,
		},
		Fusion: FusionConfig{
			ChannelPriority: []string{"text", "audio_transcript", "vision"},
			StaleAfterTicks: 10,
			ChannelStale:    map[string]int{},
			ContextWindow:   8,
		},
		Cognition: CognitionConfig{
			Backend:        "anthropic",
			Model:          "claude-sonnet-4",
			Temperature:    0.2,
			MaxTokens:      1024,
			Deadline:       2 * time.Second,
			MaxRetries:     2,
			InitialBackoff: 50 * time.Millisecond,
			MaxBackoff:     400 * time.Millisecond,
		},
		Dispatch: DispatchConfig{
			Deadline:     400 * time.Millisecond,
			Mode:         "concurrent",
			Dependencies: map[string][]string{},
			MaxAttempts:  1,
			DrainTimeout: 5 * time.Second,
		},
		Actuators: ActuatorsConfig{
			Static: []ActuatorConfig{
				{ID: "log-move", Kind: "move", Driver: "log"},
				{ID: "log-speak", Kind: "speak", Driver: "log"},
			},
			Watch: true,
		},
		Inputs: InputsConfig{
			QueueSize:       256,
			PushTimeout:     5 * time.Millisecond,
			MaxClockSkew:    time.Second,
			RestartBackoff:  100 * time.Millisecond,
			TelegramChannel: "text",
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			Redaction: true,
		},
		Server: ServerConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8420,
		},
		Journal: JournalConfig{
			Enabled:       true,
			Retention:     7 * 24 * time.Hour,
			PruneSchedule: "@hourly",
		},
		Tracing: TracingConfig{
			Enabled:     true,
			SampleRatio: 1,
		},
	}
}

// String returns a JSON representation of the config with secrets masked.
func (c *Config) String() string {
	masked := *c
	if masked.Cognition.APIKey != "" {
		masked.Cognition.APIKey = "***"
	}
	if masked.Server.SharedSecret != "" {
		masked.Server.SharedSecret = "***"
	}
	if masked.Telegram.BotToken != "" {
		masked.Telegram.BotToken = "***"
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

// StaleThreshold returns the staleness threshold for a channel as a duration.
func (c *Config) StaleThreshold(channel string) time.Duration {
	ticks := c.Fusion.StaleAfterTicks
	if n, ok := c.Fusion.ChannelStale[channel]; ok && n > 0 {
		ticks = n
	}
	return time.Duration(ticks) * c.Runtime.TickPeriod
}

// Validate checks the invariants the runtime depends on.
func (c *Config) Validate() error {
	if c.Runtime.TickPeriod <= 0 {
		return fmt.Errorf("runtime.tick_period must be positive")
	}
	if c.Runtime.Adaptive {
		if c.Runtime.MinPeriod <= 0 || c.Runtime.MinPeriod > c.Runtime.TickPeriod {
			return fmt.Errorf("runtime.min_period must be in (0, tick_period] when adaptive")
		}
	}
	if c.Fusion.StaleAfterTicks <= 0 {
		return fmt.Errorf("fusion.stale_after_ticks must be positive")
	}
	if c.Fusion.ContextWindow <= 0 {
		return fmt.Errorf("fusion.context_window must be positive")
	}

	if c.Cognition.Deadline <= 0 {
		return fmt.Errorf("cognition.deadline must be positive")
	}
	switch c.Cognition.Backend {
	case "anthropic", "openai", "gemini":
		if c.Cognition.APIKey == "" {
			return fmt.Errorf("cognition.api_key is required for backend %s", c.Cognition.Backend)
		}
	case "http":
		if c.Cognition.Endpoint == "" {
			return fmt.Errorf("cognition.endpoint is required for backend http")
		}
	default:
		return fmt.Errorf("invalid cognition backend %q (must be: anthropic, openai, gemini, http)", c.Cognition.Backend)
	}

	if c.Dispatch.Deadline <= 0 {
		return fmt.Errorf("dispatch.deadline must be positive")
	}
	if c.Dispatch.MaxAttempts < 1 {
		return fmt.Errorf("dispatch.max_attempts must be at least 1")
	}

	seen := make(map[string]bool)
	for i, a := range c.Actuators.Static {
		if a.ID == "" || a.Kind == "" {
			return fmt.Errorf("actuator %d: id and kind are required", i)
		}
		if seen[a.ID] {
			return fmt.Errorf("actuator %s declared twice", a.ID)
		}
		seen[a.ID] = true
	}

	if c.Journal.Retention < 0 {
		return fmt.Errorf("journal.retention must not be negative")
	}
	if c.Journal.Enabled && c.Journal.Retention > 0 && c.Journal.PruneSchedule == "" {
		return fmt.Errorf("journal.prune_schedule is required when retention is set")
	}

	if c.Inputs.QueueSize <= 0 {
		return fmt.Errorf("inputs.queue_size must be positive")
	}
	if c.Telegram.Enabled && c.Telegram.BotToken == "" {
		return fmt.Errorf("telegram bot token is required when telegram is enabled")
	}

	return nil
}
