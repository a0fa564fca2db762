package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

var (
	telegramTokenPattern = regexp.MustCompile(`^\d+:[A-Za-z0-9_-]+$`)
	identifierPattern    = regexp.MustCompile(`^[a-z][a-z0-9_.-]*$`)
)

// Validator performs field-level checks and collects every problem instead
// of stopping at the first one. Used by `embodia validate`.
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, backend string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", backend)
	}

	switch backend {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	case "gemini":
		if !strings.HasPrefix(key, "AIza") {
			return fmt.Errorf("invalid Gemini API key format (should start with AIza)")
		}
	}

	return nil
}

// ValidateTelegramToken validates a Telegram bot token
func (v *Validator) ValidateTelegramToken(token string) error {
	if token == "" {
		return fmt.Errorf("telegram bot token cannot be empty")
	}
	if !telegramTokenPattern.MatchString(token) {
		return fmt.Errorf("invalid Telegram bot token format")
	}
	return nil
}

// ValidateIdentifier checks channel ids and actuator kinds.
func (v *Validator) ValidateIdentifier(what, id string) error {
	if !identifierPattern.MatchString(id) {
		return fmt.Errorf("invalid %s %q (lowercase letters, digits, '_', '-', '.')", what, id)
	}
	return nil
}

// ValidateDispatchMode validates the router execution mode
func (v *Validator) ValidateDispatchMode(mode string) error {
	switch mode {
	case "", "concurrent", "sequential", "dependencies":
		return nil
	}
	return fmt.Errorf("invalid dispatch mode: %s (must be one of: concurrent, sequential, dependencies)", mode)
}

// ValidateDriver validates an actuator driver name
func (v *Validator) ValidateDriver(driver string) error {
	switch driver {
	case "log", "http", "telegram":
		return nil
	}
	return fmt.Errorf("invalid actuator driver: %s (must be one of: log, http, telegram)", driver)
}

// ValidateTemperature validates temperature value
func (v *Validator) ValidateTemperature(temp float64) error {
	if temp < 0 || temp > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %f", temp)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidatePort validates a TCP port
func (v *Validator) ValidatePort(port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("invalid port: %d", port)
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	add(cfg.Validate())

	if cfg.Cognition.APIKey != "" {
		add(v.ValidateAPIKey(cfg.Cognition.APIKey, cfg.Cognition.Backend))
	}
	add(v.ValidateTemperature(cfg.Cognition.Temperature))
	if cfg.Cognition.Deadline > 0 && cfg.Runtime.TickPeriod > 0 && cfg.Cognition.Deadline+cfg.Dispatch.Deadline > 10*cfg.Runtime.TickPeriod {
		errs = append(errs, fmt.Errorf("cognition.deadline + dispatch.deadline (%s) exceeds ten tick periods",
			(cfg.Cognition.Deadline+cfg.Dispatch.Deadline).Round(time.Millisecond)))
	}

	for _, ch := range cfg.Fusion.ChannelPriority {
		add(v.ValidateIdentifier("channel", ch))
	}
	for ch, ticks := range cfg.Fusion.ChannelStale {
		if ticks <= 0 {
			errs = append(errs, fmt.Errorf("fusion.channel_stale_ticks[%s] must be positive", ch))
		}
	}

	add(v.ValidateDispatchMode(cfg.Dispatch.Mode))
	for kind, deps := range cfg.Dispatch.Dependencies {
		for _, dep := range deps {
			if dep == kind {
				errs = append(errs, fmt.Errorf("dispatch.dependencies[%s] depends on itself", kind))
			}
		}
	}

	for _, a := range cfg.Actuators.Static {
		add(v.ValidateIdentifier("actuator kind", a.Kind))
		add(v.ValidateDriver(a.Driver))
		if a.Driver == "http" && a.Endpoint == "" {
			errs = append(errs, fmt.Errorf("actuator %s: endpoint is required for http driver", a.ID))
		}
		if a.Driver == "telegram" && !cfg.Telegram.Enabled {
			errs = append(errs, fmt.Errorf("actuator %s: telegram driver requires telegram.enabled", a.ID))
		}
	}

	for i, c := range cfg.Inputs.Cron {
		if c.Channel == "" || c.Schedule == "" {
			errs = append(errs, fmt.Errorf("inputs.cron[%d]: channel and schedule are required", i))
		}
	}

	if cfg.Telegram.Enabled && cfg.Telegram.BotToken != "" {
		add(v.ValidateTelegramToken(cfg.Telegram.BotToken))
	}
	if cfg.Server.Enabled {
		add(v.ValidatePort(cfg.Server.Port))
	}
	add(v.ValidateLogLevel(cfg.Logging.Level))

	return errs
}
