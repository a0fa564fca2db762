package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load reads the config file, overlays EMBODIA_* environment variables and
// fills derived paths. A missing file yields the defaults.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()

	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix("EMBODIA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Env overlay only applies to keys viper knows about.
	for _, key := range []string{
		"cognition.backend", "cognition.model", "cognition.api_key", "cognition.base_url",
		"cognition.endpoint", "telegram.bot_token", "logging.level", "data_dir",
		"server.port", "server.host", "server.shared_secret",
	} {
		_ = v.BindEnv(key)
	}

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
	}

	// ZeroFields replaces default slices instead of overlaying them by index.
	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg, func(dc *mapstructure.DecoderConfig) { dc.ZeroFields = true }); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".embodia")
	}
	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "embodia.log")
	}
	if cfg.Logging.AuditFile == "" {
		cfg.Logging.AuditFile = filepath.Join(cfg.DataDir, "audit.log")
	}
	if cfg.Journal.Path == "" {
		cfg.Journal.Path = filepath.Join(cfg.DataDir, "diagnostics.db")
	}
	if cfg.Actuators.ManifestDir == "" {
		cfg.Actuators.ManifestDir = filepath.Join(cfg.DataDir, "actuators")
	}

	return cfg, nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".embodia", "embodia.json")
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}
