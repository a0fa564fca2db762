package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateAPIKey(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateAPIKey("sk-ant-abc", "anthropic"))
	assert.Error(t, v.ValidateAPIKey("sk-abc", "anthropic"))
	assert.NoError(t, v.ValidateAPIKey("sk-abc", "openai"))
	assert.Error(t, v.ValidateAPIKey("AIza123", "openai"))
	assert.NoError(t, v.ValidateAPIKey("AIza123", "gemini"))
	assert.Error(t, v.ValidateAPIKey("", "gemini"))
}

func TestValidateTelegramToken(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateTelegramToken("123456789:ABCdef_GHI-jkl"))
	assert.Error(t, v.ValidateTelegramToken("not-a-token"))
	assert.Error(t, v.ValidateTelegramToken(""))
}

func TestValidateIdentifier(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateIdentifier("channel", "audio_transcript"))
	assert.NoError(t, v.ValidateIdentifier("channel", "cam.front-1"))
	assert.Error(t, v.ValidateIdentifier("channel", "Vision"))
	assert.Error(t, v.ValidateIdentifier("channel", ""))
}

func TestValidateConfigCollectsEverything(t *testing.T) {
	cfg := validConfig()
	cfg.Dispatch.Mode = "parallel"
	cfg.Dispatch.Dependencies = map[string][]string{"move": {"move"}}
	cfg.Actuators.Static = append(cfg.Actuators.Static, ActuatorConfig{ID: "arm", Kind: "grip", Driver: "http"})
	cfg.Logging.Level = "chatty"
	cfg.Fusion.ChannelStale = map[string]int{"vision": 0}

	errs := NewValidator().ValidateConfig(cfg)
	assert.Len(t, errs, 5)
}

func TestValidateConfigDefaultsAreClean(t *testing.T) {
	assert.Empty(t, NewValidator().ValidateConfig(validConfig()))
}
