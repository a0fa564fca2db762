package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("file output", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "logs", "embodia.log")

		l, err := New(Config{Level: "debug", File: logFile})
		require.NoError(t, err)

		zl := l.Zerolog()
		zl.Info().Msg("tick complete")
		require.NoError(t, l.Close())

		content, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Contains(t, string(content), "tick complete")
	})

	t.Run("invalid level falls back to info", func(t *testing.T) {
		l, err := New(Config{Level: "loud"})
		require.NoError(t, err)
		defer l.Close()

		assert.Equal(t, zerolog.InfoLevel, l.Zerolog().GetLevel())
	})
}

func TestConsoleRedactionAndService(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewWithWriter(Config{Level: "info", Console: true, Redaction: true, Service: "embodia"}, &buf)
	require.NoError(t, err)
	defer l.Close()

	cl := l.Component("cognition")
	cl.Info().Str("key", "sk-abcdefghijklmnopqrstuvwxyz123").Msg("backend ready")

	out := buf.String()
	assert.Contains(t, out, `"service":"embodia"`)
	assert.Contains(t, out, `"component":"cognition"`)
	assert.NotContains(t, out, "abcdefghijklmnop")
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.Level)
	assert.True(t, cfg.Console)
	assert.True(t, cfg.Redaction)
	assert.Equal(t, "embodia", cfg.Service)
}
