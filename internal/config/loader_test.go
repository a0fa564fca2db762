package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoaderLoad(t *testing.T) {
	t.Run("defaults when file is missing", func(t *testing.T) {
		dir := t.TempDir()
		cfg, err := NewLoader(filepath.Join(dir, "missing.json")).Load()
		require.NoError(t, err)

		assert.Equal(t, 500*time.Millisecond, cfg.Runtime.TickPeriod)
		assert.NotEmpty(t, cfg.DataDir)
	})

	t.Run("file overrides defaults", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "embodia.json")
		body := `{
			"data_dir": "` + filepath.ToSlash(dir) + `",
			"runtime": {"tick_period": "100ms", "adaptive": true},
			"fusion": {"channel_priority": ["vision"], "channel_stale_ticks": {"vision": 3}},
			"cognition": {"backend": "http", "endpoint": "http://localhost:9000/reason", "deadline": "750ms"},
			"dispatch": {"mode": "dependencies", "dependencies": {"speak": ["move"]}},
			"actuators": {"static": [{"id": "wheels", "kind": "move", "driver": "http", "endpoint": "http://robot/move"}]}
		}`
		require.NoError(t, os.WriteFile(path, []byte(body), 0644))

		cfg, err := NewLoader(path).Load()
		require.NoError(t, err)

		assert.Equal(t, 100*time.Millisecond, cfg.Runtime.TickPeriod)
		assert.True(t, cfg.Runtime.Adaptive)
		assert.Equal(t, 100*time.Millisecond, cfg.Runtime.MinPeriod)
		assert.Equal(t, []string{"vision"}, cfg.Fusion.ChannelPriority)
		assert.Equal(t, 3, cfg.Fusion.ChannelStale["vision"])
		assert.Equal(t, 750*time.Millisecond, cfg.Cognition.Deadline)
		assert.Equal(t, []string{"move"}, cfg.Dispatch.Dependencies["speak"])
		require.Len(t, cfg.Actuators.Static, 1)
		assert.Equal(t, "wheels", cfg.Actuators.Static[0].ID)

		assert.Equal(t, filepath.Join(filepath.ToSlash(dir), "diagnostics.db"), cfg.Journal.Path)
		assert.Equal(t, filepath.Join(filepath.ToSlash(dir), "actuators"), cfg.Actuators.ManifestDir)
		require.NoError(t, cfg.Validate())
	})

	t.Run("environment overrides file", func(t *testing.T) {
		dir := t.TempDir()
		t.Setenv("EMBODIA_COGNITION_API_KEY", "sk-ant-REDACTED")
		t.Setenv("EMBODIA_DATA_DIR", dir)

		cfg, err := NewLoader(filepath.Join(dir, "missing.json")).Load()
		require.NoError(t, err)
		assert.Equal(t, "sk-ant-REDACTED", cfg.Cognition.APIKey)
		assert.Equal(t, dir, cfg.DataDir)
	})

	t.Run("malformed file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.json")
		require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

		_, err := NewLoader(path).Load()
		assert.Error(t, err)
	})
}
