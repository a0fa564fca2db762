package cli

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/embodia/internal/journal"
	"github.com/harun/embodia/pkg/diag"
)

// seedJournal writes diagnostics into the journal of the config's data dir.
func seedJournal(t *testing.T, dataDir string, records ...diag.Diagnostic) {
	t.Helper()
	j, err := journal.Open(journal.Config{Path: filepath.Join(dataDir, "diagnostics.db"), Logger: zerolog.Nop()})
	require.NoError(t, err)
	for _, d := range records {
		j.Record(context.Background(), d)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, j.Flush(ctx))
	require.NoError(t, j.Close())
}

func TestDiagnosticsNoJournal(t *testing.T) {
	path, _ := writeConfig(t, nil)

	_, err := execute(t, "diagnostics", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no journal")
}

func TestDiagnosticsQuery(t *testing.T) {
	path, dataDir := writeConfig(t, nil)
	seedJournal(t, dataDir,
		diag.New(diag.KindTimeout, "reasoning deadline exceeded").WithTick(3).WithRequest(7),
		diag.New(diag.KindStaleChannel, "vision is 2s old").WithTick(3).WithChannel("vision"),
		diag.New(diag.KindActuatorExecution, "arm jammed").WithTick(4).WithActuator("arm-1"),
	)

	t.Run("table", func(t *testing.T) {
		out, err := execute(t, "diagnostics", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, out, "KIND")
		assert.Contains(t, out, "actuator:arm-1")
		assert.Contains(t, out, "channel:vision")
		assert.Contains(t, out, "request:7")
	})

	t.Run("filter by kind as json", func(t *testing.T) {
		out, err := execute(t, "diagnostics", "--config", path, "--kind", "timeout", "--json")
		require.NoError(t, err)

		lines := strings.Split(strings.TrimSpace(out), "\n")
		require.Len(t, lines, 1)
		var d diag.Diagnostic
		require.NoError(t, json.Unmarshal([]byte(lines[0]), &d))
		assert.Equal(t, diag.KindTimeout, d.Kind)
		assert.Equal(t, uint64(3), d.TickID)
	})

	t.Run("filter by tick", func(t *testing.T) {
		out, err := execute(t, "diagnostics", "--config", path, "--tick", "4")
		require.NoError(t, err)
		assert.Contains(t, out, "arm jammed")
		assert.NotContains(t, out, "vision")
	})

	t.Run("counts", func(t *testing.T) {
		out, err := execute(t, "diagnostics", "--config", path, "--counts")
		require.NoError(t, err)
		assert.Contains(t, out, "stale_channel")
		assert.Contains(t, out, "actuator_execution")
	})

	t.Run("ticks", func(t *testing.T) {
		out, err := execute(t, "diagnostics", "--config", path, "--ticks")
		require.NoError(t, err)
		assert.Contains(t, out, "DISPATCHED")
	})
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "-", subject(diag.New(diag.KindInternal, "x")))
	assert.Equal(t, "request:2", subject(diag.New(diag.KindBackend, "x").WithRequest(2)))
	assert.Equal(t, "action:a-1", subject(diag.New(diag.KindSchema, "x").WithAction("a-1").WithRequest(2)))
}
