package daemon

import (
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLifecycle(t *testing.T) *LifecycleManager {
	t.Helper()
	cfg := testConfig(t)
	cfg.Journal.Enabled = false

	var calls atomic.Int32
	d, err := New(cfg, testLogger(t), WithBackend(replyBackend(&calls, speakReply)))
	require.NoError(t, err)
	return NewLifecycleManager(d)
}

func TestNewLifecycleManager(t *testing.T) {
	lm := newTestLifecycle(t)
	assert.Equal(t, filepath.Join(lm.daemon.config.DataDir, "embodia.pid"), lm.PIDFile())
}

func TestLifecycleManagerStartStop(t *testing.T) {
	lm := newTestLifecycle(t)

	require.NoError(t, lm.Start())
	pid, err := ReadPID(lm.PIDFile())
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	require.NoError(t, lm.Stop())
	assert.NoFileExists(t, lm.PIDFile())

	// Stopping twice is harmless.
	require.NoError(t, lm.Stop())
}

func TestLifecycleManagerStaleFile(t *testing.T) {
	lm := newTestLifecycle(t)

	// A PID that cannot belong to a live process.
	require.NoError(t, os.WriteFile(lm.PIDFile(), []byte("-5"), 0o644))
	require.NoError(t, lm.Start())
	t.Cleanup(func() { _ = lm.Stop() })

	pid, err := ReadPID(lm.PIDFile())
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestLifecycleManagerRefusesLiveOwner(t *testing.T) {
	lm := newTestLifecycle(t)

	// The parent of the test binary is alive for the duration of the test.
	require.NoError(t, os.WriteFile(lm.PIDFile(), []byte(strconv.Itoa(os.Getppid())), 0o644))
	err := lm.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}

func TestReadPID(t *testing.T) {
	dir := t.TempDir()

	_, err := ReadPID(filepath.Join(dir, "missing.pid"))
	assert.True(t, os.IsNotExist(err))

	bad := filepath.Join(dir, "bad.pid")
	require.NoError(t, os.WriteFile(bad, []byte("not-a-pid"), 0o644))
	_, err = ReadPID(bad)
	assert.Error(t, err)

	good := filepath.Join(dir, "good.pid")
	require.NoError(t, os.WriteFile(good, []byte("42\n"), 0o644))
	pid, err := ReadPID(good)
	require.NoError(t, err)
	assert.Equal(t, 42, pid)
}

func TestProcessAlive(t *testing.T) {
	assert.True(t, ProcessAlive(os.Getpid()))
	assert.False(t, ProcessAlive(0))
	assert.False(t, ProcessAlive(-1))
}
