package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/harun/embodia/pkg/diag"
	"github.com/harun/embodia/pkg/fusion"
	"github.com/harun/embodia/pkg/runtime"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
	)
}

func openJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(Config{Path: filepath.Join(t.TempDir(), "data", "journal.db"), Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func flush(t *testing.T, j *Journal) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, j.Flush(ctx))
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}

func TestRecordAndQueryDiagnostics(t *testing.T) {
	j := openJournal(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Minute)

	d1 := diag.New(diag.KindStaleChannel, "vision stale").WithTick(1).WithChannel("vision")
	d1.Time = base
	d2 := diag.New(diag.KindTimeout, "reasoning timed out").WithTick(2).WithRequest(7)
	d2.Time = base.Add(time.Second)
	d3 := diag.New(diag.KindActuatorTimeout, "motor slow").WithTick(2).WithAction("a1").WithActuator("motor")
	d3.Time = base.Add(2 * time.Second)

	for _, d := range []diag.Diagnostic{d1, d2, d3} {
		j.Record(ctx, d)
	}
	flush(t, j)

	all, err := j.Diagnostics(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, diag.KindActuatorTimeout, all[0].Kind)
	assert.Equal(t, "motor", all[0].ActuatorID)
	assert.Equal(t, "a1", all[0].ActionID)
	assert.Equal(t, "vision", all[2].ChannelID)
	assert.True(t, all[2].Time.Equal(base))

	byKind, err := j.Diagnostics(ctx, Query{Kind: diag.KindTimeout})
	require.NoError(t, err)
	require.Len(t, byKind, 1)
	assert.Equal(t, uint64(7), byKind[0].RequestID)

	byTick, err := j.Diagnostics(ctx, Query{TickID: 2, Limit: 1})
	require.NoError(t, err)
	require.Len(t, byTick, 1)
	assert.Equal(t, diag.KindActuatorTimeout, byTick[0].Kind)

	since, err := j.Diagnostics(ctx, Query{Since: base.Add(500 * time.Millisecond)})
	require.NoError(t, err)
	assert.Len(t, since, 2)

	counts, err := j.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[diag.Kind]int{
		diag.KindStaleChannel:    1,
		diag.KindTimeout:         1,
		diag.KindActuatorTimeout: 1,
	}, counts)
}

func TestObserveTick(t *testing.T) {
	j := openJournal(t)
	started := time.Now()

	j.ObserveTick(runtime.Report{
		TickID:      4,
		RequestID:   4,
		Started:     started,
		Duration:    12 * time.Millisecond,
		Channels:    []string{"text", "audio"},
		Omitted:     []fusion.Omission{{ChannelID: "vision", Reason: fusion.OmitStale}},
		Diagnostics: []diag.Diagnostic{diag.New(diag.KindStaleChannel, "x")},
		NoOp:        true,
	})
	flush(t, j)

	ticks, err := j.Ticks(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, ticks, 1)
	assert.Equal(t, uint64(4), ticks[0].TickID)
	assert.Equal(t, 2, ticks[0].Channels)
	assert.Equal(t, 1, ticks[0].Omitted)
	assert.Equal(t, 1, ticks[0].Diagnostics)
	assert.Equal(t, 12*time.Millisecond, ticks[0].Duration)
	assert.True(t, ticks[0].NoOp)
}

func TestPrune(t *testing.T) {
	j := openJournal(t)
	ctx := context.Background()

	old := diag.New(diag.KindInternal, "old")
	old.Time = time.Now().Add(-48 * time.Hour)
	j.Record(ctx, old)
	j.Record(ctx, diag.New(diag.KindInternal, "new"))
	flush(t, j)

	n, err := j.Prune(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	left, err := j.Diagnostics(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "new", left[0].Cause)
}

func TestRecordAfterCloseIsDropped(t *testing.T) {
	j, err := Open(Config{Path: filepath.Join(t.TempDir(), "journal.db"), Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.NoError(t, j.Close())
	require.NoError(t, j.Close())

	j.Record(context.Background(), diag.New(diag.KindInternal, "late"))
	assert.Equal(t, uint64(1), j.Dropped())
}

func TestReopenKeepsRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(Config{Path: path, Logger: zerolog.Nop()})
	require.NoError(t, err)
	j.Record(context.Background(), diag.New(diag.KindSchema, "bad json"))
	require.NoError(t, j.Close())

	j, err = Open(Config{Path: path, Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer j.Close()

	got, err := j.Diagnostics(context.Background(), Query{Kind: diag.KindSchema})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "bad json", got[0].Cause)
}
