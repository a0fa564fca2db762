// Package journal persists diagnostics and tick summaries to SQLite so they
// can be inspected after the runtime stops.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/harun/embodia/pkg/diag"
	"github.com/harun/embodia/pkg/runtime"
)

const defaultBuffer = 1024

// TickRow is the persisted summary of one tick.
type TickRow struct {
	TickID      uint64        `json:"tick_id"`
	RequestID   uint64        `json:"request_id"`
	Started     time.Time     `json:"started"`
	Duration    time.Duration `json:"duration"`
	Channels    int           `json:"channels"`
	Omitted     int           `json:"omitted"`
	Dispatched  int           `json:"dispatched"`
	Diagnostics int           `json:"diagnostics"`
	NoOp        bool          `json:"noop"`
}

// Query filters diagnostic lookups.
type Query struct {
	Kind   diag.Kind
	TickID uint64
	Since  time.Time
	Limit  int
}

// Config holds journal configuration.
type Config struct {
	Path   string
	Buffer int
	Logger zerolog.Logger
}

type entry struct {
	diag *diag.Diagnostic
	tick *TickRow
}

// Journal writes records asynchronously. Record and ObserveTick never block;
// when the buffer is full the record is dropped and counted.
type Journal struct {
	db     *sql.DB
	logger zerolog.Logger

	queue   chan entry
	pending atomic.Int64
	dropped atomic.Uint64

	closeOnce sync.Once
	done      chan struct{}
	stopped   chan struct{}
}

// Open opens or creates the journal database and starts the writer.
func Open(cfg Config) (*Journal, error) {
	if cfg.Path == "" {
		return nil, errors.New("journal path is required")
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultBuffer
	}
	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", cfg.Path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	j := &Journal{
		db:      db,
		logger:  cfg.Logger.With().Str("component", "journal").Logger(),
		queue:   make(chan entry, cfg.Buffer),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go j.writer()

	j.logger.Info().Str("path", cfg.Path).Msg("Journal opened")
	return j, nil
}

func initSchema(db *sql.DB) error {
	schema := `
		CREATE TABLE IF NOT EXISTS diagnostics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			recorded_at INTEGER NOT NULL,
			kind TEXT NOT NULL,
			tick_id INTEGER,
			request_id INTEGER,
			channel_id TEXT,
			action_id TEXT,
			actuator_id TEXT,
			cause TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_diagnostics_kind ON diagnostics(kind);
		CREATE INDEX IF NOT EXISTS idx_diagnostics_tick ON diagnostics(tick_id);

		CREATE TABLE IF NOT EXISTS ticks (
			tick_id INTEGER NOT NULL,
			request_id INTEGER,
			started_at INTEGER NOT NULL,
			duration_us INTEGER NOT NULL,
			channels INTEGER NOT NULL,
			omitted INTEGER NOT NULL,
			dispatched INTEGER NOT NULL,
			diagnostics INTEGER NOT NULL,
			noop INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_ticks_started ON ticks(started_at);
	`
	_, err := db.Exec(schema)
	return err
}

// Record implements diag.Sink.
func (j *Journal) Record(_ context.Context, d diag.Diagnostic) {
	j.enqueue(entry{diag: &d})
}

// ObserveTick is a runtime.Observer that persists the tick summary.
func (j *Journal) ObserveTick(r runtime.Report) {
	j.enqueue(entry{tick: &TickRow{
		TickID:      r.TickID,
		RequestID:   r.RequestID,
		Started:     r.Started,
		Duration:    r.Duration,
		Channels:    len(r.Channels),
		Omitted:     len(r.Omitted),
		Dispatched:  r.Dispatched(),
		Diagnostics: len(r.Diagnostics),
		NoOp:        r.NoOp,
	}})
}

func (j *Journal) enqueue(e entry) {
	select {
	case <-j.done:
		j.dropped.Add(1)
		return
	default:
	}
	j.pending.Add(1)
	select {
	case j.queue <- e:
	default:
		j.pending.Add(-1)
		j.dropped.Add(1)
	}
}

// Dropped returns how many records were discarded because the buffer was full
// or the journal was closed.
func (j *Journal) Dropped() uint64 { return j.dropped.Load() }

func (j *Journal) writer() {
	defer close(j.stopped)
	for {
		select {
		case e := <-j.queue:
			j.write(e)
		case <-j.done:
			for {
				select {
				case e := <-j.queue:
					j.write(e)
				default:
					return
				}
			}
		}
	}
}

func (j *Journal) write(e entry) {
	var err error
	switch {
	case e.diag != nil:
		err = j.insertDiagnostic(*e.diag)
	case e.tick != nil:
		err = j.insertTick(*e.tick)
	}
	j.pending.Add(-1)
	if err != nil {
		j.logger.Error().Err(err).Msg("Failed to write journal entry")
	}
}

func (j *Journal) insertDiagnostic(d diag.Diagnostic) error {
	_, err := j.db.Exec(`
		INSERT INTO diagnostics (recorded_at, kind, tick_id, request_id, channel_id, action_id, actuator_id, cause)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, d.Time.UnixNano(), string(d.Kind), int64(d.TickID), int64(d.RequestID), d.ChannelID, d.ActionID, d.ActuatorID, d.Cause)
	return err
}

func (j *Journal) insertTick(t TickRow) error {
	_, err := j.db.Exec(`
		INSERT INTO ticks (tick_id, request_id, started_at, duration_us, channels, omitted, dispatched, diagnostics, noop)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, int64(t.TickID), int64(t.RequestID), t.Started.UnixNano(), t.Duration.Microseconds(),
		t.Channels, t.Omitted, t.Dispatched, t.Diagnostics, t.NoOp)
	return err
}

// Flush waits until every queued record is written or ctx ends.
func (j *Journal) Flush(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for j.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Diagnostics returns diagnostics matching q, newest first.
func (j *Journal) Diagnostics(ctx context.Context, q Query) ([]diag.Diagnostic, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}

	stmt := `SELECT recorded_at, kind, tick_id, request_id, channel_id, action_id, actuator_id, cause
		FROM diagnostics WHERE 1=1`
	var args []interface{}
	if q.Kind != "" {
		stmt += " AND kind = ?"
		args = append(args, string(q.Kind))
	}
	if q.TickID > 0 {
		stmt += " AND tick_id = ?"
		args = append(args, int64(q.TickID))
	}
	if !q.Since.IsZero() {
		stmt += " AND recorded_at >= ?"
		args = append(args, q.Since.UnixNano())
	}
	stmt += " ORDER BY recorded_at DESC, id DESC LIMIT ?"
	args = append(args, q.Limit)

	rows, err := j.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query diagnostics: %w", err)
	}
	defer rows.Close()

	var out []diag.Diagnostic
	for rows.Next() {
		var (
			d              diag.Diagnostic
			at             int64
			kind           string
			tickID, reqID  int64
			channel, actID sql.NullString
			actuatorID     sql.NullString
		)
		if err := rows.Scan(&at, &kind, &tickID, &reqID, &channel, &actID, &actuatorID, &d.Cause); err != nil {
			return nil, fmt.Errorf("failed to scan diagnostic: %w", err)
		}
		d.Time = time.Unix(0, at)
		d.Kind = diag.Kind(kind)
		d.TickID = uint64(tickID)
		d.RequestID = uint64(reqID)
		d.ChannelID = channel.String
		d.ActionID = actID.String
		d.ActuatorID = actuatorID.String
		out = append(out, d)
	}
	return out, rows.Err()
}

// Ticks returns the most recent tick summaries, newest first.
func (j *Journal) Ticks(ctx context.Context, limit int) ([]TickRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT tick_id, request_id, started_at, duration_us, channels, omitted, dispatched, diagnostics, noop
		FROM ticks ORDER BY started_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query ticks: %w", err)
	}
	defer rows.Close()

	var out []TickRow
	for rows.Next() {
		var (
			t              TickRow
			tickID, reqID  int64
			started, durUS int64
		)
		if err := rows.Scan(&tickID, &reqID, &started, &durUS, &t.Channels, &t.Omitted, &t.Dispatched, &t.Diagnostics, &t.NoOp); err != nil {
			return nil, fmt.Errorf("failed to scan tick: %w", err)
		}
		t.TickID = uint64(tickID)
		t.RequestID = uint64(reqID)
		t.Started = time.Unix(0, started)
		t.Duration = time.Duration(durUS) * time.Microsecond
		out = append(out, t)
	}
	return out, rows.Err()
}

// Counts returns the number of diagnostics recorded per kind.
func (j *Journal) Counts(ctx context.Context) (map[diag.Kind]int, error) {
	rows, err := j.db.QueryContext(ctx, "SELECT kind, COUNT(*) FROM diagnostics GROUP BY kind")
	if err != nil {
		return nil, fmt.Errorf("failed to count diagnostics: %w", err)
	}
	defer rows.Close()

	out := make(map[diag.Kind]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		out[diag.Kind(kind)] = n
	}
	return out, rows.Err()
}

// Prune deletes diagnostics and ticks recorded before cutoff.
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx, "DELETE FROM diagnostics WHERE recorded_at < ?", cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to prune diagnostics: %w", err)
	}
	if _, err := j.db.ExecContext(ctx, "DELETE FROM ticks WHERE started_at < ?", cutoff.UnixNano()); err != nil {
		return 0, fmt.Errorf("failed to prune ticks: %w", err)
	}
	return res.RowsAffected()
}

// Close flushes pending records and closes the database.
func (j *Journal) Close() error {
	var err error
	j.closeOnce.Do(func() {
		close(j.done)
		<-j.stopped
		err = j.db.Close()
	})
	return err
}
