package lanes

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/embodia/internal/observability"
	"github.com/harun/embodia/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var (
	// ErrLaneReset is delivered to tasks discarded by Reset.
	ErrLaneReset = errors.New("lane reset")
	// ErrClosed is delivered to tasks submitted to, or queued in, a closed Lanes.
	ErrClosed = errors.New("lanes closed")
)

// Task is one unit of work in a lane.
type Task func(ctx context.Context) error

// Result is the outcome of a task.
type Result struct {
	Err    error
	Waited time.Duration
	Ran    time.Duration
}

// Event types.
const (
	EventEnqueued  = "enqueued"
	EventCompleted = "completed"
)

// Event is emitted when a task is enqueued or completes.
type Event struct {
	Type   string
	Lane   string
	TaskID string
	Err    error
}

// EventHandler handles lane events. Handlers run synchronously.
type EventHandler func(Event)

// Stats is a point-in-time view of a lane.
type Stats struct {
	Queued  int
	Running bool
}

type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	generation int
	enqueuedAt time.Time
	result     chan Result
}

type laneState struct {
	mu         sync.Mutex
	generation int
	queue      []*taskRecord
	running    bool
}

// Lanes is a set of FIFO lanes keyed by string.
type Lanes struct {
	logger zerolog.Logger

	mu     sync.RWMutex
	lanes  map[string]*laneState
	seq    uint64
	closed atomic.Bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	eventMu  sync.RWMutex
	handlers map[string][]EventHandler
}

// New creates an empty set of lanes.
func New(logger zerolog.Logger) *Lanes {
	observability.EnsureRegistered()
	ctx, cancel := context.WithCancel(context.Background())
	return &Lanes{
		logger:   logger.With().Str("component", "lanes").Logger(),
		lanes:    make(map[string]*laneState),
		ctx:      ctx,
		cancel:   cancel,
		handlers: make(map[string][]EventHandler),
	}
}

// Submit queues task on lane key and returns immediately. The task runs with
// ctx, which is also cancelled when the Lanes is closed. The channel receives
// exactly one Result.
func (l *Lanes) Submit(ctx context.Context, key string, task Task) <-chan Result {
	if ctx == nil {
		ctx = context.Background()
	}
	result := make(chan Result, 1)

	l.mu.Lock()
	if l.closed.Load() {
		l.mu.Unlock()
		result <- Result{Err: ErrClosed}
		return result
	}
	ls, ok := l.lanes[key]
	if !ok {
		ls = &laneState{}
		l.lanes[key] = ls
	}
	l.seq++
	id := fmt.Sprintf("%s-%d", key, l.seq)
	l.mu.Unlock()

	ls.mu.Lock()
	rec := &taskRecord{
		id:         id,
		task:       task,
		ctx:        ctx,
		generation: ls.generation,
		enqueuedAt: time.Now(),
		result:     result,
	}
	ls.queue = append(ls.queue, rec)
	queued := len(ls.queue)
	ls.mu.Unlock()

	logger := tracing.LoggerFromContext(ctx, l.logger)
	logger.Debug().
		Str("lane", key).
		Str("task_id", id).
		Int("queued", queued).
		Msg("Task enqueued")
	observability.RecordQueueEnqueue(key, queued)
	l.emit(Event{Type: EventEnqueued, Lane: key, TaskID: id})

	l.process(key, ls)
	return result
}

// process starts the next task of a lane if none is running.
func (l *Lanes) process(key string, ls *laneState) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	for !ls.running && len(ls.queue) > 0 {
		rec := ls.queue[0]
		ls.queue = ls.queue[1:]

		if l.closed.Load() {
			rec.result <- Result{Err: ErrClosed}
			continue
		}
		if rec.generation != ls.generation {
			rec.result <- Result{Err: ErrLaneReset}
			continue
		}

		ls.running = true
		l.wg.Add(1)
		go l.execute(key, ls, rec)
	}
}

func (l *Lanes) execute(key string, ls *laneState, rec *taskRecord) {
	defer l.wg.Done()

	ctx, span := tracing.StartSpan(rec.ctx, "embodia.lanes", "lanes.execute",
		attribute.String("lane", key),
		attribute.String("task_id", rec.id),
	)
	defer span.End()

	runCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(l.ctx, cancel)

	start := time.Now()
	err := l.run(runCtx, rec.task)
	ran := time.Since(start)

	stop()
	cancel()

	ls.mu.Lock()
	ls.running = false
	queued := len(ls.queue)
	ls.mu.Unlock()

	rec.result <- Result{Err: err, Waited: start.Sub(rec.enqueuedAt), Ran: ran}

	logger := tracing.LoggerFromContext(ctx, l.logger)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Debug().Str("lane", key).Str("task_id", rec.id).Dur("duration", ran).Err(err).Msg("Task failed")
	} else {
		logger.Debug().Str("lane", key).Str("task_id", rec.id).Dur("duration", ran).Msg("Task completed")
	}

	observability.RecordQueueCompletion(key, ran, err == nil, queued)
	l.emit(Event{Type: EventCompleted, Lane: key, TaskID: rec.id, Err: err})

	l.process(key, ls)
}

func (l *Lanes) run(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task(ctx)
}

// Reset discards every queued task of a lane with ErrLaneReset.
func (l *Lanes) Reset(key string) int {
	l.mu.RLock()
	ls, ok := l.lanes[key]
	l.mu.RUnlock()
	if !ok {
		return 0
	}

	ls.mu.Lock()
	ls.generation++
	dropped := ls.queue
	ls.queue = nil
	ls.mu.Unlock()

	for _, rec := range dropped {
		rec.result <- Result{Err: ErrLaneReset}
	}

	l.logger.Info().Str("lane", key).Int("dropped", len(dropped)).Msg("Lane reset")
	observability.SetQueueSize(key, 0)
	return len(dropped)
}

// Stats returns a snapshot of every lane.
func (l *Lanes) Stats() map[string]Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[string]Stats, len(l.lanes))
	for key, ls := range l.lanes {
		ls.mu.Lock()
		out[key] = Stats{Queued: len(ls.queue), Running: ls.running}
		ls.mu.Unlock()
	}
	return out
}

// Busy reports whether a lane has a running or queued task.
func (l *Lanes) Busy(key string) bool {
	l.mu.RLock()
	ls, ok := l.lanes[key]
	l.mu.RUnlock()
	if !ok {
		return false
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.running || len(ls.queue) > 0
}

// WaitIdle waits until no lane has running or queued work.
func (l *Lanes) WaitIdle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		idle := true
		for _, s := range l.Stats() {
			if s.Running || s.Queued > 0 {
				idle = false
				break
			}
		}
		if idle {
			return true
		}
		if time.Now().After(deadline) {
			l.logger.Warn().Dur("timeout", timeout).Msg("Timeout waiting for lanes to drain")
			return false
		}
		<-ticker.C
	}
}

// Close rejects queued work, cancels running tasks and waits for them.
func (l *Lanes) Close() error {
	l.mu.Lock()
	if l.closed.Load() {
		l.mu.Unlock()
		return nil
	}
	l.closed.Store(true)
	lanes := make([]*laneState, 0, len(l.lanes))
	for _, ls := range l.lanes {
		lanes = append(lanes, ls)
	}
	l.mu.Unlock()

	for _, ls := range lanes {
		ls.mu.Lock()
		ls.generation++
		dropped := ls.queue
		ls.queue = nil
		ls.mu.Unlock()
		for _, rec := range dropped {
			rec.result <- Result{Err: ErrClosed}
		}
	}

	l.cancel()
	l.wg.Wait()
	return nil
}

// On registers an event handler for an event type.
func (l *Lanes) On(eventType string, handler EventHandler) {
	l.eventMu.Lock()
	defer l.eventMu.Unlock()
	l.handlers[eventType] = append(l.handlers[eventType], handler)
}

func (l *Lanes) emit(e Event) {
	l.eventMu.RLock()
	handlers := l.handlers[e.Type]
	l.eventMu.RUnlock()

	for _, h := range handlers {
		h(e)
	}
}
