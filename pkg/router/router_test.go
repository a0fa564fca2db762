package router

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/harun/embodia/pkg/action"
	"github.com/harun/embodia/pkg/actuator"
	"github.com/harun/embodia/pkg/diag"
	"github.com/harun/embodia/pkg/lanes"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type execFn func(ctx context.Context, actionID string, params action.Params, deadline time.Time) error

func register(t *testing.T, reg *actuator.Registry, id, kind string, fn execFn) {
	t.Helper()
	require.NoError(t, reg.Register(actuator.Registration{
		Adapter: &actuator.FuncAdapter{AdapterID: id, AdapterKind: kind, Fn: fn},
		Source:  "test",
	}))
}

func newRouter(t *testing.T, reg *actuator.Registry, opts Options) (*Router, *diag.Collector) {
	t.Helper()
	collector := diag.NewCollector()
	opts.Diagnostics = collector
	opts.Logger = zerolog.Nop()
	r := New(reg, opts)
	t.Cleanup(func() { _ = r.Close() })
	return r, collector
}

func cand(kind string, priority, index int, params action.Params) action.Candidate {
	return action.Candidate{Kind: kind, Params: params, Priority: priority, Index: index}
}

func waitAll(t *testing.T, results []DispatchResult) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, res := range results {
		if res.Ticket != nil {
			_, err := res.Ticket.Wait(ctx)
			require.NoError(t, ctx.Err(), "ticket did not resolve: %v", err)
		}
	}
}

func TestRouteTwoMotorCandidatesKeepsHighestPriority(t *testing.T) {
	reg := actuator.NewRegistry(zerolog.Nop())
	var mu sync.Mutex
	var got []action.Params
	register(t, reg, "motor-1", "motor", func(_ context.Context, _ string, p action.Params, _ time.Time) error {
		mu.Lock()
		got = append(got, p)
		mu.Unlock()
		return nil
	})
	r, collector := newRouter(t, reg, Options{})

	results := r.Route(context.Background(), Tick{ID: 1, Deadline: time.Second}, []action.Candidate{
		cand("motor", 5, 0, action.Generic{ActionKind: "motor", Values: map[string]any{"speed": 1}}),
		cand("motor", 9, 1, action.Generic{ActionKind: "motor", Values: map[string]any{"speed": 9}}),
	})
	waitAll(t, results)

	require.Len(t, results, 2)
	assert.Equal(t, StatusDropped, results[0].Status)
	assert.Equal(t, StatusDispatched, results[1].Status)

	dispatched, ok := results[1].Action()
	require.True(t, ok)
	assert.Equal(t, 9, dispatched.Priority)
	assert.Equal(t, "motor-1", dispatched.ActuatorID)
	assert.NotEmpty(t, dispatched.ActionID)

	status, err := results[1].Ticket.Status()
	assert.Equal(t, StatusSucceeded, status)
	assert.NoError(t, err)

	mu.Lock()
	assert.Equal(t, []action.Params{action.Generic{ActionKind: "motor", Values: map[string]any{"speed": 9}}}, got)
	mu.Unlock()

	items := collector.Items()
	require.Len(t, items, 1)
	assert.Equal(t, diag.KindActuatorConflict, items[0].Kind)
	assert.Equal(t, "motor-1", items[0].ActuatorID)
	assert.Equal(t, uint64(1), items[0].TickID)

	var conflict *diag.ActuatorConflictError
	require.ErrorAs(t, results[0].Err, &conflict)
	assert.Equal(t, 9, conflict.WinnerPriority)
	assert.Equal(t, 1, conflict.WinnerIndex)
}

func TestRouteTieKeepsEarliest(t *testing.T) {
	reg := actuator.NewRegistry(zerolog.Nop())
	register(t, reg, "wheels", "move", nil)
	r, _ := newRouter(t, reg, Options{})

	results := r.Route(context.Background(), Tick{ID: 1}, []action.Candidate{
		cand("move", 3, 0, action.Move{Direction: "left"}),
		cand("move", 3, 1, action.Move{Direction: "right"}),
		cand("move", 1, 2, action.Move{Direction: "back"}),
	})
	waitAll(t, results)

	assert.Equal(t, StatusDispatched, results[0].Status)
	assert.Equal(t, StatusDropped, results[1].Status)
	assert.Equal(t, StatusDropped, results[2].Status)
}

func TestRouteUnknownKindDoesNotBlockOthers(t *testing.T) {
	reg := actuator.NewRegistry(zerolog.Nop())
	var calls atomic.Int32
	register(t, reg, "voice", "speak", func(context.Context, string, action.Params, time.Time) error {
		calls.Add(1)
		return nil
	})
	r, collector := newRouter(t, reg, Options{})

	results := r.Route(context.Background(), Tick{ID: 4}, []action.Candidate{
		cand("fly", 1, 0, action.Generic{ActionKind: "fly"}),
		cand("speak", 0, 1, action.Speak{Text: "hello"}),
	})
	waitAll(t, results)

	assert.Equal(t, StatusRejected, results[0].Status)
	var unknown *diag.UnknownCapabilityError
	require.ErrorAs(t, results[0].Err, &unknown)
	assert.Equal(t, StatusDispatched, results[1].Status)
	assert.Equal(t, int32(1), calls.Load())

	items := collector.Items()
	require.Len(t, items, 1)
	assert.Equal(t, diag.KindUnknownCapability, items[0].Kind)
}

func TestRouteRejectsInvalidParameters(t *testing.T) {
	reg := actuator.NewRegistry(zerolog.Nop())
	require.NoError(t, reg.Register(actuator.Registration{
		Adapter: &actuator.FuncAdapter{AdapterID: "wheels", AdapterKind: "move"},
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"speed": map[string]interface{}{"type": "number", "maximum": 1},
			},
		},
	}))
	r, _ := newRouter(t, reg, Options{})

	results := r.Route(context.Background(), Tick{ID: 1}, []action.Candidate{
		cand("move", 0, 0, action.Move{Direction: "left", Speed: 5}),
	})
	assert.Equal(t, StatusRejected, results[0].Status)
	assert.Equal(t, diag.KindInvalidParameters, diag.KindOf(results[0].Err))
}

func TestRouteSerialisesPerActuatorAcrossTicks(t *testing.T) {
	reg := actuator.NewRegistry(zerolog.Nop())
	var running, maxRunning atomic.Int32
	register(t, reg, "arm", "grip", func(context.Context, string, action.Params, time.Time) error {
		n := running.Add(1)
		for {
			m := maxRunning.Load()
			if n <= m || maxRunning.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return nil
	})
	r, _ := newRouter(t, reg, Options{})

	first := r.Route(context.Background(), Tick{ID: 1, Deadline: time.Second}, []action.Candidate{cand("grip", 0, 0, action.Generic{ActionKind: "grip"})})
	second := r.Route(context.Background(), Tick{ID: 2, Deadline: time.Second}, []action.Candidate{cand("grip", 0, 0, action.Generic{ActionKind: "grip"})})
	waitAll(t, append(first, second...))

	assert.Equal(t, int32(1), maxRunning.Load())
	s1, _ := first[0].Ticket.Status()
	s2, _ := second[0].Ticket.Status()
	assert.Equal(t, StatusSucceeded, s1)
	assert.Equal(t, StatusSucceeded, s2)
}

func TestRouteDistinctActuatorsRunConcurrently(t *testing.T) {
	reg := actuator.NewRegistry(zerolog.Nop())
	var barrier sync.WaitGroup
	barrier.Add(2)
	meet := func(ctx context.Context, _ string, _ action.Params, _ time.Time) error {
		barrier.Done()
		done := make(chan struct{})
		go func() {
			barrier.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	register(t, reg, "voice", "speak", meet)
	register(t, reg, "wheels", "move", meet)
	r, _ := newRouter(t, reg, Options{})

	results := r.Route(context.Background(), Tick{ID: 1, Deadline: time.Second}, []action.Candidate{
		cand("speak", 0, 0, action.Speak{Text: "hi"}),
		cand("move", 0, 1, action.Move{Direction: "left"}),
	})
	waitAll(t, results)

	for _, res := range results {
		status, _ := res.Ticket.Status()
		assert.Equal(t, StatusSucceeded, status)
	}
}

func TestRouteTimeoutIsNotRetried(t *testing.T) {
	reg := actuator.NewRegistry(zerolog.Nop())
	var calls atomic.Int32
	register(t, reg, "slow", "move", func(ctx context.Context, _ string, _ action.Params, _ time.Time) error {
		calls.Add(1)
		<-ctx.Done()
		return ctx.Err()
	})
	r, collector := newRouter(t, reg, Options{MaxAttempts: 3})

	results := r.Route(context.Background(), Tick{ID: 2, Deadline: 20 * time.Millisecond}, []action.Candidate{
		cand("move", 0, 0, action.Move{Direction: "left"}),
	})
	waitAll(t, results)

	status, err := results[0].Ticket.Status()
	assert.Equal(t, StatusTimedOut, status)
	assert.Equal(t, diag.KindActuatorTimeout, diag.KindOf(err))
	assert.Equal(t, 1, results[0].Ticket.Attempts())
	assert.Equal(t, int32(1), calls.Load())

	require.True(t, r.Wait(time.Second))
	items := collector.Items()
	require.Len(t, items, 1)
	assert.Equal(t, diag.KindActuatorTimeout, items[0].Kind)
	assert.Equal(t, "slow", items[0].ActuatorID)
	assert.NotEmpty(t, items[0].ActionID)
}

func TestRouteRetriesFailuresUpToMaxAttempts(t *testing.T) {
	reg := actuator.NewRegistry(zerolog.Nop())
	var calls atomic.Int32
	register(t, reg, "flaky", "speak", func(context.Context, string, action.Params, time.Time) error {
		if calls.Add(1) < 3 {
			return errors.New("amplifier busy")
		}
		return nil
	})
	register(t, reg, "broken", "display", func(context.Context, string, action.Params, time.Time) error {
		return errors.New("screen cracked")
	})
	r, collector := newRouter(t, reg, Options{MaxAttempts: 3})

	results := r.Route(context.Background(), Tick{ID: 1, Deadline: time.Second}, []action.Candidate{
		cand("speak", 0, 0, action.Speak{Text: "hi"}),
		cand("display", 0, 1, action.Display{Expression: "smile"}),
	})
	waitAll(t, results)
	require.True(t, r.Wait(time.Second))

	status, _ := results[0].Ticket.Status()
	assert.Equal(t, StatusSucceeded, status)
	assert.Equal(t, 3, results[0].Ticket.Attempts())
	dispatched, ok := results[0].Action()
	require.True(t, ok)
	assert.Equal(t, 3, dispatched.Attempts)

	status, err := results[1].Ticket.Status()
	assert.Equal(t, StatusFailed, status)
	assert.ErrorContains(t, err, "screen cracked")
	assert.Equal(t, 3, results[1].Ticket.Attempts())

	items := collector.Items()
	require.Len(t, items, 1)
	assert.Equal(t, diag.KindActuatorExecution, items[0].Kind)
}

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) adapter(name string, delay time.Duration) execFn {
	return func(context.Context, string, action.Params, time.Time) error {
		r.add(name + ":start")
		time.Sleep(delay)
		r.add(name + ":done")
		return nil
	}
}

func TestRouteSequentialMode(t *testing.T) {
	reg := actuator.NewRegistry(zerolog.Nop())
	rec := &recorder{}
	register(t, reg, "wheels", "move", rec.adapter("move", 30*time.Millisecond))
	register(t, reg, "voice", "speak", rec.adapter("speak", 0))
	r, _ := newRouter(t, reg, Options{Mode: ModeSequential})

	results := r.Route(context.Background(), Tick{ID: 1, Deadline: time.Second}, []action.Candidate{
		cand("move", 0, 0, action.Move{Direction: "left"}),
		cand("speak", 0, 1, action.Speak{Text: "done turning"}),
	})
	waitAll(t, results)

	assert.Equal(t, []string{"move:start", "move:done", "speak:start", "speak:done"}, rec.list())
}

func TestRouteDependenciesMode(t *testing.T) {
	reg := actuator.NewRegistry(zerolog.Nop())
	rec := &recorder{}
	register(t, reg, "wheels", "move", rec.adapter("move", 50*time.Millisecond))
	register(t, reg, "face", "display", rec.adapter("display", 0))
	register(t, reg, "voice", "speak", rec.adapter("speak", 0))
	r, _ := newRouter(t, reg, Options{
		Mode:         ModeDependencies,
		Dependencies: map[string][]string{"speak": {"Move"}},
	})

	results := r.Route(context.Background(), Tick{ID: 1, Deadline: time.Second}, []action.Candidate{
		cand("move", 0, 0, action.Move{Direction: "left"}),
		cand("display", 0, 1, action.Display{Expression: "smile"}),
		cand("speak", 0, 2, action.Speak{Text: "arrived"}),
	})
	waitAll(t, results)

	events := rec.list()
	index := func(e string) int {
		for i, v := range events {
			if v == e {
				return i
			}
		}
		return -1
	}
	assert.Less(t, index("display:done"), index("move:done"))
	assert.Less(t, index("move:done"), index("speak:start"))
}

func indexOf(events []string, e string) int {
	for i, v := range events {
		if v == e {
			return i
		}
	}
	return -1
}

func TestRouteDependenciesWaitForLaterPrerequisite(t *testing.T) {
	reg := actuator.NewRegistry(zerolog.Nop())
	rec := &recorder{}
	register(t, reg, "wheels", "move", rec.adapter("move", 50*time.Millisecond))
	register(t, reg, "voice", "speak", rec.adapter("speak", 0))
	r, _ := newRouter(t, reg, Options{
		Mode:         ModeDependencies,
		Dependencies: map[string][]string{"speak": {"move"}},
	})

	results := r.Route(context.Background(), Tick{ID: 1, Deadline: time.Second}, []action.Candidate{
		cand("speak", 0, 0, action.Speak{Text: "arrived"}),
		cand("move", 0, 1, action.Move{Direction: "left"}),
	})
	waitAll(t, results)

	assert.Equal(t, []string{"move:start", "move:done", "speak:start", "speak:done"}, rec.list())
}

func TestRouteDependenciesSkipCycles(t *testing.T) {
	reg := actuator.NewRegistry(zerolog.Nop())
	rec := &recorder{}
	register(t, reg, "wheels", "move", rec.adapter("move", 20*time.Millisecond))
	register(t, reg, "voice", "speak", rec.adapter("speak", 0))
	r, _ := newRouter(t, reg, Options{
		Mode:         ModeDependencies,
		Dependencies: map[string][]string{"speak": {"move"}, "move": {"speak"}},
	})

	results := r.Route(context.Background(), Tick{ID: 1, Deadline: time.Second}, []action.Candidate{
		cand("speak", 0, 0, action.Speak{Text: "arrived"}),
		cand("move", 0, 1, action.Move{Direction: "left"}),
	})
	waitAll(t, results)

	for _, res := range results {
		status, err := res.Ticket.Status()
		assert.Equal(t, StatusSucceeded, status)
		assert.NoError(t, err)
	}
	// The earlier candidate keeps its edge; the reverse one is dropped.
	events := rec.list()
	assert.Less(t, indexOf(events, "move:done"), indexOf(events, "speak:start"))
}

func TestRouteLateSuccessIsNotTimeout(t *testing.T) {
	reg := actuator.NewRegistry(zerolog.Nop())
	register(t, reg, "arm", "grip", func(context.Context, string, action.Params, time.Time) error {
		// finishes after its deadline without looking at ctx
		time.Sleep(60 * time.Millisecond)
		return nil
	})
	r, collector := newRouter(t, reg, Options{})

	results := r.Route(context.Background(), Tick{ID: 1, Deadline: 20 * time.Millisecond}, []action.Candidate{
		cand("grip", 0, 0, action.Generic{ActionKind: "grip"}),
	})
	waitAll(t, results)

	status, err := results[0].Ticket.Status()
	assert.Equal(t, StatusSucceeded, status)
	assert.NoError(t, err)
	assert.Zero(t, collector.Len())
}

func TestRouteReturnsBeforeActuatorsFinish(t *testing.T) {
	reg := actuator.NewRegistry(zerolog.Nop())
	release := make(chan struct{})
	register(t, reg, "slow", "move", func(ctx context.Context, _ string, _ action.Params, _ time.Time) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	r, _ := newRouter(t, reg, Options{})

	results := r.Route(context.Background(), Tick{ID: 1, Deadline: time.Second}, []action.Candidate{
		cand("move", 0, 0, action.Move{Direction: "left"}),
	})
	require.Equal(t, StatusDispatched, results[0].Status)

	select {
	case <-results[0].Ticket.Done():
		t.Fatal("ticket resolved before the actuator finished")
	default:
	}
	assert.True(t, r.Busy("slow"))
	assert.False(t, r.Wait(10*time.Millisecond))

	close(release)
	waitAll(t, results)
	assert.True(t, r.Wait(time.Second))
}

func TestUnplugDropsQueuedCommands(t *testing.T) {
	reg := actuator.NewRegistry(zerolog.Nop())
	release := make(chan struct{})
	register(t, reg, "slow", "move", func(ctx context.Context, _ string, _ action.Params, _ time.Time) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	r, _ := newRouter(t, reg, Options{})

	first := r.Route(context.Background(), Tick{ID: 1, Deadline: time.Second}, []action.Candidate{
		cand("move", 0, 0, action.Move{Direction: "left"}),
	})
	second := r.Route(context.Background(), Tick{ID: 2, Deadline: time.Second}, []action.Candidate{
		cand("move", 0, 0, action.Move{Direction: "right"}),
	})
	require.Eventually(t, func() bool { return r.Busy("slow") }, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, r.Unplug("slow"))
	waitAll(t, second)
	status, err := second[0].Ticket.Status()
	assert.Equal(t, StatusCancelled, status)
	assert.Error(t, err)

	close(release)
	waitAll(t, first)
	status, _ = first[0].Ticket.Status()
	assert.Equal(t, StatusSucceeded, status)
	assert.Zero(t, r.Unplug("unknown"))
}

func TestOnLaneEventReportsQueueActivity(t *testing.T) {
	reg := actuator.NewRegistry(zerolog.Nop())
	register(t, reg, "mouth", "speak", func(context.Context, string, action.Params, time.Time) error { return nil })
	r, _ := newRouter(t, reg, Options{})

	var mu sync.Mutex
	var events []string
	r.OnLaneEvent(func(e lanes.Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e.Lane+":"+e.Type)
	})

	results := r.Route(context.Background(), Tick{ID: 1, Deadline: time.Second}, []action.Candidate{
		cand("speak", 0, 0, action.Speak{Text: "hi"}),
	})
	waitAll(t, results)
	require.True(t, r.Wait(time.Second))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 2
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"mouth:enqueued", "mouth:completed"}, events)
}

func TestCloseCancelsOutstandingDispatches(t *testing.T) {
	reg := actuator.NewRegistry(zerolog.Nop())
	register(t, reg, "slow", "move", func(ctx context.Context, _ string, _ action.Params, _ time.Time) error {
		<-ctx.Done()
		return ctx.Err()
	})
	r := New(reg, Options{Logger: zerolog.Nop()})

	results := r.Route(context.Background(), Tick{ID: 1, Deadline: 5 * time.Second}, []action.Candidate{
		cand("move", 0, 0, action.Move{Direction: "left"}),
	})
	require.NoError(t, r.Close())

	status, _ := results[0].Ticket.Status()
	assert.Equal(t, StatusCancelled, status)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeConcurrent, m)

	m, err = ParseMode("Sequential")
	require.NoError(t, err)
	assert.Equal(t, ModeSequential, m)

	_, err = ParseMode("chaotic")
	assert.Error(t, err)
}
