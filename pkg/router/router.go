package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/embodia/internal/observability"
	"github.com/harun/embodia/internal/tracing"
	"github.com/harun/embodia/pkg/action"
	"github.com/harun/embodia/pkg/actuator"
	"github.com/harun/embodia/pkg/diag"
	"github.com/harun/embodia/pkg/lanes"
)

const tracerName = "embodia/router"

// Mode selects how actions of one tick are ordered.
type Mode string

const (
	ModeConcurrent   Mode = "concurrent"
	ModeSequential   Mode = "sequential"
	ModeDependencies Mode = "dependencies"
)

// ParseMode validates a mode name. An empty name is concurrent.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(s)) {
	case "", ModeConcurrent:
		return ModeConcurrent, nil
	case ModeSequential:
		return ModeSequential, nil
	case ModeDependencies:
		return ModeDependencies, nil
	}
	return "", fmt.Errorf("unknown execution mode %q", s)
}

// Tick identifies the tick an action batch belongs to.
type Tick struct {
	ID uint64
	// Deadline bounds each dispatch, measured from routing. Zero uses the
	// router default.
	Deadline time.Duration
}

// Options configures a Router.
type Options struct {
	Mode Mode
	// Dependencies maps an action kind to the kinds it waits for.
	Dependencies map[string][]string
	// MaxAttempts bounds calls per action on failure. Timeouts are never retried.
	MaxAttempts     int
	DefaultDeadline time.Duration
	Diagnostics     diag.Sink
	Logger          zerolog.Logger
}

// Router dispatches action candidates to actuators.
type Router struct {
	registry *actuator.Registry
	lanes    *lanes.Lanes
	opts     Options
	deps     map[string]map[string]bool
	diags    diag.Sink
	logger   zerolog.Logger

	inflight sync.WaitGroup
}

// New creates a router over registry.
func New(registry *actuator.Registry, opts Options) *Router {
	if opts.Mode == "" {
		opts.Mode = ModeConcurrent
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.DefaultDeadline <= 0 {
		opts.DefaultDeadline = 400 * time.Millisecond
	}
	diags := opts.Diagnostics
	if diags == nil {
		diags = diag.Discard
	}

	deps := make(map[string]map[string]bool, len(opts.Dependencies))
	for kind, prereqs := range opts.Dependencies {
		set := make(map[string]bool, len(prereqs))
		for _, p := range prereqs {
			set[strings.ToLower(p)] = true
		}
		deps[strings.ToLower(kind)] = set
	}

	return &Router{
		registry: registry,
		lanes:    lanes.New(opts.Logger),
		opts:     opts,
		deps:     deps,
		diags:    diags,
		logger:   opts.Logger.With().Str("component", "router").Logger(),
	}
}

// Route validates candidates, resolves conflicts and queues the survivors.
// It returns one result per candidate, in input order, without waiting for
// any actuator.
func (r *Router) Route(ctx context.Context, tick Tick, candidates []action.Candidate) []DispatchResult {
	ctx, span := tracing.StartSpan(ctx, tracerName, "router.route",
		attribute.Int64("tick_id", int64(tick.ID)),
		attribute.Int("candidates", len(candidates)),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, r.logger)

	results := make([]DispatchResult, len(candidates))
	targets := make([]actuator.Adapter, len(candidates))
	winners := make(map[string]int)

	for i, c := range candidates {
		results[i] = DispatchResult{Candidate: c}

		adapters := r.registry.Resolve(c.Kind)
		if len(adapters) == 0 {
			r.reject(ctx, tick, &results[i], &diag.UnknownCapabilityError{Kind: c.Kind})
			continue
		}
		target := adapters[0]
		if err := r.registry.Validate(target.ID(), c.Params); err != nil {
			r.reject(ctx, tick, &results[i], err)
			continue
		}
		targets[i] = target

		w, claimed := winners[target.ID()]
		if !claimed {
			winners[target.ID()] = i
			continue
		}
		// Highest priority wins; the earlier candidate keeps ties.
		loser := i
		if c.Priority > candidates[w].Priority {
			winners[target.ID()], loser = i, w
		}
		r.drop(ctx, tick, &results[loser], targets[loser].ID(), candidates[winners[target.ID()]], winners[target.ID()])
	}

	deadline := tick.Deadline
	if deadline <= 0 {
		deadline = r.opts.DefaultDeadline
	}
	due := time.Now().Add(deadline)

	// Work that outlives the tick keeps trace values but not the tick's
	// cancellation or diagnostics collector.
	taskCtx := diag.WithoutCollector(context.WithoutCancel(ctx))

	tickets := make([]*Ticket, len(results))
	var order []int
	for i := range results {
		if results[i].Status != "" {
			continue
		}
		c := candidates[i]
		id, err := gonanoid.New()
		if err != nil {
			id = fmt.Sprintf("t%d-%d", tick.ID, i)
		}
		tickets[i] = newTicket(DispatchedAction{
			ActionID:   id,
			TickID:     tick.ID,
			ActuatorID: targets[i].ID(),
			Kind:       c.Kind,
			Params:     c.Params,
			Priority:   c.Priority,
			Deadline:   due,
		})
		order = append(order, i)
	}

	waits := r.waitGraph(candidates, order)
	for _, i := range order {
		waitFor := make([]*Ticket, 0, len(waits[i]))
		for _, j := range waits[i] {
			waitFor = append(waitFor, tickets[j])
		}
		results[i].Status = StatusDispatched
		results[i].Ticket = tickets[i]
		r.dispatch(taskCtx, targets[i], tickets[i], waitFor)
	}
	dispatched := len(order)

	span.SetAttributes(attribute.Int("dispatched", dispatched))
	logger.Debug().
		Int("candidates", len(candidates)).
		Int("dispatched", dispatched).
		Str("mode", string(r.opts.Mode)).
		Msg("Routed actions")
	return results
}

// waitGraph returns, per candidate index, the indexes it waits for. In
// sequential mode each action waits for the previous survivor. In
// dependencies mode an action waits for every survivor of a prerequisite
// kind, wherever it sits in the tick; edges that would close a cycle are
// skipped in candidate order.
func (r *Router) waitGraph(candidates []action.Candidate, order []int) map[int][]int {
	waits := make(map[int][]int, len(order))
	switch r.opts.Mode {
	case ModeSequential:
		for n := 1; n < len(order); n++ {
			waits[order[n]] = []int{order[n-1]}
		}
	case ModeDependencies:
		for _, i := range order {
			prereqs := r.deps[candidates[i].Kind]
			for _, j := range order {
				if j == i || !prereqs[candidates[j].Kind] || reaches(waits, j, i) {
					continue
				}
				waits[i] = append(waits[i], j)
			}
		}
	}
	return waits
}

// reaches reports whether from transitively waits for to.
func reaches(waits map[int][]int, from, to int) bool {
	seen := map[int]bool{from: true}
	stack := []int{from}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == to {
			return true
		}
		for _, next := range waits[n] {
			if !seen[next] {
				seen[next] = true
				stack = append(stack, next)
			}
		}
	}
	return false
}

func (r *Router) reject(ctx context.Context, tick Tick, res *DispatchResult, err error) {
	res.Status = StatusRejected
	res.Err = err
	r.diags.Record(ctx, diag.FromError(err).WithTick(tick.ID))
	observability.RecordDispatch(res.Candidate.Kind, string(StatusRejected), 0)
}

func (r *Router) drop(ctx context.Context, tick Tick, res *DispatchResult, actuatorID string, winner action.Candidate, winnerIndex int) {
	err := &diag.ActuatorConflictError{
		ActuatorID:     actuatorID,
		Priority:       res.Candidate.Priority,
		WinnerPriority: winner.Priority,
		WinnerIndex:    winnerIndex,
	}
	res.Status = StatusDropped
	res.Err = err
	r.diags.Record(ctx, diag.FromError(err).WithTick(tick.ID).WithActuator(actuatorID))
	observability.RecordDispatch(actuatorID, string(StatusDropped), 0)
}

// dispatch queues the ticket on its actuator's lane.
func (r *Router) dispatch(ctx context.Context, target actuator.Adapter, ticket *Ticket, waitFor []*Ticket) {
	a := ticket.Action
	ctx = tracing.WithActuatorID(ctx, a.ActuatorID)

	r.inflight.Add(1)
	attempts := 0
	done := r.lanes.Submit(ctx, a.ActuatorID, func(ctx context.Context) error {
		for _, t := range waitFor {
			select {
			case <-t.Done():
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return r.execute(ctx, target, a, &attempts)
	})

	go func() {
		defer r.inflight.Done()
		res := <-done
		status := statusOf(res.Err)
		ticket.resolve(status, attempts, res.Err)

		observability.RecordDispatch(a.ActuatorID, string(status), res.Ran)
		logger := tracing.LoggerFromContext(ctx, r.logger)
		switch status {
		case StatusSucceeded:
			logger.Debug().Str("action_id", a.ActionID).Dur("duration", res.Ran).Msg("Action succeeded")
		case StatusCancelled:
			logger.Debug().Str("action_id", a.ActionID).Err(res.Err).Msg("Action cancelled")
		default:
			logger.Warn().Str("action_id", a.ActionID).Str("status", string(status)).Err(res.Err).Msg("Action did not complete")
			r.diags.Record(ctx, diag.FromError(res.Err).
				WithTick(a.TickID).
				WithAction(a.ActionID).
				WithActuator(a.ActuatorID))
		}
	}()
}

// execute calls the adapter until it succeeds, times out or runs out of attempts.
func (r *Router) execute(ctx context.Context, target actuator.Adapter, a DispatchedAction, attempts *int) error {
	var lastErr error
	for *attempts < r.opts.MaxAttempts {
		if ctx.Err() != nil {
			break
		}
		if !time.Now().Before(a.Deadline) {
			// Expired while queued behind earlier work; never start it late.
			return &diag.ActuatorExecutionError{ActuatorID: a.ActuatorID, ActionID: a.ActionID, TimedOut: true, Err: context.DeadlineExceeded}
		}
		*attempts++

		callCtx, cancel := context.WithDeadline(ctx, a.Deadline)
		err := target.Execute(callCtx, a.ActionID, a.Params, a.Deadline)
		timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded)
		cancel()

		switch {
		case err == nil:
			return nil
		case timedOut && ctx.Err() == nil:
			return &diag.ActuatorExecutionError{ActuatorID: a.ActuatorID, ActionID: a.ActionID, TimedOut: true, Err: context.DeadlineExceeded}
		case ctx.Err() != nil:
			return ctx.Err()
		}
		lastErr = &diag.ActuatorExecutionError{ActuatorID: a.ActuatorID, ActionID: a.ActionID, Err: err}
	}
	if lastErr == nil {
		return ctx.Err()
	}
	return lastErr
}

func statusOf(err error) Status {
	if err == nil {
		return StatusSucceeded
	}
	var ae *diag.ActuatorExecutionError
	if errors.As(err, &ae) {
		if ae.TimedOut {
			return StatusTimedOut
		}
		return StatusFailed
	}
	if errors.Is(err, lanes.ErrClosed) || errors.Is(err, lanes.ErrLaneReset) || errors.Is(err, context.Canceled) {
		return StatusCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return StatusTimedOut
	}
	return StatusFailed
}

// Busy reports whether an actuator has a command running or queued.
func (r *Router) Busy(actuatorID string) bool { return r.lanes.Busy(actuatorID) }

// Unplug drops the commands still queued for an actuator that left the
// registry. Their tickets resolve as cancelled. It returns how many were dropped.
func (r *Router) Unplug(actuatorID string) int {
	n := r.lanes.Reset(actuatorID)
	if n > 0 {
		r.logger.Info().Str("actuator_id", actuatorID).Int("dropped", n).Msg("Dropped queued commands for unplugged actuator")
	}
	return n
}

// OnLaneEvent registers h for enqueue and completion events of every
// actuator lane. h runs synchronously on the dispatch path.
func (r *Router) OnLaneEvent(h lanes.EventHandler) {
	r.lanes.On(lanes.EventEnqueued, h)
	r.lanes.On(lanes.EventCompleted, h)
}

// Wait blocks until every actuator lane is idle and every dispatched action
// has resolved, or timeout elapses. It reports whether everything resolved.
func (r *Router) Wait(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	if !r.lanes.WaitIdle(timeout) {
		return false
	}

	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(done)
	}()
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		r.logger.Warn().Dur("timeout", timeout).Msg("Timeout waiting for dispatched actions")
		return false
	}
}

// Close cancels outstanding dispatches and waits for their tickets to resolve.
func (r *Router) Close() error {
	err := r.lanes.Close()
	r.inflight.Wait()
	return err
}
