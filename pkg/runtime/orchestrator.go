package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/embodia/internal/observability"
	"github.com/harun/embodia/internal/tracing"
	"github.com/harun/embodia/pkg/action"
	"github.com/harun/embodia/pkg/cognition"
	"github.com/harun/embodia/pkg/diag"
	"github.com/harun/embodia/pkg/fusion"
	"github.com/harun/embodia/pkg/observation"
	"github.com/harun/embodia/pkg/router"
)

const tracerName = "embodia/runtime"

// Reasoner submits fused requests. *cognition.Gateway implements it.
type Reasoner interface {
	Submit(ctx context.Context, req *fusion.Request, deadline time.Duration) (*cognition.Response, error)
}

// Dispatcher routes action candidates. *router.Router implements it.
type Dispatcher interface {
	Route(ctx context.Context, tick router.Tick, candidates []action.Candidate) []router.DispatchResult
}

// Options configures an Orchestrator.
type Options struct {
	Period    time.Duration
	Adaptive  bool
	MinPeriod time.Duration
	Headroom  time.Duration

	ReasoningDeadline time.Duration
	DispatchDeadline  time.Duration

	// Diagnostics is shared with the gateway and router so their records
	// reach the tick report.
	Diagnostics *diag.Recorder
	Logger      zerolog.Logger
}

// Orchestrator owns the tick scheduler and the per-tick pipeline.
type Orchestrator struct {
	store    *observation.Store
	fuser    *fusion.Fuser
	reasoner Reasoner
	router   Dispatcher
	opts     Options
	diags    *diag.Recorder
	logger   zerolog.Logger

	state   atomic.Int32
	corrupt atomic.Bool
	tickID  atomic.Uint64
	last    atomic.Pointer[Report]

	observersMu sync.RWMutex
	observers   []Observer
}

// New creates an orchestrator.
func New(store *observation.Store, fuser *fusion.Fuser, reasoner Reasoner, dispatcher Dispatcher, opts Options) *Orchestrator {
	if opts.Period <= 0 {
		opts.Period = 500 * time.Millisecond
	}
	if opts.MinPeriod <= 0 || opts.MinPeriod > opts.Period {
		opts.MinPeriod = opts.Period
	}
	if opts.ReasoningDeadline <= 0 {
		opts.ReasoningDeadline = opts.Period
	}
	if opts.DispatchDeadline <= 0 {
		opts.DispatchDeadline = opts.Period
	}
	if opts.Diagnostics == nil {
		opts.Diagnostics = diag.NewRecorder()
	}
	observability.EnsureRegistered()

	return &Orchestrator{
		store:    store,
		fuser:    fuser,
		reasoner: reasoner,
		router:   dispatcher,
		opts:     opts,
		diags:    opts.Diagnostics,
		logger:   opts.Logger.With().Str("component", "runtime").Logger(),
	}
}

// State returns the current pipeline state.
func (o *Orchestrator) State() State { return State(o.state.Load()) }

// Ticks returns the number of ticks started.
func (o *Orchestrator) Ticks() uint64 { return o.tickID.Load() }

// LastReport returns the most recent completed tick report.
func (o *Orchestrator) LastReport() (Report, bool) {
	r := o.last.Load()
	if r == nil {
		return Report{}, false
	}
	return *r, true
}

// AddObserver registers fn to receive every tick report.
func (o *Orchestrator) AddObserver(fn Observer) {
	o.observersMu.Lock()
	o.observers = append(o.observers, fn)
	o.observersMu.Unlock()
}

func (o *Orchestrator) transition(from, to State) error {
	if !validTransition(from, to) || !o.state.CompareAndSwap(int32(from), int32(to)) {
		return fmt.Errorf("%w: transition %s -> %s while in %s", ErrCorruptState, from, to, o.State())
	}
	return nil
}

// Tick runs one pass of the pipeline. Only ErrCorruptState and
// ErrTickInProgress are returned as errors; everything else is reported in
// the Report's diagnostics.
func (o *Orchestrator) Tick(ctx context.Context) (report Report, err error) {
	if o.corrupt.Load() {
		return Report{}, ErrCorruptState
	}
	if !o.state.CompareAndSwap(int32(StateIdle), int32(StateFusing)) {
		if State(o.state.Load()) >= StateFusing && State(o.state.Load()) <= StateTickComplete {
			return Report{}, ErrTickInProgress
		}
		return Report{}, fmt.Errorf("%w: tick started in %s", ErrCorruptState, o.State())
	}

	tickID := o.tickID.Add(1)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic during tick %d: %v", ErrCorruptState, tickID, r)
		}
		if errors.Is(err, ErrCorruptState) {
			o.corrupt.Store(true)
		}
	}()

	return o.runTick(ctx, tickID)
}

func (o *Orchestrator) runTick(ctx context.Context, tickID uint64) (Report, error) {
	started := time.Now()
	collector := diag.NewCollector()
	ctx = diag.WithCollector(tracing.NewTickContext(ctx, tickID), collector)
	ctx, span := tracing.StartSpan(ctx, tracerName, "runtime.tick", attribute.Int64("tick_id", int64(tickID)))
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, o.logger)

	report := Report{TickID: tickID, Started: started}

	// Fusing
	req := o.fuser.Fuse(o.store.Snapshot(), started)
	req.TickID = tickID
	report.RequestID = req.ID
	report.Omitted = req.Omitted
	for _, ch := range req.Channels {
		report.Channels = append(report.Channels, ch.ChannelID)
	}
	for _, om := range req.Omitted {
		kind := diag.KindStaleChannel
		if om.Reason == fusion.OmitMissing {
			kind = diag.KindMissingChannel
		}
		o.diags.Record(ctx, diag.New(kind, om.String()).WithTick(tickID).WithRequest(req.ID).WithChannel(om.ChannelID))
	}
	if err := o.transition(StateFusing, StateReasoning); err != nil {
		return report, err
	}

	// Reasoning
	var candidates []action.Candidate
	if req.Empty() {
		logger.Debug().Int("omitted", len(req.Omitted)).Msg("No channel data, skipping reasoning")
	} else {
		resp, err := o.reasoner.Submit(ctx, &req, o.opts.ReasoningDeadline)
		switch {
		case err != nil:
			report.ReasoningError = err.Error()
			// Superseded calls were already recorded by the gateway.
			if !errors.Is(err, context.Canceled) && diag.KindOf(err) != diag.KindSuperseded {
				o.diags.Record(ctx, diag.FromError(err).WithTick(tickID).WithRequest(req.ID))
			}
		case resp.RequestID != req.ID:
			// The gateway already filters stale replies; this is a second guard.
			o.diags.Record(ctx, diag.New(diag.KindStaleResponse,
				fmt.Sprintf("reply for request %d delivered to request %d", resp.RequestID, req.ID)).WithTick(tickID))
		default:
			candidates = resp.Actions
			report.Thought = resp.Thought
		}
	}
	if err := o.transition(StateReasoning, StateDispatching); err != nil {
		return report, err
	}

	// Dispatching
	if len(candidates) > 0 {
		report.Results = o.router.Route(ctx, router.Tick{ID: tickID, Deadline: o.opts.DispatchDeadline}, candidates)
	}
	if err := o.transition(StateDispatching, StateTickComplete); err != nil {
		return report, err
	}

	report.Duration = time.Since(started)
	report.NoOp = report.Dispatched() == 0
	report.Diagnostics = collector.Items()
	o.last.Store(&report)

	observability.RecordTick(report.Duration, report.NoOp, len(report.Omitted))
	span.SetAttributes(
		attribute.Int("dispatched", report.Dispatched()),
		attribute.Bool("noop", report.NoOp),
	)
	logger.Debug().
		Uint64("request_id", report.RequestID).
		Int("channels", len(report.Channels)).
		Int("omitted", len(report.Omitted)).
		Int("dispatched", report.Dispatched()).
		Int("diagnostics", len(report.Diagnostics)).
		Dur("duration", report.Duration).
		Msg("Tick complete")

	if err := o.transition(StateTickComplete, StateIdle); err != nil {
		return report, err
	}

	o.observersMu.RLock()
	observers := o.observers
	o.observersMu.RUnlock()
	for _, fn := range observers {
		fn(report)
	}
	return report, nil
}

// Run ticks until ctx is done. It returns nil on cancellation and
// ErrCorruptState when the pipeline bookkeeping breaks.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info().
		Dur("period", o.opts.Period).
		Bool("adaptive", o.opts.Adaptive).
		Dur("reasoning_deadline", o.opts.ReasoningDeadline).
		Dur("dispatch_deadline", o.opts.DispatchDeadline).
		Msg("Runtime started")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			o.logger.Info().Uint64("ticks", o.Ticks()).Msg("Runtime stopped")
			return nil
		case <-timer.C:
		}

		start := time.Now()
		report, err := o.Tick(ctx)
		if err != nil {
			o.logger.Error().Err(err).Uint64("tick_id", o.Ticks()).Msg("Runtime halted")
			return err
		}
		timer.Reset(o.nextDelay(report.Duration, time.Since(start)))
	}
}

// nextDelay returns how long to wait before the next tick. Missed periods are
// skipped, never burst.
func (o *Orchestrator) nextDelay(criticalPath, elapsed time.Duration) time.Duration {
	period := o.opts.Period
	if o.opts.Adaptive {
		period = criticalPath + o.opts.Headroom
		if period < o.opts.MinPeriod {
			period = o.opts.MinPeriod
		}
		if period > o.opts.Period {
			period = o.opts.Period
		}
	}
	if d := period - elapsed; d > 0 {
		return d
	}
	return 0
}
