package cognition

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/embodia/internal/observability"
	"github.com/harun/embodia/internal/tracing"
	"github.com/harun/embodia/pkg/action"
	"github.com/harun/embodia/pkg/diag"
	"github.com/harun/embodia/pkg/fusion"
)

const tracerName = "embodia/cognition"

// Response is a parsed reasoning reply.
type Response struct {
	RequestID uint64             `json:"request_id"`
	Actions   []action.Candidate `json:"actions"`
	Thought   string             `json:"thought,omitempty"`
	Latency   time.Duration      `json:"latency"`
	Backend   string             `json:"backend"`
	Attempts  int                `json:"attempts"`
}

// SupersededError is returned to a caller whose request was replaced by a
// newer one before it completed.
type SupersededError struct {
	RequestID uint64
	By        uint64
}

func (e *SupersededError) Error() string {
	return fmt.Sprintf("request %d superseded by %d", e.RequestID, e.By)
}

// DiagKind classifies the error for diagnostics.
func (e *SupersededError) DiagKind() diag.Kind { return diag.KindSuperseded }

// WindowRecorder receives completed exchanges. *fusion.Fuser implements it.
type WindowRecorder interface {
	Record(req *fusion.Request, actions []string, at time.Time)
}

// Options configures a Gateway.
type Options struct {
	SystemPrompt   string
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Window         WindowRecorder
	Diagnostics    diag.Sink
	Logger         zerolog.Logger
}

type result struct {
	content  string
	attempts int
	err      error
}

type call struct {
	id        uint64
	cancel    context.CancelCauseFunc
	results   chan result
	abandoned bool
}

// Gateway enforces a single outstanding reasoning call.
type Gateway struct {
	backend Backend
	opts    Options
	diags   diag.Sink
	logger  zerolog.Logger

	mu       sync.Mutex
	current  *call
	latestID uint64
	wg       sync.WaitGroup
}

// NewGateway creates a gateway for backend.
func NewGateway(backend Backend, opts Options) *Gateway {
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 50 * time.Millisecond
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = opts.InitialBackoff
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	diags := opts.Diagnostics
	if diags == nil {
		diags = diag.Discard
	}
	return &Gateway{
		backend: backend,
		opts:    opts,
		diags:   diags,
		logger:  opts.Logger.With().Str("component", "cognition").Str("backend", backend.Name()).Logger(),
	}
}

// Backend returns the backend name.
func (g *Gateway) Backend() string { return g.backend.Name() }

// InFlight reports whether a backend call is still running.
func (g *Gateway) InFlight() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current != nil
}

// Submit sends req to the backend and waits at most deadline for a reply.
// Errors are *diag.TimeoutError, *diag.SchemaError, *diag.BackendError or
// *SupersededError.
func (g *Gateway) Submit(ctx context.Context, req *fusion.Request, deadline time.Duration) (*Response, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "cognition.submit",
		attribute.Int64("request_id", int64(req.ID)),
		attribute.String("backend", g.backend.Name()),
	)
	defer span.End()
	ctx = tracing.WithRequestID(ctx, req.ID)
	logger := tracing.LoggerFromContext(ctx, g.logger)

	parent, cancel := context.WithCancelCause(ctx)
	callCtx, cancelTimeout := context.WithTimeout(parent, deadline)
	c := &call{id: req.ID, cancel: cancel, results: make(chan result, 1)}

	g.mu.Lock()
	prev := g.current
	if prev != nil {
		prev.cancel(&SupersededError{RequestID: prev.id, By: req.ID})
	}
	g.current = c
	g.latestID = req.ID
	g.wg.Add(1)
	g.mu.Unlock()

	if prev != nil {
		logger.Warn().Uint64("superseded_request_id", prev.id).Msg("Cancelled outstanding reasoning call")
		g.diags.Record(ctx, diag.New(diag.KindSuperseded,
			fmt.Sprintf("request %d superseded by %d", prev.id, req.ID)).WithRequest(prev.id))
	}

	prompt := RenderPrompt(g.opts.SystemPrompt, req)
	start := time.Now()
	go g.run(callCtx, cancelTimeout, c, prompt)

	var res result
	select {
	case res = <-c.results:
	case <-callCtx.Done():
		g.mu.Lock()
		select {
		case res = <-c.results:
		default:
			c.abandoned = true
		}
		g.mu.Unlock()
		if c.abandoned {
			res = result{err: context.Cause(callCtx)}
		}
	}

	latency := time.Since(start)
	resp, err := g.finish(ctx, req, c, res, latency)
	if err != nil {
		outcome := string(diag.KindOf(err))
		observability.RecordReasoning(g.backend.Name(), outcome, latency)
		span.SetAttributes(attribute.String("outcome", outcome))
		logger.Warn().Err(err).Dur("latency", latency).Msg("Reasoning call failed")
		return nil, err
	}

	observability.RecordReasoning(g.backend.Name(), "success", latency)
	span.SetAttributes(attribute.Int("actions", len(resp.Actions)))
	logger.Debug().
		Int("actions", len(resp.Actions)).
		Int("attempts", resp.Attempts).
		Dur("latency", latency).
		Msg("Reasoning call completed")
	return resp, nil
}

func (g *Gateway) finish(ctx context.Context, req *fusion.Request, c *call, res result, latency time.Duration) (*Response, error) {
	if res.err != nil {
		return nil, g.classify(req.ID, res.err)
	}

	candidates, thought, err := Parse(req.ID, res.content)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	current := g.latestID == c.id
	g.mu.Unlock()
	if !current {
		g.diags.Record(ctx, diag.New(diag.KindStaleResponse,
			fmt.Sprintf("reply for request %d arrived after it was superseded", req.ID)).WithRequest(req.ID))
		return nil, &SupersededError{RequestID: req.ID}
	}

	if g.opts.Window != nil {
		names := make([]string, len(candidates))
		for i, cand := range candidates {
			names[i] = cand.String()
		}
		g.opts.Window.Record(req, names, time.Now())
	}

	return &Response{
		RequestID: req.ID,
		Actions:   candidates,
		Thought:   thought,
		Latency:   latency,
		Backend:   g.backend.Name(),
		Attempts:  res.attempts,
	}, nil
}

func (g *Gateway) classify(requestID uint64, err error) error {
	var superseded *SupersededError
	if errors.As(err, &superseded) {
		return superseded
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &diag.TimeoutError{Op: "reasoning", RequestID: requestID, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	switch diag.KindOf(err) {
	case diag.KindTimeout, diag.KindSchema, diag.KindBackend:
		return err
	}
	return &diag.BackendError{Backend: g.backend.Name(), RequestID: requestID, Err: err}
}

// run executes the backend call and hands the result to the waiting Submit
// unless the call was abandoned or superseded in the meantime.
func (g *Gateway) run(ctx context.Context, cancelTimeout context.CancelFunc, c *call, prompt Prompt) {
	defer g.wg.Done()
	defer cancelTimeout()

	content, attempts, err := g.complete(ctx, c.id, prompt)

	g.mu.Lock()
	stale := c.abandoned || g.latestID != c.id
	if g.current == c {
		g.current = nil
	}
	if !stale {
		c.results <- result{content: content, attempts: attempts, err: err}
	}
	g.mu.Unlock()

	if stale && err == nil {
		g.logger.Warn().Uint64("request_id", c.id).Msg("Discarded stale reasoning reply")
		g.diags.Record(ctx, diag.New(diag.KindStaleResponse,
			fmt.Sprintf("reply for request %d discarded", c.id)).WithRequest(c.id))
	}
	c.cancel(nil)
}

func (g *Gateway) complete(ctx context.Context, requestID uint64, prompt Prompt) (string, int, error) {
	attempts := 0
	op := func() (string, error) {
		attempts++
		content, err := g.backend.Complete(ctx, prompt)
		if err == nil {
			return content, nil
		}
		if ctx.Err() != nil {
			return "", backoff.Permanent(context.Cause(ctx))
		}
		if !diag.IsTransient(err) {
			return "", backoff.Permanent(err)
		}
		return "", err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.opts.InitialBackoff
	b.MaxInterval = g.opts.MaxBackoff

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(g.opts.MaxRetries + 1)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			observability.RecordReasoningRetry(g.backend.Name())
			g.logger.Debug().
				Err(err).
				Uint64("request_id", requestID).
				Dur("backoff", wait).
				Msg("Retrying reasoning call after transient error")
		}),
	}
	if dl, ok := ctx.Deadline(); ok {
		opts = append(opts, backoff.WithMaxElapsedTime(time.Until(dl)))
	}

	content, err := backoff.Retry(ctx, op, opts...)
	if err != nil && ctx.Err() != nil {
		err = context.Cause(ctx)
	}
	return content, attempts, err
}

// Close cancels any outstanding call and waits for its goroutine to exit.
func (g *Gateway) Close() {
	g.mu.Lock()
	if g.current != nil {
		g.current.cancel(context.Canceled)
	}
	g.mu.Unlock()
	g.wg.Wait()
}
