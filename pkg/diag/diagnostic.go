package diag

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Diagnostic is the structured record produced for every error in the runtime.
type Diagnostic struct {
	Time       time.Time `json:"time"`
	Kind       Kind      `json:"kind"`
	TickID     uint64    `json:"tick_id,omitempty"`
	RequestID  uint64    `json:"request_id,omitempty"`
	ChannelID  string    `json:"channel_id,omitempty"`
	ActionID   string    `json:"action_id,omitempty"`
	ActuatorID string    `json:"actuator_id,omitempty"`
	Cause      string    `json:"cause"`
}

// New creates a diagnostic of the given kind.
func New(kind Kind, cause string) Diagnostic {
	return Diagnostic{Time: time.Now(), Kind: kind, Cause: cause}
}

// FromError creates a diagnostic classified by the error's kind.
func FromError(err error) Diagnostic {
	if err == nil {
		return New(KindInternal, "nil error")
	}
	return New(KindOf(err), err.Error())
}

func (d Diagnostic) WithTick(id uint64) Diagnostic     { d.TickID = id; return d }
func (d Diagnostic) WithRequest(id uint64) Diagnostic  { d.RequestID = id; return d }
func (d Diagnostic) WithChannel(id string) Diagnostic  { d.ChannelID = id; return d }
func (d Diagnostic) WithAction(id string) Diagnostic   { d.ActionID = id; return d }
func (d Diagnostic) WithActuator(id string) Diagnostic { d.ActuatorID = id; return d }

// Sink consumes diagnostics. Implementations must not block for long.
type Sink interface {
	Record(ctx context.Context, d Diagnostic)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, d Diagnostic)

func (f SinkFunc) Record(ctx context.Context, d Diagnostic) { f(ctx, d) }

// Discard drops every diagnostic.
var Discard Sink = SinkFunc(func(context.Context, Diagnostic) {})

// Recorder fans diagnostics out to a set of sinks and to the tick collector
// attached to the context, if any.
type Recorder struct {
	mu    sync.RWMutex
	sinks []Sink
}

// NewRecorder creates a recorder with the given sinks.
func NewRecorder(sinks ...Sink) *Recorder {
	r := &Recorder{}
	for _, s := range sinks {
		if s != nil {
			r.sinks = append(r.sinks, s)
		}
	}
	return r
}

// Add attaches another sink.
func (r *Recorder) Add(s Sink) {
	if s == nil {
		return
	}
	r.mu.Lock()
	r.sinks = append(r.sinks, s)
	r.mu.Unlock()
}

// Record implements Sink.
func (r *Recorder) Record(ctx context.Context, d Diagnostic) {
	if ctx == nil {
		ctx = context.Background()
	}
	if d.Time.IsZero() {
		d.Time = time.Now()
	}

	if c := CollectorFrom(ctx); c != nil {
		c.Record(ctx, d)
	}

	r.mu.RLock()
	sinks := r.sinks
	r.mu.RUnlock()

	for _, s := range sinks {
		s.Record(ctx, d)
	}
}

// Collector accumulates diagnostics for one tick.
type Collector struct {
	mu    sync.Mutex
	items []Diagnostic
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{}
}

// Record implements Sink.
func (c *Collector) Record(_ context.Context, d Diagnostic) {
	c.mu.Lock()
	c.items = append(c.items, d)
	c.mu.Unlock()
}

// Items returns a copy of everything collected so far.
func (c *Collector) Items() []Diagnostic {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Diagnostic, len(c.items))
	copy(out, c.items)
	return out
}

// Len returns the number of collected diagnostics.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

type collectorKey struct{}

// WithCollector attaches a tick collector to the context.
func WithCollector(ctx context.Context, c *Collector) context.Context {
	return context.WithValue(ctx, collectorKey{}, c)
}

// WithoutCollector detaches any tick collector, for work that outlives the tick.
func WithoutCollector(ctx context.Context) context.Context {
	return context.WithValue(ctx, collectorKey{}, (*Collector)(nil))
}

// CollectorFrom returns the collector attached to ctx, or nil.
func CollectorFrom(ctx context.Context) *Collector {
	c, _ := ctx.Value(collectorKey{}).(*Collector)
	return c
}

// LogSink writes diagnostics to a zerolog logger at warn level.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a sink writing to logger.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "diagnostics").Logger()}
}

// Record implements Sink.
func (s *LogSink) Record(_ context.Context, d Diagnostic) {
	evt := s.logger.Warn().Str("kind", string(d.Kind))
	if d.TickID > 0 {
		evt = evt.Uint64("tick_id", d.TickID)
	}
	if d.RequestID > 0 {
		evt = evt.Uint64("request_id", d.RequestID)
	}
	if d.ChannelID != "" {
		evt = evt.Str("channel_id", d.ChannelID)
	}
	if d.ActionID != "" {
		evt = evt.Str("action_id", d.ActionID)
	}
	if d.ActuatorID != "" {
		evt = evt.Str("actuator_id", d.ActuatorID)
	}
	evt.Str("cause", d.Cause).Msg("Diagnostic recorded")
}
