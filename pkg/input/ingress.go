package input

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/harun/embodia/internal/observability"
	"github.com/harun/embodia/pkg/diag"
	"github.com/harun/embodia/pkg/observation"
	"github.com/rs/zerolog"
)

// Pusher accepts observations from producers.
type Pusher interface {
	Push(channelID string, payload observation.Payload, ts time.Time) bool
}

// IngressOptions configures an Ingress.
type IngressOptions struct {
	QueueSize   int
	PushTimeout time.Duration
	// MaxClockSkew bounds how far ahead of the local clock a producer
	// timestamp may be. Later timestamps are clamped. Zero means one second.
	MaxClockSkew time.Duration
	Logger       zerolog.Logger
	Diagnostics  diag.Sink
}

// Ingress queues observations from many producers onto the store.
type Ingress struct {
	store       *observation.Store
	queue       chan observation.Observation
	pushTimeout time.Duration
	maxSkew     time.Duration
	now         func() time.Time
	logger      zerolog.Logger
	diagnostics diag.Sink

	seqMu sync.Mutex
	seq   map[string]uint64
}

// NewIngress creates an ingress feeding store.
func NewIngress(store *observation.Store, opts IngressOptions) *Ingress {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Diagnostics == nil {
		opts.Diagnostics = diag.Discard
	}
	if opts.MaxClockSkew <= 0 {
		opts.MaxClockSkew = time.Second
	}
	observability.EnsureRegistered()

	return &Ingress{
		store:       store,
		queue:       make(chan observation.Observation, opts.QueueSize),
		pushTimeout: opts.PushTimeout,
		maxSkew:     opts.MaxClockSkew,
		now:         time.Now,
		logger:      opts.Logger.With().Str("component", "ingress").Logger(),
		diagnostics: opts.Diagnostics,
		seq:         make(map[string]uint64),
	}
}

// Push stamps the observation with the channel's next sequence number and
// queues it. A zero ts means now, and a ts further ahead than the allowed
// clock skew is clamped so it cannot shadow later observations. It returns
// false if the queue stayed full for the push timeout.
func (in *Ingress) Push(channelID string, payload observation.Payload, ts time.Time) bool {
	now := in.now()
	if ts.IsZero() {
		ts = now
	}
	if limit := now.Add(in.maxSkew); ts.After(limit) {
		in.logger.Debug().
			Str("channel_id", channelID).
			Time("timestamp", ts).
			Time("clamped_to", limit).
			Msg("Observation timestamp ahead of local clock")
		ts = limit
	}

	in.seqMu.Lock()
	in.seq[channelID]++
	seq := in.seq[channelID]
	in.seqMu.Unlock()

	obs := observation.New(channelID, ts, seq, payload)

	select {
	case in.queue <- obs:
		return true
	default:
	}

	if in.pushTimeout > 0 {
		timer := time.NewTimer(in.pushTimeout)
		defer timer.Stop()
		select {
		case in.queue <- obs:
			return true
		case <-timer.C:
		}
	}

	observability.RecordObservationDropped(channelID)
	in.diagnostics.Record(context.Background(), diag.New(diag.KindDroppedObservation,
		fmt.Sprintf("ingress queue full (%d)", cap(in.queue))).WithChannel(channelID))
	return false
}

// Run applies queued observations to the store until ctx ends, then drains
// whatever is already queued.
func (in *Ingress) Run(ctx context.Context) error {
	in.logger.Debug().Int("queue_size", cap(in.queue)).Msg("Ingress started")
	for {
		select {
		case obs := <-in.queue:
			in.apply(obs)
		case <-ctx.Done():
			in.drain()
			in.logger.Debug().Msg("Ingress stopped")
			return nil
		}
	}
}

func (in *Ingress) drain() {
	for {
		select {
		case obs := <-in.queue:
			in.apply(obs)
		default:
			return
		}
	}
}

func (in *Ingress) apply(obs observation.Observation) {
	if !in.store.Update(obs.ChannelID, obs) {
		in.logger.Debug().
			Str("channel_id", obs.ChannelID).
			Uint64("sequence", obs.Sequence).
			Time("timestamp", obs.Timestamp).
			Msg("Out-of-order observation dropped")
	}
}

// Pending returns the number of queued observations.
func (in *Ingress) Pending() int {
	return len(in.queue)
}
