package input

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/embodia/internal/observability"
	"github.com/harun/embodia/pkg/diag"
	"github.com/rs/zerolog"
)

// DefaultRestartBackoff is the pause before a failed source is restarted.
const DefaultRestartBackoff = 100 * time.Millisecond

// ErrDuplicateSource is returned when a channel already has a source.
var ErrDuplicateSource = errors.New("source already registered for channel")

// Source is a long-running producer for one channel. Run blocks until ctx ends
// or the source fails. A nil return means the source finished for good.
type Source interface {
	Channel() string
	Run(ctx context.Context, p Pusher) error
}

// Supervisor runs sources and restarts the ones that fail.
type Supervisor struct {
	pusher      Pusher
	backoff     time.Duration
	logger      zerolog.Logger
	diagnostics diag.Sink

	mu      sync.Mutex
	sources map[string]Source
	runCtx  context.Context
	wg      sync.WaitGroup
}

// NewSupervisor creates a supervisor pushing into p.
func NewSupervisor(p Pusher, backoff time.Duration, logger zerolog.Logger, diagnostics diag.Sink) *Supervisor {
	if backoff <= 0 {
		backoff = DefaultRestartBackoff
	}
	if diagnostics == nil {
		diagnostics = diag.Discard
	}
	return &Supervisor{
		pusher:      p,
		backoff:     backoff,
		logger:      logger.With().Str("component", "sources").Logger(),
		diagnostics: diagnostics,
		sources:     make(map[string]Source),
	}
}

// Add registers a source. If the supervisor is already running the source
// starts immediately.
func (s *Supervisor) Add(src Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := src.Channel()
	if _, exists := s.sources[ch]; exists {
		s.logger.Warn().Str("channel_id", ch).Msg("Source already registered, skipping")
		return fmt.Errorf("%w: %s", ErrDuplicateSource, ch)
	}
	s.sources[ch] = src

	if s.runCtx != nil && s.runCtx.Err() == nil {
		s.start(s.runCtx, src)
	}
	return nil
}

// Channels returns the channels with a registered source.
func (s *Supervisor) Channels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sources))
	for ch := range s.sources {
		out = append(out, ch)
	}
	return out
}

// Run starts every source and blocks until ctx ends and all sources return.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.runCtx != nil {
		s.mu.Unlock()
		return fmt.Errorf("supervisor already running")
	}
	s.runCtx = ctx
	for _, src := range s.sources {
		s.start(ctx, src)
	}
	s.mu.Unlock()

	<-ctx.Done()
	s.wg.Wait()
	return nil
}

// start must be called with s.mu held.
func (s *Supervisor) start(ctx context.Context, src Source) {
	s.wg.Add(1)
	go s.loop(ctx, src)
}

func (s *Supervisor) loop(ctx context.Context, src Source) {
	defer s.wg.Done()
	ch := src.Channel()
	logger := s.logger.With().Str("channel_id", ch).Logger()

	for {
		err := s.runOnce(ctx, src)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			logger.Info().Msg("Source finished")
			return
		}

		logger.Error().Err(err).Dur("backoff", s.backoff).Msg("Source failed, restarting")
		observability.RecordSourceRestart(ch)
		s.diagnostics.Record(ctx, diag.New(diag.KindSourceFailure, err.Error()).WithChannel(ch))

		timer := time.NewTimer(s.backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// runOnce converts a panicking source into an error so one adapter cannot take
// the process down.
func (s *Supervisor) runOnce(ctx context.Context, src Source) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("source panicked: %v", r)
		}
	}()
	return src.Run(ctx, s.pusher)
}
