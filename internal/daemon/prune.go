package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/harun/embodia/internal/journal"
)

// journalPruner deletes journal records older than the retention window on a
// cron schedule.
type journalPruner struct {
	journal   *journal.Journal
	retention time.Duration
	cron      *cron.Cron
	timeout   time.Duration
	now       func() time.Time
	logger    zerolog.Logger
}

func newJournalPruner(j *journal.Journal, retention time.Duration, schedule string, logger zerolog.Logger) (*journalPruner, error) {
	p := &journalPruner{
		journal:   j,
		retention: retention,
		timeout:   30 * time.Second,
		now:       time.Now,
		logger:    logger,
	}
	p.cron = cron.New(cron.WithParser(cron.NewParser(
		cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)))
	if _, err := p.cron.AddFunc(schedule, func() { p.prune(context.Background()) }); err != nil {
		return nil, fmt.Errorf("invalid journal prune schedule %q: %w", schedule, err)
	}
	return p, nil
}

// prune runs one retention pass and returns the number of diagnostics removed.
func (p *journalPruner) prune(ctx context.Context) int64 {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cutoff := p.now().Add(-p.retention)
	n, err := p.journal.Prune(ctx, cutoff)
	if err != nil {
		p.logger.Warn().Err(err).Msg("Failed to prune journal")
		return 0
	}
	if n > 0 {
		p.logger.Info().Int64("removed", n).Time("cutoff", cutoff).Msg("Pruned journal")
	}
	return n
}

// Run prunes once, then on schedule until ctx ends.
func (p *journalPruner) Run(ctx context.Context) error {
	p.prune(ctx)
	p.cron.Start()
	<-ctx.Done()
	<-p.cron.Stop().Done()
	return nil
}
