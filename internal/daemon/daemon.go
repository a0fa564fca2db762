// Package daemon wires the runtime components from configuration and runs
// them until the process is asked to stop.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/harun/embodia/internal/config"
	"github.com/harun/embodia/internal/journal"
	"github.com/harun/embodia/internal/logger"
	"github.com/harun/embodia/internal/observability"
	"github.com/harun/embodia/internal/server"
	"github.com/harun/embodia/internal/telegram"
	"github.com/harun/embodia/internal/tracing"
	"github.com/harun/embodia/pkg/actuator"
	"github.com/harun/embodia/pkg/cognition"
	"github.com/harun/embodia/pkg/diag"
	"github.com/harun/embodia/pkg/fusion"
	"github.com/harun/embodia/pkg/input"
	"github.com/harun/embodia/pkg/observation"
	"github.com/harun/embodia/pkg/router"
	"github.com/harun/embodia/pkg/runtime"
)

const staticSource = "config"

// Option customises daemon construction.
type Option func(*options)

type options struct {
	backend         cognition.Backend
	telegramFactory telegram.Factory
	sources         []input.Source
	httpClient      *http.Client
}

// WithBackend replaces the configured reasoning backend.
func WithBackend(b cognition.Backend) Option {
	return func(o *options) { o.backend = b }
}

// WithTelegramFactory replaces the Telegram API constructor.
func WithTelegramFactory(f telegram.Factory) Option {
	return func(o *options) { o.telegramFactory = f }
}

// WithSource adds an extra observation source.
func WithSource(src input.Source) Option {
	return func(o *options) { o.sources = append(o.sources, src) }
}

// WithHTTPClient sets the client used by http actuators.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// Status is a point-in-time view of the daemon.
type Status struct {
	Running   bool          `json:"running"`
	Uptime    time.Duration `json:"uptime"`
	State     string        `json:"state"`
	Ticks     uint64        `json:"ticks"`
	Actuators int           `json:"actuators"`
}

// Daemon owns every runtime component.
type Daemon struct {
	config    *config.Config
	logger    *logger.Logger
	log       zerolog.Logger
	lifecycle *LifecycleManager

	recorder *diag.Recorder
	store    *observation.Store
	ingress  *input.Ingress
	sources  *input.Supervisor
	fuser    *fusion.Fuser
	gateway  *cognition.Gateway
	registry *actuator.Registry
	factory  *actuator.Factory
	watcher  *actuator.Watcher
	router   *router.Router
	runtime  *runtime.Orchestrator
	journal  *journal.Journal
	pruner   *journalPruner
	server   *server.Server
	bot      *telegram.Bot

	plugMu  sync.Mutex
	plugged map[string]bool

	mu        sync.RWMutex
	running   bool
	startTime time.Time
}

// New builds every component. Nothing runs until Run.
func New(cfg *config.Config, log *logger.Logger, opts ...Option) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.httpClient == nil {
		o.httpClient = &http.Client{}
	}

	d := &Daemon{
		config: cfg,
		logger: log,
		log:    log.Component("daemon"),
	}
	d.lifecycle = NewLifecycleManager(d)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry("embodia", cfg.Tracing.SampleRatio); err != nil {
			return nil, fmt.Errorf("failed to initialize tracing: %w", err)
		}
	}
	if cfg.Logging.AuditFile != "" {
		if err := observability.InitAuditLogger(cfg.Logging.AuditFile); err != nil {
			return nil, fmt.Errorf("failed to open audit log: %w", err)
		}
	}
	observability.EnsureRegistered()

	d.recorder = diag.NewRecorder(
		diag.NewLogSink(d.log),
		observability.NewDiagnosticSink(observability.GetAuditLogger()),
	)
	if cfg.Journal.Enabled {
		j, err := journal.Open(journal.Config{Path: cfg.Journal.Path, Logger: log.Component("journal")})
		if err != nil {
			return nil, err
		}
		d.journal = j
		d.recorder.Add(j)
		if cfg.Journal.Retention > 0 {
			p, err := newJournalPruner(j, cfg.Journal.Retention, cfg.Journal.PruneSchedule, log.Component("journal"))
			if err != nil {
				d.closeJournal()
				return nil, err
			}
			d.pruner = p
		}
	}

	if err := d.initInputs(o); err != nil {
		d.closeJournal()
		return nil, err
	}
	if err := d.initCognition(o); err != nil {
		d.closeJournal()
		return nil, err
	}
	if err := d.initActuators(o); err != nil {
		d.closeJournal()
		return nil, err
	}

	d.runtime = runtime.New(d.store, d.fuser, d.gateway, d.router, runtime.Options{
		Period:            cfg.Runtime.TickPeriod,
		Adaptive:          cfg.Runtime.Adaptive,
		MinPeriod:         cfg.Runtime.MinPeriod,
		Headroom:          cfg.Runtime.Headroom,
		ReasoningDeadline: cfg.Cognition.Deadline,
		DispatchDeadline:  cfg.Dispatch.Deadline,
		Diagnostics:       d.recorder,
		Logger:            log.Component("runtime"),
	})
	if d.journal != nil {
		d.runtime.AddObserver(d.journal.ObserveTick)
	}

	if cfg.Server.Enabled {
		srv, err := server.New(server.Config{
			Host:         cfg.Server.Host,
			Port:         cfg.Server.Port,
			SharedSecret: cfg.Server.SharedSecret,
			Pusher:       d.ingress,
			Status:       d.serverStatus,
			Logger:       log.Component("server"),
		})
		if err != nil {
			d.closeJournal()
			return nil, fmt.Errorf("failed to create server: %w", err)
		}
		d.server = srv
		d.recorder.Add(srv)
		d.runtime.AddObserver(srv.ObserveTick)
		d.router.OnLaneEvent(srv.ObserveLane)
	}

	d.log.Info().
		Str("backend", d.gateway.Backend()).
		Dur("tick_period", cfg.Runtime.TickPeriod).
		Int("actuators", d.registry.Len()).
		Bool("server", d.server != nil).
		Bool("journal", d.journal != nil).
		Msg("Daemon initialized")
	observability.RecordConfigAudit(context.Background(), "loaded", "daemon", map[string]interface{}{
		"backend":       d.gateway.Backend(),
		"tick_period":   cfg.Runtime.TickPeriod.String(),
		"dispatch_mode": cfg.Dispatch.Mode,
		"actuators":     d.registry.Len(),
	})
	return d, nil
}

func (d *Daemon) initInputs(o options) error {
	cfg := d.config
	d.store = observation.NewStore(observation.WithUpdateHook(observability.RecordObservationUpdate))
	d.ingress = input.NewIngress(d.store, input.IngressOptions{
		QueueSize:    cfg.Inputs.QueueSize,
		PushTimeout:  cfg.Inputs.PushTimeout,
		MaxClockSkew: cfg.Inputs.MaxClockSkew,
		Logger:       d.logger.Component("ingress"),
		Diagnostics:  d.recorder,
	})
	d.sources = input.NewSupervisor(d.ingress, cfg.Inputs.RestartBackoff, d.logger.Zerolog(), d.recorder)

	for _, c := range cfg.Inputs.Cron {
		src, err := input.NewCronSource(c.Channel, c.Schedule, c.Event)
		if err != nil {
			return fmt.Errorf("cron input %s: %w", c.Channel, err)
		}
		if err := d.sources.Add(src); err != nil {
			return err
		}
	}

	if cfg.Telegram.Enabled {
		bot, err := telegram.New(cfg.Telegram, o.telegramFactory, d.logger.Zerolog())
		if err != nil {
			return fmt.Errorf("failed to create telegram bot: %w", err)
		}
		d.bot = bot
		if cfg.Inputs.TelegramChannel != "" {
			if err := d.sources.Add(input.NewTelegramSource(cfg.Inputs.TelegramChannel, bot, d.logger.Zerolog())); err != nil {
				return err
			}
		}
	}

	for _, src := range o.sources {
		if err := d.sources.Add(src); err != nil {
			return err
		}
	}
	return nil
}

func (d *Daemon) initCognition(o options) error {
	cfg := d.config
	channelStale := make(map[string]time.Duration, len(cfg.Fusion.ChannelStale))
	for ch := range cfg.Fusion.ChannelStale {
		channelStale[ch] = cfg.StaleThreshold(ch)
	}
	d.fuser = fusion.New(fusion.Options{
		Priority:     cfg.Fusion.ChannelPriority,
		StaleAfter:   cfg.StaleThreshold(""),
		ChannelStale: channelStale,
		WindowSize:   cfg.Fusion.ContextWindow,
	})

	backend := o.backend
	if backend == nil {
		b, err := cognition.NewBackend(context.Background(), cfg.Cognition)
		if err != nil {
			return fmt.Errorf("failed to create reasoning backend: %w", err)
		}
		backend = b
	}
	d.gateway = cognition.NewGateway(backend, cognition.Options{
		SystemPrompt:   cfg.Cognition.SystemPrompt,
		MaxRetries:     cfg.Cognition.MaxRetries,
		InitialBackoff: cfg.Cognition.InitialBackoff,
		MaxBackoff:     cfg.Cognition.MaxBackoff,
		Window:         d.fuser,
		Diagnostics:    d.recorder,
		Logger:         d.logger.Zerolog(),
	})
	return nil
}

func (d *Daemon) initActuators(o options) error {
	cfg := d.config
	d.registry = actuator.NewRegistry(d.logger.Zerolog())
	d.registry.OnChange(d.actuatorsChanged)
	d.factory = &actuator.Factory{
		HTTPClient: o.httpClient,
		Telegram:   d.bot,
		Logger:     d.logger.Component("actuator"),
	}

	for _, c := range cfg.Actuators.Static {
		reg, err := d.factory.Registration(c, staticSource)
		if err != nil {
			return fmt.Errorf("static actuator %s: %w", c.ID, err)
		}
		if err := d.registry.Register(reg); err != nil {
			return err
		}
		observability.RecordRegistryAudit(context.Background(), "register", c.ID, c.Kind)
	}

	if cfg.Actuators.ManifestDir != "" {
		d.watcher = actuator.NewWatcher(actuator.WatcherConfig{
			Dir:      cfg.Actuators.ManifestDir,
			Registry: d.registry,
			Factory:  d.factory,
			Logger:   d.logger.Zerolog(),
		})
	}

	mode, err := router.ParseMode(cfg.Dispatch.Mode)
	if err != nil {
		return err
	}
	d.router = router.New(d.registry, router.Options{
		Mode:            mode,
		Dependencies:    cfg.Dispatch.Dependencies,
		MaxAttempts:     cfg.Dispatch.MaxAttempts,
		DefaultDeadline: cfg.Dispatch.Deadline,
		Diagnostics:     d.recorder,
		Logger:          d.logger.Zerolog(),
	})
	return nil
}

// actuatorsChanged drops the queued commands of actuators that left the
// registry.
func (d *Daemon) actuatorsChanged(ids []string) {
	observability.SetActuatorsRegistered(len(ids))

	next := make(map[string]bool, len(ids))
	for _, id := range ids {
		next[id] = true
	}
	d.plugMu.Lock()
	prev := d.plugged
	d.plugged = next
	d.plugMu.Unlock()

	if d.router == nil {
		return
	}
	for id := range prev {
		if !next[id] {
			d.router.Unplug(id)
		}
	}
}

// Run starts every component and blocks until ctx ends or the runtime halts.
// Dispatched actions are drained before it returns.
func (d *Daemon) Run(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return errors.New("daemon already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	if err := d.lifecycle.Start(); err != nil {
		return err
	}

	if d.watcher != nil {
		if err := d.watcher.Scan(); err != nil {
			d.log.Warn().Err(err).Msg("Failed to scan actuator manifests")
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.ingress.Run(gctx) })
	g.Go(func() error { return d.sources.Run(gctx) })
	if d.watcher != nil && d.config.Actuators.Watch {
		g.Go(func() error {
			// Hot-plug is optional; static actuators keep working without it.
			if err := d.watcher.Run(gctx); err != nil {
				d.log.Warn().Err(err).Msg("Actuator watcher stopped")
			}
			return nil
		})
	}
	if d.server != nil {
		g.Go(func() error { return d.server.Run(gctx) })
	}
	if d.pruner != nil {
		g.Go(func() error { return d.pruner.Run(gctx) })
	}
	g.Go(func() error { return d.runtime.Run(gctx) })

	d.log.Info().Msg("Daemon started")
	runErr := g.Wait()
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		d.log.Error().Err(runErr).Msg("Daemon stopped with error")
	}

	if err := d.shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}
	return runErr
}

func (d *Daemon) shutdown() error {
	d.log.Info().Msg("Stopping daemon")
	var errs []error

	if !d.router.Wait(d.config.Dispatch.DrainTimeout) {
		d.log.Warn().Dur("timeout", d.config.Dispatch.DrainTimeout).Msg("Dispatched actions still running, cancelling")
	}
	if err := d.router.Close(); err != nil {
		errs = append(errs, fmt.Errorf("router: %w", err))
	}
	d.gateway.Close()
	d.closeJournal()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tracing.ShutdownOpenTelemetry(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("tracing: %w", err))
	}
	if err := d.lifecycle.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := observability.GetAuditLogger().Close(); err != nil {
		errs = append(errs, fmt.Errorf("audit log: %w", err))
	}

	d.mu.Lock()
	d.running = false
	d.mu.Unlock()

	d.log.Info().Msg("Daemon stopped")
	return errors.Join(errs...)
}

func (d *Daemon) closeJournal() {
	if d.journal == nil {
		return
	}
	if err := d.journal.Close(); err != nil {
		d.log.Warn().Err(err).Msg("Failed to close journal")
	}
}

// Status returns the daemon status.
func (d *Daemon) Status() Status {
	d.mu.RLock()
	running, started := d.running, d.startTime
	d.mu.RUnlock()

	s := Status{
		Running:   running,
		State:     d.runtime.State().String(),
		Ticks:     d.runtime.Ticks(),
		Actuators: d.registry.Len(),
	}
	if running {
		s.Uptime = time.Since(started)
	}
	return s
}

func (d *Daemon) serverStatus() server.Status {
	s := server.Status{
		State:     d.runtime.State().String(),
		Ticks:     d.runtime.Ticks(),
		Kinds:     d.registry.Kinds(),
		Actuators: d.registry.IDs(),
		Channels:  d.store.Channels(),
	}
	for _, id := range s.Actuators {
		if d.router.Busy(id) {
			s.Busy = append(s.Busy, id)
		}
	}
	if r, ok := d.runtime.LastReport(); ok {
		s.LastReport = &r
	}
	return s
}

// Config returns the daemon configuration.
func (d *Daemon) Config() *config.Config { return d.config }

// Registry returns the capability registry.
func (d *Daemon) Registry() *actuator.Registry { return d.registry }

// Runtime returns the orchestrator.
func (d *Daemon) Runtime() *runtime.Orchestrator { return d.runtime }

// Ingress returns the observation ingress.
func (d *Daemon) Ingress() *input.Ingress { return d.ingress }

// Journal returns the diagnostics journal, or nil when disabled.
func (d *Daemon) Journal() *journal.Journal { return d.journal }
