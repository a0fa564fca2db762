package actuator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/harun/embodia/internal/observability"
)

// Watcher keeps the registry in sync with a manifest directory.
type Watcher struct {
	dir                string
	registry           *Registry
	factory            *Factory
	loader             *ManifestLoader
	stabilityThreshold time.Duration
	logger             zerolog.Logger

	debounceMu     sync.Mutex
	debounceTimers map[string]*time.Timer
	pending        sync.WaitGroup
}

// WatcherConfig holds configuration for the watcher.
type WatcherConfig struct {
	Dir                string
	Registry           *Registry
	Factory            *Factory
	StabilityThreshold time.Duration
	Logger             zerolog.Logger
}

// NewWatcher creates a manifest watcher.
func NewWatcher(cfg WatcherConfig) *Watcher {
	if cfg.StabilityThreshold == 0 {
		cfg.StabilityThreshold = 100 * time.Millisecond
	}
	return &Watcher{
		dir:                cfg.Dir,
		registry:           cfg.Registry,
		factory:            cfg.Factory,
		loader:             NewManifestLoader(cfg.Logger),
		stabilityThreshold: cfg.StabilityThreshold,
		logger:             cfg.Logger.With().Str("component", "actuator-watcher").Logger(),
		debounceTimers:     make(map[string]*time.Timer),
	}
}

// Scan registers every valid manifest currently in the directory.
func (w *Watcher) Scan() error {
	manifests, err := w.loader.LoadDir(w.dir)
	if err != nil {
		return err
	}
	for path := range manifests {
		w.apply(path)
	}
	return nil
}

// Run watches the directory until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create manifest dir: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch manifest dir: %w", err)
	}
	w.logger.Info().Str("path", w.dir).Msg("Actuator manifest watcher started")

	defer w.stopTimers()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("Actuator manifest watcher stopped")
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if IsManifest(event.Name) {
				w.debounce(ctx, event)
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (w *Watcher) debounce(ctx context.Context, event fsnotify.Event) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if timer, exists := w.debounceTimers[event.Name]; exists {
		if timer.Stop() {
			w.pending.Done()
		}
	}

	w.pending.Add(1)
	w.debounceTimers[event.Name] = time.AfterFunc(w.stabilityThreshold, func() {
		defer w.pending.Done()

		w.debounceMu.Lock()
		delete(w.debounceTimers, event.Name)
		w.debounceMu.Unlock()

		if ctx.Err() != nil {
			return
		}
		w.apply(event.Name)
	})
}

func (w *Watcher) stopTimers() {
	w.debounceMu.Lock()
	for name, timer := range w.debounceTimers {
		if timer.Stop() {
			w.pending.Done()
		}
		delete(w.debounceTimers, name)
	}
	w.debounceMu.Unlock()
	w.pending.Wait()
}

// apply registers or unregisters the manifest at path depending on whether
// it still exists.
func (w *Watcher) apply(path string) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		for _, id := range w.registry.UnregisterSource(path) {
			observability.RecordRegistryAudit(context.Background(), "unregister", id, "")
		}
		return
	}

	manifest, err := w.loader.Load(path)
	if err != nil {
		w.logger.Warn().Err(err).Str("path", filepath.Base(path)).Msg("Ignoring invalid manifest")
		return
	}
	reg, err := w.factory.Registration(*manifest, path)
	if err != nil {
		w.logger.Warn().Err(err).Str("path", filepath.Base(path)).Msg("Cannot build actuator")
		return
	}

	// The manifest may have been edited to a new id.
	for _, id := range w.registry.IDs() {
		if id != manifest.ID && w.registry.sourceOf(id) == path {
			w.registry.Unregister(id)
		}
	}
	if err := w.registry.Register(reg); err != nil {
		w.logger.Warn().Err(err).Str("path", filepath.Base(path)).Msg("Cannot register actuator")
		return
	}
	observability.RecordRegistryAudit(context.Background(), "register", manifest.ID, manifest.Kind)
}
