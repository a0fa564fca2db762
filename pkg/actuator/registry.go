package actuator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"

	"github.com/harun/embodia/pkg/action"
	"github.com/harun/embodia/pkg/diag"
)

// ErrDuplicateActuator is returned when an id is already registered from a
// different source.
var ErrDuplicateActuator = errors.New("actuator already registered")

// Adapter wraps one external effector. Execute returns nil on success, an
// error on failure and a context deadline error on timeout. It is called at
// most once per dispatched action.
type Adapter interface {
	ID() string
	Kind() string
	Execute(ctx context.Context, actionID string, params action.Params, deadline time.Time) error
}

// Registration describes one adapter to register.
type Registration struct {
	Adapter Adapter
	// Schema optionally constrains the parameters this adapter accepts.
	Schema map[string]interface{}
	// Source identifies where the registration came from, such as "static" or
	// a manifest path. Re-registering an id from the same source replaces it.
	Source string
}

type entry struct {
	adapter Adapter
	schema  gojsonschema.JSONLoader
	source  string
}

type table struct {
	byID   map[string]*entry
	byKind map[string][]*entry
}

// Registry maps action kinds to adapters.
type Registry struct {
	mu       sync.Mutex
	current  atomic.Pointer[table]
	logger   zerolog.Logger
	onChange func(ids []string)
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	r := &Registry{logger: logger.With().Str("component", "actuator-registry").Logger()}
	r.current.Store(&table{byID: map[string]*entry{}, byKind: map[string][]*entry{}})
	return r
}

// OnChange registers a callback invoked with the registered ids after every
// successful write.
func (r *Registry) OnChange(fn func(ids []string)) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

// Register adds an adapter.
func (r *Registry) Register(reg Registration) error {
	if reg.Adapter == nil {
		return fmt.Errorf("adapter is required")
	}
	id, kind := reg.Adapter.ID(), strings.ToLower(reg.Adapter.Kind())
	if id == "" || kind == "" {
		return fmt.Errorf("adapter id and kind are required")
	}

	e := &entry{adapter: reg.Adapter, source: reg.Source}
	if len(reg.Schema) > 0 {
		e.schema = gojsonschema.NewGoLoader(reg.Schema)
		if _, err := gojsonschema.NewSchema(e.schema); err != nil {
			return fmt.Errorf("invalid parameters schema for %s: %w", id, err)
		}
	}

	r.mu.Lock()
	old := r.current.Load()
	if prev, ok := old.byID[id]; ok && prev.source != reg.Source {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s (from %s)", ErrDuplicateActuator, id, prev.source)
	}
	next := old.without(id)
	next.byID[id] = e
	next.byKind[kind] = insertSorted(next.byKind[kind], e)
	r.current.Store(next)
	fn := r.onChange
	r.mu.Unlock()

	r.logger.Info().Str("actuator_id", id).Str("kind", kind).Str("source", reg.Source).Msg("Actuator registered")
	if fn != nil {
		fn(next.ids())
	}
	return nil
}

// Unregister removes an adapter. It reports whether the id was present.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	old := r.current.Load()
	if _, ok := old.byID[id]; !ok {
		r.mu.Unlock()
		return false
	}
	next := old.without(id)
	r.current.Store(next)
	fn := r.onChange
	r.mu.Unlock()

	r.logger.Info().Str("actuator_id", id).Msg("Actuator unregistered")
	if fn != nil {
		fn(next.ids())
	}
	return true
}

// UnregisterSource removes every adapter registered from source.
func (r *Registry) UnregisterSource(source string) []string {
	var removed []string
	for id, e := range r.current.Load().byID {
		if e.source == source && r.Unregister(id) {
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	return removed
}

// Resolve returns the adapters serving kind, sorted by id.
func (r *Registry) Resolve(kind string) []Adapter {
	entries := r.current.Load().byKind[strings.ToLower(kind)]
	out := make([]Adapter, len(entries))
	for i, e := range entries {
		out[i] = e.adapter
	}
	return out
}

// Get returns the adapter with the given id.
func (r *Registry) Get(id string) (Adapter, bool) {
	e, ok := r.current.Load().byID[id]
	if !ok {
		return nil, false
	}
	return e.adapter, true
}

// Kinds returns every registered kind, sorted.
func (r *Registry) Kinds() []string {
	t := r.current.Load()
	out := make([]string, 0, len(t.byKind))
	for k := range t.byKind {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// IDs returns every registered adapter id, sorted.
func (r *Registry) IDs() []string { return r.current.Load().ids() }

// Len returns the number of registered adapters.
func (r *Registry) Len() int { return len(r.current.Load().byID) }

// Validate checks params against the adapter's parameter schema, if any.
func (r *Registry) Validate(actuatorID string, params action.Params) error {
	e, ok := r.current.Load().byID[actuatorID]
	if !ok {
		return fmt.Errorf("actuator %s not registered", actuatorID)
	}
	if e.schema == nil || params == nil {
		return nil
	}

	result, err := gojsonschema.Validate(e.schema, gojsonschema.NewGoLoader(params.Fields()))
	if err != nil {
		return &diag.InvalidParametersError{Kind: params.Kind(), Reason: err.Error()}
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return &diag.InvalidParametersError{Kind: params.Kind(), Reason: strings.Join(msgs, "; ")}
	}
	return nil
}

func (t *table) without(id string) *table {
	next := &table{
		byID:   make(map[string]*entry, len(t.byID)+1),
		byKind: make(map[string][]*entry, len(t.byKind)+1),
	}
	for k, e := range t.byID {
		if k != id {
			next.byID[k] = e
		}
	}
	for kind, entries := range t.byKind {
		kept := make([]*entry, 0, len(entries))
		for _, e := range entries {
			if e.adapter.ID() != id {
				kept = append(kept, e)
			}
		}
		if len(kept) > 0 {
			next.byKind[kind] = kept
		}
	}
	return next
}

func (t *table) ids() []string {
	out := make([]string, 0, len(t.byID))
	for id := range t.byID {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func insertSorted(entries []*entry, e *entry) []*entry {
	i := sort.Search(len(entries), func(i int) bool { return entries[i].adapter.ID() >= e.adapter.ID() })
	out := make([]*entry, 0, len(entries)+1)
	out = append(out, entries[:i]...)
	out = append(out, e)
	return append(out, entries[i:]...)
}

func (r *Registry) sourceOf(id string) string {
	if e, ok := r.current.Load().byID[id]; ok {
		return e.source
	}
	return ""
}
