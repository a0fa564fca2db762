package observation

import (
	"sort"
	"sync"
	"time"
)

// Store holds the most recent observation per channel.
type Store struct {
	mu       sync.RWMutex
	latest   map[string]Observation
	onUpdate func(channelID string, applied bool)
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithUpdateHook registers a callback invoked after every Update, outside the lock.
func WithUpdateHook(fn func(channelID string, applied bool)) StoreOption {
	return func(s *Store) { s.onUpdate = fn }
}

// NewStore creates an empty store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{latest: make(map[string]Observation)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Update replaces the channel's observation when obs is newer than the stored
// one. It returns false when obs was dropped as out of order.
func (s *Store) Update(channelID string, obs Observation) bool {
	obs.ChannelID = channelID

	s.mu.Lock()
	cur, ok := s.latest[channelID]
	applied := !ok || obs.Newer(cur)
	if applied {
		s.latest[channelID] = obs
	}
	s.mu.Unlock()

	if s.onUpdate != nil {
		s.onUpdate(channelID, applied)
	}
	return applied
}

// Get returns the latest observation for a channel.
func (s *Store) Get(channelID string) (Observation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obs, ok := s.latest[channelID]
	return obs, ok
}

// Snapshot returns a consistent copy of every channel, sorted by channel id.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	out := make([]Observation, 0, len(s.latest))
	for _, obs := range s.latest {
		out = append(out, obs)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return Snapshot{TakenAt: time.Now(), Observations: out}
}

// Len returns the number of channels with an observation.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.latest)
}

// Channels returns the channel ids currently held, sorted.
func (s *Store) Channels() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.latest))
	for id := range s.latest {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	sort.Strings(ids)
	return ids
}
