package fusion

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/harun/embodia/pkg/observation"
)

// OmitReason explains why a channel is absent from a request.
type OmitReason string

const (
	OmitStale   OmitReason = "stale"
	OmitMissing OmitReason = "missing"
)

// ChannelContext is one channel's contribution to a request.
type ChannelContext struct {
	ChannelID   string                  `json:"channel_id"`
	Observation observation.Observation `json:"observation"`
	Age         time.Duration           `json:"age"`
	// Fresh is false when a completed exchange in the window already carried
	// the same observation.
	Fresh bool `json:"fresh"`
}

// Omission records a channel left out of a request.
type Omission struct {
	ChannelID string        `json:"channel_id"`
	Reason    OmitReason    `json:"reason"`
	Age       time.Duration `json:"age,omitempty"`
}

// Request is the fused input for one reasoning call.
type Request struct {
	ID       uint64           `json:"request_id"`
	TickID   uint64           `json:"tick_id"`
	Now      time.Time        `json:"now"`
	Channels []ChannelContext `json:"channels"`
	Omitted  []Omission       `json:"omitted,omitempty"`
	Context  []Exchange       `json:"context,omitempty"`
}

// Empty reports whether no channel contributed to the request.
func (r *Request) Empty() bool { return len(r.Channels) == 0 }

// Summary renders the channel contents on one line.
func (r *Request) Summary() string {
	parts := make([]string, 0, len(r.Channels))
	for _, ch := range r.Channels {
		if ch.Observation.Payload == nil {
			continue
		}
		parts = append(parts, ch.ChannelID+": "+ch.Observation.Payload.Summary())
	}
	if len(parts) == 0 {
		return "(no observations)"
	}
	return strings.Join(parts, "; ")
}

// Options configures a Fuser.
type Options struct {
	// Priority is the declared channel order. Declared channels absent from a
	// snapshot are reported missing.
	Priority []string
	// StaleAfter is the default staleness threshold. Zero disables it.
	StaleAfter time.Duration
	// ChannelStale overrides StaleAfter per channel.
	ChannelStale map[string]time.Duration
	// WindowSize is the context window capacity.
	WindowSize int
}

// Fuser builds cognition requests from snapshots.
type Fuser struct {
	priority   []string
	rank       map[string]int
	staleAfter time.Duration
	stale      map[string]time.Duration
	window     *Window
	nextID     atomic.Uint64
}

// New creates a fuser.
func New(opts Options) *Fuser {
	f := &Fuser{
		priority:   dedupe(opts.Priority),
		rank:       make(map[string]int),
		staleAfter: opts.StaleAfter,
		stale:      make(map[string]time.Duration, len(opts.ChannelStale)),
		window:     NewWindow(opts.WindowSize),
	}
	for i, ch := range f.priority {
		f.rank[ch] = i
	}
	for ch, d := range opts.ChannelStale {
		f.stale[ch] = d
	}
	return f
}

// Window returns the context window owned by the fuser.
func (f *Fuser) Window() *Window { return f.window }

// Threshold returns the staleness threshold for a channel.
func (f *Fuser) Threshold(channelID string) time.Duration {
	if d, ok := f.stale[channelID]; ok {
		return d
	}
	return f.staleAfter
}

// Fuse builds the next request. The result depends only on the snapshot, now
// and the window contents.
func (f *Fuser) Fuse(snap observation.Snapshot, now time.Time) Request {
	req := Request{
		ID:      f.nextID.Add(1),
		Now:     now,
		Context: f.window.Items(),
	}

	latest := make(map[string]observation.Observation, len(snap.Observations))
	for _, obs := range snap.Observations {
		if cur, ok := latest[obs.ChannelID]; ok && !obs.Newer(cur) {
			continue
		}
		latest[obs.ChannelID] = obs
	}

	prior := lastDelivered(req.Context)
	seen := make(map[string]bool, len(latest))
	for _, ch := range f.order(latest) {
		seen[ch] = true
		obs := latest[ch]
		age := now.Sub(obs.Timestamp)
		if age < 0 {
			age = 0
		}
		if limit := f.Threshold(ch); limit > 0 && age > limit {
			req.Omitted = append(req.Omitted, Omission{ChannelID: ch, Reason: OmitStale, Age: age})
			continue
		}

		prev, delivered := prior[ch]
		req.Channels = append(req.Channels, ChannelContext{
			ChannelID:   ch,
			Observation: obs,
			Age:         age,
			Fresh:       !delivered || !prev.Timestamp.Equal(obs.Timestamp) || prev.Sequence != obs.Sequence,
		})
	}

	for _, ch := range f.priority {
		if !seen[ch] {
			req.Omitted = append(req.Omitted, Omission{ChannelID: ch, Reason: OmitMissing})
		}
	}

	return req
}

// Record pushes a completed exchange into the window. Only recorded
// exchanges count as delivered for later freshness checks.
func (f *Fuser) Record(req *Request, actions []string, at time.Time) {
	delivered := make([]Delivery, 0, len(req.Channels))
	for _, ch := range req.Channels {
		delivered = append(delivered, Delivery{
			ChannelID: ch.ChannelID,
			Timestamp: ch.Observation.Timestamp,
			Sequence:  ch.Observation.Sequence,
		})
	}
	f.window.Push(Exchange{
		RequestID: req.ID,
		TickID:    req.TickID,
		Summary:   req.Summary(),
		Actions:   append([]string(nil), actions...),
		Delivered: delivered,
		At:        at,
	})
}

// lastDelivered returns, per channel, the observation carried by the newest
// exchange that included that channel.
func lastDelivered(history []Exchange) map[string]Delivery {
	out := make(map[string]Delivery)
	for i := len(history) - 1; i >= 0; i-- {
		for _, d := range history[i].Delivered {
			if _, ok := out[d.ChannelID]; !ok {
				out[d.ChannelID] = d
			}
		}
	}
	return out
}

// order returns channel ids with declared channels first, in declared order,
// then the rest sorted by id.
func (f *Fuser) order(latest map[string]observation.Observation) []string {
	ids := make([]string, 0, len(latest))
	for ch := range latest {
		ids = append(ids, ch)
	}
	sort.Slice(ids, func(i, j int) bool {
		ri, iok := f.rank[ids[i]]
		rj, jok := f.rank[ids[j]]
		switch {
		case iok && jok:
			return ri < rj
		case iok != jok:
			return iok
		}
		return ids[i] < ids[j]
	})
	return ids
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func (o Omission) String() string {
	if o.Reason == OmitStale {
		return fmt.Sprintf("%s stale (age %s)", o.ChannelID, o.Age)
	}
	return fmt.Sprintf("%s missing", o.ChannelID)
}
