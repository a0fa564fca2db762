package observation

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"
)

// PayloadKind names a payload variant.
type PayloadKind string

const (
	KindText       PayloadKind = "text"
	KindTranscript PayloadKind = "transcript"
	KindVector     PayloadKind = "vector"
	KindEvent      PayloadKind = "event"
)

// Payload is the closed set of observation contents. Only the types in this
// package implement it.
type Payload interface {
	Kind() PayloadKind
	// Summary renders the payload for prompts and logs.
	Summary() string
	sealed()
}

// Text is a plain text observation such as a chat message.
type Text struct {
	Text string `json:"text"`
}

// Transcript is speech-to-text output.
type Transcript struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Language   string  `json:"language,omitempty"`
}

// Vector is a numeric reading such as a sensor sample or an embedding.
type Vector struct {
	Values []float64 `json:"values"`
	Labels []string  `json:"labels,omitempty"`
}

// Event is a structured event with named fields.
type Event struct {
	Name   string         `json:"name"`
	Fields map[string]any `json:"fields,omitempty"`
}

func (Text) Kind() PayloadKind       { return KindText }
func (Transcript) Kind() PayloadKind { return KindTranscript }
func (Vector) Kind() PayloadKind     { return KindVector }
func (Event) Kind() PayloadKind      { return KindEvent }

func (Text) sealed()       {}
func (Transcript) sealed() {}
func (Vector) sealed()     {}
func (Event) sealed()      {}

func (p Text) Summary() string { return p.Text }

func (p Transcript) Summary() string {
	return fmt.Sprintf("%s (confidence %.2f)", p.Text, p.Confidence)
}

func (p Vector) Summary() string {
	if len(p.Labels) == len(p.Values) && len(p.Labels) > 0 {
		out := make([]string, len(p.Values))
		for i, v := range p.Values {
			out[i] = fmt.Sprintf("%s=%g", p.Labels[i], v)
		}
		return fmt.Sprint(out)
	}
	return fmt.Sprint(p.Values)
}

func (p Event) Summary() string {
	if len(p.Fields) == 0 {
		return p.Name
	}
	data, err := json.Marshal(p.Fields)
	if err != nil {
		return p.Name
	}
	return p.Name + " " + string(data)
}

// NewText creates a text payload.
func NewText(text string) Text { return Text{Text: text} }

// NewTranscript creates a transcript payload.
func NewTranscript(text string, confidence float64, language string) Transcript {
	return Transcript{Text: text, Confidence: confidence, Language: language}
}

// NewVector copies values and labels so the producer may reuse its buffers.
func NewVector(values []float64, labels []string) Vector {
	return Vector{Values: slices.Clone(values), Labels: slices.Clone(labels)}
}

// NewEvent copies fields so later producer writes cannot reach the store.
func NewEvent(name string, fields map[string]any) Event {
	return Event{Name: name, Fields: maps.Clone(fields)}
}

// Observation is one timestamped reading from a channel. Values are never
// mutated after construction.
type Observation struct {
	ChannelID string    `json:"channel_id"`
	Timestamp time.Time `json:"timestamp"`
	Sequence  uint64    `json:"sequence"`
	Payload   Payload   `json:"-"`
}

// New creates an observation.
func New(channelID string, ts time.Time, seq uint64, payload Payload) Observation {
	return Observation{ChannelID: channelID, Timestamp: ts, Sequence: seq, Payload: payload}
}

// Newer reports whether o should replace cur under last-write-wins.
func (o Observation) Newer(cur Observation) bool {
	if o.Timestamp.After(cur.Timestamp) {
		return true
	}
	return o.Timestamp.Equal(cur.Timestamp) && o.Sequence > cur.Sequence
}

// MarshalJSON includes the payload kind so consumers can decode the union.
func (o Observation) MarshalJSON() ([]byte, error) {
	type wire struct {
		ChannelID string      `json:"channel_id"`
		Timestamp time.Time   `json:"timestamp"`
		Sequence  uint64      `json:"sequence"`
		Kind      PayloadKind `json:"kind,omitempty"`
		Payload   Payload     `json:"payload,omitempty"`
	}
	w := wire{ChannelID: o.ChannelID, Timestamp: o.Timestamp, Sequence: o.Sequence, Payload: o.Payload}
	if o.Payload != nil {
		w.Kind = o.Payload.Kind()
	}
	return json.Marshal(w)
}

// Snapshot is a point-in-time copy of the store, ordered by channel id.
type Snapshot struct {
	TakenAt      time.Time     `json:"taken_at"`
	Observations []Observation `json:"observations"`
}

// Get returns the observation for a channel.
func (s Snapshot) Get(channelID string) (Observation, bool) {
	i, ok := slices.BinarySearchFunc(s.Observations, channelID, func(o Observation, id string) int {
		switch {
		case o.ChannelID < id:
			return -1
		case o.ChannelID > id:
			return 1
		}
		return 0
	})
	if !ok {
		return Observation{}, false
	}
	return s.Observations[i], true
}

// Len returns the number of channels in the snapshot.
func (s Snapshot) Len() int { return len(s.Observations) }
