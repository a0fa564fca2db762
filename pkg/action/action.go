// Package action defines the candidate actions produced by reasoning and the
// closed set of parameter variants actuators accept.
package action

import (
	"fmt"
	"maps"
	"strings"
)

// Well-known action kinds.
const (
	KindMove    = "move"
	KindSpeak   = "speak"
	KindDisplay = "display"
)

// Params is the closed set of action parameter variants.
type Params interface {
	// Kind is the action kind these parameters belong to.
	Kind() string
	// Fields renders the parameters as a JSON-compatible map for schema
	// validation and wire transport.
	Fields() map[string]any
	sealed()
}

// Move drives a locomotion actuator.
type Move struct {
	Direction string  `json:"direction"`
	Speed     float64 `json:"speed,omitempty"`
}

// Speak sends an utterance to a speech actuator.
type Speak struct {
	Text string `json:"text"`
}

// Display changes what a face or screen shows.
type Display struct {
	Text       string `json:"text,omitempty"`
	Expression string `json:"expression,omitempty"`
}

// Generic carries parameters for kinds without a dedicated variant.
type Generic struct {
	ActionKind string         `json:"kind"`
	Values     map[string]any `json:"values,omitempty"`
}

func (Move) Kind() string      { return KindMove }
func (Speak) Kind() string     { return KindSpeak }
func (Display) Kind() string   { return KindDisplay }
func (g Generic) Kind() string { return g.ActionKind }

func (Move) sealed()    {}
func (Speak) sealed()   {}
func (Display) sealed() {}
func (Generic) sealed() {}

func (m Move) Fields() map[string]any {
	f := map[string]any{"direction": m.Direction}
	if m.Speed != 0 {
		f["speed"] = m.Speed
	}
	return f
}

func (s Speak) Fields() map[string]any { return map[string]any{"text": s.Text} }

func (d Display) Fields() map[string]any {
	f := map[string]any{}
	if d.Text != "" {
		f["text"] = d.Text
	}
	if d.Expression != "" {
		f["expression"] = d.Expression
	}
	return f
}

func (g Generic) Fields() map[string]any {
	if g.Values == nil {
		return map[string]any{}
	}
	return maps.Clone(g.Values)
}

// Candidate is one action proposed by the reasoning backend.
type Candidate struct {
	Kind     string `json:"kind"`
	Value    string `json:"value,omitempty"`
	Params   Params `json:"params"`
	Priority int    `json:"priority"`
	// Index is the candidate's position in the response; it breaks priority ties.
	Index int `json:"index"`
}

func (c Candidate) String() string {
	if c.Value != "" {
		return fmt.Sprintf("%s(%s) p=%d", c.Kind, c.Value, c.Priority)
	}
	return fmt.Sprintf("%s p=%d", c.Kind, c.Priority)
}

// shortcuts are bare action names that mean a move with that value.
var shortcuts = map[string]bool{
	"stand still":   true,
	"turn left":     true,
	"turn right":    true,
	"move forwards": true,
	"move back":     true,
}

// NormalizeKind lower-cases kind and expands movement shortcuts. It returns
// the canonical kind and value.
func NormalizeKind(kind, value string) (string, string) {
	k := strings.ToLower(strings.TrimSpace(kind))
	if value == "" && shortcuts[k] {
		return KindMove, k
	}
	return k, value
}
