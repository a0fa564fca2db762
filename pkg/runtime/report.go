package runtime

import (
	"time"

	"github.com/harun/embodia/pkg/diag"
	"github.com/harun/embodia/pkg/fusion"
	"github.com/harun/embodia/pkg/router"
)

// Report summarises one completed tick.
type Report struct {
	TickID      uint64                  `json:"tick_id"`
	RequestID   uint64                  `json:"request_id"`
	Started     time.Time               `json:"started"`
	Duration    time.Duration           `json:"duration"`
	Channels    []string                `json:"channels"`
	Omitted     []fusion.Omission       `json:"omitted,omitempty"`
	Thought     string                  `json:"thought,omitempty"`
	Results     []router.DispatchResult `json:"results,omitempty"`
	Diagnostics []diag.Diagnostic       `json:"diagnostics,omitempty"`

	// NoOp is true when nothing was dispatched.
	NoOp bool `json:"noop"`
	// ReasoningError is set when the reasoning call failed.
	ReasoningError string `json:"reasoning_error,omitempty"`
}

// Dispatched returns the number of dispatched actions.
func (r Report) Dispatched() int {
	n := 0
	for _, res := range r.Results {
		if res.Status == router.StatusDispatched {
			n++
		}
	}
	return n
}

// Observer receives every tick report. Observers run on the tick goroutine
// and must not block.
type Observer func(Report)
