package runtime

import (
	"errors"
	"fmt"
)

// State is the orchestrator's position in the tick pipeline.
type State int32

const (
	StateIdle State = iota
	StateFusing
	StateReasoning
	StateDispatching
	StateTickComplete
)

var stateNames = map[State]string{
	StateIdle:         "idle",
	StateFusing:       "fusing",
	StateReasoning:    "reasoning",
	StateDispatching:  "dispatching",
	StateTickComplete: "tick_complete",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// MarshalText renders the state name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

var (
	// ErrCorruptState reports broken orchestrator bookkeeping. It is fatal.
	ErrCorruptState = errors.New("corrupt runtime state")
	// ErrTickInProgress is returned when Tick is called while another tick runs.
	ErrTickInProgress = errors.New("tick already in progress")
)

var transitions = map[State]State{
	StateIdle:         StateFusing,
	StateFusing:       StateReasoning,
	StateReasoning:    StateDispatching,
	StateDispatching:  StateTickComplete,
	StateTickComplete: StateIdle,
}

// validTransition reports whether from may move to to.
func validTransition(from, to State) bool {
	next, ok := transitions[from]
	return ok && next == to
}
