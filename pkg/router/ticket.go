package router

import (
	"context"
	"sync"
	"time"

	"github.com/harun/embodia/pkg/action"
)

// Status is the state of a routed candidate.
type Status string

const (
	// Route outcomes.
	StatusRejected   Status = "rejected"
	StatusDropped    Status = "dropped"
	StatusDispatched Status = "dispatched"

	// Terminal ticket outcomes.
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
	StatusCancelled Status = "cancelled"
)

// DispatchedAction is a validated candidate bound to one actuator.
type DispatchedAction struct {
	ActionID   string        `json:"action_id"`
	TickID     uint64        `json:"tick_id"`
	ActuatorID string        `json:"actuator_id"`
	Kind       string        `json:"kind"`
	Params     action.Params `json:"params"`
	Priority   int           `json:"priority"`
	Deadline   time.Time     `json:"deadline"`
	// Attempts counts adapter calls. It is zero until the ticket resolves.
	Attempts int `json:"attempts"`
}

// Ticket tracks one dispatched action until the actuator reports back.
type Ticket struct {
	Action DispatchedAction

	done     chan struct{}
	once     sync.Once
	mu       sync.Mutex
	status   Status
	err      error
	attempts int
}

func newTicket(a DispatchedAction) *Ticket {
	return &Ticket{Action: a, done: make(chan struct{}), status: StatusDispatched}
}

func (t *Ticket) resolve(status Status, attempts int, err error) {
	t.once.Do(func() {
		t.mu.Lock()
		t.status, t.attempts, t.err = status, attempts, err
		t.mu.Unlock()
		close(t.done)
	})
}

// Done is closed once the ticket has a terminal status.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Status returns the current status without blocking.
func (t *Ticket) Status() (Status, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status, t.err
}

// Attempts returns how many times the actuator was called.
func (t *Ticket) Attempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts
}

// Wait blocks until the ticket resolves or ctx ends.
func (t *Ticket) Wait(ctx context.Context) (Status, error) {
	select {
	case <-t.done:
		return t.Status()
	case <-ctx.Done():
		return StatusDispatched, ctx.Err()
	}
}

// DispatchResult is the routing outcome of one candidate.
type DispatchResult struct {
	Candidate action.Candidate `json:"candidate"`
	Status    Status           `json:"status"`
	Ticket    *Ticket          `json:"-"`
	Err       error            `json:"-"`
}

// Action returns the dispatched action, if the candidate was dispatched.
func (r DispatchResult) Action() (DispatchedAction, bool) {
	if r.Ticket == nil {
		return DispatchedAction{}, false
	}
	a := r.Ticket.Action
	a.Attempts = r.Ticket.Attempts()
	return a, true
}
