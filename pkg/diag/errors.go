package diag

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
)

// Kind classifies a diagnostic record.
type Kind string

const (
	KindTransientIO        Kind = "transient_io"
	KindTimeout            Kind = "timeout"
	KindSchema             Kind = "schema"
	KindBackend            Kind = "backend"
	KindUnknownCapability  Kind = "unknown_capability"
	KindInvalidParameters  Kind = "invalid_parameters"
	KindActuatorConflict   Kind = "actuator_conflict"
	KindActuatorExecution  Kind = "actuator_execution"
	KindActuatorTimeout    Kind = "actuator_timeout"
	KindStaleChannel       Kind = "stale_channel"
	KindMissingChannel     Kind = "missing_channel"
	KindDroppedObservation Kind = "dropped_observation"
	KindSuperseded         Kind = "superseded"
	KindStaleResponse      Kind = "stale_response"
	KindSourceFailure      Kind = "source_failure"
	KindInternal           Kind = "internal"
)

// kinded is implemented by every error type in the taxonomy.
type kinded interface {
	DiagKind() Kind
}

// TransientIOError is a retryable failure talking to an external system.
type TransientIOError struct {
	Op  string
	Err error
}

func (e *TransientIOError) Error() string {
	return fmt.Sprintf("transient io error during %s: %v", e.Op, e.Err)
}
func (e *TransientIOError) Unwrap() error  { return e.Err }
func (e *TransientIOError) DiagKind() Kind { return KindTransientIO }

// TimeoutError reports an exhausted deadline. It is never retried within a tick.
type TimeoutError struct {
	Op        string
	RequestID uint64
	Err       error
}

func (e *TimeoutError) Error() string {
	if e.RequestID > 0 {
		return fmt.Sprintf("%s timed out (request %d)", e.Op, e.RequestID)
	}
	return fmt.Sprintf("%s timed out", e.Op)
}
func (e *TimeoutError) Unwrap() error  { return e.Err }
func (e *TimeoutError) DiagKind() Kind { return KindTimeout }

// SchemaError reports a reasoning response that does not match the action schema.
type SchemaError struct {
	RequestID uint64
	Reason    string
	Err       error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("malformed response for request %d: %s", e.RequestID, e.Reason)
}
func (e *SchemaError) Unwrap() error  { return e.Err }
func (e *SchemaError) DiagKind() Kind { return KindSchema }

// BackendError is a non-retryable failure reported by the reasoning backend.
type BackendError struct {
	Backend   string
	RequestID uint64
	Err       error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend %s failed for request %d: %v", e.Backend, e.RequestID, e.Err)
}
func (e *BackendError) Unwrap() error  { return e.Err }
func (e *BackendError) DiagKind() Kind { return KindBackend }

// UnknownCapabilityError is returned when no actuator serves an action kind.
type UnknownCapabilityError struct {
	Kind string
}

func (e *UnknownCapabilityError) Error() string {
	return fmt.Sprintf("no actuator registered for kind %q", e.Kind)
}
func (e *UnknownCapabilityError) DiagKind() Kind { return KindUnknownCapability }

// InvalidParametersError is returned when action parameters fail the actuator schema.
type InvalidParametersError struct {
	Kind   string
	Reason string
}

func (e *InvalidParametersError) Error() string {
	return fmt.Sprintf("invalid parameters for kind %q: %s", e.Kind, e.Reason)
}
func (e *InvalidParametersError) DiagKind() Kind { return KindInvalidParameters }

// ActuatorConflictError describes a candidate that lost priority resolution.
type ActuatorConflictError struct {
	ActuatorID     string
	Priority       int
	WinnerPriority int
	WinnerIndex    int
}

func (e *ActuatorConflictError) Error() string {
	return fmt.Sprintf("actuator %s already claimed by candidate %d (priority %d >= %d)",
		e.ActuatorID, e.WinnerIndex, e.WinnerPriority, e.Priority)
}
func (e *ActuatorConflictError) DiagKind() Kind { return KindActuatorConflict }

// ActuatorExecutionError is a failure reported by an actuator adapter.
type ActuatorExecutionError struct {
	ActuatorID string
	ActionID   string
	TimedOut   bool
	Err        error
}

func (e *ActuatorExecutionError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("actuator %s timed out executing %s", e.ActuatorID, e.ActionID)
	}
	return fmt.Sprintf("actuator %s failed executing %s: %v", e.ActuatorID, e.ActionID, e.Err)
}
func (e *ActuatorExecutionError) Unwrap() error { return e.Err }
func (e *ActuatorExecutionError) DiagKind() Kind {
	if e.TimedOut {
		return KindActuatorTimeout
	}
	return KindActuatorExecution
}

// KindOf returns the taxonomy kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var k kinded
	if errors.As(err, &k) {
		return k.DiagKind()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

// IsTransient reports whether err is worth retrying within the remaining deadline.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientIOError
	if errors.As(err, &te) {
		return true
	}

	// Deadlines and cancellations are final for this tick.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	var k kinded
	if errors.As(err, &k) {
		return false
	}

	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"econnreset", "connection reset", "etimedout", "429", "rate limit", "500", "502", "503", "504"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
