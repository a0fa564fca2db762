package server

import (
	"encoding/json"
	"time"

	"github.com/harun/embodia/pkg/observation"
	"github.com/harun/embodia/pkg/runtime"
)

// Status is the body of GET /status.
type Status struct {
	State      string          `json:"state"`
	Ticks      uint64          `json:"ticks"`
	LastReport *runtime.Report `json:"last_report,omitempty"`
	Kinds      []string        `json:"kinds"`
	Actuators  []string        `json:"actuators"`
	Busy       []string        `json:"busy"`
	Channels   []string        `json:"channels"`
	Clients    int             `json:"clients"`
}

// LaneEvent reports a command entering or leaving an actuator's queue.
type LaneEvent struct {
	Type       string `json:"type"`
	ActuatorID string `json:"actuator_id"`
	TaskID     string `json:"task_id"`
	Error      string `json:"error,omitempty"`
}

// StatusFunc reports the runtime status.
type StatusFunc func() Status

// ObserveRequest is an observation pushed over HTTP or the websocket.
type ObserveRequest struct {
	Channel   string                  `json:"channel"`
	Kind      observation.PayloadKind `json:"kind"`
	Payload   json.RawMessage         `json:"payload"`
	Timestamp *time.Time              `json:"timestamp,omitempty"`
}

// ObserveResponse acknowledges an observation.
type ObserveResponse struct {
	Accepted bool   `json:"accepted"`
	Channel  string `json:"channel,omitempty"`
	Error    string `json:"error,omitempty"`
}

// EventMessage is a server-initiated websocket event.
type EventMessage struct {
	Type      string      `json:"type"`
	Event     string      `json:"event"`
	Seq       int64       `json:"seq"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

// Event names.
const (
	EventDiagnostic = "diagnostic"
	EventTick       = "tick"
	EventLane       = "lane"
	EventAck        = "observe.ack"
	EventShutdown   = "server.shutdown"
)
