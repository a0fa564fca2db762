// Package runtime drives the tick loop: snapshot the observation store, fuse
// it into a request, reason over it and route the resulting actions.
//
// Each tick walks Idle, Fusing, Reasoning, Dispatching, TickComplete and back
// to Idle. Any other transition means the orchestrator's own bookkeeping is
// corrupt; Tick and Run then return ErrCorruptState and the process should
// exit so a supervisor can restart it. Reasoning timeouts, malformed replies
// and actuator failures only produce diagnostics; the tick still completes.
//
// Dispatch is fire-and-track, so the next tick may start while actuators from
// the previous one are still running. The cognition gateway guarantees that
// two reasoning calls never overlap.
package runtime
