// Package router turns action candidates into dispatched actuator commands.
//
// Route resolves every candidate against the capability registry, rejects
// unknown kinds and invalid parameters, and keeps only the highest priority
// candidate per actuator (earliest position wins ties). Survivors are queued
// on one lane per actuator, so an actuator never receives overlapping
// commands, while distinct actuators run concurrently. Route returns once
// everything is queued; each result carries a Ticket that resolves when the
// actuator reports success, failure, timeout or cancellation.
//
// Execution modes:
//   - concurrent: actions start as soon as their actuator is free
//   - sequential: each action waits for the previous action of the tick
//   - dependencies: an action waits for earlier actions of the tick whose
//     kinds are listed as its prerequisites
package router
