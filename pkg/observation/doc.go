// Package observation holds the latest observation per input channel.
//
// Producers call Store.Update concurrently; the orchestrator calls
// Store.Snapshot once per tick. The store never filters by age; staleness
// depends on the tick cadence and belongs to the fuser.
//
// Invariants:
// - Per channel, the stored timestamp never moves backwards.
// - An equal timestamp replaces the stored value only with a higher sequence.
// - A snapshot never mixes the payload of one update with the timestamp of another.
package observation
