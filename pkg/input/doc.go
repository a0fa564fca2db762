// Package input is the boundary between external producers and the
// observation store.
//
// Producers call Ingress.Push, which never blocks for longer than the
// configured push timeout. Observations travel through a bounded queue to a
// single pump goroutine that applies them to the store; a full queue drops
// the observation and records a dropped_observation diagnostic.
//
// Long-running producers implement Source and are run by a Supervisor, which
// restarts a failed source after a short backoff.
package input
