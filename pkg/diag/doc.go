// Package diag defines the runtime error taxonomy and the structured diagnostic
// records every component emits when something goes wrong.
//
// Invariants:
// - Errors are classified with errors.As; wrapping never loses the kind.
// - Recording a diagnostic never blocks a tick and never fails.
// - A diagnostic is emitted whether or not the surrounding tick succeeds.
//
// Usage:
//
//	rec := diag.NewRecorder(diag.NewLogSink(logger))
//	rec.Record(ctx, diag.FromError(err).WithTick(tickID))
package diag
