// Package lanes serialises work per key: one task runs per lane at a time,
// queued tasks run in FIFO order, and distinct lanes run concurrently.
//
// The router uses one lane per actuator id so an actuator never receives
// overlapping commands, even across ticks.
//
// Invariants:
// - Tasks in the same lane execute in submission order, one at a time.
// - Submit never blocks; the result arrives on the returned channel.
// - Reset rejects queued tasks of the lane; the running task is unaffected.
//
// Usage:
//
//	l := lanes.New(logger)
//	defer l.Close()
//	res := <-l.Submit(ctx, "wheels", func(ctx context.Context) error {
//		return drive(ctx)
//	})
package lanes
