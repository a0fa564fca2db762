package lanes

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func wait(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for task result")
		return Result{}
	}
}

func TestSubmitReturnsResult(t *testing.T) {
	l := New(zerolog.Nop())
	defer l.Close()

	boom := errors.New("jammed")
	assert.NoError(t, wait(t, l.Submit(context.Background(), "wheels", func(context.Context) error { return nil })).Err)
	assert.ErrorIs(t, wait(t, l.Submit(context.Background(), "wheels", func(context.Context) error { return boom })).Err, boom)
}

func TestLaneIsFIFOAndExclusive(t *testing.T) {
	l := New(zerolog.Nop())
	defer l.Close()

	var (
		mu       sync.Mutex
		order    []int
		inFlight atomic.Int32
		overlap  atomic.Bool
	)

	var results []<-chan Result
	for i := 0; i < 10; i++ {
		i := i
		results = append(results, l.Submit(context.Background(), "arm", func(context.Context) error {
			if inFlight.Add(1) > 1 {
				overlap.Store(true)
			}
			time.Sleep(2 * time.Millisecond)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			inFlight.Add(-1)
			return nil
		}))
	}
	for _, r := range results {
		require.NoError(t, wait(t, r).Err)
	}

	assert.False(t, overlap.Load())
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)
}

func TestDistinctLanesRunConcurrently(t *testing.T) {
	l := New(zerolog.Nop())
	defer l.Close()

	release := make(chan struct{})
	started := make(chan string, 2)
	block := func(name string) Task {
		return func(context.Context) error {
			started <- name
			<-release
			return nil
		}
	}

	a := l.Submit(context.Background(), "speaker", block("speaker"))
	b := l.Submit(context.Background(), "wheels", block("wheels"))

	// Both must start before either is released.
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("lanes did not run concurrently")
		}
	}
	close(release)
	wait(t, a)
	wait(t, b)
}

func TestResetDropsQueued(t *testing.T) {
	l := New(zerolog.Nop())
	defer l.Close()

	release := make(chan struct{})
	running := l.Submit(context.Background(), "wheels", func(context.Context) error {
		<-release
		return nil
	})
	queued := l.Submit(context.Background(), "wheels", func(context.Context) error { return nil })

	require.Eventually(t, func() bool { return l.Stats()["wheels"].Running }, time.Second, time.Millisecond)
	assert.Equal(t, 1, l.Reset("wheels"))
	assert.ErrorIs(t, wait(t, queued).Err, ErrLaneReset)

	close(release)
	assert.NoError(t, wait(t, running).Err)
	assert.Equal(t, 0, l.Reset("unknown"))
}

func TestTaskContextDeadline(t *testing.T) {
	l := New(zerolog.Nop())
	defer l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	res := wait(t, l.Submit(ctx, "display", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
}

func TestPanicBecomesError(t *testing.T) {
	l := New(zerolog.Nop())
	defer l.Close()

	res := wait(t, l.Submit(context.Background(), "arm", func(context.Context) error { panic("gear slipped") }))
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "gear slipped")

	// The lane keeps working.
	assert.NoError(t, wait(t, l.Submit(context.Background(), "arm", func(context.Context) error { return nil })).Err)
}

func TestEventsAndWaitIdle(t *testing.T) {
	l := New(zerolog.Nop())
	defer l.Close()

	var enqueued, completed atomic.Int32
	l.On("enqueued", func(Event) { enqueued.Add(1) })
	l.On("completed", func(Event) { completed.Add(1) })

	for i := 0; i < 3; i++ {
		l.Submit(context.Background(), "speaker", func(context.Context) error {
			time.Sleep(time.Millisecond)
			return nil
		})
	}

	assert.True(t, l.WaitIdle(time.Second))
	assert.Equal(t, int32(3), enqueued.Load())
	require.Eventually(t, func() bool { return completed.Load() == 3 }, time.Second, time.Millisecond)
	assert.False(t, l.Busy("speaker"))
}

func TestCloseCancelsAndRejects(t *testing.T) {
	l := New(zerolog.Nop())

	running := l.Submit(context.Background(), "wheels", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	queued := l.Submit(context.Background(), "wheels", func(context.Context) error { return nil })

	require.Eventually(t, func() bool { return l.Busy("wheels") && l.Stats()["wheels"].Running }, time.Second, time.Millisecond)
	require.NoError(t, l.Close())

	assert.ErrorIs(t, wait(t, running).Err, context.Canceled)
	assert.ErrorIs(t, wait(t, queued).Err, ErrClosed)
	assert.ErrorIs(t, wait(t, l.Submit(context.Background(), "wheels", func(context.Context) error { return nil })).Err, ErrClosed)
	assert.NoError(t, l.Close())
}
