package cognition

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/harun/embodia/pkg/action"
	"github.com/harun/embodia/pkg/diag"
	"github.com/harun/embodia/pkg/fusion"
	"github.com/harun/embodia/pkg/observation"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

const speakReply = `{"thought":"greet","actions":[{"type":"speak","value":"hello","priority":1}]}`

func newRequest(f *fusion.Fuser) *fusion.Request {
	now := time.Now()
	snap := observation.Snapshot{TakenAt: now, Observations: []observation.Observation{
		observation.New("text", now, 1, observation.NewText("hi robot")),
	}}
	req := f.Fuse(snap, now)
	return &req
}

func newGateway(t *testing.T, b Backend, f *fusion.Fuser, sink diag.Sink) *Gateway {
	t.Helper()
	g := NewGateway(b, Options{
		MaxRetries:     2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Window:         f,
		Diagnostics:    sink,
		Logger:         zerolog.Nop(),
	})
	t.Cleanup(g.Close)
	return g
}

func replyWith(s string) FuncBackend {
	return FuncBackend{Fn: func(context.Context, Prompt) (string, error) { return s, nil }}
}

func TestSubmitSuccessRecordsExchange(t *testing.T) {
	f := fusion.New(fusion.Options{WindowSize: 4})
	g := newGateway(t, replyWith(speakReply), f, nil)

	req := newRequest(f)
	resp, err := g.Submit(context.Background(), req, time.Second)
	require.NoError(t, err)

	assert.Equal(t, req.ID, resp.RequestID)
	assert.Equal(t, "greet", resp.Thought)
	assert.Equal(t, 1, resp.Attempts)
	require.Len(t, resp.Actions, 1)
	assert.Equal(t, action.Speak{Text: "hello"}, resp.Actions[0].Params)

	items := f.Window().Items()
	require.Len(t, items, 1)
	assert.Equal(t, req.ID, items[0].RequestID)
	assert.Equal(t, []string{"speak(hello) p=1"}, items[0].Actions)
	assert.False(t, g.InFlight())
}

func TestSubmitRetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	b := FuncBackend{Fn: func(context.Context, Prompt) (string, error) {
		if calls.Add(1) < 3 {
			return "", &diag.TransientIOError{Op: "call", Err: errors.New("connection reset")}
		}
		return speakReply, nil
	}}
	f := fusion.New(fusion.Options{WindowSize: 4})
	g := newGateway(t, b, f, nil)

	resp, err := g.Submit(context.Background(), newRequest(f), time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3, resp.Attempts)
	assert.Equal(t, int32(3), calls.Load())
}

func TestSubmitDoesNotRetryPermanentErrors(t *testing.T) {
	var calls atomic.Int32
	b := FuncBackend{Fn: func(context.Context, Prompt) (string, error) {
		calls.Add(1)
		return "", errors.New("invalid api key")
	}}
	f := fusion.New(fusion.Options{WindowSize: 4})
	g := newGateway(t, b, f, nil)

	_, err := g.Submit(context.Background(), newRequest(f), time.Second)
	var be *diag.BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 0, f.Window().Len())
}

func TestSubmitRetriesBoundedByMaxRetries(t *testing.T) {
	var calls atomic.Int32
	b := FuncBackend{Fn: func(context.Context, Prompt) (string, error) {
		calls.Add(1)
		return "", errors.New("status 503")
	}}
	f := fusion.New(fusion.Options{WindowSize: 4})
	g := newGateway(t, b, f, nil)

	_, err := g.Submit(context.Background(), newRequest(f), time.Second)
	assert.Equal(t, diag.KindBackend, diag.KindOf(err))
	assert.Equal(t, int32(3), calls.Load())
}

func TestSubmitSchemaErrorIsNoOp(t *testing.T) {
	f := fusion.New(fusion.Options{WindowSize: 4})
	g := newGateway(t, replyWith(`{"actions": "nope"}`), f, nil)

	_, err := g.Submit(context.Background(), newRequest(f), time.Second)
	var se *diag.SchemaError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 0, f.Window().Len())
}

func TestSubmitTimeoutAbandonsCall(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	b := FuncBackend{Fn: func(ctx context.Context, _ Prompt) (string, error) {
		if calls.Add(1) == 1 {
			// ignores cancellation, like a backend that cannot abort
			<-release
			return speakReply, nil
		}
		return `{"actions":[{"type":"turn left"}]}`, nil
	}}
	collector := diag.NewCollector()
	f := fusion.New(fusion.Options{WindowSize: 4})
	g := newGateway(t, b, f, collector)

	first := newRequest(f)
	_, err := g.Submit(context.Background(), first, 20*time.Millisecond)
	var te *diag.TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, first.ID, te.RequestID)
	assert.True(t, g.InFlight())

	second := newRequest(f)
	resp, err := g.Submit(context.Background(), second, time.Second)
	require.NoError(t, err)
	assert.Equal(t, second.ID, resp.RequestID)

	close(release)
	require.Eventually(t, func() bool { return !g.InFlight() && collector.Len() == 2 }, time.Second, 5*time.Millisecond)

	items := collector.Items()
	assert.Equal(t, diag.KindSuperseded, items[0].Kind)
	assert.Equal(t, first.ID, items[0].RequestID)
	assert.Equal(t, diag.KindStaleResponse, items[1].Kind)
	assert.Equal(t, first.ID, items[1].RequestID)

	window := f.Window().Items()
	require.Len(t, window, 1)
	assert.Equal(t, second.ID, window[0].RequestID)
}

func TestSubmitSupersedesConcurrentCaller(t *testing.T) {
	started := make(chan struct{})
	var calls atomic.Int32
	b := FuncBackend{Fn: func(ctx context.Context, _ Prompt) (string, error) {
		if calls.Add(1) == 1 {
			close(started)
			<-ctx.Done()
			return "", ctx.Err()
		}
		return speakReply, nil
	}}
	f := fusion.New(fusion.Options{WindowSize: 4})
	g := newGateway(t, b, f, nil)

	first := newRequest(f)
	errCh := make(chan error, 1)
	go func() {
		_, err := g.Submit(context.Background(), first, 5*time.Second)
		errCh <- err
	}()
	<-started

	second := newRequest(f)
	_, err := g.Submit(context.Background(), second, time.Second)
	require.NoError(t, err)

	err = <-errCh
	var se *SupersededError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, first.ID, se.RequestID)
	assert.Equal(t, second.ID, se.By)
	assert.Equal(t, diag.KindSuperseded, diag.KindOf(err))

	window := f.Window().Items()
	require.Len(t, window, 1)
	assert.Equal(t, second.ID, window[0].RequestID)
}

func TestSubmitParentCancelled(t *testing.T) {
	b := FuncBackend{Fn: func(ctx context.Context, _ Prompt) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	f := fusion.New(fusion.Options{WindowSize: 4})
	g := newGateway(t, b, f, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := g.Submit(ctx, newRequest(f), 5*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSubmitTimeoutLeavesObservationsFresh(t *testing.T) {
	var calls atomic.Int32
	prompts := make(chan string, 2)
	b := FuncBackend{Fn: func(ctx context.Context, p Prompt) (string, error) {
		prompts <- p.User
		if calls.Add(1) == 1 {
			<-ctx.Done()
			return "", ctx.Err()
		}
		return speakReply, nil
	}}
	f := fusion.New(fusion.Options{WindowSize: 4})
	g := newGateway(t, b, f, nil)

	now := time.Now()
	snap := observation.Snapshot{TakenAt: now, Observations: []observation.Observation{
		observation.New("text", now, 1, observation.NewText("hi robot")),
	}}

	first := f.Fuse(snap, now)
	_, err := g.Submit(context.Background(), &first, 20*time.Millisecond)
	var te *diag.TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 0, f.Window().Len())

	second := f.Fuse(snap, now)
	require.Len(t, second.Channels, 1)
	assert.True(t, second.Channels[0].Fresh)

	_, err = g.Submit(context.Background(), &second, time.Second)
	require.NoError(t, err)
	<-prompts
	assert.Contains(t, <-prompts, `"fresh": true`)

	third := f.Fuse(snap, now)
	assert.False(t, third.Channels[0].Fresh)
}
