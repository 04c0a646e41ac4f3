package breaker

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var errTransient = &StatusError{Code: http.StatusServiceUnavailable}

func newTestGuard(t *testing.T, opts Options) (*Guard, *fakeClock, *[]time.Duration) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	var waits []time.Duration
	g := NewGuard("ws://relay", opts,
		WithClock(clock.Now),
		WithSleep(func(ctx context.Context, d time.Duration) error {
			waits = append(waits, d)
			return nil
		}),
	)
	return g, clock, &waits
}

func TestGuard_OpensAfterThresholdAndRejectsFast(t *testing.T) {
	g, clock, _ := newTestGuard(t, Options{Threshold: 3, Timeout: time.Minute, MaxRetries: 0})
	ctx := context.Background()

	calls := 0
	failing := func(context.Context) error { calls++; return errTransient }

	for i := 0; i < 3; i++ {
		require.ErrorIs(t, g.Execute(ctx, failing), errTransient)
	}
	rec := g.Record()
	assert.Equal(t, StateOpen, rec.State)
	assert.Equal(t, 3, rec.FailureCount)
	assert.Equal(t, clock.Now(), rec.OpenedAt)

	err := g.Execute(ctx, failing)
	var open *CircuitOpenError
	require.ErrorAs(t, err, &open)
	assert.Equal(t, "ws://relay", open.EndpointID)
	assert.Equal(t, time.Minute, open.RetryAfter)
	assert.Equal(t, 3, calls, "open breaker must not invoke the operation")
}

func TestGuard_HalfOpenSuccessCloses(t *testing.T) {
	g, clock, _ := newTestGuard(t, Options{Threshold: 2, Timeout: 60 * time.Second, MaxRetries: 0})
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_ = g.Execute(ctx, func(context.Context) error { return errTransient })
	}
	require.Equal(t, StateOpen, g.State())

	clock.Advance(59 * time.Second)
	require.Error(t, g.Execute(ctx, func(context.Context) error { t.Fatal("called while open"); return nil }))

	clock.Advance(time.Second)
	called := false
	require.NoError(t, g.Execute(ctx, func(context.Context) error { called = true; return nil }))
	assert.True(t, called)
	rec := g.Record()
	assert.Equal(t, StateClosed, rec.State)
	assert.Equal(t, 0, rec.FailureCount)
}

func TestGuard_HalfOpenFailureReopens(t *testing.T) {
	g, clock, _ := newTestGuard(t, Options{Threshold: 1, Timeout: 10 * time.Second, MaxRetries: 0})
	ctx := context.Background()
	_ = g.Execute(ctx, func(context.Context) error { return errTransient })
	require.Equal(t, StateOpen, g.State())

	clock.Advance(10 * time.Second)
	require.ErrorIs(t, g.Execute(ctx, func(context.Context) error { return errTransient }), errTransient)
	rec := g.Record()
	assert.Equal(t, StateOpen, rec.State)
	assert.Equal(t, clock.Now(), rec.OpenedAt)
}

func TestGuard_RetriesWithCappedBackoff(t *testing.T) {
	g, _, waits := newTestGuard(t, Options{
		Threshold:  10,
		MaxRetries: 4,
		BaseDelay:  100 * time.Millisecond,
		Multiplier: 2,
		MaxDelay:   300 * time.Millisecond,
	})
	calls := 0
	err := g.Execute(context.Background(), func(context.Context) error {
		calls++
		if calls < 5 {
			return errTransient
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 5, calls)
	assert.Equal(t, []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		300 * time.Millisecond,
		300 * time.Millisecond,
	}, *waits)
	assert.Equal(t, StateClosed, g.State())
}

func TestGuard_JitterIsBounded(t *testing.T) {
	g, _, waits := newTestGuard(t, Options{
		Threshold:  10,
		MaxRetries: 2,
		BaseDelay:  time.Second,
		Multiplier: 2,
		MaxDelay:   time.Minute,
		Jitter:     50 * time.Millisecond,
	})
	_ = g.Execute(context.Background(), func(context.Context) error { return errTransient })
	require.Len(t, *waits, 2)
	assert.GreaterOrEqual(t, (*waits)[0], time.Second)
	assert.Less(t, (*waits)[0], time.Second+50*time.Millisecond)
	assert.GreaterOrEqual(t, (*waits)[1], 2*time.Second)
	assert.Less(t, (*waits)[1], 2*time.Second+50*time.Millisecond)
}

func TestGuard_NonRetryablePropagatesImmediately(t *testing.T) {
	g, _, waits := newTestGuard(t, Options{Threshold: 10, MaxRetries: 3})
	bad := &StatusError{Code: http.StatusUnauthorized}
	calls := 0
	err := g.Execute(context.Background(), func(context.Context) error { calls++; return bad })
	require.ErrorIs(t, err, bad)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *waits)
}

func TestGuard_OpensMidRetry(t *testing.T) {
	g, _, _ := newTestGuard(t, Options{Threshold: 2, MaxRetries: 5, BaseDelay: time.Millisecond})
	calls := 0
	err := g.Execute(context.Background(), func(context.Context) error { calls++; return errTransient })
	var open *CircuitOpenError
	require.ErrorAs(t, err, &open)
	require.ErrorIs(t, err, errTransient)
	assert.Equal(t, 2, calls)
}

func TestGuard_TryMakesOneAttempt(t *testing.T) {
	g, clock, waits := newTestGuard(t, Options{Threshold: 2, Timeout: time.Second, MaxRetries: 3})
	ctx := context.Background()
	calls := 0
	op := func(context.Context) error { calls++; return errTransient }

	require.ErrorIs(t, g.Try(ctx, op), errTransient)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *waits)

	require.ErrorIs(t, g.Try(ctx, op), errTransient)
	assert.Equal(t, StateOpen, g.State())
	var open *CircuitOpenError
	require.ErrorAs(t, g.Try(ctx, op), &open)
	assert.Equal(t, 2, calls)

	clock.Advance(time.Second)
	require.NoError(t, g.Try(ctx, func(context.Context) error { return nil }))
	assert.Equal(t, StateClosed, g.State())
}

func TestGuard_PanicFreesHalfOpenTrial(t *testing.T) {
	g, clock, _ := newTestGuard(t, Options{Threshold: 1, Timeout: 10 * time.Second, MaxRetries: 0})
	ctx := context.Background()
	_ = g.Execute(ctx, func(context.Context) error { return errTransient })
	require.Equal(t, StateOpen, g.State())

	clock.Advance(10 * time.Second)
	assert.PanicsWithValue(t, "boom", func() {
		_ = g.Execute(ctx, func(context.Context) error { panic("boom") })
	})
	rec := g.Record()
	assert.Equal(t, StateOpen, rec.State, "a panicking trial reopens the circuit")
	assert.Equal(t, clock.Now(), rec.OpenedAt)

	// the next trial is admitted once the timeout passes again
	clock.Advance(10 * time.Second)
	require.NoError(t, g.Execute(ctx, func(context.Context) error { return nil }))
	assert.Equal(t, StateClosed, g.State())
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(&StatusError{Code: 502}))
	assert.True(t, IsRetryable(&StatusError{Code: 429}))
	assert.False(t, IsRetryable(&StatusError{Code: 404}))
	assert.True(t, IsRetryable(context.DeadlineExceeded))
	assert.False(t, IsRetryable(context.Canceled))
	assert.False(t, IsRetryable(errors.New("boom")))
	assert.False(t, IsRetryable(&CircuitOpenError{EndpointID: "x"}))
}

func TestRegistry_OneGuardPerEndpoint(t *testing.T) {
	r := NewRegistry(DefaultOptions())
	a := r.Get("a")
	assert.Same(t, a, r.Get("a"))
	assert.NotSame(t, a, r.Get("b"))
	assert.Len(t, r.Records(), 2)
}
