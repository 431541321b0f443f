package circuit_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jrsteele09/go-secure-gateway/circuit"
	"github.com/stretchr/testify/require"
)

var errBackend = errors.New("backend down")

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2025, 2, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func fail(context.Context) error    { return errBackend }
func succeed(context.Context) error { return nil }

func TestBreaker_OpensAfterThresholdAndRecovers(t *testing.T) {
	c := newClock()
	b := circuit.New("GET /patients", circuit.Config{FailureThreshold: 5, Cooldown: 30 * time.Second}, circuit.WithNowFunc(c.Now))
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.ErrorIs(t, b.Execute(ctx, fail), errBackend)
		require.Equal(t, circuit.Closed, b.State())
	}
	require.ErrorIs(t, b.Execute(ctx, fail), errBackend)
	require.Equal(t, circuit.Open, b.State())

	calls := 0
	counting := func(context.Context) error { calls++; return nil }

	c.Advance(29 * time.Second)
	err := b.Execute(ctx, counting)
	require.ErrorIs(t, err, circuit.ErrOpen)
	var openErr *circuit.OpenError
	require.ErrorAs(t, err, &openErr)
	require.Equal(t, "GET /patients", openErr.Key)
	require.Equal(t, time.Second, openErr.RetryAfter)
	require.Equal(t, 0, calls)

	c.Advance(time.Second)
	require.Equal(t, circuit.HalfOpen, b.State())

	require.NoError(t, b.Execute(ctx, counting))
	require.Equal(t, 1, calls)
	require.Equal(t, circuit.Closed, b.State())
	require.Equal(t, 0, b.Metrics().FailureCount)
}

func TestBreaker_FailedTrialReopens(t *testing.T) {
	c := newClock()
	b := circuit.New("POST /orders", circuit.Config{FailureThreshold: 5, Cooldown: 30 * time.Second}, circuit.WithNowFunc(c.Now))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = b.Execute(ctx, fail)
	}
	c.Advance(30 * time.Second)
	require.ErrorIs(t, b.Execute(ctx, fail), errBackend)
	require.Equal(t, circuit.Open, b.State())

	m := b.Metrics()
	require.Equal(t, c.Now().Add(30*time.Second), m.OpenUntil)

	c.Advance(29 * time.Second)
	require.ErrorIs(t, b.Check(), circuit.ErrOpen)
	c.Advance(time.Second)
	require.NoError(t, b.Check())
}

func TestBreaker_HalfOpenAdmitsLimitedTrials(t *testing.T) {
	c := newClock()
	b := circuit.New("GET /slow", circuit.Config{FailureThreshold: 1, Cooldown: time.Second, HalfOpenTrials: 1}, circuit.WithNowFunc(c.Now))
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	c.Advance(time.Second)

	started := make(chan struct{})
	finish := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Execute(ctx, func(context.Context) error {
			close(started)
			<-finish
			return nil
		})
	}()
	<-started

	err := b.Execute(ctx, succeed)
	require.ErrorIs(t, err, circuit.ErrOpen)
	var openErr *circuit.OpenError
	require.ErrorAs(t, err, &openErr)
	require.Equal(t, time.Second, openErr.RetryAfter)

	close(finish)
	require.NoError(t, <-done)
	require.Equal(t, circuit.Closed, b.State())
}

func TestBreaker_SuccessResetsFailures(t *testing.T) {
	b := circuit.New("GET /a", circuit.Config{FailureThreshold: 3})
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)
	require.NoError(t, b.Execute(ctx, succeed))
	require.Equal(t, 0, b.Metrics().FailureCount)
	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)
	require.Equal(t, circuit.Closed, b.State())
	require.Equal(t, 2, b.Metrics().FailureCount)
}

func TestBreaker_FailuresOutsideWindowDoNotAccumulate(t *testing.T) {
	c := newClock()
	b := circuit.New("GET /b", circuit.Config{FailureThreshold: 3, Window: 10 * time.Second}, circuit.WithNowFunc(c.Now))
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)
	c.Advance(11 * time.Second)
	_ = b.Execute(ctx, fail)
	require.Equal(t, circuit.Closed, b.State())
	require.Equal(t, 1, b.Metrics().FailureCount)
}

func TestBreaker_CancellationIsNotAFailure(t *testing.T) {
	b := circuit.New("GET /c", circuit.Config{FailureThreshold: 1})
	err := b.Execute(context.Background(), func(context.Context) error { return context.Canceled })
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, circuit.Closed, b.State())
	require.Equal(t, 0, b.Metrics().FailureCount)
}

func TestBreaker_FailurePredicate(t *testing.T) {
	errClient := errors.New("bad request")
	b := circuit.New("GET /d", circuit.Config{FailureThreshold: 1},
		circuit.WithFailurePredicate(func(err error) bool {
			return circuit.IsFailure(err) && !errors.Is(err, errClient)
		}))

	require.ErrorIs(t, b.Execute(context.Background(), func(context.Context) error { return errClient }), errClient)
	require.Equal(t, circuit.Closed, b.State())
}

func TestBreaker_TracksLatency(t *testing.T) {
	c := newClock()
	b := circuit.New("GET /e", circuit.Config{}, circuit.WithNowFunc(c.Now))
	ctx := context.Background()

	require.NoError(t, b.Execute(ctx, func(context.Context) error { c.Advance(100 * time.Millisecond); return nil }))
	require.NoError(t, b.Execute(ctx, func(context.Context) error { c.Advance(300 * time.Millisecond); return nil }))

	m := b.Metrics()
	require.Equal(t, 200*time.Millisecond, m.AverageLatency)
	require.Equal(t, 2, m.SuccessCount)
	require.Equal(t, c.Now(), m.LastSuccessAt)
}
