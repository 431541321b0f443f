package circuit_test

import (
	"context"
	"testing"
	"time"

	"github.com/jrsteele09/go-secure-gateway/circuit"
	"github.com/stretchr/testify/require"
)

func TestRegistry_LazyBreakersPerKey(t *testing.T) {
	r := circuit.NewRegistry(circuit.DefaultConfig(),
		circuit.WithClassConfig("critical", circuit.Config{FailureThreshold: 1, Cooldown: time.Minute}))

	a := r.Breaker("GET /patients", "critical")
	require.Same(t, a, r.Breaker("GET /patients", "critical"))
	b := r.Breaker("GET /reports", "standard")
	require.NotSame(t, a, b)

	ctx := context.Background()
	_ = a.Execute(ctx, fail)
	require.Equal(t, circuit.Open, a.State())
	_ = b.Execute(ctx, fail)
	require.Equal(t, circuit.Closed, b.State())

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	require.Equal(t, "GET /patients", snap[0].Key)
	require.Equal(t, circuit.Open, snap[0].State)

	r.ResetAll()
	require.Equal(t, circuit.Closed, a.State())
	require.Same(t, a, r.Breaker("GET /patients", "critical"))
}

func TestBroker_PublishesTransitions(t *testing.T) {
	c := newClock()
	r := circuit.NewRegistry(circuit.Config{FailureThreshold: 1, Cooldown: time.Second},
		circuit.WithBreakerOptions(circuit.WithNowFunc(c.Now)))
	events, unsubscribe := r.Broker().Subscribe(8)

	b := r.Breaker("GET /x", "")
	ctx := context.Background()
	_ = b.Execute(ctx, fail)
	c.Advance(time.Second)
	require.NoError(t, b.Execute(ctx, succeed))

	var got []circuit.Event
	for i := 0; i < 3; i++ {
		got = append(got, <-events)
	}
	require.Equal(t, circuit.Closed, got[0].From)
	require.Equal(t, circuit.Open, got[0].To)
	require.Equal(t, circuit.HalfOpen, got[1].To)
	require.Equal(t, circuit.Closed, got[2].To)
	require.Equal(t, "GET /x", got[2].Key)

	unsubscribe()
	unsubscribe()
	_, ok := <-events
	require.False(t, ok)

	_ = b.Execute(ctx, fail)
	require.Equal(t, circuit.Open, b.State())
}

func TestBroker_SlowSubscriberDropsEvents(t *testing.T) {
	broker := circuit.NewBroker()
	events, unsubscribe := broker.Subscribe(1)
	defer unsubscribe()

	broker.Publish(circuit.Event{Key: "a", To: circuit.Open})
	broker.Publish(circuit.Event{Key: "a", To: circuit.HalfOpen})

	require.Equal(t, circuit.Open, (<-events).To)
	require.Equal(t, uint64(1), broker.Dropped())
}
