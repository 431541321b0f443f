package circuit

import (
	"context"
	"sync"
	"time"

	"github.com/jrsteele09/go-secure-gateway/internal/errors"
	"github.com/jrsteele09/go-secure-gateway/internal/obs"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Breaker isolates failures of one endpoint.
type Breaker struct {
	key       string
	cfg       Config
	nowFunc   func() time.Time
	broker    *Broker
	isFailure func(error) bool
	logger    zerolog.Logger

	mu             sync.Mutex
	state          State
	failures       int
	streakStart    time.Time
	successes      int
	lastFailureAt  time.Time
	lastSuccessAt  time.Time
	openUntil      time.Time
	trialsInFlight int
	calls          int64
	totalLatency   time.Duration
}

type Option func(*Breaker)

func WithNowFunc(now func() time.Time) Option {
	return func(b *Breaker) {
		b.nowFunc = now
	}
}

func WithBroker(broker *Broker) Option {
	return func(b *Breaker) {
		b.broker = broker
	}
}

// WithFailurePredicate decides which operation errors count against the breaker.
func WithFailurePredicate(fn func(error) bool) Option {
	return func(b *Breaker) {
		b.isFailure = fn
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(b *Breaker) {
		b.logger = logger
	}
}

// IsFailure is the default predicate: any error except caller cancellation.
func IsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

func New(key string, cfg Config, options ...Option) *Breaker {
	b := &Breaker{
		key:       key,
		cfg:       cfg.withDefaults(),
		nowFunc:   time.Now,
		isFailure: IsFailure,
		logger:    log.Logger,
	}
	for _, opt := range options {
		opt(b)
	}
	obs.CircuitState.WithLabelValues(key).Set(float64(Closed))
	return b
}

func (b *Breaker) Key() string { return b.key }

// State returns the current state, moving an expired OPEN breaker to HALF_OPEN.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance(b.nowFunc())
	return b.state
}

// Check fails fast with an *OpenError when a call would be rejected right now. It
// does not reserve a trial slot.
func (b *Breaker) Check() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.nowFunc()
	b.advance(now)
	return b.rejection(now)
}

// Execute runs op unless the breaker rejects the call, then records its latency and outcome.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	trial, err := b.acquire()
	if err != nil {
		return err
	}

	start := b.nowFunc()
	opErr := op(ctx)
	b.record(trial, b.nowFunc().Sub(start), opErr)
	return opErr
}

// Metrics returns a snapshot of the counters.
func (b *Breaker) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance(b.nowFunc())

	m := Metrics{
		Key:           b.key,
		State:         b.state,
		FailureCount:  b.failures,
		SuccessCount:  b.successes,
		LastFailureAt: b.lastFailureAt,
		LastSuccessAt: b.lastSuccessAt,
		OpenUntil:     b.openUntil,
	}
	if b.calls > 0 {
		m.AverageLatency = b.totalLatency / time.Duration(b.calls)
	}
	return m
}

// Reset returns the breaker to CLOSED with cleared counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.successes = 0
	b.trialsInFlight = 0
	b.openUntil = time.Time{}
	b.calls = 0
	b.totalLatency = 0
	b.transition(Closed, b.nowFunc())
}

func (b *Breaker) acquire() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.nowFunc()
	b.advance(now)
	if err := b.rejection(now); err != nil {
		return false, err
	}
	if b.state == HalfOpen {
		b.trialsInFlight++
		return true, nil
	}
	return false, nil
}

// halfOpenRetryAfter is the hint given to callers turned away while trials run.
const halfOpenRetryAfter = time.Second

func (b *Breaker) rejection(now time.Time) error {
	switch b.state {
	case Open:
		return &OpenError{Key: b.key, RetryAfter: b.openUntil.Sub(now)}
	case HalfOpen:
		if b.trialsInFlight >= b.cfg.HalfOpenTrials {
			return &OpenError{Key: b.key, RetryAfter: halfOpenRetryAfter}
		}
	}
	return nil
}

func (b *Breaker) record(trial bool, latency time.Duration, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.nowFunc()
	b.calls++
	b.totalLatency += latency

	if trial && b.state == HalfOpen {
		b.trialsInFlight--
	}

	switch {
	case err == nil || !b.isFailure(err):
		if err != nil && errors.Is(err, context.Canceled) {
			return
		}
		b.successes++
		b.lastSuccessAt = now
		if trial && b.state == HalfOpen {
			b.failures = 0
			b.trialsInFlight = 0
			b.transition(Closed, now)
		} else if b.state == Closed {
			b.failures = 0
		}

	default:
		b.lastFailureAt = now
		if trial && b.state == HalfOpen {
			b.failures++
			b.open(now)
			return
		}
		if b.state != Closed {
			return
		}
		if b.failures == 0 || now.Sub(b.streakStart) > b.cfg.Window {
			b.failures = 0
			b.streakStart = now
		}
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.open(now)
		}
	}
}

// advance performs the lazy OPEN to HALF_OPEN transition.
func (b *Breaker) advance(now time.Time) {
	if b.state == Open && !now.Before(b.openUntil) {
		b.trialsInFlight = 0
		b.transition(HalfOpen, now)
	}
}

func (b *Breaker) open(now time.Time) {
	b.openUntil = now.Add(b.cfg.Cooldown)
	b.trialsInFlight = 0
	b.transition(Open, now)
	b.logger.Warn().Str("endpoint", b.key).Int("failures", b.failures).Time("openUntil", b.openUntil).Msg("circuit opened")
}

func (b *Breaker) transition(to State, now time.Time) {
	from := b.state
	b.state = to
	if from == to {
		return
	}

	obs.CircuitState.WithLabelValues(b.key).Set(float64(to))
	obs.CircuitTransitions.WithLabelValues(b.key, from.String(), to.String()).Inc()
	if b.broker != nil {
		b.broker.Publish(Event{Key: b.key, From: from, To: to, At: now})
	}
}
