package bulkhead

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jrsteele09/go-secure-gateway/internal/errors"
	"github.com/jrsteele09/go-secure-gateway/internal/obs"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// ErrRejected matches every rejection caused by a full queue.
	ErrRejected = errors.New("bulkhead: queue full")
	// ErrCancelled is returned when a queued caller gives up before being admitted.
	ErrCancelled = errors.New("bulkhead: cancelled while queued")
)

// RejectedError is returned immediately when every slot is busy and the queue is full.
type RejectedError struct {
	Class         string
	QueueCapacity int
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("bulkhead %s rejected call, queue capacity %d reached", e.Class, e.QueueCapacity)
}

func (e *RejectedError) Unwrap() error { return ErrRejected }

type Config struct {
	MaxConcurrent int `json:"maxConcurrent"`
	QueueCapacity int `json:"queueCapacity"`
}

func DefaultConfig() Config {
	return Config{MaxConcurrent: 6, QueueCapacity: 20}
}

// Stats is a snapshot of a bulkhead.
type Stats struct {
	Class         string `json:"class"`
	Running       int    `json:"running"`
	Queued        int    `json:"queued"`
	Rejected      uint64 `json:"rejected"`
	MaxConcurrent int    `json:"maxConcurrent"`
	QueueCapacity int    `json:"queueCapacity"`
}

// Bulkhead bounds the concurrent calls of one resource class and queues the overflow
// by priority.
type Bulkhead struct {
	class   string
	cfg     Config
	nowFunc func() time.Time
	logger  zerolog.Logger

	mu       sync.Mutex
	running  int
	queue    waitQueue
	seq      uint64
	rejected uint64
}

type Option func(*Bulkhead)

func WithNowFunc(now func() time.Time) Option {
	return func(b *Bulkhead) {
		b.nowFunc = now
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(b *Bulkhead) {
		b.logger = logger
	}
}

func New(class string, cfg Config, options ...Option) *Bulkhead {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultConfig().MaxConcurrent
	}
	if cfg.QueueCapacity < 0 {
		cfg.QueueCapacity = 0
	}
	b := &Bulkhead{
		class:   class,
		cfg:     cfg,
		nowFunc: time.Now,
		logger:  log.Logger,
	}
	for _, opt := range options {
		opt(b)
	}
	return b
}

// Handle is a held slot. Release it exactly once when the call finishes; further
// calls are ignored.
type Handle struct {
	b    *Bulkhead
	once sync.Once
}

func (h *Handle) Release() {
	h.once.Do(h.b.release)
}

// Acquire returns a slot, waiting in the queue when all slots are busy. It fails
// immediately with *RejectedError when the queue is full, and with ErrCancelled when
// ctx ends while waiting. A running holder is never interrupted by the bulkhead.
func (b *Bulkhead) Acquire(ctx context.Context, priority int) (*Handle, error) {
	b.mu.Lock()
	if err := ctx.Err(); err != nil {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	if b.running < b.cfg.MaxConcurrent && b.queue.Len() == 0 {
		b.running++
		b.publish()
		b.mu.Unlock()
		return &Handle{b: b}, nil
	}
	if b.queue.Len() >= b.cfg.QueueCapacity {
		b.rejected++
		b.mu.Unlock()
		obs.BulkheadRejected.WithLabelValues(b.class).Inc()
		b.logger.Warn().Str("class", b.class).Int("priority", priority).Msg("bulkhead rejected call")
		return nil, &RejectedError{Class: b.class, QueueCapacity: b.cfg.QueueCapacity}
	}

	w := &waiter{
		priority:   priority,
		enqueuedAt: b.nowFunc(),
		seq:        b.seq,
		ready:      make(chan struct{}),
	}
	b.seq++
	heap.Push(&b.queue, w)
	b.publish()
	b.mu.Unlock()

	select {
	case <-w.ready:
		return &Handle{b: b}, nil
	case <-ctx.Done():
	}

	b.mu.Lock()
	if w.admitted {
		// The slot was handed over as ctx ended, pass it on.
		b.mu.Unlock()
		b.release()
		return nil, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
	}
	heap.Remove(&b.queue, w.index)
	b.publish()
	b.mu.Unlock()
	return nil, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
}

// release frees a slot or promotes the head of the queue into it.
func (b *Bulkhead) release() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.queue.Len() > 0 {
		w := heap.Pop(&b.queue).(*waiter)
		w.admitted = true
		close(w.ready)
		b.logger.Debug().Str("class", b.class).Int("priority", w.priority).
			Dur("waited", b.nowFunc().Sub(w.enqueuedAt)).Msg("promoted queued call")
	} else if b.running > 0 {
		b.running--
	}
	b.publish()
}

func (b *Bulkhead) publish() {
	obs.BulkheadInFlight.WithLabelValues(b.class).Set(float64(b.running))
	obs.BulkheadQueued.WithLabelValues(b.class).Set(float64(b.queue.Len()))
}

func (b *Bulkhead) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Class:         b.class,
		Running:       b.running,
		Queued:        b.queue.Len(),
		Rejected:      b.rejected,
		MaxConcurrent: b.cfg.MaxConcurrent,
		QueueCapacity: b.cfg.QueueCapacity,
	}
}
