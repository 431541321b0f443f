package dedupe

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/jrsteele09/go-secure-gateway/internal/obs"
	"github.com/rs/zerolog/log"
)

// Signature is a stable digest of a request used as the deduplication key.
func Signature(method, url string, body []byte) string {
	d := xxhash.New()
	_, _ = d.WriteString(strings.ToUpper(method))
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(url)
	_, _ = d.Write([]byte{0})
	_, _ = d.Write(body)
	return strconv.FormatUint(d.Sum64(), 16)
}

type call[T any] struct {
	done        chan struct{}
	val         T
	err         error
	subscribers int
	cancel      context.CancelFunc
}

// Group collapses concurrent calls with the same key into one execution. Unlike
// singleflight each caller may abandon the wait on its own context; the shared
// execution is cancelled only when its last caller has gone.
type Group[T any] struct {
	mu    sync.Mutex
	calls map[string]*call[T]
}

// Do runs fn once per in-flight key and hands its outcome to every caller that
// joined meanwhile. shared reports whether this caller joined an existing execution.
// fn receives a context that outlives any single caller and is cancelled when all
// callers have abandoned. A panic in fn is returned to all callers as an error.
func (g *Group[T]) Do(ctx context.Context, key string, fn func(ctx context.Context) (T, error)) (v T, shared bool, err error) {
	g.mu.Lock()
	if g.calls == nil {
		g.calls = make(map[string]*call[T])
	}
	if c, ok := g.calls[key]; ok {
		c.subscribers++
		g.mu.Unlock()
		obs.DedupeShared.Inc()
		v, err = g.wait(ctx, key, c)
		return v, true, err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &call[T]{
		done:        make(chan struct{}),
		subscribers: 1,
		cancel:      cancel,
	}
	g.calls[key] = c
	g.mu.Unlock()

	go g.run(runCtx, key, c, fn)

	v, err = g.wait(ctx, key, c)
	return v, false, err
}

// InFlight returns the number of executions currently running.
func (g *Group[T]) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

// Waiting returns the number of callers waiting on key.
func (g *Group[T]) Waiting(key string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.calls[key]; ok {
		return c.subscribers
	}
	return 0
}

func (g *Group[T]) run(ctx context.Context, key string, c *call[T], fn func(ctx context.Context) (T, error)) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("key", key).Interface("panic", r).Msg("deduplicated operation panicked")
			c.err = fmt.Errorf("dedupe: operation panicked: %v", r)
		}
		g.forget(key, c)
		close(c.done)
		c.cancel()
	}()
	c.val, c.err = fn(ctx)
}

func (g *Group[T]) wait(ctx context.Context, key string, c *call[T]) (T, error) {
	select {
	case <-c.done:
		return c.val, c.err
	case <-ctx.Done():
	}

	g.mu.Lock()
	c.subscribers--
	last := c.subscribers == 0
	if last && g.calls[key] == c {
		delete(g.calls, key)
	}
	g.mu.Unlock()

	if last {
		c.cancel()
	}
	var zero T
	return zero, ctx.Err()
}

func (g *Group[T]) forget(key string, c *call[T]) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.calls[key] == c {
		delete(g.calls, key)
	}
}
