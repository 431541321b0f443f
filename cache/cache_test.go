package cache_test

import (
	"testing"
	"time"

	"github.com/jrsteele09/go-secure-gateway/cache"
	"github.com/stretchr/testify/require"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time          { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newClock() *clock {
	return &clock{now: time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)}
}

func TestManager_TTL(t *testing.T) {
	c := newClock()
	m := cache.New[string](cache.WithNowFunc(c.Now))

	m.Set("k", "v", cache.WithTTL(time.Second))
	v, ok := m.Get("k")
	require.True(t, ok)
	require.Equal(t, "v", v)

	c.Advance(999 * time.Millisecond)
	_, ok = m.Get("k")
	require.True(t, ok)

	c.Advance(time.Millisecond)
	_, ok = m.Get("k")
	require.False(t, ok)

	stats := m.Stats()
	require.Equal(t, uint64(2), stats.Hits)
	require.Equal(t, uint64(1), stats.Misses)
	require.Equal(t, uint64(1), stats.Expirations)
	require.Equal(t, 0, stats.Entries)
}

func TestManager_DefaultTTL(t *testing.T) {
	c := newClock()
	m := cache.New[int](cache.WithNowFunc(c.Now), cache.WithDefaultTTL(time.Minute))

	m.Set("k", 1)
	e, ok := m.Entry("k")
	require.True(t, ok)
	require.Equal(t, c.Now().Add(time.Minute), e.ExpiresAt)
}

func TestManager_InvalidateTag(t *testing.T) {
	m := cache.New[string]()
	m.Set("GET /patients", "list", cache.WithTags("patients"))
	m.Set("GET /patients/1", "one", cache.WithTags("patients", "patient:1"))
	m.Set("GET /reports", "reports", cache.WithTags("reports"))

	require.Equal(t, 2, m.InvalidateTag("patients"))
	require.Equal(t, 0, m.InvalidateTag("patients"))
	require.Equal(t, 0, m.InvalidateTag("patient:1"))

	_, ok := m.Get("GET /patients/1")
	require.False(t, ok)
	_, ok = m.Get("GET /reports")
	require.True(t, ok)
	require.Equal(t, uint64(2), m.Stats().Invalidations)
}

func TestManager_LRUEviction(t *testing.T) {
	c := newClock()
	m := cache.New[string](cache.WithNowFunc(c.Now), cache.WithMaxEntries(2))

	m.Set("a", "1")
	c.Advance(time.Millisecond)
	m.Set("b", "2")
	c.Advance(time.Millisecond)
	_, ok := m.Get("a")
	require.True(t, ok)

	m.Set("c", "3")
	require.Equal(t, 2, m.Len())
	_, ok = m.Get("b")
	require.False(t, ok, "least recently accessed entry is evicted")
	_, ok = m.Get("a")
	require.True(t, ok)
	_, ok = m.Get("c")
	require.True(t, ok)
	require.Equal(t, uint64(1), m.Stats().Evictions)
}

func TestManager_ReplaceDropsOldTags(t *testing.T) {
	m := cache.New[string]()
	m.Set("k", "v1", cache.WithTags("old"))
	m.Set("k", "v2", cache.WithTags("new"))

	require.Equal(t, 0, m.InvalidateTag("old"))
	v, ok := m.Get("k")
	require.True(t, ok)
	require.Equal(t, "v2", v)
	require.Equal(t, 1, m.InvalidateTag("new"))
}

func TestManager_SweepAndClear(t *testing.T) {
	c := newClock()
	m := cache.New[int](cache.WithNowFunc(c.Now))
	m.Set("short", 1, cache.WithTTL(time.Second))
	m.Set("long", 2, cache.WithTTL(time.Hour))

	c.Advance(2 * time.Second)
	require.Equal(t, 1, m.Sweep())
	require.Equal(t, 1, m.Len())

	require.True(t, m.Delete("long"))
	require.False(t, m.Delete("long"))

	m.Set("x", 3)
	m.Clear()
	require.Equal(t, 0, m.Len())
}
