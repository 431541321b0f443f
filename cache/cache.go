package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/jrsteele09/go-secure-gateway/internal/obs"
	"github.com/jrsteele09/go-secure-gateway/kvstore"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultMaxEntries  = 500
	DefaultTTL         = 5 * time.Minute
	DefaultSnapshotKey = "cache:snapshot"
)

// Entry is a cached value with its bookkeeping.
type Entry[V any] struct {
	Key            string    `json:"key"`
	Value          V         `json:"value"`
	Tags           []string  `json:"tags,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
	LastAccessedAt time.Time `json:"lastAccessedAt"`
	Pending        bool      `json:"pending,omitempty"`
	NoPersist      bool      `json:"-"`
}

type item[V any] struct {
	entry    Entry[V]
	ttl      time.Duration
	elem     *list.Element
	rollback *Entry[V] // value before the first optimistic write, nil when there was none
	tracked  bool      // rollback state is set
}

// Stats counts cache activity since creation.
type Stats struct {
	Entries       int    `json:"entries"`
	Hits          uint64 `json:"hits"`
	Misses        uint64 `json:"misses"`
	Evictions     uint64 `json:"evictions"`
	Expirations   uint64 `json:"expirations"`
	Invalidations uint64 `json:"invalidations"`
}

// Manager is an LRU and TTL cache with tag invalidation and optimistic writes.
// Reads see the last committed write; concurrent writers are last write wins.
type Manager[V any] struct {
	maxEntries  int
	defaultTTL  time.Duration
	store       kvstore.Store
	snapshotKey string
	nowFunc     func() time.Time
	logger      zerolog.Logger

	mu    sync.Mutex
	items map[string]*item[V]
	lru   *list.List // front is most recently used
	tags  map[string]map[string]struct{}
	stats Stats
}

type Option func(*options)

type options struct {
	maxEntries  int
	defaultTTL  time.Duration
	store       kvstore.Store
	snapshotKey string
	nowFunc     func() time.Time
	logger      *zerolog.Logger
}

func WithMaxEntries(n int) Option {
	return func(o *options) {
		o.maxEntries = n
	}
}

func WithDefaultTTL(d time.Duration) Option {
	return func(o *options) {
		o.defaultTTL = d
	}
}

// WithStore sets where Hydrate and Persist keep the snapshot.
func WithStore(store kvstore.Store, key string) Option {
	return func(o *options) {
		o.store = store
		o.snapshotKey = key
	}
}

func WithNowFunc(now func() time.Time) Option {
	return func(o *options) {
		o.nowFunc = now
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = &logger
	}
}

func New[V any](opts ...Option) *Manager[V] {
	o := options{
		maxEntries:  DefaultMaxEntries,
		defaultTTL:  DefaultTTL,
		snapshotKey: DefaultSnapshotKey,
		nowFunc:     time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxEntries <= 0 {
		o.maxEntries = DefaultMaxEntries
	}
	if o.snapshotKey == "" {
		o.snapshotKey = DefaultSnapshotKey
	}
	m := &Manager[V]{
		maxEntries:  o.maxEntries,
		defaultTTL:  o.defaultTTL,
		store:       o.store,
		snapshotKey: o.snapshotKey,
		nowFunc:     o.nowFunc,
		logger:      log.Logger,
	}
	if o.logger != nil {
		m.logger = *o.logger
	}
	m.reset()
	return m
}

// SetOption adjusts a single Set.
type SetOption func(*setOptions)

type setOptions struct {
	ttl       time.Duration
	tags      []string
	noPersist bool
}

func WithTTL(d time.Duration) SetOption {
	return func(o *setOptions) {
		o.ttl = d
	}
}

func WithTags(tags ...string) SetOption {
	return func(o *setOptions) {
		o.tags = append(o.tags, tags...)
	}
}

// WithNoPersist keeps the entry out of the durable snapshot.
func WithNoPersist() SetOption {
	return func(o *setOptions) {
		o.noPersist = true
	}
}

// Get returns the value when present and unexpired and marks it recently used.
// It never refetches.
func (m *Manager[V]) Get(key string) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var zero V
	it, ok := m.items[key]
	if !ok {
		m.count("miss", &m.stats.Misses)
		return zero, false
	}
	now := m.nowFunc()
	if m.expired(it, now) {
		m.remove(it)
		m.count("expiration", &m.stats.Expirations)
		m.count("miss", &m.stats.Misses)
		return zero, false
	}

	it.entry.LastAccessedAt = now
	m.lru.MoveToFront(it.elem)
	m.count("hit", &m.stats.Hits)
	return it.entry.Value, true
}

// Entry returns a copy of the live entry for key.
func (m *Manager[V]) Entry(key string) (Entry[V], bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.items[key]
	if !ok || m.expired(it, m.nowFunc()) {
		return Entry[V]{}, false
	}
	return copyEntry(it.entry), true
}

// Set stores value under key, using the default TTL unless one is given, and evicts
// least recently used entries beyond capacity.
func (m *Manager[V]) Set(key string, value V, opts ...SetOption) {
	var so setOptions
	for _, opt := range opts {
		opt(&so)
	}
	ttl := so.ttl
	if ttl <= 0 {
		ttl = m.defaultTTL
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFunc()
	if old, ok := m.items[key]; ok {
		m.remove(old)
	}
	m.insert(&item[V]{
		ttl: ttl,
		entry: Entry[V]{
			Key:            key,
			Value:          value,
			Tags:           dedupeTags(so.tags),
			CreatedAt:      now,
			ExpiresAt:      now.Add(ttl),
			LastAccessedAt: now,
			NoPersist:      so.noPersist,
		},
	})
}

// Delete removes key and reports whether it was present.
func (m *Manager[V]) Delete(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.items[key]
	if !ok {
		return false
	}
	m.remove(it)
	return true
}

// InvalidateTag removes every entry carrying tag in one pass and returns how many
// went. Invalidating a clean tag does nothing.
func (m *Manager[V]) InvalidateTag(tag string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := m.tags[tag]
	n := 0
	for key := range keys {
		if it, ok := m.items[key]; ok {
			m.remove(it)
			n++
		}
	}
	delete(m.tags, tag)
	if n > 0 {
		m.stats.Invalidations += uint64(n)
		obs.CacheEvents.WithLabelValues("invalidation").Add(float64(n))
	}
	return n
}

// Sweep drops expired entries and returns how many went.
func (m *Manager[V]) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFunc()
	n := 0
	for _, it := range m.items {
		if m.expired(it, now) {
			m.remove(it)
			m.count("expiration", &m.stats.Expirations)
			n++
		}
	}
	return n
}

// Clear empties the cache.
func (m *Manager[V]) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reset()
}

func (m *Manager[V]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

func (m *Manager[V]) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.Entries = len(m.items)
	return s
}

// Run sweeps and persists on the given intervals until ctx is done. A zero interval
// disables that loop.
func (m *Manager[V]) Run(ctx context.Context, sweepEvery, persistEvery time.Duration) {
	var sweepC, persistC <-chan time.Time
	if sweepEvery > 0 {
		t := time.NewTicker(sweepEvery)
		defer t.Stop()
		sweepC = t.C
	}
	if persistEvery > 0 && m.store != nil {
		t := time.NewTicker(persistEvery)
		defer t.Stop()
		persistC = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweepC:
			if n := m.Sweep(); n > 0 {
				m.logger.Debug().Int("expired", n).Msg("cache sweep")
			}
		case <-persistC:
			if err := m.Persist(ctx); err != nil {
				m.logger.Err(err).Msg("cache persist failed")
			}
		}
	}
}

func (m *Manager[V]) reset() {
	m.items = make(map[string]*item[V])
	m.lru = list.New()
	m.tags = make(map[string]map[string]struct{})
}

func (m *Manager[V]) expired(it *item[V], now time.Time) bool {
	return !now.Before(it.entry.ExpiresAt)
}

// insert adds it as most recently used and evicts beyond capacity. Pending entries
// are evicted only when nothing else is left.
func (m *Manager[V]) insert(it *item[V]) {
	it.elem = m.lru.PushFront(it.entry.Key)
	m.items[it.entry.Key] = it
	for _, tag := range it.entry.Tags {
		keys, ok := m.tags[tag]
		if !ok {
			keys = make(map[string]struct{})
			m.tags[tag] = keys
		}
		keys[it.entry.Key] = struct{}{}
	}

	for len(m.items) > m.maxEntries {
		victim := m.evictionCandidate(it)
		if victim == nil {
			return
		}
		m.remove(victim)
		m.count("eviction", &m.stats.Evictions)
	}
}

func (m *Manager[V]) evictionCandidate(keep *item[V]) *item[V] {
	var fallback *item[V]
	for e := m.lru.Back(); e != nil; e = e.Prev() {
		it := m.items[e.Value.(string)]
		if it == keep {
			continue
		}
		if !it.entry.Pending {
			return it
		}
		if fallback == nil {
			fallback = it
		}
	}
	return fallback
}

func (m *Manager[V]) remove(it *item[V]) {
	m.lru.Remove(it.elem)
	delete(m.items, it.entry.Key)
	for _, tag := range it.entry.Tags {
		if keys, ok := m.tags[tag]; ok {
			delete(keys, it.entry.Key)
			if len(keys) == 0 {
				delete(m.tags, tag)
			}
		}
	}
}

func (m *Manager[V]) count(event string, counter *uint64) {
	*counter++
	obs.CacheEvents.WithLabelValues(event).Inc()
}

func dedupeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if _, ok := seen[t]; ok || t == "" {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func copyEntry[V any](e Entry[V]) Entry[V] {
	if e.Tags != nil {
		e.Tags = append([]string(nil), e.Tags...)
	}
	return e
}
