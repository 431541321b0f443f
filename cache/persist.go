package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/jrsteele09/go-secure-gateway/internal/errors"
	"github.com/jrsteele09/go-secure-gateway/kvstore"
)

// SnapshotVersion is bumped whenever the snapshot layout changes; other versions are
// treated as corrupt.
const SnapshotVersion = 1

// ErrCorruption reports an unreadable or incompatible snapshot. The cache is left
// empty and keeps working.
var ErrCorruption = errors.New("cache: corrupted snapshot")

type snapshot[V any] struct {
	Version int        `json:"version"`
	Entries []Entry[V] `json:"entries"`
}

// Hydrate replaces the cache contents with the persisted snapshot. A missing snapshot
// leaves the cache empty; a bad one is deleted and reported as ErrCorruption.
func (m *Manager[V]) Hydrate(ctx context.Context) error {
	if m.store == nil {
		return nil
	}

	raw, err := m.store.Get(ctx, m.snapshotKey)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "Manager.Hydrate Get")
	}

	var snap snapshot[V]
	decodeErr := json.Unmarshal(raw, &snap)
	if decodeErr == nil && snap.Version != SnapshotVersion {
		decodeErr = errors.Wrapf(errors.ErrUnsupported, "snapshot version %d", snap.Version)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.reset()

	if decodeErr != nil {
		if delErr := m.store.Delete(ctx, m.snapshotKey); delErr != nil {
			m.logger.Err(delErr).Msg("failed to drop corrupted cache snapshot")
		}
		m.logger.Warn().Err(decodeErr).Msg("cache snapshot unreadable, starting empty")
		return fmt.Errorf("%w: %v", ErrCorruption, decodeErr)
	}

	sort.Slice(snap.Entries, func(i, j int) bool {
		return snap.Entries[i].LastAccessedAt.Before(snap.Entries[j].LastAccessedAt)
	})
	now := m.nowFunc()
	loaded := 0
	for _, e := range snap.Entries {
		if e.Key == "" || e.Pending || !now.Before(e.ExpiresAt) {
			continue
		}
		e.Tags = dedupeTags(e.Tags)
		m.insert(&item[V]{entry: e, ttl: e.ExpiresAt.Sub(e.CreatedAt)})
		loaded++
	}
	m.logger.Debug().Int("entries", loaded).Msg("cache hydrated")
	return nil
}

// Persist writes the snapshot, leaving out expired, pending and no-persist entries.
func (m *Manager[V]) Persist(ctx context.Context) error {
	if m.store == nil {
		return nil
	}

	m.mu.Lock()
	now := m.nowFunc()
	snap := snapshot[V]{Version: SnapshotVersion, Entries: make([]Entry[V], 0, len(m.items))}
	for e := m.lru.Back(); e != nil; e = e.Prev() {
		it := m.items[e.Value.(string)]
		if it.entry.Pending || it.entry.NoPersist || m.expired(it, now) {
			continue
		}
		snap.Entries = append(snap.Entries, copyEntry(it.entry))
	}
	m.mu.Unlock()

	raw, err := json.Marshal(snap)
	if err != nil {
		return errors.Wrap(err, "Manager.Persist Marshal")
	}
	return errors.Wrap(m.store.Set(ctx, m.snapshotKey, raw), "Manager.Persist Set")
}
