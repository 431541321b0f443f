package cache

// ApplyOptimistic writes a tentative value computed from the current one and marks
// the entry pending. The value before the first pending write is kept for rollback,
// so repeated optimistic writes roll back to the last confirmed state.
func (m *Manager[V]) ApplyOptimistic(key string, mutator func(current V, ok bool) V) V {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFunc()
	var (
		current  V
		ok       bool
		rollback *Entry[V]
		tracked  bool
	)
	it, exists := m.items[key]
	if exists && m.expired(it, now) {
		m.remove(it)
		exists = false
	}

	base := Entry[V]{Key: key, CreatedAt: now}
	ttl := m.defaultTTL
	if exists {
		current, ok = it.entry.Value, true
		base = it.entry
		ttl = it.ttl
		if it.tracked {
			rollback, tracked = it.rollback, true
		} else {
			prior := copyEntry(it.entry)
			rollback, tracked = &prior, true
		}
		m.remove(it)
	} else {
		tracked = true
	}

	next := mutator(current, ok)
	base.Value = next
	base.Pending = true
	base.ExpiresAt = now.Add(ttl)
	base.LastAccessedAt = now
	m.insert(&item[V]{entry: base, ttl: ttl, rollback: rollback, tracked: tracked})
	return next
}

// ConfirmOptimistic replaces the tentative value with the server's and clears
// pending. Without a pending entry it behaves like Set with defaults.
func (m *Manager[V]) ConfirmOptimistic(key string, serverValue V) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFunc()
	it, ok := m.items[key]
	if !ok {
		m.insert(&item[V]{
			ttl: m.defaultTTL,
			entry: Entry[V]{
				Key:            key,
				Value:          serverValue,
				CreatedAt:      now,
				ExpiresAt:      now.Add(m.defaultTTL),
				LastAccessedAt: now,
			},
		})
		return
	}

	it.entry.Value = serverValue
	it.entry.Pending = false
	it.entry.ExpiresAt = now.Add(it.ttl)
	it.entry.LastAccessedAt = now
	it.rollback = nil
	it.tracked = false
	m.lru.MoveToFront(it.elem)
}

// RollbackOptimistic restores the value from before the optimistic write, or
// removes the entry if there was none. It reports whether anything was pending.
func (m *Manager[V]) RollbackOptimistic(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.items[key]
	if !ok || !it.entry.Pending {
		return false
	}
	prior := it.rollback
	ttl := it.ttl
	m.remove(it)
	if prior != nil {
		restored := copyEntry(*prior)
		restored.Pending = false
		m.insert(&item[V]{entry: restored, ttl: ttl})
	}
	return true
}
