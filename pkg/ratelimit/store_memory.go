package ratelimit

import (
	"container/list"
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process WindowStore.
//
// Each key owns its own mutex, so record-and-count on one key never blocks
// another key. The store-wide mutex only guards the key index and the LRU
// order and is held for map lookups, never while a window is being counted.
//
// Memory is bounded two ways:
//   - MaxKeys caps the number of live keys; the least recently used 10% are
//     evicted when a new key would exceed it
//   - Cleanup removes keys whose newest timestamp has left its window
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*usageWindow
	lru     *list.List
	maxKeys int

	// onEvict is called with the number of keys removed by LRU eviction.
	onEvict func(n int)
}

// usageWindow holds the ordered timestamps of one key.
type usageWindow struct {
	mu     sync.Mutex
	stamps []time.Time
	window time.Duration
	elem   *list.Element

	// dead is set under mu once the window has been removed from the index.
	// A caller that acquired a dead window retries with a fresh one.
	dead bool
}

// MemoryStoreConfig holds configuration for MemoryStore.
type MemoryStoreConfig struct {
	// MaxKeys is the maximum number of keys kept in memory.
	// Default: 10000
	MaxKeys int

	// OnEvict, if set, receives the number of keys dropped by each LRU eviction.
	OnEvict func(n int)
}

// NewMemoryStore creates an in-memory window store.
func NewMemoryStore(cfg MemoryStoreConfig) *MemoryStore {
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = 10000
	}
	return &MemoryStore{
		windows: make(map[string]*usageWindow),
		lru:     list.New(),
		maxKeys: cfg.MaxKeys,
		onEvict: cfg.OnEvict,
	}
}

// RecordAndCount implements WindowStore.
func (s *MemoryStore) RecordAndCount(ctx context.Context, key string, now time.Time, window time.Duration, ceiling int) (WindowState, error) {
	for {
		if err := ctx.Err(); err != nil {
			return WindowState{}, err
		}

		w := s.acquire(key)

		w.mu.Lock()
		if w.dead {
			w.mu.Unlock()
			continue
		}
		state := w.recordAndCount(now, window, ceiling)
		w.mu.Unlock()

		return state, nil
	}
}

// acquire returns the window for key, creating it if needed, and marks it as
// most recently used.
func (s *MemoryStore) acquire(key string) *usageWindow {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w, ok := s.windows[key]; ok {
		s.lru.MoveToFront(w.elem)
		return w
	}

	if len(s.windows) >= s.maxKeys {
		s.evictLRU()
	}

	w := &usageWindow{stamps: make([]time.Time, 0, 16)}
	w.elem = s.lru.PushFront(key)
	s.windows[key] = w
	return w
}

// evictLRU drops the least recently used 10% of keys.
// Must be called with s.mu held.
func (s *MemoryStore) evictLRU() {
	n := s.maxKeys / 10
	if n < 1 {
		n = 1
	}

	evicted := 0
	for evicted < n {
		back := s.lru.Back()
		if back == nil {
			break
		}
		s.removeLocked(back.Value.(string))
		evicted++
	}

	if evicted > 0 && s.onEvict != nil {
		s.onEvict(evicted)
	}
}

// removeLocked unlinks key from the index and marks its window dead.
// Must be called with s.mu held.
func (s *MemoryStore) removeLocked(key string) {
	w, ok := s.windows[key]
	if !ok {
		return
	}
	s.unlinkLocked(key, w)

	w.mu.Lock()
	w.dead = true
	w.mu.Unlock()
}

// unlinkLocked removes key from the index and the LRU list.
// Must be called with s.mu held.
func (s *MemoryStore) unlinkLocked(key string, w *usageWindow) {
	delete(s.windows, key)
	s.lru.Remove(w.elem)
}

// recordAndCount performs purge, insert and count. Must be called with w.mu held.
func (w *usageWindow) recordAndCount(now time.Time, window time.Duration, ceiling int) WindowState {
	w.window = window
	w.purge(now.Add(-window))

	// Timestamps normally arrive in order. A caller whose clock reading lags
	// another's is placed in sorted position so purge stays a prefix cut.
	idx := len(w.stamps)
	if idx > 0 && now.Before(w.stamps[idx-1]) {
		idx = sort.Search(len(w.stamps), func(i int) bool { return w.stamps[i].After(now) })
	}
	w.stamps = append(w.stamps, time.Time{})
	copy(w.stamps[idx+1:], w.stamps[idx:])
	w.stamps[idx] = now

	count := len(w.stamps)
	if ceiling > 0 && count > ceiling {
		w.stamps = append(w.stamps[:idx], w.stamps[idx+1:]...)
	}

	state := WindowState{Count: count}
	if len(w.stamps) > 0 {
		state.Oldest = w.stamps[0]
	}
	return state
}

// purge drops every timestamp at or before cutoff. Must be called with w.mu held.
func (w *usageWindow) purge(cutoff time.Time) {
	i := 0
	for i < len(w.stamps) && !w.stamps[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return
	}
	n := copy(w.stamps, w.stamps[i:])
	w.stamps = w.stamps[:n]
}

// idle reports whether no timestamp remains inside the window at now.
// Must be called with w.mu held.
func (w *usageWindow) idle(now time.Time) bool {
	if len(w.stamps) == 0 {
		return true
	}
	return !w.stamps[len(w.stamps)-1].After(now.Add(-w.window))
}

// Cleanup implements SweepableStore.
func (s *MemoryStore) Cleanup(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, w := range s.windows {
		if err := ctx.Err(); err != nil {
			return removed, err
		}

		w.mu.Lock()
		if w.idle(now) {
			s.unlinkLocked(key, w)
			w.dead = true
			removed++
		}
		w.mu.Unlock()
	}
	return removed, nil
}

// KeyCount implements SweepableStore.
func (s *MemoryStore) KeyCount(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows), nil
}
