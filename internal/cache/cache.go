// Package cache provides the in-memory, time-bounded key-value stores used
// by the resolver. Nothing is persisted; a store lives as long as its owner.
package cache

import (
	"sync"
	"time"
)

// Observer receives hit and miss notifications, keyed by cache name.
type Observer interface {
	CacheHit(cache string)
	CacheMiss(cache string)
}

// Option configures a Store or Slot.
type Option func(*settings)

type settings struct {
	now      func() time.Time
	observer Observer
}

// WithClock replaces time.Now as the source of entry timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *settings) { s.now = now }
}

// WithObserver reports hits and misses to o.
func WithObserver(o Observer) Option {
	return func(s *settings) { s.observer = o }
}

type entry[V any] struct {
	value    V
	storedAt time.Time
}

// Store is a concurrency-safe map whose entries expire ttl after they were
// stored. A ttl of zero keeps entries until they are deleted or cleared.
type Store[K comparable, V any] struct {
	name     string
	ttl      time.Duration
	now      func() time.Time
	observer Observer

	mu      sync.RWMutex
	entries map[K]entry[V]
}

// NewStore creates an empty Store. name labels hit/miss notifications.
func NewStore[K comparable, V any](name string, ttl time.Duration, opts ...Option) *Store[K, V] {
	s := settings{now: time.Now}
	for _, opt := range opts {
		opt(&s)
	}
	return &Store[K, V]{
		name:     name,
		ttl:      ttl,
		now:      s.now,
		observer: s.observer,
		entries:  make(map[K]entry[V]),
	}
}

// Get returns the live value for key. Expired entries are removed.
func (s *Store[K, V]) Get(key K) (V, bool) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()

	if ok && s.expired(e) {
		s.mu.Lock()
		// Re-check: a concurrent Set may have refreshed the entry.
		if cur, still := s.entries[key]; still && s.expired(cur) {
			delete(s.entries, key)
		}
		s.mu.Unlock()
		ok = false
	}

	if !ok {
		s.miss()
		var zero V
		return zero, false
	}
	s.hit()
	return e.value, true
}

// Set stores value under key, stamping it with the current time.
func (s *Store[K, V]) Set(key K, value V) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = entry[V]{value: value, storedAt: s.now()}
}

// Delete removes key.
func (s *Store[K, V]) Delete(key K) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}

// Clear removes all entries.
func (s *Store[K, V]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.entries)
}

// Len returns the number of stored entries, including expired ones not yet
// evicted.
func (s *Store[K, V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// EvictExpired removes every expired entry and returns how many were removed.
func (s *Store[K, V]) EvictExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, e := range s.entries {
		if s.expired(e) {
			delete(s.entries, k)
			n++
		}
	}
	return n
}

func (s *Store[K, V]) expired(e entry[V]) bool {
	if s.ttl <= 0 {
		return false
	}
	return s.now().Sub(e.storedAt) >= s.ttl
}

func (s *Store[K, V]) hit() {
	if s.observer != nil {
		s.observer.CacheHit(s.name)
	}
}

func (s *Store[K, V]) miss() {
	if s.observer != nil {
		s.observer.CacheMiss(s.name)
	}
}

// Slot is a Store holding at most one value.
type Slot[V any] struct {
	store *Store[struct{}, V]
}

// NewSlot creates an empty Slot.
func NewSlot[V any](name string, ttl time.Duration, opts ...Option) *Slot[V] {
	return &Slot[V]{store: NewStore[struct{}, V](name, ttl, opts...)}
}

// Get returns the live value, if any.
func (s *Slot[V]) Get() (V, bool) { return s.store.Get(struct{}{}) }

// Set replaces the value.
func (s *Slot[V]) Set(value V) { s.store.Set(struct{}{}, value) }

// Clear empties the slot.
func (s *Slot[V]) Clear() { s.store.Clear() }
