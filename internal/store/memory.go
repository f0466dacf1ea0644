package store

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time // zero = never
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryStore is a concurrency-safe in-process Store. It is used for local
// runs of the interval scheduler and in tests.
type MemoryStore struct {
	mu sync.RWMutex

	data map[string]memoryEntry

	// maxEntries bounds the number of keys kept (0 = unlimited); expired
	// entries are evicted first.
	maxEntries int
	now        func() time.Time
}

// NewMemoryStore creates a MemoryStore. If maxEntries is <= 0, it is treated
// as unlimited.
func NewMemoryStore(maxEntries int) *MemoryStore {
	return &MemoryStore{
		data:       make(map[string]memoryEntry),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// Configured always reports true.
func (s *MemoryStore) Configured() bool { return true }

// Get returns the value stored under key.
func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.data[key]
	if !ok || e.expired(s.now()) {
		return "", ErrNotFound
	}
	return e.value, nil
}

// Set stores value under key, replacing any previous value.
func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.put(key, value, ttl)
	return nil
}

// SetNX stores value only if key is absent or expired.
func (s *MemoryStore) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.data[key]; ok && !e.expired(s.now()) {
		return false, nil
	}
	s.put(key, value, ttl)
	return true, nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, key)
	return nil
}

// Len returns the number of live keys.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	n := 0
	for _, e := range s.data {
		if !e.expired(now) {
			n++
		}
	}
	return n
}

// put must be called with the write lock held.
func (s *MemoryStore) put(key, value string, ttl time.Duration) {
	now := s.now()
	e := memoryEntry{value: value}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}
	s.data[key] = e

	// Enforce retention: drop expired keys, then the ones closest to expiry.
	if s.maxEntries <= 0 || len(s.data) <= s.maxEntries {
		return
	}
	for k, v := range s.data {
		if v.expired(now) {
			delete(s.data, k)
		}
	}
	for len(s.data) > s.maxEntries {
		victim := ""
		var soonest time.Time
		for k, v := range s.data {
			if k == key || v.expiresAt.IsZero() {
				continue
			}
			if victim == "" || v.expiresAt.Before(soonest) {
				victim, soonest = k, v.expiresAt
			}
		}
		if victim == "" {
			return
		}
		delete(s.data, victim)
	}
}

var _ Store = (*MemoryStore)(nil)
