package memcache

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

const (
	// DefaultMaxEntries bounds the entry count when the config leaves it zero.
	DefaultMaxEntries = 2048
	// DefaultMaxCost bounds the aggregate entry cost when the config leaves it zero.
	DefaultMaxCost = 32 << 20 // 32 MiB
)

// Entry is one cached value. Value holds the live, already-decoded payload;
// Tag names its concrete type so typed reads can fail loudly on a mismatch
// instead of blind-asserting. Entries promoted from disk before any typed
// read arrive with Value nil and the raw encoding in Body; the first typed
// read decodes Body and replaces the entry. Cost is the entry's
// contribution to the store's aggregate budget (encoded size where known).
type Entry struct {
	Value    any
	Body     []byte
	Tag      string
	CachedAt time.Time
	Cost     int
}

// Decoded reports whether the entry carries a live value (as opposed to a
// not-yet-decoded Body from the disk tier).
func (e *Entry) Decoded() bool {
	return e.Value != nil || len(e.Body) == 0
}

// Store is the bounded LRU memory tier.
//
// Thread-safe: one mutex guards the LRU and the cost counter. All
// operations are O(1) map/list work; nothing blocks under the lock.
type Store struct {
	mu         sync.Mutex
	lru        *simplelru.LRU[string, *Entry]
	maxEntries int
	maxCost    int64
	cost       int64
	evictions  uint64
}

// New creates a memory store bounded by maxEntries items and maxCost
// aggregate cost. Non-positive bounds fall back to the package defaults.
func New(maxEntries int, maxCost int64) *Store {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if maxCost <= 0 {
		maxCost = DefaultMaxCost
	}
	s := &Store{maxEntries: maxEntries, maxCost: maxCost}
	// Error only on non-positive size, which is excluded above.
	// The callback owns the cost counter: it fires for Remove, Purge,
	// RemoveOldest and count-cap eviction alike.
	s.lru, _ = simplelru.NewLRU[string, *Entry](maxEntries, func(_ string, e *Entry) {
		s.cost -= int64(e.Cost)
	})
	return s
}

// Get returns the entry for key and marks it recently used.
func (s *Store) Get(key string) (*Entry, bool) {
	if Disabled {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Get(key)
}

// Peek returns the entry for key without touching recency.
// Used by validity probes, which must be side-effect free.
func (s *Store) Peek(key string) (*Entry, bool) {
	if Disabled {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Peek(key)
}

// Set stores an entry, evicting least-recently-used entries until both
// budgets hold. A write whose CachedAt is older than the existing entry's
// is rejected (returns false): refreshes move forward in time only.
// An entry larger than the whole cost budget ends up dropped.
func (s *Store) Set(key string, e *Entry) bool {
	if Disabled {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.lru.Peek(key); ok {
		if prev.CachedAt.After(e.CachedAt) {
			return false
		}
		// Add replaces in place without the eviction callback firing.
		s.cost -= int64(prev.Cost)
	}

	if s.lru.Add(key, e) {
		s.evictions++
	}
	s.cost += int64(e.Cost)

	for s.cost > s.maxCost && s.lru.Len() > 0 {
		s.lru.RemoveOldest()
		s.evictions++
	}
	return true
}

// Remove deletes key. Reports whether an entry was present.
func (s *Store) Remove(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Remove(key)
}

// Purge drops every entry.
func (s *Store) Purge() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lru.Purge()
}

// Len returns the current entry count.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Len()
}

// Cost returns the current aggregate cost.
func (s *Store) Cost() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cost
}

// Keys returns the cached keys, oldest first.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Keys()
}

// Standard stats shape for the store.
type Stats struct {
	Len        int
	Cost       int64
	MaxEntries int
	MaxCost    int64
	Evictions  uint64
}

// Stats returns current store statistics.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Len:        s.lru.Len(),
		Cost:       s.cost,
		MaxEntries: s.maxEntries,
		MaxCost:    s.maxCost,
		Evictions:  s.evictions,
	}
}
