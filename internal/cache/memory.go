package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/grapnel-io/hashintel/internal/hash"
)

// DefaultCapacity bounds the in-memory store when no capacity is configured.
const DefaultCapacity = 10000

// memoryKey identifies a cached (value, type) pair.
type memoryKey struct {
	value string
	typ   hash.HashType
}

type memoryEntry struct {
	key       memoryKey
	entry     *Entry
	expiresAt time.Time
}

// MemoryStore is a bounded in-memory Store with LRU eviction and per-entry
// TTL, for tests and single-process deployments. Whichever comes first of
// TTL expiry and LRU eviction removes an entry.
type MemoryStore struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	entries  map[memoryKey]*list.Element
	lru      *list.List // front = most recently used

	// now is overridable in tests.
	now func() time.Time
}

// NewMemoryStore creates a bounded in-memory cache store. Non-positive
// capacity or ttl fall back to DefaultCapacity and DefaultTTL.
func NewMemoryStore(capacity int, ttl time.Duration) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		capacity: capacity,
		ttl:      ttl,
		entries:  make(map[memoryKey]*list.Element),
		lru:      list.New(),
		now:      time.Now,
	}
}

// Get returns the cached entry for (value, typ) and refreshes its recency.
func (s *MemoryStore) Get(ctx context.Context, value string, typ hash.HashType) (*Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := memoryKey{value: value, typ: typ}
	elem, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}

	me := elem.Value.(*memoryEntry)
	if s.now().After(me.expiresAt) {
		s.removeLocked(elem)
		return nil, false, nil
	}

	s.lru.MoveToFront(elem)
	return me.entry, true, nil
}

// Put stores an entry, evicting the least recently used entry when the
// store is at capacity.
func (s *MemoryStore) Put(ctx context.Context, value string, typ hash.HashType, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := memoryKey{value: value, typ: typ}
	if elem, ok := s.entries[key]; ok {
		me := elem.Value.(*memoryEntry)
		me.entry = entry
		me.expiresAt = s.now().Add(s.ttl)
		s.lru.MoveToFront(elem)
		return nil
	}

	if s.lru.Len() >= s.capacity {
		if oldest := s.lru.Back(); oldest != nil {
			s.removeLocked(oldest)
		}
	}

	me := &memoryEntry{key: key, entry: entry, expiresAt: s.now().Add(s.ttl)}
	s.entries[key] = s.lru.PushFront(me)
	return nil
}

// Invalidate drops the entry for (value, typ).
func (s *MemoryStore) Invalidate(ctx context.Context, value string, typ hash.HashType) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.entries[memoryKey{value: value, typ: typ}]; ok {
		s.removeLocked(elem)
	}
	return nil
}

// Len returns the number of live entries, counting expired-but-unswept ones.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Len()
}

func (s *MemoryStore) removeLocked(elem *list.Element) {
	me := elem.Value.(*memoryEntry)
	delete(s.entries, me.key)
	s.lru.Remove(elem)
}
