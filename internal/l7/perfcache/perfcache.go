// Package perfcache implements the bounded LRU cache parsers consult to
// compute request-response time (spec.md §3, "L7 PerfCache"): a request
// frame stores its arrival timestamp keyed by (flow_id, session_id); the
// matching response frame looks it up, subtracts, and evicts the entry.
//
// Capacity is fixed at construction (L7_RRT_CACHE_CAPACITY, spec.md §3); this
// is a distinct mechanism from the TTL-based session cache
// internal/l7/postgresql uses for orphaned request halves (see
// SPEC_FULL.md §5) — that one expires idle entries, this one bounds memory
// by recency regardless of age.
package perfcache

import (
	"container/list"
	"sync"
	"time"
)

// Key identifies a pending request within a flow.
type Key struct {
	FlowID    uint64
	SessionID uint64
}

type entry struct {
	key       Key
	timestamp time.Time
}

// Cache is a fixed-capacity, thread-safe LRU of Key -> pending request
// timestamp. Parser workers are single-threaded per spec.md §5 ("L7PerfCache:
// thread-local to each parser worker; never shared"), but the mutex keeps the
// type safe to reuse if that assumption changes.
type Cache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List // front = most recently used
	items    map[Key]*list.Element

	evictions uint64
}

// New creates a Cache holding at most capacity pending requests. A
// non-positive capacity is rejected in favor of a minimum of 1, since a
// zero-capacity cache could never record a request.
func New(capacity int) *Cache {
	if capacity < 1 {
		capacity = 1
	}
	return &Cache{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[Key]*list.Element, capacity),
	}
}

// Put records that a request under key arrived at ts, evicting the least
// recently used entry if the cache is already at capacity. An existing entry
// for key is overwritten and moved to the front.
func (c *Cache) Put(key Key, ts time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		el.Value.(*entry).timestamp = ts
		c.ll.MoveToFront(el)
		return
	}

	if c.ll.Len() >= c.capacity {
		c.evictOldest()
	}

	el := c.ll.PushFront(&entry{key: key, timestamp: ts})
	c.items[key] = el
}

// Take looks up and removes the pending request timestamp for key, returning
// ok=false if no request is pending under that key (already matched,
// evicted, or never recorded).
func (c *Cache) Take(key Key) (ts time.Time, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, found := c.items[key]
	if !found {
		return time.Time{}, false
	}
	ts = el.Value.(*entry).timestamp
	c.ll.Remove(el)
	delete(c.items, key)
	return ts, true
}

func (c *Cache) evictOldest() {
	oldest := c.ll.Back()
	if oldest == nil {
		return
	}
	c.ll.Remove(oldest)
	delete(c.items, oldest.Value.(*entry).key)
	c.evictions++
}

// Len reports the number of pending requests currently cached.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// Evictions reports the cumulative count of entries dropped for capacity,
// exposed alongside the parser's PerfStats at flush time.
func (c *Cache) Evictions() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictions
}
