package flow

import (
	"container/heap"
	"sync"
	"time"

	"github.com/alphadose/haxmap"
)

// bucket is one shard of the FlowMap: a concurrent hash map from MapKey to
// the (usually one, occasionally a handful under hash collision) nodes
// sharing that key, guarded by its own time-index heap so eviction never
// has to take a process-wide lock.
type bucket struct {
	nodes *haxmap.Map[MapKey, []*Node]

	mu   sync.Mutex
	heap timeHeap
}

func newBucket() *bucket {
	b := &bucket{nodes: haxmap.New[MapKey, []*Node]()}
	heap.Init(&b.heap)
	return b
}

// Stats reports FlowMap-wide counters for metrics export.
type Stats struct {
	Nodes    uint64
	Created  uint64
	Matched  uint64
	Expired  uint64
	Evicted  uint64
}

// Map is the bidirectional flow table (spec.md §4.2, FlowMap). It shards
// nodes across a fixed number of buckets by flow hash for concurrency, and
// keeps a per-shard time index so TimedOut flows can be reaped without a
// linear scan.
type Map struct {
	shards  []*bucket
	ring    *shardRing
	opts    MatchOptions
	agent   AgentType
	maxSize int

	mu    sync.Mutex // guards the counters below
	stats Stats
}

// NewMap creates a Map with the given shard count and per-shard/global
// capacity. maxSize is the total node budget across all shards; once
// reached, new flows trigger the oldest-first eviction that also backs
// normal timeout handling (spec.md §4.2, resource exhaustion).
func NewMap(numShards, maxSize int, opts MatchOptions, agent AgentType) *Map {
	if numShards < 1 {
		numShards = 1
	}
	m := &Map{
		shards:  make([]*bucket, numShards),
		ring:    newShardRing(numShards),
		opts:    opts,
		agent:   agent,
		maxSize: maxSize,
	}
	for i := range m.shards {
		m.shards[i] = newBucket()
	}
	return m
}

// Lookup finds or creates the Node for pkt, assigning pkt.Direction as a
// side effect. created reports whether a new Node was allocated.
func (m *Map) Lookup(pkt *MetaPacket) (node *Node, created bool) {
	key := NewMapKey(pkt.Lookup)
	shardIdx := m.ring.shardOf(key)
	b := m.shards[shardIdx]

	candidates, _ := b.nodes.Get(key)
	for _, n := range candidates {
		if n.Match(pkt, m.opts, m.agent) {
			m.recordTouch(b, shardIdx, key, n)
			m.bumpMatched()
			return n, false
		}
	}

	n := NewNode(pkt)
	pkt.Direction = DirectionClientToServer
	candidates = append(candidates, n)
	b.nodes.Set(key, candidates)
	m.recordTouch(b, shardIdx, key, n)
	m.bumpCreated()

	if m.maxSize > 0 && int(m.size()) > m.maxSize {
		m.evictOldest()
	}

	return n, true
}

// recordTouch pushes a fresh TimeKey for n into its shard's heap and
// updates n.TimeKey to the new entry; the old heap entry, if any, is left
// in place and skipped lazily when popped (its Key/When no longer match
// n.TimeKey).
func (m *Map) recordTouch(b *bucket, shardIdx int, key MapKey, n *Node) {
	tk := TimeKey{When: n.RecentTime, Key: key, Shard: shardIdx}
	n.TimeKey = tk

	b.mu.Lock()
	heap.Push(&b.heap, tk)
	b.mu.Unlock()
}

// Expire removes every node whose RecentTime+Timeout is before now,
// returning them so callers can flush partial L7 sessions before
// discarding state (spec.md §4.2, timeout eviction).
func (m *Map) Expire(now time.Time) []*Node {
	var expired []*Node
	for shardIdx, b := range m.shards {
		expired = append(expired, m.expireShard(b, shardIdx, now)...)
	}
	if len(expired) > 0 {
		m.mu.Lock()
		m.stats.Expired += uint64(len(expired))
		m.mu.Unlock()
	}
	return expired
}

func (m *Map) expireShard(b *bucket, shardIdx int, now time.Time) []*Node {
	var out []*Node

	b.mu.Lock()
	defer b.mu.Unlock()

	for b.heap.Len() > 0 {
		top := b.heap[0]

		candidates, ok := b.nodes.Get(top.Key)
		if !ok {
			heap.Pop(&b.heap)
			continue
		}

		idx := indexOfNode(candidates, top)
		if idx < 0 {
			// Stale heap entry superseded by a later touch; discard.
			heap.Pop(&b.heap)
			continue
		}
		n := candidates[idx]

		if now.Before(n.RecentTime.Add(n.Timeout)) {
			break
		}

		heap.Pop(&b.heap)
		candidates = append(candidates[:idx], candidates[idx+1:]...)
		if len(candidates) == 0 {
			b.nodes.Del(top.Key)
		} else {
			b.nodes.Set(top.Key, candidates)
		}
		out = append(out, n)
	}

	return out
}

func indexOfNode(candidates []*Node, tk TimeKey) int {
	for i, n := range candidates {
		if n.TimeKey == tk {
			return i
		}
	}
	return -1
}

// evictOldest forcibly reaps the single oldest node across all shards when
// the table is over its resource budget, mirroring the overwrite policy
// internal/queue applies to a full ring buffer.
func (m *Map) evictOldest() {
	var oldestShard *bucket
	var oldest TimeKey
	found := false

	for _, b := range m.shards {
		b.mu.Lock()
		if b.heap.Len() > 0 && (!found || b.heap[0].When.Before(oldest.When)) {
			oldest = b.heap[0]
			oldestShard = b
			found = true
		}
		b.mu.Unlock()
	}

	if !found {
		return
	}

	oldestShard.mu.Lock()
	if oldestShard.heap.Len() > 0 && oldestShard.heap[0] == oldest {
		heap.Pop(&oldestShard.heap)
	}
	oldestShard.mu.Unlock()

	if candidates, ok := oldestShard.nodes.Get(oldest.Key); ok {
		idx := indexOfNode(candidates, oldest)
		if idx >= 0 {
			candidates = append(candidates[:idx], candidates[idx+1:]...)
			if len(candidates) == 0 {
				oldestShard.nodes.Del(oldest.Key)
			} else {
				oldestShard.nodes.Set(oldest.Key, candidates)
			}
			m.mu.Lock()
			m.stats.Evicted++
			m.mu.Unlock()
		}
	}
}

func (m *Map) size() uint64 {
	var total uint64
	for _, b := range m.shards {
		total += uint64(b.nodes.Len())
	}
	return total
}

func (m *Map) bumpCreated() {
	m.mu.Lock()
	m.stats.Created++
	m.mu.Unlock()
}

func (m *Map) bumpMatched() {
	m.mu.Lock()
	m.stats.Matched++
	m.mu.Unlock()
}

// Stats returns a snapshot of the table's counters, with Nodes set to the
// current live count.
func (m *Map) Stats() Stats {
	m.mu.Lock()
	s := m.stats
	m.mu.Unlock()
	s.Nodes = m.size()
	return s
}
