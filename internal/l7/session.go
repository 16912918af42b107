package l7

import (
	"strconv"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// sessionKey renders a (flow_id, session_id) pair (spec.md GLOSSARY,
// "Session") into the string key go-cache requires.
func sessionKey(flowID, sessionID uint64) string {
	return strconv.FormatUint(flowID, 36) + ":" + strconv.FormatUint(sessionID, 36)
}

// Collector guarantees the spec.md §4.4 invariant: only records sharing a
// (flow_id, session_id) are merged, and the merge happens at most once per
// pair. A half that is never joined is discarded when its TTL expires; it
// is not emitted. It holds orphaned halves in a TTL cache distinct from the bounded-capacity RRT
// cache in package perfcache (SPEC_FULL.md §5: that one bounds memory by
// recency regardless of age; this one expires entries that are simply never
// going to be completed).
type Collector struct {
	pending *gocache.Cache
}

// NewCollector creates a Collector whose orphaned halves expire after ttl
// (default cleanup runs at ttl/2, matching the teacher's sip session cache
// idiom in plugins/parser/sip).
func NewCollector(ttl time.Duration) *Collector {
	cleanup := ttl / 2
	if cleanup <= 0 {
		cleanup = time.Minute
	}
	return &Collector{pending: gocache.New(ttl, cleanup)}
}

// Observe folds info into the session identified by (flowID, sessionID). If
// this is the first half seen, info is cached and observed returns
// (info, false) — nothing to emit yet. If a matching half is already
// cached, it is merged into the earlier-cached half, removed from the
// pending set, and returned as (merged, true) — ready to emit.
func (c *Collector) Observe(flowID, sessionID uint64, info Info) (merged Info, ready bool) {
	key := sessionKey(flowID, sessionID)

	if existing, found := c.pending.Get(key); found {
		first := existing.(Info)
		c.pending.Delete(key)
		if err := first.MergeLog(info); err != nil {
			return info, true
		}
		return first, true
	}

	c.pending.SetDefault(key, info)
	return info, false
}

// Pending reports how many session halves are awaiting their counterpart.
func (c *Collector) Pending() int {
	return c.pending.ItemCount()
}
