package l7

import (
	"time"

	"firestige.xyz/otus/internal/l7/perfcache"
)

// CalRRT implements spec.md §4.3 "RRT computation": on a request it records
// the arrival timestamp under (flow_id, session_id); on a response it looks
// the timestamp up, subtracts, folds the result into stats, and returns the
// measured duration. ok is false when no matching request half was found
// (orphaned response, already matched, or evicted for capacity).
func CalRRT(cache *perfcache.Cache, params ParseParams, now time.Time, stats *PerfStats) (rtt time.Duration, ok bool) {
	key := perfcache.Key{FlowID: params.FlowID, SessionID: params.SessionID}

	if params.IsRequest {
		cache.Put(key, now)
		return 0, false
	}

	pending, found := cache.Take(key)
	if !found {
		return 0, false
	}
	rtt = now.Sub(pending)
	if rtt < 0 {
		rtt = 0
	}
	stats.Observe(int64(rtt))
	return rtt, true
}
