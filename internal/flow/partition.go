package flow

import (
	"strconv"

	"github.com/serialx/hashring"
)

// shardRing assigns a MapKey to one of a fixed set of shard names, giving
// flow affinity (every packet of a flow always lands in the same shard)
// the same consistent-hashing technique internal/task's dispatch
// strategies use for pipeline affinity, generalized from a plain modulo to
// a ring so the shard count can be grown without reshuffling every flow.
//
// hashring was already present in the dependency graph (pulled in
// transitively through the SIP stack's dialog routing) but never wired
// directly; a FlowMap's shard assignment is exactly the kind of
// stable-partitioning problem it exists for.
type shardRing struct {
	ring   *hashring.HashRing
	byName map[string]int
}

func newShardRing(numShards int) *shardRing {
	names := make([]string, numShards)
	byName := make(map[string]int, numShards)
	for i := 0; i < numShards; i++ {
		name := strconv.Itoa(i)
		names[i] = name
		byName[name] = i
	}
	return &shardRing{
		ring:   hashring.New(names),
		byName: byName,
	}
}

func (r *shardRing) shardOf(key MapKey) int {
	name, ok := r.ring.GetNode(strconv.FormatUint(uint64(key), 10))
	if !ok {
		return 0
	}
	return r.byName[name]
}
