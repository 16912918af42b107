package flow

import "time"

// TimeKey orders FlowNodes by their last-seen time so the Map can evict
// timed-out flows without scanning every bucket (spec.md §4.2, timeout
// handling).
type TimeKey struct {
	When time.Time
	Key  MapKey
	Shard int
}

// timeHeap is a container/heap.Interface over TimeKey, ordered oldest-first.
type timeHeap []TimeKey

func (h timeHeap) Len() int            { return len(h) }
func (h timeHeap) Less(i, j int) bool  { return h[i].When.Before(h[j].When) }
func (h timeHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *timeHeap) Push(x interface{}) { *h = append(*h, x.(TimeKey)) }
func (h *timeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
