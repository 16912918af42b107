package flow

import "time"

// Perf holds the round-trip-time bookkeeping FlowPerf carries per flow
// (spec.md §3, FlowNode.flow_perf_stats). L7 parsers populate it through
// the PerfStats contract in internal/l7 rather than computing RTT directly.
type Perf struct {
	RTT            time.Duration
	RTTMax         time.Duration
	RTTSyn         time.Duration
	ARTSum         time.Duration
	ARTCount       uint32
	PendingRequest time.Time

	// L7 holds the detected protocol variant and per-flow parser state once
	// an L7 parser has attached to this flow (internal/l7.Variant). Kept as
	// an opaque field so package flow never imports internal/l7 — the
	// integration lives entirely on the l7 side (see internal/l7/pipeline.go).
	L7 any
}

// Observe folds a newly measured round-trip time into the running stats.
func (p *Perf) Observe(rtt time.Duration) {
	p.RTT = rtt
	if rtt > p.RTTMax {
		p.RTTMax = rtt
	}
	p.ARTSum += rtt
	p.ARTCount++
}

// Average returns the mean of all observed round-trip times, or zero if
// none have been recorded yet.
func (p *Perf) Average() time.Duration {
	if p.ARTCount == 0 {
		return 0
	}
	return p.ARTSum / time.Duration(p.ARTCount)
}
