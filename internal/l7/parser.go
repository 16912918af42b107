package l7

// ProtocolID identifies which L7 parser produced an Info.
type ProtocolID uint8

const (
	ProtocolUnknown ProtocolID = iota
	ProtocolPostgreSQL
	ProtocolDubbo
)

func (p ProtocolID) String() string {
	switch p {
	case ProtocolPostgreSQL:
		return "postgresql"
	case ProtocolDubbo:
		return "dubbo"
	default:
		return "unknown"
	}
}

// ParseParams carries the per-packet context a parser needs beyond the raw
// payload: the owning flow/session identity for RRT accounting (spec.md §3,
// L7 PerfCache) and the direction assigned by the flow matcher.
type ParseParams struct {
	FlowID    uint64
	SessionID uint64
	IsRequest bool
}

// Info is the common contract every per-protocol ProtocolInfo implements
// (spec.md §3 "Both expose merge_log(other)"). Concrete infos (postgresql.Info,
// dubbo.Info) additionally expose their own typed fields; MergeLog is used by
// the session collector to fold a response-side observation into the
// request-side record once both halves of a session have been seen.
type Info interface {
	Protocol() ProtocolID
	// MergeLog copies response-only (or request-only) fields from other into
	// the receiver. Called at most once per (flow_id, session_id) pair.
	MergeLog(other Info) error
}

// Parser is the contract a framed L7 decoder implements (spec.md §4.3).
//
// Call sequence: CheckPayload caches its parse result so an immediate
// ParsePayload call on the same payload is O(1); ParsePayload consumes and
// clears that cache. A caller that invokes ParsePayload without a preceding
// CheckPayload call always re-parses from scratch — this mirrors the source
// behavior flagged as ambiguous in spec.md §9 and is intentional, not a bug.
type Parser interface {
	// CheckPayload is a cheap identification probe run during protocol
	// detection. It may cache its result for the next ParsePayload call.
	CheckPayload(buf []byte, params ParseParams) bool
	// ParsePayload returns zero or more structured records. An empty,
	// non-error result means the frame was recognized but is intentionally
	// not surfaced (spec.md §4.3 "ignore" semantics).
	ParsePayload(buf []byte, params ParseParams) ([]Info, error)
	Protocol() ProtocolID
	ParsableOnUDP() bool
	Reset()
	// PerfStats returns the parser's accumulated counters and clears them;
	// nil if nothing has been observed since the last call.
	PerfStats() *PerfStats
}

// PerfStats accumulates the per-parser counters spec.md §4.3/§7 requires:
// request/response/error tallies and the RRT histogram summary.
type PerfStats struct {
	RequestCount   uint64
	ResponseCount  uint64
	ErrClientCount uint64
	ErrServerCount uint64
	RRTCount       uint64
	RRTSum         int64 // nanoseconds, summed for an average at export time
	RRTMax         int64 // nanoseconds
}

// Observe folds one measured RTT (nanoseconds) into the histogram summary.
func (s *PerfStats) Observe(rttNanos int64) {
	s.RRTCount++
	s.RRTSum += rttNanos
	if rttNanos > s.RRTMax {
		s.RRTMax = rttNanos
	}
}
