package l7

import (
	"sync/atomic"
	"time"

	"firestige.xyz/otus/internal/flow"
	"firestige.xyz/otus/internal/metrics"
)

// flowState is what Worker stashes in flow.Perf.L7: the detected protocol
// variant plus a per-flow session sequence number, since spec.md's GLOSSARY
// defines PostgreSQL sessions as "implicit sequential" (Dubbo instead keys
// off request_id directly inside the dubbo package).
type flowState struct {
	variant Variant
	seq     uint64
}

// Worker runs protocol detection and parsing for the flows produced by a
// flow.Map, emitting merged SendLog records for each completed session
// (spec.md §2's "FlowMap -> L7Parser" pipeline stage).
type Worker struct {
	candidates []Factory
	collector  *Collector
}

// NewWorker constructs a Worker. ttl bounds how long an unmatched session
// half (e.g. a request whose response never arrives) is held before being
// discarded; an expired half is not emitted.
func NewWorker(candidates []Factory, ttl time.Duration) *Worker {
	return &Worker{candidates: candidates, collector: NewCollector(ttl)}
}

// Process runs one payload through detection/parsing for node, returning any
// SendLog records ready for the export queue: zero if the frame was
// unrecognized, ignored, or is awaiting its session counterpart; one if this
// frame completes a session; more than one if a single
// ParsePayload call surfaced multiple non-ignored frames (spec.md §4.3 can
// return a list).
func (w *Worker) Process(node *flow.Node, flowID uint64, payload []byte, isRequest bool) []SendLog {
	state := w.attachedState(node)

	params := ParseParams{FlowID: flowID, IsRequest: isRequest}
	if state.variant.Parser == nil {
		v, ok := Detect(w.candidates, payload, params)
		if !ok {
			return nil
		}
		state.variant = v
	}

	params.SessionID = w.sequentialSessionID(state, isRequest)

	infos, err := state.variant.Parser.ParsePayload(payload, params)
	protocolLabel := state.variant.Protocol.String()
	if err != nil || len(infos) == 0 {
		if err != nil {
			metrics.L7ParseErrorsTotal.WithLabelValues(protocolLabel).Inc()
		}
		return nil
	}
	metrics.L7ParsedTotal.WithLabelValues(protocolLabel).Add(float64(len(infos)))

	var out []SendLog
	for _, info := range infos {
		sessionID := params.SessionID
		if keyed, ok := info.(interface{ SessionKey() uint64 }); ok {
			// Dubbo's request_id is the real session identifier (spec.md
			// GLOSSARY, "Session"); the sequential counter above only
			// serves PostgreSQL, which has no explicit id on the wire.
			sessionID = keyed.SessionKey()
		}
		merged, ready := w.collector.Observe(flowID, sessionID, info)
		if !ready {
			continue
		}
		out = append(out, toSendLog(flowID, len(payload), merged))
	}
	return out
}

// sequentialSessionID implements PostgreSQL's implicit sequential session
// numbering (spec.md GLOSSARY, "Session"): a request frame starts a new
// sequence number, a response frame joins the most recently started one.
func (w *Worker) sequentialSessionID(state *flowState, isRequest bool) uint64 {
	if isRequest {
		return atomic.AddUint64(&state.seq, 1)
	}
	return atomic.LoadUint64(&state.seq)
}

func (w *Worker) attachedState(node *flow.Node) *flowState {
	if node.Perf == nil {
		node.Perf = &flow.Perf{}
	}
	if node.Perf.L7 == nil {
		node.Perf.L7 = &flowState{}
	}
	return node.Perf.L7.(*flowState)
}

// toSendLog dispatches to the concrete Info's own SendLog method via a type
// switch, since SPEC_FULL.md keeps per-protocol SendLog translation (field
// names, ExtInfo) in each protocol package rather than duplicating it here.
func toSendLog(flowID uint64, payloadLen int, info Info) SendLog {
	if sl, ok := info.(interface {
		SendLog(flowID uint64, reqLen, respLen int) SendLog
	}); ok {
		return sl.SendLog(flowID, payloadLen, payloadLen)
	}
	return SendLog{Protocol: info.Protocol(), FlowID: flowID}
}
