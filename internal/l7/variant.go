package l7

// Variant is a tagged union over the closed set of protocols this module
// supports, carrying the matched parser's per-flow state (SPEC_FULL.md §9,
// "Dynamic parser dispatch": a tagged variant replaces the source's trait
// object, dispatched by a match on the probe result).
type Variant struct {
	Protocol ProtocolID
	Parser   Parser
}

// Factory constructs a fresh, per-flow Parser instance for one protocol.
// Detect keeps one Factory per candidate protocol rather than one shared
// Parser, since CheckPayload/ParsePayload cache state (spec.md §9, Open
// Question 1) that must not leak across unrelated flows.
type Factory func() Parser

// Detect tries each candidate factory's CheckPayload against buf in order
// and returns the first match as a freshly constructed Variant. It reports
// ok=false if no candidate recognizes the payload, leaving protocol
// identification to retry on the next frame.
func Detect(candidates []Factory, buf []byte, params ParseParams) (v Variant, ok bool) {
	for _, newParser := range candidates {
		p := newParser()
		if p.CheckPayload(buf, params) {
			return Variant{Protocol: p.Protocol(), Parser: p}, true
		}
	}
	return Variant{}, false
}
