// Package l7 defines the shared contract L7 protocol parsers implement
// (spec.md §4.3): a cheap identification probe, a structured decode, and the
// per-protocol info types that know how to merge a request-side observation
// with its response-side counterpart.
package l7

import "errors"

// Sentinel errors surfaced to callers of a Parser (spec.md §6, §7). A parse
// failure is always local: the parser persists no state and increments none
// of its own perf counters, and the caller skips the payload (Worker.Process
// counts the failure in metrics.L7ParseErrorsTotal).
var (
	ErrProtocolUnknown   = errors.New("l7: protocol unknown")
	ErrInvalidIPProtocol = errors.New("l7: invalid ip protocol")
	ErrDubboHeaderParse  = errors.New("l7: dubbo header parse failed")
)
