// Package postgresql implements the PostgreSQL wire-protocol L7 parser
// (spec.md §4.3): a typed-block walker that classifies request/response
// frames, tracks the "ignore" flag that keeps intermediate Bind/Describe
// frames from confusing session pairing, and computes RRT via the shared
// l7.PerfCache contract.
package postgresql

import (
	"bytes"
	"time"

	"firestige.xyz/otus/internal/l7"
	"firestige.xyz/otus/internal/l7/perfcache"
)

// sslRequestSentinel is the 8-byte SSLRequest probe PostgreSQL clients send
// before a real startup message: length=8 followed by the protocol constant
// 80877103 (spec.md §4.3, §6).
var sslRequestSentinel = []byte{0x00, 0x00, 0x00, 0x08, 0x04, 0xD2, 0x16, 0x2F}

// Config toggles behavior the source carries beyond spec.md's prose
// (SPEC_FULL.md §6.4): RetainContext mirrors PostgresqlConfig.is_sql_trace_psql,
// a privacy knob to drop query text while still classifying req_type.
type Config struct {
	RetainContext bool
}

// DefaultConfig retains query/context text, matching the upstream default.
func DefaultConfig() Config { return Config{RetainContext: true} }

// Info is the PostgreSQL ProtocolInfo (spec.md §3).
type Info struct {
	MsgType byte // the wire tag byte this Info was produced from
	IsTLS   bool
	Ignore  bool

	ReqType byte   // request block tag ('Q' or 'P'), 0 if this half is absent
	Context string // query text (Q) or prepared statement query (P)

	RespType      byte // response block tag ('C' or 'E'), 0 if absent
	Result        string
	AffectedRows  int64
	ErrorMessage  string
	Status        l7.ResponseStatus
	RRT           time.Duration
	hasRRT        bool
}

// Protocol identifies Info as belonging to the PostgreSQL parser.
func (i *Info) Protocol() l7.ProtocolID { return l7.ProtocolPostgreSQL }

// MergeLog copies the response-side fields of other (or the request-side
// fields, whichever the receiver lacks) into i, per spec.md §4.4.
func (i *Info) MergeLog(other l7.Info) error {
	o, ok := other.(*Info)
	if !ok {
		return l7.ErrProtocolUnknown
	}

	if i.ReqType == 0 && o.ReqType != 0 {
		i.ReqType = o.ReqType
		i.Context = o.Context
	}
	if i.RespType == 0 && o.RespType != 0 {
		i.RespType = o.RespType
		i.Result = o.Result
		i.AffectedRows = o.AffectedRows
		i.ErrorMessage = o.ErrorMessage
		i.Status = o.Status
	}
	if !i.hasRRT && o.hasRRT {
		i.RRT = o.RRT
		i.hasRRT = true
	}
	if i.ReqType != 0 && i.RespType != 0 {
		i.Ignore = false
	}
	return nil
}

// reqTypeName maps a request tag to the human name the downstream
// l7.SendLog.ReqType field carries (spec.md §6).
func reqTypeName(tag byte) string {
	switch tag {
	case 'Q':
		return "simple_query"
	case 'P':
		return "prepared"
	default:
		return ""
	}
}

// SendLog translates i into the downstream record spec.md §6 describes.
func (i *Info) SendLog(flowID uint64, reqLen, respLen int) l7.SendLog {
	return l7.SendLog{
		Protocol:      l7.ProtocolPostgreSQL,
		FlowID:        flowID,
		ReqLen:        reqLen,
		RespLen:       respLen,
		RowEffect:     i.AffectedRows,
		ReqType:       reqTypeName(i.ReqType),
		ReqResource:   i.Context,
		RespStatus:    i.Status,
		RespResult:    i.Result,
		RespException: i.ErrorMessage,
	}
}

// Parser implements l7.Parser for the PostgreSQL wire protocol.
type Parser struct {
	cfg   Config
	cache *perfcache.Cache
	stats l7.PerfStats

	// parsed/cachedResult/cachedErr implement the CheckPayload -> ParsePayload
	// fast path documented in spec.md §9, Open Question 1: CheckPayload sets
	// parsed=true and caches its outcome; ParsePayload consumes and clears it.
	// A caller skipping CheckPayload always re-parses, matching the source's
	// ambiguous behavior rather than silently "fixing" it.
	parsed       bool
	cachedResult *Info
	cachedErr    error
}

// New constructs a PostgreSQL parser backed by an RRT cache of the given
// capacity (L7_RRT_CACHE_CAPACITY, spec.md §3).
func New(cfg Config, rrtCacheCapacity int) *Parser {
	return &Parser{cfg: cfg, cache: perfcache.New(rrtCacheCapacity)}
}

func (p *Parser) Protocol() l7.ProtocolID { return l7.ProtocolPostgreSQL }
func (p *Parser) ParsableOnUDP() bool     { return false }

func (p *Parser) Reset() {
	p.parsed = false
	p.cachedResult = nil
	p.cachedErr = nil
}

func (p *Parser) PerfStats() *l7.PerfStats {
	if p.stats == (l7.PerfStats{}) {
		return nil
	}
	out := p.stats
	p.stats = l7.PerfStats{}
	return &out
}

// CheckPayload probes buf: the SSL-request sentinel short-circuits to true
// with an empty cached result (spec.md boundary scenario 4); otherwise a
// full structural parse is attempted and its outcome cached for the
// immediately following ParsePayload call (spec.md §4.3).
func (p *Parser) CheckPayload(buf []byte, params l7.ParseParams) bool {
	if bytes.Equal(buf, sslRequestSentinel) {
		p.parsed = true
		p.cachedResult = nil
		p.cachedErr = nil
		return true
	}

	info, err := p.decode(buf, params)
	p.parsed = true
	p.cachedResult = info
	p.cachedErr = err
	return err == nil
}

// ParsePayload returns the cached result from a preceding CheckPayload call,
// or re-decodes buf from scratch if none is pending. A payload yields at most
// one Info: every block it carries is folded into a single accumulated
// record (spec.md §4.3), matching the source's single self.info per parse.
func (p *Parser) ParsePayload(buf []byte, params l7.ParseParams) ([]l7.Info, error) {
	var info *Info
	var err error

	if p.parsed {
		info, err = p.cachedResult, p.cachedErr
		p.parsed = false
		p.cachedResult = nil
		p.cachedErr = nil
	} else {
		if bytes.Equal(buf, sslRequestSentinel) {
			return nil, nil
		}
		info, err = p.decode(buf, params)
	}
	if err != nil {
		return nil, err
	}
	if info == nil || info.Ignore {
		return nil, nil
	}

	if rtt, ok := l7.CalRRT(p.cache, params, time.Now(), &p.stats); ok {
		info.RRT = rtt
		info.hasRRT = true
	}

	return []l7.Info{info}, nil
}

// decode walks buf as a sequence of tag|length|body blocks (spec.md §4.3),
// folding every block into one accumulated Info the way the source's
// parse_payload accumulates into a single self.info per call: a payload
// carrying several blocks (e.g. two batched Query requests, or a
// multi-statement response delivering two CommandComplete blocks) still
// yields exactly one session half, with later blocks' fields overwriting
// earlier ones of the same kind. At least one valid block must be consumed
// or the whole payload is rejected with l7.ErrProtocolUnknown.
func (p *Parser) decode(buf []byte, params l7.ParseParams) (*Info, error) {
	var info *Info
	consumed := 0
	remaining := buf

	for len(remaining) > 0 {
		if len(remaining) < 5 {
			break
		}
		tag := remaining[0]
		length := beUint32(remaining[1:5])
		if length < 4 || 1+int(length) > len(remaining) {
			break
		}
		body := remaining[5:int(length)+1]

		if info == nil {
			info = &Info{Ignore: true}
		}
		info.MsgType = tag
		var err error
		if params.IsRequest {
			err = p.decodeRequest(info, tag, body)
		} else {
			err = p.decodeResponse(info, tag, body)
		}
		if err != nil {
			break
		}

		consumed++
		remaining = remaining[1+int(length):]
	}

	if consumed == 0 {
		return nil, l7.ErrProtocolUnknown
	}
	return info, nil
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// decodeRequest handles the request-side block tags of spec.md §4.3.
func (p *Parser) decodeRequest(info *Info, tag byte, body []byte) error {
	switch tag {
	case 'Q':
		info.ReqType = 'Q'
		info.Ignore = false
		if p.cfg.RetainContext {
			info.Context = nulStripped(body)
		}
		p.stats.RequestCount++
	case 'P':
		rest := skipNulTerminated(body) // skip statement name
		query := nulStripped(rest)
		if !looksLikeSQL(query) {
			return l7.ErrProtocolUnknown
		}
		info.ReqType = 'P'
		info.Ignore = false
		if p.cfg.RetainContext {
			info.Context = query
		}
		p.stats.RequestCount++
	case 'B', 'F', 'C', 'D', 'H', 'S', 'X', 'd', 'c', 'f':
		// Recognized but not surfaced; ignore stays true.
	default:
		return l7.ErrProtocolUnknown
	}
	return nil
}

// decodeResponse handles the response-side block tags of spec.md §4.3.
func (p *Parser) decodeResponse(info *Info, tag byte, body []byte) error {
	switch tag {
	case 'C':
		decodeCommandComplete(info, body)
		info.Status = l7.ResponseStatusOk
		info.Ignore = false
		p.stats.ResponseCount++
	case 'E':
		decodeErrorResponse(info, body)
		p.stats.ResponseCount++
		switch info.Status {
		case l7.ResponseStatusClientError:
			p.stats.ErrClientCount++
		case l7.ResponseStatusServerError:
			p.stats.ErrServerCount++
		}
	case 'Z', 'I', '1', '2', '3', 'S', 'K', 'T', 'n', 'N', 't', 'D', 'G', 'H', 'W', 'd', 'c':
		// Recognized but not surfaced.
	default:
		return l7.ErrProtocolUnknown
	}
	return nil
}

// decodeCommandComplete parses a CommandComplete tag string (spec.md §4.3):
// "INSERT <oid> <rows>" or "<VERB> <rows>" for the other verbs listed. A
// truncated INSERT with no row count is still a successful parse (spec.md §7).
func decodeCommandComplete(info *Info, body []byte) {
	tagStr := nulStripped(body)
	info.Ignore = false
	fields := splitFields(tagStr)
	if len(fields) == 0 {
		return
	}

	switch fields[0] {
	case "INSERT":
		if len(fields) >= 3 {
			info.AffectedRows = parseInt(fields[2])
		}
	case "DELETE", "UPDATE", "SELECT", "MERGE", "MOVE", "FETCH", "COPY":
		if len(fields) >= 2 {
			info.AffectedRows = parseInt(fields[1])
		}
	}
}

// decodeErrorResponse parses severity\0message\0code-field... (spec.md §4.3).
// A response missing the severity/text fields still yields ClientError with
// ErrorMessage left empty (spec.md §9, Open Question 2: keep, don't tighten).
func decodeErrorResponse(info *Info, body []byte) {
	info.Status = l7.ResponseStatusClientError
	info.Ignore = false

	rest := body
	// Severity field.
	idx := bytes.IndexByte(rest, 0)
	if idx < 0 {
		return
	}
	rest = rest[idx+1:]

	// Message field.
	idx = bytes.IndexByte(rest, 0)
	if idx < 0 {
		return
	}
	rest = rest[idx+1:]

	// Code field: must start with 'C'.
	idx = bytes.IndexByte(rest, 0)
	field := rest
	if idx >= 0 {
		field = rest[:idx]
	}
	if len(field) == 0 || field[0] != 'C' {
		return
	}
	code := string(field[1:])
	info.Result = code
	desc, isServerError := GetCodeDesc(code)
	info.ErrorMessage = desc
	if isServerError {
		info.Status = l7.ResponseStatusServerError
	}
}

func nulStripped(b []byte) string {
	if idx := bytes.IndexByte(b, 0); idx >= 0 {
		return string(b[:idx])
	}
	return string(b)
}

func skipNulTerminated(b []byte) []byte {
	if idx := bytes.IndexByte(b, 0); idx >= 0 {
		return b[idx+1:]
	}
	return nil
}

func splitFields(s string) []string {
	raw := bytes.Fields([]byte(s))
	fields := make([]string, len(raw))
	for i, f := range raw {
		fields[i] = string(f)
	}
	return fields
}

func parseInt(s string) int64 {
	var n int64
	for _, c := range s {
		if c < '0' || c > '9' {
			return n
		}
		n = n*10 + int64(c-'0')
	}
	return n
}

// looksLikeSQL is the is_postgresql heuristic spec.md §4.3 references: the
// first whitespace-delimited token of a Parse message's query must be a
// recognized SQL keyword, else the frame is rejected as misidentified.
func looksLikeSQL(query string) bool {
	fields := splitFields(query)
	if len(fields) == 0 {
		return false
	}
	switch upperASCII(fields[0]) {
	case "SELECT", "INSERT", "UPDATE", "DELETE", "CREATE", "DROP", "ALTER",
		"BEGIN", "COMMIT", "ROLLBACK", "WITH", "MERGE", "TRUNCATE", "GRANT",
		"REVOKE", "EXPLAIN", "VALUES", "SET", "SHOW":
		return true
	default:
		return false
	}
}

func upperASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - 32
		}
	}
	return string(b)
}
