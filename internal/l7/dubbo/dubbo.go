// Package dubbo implements the Apache Dubbo wire-protocol L7 parser
// (spec.md §4.3): a 16-byte fixed-header decode plus a best-effort Hessian
// walk of the first four request parameters.
package dubbo

import (
	"encoding/binary"
	"time"

	"firestige.xyz/otus/internal/l7"
	"firestige.xyz/otus/internal/l7/perfcache"
)

const (
	magicHi = 0xDA
	magicLo = 0xBB

	headerLen = 16

	flagRequest = 0x80
	flagSerial  = 0x1F
)

// Hessian type tags relevant to the first-four-parameter walk (spec.md
// §4.3, get_req_param_len). Only short/chunked string encodings are
// understood; any other leading tag aborts the walk, leaving the remaining
// fields empty (spec.md §7, "partial parses are preferred to failure").
const (
	bcStringChunk     = 0x52
	bcString          = 0x53
	bcStringDirectMin = 0x00
	bcStringDirectMax = 0x1F
	stringDirectLoMin = 0x30
	stringDirectLoMax = 0x33
)

// StatusCode is the raw Dubbo response status byte.
type StatusCode uint8

// Info is the Dubbo ProtocolInfo (spec.md §3).
type Info struct {
	SerialID    uint8
	DataType    uint8 // nonzero = request
	RequestID   uint64
	ReqMsgSize  uint32
	RespMsgSize uint32

	DubboVersion   string
	ServiceName    string
	ServiceVersion string
	MethodName     string

	StatusCode StatusCode
	Status     l7.ResponseStatus
	RRT        time.Duration
	hasRRT     bool
}

func (i *Info) Protocol() l7.ProtocolID { return l7.ProtocolDubbo }

// SessionKey reports the Dubbo request_id as the session identifier a
// Worker (internal/l7/pipeline.go) should group request/response halves
// under, since Dubbo carries an explicit id on the wire unlike PostgreSQL's
// implicit sequential numbering (spec.md GLOSSARY, "Session").
func (i *Info) SessionKey() uint64 { return i.RequestID }

// MergeLog folds a response-side Info's fields into a request-side Info (or
// vice versa), keyed by the shared RequestID (spec.md §4.4).
func (i *Info) MergeLog(other l7.Info) error {
	o, ok := other.(*Info)
	if !ok {
		return l7.ErrProtocolUnknown
	}

	if i.DataType == 0 && o.DataType != 0 {
		i.DataType = o.DataType
		i.DubboVersion = o.DubboVersion
		i.ServiceName = o.ServiceName
		i.ServiceVersion = o.ServiceVersion
		i.MethodName = o.MethodName
		i.ReqMsgSize = o.ReqMsgSize
	}
	if o.RespMsgSize != 0 {
		i.RespMsgSize = o.RespMsgSize
		i.StatusCode = o.StatusCode
		i.Status = o.Status
	}
	if !i.hasRRT && o.hasRRT {
		i.RRT = o.RRT
		i.hasRRT = true
	}
	return nil
}

// SendLog translates i into the downstream record spec.md §6 describes.
func (i *Info) SendLog(flowID uint64, reqLen, respLen int) l7.SendLog {
	return l7.SendLog{
		Protocol:    l7.ProtocolDubbo,
		FlowID:      flowID,
		ReqLen:      reqLen,
		RespLen:     respLen,
		ReqType:     i.MethodName,
		ReqResource: i.ServiceName + "/" + i.ServiceVersion,
		RespStatus:  i.Status,
		ExtInfo: map[string]string{
			"dubbo_version": i.DubboVersion,
			"request_id":    formatUint(i.RequestID),
		},
	}
}

func formatUint(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	pos := len(buf)
	for v > 0 {
		pos--
		buf[pos] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[pos:])
}

// mapStatus implements spec.md §4.3's response status-code mapping.
func mapStatus(code StatusCode) l7.ResponseStatus {
	switch code {
	case 20:
		return l7.ResponseStatusOk
	case 30, 40, 90:
		return l7.ResponseStatusClientError
	case 31, 50, 60, 70, 80, 100:
		return l7.ResponseStatusServerError
	default:
		return l7.ResponseStatusOk
	}
}

// Parser implements l7.Parser for the Dubbo wire protocol.
type Parser struct {
	cache *perfcache.Cache
	stats l7.PerfStats

	parsed       bool
	cachedResult *Info
	cachedErr    error
}

// New constructs a Dubbo parser backed by an RRT cache of the given capacity.
func New(rrtCacheCapacity int) *Parser {
	return &Parser{cache: perfcache.New(rrtCacheCapacity)}
}

func (p *Parser) Protocol() l7.ProtocolID { return l7.ProtocolDubbo }
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

// CheckPayload probes buf for a valid Dubbo header, caching the decode
// result for an immediately following ParsePayload call (spec.md §4.3, §9
// Open Question 1).
func (p *Parser) CheckPayload(buf []byte, params l7.ParseParams) bool {
	info, err := p.decode(buf, params)
	p.parsed = true
	p.cachedResult = info
	p.cachedErr = err
	return err == nil
}

func (p *Parser) ParsePayload(buf []byte, params l7.ParseParams) ([]l7.Info, error) {
	var info *Info
	var err error

	if p.parsed {
		info, err = p.cachedResult, p.cachedErr
		p.parsed = false
		p.cachedResult = nil
		p.cachedErr = nil
	} else {
		info, err = p.decode(buf, params)
	}
	if err != nil {
		return nil, err
	}

	if rtt, ok := l7.CalRRT(p.cache, dubboRRTParams(params, info), time.Now(), &p.stats); ok {
		info.RRT = rtt
		info.hasRRT = true
	}

	return []l7.Info{info}, nil
}

// dubboRRTParams substitutes the session id used for the shared RRT cache
// with the Dubbo request_id (spec.md GLOSSARY, "Session": Dubbo uses
// request_id as its session identifier).
func dubboRRTParams(params l7.ParseParams, info *Info) l7.ParseParams {
	params.SessionID = info.RequestID
	params.IsRequest = info.DataType != 0
	return params
}

// decode parses the 16-byte fixed header and, for requests, best-effort
// walks the first four Hessian-encoded parameters (spec.md §4.3).
func (p *Parser) decode(buf []byte, params l7.ParseParams) (*Info, error) {
	if len(buf) < headerLen {
		return nil, l7.ErrDubboHeaderParse
	}
	if buf[0] != magicHi || buf[1] != magicLo {
		return nil, l7.ErrDubboHeaderParse
	}

	flag := buf[2]
	status := buf[3]
	requestID := binary.BigEndian.Uint64(buf[4:12])
	bodyLen := binary.BigEndian.Uint32(buf[12:16])

	info := &Info{
		SerialID:   flag & flagSerial,
		DataType:   flag & flagRequest,
		RequestID:  requestID,
		StatusCode: StatusCode(status),
	}

	body := buf[headerLen:]
	if uint32(len(body)) < bodyLen {
		// Truncated body is still a header parse success (spec.md testable
		// property: "for any Dubbo payload with valid magic ... the header
		// parse succeeds"); the parameter walk simply has less to read.
		bodyLen = uint32(len(body))
	}
	body = body[:bodyLen]

	if info.DataType != 0 {
		info.ReqMsgSize = bodyLen
		p.stats.RequestCount++
		walkRequestParams(info, body)
	} else {
		info.RespMsgSize = bodyLen
		info.Status = mapStatus(info.StatusCode)
		p.stats.ResponseCount++
		switch info.Status {
		case l7.ResponseStatusClientError:
			p.stats.ErrClientCount++
		case l7.ResponseStatusServerError:
			p.stats.ErrServerCount++
		}
	}

	return info, nil
}

// walkRequestParams best-effort decodes dubbo_version, service_name,
// service_version, method_name from the Hessian-encoded request body,
// stopping at the first unrecognized type tag (spec.md §4.3,
// get_req_param_len).
func walkRequestParams(info *Info, body []byte) {
	targets := []*string{&info.DubboVersion, &info.ServiceName, &info.ServiceVersion, &info.MethodName}

	pos := 0
	for _, target := range targets {
		s, next, ok := readHessianString(body, pos)
		if !ok {
			return
		}
		*target = s
		pos = next
	}
}

// readHessianString decodes one Hessian-tagged field starting at pos,
// returning its value and the offset of the next field. ok is false if the
// leading tag is not one get_req_param_len recognizes.
//
// This follows the source exactly rather than a textbook Hessian decode:
// the declared length is the tag byte's own ordinal value for every
// recognized tag, including BC_STRING_CHUNK/BC_STRING — not a separate
// length field. That is only correct for strings shorter than the tag
// space itself, which is what the upstream test fixtures (and real Dubbo
// version/service/method names) always are; anything longer simply fails
// the bounds check below and aborts the walk.
func readHessianString(body []byte, pos int) (value string, next int, ok bool) {
	if pos >= len(body) {
		return "", pos, false
	}

	length, recognized := requestParamLen(body[pos])
	if !recognized {
		return "", pos, false
	}

	start := pos + 1
	end := start + length
	if end > len(body) {
		return "", pos, false
	}

	return string(body[start:end]), end, true
}

// requestParamLen decodes one Hessian string tag's declared length
// (spec.md §4.3, get_req_param_len).
func requestParamLen(tag byte) (length int, ok bool) {
	switch {
	case tag == bcStringChunk || tag == bcString:
		return int(tag), true
	case tag >= bcStringDirectMin && tag <= bcStringDirectMax:
		return int(tag), true
	case tag >= stringDirectLoMin && tag <= stringDirectLoMax:
		return int(tag), true
	default:
		return 0, false
	}
}
