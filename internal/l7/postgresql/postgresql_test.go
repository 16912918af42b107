package postgresql

import (
	"testing"

	"firestige.xyz/otus/internal/l7"
)

func block(tag byte, body string) []byte {
	b := []byte(body)
	length := len(b) + 4
	out := make([]byte, 0, 1+length)
	out = append(out, tag)
	out = append(out, byte(length>>24), byte(length>>16), byte(length>>8), byte(length))
	out = append(out, b...)
	return out
}

// TestSimpleQuery covers spec.md boundary scenario 1.
func TestSimpleQuery(t *testing.T) {
	p := New(DefaultConfig(), 16)
	params := l7.ParseParams{FlowID: 1, SessionID: 1}

	reqBuf := block('Q', "delete  from test;\x00")
	params.IsRequest = true
	if !p.CheckPayload(reqBuf, params) {
		t.Fatalf("expected request to be recognized")
	}
	reqInfos, err := p.ParsePayload(reqBuf, params)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(reqInfos) != 1 {
		t.Fatalf("expected 1 surfaced info, got %d", len(reqInfos))
	}
	req := reqInfos[0].(*Info)
	if req.ReqType != 'Q' || req.Context != "delete  from test;" {
		t.Fatalf("unexpected request info: %+v", req)
	}

	respBuf := block('C', "DELETE 1\x00")
	params.IsRequest = false
	if !p.CheckPayload(respBuf, params) {
		t.Fatalf("expected response to be recognized")
	}
	respInfos, err := p.ParsePayload(respBuf, params)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp := respInfos[0].(*Info)
	if resp.RespType != 'C' || resp.AffectedRows != 1 || resp.Status != l7.ResponseStatusOk {
		t.Fatalf("unexpected response info: %+v", resp)
	}

	if err := req.MergeLog(resp); err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	if req.AffectedRows != 1 || req.RespType != 'C' {
		t.Fatalf("merge did not copy response fields: %+v", req)
	}

	stats := p.PerfStats()
	if stats == nil || stats.RequestCount != 1 || stats.ResponseCount != 1 || stats.RRTCount != 1 {
		t.Fatalf("unexpected perf stats: %+v", stats)
	}
}

// TestPreparedStatement covers spec.md boundary scenario 2.
func TestPreparedStatement(t *testing.T) {
	p := New(DefaultConfig(), 16)
	params := l7.ParseParams{FlowID: 1, SessionID: 2, IsRequest: true}

	reqBuf := block('P', "\x00delete from test where id=$1 returning id\x00\x00\x00")
	infos, err := p.ParsePayload(reqBuf, params)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	req := infos[0].(*Info)
	if req.ReqType != 'P' || req.Context != "delete from test where id=$1 returning id" {
		t.Fatalf("unexpected prepared statement info: %+v", req)
	}

	params.IsRequest = false
	respBuf := block('C', "DELETE 0\x00")
	infos, err = p.ParsePayload(respBuf, params)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp := infos[0].(*Info)
	if resp.AffectedRows != 0 || resp.RespType != 'C' {
		t.Fatalf("unexpected response info: %+v", resp)
	}
}

// TestSyntaxError covers spec.md boundary scenario 3.
func TestSyntaxError(t *testing.T) {
	p := New(DefaultConfig(), 16)
	params := l7.ParseParams{FlowID: 1, SessionID: 3, IsRequest: true}

	reqBuf := block('Q', "asdsdfdsf;\x00")
	if _, err := p.ParsePayload(reqBuf, params); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	params.IsRequest = false
	errBody := "SERROR\x00Mmessage\x00C42601\x00"
	respBuf := block('E', errBody)
	infos, err := p.ParsePayload(respBuf, params)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp := infos[0].(*Info)
	if resp.Status != l7.ResponseStatusClientError {
		t.Fatalf("expected ClientError, got %v", resp.Status)
	}
	if resp.Result != "42601" {
		t.Fatalf("expected SQLSTATE 42601, got %q", resp.Result)
	}
	if resp.ErrorMessage != "syntax_error" {
		t.Fatalf("expected syntax_error, got %q", resp.ErrorMessage)
	}

	stats := p.PerfStats()
	if stats == nil || stats.ErrClientCount != 1 {
		t.Fatalf("expected 1 client error, got %+v", stats)
	}
}

// TestSSLRequestSentinel covers spec.md boundary scenario 4.
func TestSSLRequestSentinel(t *testing.T) {
	p := New(DefaultConfig(), 16)
	buf := []byte{0x00, 0x00, 0x00, 0x08, 0x04, 0xD2, 0x16, 0x2F}
	params := l7.ParseParams{FlowID: 1, IsRequest: true}

	if !p.CheckPayload(buf, params) {
		t.Fatalf("expected SSL sentinel to be recognized")
	}
	infos, err := p.ParsePayload(buf, params)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(infos) != 0 {
		t.Fatalf("expected empty result, got %d infos", len(infos))
	}
}

// TestMultiBlockPayloadYieldsOneInfo covers the review fix for a
// multi-statement response delivering two CommandComplete blocks in one
// segment: decode must fold both into a single accumulated Info (the later
// block's row count winning) rather than surfacing two Infos that would
// collide under one session id.
func TestMultiBlockPayloadYieldsOneInfo(t *testing.T) {
	p := New(DefaultConfig(), 16)
	params := l7.ParseParams{FlowID: 1, SessionID: 1}

	reqBuf := block('Q', "delete from a; delete from b;\x00")
	params.IsRequest = true
	reqInfos, err := p.ParsePayload(reqBuf, params)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(reqInfos) != 1 {
		t.Fatalf("expected 1 surfaced info, got %d", len(reqInfos))
	}

	params.IsRequest = false
	respBuf := append(block('C', "DELETE 1\x00"), block('C', "DELETE 2\x00")...)
	respInfos, err := p.ParsePayload(respBuf, params)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(respInfos) != 1 {
		t.Fatalf("expected exactly 1 accumulated info, got %d", len(respInfos))
	}
	resp := respInfos[0].(*Info)
	if resp.AffectedRows != 2 {
		t.Fatalf("expected later block's row count to win, got %d", resp.AffectedRows)
	}

	stats := p.PerfStats()
	if stats == nil || stats.ResponseCount != 2 {
		t.Fatalf("expected stats to count both blocks, got %+v", stats)
	}
}

func TestUnrecognizedTagFails(t *testing.T) {
	p := New(DefaultConfig(), 16)
	buf := block('!', "whatever\x00")
	params := l7.ParseParams{IsRequest: true}

	if p.CheckPayload(buf, params) {
		t.Fatalf("expected unrecognized tag to fail identification")
	}
	if _, err := p.ParsePayload(buf, params); err != l7.ErrProtocolUnknown {
		t.Fatalf("expected ErrProtocolUnknown, got %v", err)
	}
}
