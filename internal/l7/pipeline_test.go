package l7_test

import (
	"testing"
	"time"

	"firestige.xyz/otus/internal/flow"
	"firestige.xyz/otus/internal/l7"
	"firestige.xyz/otus/internal/l7/registry"
)

func pgBlock(tag byte, body string) []byte {
	b := []byte(body)
	length := len(b) + 4
	out := []byte{tag, byte(length >> 24), byte(length >> 16), byte(length >> 8), byte(length)}
	return append(out, b...)
}

// TestWorkerEndToEnd exercises Detect -> Parse -> Collector.Observe across a
// request and response frame on the same node, mirroring spec.md boundary
// scenario 1 end to end through the pipeline glue in pipeline.go.
func TestWorkerEndToEnd(t *testing.T) {
	w := l7.NewWorker(registry.Candidates(registry.DefaultConfig()), time.Minute)
	node := &flow.Node{}

	reqBuf := pgBlock('Q', "delete  from test;\x00")
	if out := w.Process(node, 42, reqBuf, true); len(out) != 0 {
		t.Fatalf("expected no emitted log on the request half, got %d", len(out))
	}

	respBuf := pgBlock('C', "DELETE 1\x00")
	out := w.Process(node, 42, respBuf, false)
	if len(out) != 1 {
		t.Fatalf("expected 1 emitted log on the response half, got %d", len(out))
	}
	if out[0].RowEffect != 1 {
		t.Fatalf("expected row_effect 1, got %d", out[0].RowEffect)
	}
	if out[0].ReqType != "simple_query" {
		t.Fatalf("expected req_type simple_query, got %q", out[0].ReqType)
	}
}

func TestWorkerNoMatchReturnsNil(t *testing.T) {
	w := l7.NewWorker(registry.Candidates(registry.DefaultConfig()), time.Minute)
	node := &flow.Node{}

	out := w.Process(node, 1, []byte("not a protocol this module knows"), true)
	if out != nil {
		t.Fatalf("expected nil, got %v", out)
	}
}
