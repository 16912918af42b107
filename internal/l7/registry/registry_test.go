package registry

import (
	"testing"

	"firestige.xyz/otus/internal/l7"
)

func TestDetectPicksDubbo(t *testing.T) {
	candidates := Candidates(DefaultConfig())

	buf := make([]byte, 16)
	buf[0], buf[1] = 0xDA, 0xBB
	buf[2] = 0x80 // request

	v, ok := l7.Detect(candidates, buf, l7.ParseParams{IsRequest: true})
	if !ok {
		t.Fatalf("expected dubbo header to be detected")
	}
	if v.Protocol != l7.ProtocolDubbo {
		t.Fatalf("expected ProtocolDubbo, got %v", v.Protocol)
	}
}

func TestDetectNoMatch(t *testing.T) {
	candidates := Candidates(DefaultConfig())
	buf := []byte("not a recognized protocol at all")

	if _, ok := l7.Detect(candidates, buf, l7.ParseParams{IsRequest: true}); ok {
		t.Fatalf("expected no candidate to match")
	}
}
