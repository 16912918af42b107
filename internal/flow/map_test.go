package flow

import (
	"net/netip"
	"testing"
	"time"

	"github.com/google/gopacket/layers"
)

func testPacket(ts time.Time, srcPort uint16) *MetaPacket {
	return &MetaPacket{
		Timestamp: ts,
		Lookup: LookupKey{
			TapType:   TapTypeTor,
			TapPort:   TapPort(1),
			SrcMAC:    [6]byte{1, 2, 3, 4, 5, 6},
			DstMAC:    [6]byte{6, 5, 4, 3, 2, 1},
			SrcIP:     netip.MustParseAddr("10.1.1.1"),
			DstIP:     netip.MustParseAddr("10.1.1.2"),
			SrcPort:   srcPort,
			DstPort:   80,
			EtherType: uint16(layers.EthernetTypeIPv4),
			L4Proto:   6,
		},
		Payload: []byte("hello"),
	}
}

func TestMapLookupCreatesThenMatches(t *testing.T) {
	m := NewMap(4, 0, MatchOptions{}, AgentTypeUnknown)

	pkt1 := testPacket(time.Unix(100, 0), 5000)
	node1, created := m.Lookup(pkt1)
	if !created {
		t.Fatal("expected first lookup to create a node")
	}

	pkt2 := testPacket(time.Unix(101, 0), 5000)
	node2, created := m.Lookup(pkt2)
	if created {
		t.Fatal("expected second lookup to reuse the existing node")
	}
	if node1 != node2 {
		t.Fatal("expected the same node instance to be returned")
	}

	stats := m.Stats()
	if stats.Nodes != 1 {
		t.Fatalf("expected 1 live node, got %d", stats.Nodes)
	}
	if stats.Created != 1 || stats.Matched != 1 {
		t.Fatalf("unexpected counters: %+v", stats)
	}
}

func TestMapExpireRemovesTimedOutNodes(t *testing.T) {
	m := NewMap(2, 0, MatchOptions{}, AgentTypeUnknown)

	pkt := testPacket(time.Unix(100, 0), 5000)
	node, _ := m.Lookup(pkt)
	node.Timeout = 5 * time.Second

	expired := m.Expire(time.Unix(100, 0))
	if len(expired) != 0 {
		t.Fatalf("expected nothing expired yet, got %d", len(expired))
	}

	expired = m.Expire(time.Unix(200, 0))
	if len(expired) != 1 || expired[0] != node {
		t.Fatalf("expected the node to expire, got %v", expired)
	}

	if stats := m.Stats(); stats.Nodes != 0 {
		t.Fatalf("expected 0 live nodes after expiry, got %d", stats.Nodes)
	}
}

func TestMapDistinctFlowsGetDistinctNodes(t *testing.T) {
	m := NewMap(4, 0, MatchOptions{}, AgentTypeUnknown)

	a, _ := m.Lookup(testPacket(time.Unix(1, 0), 1111))
	b, _ := m.Lookup(testPacket(time.Unix(1, 0), 2222))

	if a == b {
		t.Fatal("expected distinct flows to get distinct nodes")
	}
	if stats := m.Stats(); stats.Nodes != 2 {
		t.Fatalf("expected 2 live nodes, got %d", stats.Nodes)
	}
}
