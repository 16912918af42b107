package flow

import (
	"net/netip"
	"time"

	"github.com/google/gopacket/layers"
)

// TCPState is a coarse TCP lifecycle state used to pick a node's eviction
// timeout (spec.md §3, FlowNode.flow_state).
type TCPState uint8

const (
	TCPStateOpening TCPState = iota
	TCPStateEstablished
	TCPStateClosing
	TCPStateClosed
)

// defaultTimeout returns the eviction timeout associated with a TCP state.
// Opening/closing flows are reaped quickly since they are either half-open
// scans or already winding down; established flows get a generous timeout
// so long-lived connections are not evicted mid-session.
func (s TCPState) defaultTimeout() time.Duration {
	switch s {
	case TCPStateEstablished:
		return 2 * time.Minute
	case TCPStateClosing:
		return 10 * time.Second
	case TCPStateClosed:
		return 1 * time.Second
	default:
		return 30 * time.Second
	}
}

// PeerStats tracks per-direction counters for one side of a FlowNode.
type PeerStats struct {
	PacketCount uint64
	ByteCount   uint64
	L3ByteCount uint64
	L4ByteCount uint64
	IsL2End     bool
}

// MacMatchPolicy is the strictness with which MAC addresses must agree for
// a packet to be accepted into a node (spec.md §4.2).
type MacMatchPolicy uint8

const (
	MacMatchNone MacMatchPolicy = iota
	MacMatchDst
	MacMatchSrc
	MacMatchAll
)

// MatchOptions carries the two user-configurable toggles the matcher
// consults (spec.md §4.2).
type MatchOptions struct {
	IgnoreL2End bool
	IgnoreMac   bool
}

// Node is the flow aggregation record (spec.md §3, FlowNode).
type Node struct {
	// Key is the canonical tuple, fixed at the first-seen orientation.
	Key     LookupKey
	TapPort TapPort
	TapType TapType
	Tunnel  TunnelInfo

	// Peer[0] is the stats for Key's src side, Peer[1] for Key's dst side.
	Peer [2]PeerStats

	MinArrivedTime time.Time
	RecentTime     time.Time
	Timeout        time.Duration
	FlowState      TCPState
	NextSeq        [2]uint32

	// Perf carries L7 parser state; nil until a parser attaches to the flow.
	Perf *Perf

	// EndpointCache is an opaque extension point for a downstream policy
	// engine (see SPEC_FULL.md §6.4); nothing in this module reads it.
	EndpointCache any

	// TimeKey mirrors this node's current position in the owning Map's
	// time index, kept in sync by Map.recordTouch.
	TimeKey TimeKey
}

// NewNode creates a node in the first-seen orientation of pkt.
func NewNode(pkt *MetaPacket) *Node {
	tunnel := TunnelInfo{}
	if pkt.Tunnel != nil {
		tunnel = *pkt.Tunnel
	}
	n := &Node{
		Key:            pkt.Lookup,
		TapPort:        pkt.Lookup.TapPort,
		TapType:        pkt.Lookup.TapType,
		Tunnel:         tunnel,
		MinArrivedTime: pkt.Timestamp,
		RecentTime:     pkt.Timestamp,
		FlowState:      TCPStateOpening,
	}
	n.Timeout = n.FlowState.defaultTimeout()
	n.applyPeerStats(pkt, DirectionClientToServer)
	return n
}

// Match decides whether pkt belongs to n and, on success, assigns pkt's
// Direction and updates n's counters as a side effect (spec.md §4.2).
func (n *Node) Match(pkt *MetaPacket, opts MatchOptions, agent AgentType) bool {
	lk := pkt.Lookup

	if lk.TapPort != n.TapPort || lk.TapType != n.TapType {
		return false
	}

	if lk.EtherType != uint16(layers.EthernetTypeIPv4) && lk.EtherType != uint16(layers.EthernetTypeIPv6) {
		return n.matchOtherEtherType(pkt, opts)
	}

	return n.matchIP(pkt, opts, agent)
}

// matchOtherEtherType handles ARP and any non-IP ether type: an exact
// ether-type + MAC + IP match in one of two orderings.
func (n *Node) matchOtherEtherType(pkt *MetaPacket, opts MatchOptions) bool {
	lk := pkt.Lookup
	if lk.EtherType != n.Key.EtherType {
		return false
	}

	if macIPEqual(lk.SrcMAC, lk.SrcIP, n.Key.SrcMAC, n.Key.SrcIP) &&
		macIPEqual(lk.DstMAC, lk.DstIP, n.Key.DstMAC, n.Key.DstIP) {
		pkt.Direction = DirectionClientToServer
		n.touch(pkt, DirectionClientToServer)
		return true
	}

	if macIPEqual(lk.SrcMAC, lk.SrcIP, n.Key.DstMAC, n.Key.DstIP) &&
		macIPEqual(lk.DstMAC, lk.DstIP, n.Key.SrcMAC, n.Key.SrcIP) {
		pkt.Direction = DirectionServerToClient
		n.touch(pkt, DirectionServerToClient)
		return true
	}

	return false
}

func macIPEqual(mac1 [6]byte, ip1 netip.Addr, mac2 [6]byte, ip2 netip.Addr) bool {
	return mac1 == mac2 && ip1 == ip2
}

func (n *Node) matchIP(pkt *MetaPacket, opts MatchOptions, agent AgentType) bool {
	lk := pkt.Lookup

	if lk.L4Proto != n.Key.L4Proto {
		return false
	}

	pktTunnel := TunnelInfo{}
	if pkt.Tunnel != nil {
		pktTunnel = *pkt.Tunnel
	}
	if pktTunnel.Type != n.Tunnel.Type {
		if !agent.IsHyperV() {
			return false
		}
		// Hyper-V: asymmetric tunnel paths are expected, fall through.
	}

	macPolicy := macMatchPolicy(lk, n.TapType, n.TapPort, pktTunnel, opts, agent)

	// Orientation 1: lk is client->server relative to n.Key.
	if lk.SrcIP == n.Key.SrcIP && lk.DstIP == n.Key.DstIP &&
		lk.SrcPort == n.Key.SrcPort && lk.DstPort == n.Key.DstPort {
		if n.checkMacAndEndpoint(lk, macPolicy, DirectionClientToServer) {
			pkt.Direction = DirectionClientToServer
			n.touch(pkt, DirectionClientToServer)
			return true
		}
		return false
	}

	// Orientation 2: lk is server->client relative to n.Key.
	if lk.SrcIP == n.Key.DstIP && lk.DstIP == n.Key.SrcIP &&
		lk.SrcPort == n.Key.DstPort && lk.DstPort == n.Key.SrcPort {
		if n.checkMacAndEndpoint(lk, macPolicy, DirectionServerToClient) {
			pkt.Direction = DirectionServerToClient
			n.touch(pkt, DirectionServerToClient)
			return true
		}
		return false
	}

	return false
}

// checkMacAndEndpoint applies the MAC-match policy and the endpoint-match
// policy under the given tentative orientation.
func (n *Node) checkMacAndEndpoint(lk LookupKey, policy MacMatchPolicy, dir Direction) bool {
	var wantSrcMAC, wantDstMAC [6]byte
	if dir == DirectionClientToServer {
		wantSrcMAC, wantDstMAC = n.Key.SrcMAC, n.Key.DstMAC
	} else {
		wantSrcMAC, wantDstMAC = n.Key.DstMAC, n.Key.SrcMAC
	}

	switch policy {
	case MacMatchAll:
		if lk.SrcMAC != wantSrcMAC || lk.DstMAC != wantDstMAC {
			return false
		}
	case MacMatchSrc:
		if lk.SrcMAC != wantSrcMAC {
			return false
		}
	case MacMatchDst:
		if lk.DstMAC != wantDstMAC {
			return false
		}
	case MacMatchNone:
		// no MAC constraint
	}

	if n.Tunnel.Present() {
		var peer0, peer1 bool
		if dir == DirectionClientToServer {
			peer0, peer1 = n.Peer[0].IsL2End, n.Peer[1].IsL2End
		} else {
			peer0, peer1 = n.Peer[1].IsL2End, n.Peer[0].IsL2End
		}
		if lk.L2End0 != peer0 || lk.L2End1 != peer1 {
			return false
		}
	}

	return true
}

// macMatchPolicy derives the MAC-match policy per spec.md §4.2.
func macMatchPolicy(lk LookupKey, tapType TapType, tapPort TapPort, tunnel TunnelInfo, opts MatchOptions, agent AgentType) MacMatchPolicy {
	if tapType != TapTypeTor {
		return MacMatchNone
	}

	if tunnel.Present() {
		if (agent.IsHyperV() && tunnel.Tier < 2) ||
			tunnel.Type == TunnelTypeTencentGre ||
			tunnel.Type == TunnelTypeIpip {
			return MacMatchNone
		}
	}

	if opts.IgnoreMac {
		return MacMatchNone
	}

	fromAnotherAgent := tapType == TapTypeTor && tapPort.InterfaceIndex() != 0
	if fromAnotherAgent && !opts.IgnoreL2End {
		return macMatchPolicyFromL2End(lk.L2End0, lk.L2End1)
	}

	return MacMatchAll
}

// macMatchPolicyFromL2End computes the three-way {None,Dst,Src} decision
// from the incoming packet's own l2_end_0/l2_end_1 flags (spec.md §4.2):
// neither side trustworthy -> no MAC constraint, only the near side
// trustworthy -> trust the dst MAC, otherwise trust the src MAC.
func macMatchPolicyFromL2End(l2End0, l2End1 bool) MacMatchPolicy {
	switch {
	case !l2End0 && !l2End1:
		return MacMatchNone
	case !l2End0:
		return MacMatchDst
	default:
		return MacMatchSrc
	}
}

// touch applies pkt's counters to the given direction's peer and refreshes
// the node's recency bookkeeping (spec.md §3: min_arrived_time ≤ recent_time).
func (n *Node) touch(pkt *MetaPacket, dir Direction) {
	n.applyPeerStats(pkt, dir)
	if pkt.Timestamp.After(n.RecentTime) {
		n.RecentTime = pkt.Timestamp
	}
	if pkt.Timestamp.Before(n.MinArrivedTime) {
		n.MinArrivedTime = pkt.Timestamp
	}
}

func (n *Node) applyPeerStats(pkt *MetaPacket, dir Direction) {
	idx := 0
	if dir == DirectionServerToClient {
		idx = 1
	}
	p := &n.Peer[idx]
	p.PacketCount++
	n2 := uint64(len(pkt.Payload))
	p.ByteCount += n2
	p.L4ByteCount += n2
	p.IsL2End = pkt.Lookup.L2End0 || pkt.Lookup.L2End1
}
