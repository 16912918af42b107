// Package flow implements bidirectional flow aggregation: hashing packets to
// a FlowMapKey, matching them against existing FlowNodes, and maintaining a
// time-ordered index for timeout-driven eviction.
package flow

import (
	"net/netip"
	"time"
)

// Direction is the orientation of a packet relative to a FlowNode.
type Direction uint8

const (
	DirectionUnknown Direction = iota
	DirectionClientToServer
	DirectionServerToClient
)

func (d Direction) String() string {
	switch d {
	case DirectionClientToServer:
		return "c2s"
	case DirectionServerToClient:
		return "s2c"
	default:
		return "unknown"
	}
}

// TapType identifies the class of observation point a packet was captured
// at. TapTypeTor denotes an in-rack agent whose MAC addresses can be
// trusted; TapTypeISPBase and above denote mirrored ISP uplinks where MAC
// addresses are rewritten in transit and therefore untrustworthy.
type TapType uint16

const (
	TapTypeAny TapType = 0
	TapTypeTor TapType = 3
	// TapTypeISPBase is the first value in the Isp(n) range from the
	// GLOSSARY; TapType(TapTypeISPBase+n) denotes mirrored uplink n.
	TapTypeISPBase TapType = 1000
)

// IsISP reports whether t denotes a mirrored ISP uplink.
func (t TapType) IsISP() bool { return t >= TapTypeISPBase }

// AgentType distinguishes deployment environments that need special
// handling in the matcher (see node.go, MAC-match and tunnel checks).
type AgentType uint8

const (
	AgentTypeUnknown AgentType = iota
	AgentTypeHyperVCompute
	AgentTypeHyperVNetwork
)

// IsHyperV reports whether the agent type is one of the two Hyper-V
// variants, where asymmetric tunnel paths are expected (spec: tunnel check
// exception).
func (a AgentType) IsHyperV() bool {
	return a == AgentTypeHyperVCompute || a == AgentTypeHyperVNetwork
}

// TunnelType enumerates the tunnel encapsulations the matcher understands.
type TunnelType uint8

const (
	TunnelTypeNone TunnelType = iota
	TunnelTypeIpip
	TunnelTypeTencentGre
	TunnelTypeVxLan
)

// TunnelInfo describes the tunnel a packet travelled through, if any.
type TunnelInfo struct {
	Type TunnelType
	// Tier is the tunnel nesting depth (0 = outermost/no decapsulation yet).
	Tier uint8
}

// Present reports whether the packet carried a tunnel at all.
func (t *TunnelInfo) Present() bool { return t != nil && t.Type != TunnelTypeNone }

// TapPort is an opaque 64-bit identifier for the observation point; its low
// 24 bits encode an interface index (see GLOSSARY).
type TapPort uint64

// InterfaceIndex returns the low 24 bits of the TapPort.
func (p TapPort) InterfaceIndex() uint32 { return uint32(p) & 0x00FFFFFF }

// LookupKey is the canonicalized tuple a packet is matched and hashed on.
// A reply packet (src/dst swapped on both L3 and L4) produces the same
// FlowMapKey, but LookupKey itself keeps the packet's own orientation so
// the matcher can compare it against a FlowNode's canonical FlowKey.
type LookupKey struct {
	TapType   TapType
	TapPort   TapPort
	SrcMAC    [6]byte
	DstMAC    [6]byte
	SrcIP     netip.Addr
	DstIP     netip.Addr
	SrcPort   uint16
	DstPort   uint16
	EtherType uint16 // 0x0800=IPv4, 0x86DD=IPv6, 0x0806=ARP
	L4Proto   uint8  // TCP=6, UDP=17

	// L2End0/L2End1 indicate the packet was observed at the layer-2
	// endpoint of the src/dst peer respectively (see GLOSSARY L2End).
	L2End0 bool
	L2End1 bool
}

// MetaPacket is the input unit consumed by the FlowMap (spec.md §3).
type MetaPacket struct {
	Timestamp time.Time
	Direction Direction
	Lookup    LookupKey
	Tunnel    *TunnelInfo
	Payload   []byte
}
