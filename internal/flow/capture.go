package flow

import (
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// BuildLookupKey extracts a LookupKey from a decoded gopacket.Packet (spec.md
// §3's "raw capture -> LookupKey" step, generalized from the teacher's
// hand-rolled internal/core/decoder byte walker to gopacket's layer API
// since this module's flow matching operates purely on LookupKey/MetaPacket
// and has no dependency on that decoder). ok is false for anything short of
// a full Ethernet+IP header — ARP, non-IP EtherTypes, and truncated capture
// snapshots are all rejected the same way the teacher's decoder treats a
// short read.
func BuildLookupKey(tapType TapType, tapPort TapPort, pkt gopacket.Packet) (LookupKey, bool) {
	var lk LookupKey
	lk.TapType = tapType
	lk.TapPort = tapPort

	eth, ok := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	if !ok {
		return LookupKey{}, false
	}
	copy(lk.SrcMAC[:], eth.SrcMAC)
	copy(lk.DstMAC[:], eth.DstMAC)
	lk.EtherType = uint16(eth.EthernetType)

	switch {
	case eth.EthernetType == layers.EthernetTypeIPv4:
		ip4, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
		if !ok {
			return LookupKey{}, false
		}
		lk.SrcIP, _ = netip.AddrFromSlice(ip4.SrcIP.To4())
		lk.DstIP, _ = netip.AddrFromSlice(ip4.DstIP.To4())
		lk.L4Proto = uint8(ip4.Protocol)
	case eth.EthernetType == layers.EthernetTypeIPv6:
		ip6, ok := pkt.Layer(layers.LayerTypeIPv6).(*layers.IPv6)
		if !ok {
			return LookupKey{}, false
		}
		lk.SrcIP, _ = netip.AddrFromSlice(ip6.SrcIP.To16())
		lk.DstIP, _ = netip.AddrFromSlice(ip6.DstIP.To16())
		lk.L4Proto = uint8(ip6.NextHeader)
	default:
		return LookupKey{}, false
	}

	switch lk.L4Proto {
	case uint8(layers.IPProtocolTCP):
		tcp, ok := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
		if !ok {
			return LookupKey{}, false
		}
		lk.SrcPort = uint16(tcp.SrcPort)
		lk.DstPort = uint16(tcp.DstPort)
	case uint8(layers.IPProtocolUDP):
		udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok {
			return LookupKey{}, false
		}
		lk.SrcPort = uint16(udp.SrcPort)
		lk.DstPort = uint16(udp.DstPort)
	}

	return lk, true
}
