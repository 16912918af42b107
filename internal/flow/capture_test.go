package flow

import (
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

func serializeTCPv4(t *testing.T, srcIP, dstIP string, srcPort, dstPort uint16) gopacket.Packet {
	t.Helper()

	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
		DstMAC:       net.HardwareAddr{6, 7, 8, 9, 10, 11},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.ParseIP(srcIP).To4(),
		DstIP:    net.ParseIP(dstIP).To4(),
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(srcPort),
		DstPort: layers.TCPPort(dstPort),
		SYN:     true,
	}
	tcp.SetNetworkLayerForChecksum(ip)

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, tcp, gopacket.Payload([]byte("hi"))); err != nil {
		t.Fatalf("serialize: %v", err)
	}

	return gopacket.NewPacket(buf.Bytes(), layers.LayerTypeEthernet, gopacket.Default)
}

func TestBuildLookupKeyFromTCPv4(t *testing.T) {
	pkt := serializeTCPv4(t, "10.0.0.1", "10.0.0.2", 5000, 443)

	lk, ok := BuildLookupKey(TapTypeTor, TapPort(7), pkt)
	if !ok {
		t.Fatal("expected BuildLookupKey to succeed on a well-formed TCP/IPv4 packet")
	}
	if lk.SrcIP.String() != "10.0.0.1" || lk.DstIP.String() != "10.0.0.2" {
		t.Fatalf("unexpected IPs: %s -> %s", lk.SrcIP, lk.DstIP)
	}
	if lk.SrcPort != 5000 || lk.DstPort != 443 {
		t.Fatalf("unexpected ports: %d -> %d", lk.SrcPort, lk.DstPort)
	}
	if lk.L4Proto != uint8(layers.IPProtocolTCP) {
		t.Fatalf("unexpected L4Proto: %d", lk.L4Proto)
	}
}

func TestBuildLookupKeyRejectsARP(t *testing.T) {
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
		DstMAC:       net.HardwareAddr{6, 7, 8, 9, 10, 11},
		EthernetType: layers.EthernetTypeARP,
	}
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   []byte{0, 1, 2, 3, 4, 5},
		SourceProtAddress: []byte{10, 0, 0, 1},
		DstHwAddress:      []byte{0, 0, 0, 0, 0, 0},
		DstProtAddress:    []byte{10, 0, 0, 2},
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, arp); err != nil {
		t.Fatalf("serialize: %v", err)
	}
	pkt := gopacket.NewPacket(buf.Bytes(), layers.LayerTypeEthernet, gopacket.Default)

	if _, ok := BuildLookupKey(TapTypeTor, TapPort(1), pkt); ok {
		t.Fatal("expected ARP packets to be rejected")
	}
}
