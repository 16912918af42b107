package flow

import (
	"encoding/binary"
	"hash/fnv"

	"github.com/google/gopacket/layers"
)

// MapKey is a 64-bit hash over a canonicalized LookupKey such that a packet
// and its reply always produce the same value (spec.md §3, FlowMapKey).
type MapKey uint64

// jenkins64 is the Jenkins one-at-a-time 64-bit finalizer: a cheap,
// well-mixed avalanche over a 64-bit word, used to fold the direction-
// symmetric L3 and L4 halves of a LookupKey into the final MapKey.
func jenkins64(key uint64) uint64 {
	key += ^(key << 32)
	key ^= key >> 22
	key += ^(key << 13)
	key ^= key >> 8
	key += key << 3
	key ^= key >> 15
	key += ^(key << 27)
	key ^= key >> 31
	return key
}

// hash32 folds an arbitrary byte string (an IP address) into 32 bits.
func hash32(b []byte) uint32 {
	h := fnv.New32a()
	h.Write(b)
	return h.Sum32()
}

// sortDesc32 packs two 32-bit values into 64 bits with the larger value in
// the high lane, making the result independent of argument order.
func sortDesc32(a, b uint32) uint64 {
	if a < b {
		a, b = b, a
	}
	return uint64(a)<<32 | uint64(b)
}

// sortDesc16 packs two 16-bit values into 32 bits (returned widened to
// uint64) with the larger value in the high lane.
func sortDesc16(a, b uint16) uint64 {
	if a < b {
		a, b = b, a
	}
	return uint64(a)<<16 | uint64(b)
}

// macToUint64 packs a 6-byte MAC address into the low 48 bits of a uint64.
func macToUint64(mac [6]byte) uint64 {
	var buf [8]byte
	copy(buf[2:], mac[:])
	return binary.BigEndian.Uint64(buf[:])
}

// foldIPv6 XORs the 16 address bytes into one 4-byte lane, 4 bytes at a
// time, so a v6 address can be run through hash32 the same way a v4
// address's 4 bytes are.
func foldIPv6(ip []byte) []byte {
	var lane [4]byte
	for i := 0; i < 16; i += 4 {
		binary.BigEndian.PutUint32(lane[:], binary.BigEndian.Uint32(lane[:])^binary.BigEndian.Uint32(ip[i:i+4]))
	}
	return lane[:]
}

// tapHalf packs TapType and the low 24 bits of TapPort into a single
// 32-bit lane, used as the top half of the L4 rhs word.
func tapHalf(tapType TapType, tapPort TapPort) uint32 {
	return uint32(tapType)<<24 | tapPort.InterfaceIndex()
}

// NewMapKey computes the FlowMapKey for a LookupKey, per spec.md §4.2's
// hashing rule. The same value is returned regardless of which direction
// of a bidirectional flow lk describes.
func NewMapKey(lk LookupKey) MapKey {
	switch lk.EtherType {
	case uint16(layers.EthernetTypeIPv4):
		return newMapKeyIP(lk, false)
	case uint16(layers.EthernetTypeIPv6):
		return newMapKeyIP(lk, true)
	case uint16(layers.EthernetTypeARP):
		return newMapKeyARP(lk)
	default:
		return newMapKeyOther(lk)
	}
}

func newMapKeyIP(lk LookupKey, isV6 bool) MapKey {
	var srcBytes, dstBytes []byte
	if isV6 {
		src16 := lk.SrcIP.As16()
		dst16 := lk.DstIP.As16()
		srcBytes = foldIPv6(src16[:])
		dstBytes = foldIPv6(dst16[:])
	} else {
		src4 := lk.SrcIP.As4()
		dst4 := lk.DstIP.As4()
		srcBytes = src4[:]
		dstBytes = dst4[:]
	}
	lhs := sortDesc32(hash32(srcBytes), hash32(dstBytes))

	rhs := uint64(tapHalf(lk.TapType, lk.TapPort))<<32 | sortDesc16(lk.SrcPort, lk.DstPort)

	return MapKey(jenkins64(lhs) ^ jenkins64(rhs))
}

func newMapKeyARP(lk LookupKey) MapKey {
	src4 := lk.SrcIP.As4()
	dst4 := lk.DstIP.As4()
	lhs := sortDesc32(hash32(src4[:]), hash32(dst4[:]))

	rhs := uint64(tapHalf(lk.TapType, lk.TapPort))<<32 | (macToUint64(lk.SrcMAC) ^ macToUint64(lk.DstMAC))

	return MapKey(jenkins64(lhs) ^ jenkins64(rhs))
}

func newMapKeyOther(lk LookupKey) MapKey {
	lhs := uint64(lk.TapType)<<24 | uint64(lk.TapPort.InterfaceIndex())
	rhs := macToUint64(lk.SrcMAC) ^ macToUint64(lk.DstMAC)
	return MapKey(jenkins64(lhs) ^ jenkins64(rhs))
}
