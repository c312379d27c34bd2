package conntrack

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/psaab/flowfw/pkg/packet"
)

// Key identifies one direction of a connection. ICMP queries carry the
// echo ID on both sides.
type Key struct {
	Proto    uint8
	Src, Dst netip.Addr
	SrcID    uint16
	DstID    uint16
}

// KeyFromView builds the key of the packet. With forw false the mirror
// is returned. Only TCP, UDP and ICMP queries are supported.
func KeyFromView(v *packet.View, forw bool) (Key, bool) {
	t, ok := v.Tuple()
	if !ok {
		return Key{}, false
	}
	k := Key(t)
	if !forw {
		k = k.Mirror()
	}
	return k, true
}

// Mirror swaps the two sides.
func (k Key) Mirror() Key {
	return Key{Proto: k.Proto, Src: k.Dst, Dst: k.Src, SrcID: k.DstID, DstID: k.SrcID}
}

func (k Key) String() string {
	return fmt.Sprintf("%s %s -> %s", protoName(k.Proto),
		netip.AddrPortFrom(k.Src, k.SrcID), netip.AddrPortFrom(k.Dst, k.DstID))
}

// bytes returns the hashed form of the key.
func (k Key) bytes(b *[37]byte) []byte {
	b[0] = k.Proto
	s, d := k.Src.As16(), k.Dst.As16()
	copy(b[1:17], s[:])
	copy(b[17:33], d[:])
	binary.BigEndian.PutUint16(b[33:35], k.SrcID)
	binary.BigEndian.PutUint16(b[35:37], k.DstID)
	return b[:]
}

func protoName(p uint8) string {
	switch p {
	case packet.ProtoTCP:
		return "tcp"
	case packet.ProtoUDP:
		return "udp"
	case packet.ProtoICMP:
		return "icmp"
	case packet.ProtoICMPv6:
		return "ipv6-icmp"
	}
	return fmt.Sprintf("proto-%d", p)
}
