// Package packet caches the layer 3 and layer 4 headers of a raw packet
// buffer and rewrites addresses and ports in place with incremental
// checksum updates.
package packet

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// Flags records which parts of a packet have been parsed.
type Flags uint32

const (
	FlagIPv4 Flags = 1 << iota
	FlagIPv6
	FlagIPFrag
	FlagLayer4
	FlagTCP
	FlagUDP
	FlagICMP
	FlagICMPID
	FlagFmtErr

	FlagIP46 = FlagIPv4 | FlagIPv6
)

// Protocol numbers the cache understands.
const (
	ProtoICMP   uint8 = 1
	ProtoTCP    uint8 = 6
	ProtoUDP    uint8 = 17
	ProtoICMPv6 uint8 = 58
)

// Which selects the source or destination side of a packet.
type Which int

const (
	Src Which = 0
	Dst Which = 1
)

// Other returns the opposite side.
func (w Which) Other() Which { return 1 - w }

func (w Which) String() string {
	if w == Src {
		return "src"
	}
	return "dst"
}

const (
	ipv4MinLen    = 20
	ipv6HdrLen    = 40
	maxExtHeaders = 8

	ip6HopOpts  = 0
	ip6Routing  = 43
	ip6Fragment = 44
	ip6AH       = 51
	ip6DstOpts  = 60
)

// View is the protocol cache of a single packet. It refers to the
// packet buffer without copying it.
type View struct {
	buf   []byte
	flags Flags

	alen  int
	off   [2]int
	hlen  int
	proto uint8
	plen  int
	l4    L4

	// IPv6 fragment header offset and the offset of the next-header
	// byte that points at it; zero when absent.
	frag6    int
	frag6Ref int

	// embedded views parse a header quoted inside an ICMP error, where
	// the datagram is truncated.
	embedded bool
}

// New caches the headers of buf.
func New(buf []byte) *View {
	v := &View{buf: buf}
	v.ParseAll()
	return v
}

// NewEmbedded caches the IP header quoted in an ICMP error message. The
// quoted datagram is usually truncated, so its length field is clamped to
// the buffer and a partial layer 4 header is left uncached.
func NewEmbedded(buf []byte) *View {
	v := &View{buf: buf, embedded: true}
	v.ParseAll()
	return v
}

// SetBuffer replaces the packet buffer and parses it again.
func (v *View) SetBuffer(buf []byte) Flags {
	v.buf = buf
	return v.ParseAll()
}

// ParseAll parses the packet from scratch and returns the flags of what
// could be cached. A malformed header leaves the corresponding flags unset.
func (v *View) ParseAll() Flags {
	*v = View{buf: v.buf, embedded: v.embedded}
	if !v.parseIP() {
		return v.flags
	}
	if v.flags&FlagIPFrag != 0 {
		return v.flags
	}
	v.parseL4()
	return v.flags
}

// Recache re-derives the cache after the buffer may have been modified
// or relocated.
func (v *View) Recache() Flags {
	return v.ParseAll()
}

func (v *View) parseIP() bool {
	b := v.buf
	if len(b) < 1 {
		return false
	}
	switch b[0] >> 4 {
	case 4:
		return v.parseIPv4()
	case 6:
		return v.parseIPv6()
	}
	return false
}

func (v *View) parseIPv4() bool {
	b := v.buf
	if len(b) < ipv4MinLen {
		v.flags |= FlagFmtErr
		return false
	}
	ihl := int(b[0]&0x0f) * 4
	tot := int(binary.BigEndian.Uint16(b[2:4]))
	if v.embedded && tot > len(b) {
		tot = len(b)
	}
	if ihl < ipv4MinLen || tot < ihl || tot > len(b) {
		v.flags |= FlagFmtErr
		return false
	}
	v.alen = 4
	v.off = [2]int{12, 16}
	v.hlen = ihl
	v.plen = tot
	v.proto = b[9]
	v.flags |= FlagIPv4

	// More-fragments bit or a non-zero offset.
	if binary.BigEndian.Uint16(b[6:8])&0x3fff != 0 {
		v.flags |= FlagIPFrag
	}
	return true
}

func (v *View) parseIPv6() bool {
	b := v.buf
	if len(b) < ipv6HdrLen {
		v.flags |= FlagFmtErr
		return false
	}
	tot := ipv6HdrLen + int(binary.BigEndian.Uint16(b[4:6]))
	if v.embedded && tot > len(b) {
		tot = len(b)
	}
	if tot > len(b) {
		v.flags |= FlagFmtErr
		return false
	}
	next := b[6]
	ref := 6
	hlen := ipv6HdrLen
	frag := false

	n := 0
walk:
	for ; n < maxExtHeaders && !frag; n++ {
		var l int
		switch next {
		case ip6HopOpts, ip6Routing, ip6DstOpts:
			if hlen+2 > tot {
				v.flags |= FlagFmtErr
				return false
			}
			l = (int(b[hlen+1]) + 1) * 8
		case ip6AH:
			if hlen+2 > tot {
				v.flags |= FlagFmtErr
				return false
			}
			l = (int(b[hlen+1]) + 2) * 4
		case ip6Fragment:
			if hlen+8 > tot {
				v.flags |= FlagFmtErr
				return false
			}
			l = 8
			// Offset or M flag set: a real fragment. Atomic
			// fragments are parsed through.
			if binary.BigEndian.Uint16(b[hlen+2:hlen+4])&0xfff9 != 0 {
				frag = true
				v.frag6 = hlen
				v.frag6Ref = ref
			}
		default:
			break walk
		}
		if hlen+l > tot {
			v.flags |= FlagFmtErr
			return false
		}
		next = b[hlen]
		ref = hlen
		hlen += l
	}
	if n == maxExtHeaders && !frag {
		switch next {
		case ip6HopOpts, ip6Routing, ip6DstOpts, ip6AH, ip6Fragment:
			v.flags |= FlagFmtErr
			return false
		}
	}
	v.alen = 16
	v.off = [2]int{8, 24}
	v.hlen = hlen
	v.plen = tot
	v.proto = next
	v.flags |= FlagIPv6
	if frag {
		v.flags |= FlagIPFrag
	}
	return true
}

func (v *View) parseL4() {
	seg := v.buf[v.hlen:v.plen]
	switch v.proto {
	case ProtoTCP:
		if len(seg) < 20 {
			if !v.embedded {
				v.flags |= FlagFmtErr
			}
			return
		}
		doff := int(seg[12]>>4) * 4
		if doff < 20 || doff > len(seg) {
			v.flags |= FlagFmtErr
			return
		}
		v.l4 = TCP(seg)
		v.flags |= FlagLayer4 | FlagTCP
	case ProtoUDP:
		if len(seg) < 8 {
			v.flags |= FlagFmtErr
			return
		}
		v.l4 = UDP(seg)
		v.flags |= FlagLayer4 | FlagUDP
	case ProtoICMP:
		if v.alen != 4 || len(seg) < 8 {
			return
		}
		ic := ICMPv4(seg)
		v.l4 = ic
		v.flags |= FlagLayer4 | FlagICMP
		if ic.IsQuery() {
			v.flags |= FlagICMPID
		}
	case ProtoICMPv6:
		if v.alen != 16 || len(seg) < 8 {
			return
		}
		ic := ICMPv6(seg)
		v.l4 = ic
		v.flags |= FlagLayer4 | FlagICMP
		if ic.IsQuery() {
			v.flags |= FlagICMPID
		}
	}
}

// Flags returns the cached flags.
func (v *View) Flags() Flags { return v.flags }

// Cached reports whether all of f are cached.
func (v *View) Cached(f Flags) bool { return v.flags&f == f }

// Buf returns the underlying packet buffer.
func (v *View) Buf() []byte { return v.buf }

// AddrLen is 4 for IPv4, 16 for IPv6 and 0 when no L3 header is cached.
func (v *View) AddrLen() int { return v.alen }

// Version returns the IP version or 0.
func (v *View) Version() int {
	switch {
	case v.flags&FlagIPv4 != 0:
		return 4
	case v.flags&FlagIPv6 != 0:
		return 6
	}
	return 0
}

// AddrBytes returns the address bytes inside the packet buffer.
func (v *View) AddrBytes(w Which) []byte {
	if v.alen == 0 {
		return nil
	}
	return v.buf[v.off[w] : v.off[w]+v.alen]
}

// Addr returns the source or destination address.
func (v *View) Addr(w Which) netip.Addr {
	switch v.alen {
	case 4:
		return netip.AddrFrom4([4]byte(v.buf[v.off[w] : v.off[w]+4]))
	case 16:
		return netip.AddrFrom16([16]byte(v.buf[v.off[w] : v.off[w]+16]))
	}
	return netip.Addr{}
}

// Proto returns the layer 4 protocol number.
func (v *View) Proto() uint8 { return v.proto }

// L4Offset returns the offset of the layer 4 header.
func (v *View) L4Offset() int { return v.hlen }

// TotalLen returns the IP datagram length as given by its header.
func (v *View) TotalLen() int { return v.plen }

// L4 returns the cached layer 4 header, nil if none.
func (v *View) L4() L4 { return v.l4 }

// TCP returns the TCP header if one is cached.
func (v *View) TCP() (TCP, bool) {
	h, ok := v.l4.(TCP)
	return h, ok
}

// UDP returns the UDP header if one is cached.
func (v *View) UDP() (UDP, bool) {
	h, ok := v.l4.(UDP)
	return h, ok
}

// RawPorts reads the first two 16-bit words of the layer 4 header even when
// the header is not fully cached, as in a truncated embedded datagram.
func (v *View) RawPorts() (src, dst uint16, ok bool) {
	if v.flags&FlagIP46 == 0 || v.flags&FlagIPFrag != 0 || v.hlen+4 > v.plen {
		return 0, 0, false
	}
	b := v.buf[v.hlen:]
	return binary.BigEndian.Uint16(b[0:2]), binary.BigEndian.Uint16(b[2:4]), true
}

// Port returns the TCP/UDP port or the ICMP query identifier of one side.
func (v *View) Port(w Which) (uint16, bool) {
	switch h := v.l4.(type) {
	case TCP:
		if w == Src {
			return h.SrcPort(), true
		}
		return h.DstPort(), true
	case UDP:
		if w == Src {
			return h.SrcPort(), true
		}
		return h.DstPort(), true
	case ICMPv4:
		if v.flags&FlagICMPID != 0 {
			return h.ID(), true
		}
	case ICMPv6:
		if v.flags&FlagICMPID != 0 {
			return h.ID(), true
		}
	}
	return 0, false
}

// Direction is the hook a packet was seen at.
type Direction uint8

const (
	In  Direction = 1
	Out Direction = 2
)

func (d Direction) String() string {
	switch d {
	case In:
		return "in"
	case Out:
		return "out"
	}
	return "any"
}

// Reverse returns the opposite direction.
func (d Direction) Reverse() Direction {
	switch d {
	case In:
		return Out
	case Out:
		return In
	}
	return d
}

// Tuple identifies a flow in one direction.
type Tuple struct {
	Proto    uint8
	Src, Dst netip.Addr
	SrcID    uint16
	DstID    uint16
}

// Mirror returns the tuple of the reverse direction.
func (t Tuple) Mirror() Tuple {
	return Tuple{Proto: t.Proto, Src: t.Dst, Dst: t.Src, SrcID: t.DstID, DstID: t.SrcID}
}

func (t Tuple) String() string {
	return fmt.Sprintf("%d %s -> %s", t.Proto, netip.AddrPortFrom(t.Src, t.SrcID), netip.AddrPortFrom(t.Dst, t.DstID))
}

// Tuple returns the flow tuple of the packet. Only TCP, UDP and ICMP
// queries have one.
func (v *View) Tuple() (Tuple, bool) {
	if v.flags&FlagIP46 == 0 || v.flags&FlagLayer4 == 0 {
		return Tuple{}, false
	}
	switch v.proto {
	case ProtoTCP, ProtoUDP:
	case ProtoICMP, ProtoICMPv6:
		if v.flags&FlagICMPID == 0 {
			return Tuple{}, false
		}
	default:
		return Tuple{}, false
	}
	sp, _ := v.Port(Src)
	dp, _ := v.Port(Dst)
	return Tuple{Proto: v.proto, Src: v.Addr(Src), Dst: v.Addr(Dst), SrcID: sp, DstID: dp}, true
}
