package nat

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/cespare/xxhash/v2"

	"github.com/psaab/flowfw/pkg/packet"
)

// selectAddr picks the translation address for orig.
func (p *Policy) selectAddr(v *packet.View, orig netip.Addr) (netip.Addr, error) {
	tn := p.desc.TransNet
	if orig.Is4() != tn.Addr().Is4() {
		return netip.Addr{}, fmt.Errorf("%w: family mismatch", ErrNotTranslated)
	}
	switch p.desc.Algo {
	case AlgoNetMap:
		return netmap(orig, tn), nil
	case AlgoIPHash:
		var buf [32]byte
		n := copy(buf[:], v.AddrBytes(packet.Src))
		n += copy(buf[n:], v.AddrBytes(packet.Dst))
		return nthAddr(tn, uint32(xxhash.Sum64(buf[:n]))), nil
	case AlgoRoundRobin:
		return nthAddr(tn, p.rr.Add(1)-1), nil
	}
	return tn.Addr(), nil
}

// netmap keeps the host bits of orig and takes the network bits of tn.
func netmap(orig netip.Addr, tn netip.Prefix) netip.Addr {
	o, t := orig.AsSlice(), tn.Addr().AsSlice()
	bits := tn.Bits()
	for i := range o {
		switch {
		case bits >= 8:
			o[i] = t[i]
			bits -= 8
		case bits > 0:
			m := byte(0xff << (8 - bits))
			o[i] = t[i]&m | o[i]&^m
			bits = 0
		}
	}
	addr, _ := netip.AddrFromSlice(o)
	return addr
}

// nthAddr returns address n modulo the size of prefix, counted in the low
// 32 bits.
func nthAddr(prefix netip.Prefix, n uint32) netip.Addr {
	host := prefix.Addr().BitLen() - prefix.Bits()
	if host == 0 {
		return prefix.Addr()
	}
	if host < 32 {
		n %= 1 << uint(host)
	}
	b := prefix.Masked().Addr().AsSlice()
	low := binary.BigEndian.Uint32(b[len(b)-4:])
	binary.BigEndian.PutUint32(b[len(b)-4:], low+n)
	addr, _ := netip.AddrFromSlice(b)
	return addr
}

func prefix48(p netip.Prefix) [6]byte {
	var out [6]byte
	b := p.Masked().Addr().As16()
	copy(out[:], b[:6])
	return out
}

// nptv6Adjustment computes the RFC 6296 checksum-neutral adjustment for
// mapping the internal /48 to the external one. Adding it to word 3 of an
// internal address after the prefix swap leaves the ones' complement sum
// of the address unchanged; adding its complement reverses the mapping.
func nptv6Adjustment(internal, external [6]byte) uint16 {
	var in, ex uint32
	for i := 0; i < 6; i += 2 {
		in += uint32(binary.BigEndian.Uint16(internal[i:]))
		ex += uint32(binary.BigEndian.Uint16(external[i:]))
	}
	sum := fold(in)
	return onesAdd(sum, ^fold(ex))
}

func fold(s uint32) uint16 {
	for s>>16 != 0 {
		s = s&0xffff + s>>16
	}
	return uint16(s)
}

func onesAdd(a, b uint16) uint16 {
	return fold(uint32(a) + uint32(b))
}

// npt66 maps orig from one prefix to the other. Outbound policies map the
// internal prefix to the external one; the reverse direction uses the
// complement of the adjustment.
func (p *Policy) npt66(orig netip.Addr) (netip.Addr, error) {
	from, to, adj := p.desc.OrigNet, p.desc.TransNet, p.adj
	if !from.Contains(orig) {
		if !to.Contains(orig) {
			return netip.Addr{}, fmt.Errorf("%w: %s outside %s", ErrNotTranslated, orig, from)
		}
		from, to, adj = to, from, ^adj
	}
	a := orig.As16()
	t := to.Masked().Addr().As16()
	bits := to.Bits()
	for i := 0; i < 16 && bits > 0; i++ {
		if bits >= 8 {
			a[i] = t[i]
			bits -= 8
			continue
		}
		m := byte(0xff << (8 - bits))
		a[i] = t[i]&m | a[i]&^m
		bits = 0
	}
	w := binary.BigEndian.Uint16(a[6:8])
	if w == 0xffff {
		return netip.Addr{}, fmt.Errorf("%w: %s word 3 is 0xffff", ErrNotTranslated, orig)
	}
	w = onesAdd(w, adj)
	if w == 0xffff {
		w = 0
	}
	binary.BigEndian.PutUint16(a[6:8], w)
	return netip.AddrFrom16(a), nil
}
