package packet

import (
	"encoding/binary"
	"errors"
	"net/netip"
)

var (
	ErrNotCached   = errors.New("header not cached")
	ErrFamily      = errors.New("address family mismatch")
	ErrUnsupported = errors.New("protocol does not support port rewrite")
)

// RewriteAddr replaces the source or destination address. The IPv4 header
// checksum and any layer 4 pseudo-header checksum are updated from the old
// address before it is overwritten.
func (v *View) RewriteAddr(w Which, addr netip.Addr) error {
	if !v.Cached(FlagIPv4) && !v.Cached(FlagIPv6) {
		return ErrNotCached
	}
	var nb []byte
	switch {
	case v.alen == 4 && addr.Is4():
		a := addr.As4()
		nb = a[:]
	case v.alen == 16 && addr.Is6():
		a := addr.As16()
		nb = a[:]
	default:
		return ErrFamily
	}
	ob := v.AddrBytes(w)

	if v.flags&FlagIPv4 != 0 {
		c := binary.BigEndian.Uint16(v.buf[10:12])
		binary.BigEndian.PutUint16(v.buf[10:12], FixupAddr(c, ob, nb))
	}
	v.fixPseudoHeader(ob, nb)
	copy(ob, nb)
	return nil
}

func (v *View) fixPseudoHeader(ob, nb []byte) {
	if v.flags&FlagIPFrag != 0 {
		return
	}
	switch h := v.l4.(type) {
	case TCP:
		h.SetChecksum(FixupAddr(h.Checksum(), ob, nb))
	case UDP:
		c := h.Checksum()
		if c == 0 && v.alen == 4 {
			return
		}
		if c = FixupAddr(c, ob, nb); c == 0 {
			c = 0xffff
		}
		h.SetChecksum(c)
	case ICMPv6:
		h.SetChecksum(FixupAddr(h.Checksum(), ob, nb))
	}
}

// RewritePort replaces the TCP/UDP port of one side, or the ICMP query
// identifier, updating the layer 4 checksum first.
func (v *View) RewritePort(w Which, port uint16) error {
	var field []byte
	var setCksum func(uint16)
	var cksum uint16
	udp := false

	switch h := v.l4.(type) {
	case TCP:
		field = h[2*int(w) : 2*int(w)+2]
		cksum, setCksum = h.Checksum(), h.SetChecksum
	case UDP:
		field = h[2*int(w) : 2*int(w)+2]
		cksum, setCksum = h.Checksum(), h.SetChecksum
		udp = true
	case ICMPv4:
		if v.flags&FlagICMPID == 0 {
			return ErrUnsupported
		}
		field = h[4:6]
		cksum, setCksum = h.Checksum(), h.SetChecksum
	case ICMPv6:
		if v.flags&FlagICMPID == 0 {
			return ErrUnsupported
		}
		field = h[4:6]
		cksum, setCksum = h.Checksum(), h.SetChecksum
	default:
		return ErrNotCached
	}

	old := binary.BigEndian.Uint16(field)
	if !(udp && cksum == 0 && v.alen == 4) {
		c := Fixup16(cksum, old, port)
		if udp && c == 0 {
			c = 0xffff
		}
		setCksum(c)
	}
	binary.BigEndian.PutUint16(field, port)
	return nil
}

// SetTTL sets the IPv4 TTL or IPv6 hop limit, keeping the IPv4 header
// checksum valid.
func (v *View) SetTTL(ttl uint8) bool {
	switch {
	case v.flags&FlagIPv4 != 0:
		old := binary.BigEndian.Uint16(v.buf[8:10])
		v.buf[8] = ttl
		c := binary.BigEndian.Uint16(v.buf[10:12])
		binary.BigEndian.PutUint16(v.buf[10:12], Fixup16(c, old, binary.BigEndian.Uint16(v.buf[8:10])))
		return true
	case v.flags&FlagIPv6 != 0:
		v.buf[7] = ttl
		return true
	}
	return false
}

// TTL returns the IPv4 TTL or IPv6 hop limit.
func (v *View) TTL() uint8 {
	switch {
	case v.flags&FlagIPv4 != 0:
		return v.buf[8]
	case v.flags&FlagIPv6 != 0:
		return v.buf[7]
	}
	return 0
}

// SetMSS rewrites the TCP MSS option value in place.
func (v *View) SetMSS(mss uint16) bool {
	h, ok := v.TCP()
	if !ok {
		return false
	}
	old, off, ok := h.MSS()
	if !ok {
		return false
	}
	h.SetChecksum(Fixup16(h.Checksum(), old, mss))
	binary.BigEndian.PutUint16(h[off:off+2], mss)
	return true
}

// SetRawPort writes a port of a layer 4 header that is too short to be
// cached, leaving its checksum alone. Used on quoted datagrams.
func (v *View) SetRawPort(w Which, port uint16) bool {
	if v.flags&FlagIP46 == 0 || v.flags&FlagIPFrag != 0 || v.hlen+4 > v.plen {
		return false
	}
	off := v.hlen + 2*int(w)
	binary.BigEndian.PutUint16(v.buf[off:off+2], port)
	return true
}

// UpdateICMPChecksum recomputes the ICMP or ICMPv6 checksum over the whole
// message, for rewrites inside the payload.
func (v *View) UpdateICMPChecksum() error {
	switch h := v.l4.(type) {
	case ICMPv4:
		h.SetChecksum(0)
		h.SetChecksum(^Sum(h, 0))
	case ICMPv6:
		h.SetChecksum(0)
		var pseudo uint32
		for _, b := range [][]byte{v.AddrBytes(Src), v.AddrBytes(Dst)} {
			for i := 0; i < len(b); i += 2 {
				pseudo += uint32(binary.BigEndian.Uint16(b[i:]))
			}
		}
		pseudo += uint32(len(h)>>16) + uint32(len(h)&0xffff) + uint32(ProtoICMPv6)
		h.SetChecksum(^Sum(h, pseudo))
	default:
		return ErrNotCached
	}
	return nil
}
