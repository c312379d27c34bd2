package packet

import "encoding/binary"

// Fixup16 updates a ones' complement checksum for a 16-bit field change
// (RFC 1624, eqn. 3: HC' = ~(~HC + ~m + m')).
func Fixup16(cksum, old, new uint16) uint16 {
	sum := uint32(^cksum) + uint32(^old) + uint32(new)
	sum = (sum >> 16) + (sum & 0xffff)
	sum += sum >> 16
	return ^uint16(sum)
}

// Fixup32 updates a checksum for a 32-bit field change.
func Fixup32(cksum uint16, old, new uint32) uint16 {
	cksum = Fixup16(cksum, uint16(old), uint16(new))
	return Fixup16(cksum, uint16(old>>16), uint16(new>>16))
}

// FixupAddr updates a checksum for an address change. Both addresses must
// have the same length, a multiple of four.
func FixupAddr(cksum uint16, old, new []byte) uint16 {
	for i := 0; i+4 <= len(old); i += 4 {
		cksum = Fixup32(cksum, binary.BigEndian.Uint32(old[i:]), binary.BigEndian.Uint32(new[i:]))
	}
	return cksum
}

// Sum computes the ones' complement sum of b folded to 16 bits, starting
// from initial.
func Sum(b []byte, initial uint32) uint16 {
	sum := initial
	for len(b) >= 2 {
		sum += uint32(binary.BigEndian.Uint16(b))
		b = b[2:]
	}
	if len(b) == 1 {
		sum += uint32(b[0]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum >> 16) + (sum & 0xffff)
	}
	return uint16(sum)
}
