package filter

import (
	"encoding/binary"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psaab/flowfw/pkg/packet"
)

type viewEnv struct {
	v      *packet.View
	tables map[uint32][]netip.Prefix
}

func (e viewEnv) L3() (uint32, uint32, uint32) {
	if !e.v.Cached(packet.FlagLayer4) {
		return uint32(e.v.Version()), 0, 0
	}
	return uint32(e.v.Version()), uint32(e.v.L4Offset()), uint32(e.v.Proto())
}

func (e viewEnv) TableLookup(tid uint32, src bool) bool {
	w := packet.Dst
	if src {
		w = packet.Src
	}
	for _, p := range e.tables[tid] {
		if p.Contains(e.v.Addr(w)) {
			return true
		}
	}
	return false
}

// mkpkt builds an IPv4 or IPv6 header followed by an L4 header with the
// given ports (or ICMP type/code) and TCP flags. Checksums are left zero.
func mkpkt(src, dst string, proto uint8, sport, dport uint16, flags uint8) []byte {
	s, d := netip.MustParseAddr(src), netip.MustParseAddr(dst)
	var l4 []byte
	switch proto {
	case packet.ProtoTCP:
		l4 = make([]byte, 20)
		l4[12] = 5 << 4
		l4[13] = flags
	case packet.ProtoICMP, packet.ProtoICMPv6:
		l4 = make([]byte, 8)
		l4[0], l4[1] = byte(sport), byte(dport)
		return ipHdr(s, d, proto, l4)
	default:
		l4 = make([]byte, 8)
		binary.BigEndian.PutUint16(l4[4:6], 8)
	}
	binary.BigEndian.PutUint16(l4[0:2], sport)
	binary.BigEndian.PutUint16(l4[2:4], dport)
	return ipHdr(s, d, proto, l4)
}

func ipHdr(s, d netip.Addr, proto uint8, l4 []byte) []byte {
	if s.Is4() {
		h := make([]byte, 20, 20+len(l4))
		h[0] = 0x45
		binary.BigEndian.PutUint16(h[2:4], uint16(20+len(l4)))
		h[8], h[9] = 64, proto
		sa, da := s.As4(), d.As4()
		copy(h[12:16], sa[:])
		copy(h[16:20], da[:])
		return append(h, l4...)
	}
	h := make([]byte, 40, 40+len(l4))
	h[0] = 0x60
	binary.BigEndian.PutUint16(h[4:6], uint16(len(l4)))
	h[6], h[7] = proto, 64
	sa, da := s.As16(), d.As16()
	copy(h[8:24], sa[:])
	copy(h[24:40], da[:])
	return append(h, l4...)
}

func u8(v uint8) *uint8    { return &v }
func u32(v uint32) *uint32 { return &v }

func TestCompile(t *testing.T) {
	tcp, udp := packet.ProtoTCP, packet.ProtoUDP
	tables := map[uint32][]netip.Prefix{2: {netip.MustParsePrefix("198.51.100.0/24")}}

	tests := []struct {
		name string
		c    Criteria
		pkt  []byte
		want bool
	}{
		{
			name: "proto match",
			c:    Criteria{Proto: &udp},
			pkt:  mkpkt("10.0.0.5", "93.184.216.34", udp, 40000, 53, 0),
			want: true,
		},
		{
			name: "proto mismatch",
			c:    Criteria{Proto: &tcp},
			pkt:  mkpkt("10.0.0.5", "93.184.216.34", udp, 40000, 53, 0),
		},
		{
			name: "family",
			c:    Criteria{Family: 6},
			pkt:  mkpkt("10.0.0.5", "93.184.216.34", udp, 1, 2, 0),
		},
		{
			name: "source network",
			c:    Criteria{Src: Endpoint{Nets: []netip.Prefix{netip.MustParsePrefix("10.0.0.0/24")}}},
			pkt:  mkpkt("10.0.0.5", "93.184.216.34", udp, 1, 2, 0),
			want: true,
		},
		{
			name: "source network miss",
			c:    Criteria{Src: Endpoint{Nets: []netip.Prefix{netip.MustParsePrefix("10.0.1.0/24")}}},
			pkt:  mkpkt("10.0.0.5", "93.184.216.34", udp, 1, 2, 0),
		},
		{
			name: "inverted destination",
			c:    Criteria{Dst: Endpoint{Nets: []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}, Invert: true}},
			pkt:  mkpkt("10.0.0.5", "93.184.216.34", udp, 1, 2, 0),
			want: true,
		},
		{
			name: "ipv6 network among alternatives",
			c: Criteria{Dst: Endpoint{Nets: []netip.Prefix{
				netip.MustParsePrefix("10.0.0.0/8"),
				netip.MustParsePrefix("2001:db8:1::/48"),
			}}},
			pkt:  mkpkt("2001:db8::1", "2001:db8:1:2::3", tcp, 1, 443, packet.TCPSyn),
			want: true,
		},
		{
			name: "ipv6 /100 miss in third word",
			c:    Criteria{Dst: Endpoint{Nets: []netip.Prefix{netip.MustParsePrefix("2001:db8:1:2::/100")}}},
			pkt:  mkpkt("2001:db8::1", "2001:db8:1:2:0:1::3", tcp, 1, 443, packet.TCPSyn),
		},
		{
			name: "destination table",
			c:    Criteria{Dst: Endpoint{Table: u32(2)}},
			pkt:  mkpkt("10.0.0.5", "198.51.100.9", udp, 1, 2, 0),
			want: true,
		},
		{
			name: "network or table",
			c: Criteria{Dst: Endpoint{
				Nets:  []netip.Prefix{netip.MustParsePrefix("192.0.2.0/24")},
				Table: u32(2),
			}},
			pkt:  mkpkt("10.0.0.5", "192.0.2.9", udp, 1, 2, 0),
			want: true,
		},
		{
			name: "port range",
			c:    Criteria{Proto: &tcp, Dst: Endpoint{Ports: []PortRange{{22, 22}, {8000, 8100}}}},
			pkt:  mkpkt("10.0.0.5", "10.0.0.6", tcp, 1234, 8080, packet.TCPSyn),
			want: true,
		},
		{
			name: "port range miss",
			c:    Criteria{Proto: &tcp, Dst: Endpoint{Ports: []PortRange{{22, 22}, {8000, 8100}}}},
			pkt:  mkpkt("10.0.0.5", "10.0.0.6", tcp, 1234, 8101, packet.TCPSyn),
		},
		{
			name: "ports without proto reject icmp",
			c:    Criteria{Dst: Endpoint{Ports: []PortRange{{0, 65535}}}},
			pkt:  mkpkt("10.0.0.5", "10.0.0.6", packet.ProtoICMP, 8, 0, 0),
		},
		{
			name: "tcp flags syn only",
			c:    Criteria{TCPFlags: packet.TCPSyn, TCPFlagsMask: packet.TCPSyn | packet.TCPAck},
			pkt:  mkpkt("10.0.0.5", "10.0.0.6", tcp, 1, 2, packet.TCPSyn|packet.TCPAck),
		},
		{
			name: "icmp type",
			c:    Criteria{ICMPType: u8(8)},
			pkt:  mkpkt("10.0.0.5", "10.0.0.6", packet.ProtoICMP, 8, 0, 0),
			want: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Compile(tt.c, 4)
			require.NoError(t, err)
			require.NotNil(t, p)
			v := packet.New(tt.pkt)
			got := p.Exec(tt.pkt, viewEnv{v: v, tables: tables}) != 0
			assert.Equal(t, tt.want, got, p.String())
		})
	}
}

func TestCompileEmpty(t *testing.T) {
	p, err := Compile(Criteria{}, 0)
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestCompileFamilyConflict(t *testing.T) {
	_, err := Compile(Criteria{Family: 6, Src: Endpoint{Nets: []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}}}, 0)
	assert.Error(t, err)
}

func TestCompileTableOutOfRange(t *testing.T) {
	_, err := Compile(Criteria{Src: Endpoint{Table: u32(7)}}, 4)
	assert.Error(t, err)
}
