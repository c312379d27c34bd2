package packet

import (
	"encoding/binary"
	"net"
	"net/netip"
	"testing"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	sb := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(sb, opts, ls...))
	return append([]byte(nil), sb.Bytes()...)
}

func udp4(t *testing.T, src, dst string, sport, dport uint16, payload []byte) []byte {
	t.Helper()
	ip := &layers.IPv4{
		Version: 4, TTL: 64, Id: 0x1234, Protocol: layers.IPProtocolUDP,
		SrcIP: net.ParseIP(src).To4(), DstIP: net.ParseIP(dst).To4(),
	}
	u := &layers.UDP{SrcPort: layers.UDPPort(sport), DstPort: layers.UDPPort(dport)}
	require.NoError(t, u.SetNetworkLayerForChecksum(ip))
	return serialize(t, ip, u, gopacket.Payload(payload))
}

func tcp4(t *testing.T, src, dst string, sport, dport uint16, syn, ack bool) []byte {
	t.Helper()
	ip := &layers.IPv4{
		Version: 4, TTL: 64, Protocol: layers.IPProtocolTCP,
		SrcIP: net.ParseIP(src).To4(), DstIP: net.ParseIP(dst).To4(),
	}
	tc := &layers.TCP{
		SrcPort: layers.TCPPort(sport), DstPort: layers.TCPPort(dport),
		Seq: 1000, SYN: syn, ACK: ack, Window: 65535,
		Options: []layers.TCPOption{
			{OptionType: layers.TCPOptionKindMSS, OptionLength: 4, OptionData: []byte{0x05, 0xb4}},
			{OptionType: layers.TCPOptionKindNop},
			{OptionType: layers.TCPOptionKindWindowScale, OptionLength: 3, OptionData: []byte{7}},
		},
	}
	require.NoError(t, tc.SetNetworkLayerForChecksum(ip))
	return serialize(t, ip, tc)
}

func tcp6HopByHop(t *testing.T) []byte {
	t.Helper()
	ip := &layers.IPv6{
		Version: 6, HopLimit: 64, NextHeader: layers.IPProtocolIPv6HopByHop,
		SrcIP: net.ParseIP("2001:db8::1"), DstIP: net.ParseIP("2001:db8::2"),
	}
	hbh := &layers.IPv6HopByHop{}
	hbh.NextHeader = layers.IPProtocolTCP
	hbh.Options = []*layers.IPv6HopByHopOption{{OptionType: 1, OptionLength: 4, OptionData: []byte{0, 0, 0, 0}}}
	tc := &layers.TCP{SrcPort: 5555, DstPort: 443, Seq: 1, SYN: true, Window: 1024}
	require.NoError(t, tc.SetNetworkLayerForChecksum(ip))
	return serialize(t, ip, hbh, tc)
}

func icmp4Echo(t *testing.T) []byte {
	t.Helper()
	ip := &layers.IPv4{
		Version: 4, TTL: 64, Protocol: layers.IPProtocolICMPv4,
		SrcIP: net.IP{192, 0, 2, 1}, DstIP: net.IP{192, 0, 2, 2},
	}
	ic := &layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0), Id: 77, Seq: 1}
	return serialize(t, ip, ic, gopacket.Payload([]byte("ping")))
}

func TestParseAll(t *testing.T) {
	tests := []struct {
		name  string
		pkt   func(*testing.T) []byte
		flags Flags
		proto uint8
		src   string
		sport uint16
	}{
		{
			name:  "udp4",
			pkt:   func(t *testing.T) []byte { return udp4(t, "10.0.0.5", "93.184.216.34", 40000, 53, []byte("q")) },
			flags: FlagIPv4 | FlagLayer4 | FlagUDP,
			proto: ProtoUDP, src: "10.0.0.5", sport: 40000,
		},
		{
			name:  "tcp4 syn",
			pkt:   func(t *testing.T) []byte { return tcp4(t, "192.0.2.1", "192.0.2.2", 1234, 80, true, false) },
			flags: FlagIPv4 | FlagLayer4 | FlagTCP,
			proto: ProtoTCP, src: "192.0.2.1", sport: 1234,
		},
		{
			name:  "tcp6 behind hop-by-hop",
			pkt:   tcp6HopByHop,
			flags: FlagIPv6 | FlagLayer4 | FlagTCP,
			proto: ProtoTCP, src: "2001:db8::1", sport: 5555,
		},
		{
			name:  "icmp4 echo",
			pkt:   icmp4Echo,
			flags: FlagIPv4 | FlagLayer4 | FlagICMP | FlagICMPID,
			proto: ProtoICMP, src: "192.0.2.1", sport: 77,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := New(tt.pkt(t))
			assert.Equal(t, tt.flags, v.Flags())
			assert.Equal(t, tt.proto, v.Proto())
			assert.Equal(t, netip.MustParseAddr(tt.src), v.Addr(Src))
			port, ok := v.Port(Src)
			require.True(t, ok)
			assert.Equal(t, tt.sport, port)
		})
	}
}

func TestRecacheIdempotent(t *testing.T) {
	pkts := [][]byte{
		udp4(t, "10.0.0.5", "93.184.216.34", 40000, 53, []byte("abc")),
		tcp4(t, "192.0.2.1", "192.0.2.2", 1234, 80, true, true),
		tcp6HopByHop(t),
		icmp4Echo(t),
	}
	for _, p := range pkts {
		v := New(p)
		before := *v
		v.Recache()
		assert.Equal(t, before.flags, v.flags)
		assert.Equal(t, before.off, v.off)
		assert.Equal(t, before.hlen, v.hlen)
		assert.Equal(t, before.plen, v.plen)
		assert.Equal(t, before.l4, v.l4)
	}
}

func TestParseMalformed(t *testing.T) {
	good := udp4(t, "10.0.0.1", "10.0.0.2", 1, 2, nil)

	short := good[:12]
	badIHL := append([]byte(nil), good...)
	badIHL[0] = 0x43
	longTot := append([]byte(nil), good...)
	binary.BigEndian.PutUint16(longTot[2:4], uint16(len(good)+10))
	truncL4 := append([]byte(nil), good[:24]...)
	binary.BigEndian.PutUint16(truncL4[2:4], 24)

	tcp := tcp4(t, "10.0.0.1", "10.0.0.2", 1, 2, true, false)
	badDoff := append([]byte(nil), tcp...)
	badDoff[20+12] = 0x40

	tests := []struct {
		name string
		buf  []byte
		want Flags
	}{
		{"empty", nil, 0},
		{"short", short, FlagFmtErr},
		{"bad ihl", badIHL, FlagFmtErr},
		{"total length beyond buffer", longTot, FlagFmtErr},
		{"truncated udp", truncL4, FlagIPv4 | FlagFmtErr},
		{"tcp data offset", badDoff, FlagIPv4 | FlagFmtErr},
		{"not ip", []byte{0x10, 0, 0, 0}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := New(tt.buf)
			assert.Equal(t, tt.want, v.Flags())
			assert.Nil(t, v.L4())
		})
	}
}

func TestFragmentSkipsL4(t *testing.T) {
	p := udp4(t, "10.0.0.1", "10.0.0.2", 1, 2, make([]byte, 64))
	binary.BigEndian.PutUint16(p[6:8], 0x2000)
	v := New(p)
	assert.True(t, v.Cached(FlagIPv4|FlagIPFrag))
	assert.False(t, v.Cached(FlagLayer4))
	_, ok := v.Port(Src)
	assert.False(t, ok)
}

func TestRewriteMatchesFreshChecksum(t *testing.T) {
	orig := udp4(t, "10.0.0.5", "93.184.216.34", 40000, 53, []byte("hello"))
	want := udp4(t, "203.0.113.9", "93.184.216.34", 1500, 53, []byte("hello"))

	v := New(append([]byte(nil), orig...))
	require.NoError(t, v.RewriteAddr(Src, netip.MustParseAddr("203.0.113.9")))
	require.NoError(t, v.RewritePort(Src, 1500))
	assert.Equal(t, want, v.Buf())

	require.NoError(t, v.RewriteAddr(Src, netip.MustParseAddr("10.0.0.5")))
	require.NoError(t, v.RewritePort(Src, 40000))
	assert.Equal(t, orig, v.Buf())
}

func TestRewriteTCPRoundTrip(t *testing.T) {
	orig := tcp4(t, "192.0.2.1", "198.51.100.7", 33000, 443, false, true)
	v := New(append([]byte(nil), orig...))
	require.NoError(t, v.RewriteAddr(Dst, netip.MustParseAddr("10.1.1.1")))
	require.NoError(t, v.RewritePort(Dst, 8443))

	pkt := gopacket.NewPacket(v.Buf(), layers.LayerTypeIPv4, gopacket.Default)
	tc := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
	assert.Equal(t, layers.TCPPort(8443), tc.DstPort)

	require.NoError(t, v.RewriteAddr(Dst, netip.MustParseAddr("198.51.100.7")))
	require.NoError(t, v.RewritePort(Dst, 443))
	assert.Equal(t, orig, v.Buf())
}

func TestRewriteFamilyMismatch(t *testing.T) {
	v := New(udp4(t, "10.0.0.1", "10.0.0.2", 1, 2, nil))
	assert.ErrorIs(t, v.RewriteAddr(Src, netip.MustParseAddr("2001:db8::1")), ErrFamily)
}

func TestTCPOptions(t *testing.T) {
	v := New(tcp4(t, "192.0.2.1", "192.0.2.2", 1234, 80, true, false))
	h, ok := v.TCP()
	require.True(t, ok)
	ws, ok := h.WindowScale()
	require.True(t, ok)
	assert.Equal(t, uint8(7), ws)
	mss, _, ok := h.MSS()
	require.True(t, ok)
	assert.Equal(t, uint16(1460), mss)

	require.True(t, v.SetMSS(1400))
	mss, _, _ = h.MSS()
	assert.Equal(t, uint16(1400), mss)
}

func TestSetTTLKeepsHeaderChecksum(t *testing.T) {
	v := New(udp4(t, "10.0.0.1", "10.0.0.2", 1, 2, nil))
	require.True(t, v.SetTTL(3))
	assert.Equal(t, uint8(3), v.TTL())
	assert.Equal(t, uint16(0xffff), Sum(v.Buf()[:20], 0))
}
