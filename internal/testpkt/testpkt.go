// Package testpkt builds fixture packets for tests.
package testpkt

import (
	"net"
	"testing"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
)

// Serialize lays out ls with lengths and checksums computed.
func Serialize(tb testing.TB, ls ...gopacket.SerializableLayer) []byte {
	tb.Helper()
	sb := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(sb, opts, ls...); err != nil {
		tb.Fatalf("serialize: %v", err)
	}
	return append([]byte(nil), sb.Bytes()...)
}

func ipLayer(src, dst string, proto layers.IPProtocol) (gopacket.SerializableLayer, gopacket.NetworkLayer) {
	s, d := net.ParseIP(src), net.ParseIP(dst)
	if s4 := s.To4(); s4 != nil {
		ip := &layers.IPv4{Version: 4, TTL: 64, Id: 1, Protocol: proto, SrcIP: s4, DstIP: d.To4()}
		return ip, ip
	}
	ip := &layers.IPv6{Version: 6, HopLimit: 64, NextHeader: proto, SrcIP: s, DstIP: d}
	return ip, ip
}

// UDP builds a UDP datagram over IPv4 or IPv6, chosen by src.
func UDP(tb testing.TB, src, dst string, sport, dport uint16, payload []byte) []byte {
	tb.Helper()
	ip, nl := ipLayer(src, dst, layers.IPProtocolUDP)
	u := &layers.UDP{SrcPort: layers.UDPPort(sport), DstPort: layers.UDPPort(dport)}
	if err := u.SetNetworkLayerForChecksum(nl); err != nil {
		tb.Fatal(err)
	}
	return Serialize(tb, ip, u, gopacket.Payload(payload))
}

// TCPSeg describes a TCP segment.
type TCPSeg struct {
	Src, Dst     string
	Sport, Dport uint16
	Seq, Ack     uint32
	Flags        string // subset of "SAFRP"
	Window       uint16
	WScale       int // -1 for none
	MSS          uint16
	Payload      []byte
}

// TCP builds a TCP segment over IPv4 or IPv6.
func TCP(tb testing.TB, s TCPSeg) []byte {
	tb.Helper()
	ip, nl := ipLayer(s.Src, s.Dst, layers.IPProtocolTCP)
	tc := &layers.TCP{
		SrcPort: layers.TCPPort(s.Sport), DstPort: layers.TCPPort(s.Dport),
		Seq: s.Seq, Ack: s.Ack, Window: s.Window,
	}
	for _, f := range s.Flags {
		switch f {
		case 'S':
			tc.SYN = true
		case 'A':
			tc.ACK = true
		case 'F':
			tc.FIN = true
		case 'R':
			tc.RST = true
		case 'P':
			tc.PSH = true
		}
	}
	if s.MSS != 0 {
		tc.Options = append(tc.Options, layers.TCPOption{
			OptionType: layers.TCPOptionKindMSS, OptionLength: 4,
			OptionData: []byte{byte(s.MSS >> 8), byte(s.MSS)},
		})
	}
	if s.WScale >= 0 && tc.SYN {
		tc.Options = append(tc.Options,
			layers.TCPOption{OptionType: layers.TCPOptionKindNop},
			layers.TCPOption{OptionType: layers.TCPOptionKindWindowScale, OptionLength: 3, OptionData: []byte{byte(s.WScale)}},
		)
	}
	if err := tc.SetNetworkLayerForChecksum(nl); err != nil {
		tb.Fatal(err)
	}
	return Serialize(tb, ip, tc, gopacket.Payload(s.Payload))
}

// Echo builds an ICMP or ICMPv6 echo request.
func Echo(tb testing.TB, src, dst string, id, seq uint16) []byte {
	tb.Helper()
	if net.ParseIP(src).To4() != nil {
		ip, _ := ipLayer(src, dst, layers.IPProtocolICMPv4)
		ic := &layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0), Id: id, Seq: seq}
		return Serialize(tb, ip, ic, gopacket.Payload([]byte("ping")))
	}
	ip, nl := ipLayer(src, dst, layers.IPProtocolICMPv6)
	ic := &layers.ICMPv6{TypeCode: layers.CreateICMPv6TypeCode(layers.ICMPv6TypeEchoRequest, 0)}
	if err := ic.SetNetworkLayerForChecksum(nl); err != nil {
		tb.Fatal(err)
	}
	echo := &layers.ICMPv6Echo{Identifier: id, SeqNumber: seq}
	return Serialize(tb, ip, ic, echo, gopacket.Payload([]byte("ping")))
}

// Unreachable builds an ICMPv4 port unreachable from src to dst quoting
// the first 28 bytes of orig.
func Unreachable(tb testing.TB, src, dst string, orig []byte) []byte {
	tb.Helper()
	ip, _ := ipLayer(src, dst, layers.IPProtocolICMPv4)
	ic := &layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeDestinationUnreachable, layers.ICMPv4CodePort)}
	quote := orig
	if len(quote) > 28 {
		quote = quote[:28]
	}
	return Serialize(tb, ip, ic, gopacket.Payload(append([]byte(nil), quote...)))
}
