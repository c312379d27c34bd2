package dataplane

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/psaab/flowfw/pkg/packet"
	"github.com/psaab/flowfw/pkg/ruleset"
	"github.com/psaab/flowfw/pkg/stats"
)

const (
	replyTTL = 64
	// ICMPv4 communication administratively prohibited.
	icmp4AdminProhibited = 13
	// ICMPv6 communication with destination administratively prohibited.
	icmp6AdminProhibited = 1
	// The quote of an ICMPv6 error keeps the reply within the minimum MTU.
	icmp6MaxQuote = 1280 - 40 - 8
)

// returnBlock answers a blocked TCP segment with a reset or a blocked
// UDP datagram with an ICMP unreachable.
func (e *Engine) returnBlock(v *packet.View, ifid uint32, dir packet.Direction, retfl ruleset.Attr) {
	if e.sender == nil || !v.Cached(packet.FlagLayer4) {
		return
	}
	var (
		pkt     []byte
		err     error
		counter stats.Counter
	)
	switch v.Proto() {
	case packet.ProtoTCP:
		if retfl&ruleset.AttrReturnRST == 0 {
			return
		}
		pkt, err = buildTCPReset(v)
		counter = stats.ReturnRST
	case packet.ProtoUDP:
		if retfl&ruleset.AttrReturnICMP == 0 {
			return
		}
		pkt, err = buildICMPUnreach(v)
		counter = stats.ReturnICMP
	default:
		return
	}
	if err != nil {
		slog.Debug("block reply not built", "err", err)
		return
	}
	if pkt == nil {
		return
	}
	if err := e.sender.Send(pkt, ifid, dir.Reverse()); err != nil {
		slog.Debug("block reply not sent", "err", err)
		return
	}
	e.stats.Inc(counter)
}

func ipLayers(v *packet.View, proto layers.IPProtocol) (gopacket.SerializableLayer, gopacket.NetworkLayer) {
	src, dst := v.Addr(packet.Dst).AsSlice(), v.Addr(packet.Src).AsSlice()
	if v.Version() == 4 {
		ip := &layers.IPv4{Version: 4, IHL: 5, TTL: replyTTL, Protocol: proto, SrcIP: src, DstIP: dst}
		return ip, ip
	}
	ip := &layers.IPv6{Version: 6, HopLimit: replyTTL, NextHeader: proto, SrcIP: src, DstIP: dst}
	return ip, ip
}

// buildTCPReset returns the reset for a TCP segment, or nil when the
// segment is itself a reset.
func buildTCPReset(v *packet.View) ([]byte, error) {
	th, ok := v.TCP()
	if !ok {
		return nil, fmt.Errorf("no TCP header")
	}
	fl := th.Flags()
	if fl&packet.TCPRst != 0 {
		return nil, nil
	}
	ip, nl := ipLayers(v, layers.IPProtocolTCP)
	rst := &layers.TCP{
		SrcPort: layers.TCPPort(th.DstPort()),
		DstPort: layers.TCPPort(th.SrcPort()),
		RST:     true,
	}
	if fl&packet.TCPAck != 0 {
		rst.Seq = th.Ack()
	} else {
		n := uint32(len(th) - th.HeaderLen())
		if fl&packet.TCPSyn != 0 {
			n++
		}
		if fl&packet.TCPFin != 0 {
			n++
		}
		rst.Ack = th.Seq() + n
		rst.ACK = true
	}
	if err := rst.SetNetworkLayerForChecksum(nl); err != nil {
		return nil, err
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, rst); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// buildICMPUnreach returns an administratively prohibited unreachable
// quoting the offending datagram.
func buildICMPUnreach(v *packet.View) ([]byte, error) {
	orig := v.Buf()[:v.TotalLen()]
	src, dst := v.Addr(packet.Dst), v.Addr(packet.Src)

	if v.Version() == 4 {
		quote := orig[:min(len(orig), v.L4Offset()+8)]
		msg := icmp.Message{
			Type: ipv4.ICMPTypeDestinationUnreachable,
			Code: icmp4AdminProhibited,
			Body: &icmp.DstUnreach{Data: quote},
		}
		body, err := msg.Marshal(nil)
		if err != nil {
			return nil, err
		}
		h := &ipv4.Header{
			Version:  ipv4.Version,
			Len:      ipv4.HeaderLen,
			TotalLen: ipv4.HeaderLen + len(body),
			TTL:      replyTTL,
			Protocol: int(packet.ProtoICMP),
			Src:      net.IP(src.AsSlice()),
			Dst:      net.IP(dst.AsSlice()),
		}
		hdr, err := h.Marshal()
		if err != nil {
			return nil, err
		}
		// Marshal leaves the header checksum to the kernel.
		cs := ^packet.Sum(hdr, 0)
		hdr[10], hdr[11] = byte(cs>>8), byte(cs)
		return append(hdr, body...), nil
	}

	quote := orig[:min(len(orig), icmp6MaxQuote)]
	msg := icmp.Message{
		Type: ipv6.ICMPTypeDestinationUnreachable,
		Code: icmp6AdminProhibited,
		Body: &icmp.DstUnreach{Data: quote},
	}
	body, err := msg.Marshal(icmp.IPv6PseudoHeader(net.IP(src.AsSlice()), net.IP(dst.AsSlice())))
	if err != nil {
		return nil, err
	}
	ip, _ := ipLayers(v, layers.IPProtocolICMPv6)
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, ip, gopacket.Payload(body)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
