package alg

import (
	"github.com/psaab/flowfw/pkg/nat"
	"github.com/psaab/flowfw/pkg/packet"
)

// Traceroute destination ports.
const (
	tracerouteBase  = 33434
	tracerouteLimit = 33434 + 165
)

// ICMP handles ICMP query identifiers and ICMP errors. Errors quote the
// header of the datagram that caused them, so they are matched to that
// datagram's connection and the quoted header is translated with it.
type ICMP struct{}

func (ICMP) Name() string { return "icmp" }

// Match claims translated ICMP queries, giving them an identifier from
// the port map, and UDP traceroute probes.
func (ICMP) Match(v *packet.View, e *nat.Entry, _ packet.Direction) bool {
	switch {
	case v.Cached(packet.FlagICMPID):
		if err := e.AllocPort(); err != nil {
			return false
		}
		return true
	case v.Cached(packet.FlagUDP):
		dp, _ := v.Port(packet.Dst)
		return dp >= tracerouteBase && dp <= tracerouteLimit
	}
	return false
}

// embedded returns the view of the datagram quoted by an ICMP error.
func embedded(v *packet.View) (*packet.View, bool) {
	if !v.Cached(packet.FlagICMP) || v.Cached(packet.FlagICMPID) {
		return nil, false
	}
	var payload []byte
	switch h := v.L4().(type) {
	case packet.ICMPv4:
		if !h.IsError() {
			return nil, false
		}
		payload = h.Payload()
	case packet.ICMPv6:
		if !h.IsError() {
			return nil, false
		}
		payload = h.Payload()
	default:
		return nil, false
	}
	inner := packet.NewEmbedded(payload)
	if inner.Flags()&packet.FlagIP46 == 0 || inner.Version() != v.Version() {
		return nil, false
	}
	return inner, true
}

// innerTuple reads the flow of a quoted datagram.
func innerTuple(inner *packet.View) (packet.Tuple, bool) {
	if t, ok := inner.Tuple(); ok {
		return t, true
	}
	switch inner.Proto() {
	case packet.ProtoTCP, packet.ProtoUDP:
		sp, dp, ok := inner.RawPorts()
		if !ok {
			return packet.Tuple{}, false
		}
		return packet.Tuple{
			Proto: inner.Proto(), Src: inner.Addr(packet.Src), Dst: inner.Addr(packet.Dst),
			SrcID: sp, DstID: dp,
		}, true
	}
	return packet.Tuple{}, false
}

// Conn returns the key under which the connection of the quoted datagram
// sees the error: the quoted datagram travelled the other way.
func (ICMP) Conn(v *packet.View, _ packet.Direction) (packet.Tuple, bool) {
	inner, ok := embedded(v)
	if !ok {
		return packet.Tuple{}, false
	}
	t, ok := innerTuple(inner)
	if !ok {
		return packet.Tuple{}, false
	}
	return t.Mirror(), true
}

// Translate rewrites the quoted datagram of an ICMP error to match the
// translation applied to the outer header, then fixes the ICMP checksum.
func (ICMP) Translate(v *packet.View, e *nat.Entry, forw bool) bool {
	inner, ok := embedded(v)
	if !ok {
		return false
	}
	w := nat.Which(e.Policy().Type(), forw).Other()
	addr, port := e.TransAddr(), e.TransPort()
	if !forw {
		addr, port = e.OrigAddr(), e.OrigPort()
	}
	if err := inner.RewriteAddr(w, addr); err != nil {
		return false
	}
	if e.TransPort() != 0 {
		if err := inner.RewritePort(w, port); err != nil && !inner.SetRawPort(w, port) {
			return false
		}
	}
	return v.UpdateICMPChecksum() == nil
}
