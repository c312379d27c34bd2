package config

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"go4.org/netipx"

	"github.com/psaab/flowfw/pkg/filter"
	"github.com/psaab/flowfw/pkg/packet"
)

var protoNames = map[string]uint8{
	"icmp":      packet.ProtoICMP,
	"tcp":       packet.ProtoTCP,
	"udp":       packet.ProtoUDP,
	"icmpv6":    packet.ProtoICMPv6,
	"ipv6-icmp": packet.ProtoICMPv6,
}

func parseProto(s string) (uint8, error) {
	if p, ok := protoNames[strings.ToLower(s)]; ok {
		return p, nil
	}
	n, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("unknown protocol %q", s)
	}
	return uint8(n), nil
}

// parsePorts accepts "80" and "1000-2000".
func parsePorts(ss []string) ([]filter.PortRange, error) {
	out := make([]filter.PortRange, 0, len(ss))
	for _, s := range ss {
		lo, hi, isRange := strings.Cut(s, "-")
		from, err := strconv.ParseUint(strings.TrimSpace(lo), 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid port %q", s)
		}
		to := from
		if isRange {
			to, err = strconv.ParseUint(strings.TrimSpace(hi), 10, 16)
			if err != nil || to < from {
				return nil, fmt.Errorf("invalid port range %q", s)
			}
		}
		out = append(out, filter.PortRange{From: uint16(from), To: uint16(to)})
	}
	return out, nil
}

// parseNet accepts a prefix, a single address or an "a-b" range.
func parseNet(s string) ([]netip.Prefix, error) {
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, err
		}
		return []netip.Prefix{p.Masked()}, nil
	}
	if strings.Contains(s, "-") {
		r, err := netipx.ParseIPRange(s)
		if err != nil {
			return nil, err
		}
		return r.Prefixes(), nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return nil, err
	}
	return []netip.Prefix{netip.PrefixFrom(a, a.BitLen())}, nil
}

func parseNets(ss []string) ([]netip.Prefix, error) {
	var b netipx.IPSetBuilder
	for _, s := range ss {
		ps, err := parseNet(s)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q: %w", s, err)
		}
		for _, p := range ps {
			b.AddPrefix(p)
		}
	}
	set, err := b.IPSet()
	if err != nil {
		return nil, err
	}
	return set.Prefixes(), nil
}

var tcpFlagBits = map[rune]uint8{
	'F': packet.TCPFin,
	'S': packet.TCPSyn,
	'R': packet.TCPRst,
	'P': packet.TCPPsh,
	'A': packet.TCPAck,
	'U': packet.TCPUrg,
}

// parseTCPFlags parses "S/SA": the flags that must be set, then the mask.
// Without a mask the flags are their own mask.
func parseTCPFlags(s string) (flags, mask uint8, err error) {
	set, m, hasMask := strings.Cut(strings.ToUpper(s), "/")
	bits := func(str string) (uint8, error) {
		var v uint8
		for _, c := range str {
			b, ok := tcpFlagBits[c]
			if !ok {
				return 0, fmt.Errorf("invalid TCP flag %q", c)
			}
			v |= b
		}
		return v, nil
	}
	if flags, err = bits(set); err != nil {
		return 0, 0, err
	}
	mask = flags
	if hasMask {
		if mask, err = bits(m); err != nil {
			return 0, 0, err
		}
	}
	if flags&^mask != 0 {
		return 0, 0, fmt.Errorf("TCP flags %q outside mask", s)
	}
	return flags, mask, nil
}

// matcher resolves the names a match refers to.
type matcher struct {
	tables   map[string]uint32
	services map[string]Service
}

func (mr *matcher) endpoint(e EndpointConfig) (filter.Endpoint, error) {
	var out filter.Endpoint
	var err error
	if len(e.Nets) > 0 && e.Table != "" {
		return out, fmt.Errorf("nets and table are exclusive")
	}
	if out.Nets, err = parseNets(e.Nets); err != nil {
		return out, err
	}
	if len(out.Nets) == 0 {
		out.Nets = nil
	}
	if e.Table != "" {
		id, ok := mr.tables[e.Table]
		if !ok {
			return out, fmt.Errorf("unknown table %q", e.Table)
		}
		out.Table = &id
	}
	if out.Ports, err = parsePorts(e.Ports); err != nil {
		return out, err
	}
	if len(out.Ports) == 0 {
		out.Ports = nil
	}
	out.Invert = e.Not
	return out, nil
}

func (mr *matcher) criteria(m MatchConfig) (filter.Criteria, error) {
	var c filter.Criteria
	switch m.Family {
	case 0, 4, 6:
		c.Family = m.Family
	default:
		return c, fmt.Errorf("invalid family %d", m.Family)
	}

	proto := m.Proto
	var svcPorts []string
	if m.Service != "" {
		svc, ok := ResolveService(m.Service, mr.services)
		if !ok {
			return c, fmt.Errorf("unknown service %q", m.Service)
		}
		if proto != "" && proto != svc.Proto {
			return c, fmt.Errorf("service %q is %s, not %s", m.Service, svc.Proto, proto)
		}
		proto = svc.Proto
		svcPorts = svc.Ports
	}
	if proto != "" {
		p, err := parseProto(proto)
		if err != nil {
			return c, err
		}
		c.Proto = &p
	}

	var err error
	if c.Src, err = mr.endpoint(m.Src); err != nil {
		return c, fmt.Errorf("src: %w", err)
	}
	dst := m.Dst
	if len(dst.Ports) == 0 {
		dst.Ports = svcPorts
	}
	if c.Dst, err = mr.endpoint(dst); err != nil {
		return c, fmt.Errorf("dst: %w", err)
	}
	if (len(c.Src.Ports) > 0 || len(c.Dst.Ports) > 0) && c.Proto != nil &&
		*c.Proto != packet.ProtoTCP && *c.Proto != packet.ProtoUDP {
		return c, fmt.Errorf("ports need proto tcp or udp")
	}

	if m.TCPFlags != "" {
		if c.TCPFlags, c.TCPFlagsMask, err = parseTCPFlags(m.TCPFlags); err != nil {
			return c, err
		}
	}
	c.ICMPType, c.ICMPCode = m.ICMPType, m.ICMPCode
	return c, nil
}
