// Package filter compiles rule match criteria into bpfvm programs.
package filter

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"

	"golang.org/x/net/bpf"

	"github.com/psaab/flowfw/pkg/bpfvm"
	"github.com/psaab/flowfw/pkg/packet"
)

// ErrTooLarge is returned when a branch cannot be encoded in a jump.
var ErrTooLarge = errors.New("filter too large")

// PortRange is an inclusive port range.
type PortRange struct {
	From, To uint16
}

// Endpoint selects one side of the packet.
type Endpoint struct {
	// Nets and Table are alternatives: the side matches if its address
	// is in any of them.
	Nets  []netip.Prefix
	Table *uint32
	Ports []PortRange
	// Invert negates the address match.
	Invert bool
}

func (e Endpoint) hasAddr() bool { return len(e.Nets) > 0 || e.Table != nil }

// Criteria is the match part of a rule. The zero value matches every
// packet.
type Criteria struct {
	Family int // 0, 4 or 6
	Proto  *uint8
	Src    Endpoint
	Dst    Endpoint

	TCPFlags     uint8
	TCPFlagsMask uint8

	ICMPType *uint8
	ICMPCode *uint8
}

// Empty reports whether c matches every packet.
func (c Criteria) Empty() bool {
	return c.Family == 0 && c.Proto == nil &&
		!c.Src.hasAddr() && !c.Dst.hasAddr() &&
		len(c.Src.Ports) == 0 && len(c.Dst.Ports) == 0 &&
		c.TCPFlagsMask == 0 && c.ICMPType == nil && c.ICMPCode == nil
}

// Compile builds the program for c. A criteria that matches everything
// yields a nil program.
func Compile(c Criteria, ntables int) (*bpfvm.Program, error) {
	if c.Empty() {
		return nil, nil
	}
	insns, err := Generate(c)
	if err != nil {
		return nil, err
	}
	return bpfvm.Assemble(insns, ntables)
}

// Generate emits the instructions for c without validating them.
func Generate(c Criteria) ([]bpf.Instruction, error) {
	g := newGen()
	fail := g.label()

	g.emit(bpfvm.CallL3{})
	if c.Family != 0 {
		g.jump(bpf.JumpEqual, uint32(c.Family), next, fail)
	}
	if c.Proto != nil {
		g.emit(bpf.LoadScratch{Dst: bpf.RegA, N: bpfvm.MemL4Proto})
		g.jump(bpf.JumpEqual, uint32(*c.Proto), next, fail)
	}
	for _, side := range []struct {
		w packet.Which
		e Endpoint
	}{{packet.Src, c.Src}, {packet.Dst, c.Dst}} {
		if side.e.hasAddr() {
			if err := g.addrs(side.w, side.e, c.Family, fail); err != nil {
				return nil, err
			}
		}
	}
	if len(c.Src.Ports) > 0 || len(c.Dst.Ports) > 0 {
		if c.Proto == nil {
			// Ports are only meaningful for TCP or UDP.
			ok := g.label()
			g.emit(bpf.LoadScratch{Dst: bpf.RegA, N: bpfvm.MemL4Proto})
			g.jump(bpf.JumpEqual, uint32(packet.ProtoTCP), ok, next)
			g.jump(bpf.JumpEqual, uint32(packet.ProtoUDP), ok, fail)
			g.place(ok)
		}
		g.ports(0, c.Src.Ports, fail)
		g.ports(2, c.Dst.Ports, fail)
	}
	if c.TCPFlagsMask != 0 {
		g.emit(bpf.LoadScratch{Dst: bpf.RegA, N: bpfvm.MemL4Proto})
		g.jump(bpf.JumpEqual, uint32(packet.ProtoTCP), next, fail)
		g.emit(bpf.LoadScratch{Dst: bpf.RegX, N: bpfvm.MemL4Off})
		g.emit(bpf.LoadIndirect{Off: 13, Size: 1})
		g.emit(bpf.ALUOpConstant{Op: bpf.ALUOpAnd, Val: uint32(c.TCPFlagsMask)})
		g.jump(bpf.JumpEqual, uint32(c.TCPFlags&c.TCPFlagsMask), next, fail)
	}
	if c.ICMPType != nil || c.ICMPCode != nil {
		if c.Proto == nil {
			ok := g.label()
			g.emit(bpf.LoadScratch{Dst: bpf.RegA, N: bpfvm.MemL4Proto})
			g.jump(bpf.JumpEqual, uint32(packet.ProtoICMP), ok, next)
			g.jump(bpf.JumpEqual, uint32(packet.ProtoICMPv6), ok, fail)
			g.place(ok)
		}
		g.emit(bpf.LoadScratch{Dst: bpf.RegX, N: bpfvm.MemL4Off})
		if c.ICMPType != nil {
			g.emit(bpf.LoadIndirect{Off: 0, Size: 1})
			g.jump(bpf.JumpEqual, uint32(*c.ICMPType), next, fail)
		}
		if c.ICMPCode != nil {
			g.emit(bpf.LoadIndirect{Off: 1, Size: 1})
			g.jump(bpf.JumpEqual, uint32(*c.ICMPCode), next, fail)
		}
	}
	g.emit(bpf.RetConstant{Val: 1})
	g.place(fail)
	g.emit(bpf.RetConstant{Val: 0})
	return g.resolve()
}

// addrs emits an alternation over the networks and table of e. On a hit
// control continues after the block, otherwise it goes to fail; Invert
// swaps the two.
func (g *gen) addrs(w packet.Which, e Endpoint, family int, fail int) error {
	hit, miss := g.label(), g.label()
	for _, n := range e.Nets {
		n = n.Masked()
		nextAlt := g.label()
		switch {
		case n.Addr().Is4():
			if family == 6 {
				return fmt.Errorf("%s %s: IPv4 network in IPv6 rule", w, n)
			}
			if family == 0 {
				g.emit(bpf.LoadScratch{Dst: bpf.RegA, N: bpfvm.MemIPVer})
				g.jump(bpf.JumpEqual, 4, next, nextAlt)
			}
			off := uint32(12)
			if w == packet.Dst {
				off = 16
			}
			a := n.Addr().As4()
			g.wordCompare(off, binary.BigEndian.Uint32(a[:]), maskWord(n.Bits()), nextAlt)
		default:
			if family == 4 {
				return fmt.Errorf("%s %s: IPv6 network in IPv4 rule", w, n)
			}
			if family == 0 {
				g.emit(bpf.LoadScratch{Dst: bpf.RegA, N: bpfvm.MemIPVer})
				g.jump(bpf.JumpEqual, 6, next, nextAlt)
			}
			off := uint32(8)
			if w == packet.Dst {
				off = 24
			}
			a := n.Addr().As16()
			for i := 0; i < 4 && i*32 < n.Bits(); i++ {
				g.wordCompare(off+uint32(4*i), binary.BigEndian.Uint32(a[4*i:]), maskWord(n.Bits()-32*i), nextAlt)
			}
		}
		g.ja(hit)
		g.place(nextAlt)
	}
	if e.Table != nil {
		g.emit(bpf.LoadConstant{Dst: bpf.RegA, Val: bpfvm.TableSelector(*e.Table, w == packet.Src)})
		g.emit(bpfvm.CallTable{})
		g.jump(bpf.JumpEqual, 0, miss, hit)
	} else {
		g.ja(miss)
	}
	if e.Invert {
		g.place(hit)
		g.ja(fail)
		g.place(miss)
		return nil
	}
	g.place(miss)
	g.ja(fail)
	g.place(hit)
	return nil
}

// wordCompare loads the 32-bit word at off, masks it and jumps to miss
// when it differs from want.
func (g *gen) wordCompare(off, want, mask uint32, miss int) {
	g.emit(bpf.LoadAbsolute{Off: off, Size: 4})
	if mask != 0xffffffff {
		g.emit(bpf.ALUOpConstant{Op: bpf.ALUOpAnd, Val: mask})
	}
	g.jump(bpf.JumpEqual, want&mask, next, miss)
}

func maskWord(bits int) uint32 {
	switch {
	case bits >= 32:
		return 0xffffffff
	case bits <= 0:
		return 0
	}
	return ^uint32(0) << (32 - bits)
}

// ports emits an alternation over ranges of the port at L4 offset+off.
func (g *gen) ports(off uint32, ranges []PortRange, fail int) {
	if len(ranges) == 0 {
		return
	}
	hit := g.label()
	g.emit(bpf.LoadScratch{Dst: bpf.RegX, N: bpfvm.MemL4Off})
	g.emit(bpf.LoadIndirect{Off: off, Size: 2})
	for i, r := range ranges {
		miss := fail
		if i < len(ranges)-1 {
			miss = g.label()
		}
		if r.From == r.To {
			g.jump(bpf.JumpEqual, uint32(r.From), hit, miss)
		} else {
			g.jump(bpf.JumpGreaterOrEqual, uint32(r.From), next, miss)
			g.jump(bpf.JumpGreaterThan, uint32(r.To), miss, hit)
		}
		if miss != fail {
			g.place(miss)
		}
	}
	g.place(hit)
}
