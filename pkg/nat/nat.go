// Package nat implements NAT policies, translation entries and the shared
// port allocation used by them.
package nat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/psaab/flowfw/pkg/packet"
)

var (
	ErrPortsExhausted = errors.New("translation ports exhausted")
	ErrDraining       = errors.New("policy is being destroyed")
	ErrInvalid        = errors.New("invalid NAT policy")
	ErrNotTranslated  = errors.New("packet cannot be translated")
)

// Type is the translation direction of a policy.
type Type uint8

const (
	// TypeIn rewrites the destination of the first packet (redirection).
	TypeIn Type = 1
	// TypeOut rewrites the source of the first packet (masquerade).
	TypeOut Type = 2
)

func (t Type) String() string {
	switch t {
	case TypeIn:
		return "in"
	case TypeOut:
		return "out"
	}
	return fmt.Sprintf("type(%d)", t)
}

// Flags modify a policy.
type Flags uint32

const (
	// FlagStatic translates without connection state.
	FlagStatic Flags = 1 << iota
	// FlagPorts enables port translation for TCP and UDP.
	FlagPorts
	// FlagPortMap allocates translation ports from the shared portmap.
	// Without it FlagPorts uses the fixed TransPort.
	FlagPortMap
)

// Algo selects the translation address.
type Algo uint8

const (
	AlgoSingle Algo = iota
	AlgoNetMap
	AlgoIPHash
	AlgoRoundRobin
	AlgoNPTv6
)

var algoNames = map[Algo]string{
	AlgoSingle:     "single",
	AlgoNetMap:     "netmap",
	AlgoIPHash:     "ip-hash",
	AlgoRoundRobin: "round-robin",
	AlgoNPTv6:      "npt66",
}

func (a Algo) String() string {
	if s, ok := algoNames[a]; ok {
		return s
	}
	return fmt.Sprintf("algo(%d)", uint8(a))
}

// ParseAlgo converts an algorithm name.
func ParseAlgo(s string) (Algo, error) {
	if s == "" {
		return AlgoSingle, nil
	}
	for a, name := range algoNames {
		if name == s {
			return a, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown algorithm %q", ErrInvalid, s)
}

// Desc describes a policy.
type Desc struct {
	ID        uint32
	Type      Type
	Flags     Flags
	Algo      Algo
	TransNet  netip.Prefix
	TransPort uint16
	// OrigNet is the internal prefix of an NPTv6 mapping.
	OrigNet netip.Prefix
}

// Validate checks that d describes a usable policy.
func (d Desc) Validate() error {
	if d.Type != TypeIn && d.Type != TypeOut {
		return fmt.Errorf("%w: type %d", ErrInvalid, d.Type)
	}
	if !d.TransNet.IsValid() {
		return fmt.Errorf("%w: missing translation address", ErrInvalid)
	}
	if d.Flags&FlagPortMap != 0 && d.Flags&FlagPorts == 0 {
		return fmt.Errorf("%w: portmap requires port translation", ErrInvalid)
	}
	if d.Flags&FlagStatic != 0 && d.Flags&FlagPorts != 0 {
		return fmt.Errorf("%w: static policies cannot translate ports", ErrInvalid)
	}
	switch d.Algo {
	case AlgoSingle, AlgoIPHash, AlgoRoundRobin:
	case AlgoNetMap:
		if d.Flags&FlagPortMap != 0 {
			return fmt.Errorf("%w: netmap cannot use a portmap", ErrInvalid)
		}
	case AlgoNPTv6:
		if d.Flags&FlagStatic == 0 {
			return fmt.Errorf("%w: npt66 is static only", ErrInvalid)
		}
		if !d.TransNet.Addr().Is6() || !d.OrigNet.IsValid() || !d.OrigNet.Addr().Is6() {
			return fmt.Errorf("%w: npt66 needs IPv6 prefixes", ErrInvalid)
		}
		if d.TransNet.Bits() > 48 || d.OrigNet.Bits() != d.TransNet.Bits() {
			return fmt.Errorf("%w: npt66 prefixes must have equal length up to /48", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: %s", ErrInvalid, d.Algo)
	}
	return nil
}

// Owner is the holder of an entry, normally a connection. Expire asks it
// to go away so the entry gets destroyed.
type Owner interface {
	Expire()
}

// Policy is a NAT policy attached to a NAT rule. It tracks its live
// entries so it can drain them before going away.
type Policy struct {
	desc Desc
	id   atomic.Uint32
	reg  *Registry

	// npt66 checksum-neutral adjustment
	adj uint16

	rr atomic.Uint32

	mu       sync.Mutex
	entries  map[*Entry]struct{}
	maps     map[netip.Addr]*Portmap
	draining bool
}

// NewPolicy builds a policy. Port-mapped policies draw ports from reg.
func NewPolicy(d Desc, reg *Registry) (*Policy, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	if d.Flags&FlagPortMap != 0 && reg == nil {
		return nil, fmt.Errorf("%w: portmap without registry", ErrInvalid)
	}
	p := &Policy{
		desc:    d,
		reg:     reg,
		entries: make(map[*Entry]struct{}),
		maps:    make(map[netip.Addr]*Portmap),
	}
	p.id.Store(d.ID)
	if d.Algo == AlgoNPTv6 {
		p.adj = nptv6Adjustment(prefix48(d.OrigNet), prefix48(d.TransNet))
	}
	return p, nil
}

// ID returns the policy ID used by connection export.
func (p *Policy) ID() uint32 { return p.id.Load() }

// SetID renumbers a policy carried over into a new ruleset.
func (p *Policy) SetID(id uint32) { p.id.Store(id) }

func (p *Policy) Desc() Desc {
	d := p.desc
	d.ID = p.ID()
	return d
}

func (p *Policy) Type() Type { return p.desc.Type }

// Static reports whether the policy translates without state.
func (p *Policy) Static() bool { return p.desc.Flags&FlagStatic != 0 }

// Equivalent reports whether o translates exactly like p, so a reload can
// keep p and its live entries in place of o.
func (p *Policy) Equivalent(o *Policy) bool {
	a, b := p.desc, o.desc
	return a.Type == b.Type && a.Flags == b.Flags && a.Algo == b.Algo &&
		a.TransNet == b.TransNet && a.TransPort == b.TransPort && a.OrigNet == b.OrigNet &&
		p.reg == o.reg
}

// Len returns the number of live entries.
func (p *Policy) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// which returns the side a policy of type t rewrites for a packet
// travelling in the forward or backward direction of the flow.
func which(t Type, forw bool) packet.Which {
	w := packet.Dst
	if t == TypeOut {
		w = packet.Src
	}
	if !forw {
		w = w.Other()
	}
	return w
}

// Create records the original address and port of the first packet of a
// flow and picks its translation.
func (p *Policy) Create(v *packet.View, owner Owner) (*Entry, error) {
	w := which(p.desc.Type, true)
	e := &Entry{policy: p, owner: owner, oaddr: v.Addr(w)}
	if port, ok := v.Port(w); ok {
		e.oport = port
	}
	taddr, err := p.selectAddr(v, e.oaddr)
	if err != nil {
		return nil, err
	}
	e.taddr = taddr

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.draining {
		return nil, ErrDraining
	}
	if p.desc.Flags&FlagPorts != 0 && (v.Cached(packet.FlagTCP) || v.Cached(packet.FlagUDP)) {
		if err := p.allocPortLocked(e); err != nil {
			return nil, err
		}
	}
	p.entries[e] = struct{}{}
	return e, nil
}

// Restore re-creates an entry from an exported connection, reclaiming its
// translation port.
func (p *Policy) Restore(oaddr netip.Addr, oport uint16, taddr netip.Addr, tport uint16, owner Owner) (*Entry, error) {
	e := &Entry{policy: p, owner: owner, oaddr: oaddr, oport: oport, taddr: taddr, tport: tport}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.draining {
		return nil, ErrDraining
	}
	if tport != 0 && p.desc.Flags&FlagPortMap != 0 {
		pm := p.portmapLocked(taddr)
		if !pm.Take(tport) {
			return nil, fmt.Errorf("%w: port %d on %s in use", ErrPortsExhausted, tport, taddr)
		}
		e.pm = pm
	}
	p.entries[e] = struct{}{}
	return e, nil
}

func (p *Policy) allocPortLocked(e *Entry) error {
	if p.desc.Flags&FlagPortMap == 0 {
		e.tport = p.desc.TransPort
		return nil
	}
	pm := p.portmapLocked(e.taddr)
	port, ok := pm.Get()
	if !ok {
		return fmt.Errorf("%w: %s", ErrPortsExhausted, e.taddr)
	}
	e.tport, e.pm = port, pm
	return nil
}

func (p *Policy) portmapLocked(addr netip.Addr) *Portmap {
	pm, ok := p.maps[addr]
	if !ok {
		pm = p.reg.Acquire(addr)
		p.maps[addr] = pm
	}
	return pm
}

func (p *Policy) unlink(e *Entry) {
	p.mu.Lock()
	delete(p.entries, e)
	p.mu.Unlock()
}

// Destroy expires the owners of all entries, waits until the entries are
// gone and drops the portmap references.
func (p *Policy) Destroy(ctx context.Context) error {
	p.mu.Lock()
	p.draining = true
	owners := make([]Owner, 0, len(p.entries))
	for e := range p.entries {
		if e.owner != nil {
			owners = append(owners, e.owner)
		}
	}
	p.mu.Unlock()

	for _, o := range owners {
		o.Expire()
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for p.Len() > 0 {
		select {
		case <-ctx.Done():
			slog.Warn("NAT policy destroy interrupted", "policy", p.ID(), "entries", p.Len())
			return ctx.Err()
		case <-ticker.C:
		}
	}

	p.mu.Lock()
	maps := p.maps
	p.maps = make(map[netip.Addr]*Portmap)
	p.mu.Unlock()
	for addr := range maps {
		p.reg.Release(addr)
	}
	return nil
}

// StaticTranslate rewrites a packet matched by a static policy.
func (p *Policy) StaticTranslate(v *packet.View) error {
	w := which(p.desc.Type, true)
	orig := v.Addr(w)
	if p.desc.Algo == AlgoNPTv6 {
		addr, err := p.npt66(orig)
		if err != nil {
			return err
		}
		return v.RewriteAddr(w, addr)
	}
	addr, err := p.selectAddr(v, orig)
	if err != nil {
		return err
	}
	return v.RewriteAddr(w, addr)
}

// Which returns the side a policy of type t rewrites for a packet moving in
// the forward or backward direction of its flow.
func Which(t Type, forw bool) packet.Which { return which(t, forw) }
