// Package ruleset implements the ordered rule classifier: static rules with
// skip-to links, groups, final rules and dynamic groups whose sub-rules can
// change while the ruleset is in use.
package ruleset

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/psaab/flowfw/pkg/bpfvm"
	"github.com/psaab/flowfw/pkg/nat"
	"github.com/psaab/flowfw/pkg/packet"
	"github.com/psaab/flowfw/pkg/rproc"
)

// Attr holds the rule attributes.
type Attr uint32

const (
	AttrPass Attr = 1 << iota
	AttrStateful
	AttrFinal
	AttrGroup
	AttrDynamic
	AttrIn
	AttrOut
	AttrReturnRST
	AttrReturnICMP
	// AttrMultiIfs creates connections that are not bound to the
	// interface of the first packet.
	AttrMultiIfs

	AttrDirMask = AttrIn | AttrOut
	AttrReturn  = AttrReturnRST | AttrReturnICMP
)

var attrNames = []struct {
	a    Attr
	name string
}{
	{AttrPass, "pass"}, {AttrStateful, "stateful"}, {AttrFinal, "final"},
	{AttrGroup, "group"}, {AttrDynamic, "dynamic"}, {AttrIn, "in"}, {AttrOut, "out"},
	{AttrReturnRST, "return-rst"}, {AttrReturnICMP, "return-icmp"}, {AttrMultiIfs, "multi-ifs"},
}

func (a Attr) String() string {
	var parts []string
	for _, n := range attrNames {
		if a&n.a != 0 {
			parts = append(parts, n.name)
		}
	}
	if a&AttrPass == 0 {
		parts = append([]string{"block"}, parts...)
	}
	return strings.Join(parts, ",")
}

// Special priorities for dynamic rules.
const (
	PriorityLast  int32 = -1
	PriorityFirst int32 = -2
)

// Spec describes a rule.
type Spec struct {
	Name     string
	Attr     Attr
	Priority int32
	IfID     uint32
	Program  *bpfvm.Program
	NAT      *nat.Policy
	Procs    *rproc.Chain
	// Key identifies a dynamic rule for removal; defaults to Name.
	Key string
	// Meta is an opaque description kept for export.
	Meta any
}

// Rule is an element of a ruleset. Everything except the link to the next
// dynamic sub-rule is fixed once the rule is in a ruleset.
type Rule struct {
	name   string
	attr   Attr
	prio   int32
	ifid   uint32
	prog   *bpfvm.Program
	natp   *nat.Policy
	procs  *rproc.Chain
	key    string
	meta   any
	id     uint64
	skipTo int

	// members declared for a group; dynamic groups move them to the subset
	members []*Rule
	subset  *subset
	next    atomic.Pointer[Rule]
}

// NewRule builds a rule. A rule without a direction applies to both.
func NewRule(s Spec) *Rule {
	if s.Attr&AttrDirMask == 0 {
		s.Attr |= AttrDirMask
	}
	if s.Attr&AttrDynamic != 0 {
		s.Attr |= AttrGroup
	}
	if s.Key == "" {
		s.Key = s.Name
	}
	return &Rule{
		name:  s.Name,
		attr:  s.Attr,
		prio:  s.Priority,
		ifid:  s.IfID,
		prog:  s.Program,
		natp:  s.NAT,
		procs: s.Procs,
		key:   s.Key,
		meta:  s.Meta,
	}
}

func (r *Rule) Name() string            { return r.name }
func (r *Rule) Attr() Attr              { return r.attr }
func (r *Rule) Priority() int32         { return r.prio }
func (r *Rule) IfID() uint32            { return r.ifid }
func (r *Rule) Program() *bpfvm.Program { return r.prog }
func (r *Rule) NAT() *nat.Policy        { return r.natp }
func (r *Rule) Procs() *rproc.Chain     { return r.procs }
func (r *Rule) Key() string             { return r.key }
func (r *Rule) Meta() any               { return r.meta }

// ID is assigned to dynamic sub-rules when they are added.
func (r *Rule) ID() uint64 { return r.id }

// Pass reports whether the rule passes matching packets.
func (r *Rule) Pass() bool { return r.attr&AttrPass != 0 }

// Stateful reports whether a match creates a connection.
func (r *Rule) Stateful() bool { return r.attr&AttrStateful != 0 }

func (r *Rule) isGroup() bool   { return r.attr&AttrGroup != 0 }
func (r *Rule) isDynamic() bool { return r.attr&AttrDynamic != 0 }

// Input is the packet presented to the classifier.
type Input struct {
	Pkt  []byte
	Env  bpfvm.Env
	IfID uint32
	Dir  packet.Direction
}

func dirAttr(d packet.Direction) Attr {
	switch d {
	case packet.In:
		return AttrIn
	case packet.Out:
		return AttrOut
	}
	return 0
}

// match tests the interface, the direction and the predicate.
func (r *Rule) match(in *Input) bool {
	if r.ifid != 0 && r.ifid != in.IfID {
		return false
	}
	if r.attr&dirAttr(in.Dir) == 0 {
		return false
	}
	if r.prog == nil {
		return true
	}
	return r.prog.Exec(in.Pkt, in.Env) != 0
}

func (r *Rule) String() string {
	if r.id != 0 {
		return fmt.Sprintf("%s#%d [%s]", r.name, r.id, r.attr)
	}
	return fmt.Sprintf("%s [%s]", r.name, r.attr)
}
