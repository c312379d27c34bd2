package ruleset

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/psaab/flowfw/pkg/nat"
)

var (
	ErrNotFound    = errors.New("rule not found")
	ErrNotDynamic  = errors.New("group is not dynamic")
	ErrNested      = errors.New("groups cannot be nested")
	ErrDuplicate   = errors.New("duplicate group name")
	ErrDynamicRule = errors.New("dynamic sub-rules cannot be groups")
)

// Ruleset is an immutable ordered list of rules. Only the sub-lists of its
// dynamic groups change after Build.
type Ruleset struct {
	rules       []*Rule
	groups      map[string]*Rule
	defaultPass bool
	ids         *atomic.Uint64
}

// Builder assembles a ruleset and computes the skip-to links.
type Builder struct {
	rules  []*Rule
	groups map[string]*Rule
	err    error
}

func NewBuilder() *Builder {
	return &Builder{groups: make(map[string]*Rule)}
}

// Add appends a plain rule.
func (b *Builder) Add(r *Rule) *Builder {
	if b.err != nil {
		return b
	}
	if r.isGroup() {
		return b.AddGroup(r)
	}
	r.skipTo = len(b.rules) + 1
	b.rules = append(b.rules, r)
	return b
}

// AddGroup appends a group header followed by its members. When the header
// does not match, inspection skips past all members. Members of a dynamic
// group become its initial sub-rules.
func (b *Builder) AddGroup(g *Rule, members ...*Rule) *Builder {
	if b.err != nil {
		return b
	}
	g.attr |= AttrGroup
	if _, dup := b.groups[g.name]; dup && g.name != "" {
		b.err = fmt.Errorf("%w: %q", ErrDuplicate, g.name)
		return b
	}
	for _, m := range members {
		if m.isGroup() {
			b.err = fmt.Errorf("%w: %q in %q", ErrNested, m.name, g.name)
			return b
		}
	}
	if g.name != "" {
		b.groups[g.name] = g
	}
	if g.isDynamic() {
		g.subset = &subset{}
		g.members = members
		g.skipTo = len(b.rules) + 1
		b.rules = append(b.rules, g)
		return b
	}
	b.rules = append(b.rules, g)
	for _, m := range members {
		m.skipTo = len(b.rules) + 1
		b.rules = append(b.rules, m)
	}
	g.skipTo = len(b.rules)
	return b
}

// Build returns the ruleset. With no matching rule the default verdict
// applies.
func (b *Builder) Build(defaultPass bool) (*Ruleset, error) {
	if b.err != nil {
		return nil, b.err
	}
	rs := &Ruleset{
		rules:       b.rules,
		groups:      b.groups,
		defaultPass: defaultPass,
		ids:         new(atomic.Uint64),
	}
	for _, g := range rs.rules {
		if !g.isDynamic() {
			continue
		}
		for _, m := range g.members {
			m.id = rs.ids.Add(1)
			g.subset.insert(m)
		}
	}
	return rs, nil
}

// DefaultPass reports the verdict for packets no rule matches.
func (rs *Ruleset) DefaultPass() bool { return rs.defaultPass }

// Len returns the number of static rules.
func (rs *Ruleset) Len() int { return len(rs.rules) }

// Rules returns the static rules in order.
func (rs *Ruleset) Rules() []*Rule { return rs.rules }

// Group returns a group header by name.
func (rs *Ruleset) Group(name string) (*Rule, bool) {
	g, ok := rs.groups[name]
	return g, ok
}

// Inspect returns the rule deciding the packet, or nil.
func (rs *Ruleset) Inspect(in *Input) *Rule {
	r, _ := rs.inspect(in)
	return r
}

// inspect also returns the number of static rules visited.
func (rs *Ruleset) inspect(in *Input) (*Rule, int) {
	var final *Rule
	visited := 0
	for i := 0; i < len(rs.rules); {
		r := rs.rules[i]

		// A static group is a barrier once something matched. Dynamic
		// groups are still inspected.
		if r.isGroup() && !r.isDynamic() && final != nil {
			break
		}
		visited++
		if !r.match(in) {
			i = r.skipTo
			continue
		}
		if r.isDynamic() {
			if sub := r.subset.inspect(in); sub != nil {
				final = sub
				break
			}
		} else if !r.isGroup() {
			final = r
		}
		if r.attr&AttrFinal != 0 {
			break
		}
		i++
	}
	return final, visited
}

// Policies returns the NAT policies of all rules, dynamic ones included.
func (rs *Ruleset) Policies() []*nat.Policy {
	var out []*nat.Policy
	seen := make(map[*nat.Policy]bool)
	rs.walk(func(r *Rule) {
		if r.natp != nil && !seen[r.natp] {
			seen[r.natp] = true
			out = append(out, r.natp)
		}
	})
	return out
}

// walk visits every static rule and every dynamic sub-rule.
func (rs *Ruleset) walk(fn func(*Rule)) {
	for _, r := range rs.rules {
		fn(r)
		if r.isDynamic() {
			for s := r.subset.head.Load(); s != nil; s = s.next.Load() {
				fn(s)
			}
		}
	}
}
