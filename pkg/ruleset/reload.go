package ruleset

import "github.com/psaab/flowfw/pkg/nat"

// Reload carries live state from old into rs before rs is published.
//
// A dynamic group declared under the same name keeps old's sub-list, so
// readers of either generation never see it empty; members declared in the
// new configuration are merged in by key. The rule ID counter is shared.
// A NAT policy equivalent to one in old is replaced by the old policy, so
// its translation entries live on. Declared members whose key the old
// group already holds are dropped and returned.
func (rs *Ruleset) Reload(old *Ruleset) []*Rule {
	if old == nil {
		return nil
	}
	// Policies are remapped before any new rule becomes visible through a
	// shared sub-list.
	oldPolicies := old.Policies()
	isOld := make(map[*nat.Policy]bool, len(oldPolicies))
	for _, p := range oldPolicies {
		isOld[p] = true
	}
	rs.walk(func(r *Rule) {
		if r.natp == nil || isOld[r.natp] {
			return
		}
		for _, op := range oldPolicies {
			if op.Equivalent(r.natp) {
				op.SetID(r.natp.ID())
				r.natp = op
				return
			}
		}
	})

	rs.ids = old.ids
	var dropped []*Rule
	for name, g := range rs.groups {
		if !g.isDynamic() {
			continue
		}
		declared := g.subset.list()
		og, ok := old.groups[name]
		if !ok || !og.isDynamic() {
			for _, m := range declared {
				m.id = rs.ids.Add(1)
			}
			continue
		}
		g.subset = og.subset
		have := make(map[string]bool)
		for _, r := range og.subset.list() {
			have[r.key] = true
		}
		for _, m := range declared {
			if have[m.key] {
				dropped = append(dropped, m)
				continue
			}
			m.id = rs.ids.Add(1)
			g.subset.insert(m)
		}
	}
	return dropped
}

// Retired returns the policies of old that rs no longer uses. They must be
// destroyed once rs is published.
func Retired(old, rs *Ruleset) []*nat.Policy {
	if old == nil {
		return nil
	}
	keep := make(map[*nat.Policy]bool)
	if rs != nil {
		for _, p := range rs.Policies() {
			keep[p] = true
		}
	}
	var out []*nat.Policy
	for _, p := range old.Policies() {
		if !keep[p] {
			out = append(out, p)
		}
	}
	return out
}
