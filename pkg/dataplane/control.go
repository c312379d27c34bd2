package dataplane

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/psaab/flowfw/pkg/ruleset"
	"github.com/psaab/flowfw/pkg/table"
)

func (e *Engine) table(name string) (*table.Table, error) {
	t := e.cur.Load().Tables.ByName(name)
	if t == nil {
		return nil, fmt.Errorf("%w: %q", ErrNoTable, name)
	}
	return t, nil
}

// TableLookup tests addr against the named table.
func (e *Engine) TableLookup(name string, addr netip.Addr) (bool, error) {
	g := e.epoch.Enter()
	defer e.epoch.Exit(g)
	t, err := e.table(name)
	if err != nil {
		return false, err
	}
	return t.Lookup(addr), nil
}

// TableInsert adds p to the named table.
func (e *Engine) TableInsert(name string, p netip.Prefix) error {
	g := e.epoch.Enter()
	defer e.epoch.Exit(g)
	t, err := e.table(name)
	if err != nil {
		return err
	}
	return t.Insert(p)
}

// TableRemove deletes p from the named table.
func (e *Engine) TableRemove(name string, p netip.Prefix) error {
	g := e.epoch.Enter()
	defer e.epoch.Exit(g)
	t, err := e.table(name)
	if err != nil {
		return err
	}
	return t.Remove(p)
}

// TableList returns the entries of the named table.
func (e *Engine) TableList(name string) ([]netip.Prefix, error) {
	g := e.epoch.Enter()
	defer e.epoch.Exit(g)
	t, err := e.table(name)
	if err != nil {
		return nil, err
	}
	return t.List(), nil
}

// TableFlush empties the named table.
func (e *Engine) TableFlush(name string) error {
	g := e.epoch.Enter()
	defer e.epoch.Exit(g)
	t, err := e.table(name)
	if err != nil {
		return err
	}
	return t.Flush()
}

// AddRule inserts r into the dynamic group and returns its ID. The
// group takes over the reference r holds on its procedure chain.
func (e *Engine) AddRule(group string, r *ruleset.Rule) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rs, err := e.cur.Load().ruleset(group)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", err, group)
	}
	return rs.AddDynamic(group, r)
}

// RemoveRule removes the dynamic rule with the given ID.
func (e *Engine) RemoveRule(ctx context.Context, group string, id uint64) error {
	return e.removeRules(ctx, group, func(rs *ruleset.Ruleset) ([]*ruleset.Rule, error) {
		r, err := rs.RemoveDynamic(group, id)
		return []*ruleset.Rule{r}, err
	})
}

// RemoveRuleByKey removes the dynamic rule with the given key.
func (e *Engine) RemoveRuleByKey(ctx context.Context, group, key string) error {
	return e.removeRules(ctx, group, func(rs *ruleset.Ruleset) ([]*ruleset.Rule, error) {
		r, err := rs.RemoveDynamicByKey(group, key)
		return []*ruleset.Rule{r}, err
	})
}

// ListRules returns the rules of a dynamic group in evaluation order.
func (e *Engine) ListRules(group string) ([]*ruleset.Rule, error) {
	rs, err := e.cur.Load().ruleset(group)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", err, group)
	}
	return rs.ListDynamic(group)
}

// FlushRules removes every rule of a dynamic group.
func (e *Engine) FlushRules(ctx context.Context, group string) (int, error) {
	var n int
	err := e.removeRules(ctx, group, func(rs *ruleset.Ruleset) ([]*ruleset.Rule, error) {
		rules, err := rs.FlushDynamic(group)
		n = len(rules)
		return rules, err
	})
	return n, err
}

// removeRules unlinks rules and, once no reader can see them, releases
// their procedure chains.
func (e *Engine) removeRules(ctx context.Context, group string, fn func(*ruleset.Ruleset) ([]*ruleset.Rule, error)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	rs, err := e.cur.Load().ruleset(group)
	if err != nil {
		return fmt.Errorf("%w: %q", err, group)
	}
	removed, err := fn(rs)
	if err != nil {
		return err
	}
	if err := e.epoch.Sync(ctx); err != nil {
		return err
	}
	for _, r := range removed {
		if r != nil && r.Procs() != nil {
			r.Procs().Release()
		}
	}
	return nil
}
