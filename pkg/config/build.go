package config

import (
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/psaab/flowfw/pkg/dataplane"
	"github.com/psaab/flowfw/pkg/errors"
	"github.com/psaab/flowfw/pkg/filter"
	"github.com/psaab/flowfw/pkg/nat"
	"github.com/psaab/flowfw/pkg/packet"
	"github.com/psaab/flowfw/pkg/rproc"
	"github.com/psaab/flowfw/pkg/ruleset"
	"github.com/psaab/flowfw/pkg/table"
)

// Resolver maps interface names to IDs.
type Resolver interface {
	Index(name string) (uint32, error)
}

// BuildOptions are the runtime dependencies of Build.
type BuildOptions struct {
	Interfaces Resolver
	Procs      *rproc.Registry
	// Ports is the portmap registry shared by every generation of NAT
	// policies. Only policies on the same registry carry over a reload.
	Ports *nat.Registry
}

type builder struct {
	cfg    *Config
	opts   BuildOptions
	mr     *matcher
	ntab   int
	chains map[string]*rproc.Chain
	// acquired holds the extra references taken for dynamic members.
	acquired []*rproc.Chain
}

// Build validates cfg and compiles it into a snapshot for
// dataplane.Engine.Load. The snapshot owns one reference on each
// procedure chain.
func Build(cfg *Config, opts BuildOptions) (*dataplane.Snapshot, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	if opts.Procs == nil {
		opts.Procs = rproc.NewRegistry()
	}
	if opts.Ports == nil {
		opts.Ports = nat.NewRegistry(cfg.Daemon.PortMin, cfg.Daemon.PortMax)
	}
	b := &builder{
		cfg:    cfg,
		opts:   opts,
		mr:     &matcher{tables: make(map[string]uint32), services: cfg.Services},
		chains: make(map[string]*rproc.Chain),
	}

	snap := &dataplane.Snapshot{Source: cfg}
	ok := false
	defer func() {
		if !ok {
			for _, c := range b.acquired {
				c.Release()
			}
			for _, c := range snap.Chains {
				c.Release()
			}
		}
	}()

	// Phase 1: tables, so rules can refer to them by ID.
	var err error
	if snap.Tables, err = b.tables(); err != nil {
		return nil, fmt.Errorf("tables: %w", err)
	}
	// Phase 2: procedures.
	if snap.Chains, err = b.procs(); err != nil {
		return nil, fmt.Errorf("procs: %w", err)
	}
	// Phase 3: rules and groups.
	if snap.Rules, err = b.rules(); err != nil {
		return nil, fmt.Errorf("rules: %w", err)
	}
	// Phase 4: NAT rules and their policies.
	if snap.NAT, err = b.nat(); err != nil {
		return nil, fmt.Errorf("nat: %w", err)
	}
	if snap.Params, err = buildParams(&cfg.Params); err != nil {
		return nil, fmt.Errorf("params: %w", err)
	}
	ok = true

	slog.Info("config compiled",
		"rules", snap.Rules.Len(),
		"nat_rules", snap.NAT.Len(),
		"tables", snap.Tables.Cap(),
		"procs", len(snap.Chains))
	return snap, nil
}

func (b *builder) tables() (*table.Set, error) {
	b.ntab = len(b.cfg.Tables)
	set := table.NewSet(b.ntab)
	for i, tc := range b.cfg.Tables {
		id := uint32(i)
		typ, err := tableType(tc.Type)
		if err != nil {
			return nil, invalid("table", tc.Name, "%v", err)
		}
		entries, err := parseNets(tc.Entries)
		if err != nil {
			return nil, invalid("table", tc.Name, "%v", err)
		}
		t, err := newTable(id, tc.Name, typ, entries)
		if err == nil {
			err = set.Add(t)
		}
		if err != nil {
			return nil, errors.Attr(errors.Wrap(err, errors.KindValidation, "build table"), "table", tc.Name)
		}
		b.mr.tables[tc.Name] = id
	}
	return set, nil
}

func newTable(id uint32, name string, typ table.Type, entries []netip.Prefix) (*table.Table, error) {
	if typ == table.TypeConst {
		return table.NewConst(id, name, entries)
	}
	t, err := table.New(id, name, typ)
	if err != nil {
		return nil, err
	}
	for _, p := range entries {
		if err := t.Insert(p); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (b *builder) procs() ([]*rproc.Chain, error) {
	chains := make([]*rproc.Chain, 0, len(b.cfg.Procs))
	for _, pc := range b.cfg.Procs {
		procs := make([]rproc.Procedure, 0, len(pc.Steps))
		for _, s := range pc.Steps {
			p, err := b.opts.Procs.New(s.Ext, s.Params)
			if err != nil {
				for _, c := range chains {
					c.Release()
				}
				return nil, errors.Attr(errors.Wrap(err, errors.KindValidation, "build procedure"), "proc", pc.Name)
			}
			procs = append(procs, p)
		}
		c := rproc.NewChain(pc.Name, procs...)
		chains = append(chains, c)
		b.chains[pc.Name] = c
	}
	return chains, nil
}

func (b *builder) rules() (*ruleset.Ruleset, error) {
	rb := ruleset.NewBuilder()
	for _, rc := range b.cfg.Rules {
		if !rc.IsGroup() {
			r, err := b.rule(rc, false)
			if err != nil {
				return nil, err
			}
			rb.Add(r)
			continue
		}
		g, err := b.rule(rc, false)
		if err != nil {
			return nil, err
		}
		members := make([]*ruleset.Rule, 0, len(rc.Rules))
		for _, mc := range rc.Rules {
			m, err := b.rule(mc, rc.Dynamic)
			if err != nil {
				return nil, err
			}
			members = append(members, m)
		}
		rb.AddGroup(g, members...)
	}
	rs, err := rb.Build(b.cfg.Default == ActionPass)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "build ruleset")
	}
	return rs, nil
}

// rule compiles one rule or group header. A dynamic member holds its own
// reference on its procedure chain.
func (b *builder) rule(rc RuleConfig, dynamicMember bool) (*ruleset.Rule, error) {
	spec, err := compileSpec(rc, b.mr, b.ntab, b.opts.Interfaces)
	if err != nil {
		return nil, err
	}
	if rc.Proc != "" {
		c, ok := b.chains[rc.Proc]
		if !ok {
			return nil, invalid("rule", rc.Name, "unknown procedure %q", rc.Proc)
		}
		if dynamicMember {
			c.Acquire()
			b.acquired = append(b.acquired, c)
		}
		spec.Procs = c
	}
	return ruleset.NewRule(spec), nil
}

func (b *builder) nat() (*ruleset.Ruleset, error) {
	rb := ruleset.NewBuilder()
	for i, nc := range b.cfg.NAT {
		d, err := natDesc(nc, uint32(i+1))
		if err != nil {
			return nil, invalid("nat", nc.Name, "%v", err)
		}
		p, err := nat.NewPolicy(d, b.opts.Ports)
		if err != nil {
			return nil, errors.Attr(errors.Wrap(err, errors.KindValidation, "build policy"), "nat", nc.Name)
		}
		crit, err := b.mr.criteria(nc.Match)
		if err != nil {
			return nil, invalid("nat", nc.Name, "%v", err)
		}
		prog, err := filter.Compile(crit, b.ntab)
		if err != nil {
			return nil, errors.Attr(errors.Wrap(err, errors.KindValidation, "compile match"), "nat", nc.Name)
		}
		ifid, err := resolveIf(b.opts.Interfaces, nc.Interface)
		if err != nil {
			return nil, errors.Attr(err, "nat", nc.Name)
		}
		attr := ruleset.AttrOut
		if d.Type == nat.TypeIn {
			attr = ruleset.AttrIn
		}
		if nc.Final {
			attr |= ruleset.AttrFinal
		}
		rb.Add(ruleset.NewRule(ruleset.Spec{
			Name:    nc.Name,
			Attr:    attr,
			IfID:    ifid,
			Program: prog,
			NAT:     p,
			Meta:    nc,
		}))
	}
	rs, err := rb.Build(false)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "build NAT ruleset")
	}
	return rs, nil
}

func resolveIf(r Resolver, name string) (uint32, error) {
	if name == "" {
		return 0, nil
	}
	if r == nil {
		return 0, errors.Errorf(errors.KindUnavailable, "no interface registry for %q", name)
	}
	id, err := r.Index(name)
	if err != nil {
		return 0, errors.Attr(errors.Wrap(err, errors.KindValidation, "resolve interface"), "interface", name)
	}
	return id, nil
}

// compileSpec turns rc into a rule spec without its procedure chain.
func compileSpec(rc RuleConfig, mr *matcher, ntab int, ifs Resolver) (ruleset.Spec, error) {
	spec := ruleset.Spec{Name: rc.Name, Priority: rc.Priority, Key: rc.Key}
	if rc.Action == ActionPass {
		spec.Attr |= ruleset.AttrPass
	}
	if rc.Stateful {
		spec.Attr |= ruleset.AttrStateful
	}
	if rc.Final {
		spec.Attr |= ruleset.AttrFinal
	}
	if rc.MultiIfs {
		spec.Attr |= ruleset.AttrMultiIfs
	}
	if rc.Dynamic {
		spec.Attr |= ruleset.AttrDynamic
	}
	if rc.IsGroup() {
		spec.Attr |= ruleset.AttrGroup
	}
	dir, err := ParseDirection(rc.Direction)
	if err != nil {
		return spec, invalid("rule", rc.Name, "%v", err)
	}
	switch dir {
	case packet.In:
		spec.Attr |= ruleset.AttrIn
	case packet.Out:
		spec.Attr |= ruleset.AttrOut
	}
	ret, err := returnAttr(rc.Return)
	if err != nil {
		return spec, invalid("rule", rc.Name, "%v", err)
	}
	spec.Attr |= ret

	crit, err := mr.criteria(rc.Match)
	if err != nil {
		return spec, invalid("rule", rc.Name, "%v", err)
	}
	if spec.Program, err = filter.Compile(crit, ntab); err != nil {
		return spec, errors.Attr(errors.Wrap(err, errors.KindValidation, "compile match"), "rule", rc.Name)
	}
	if spec.IfID, err = resolveIf(ifs, rc.Interface); err != nil {
		return spec, errors.Attr(err, "rule", rc.Name)
	}
	meta := rc
	meta.Rules = nil
	spec.Meta = meta
	return spec, nil
}

func returnAttr(s string) (ruleset.Attr, error) {
	switch s {
	case "":
		return 0, nil
	case "rst":
		return ruleset.AttrReturnRST, nil
	case "icmp":
		return ruleset.AttrReturnICMP, nil
	case "all":
		return ruleset.AttrReturn, nil
	}
	return 0, fmt.Errorf("return must be rst, icmp or all, not %q", s)
}

// CompileRule builds a rule for a dynamic group of the active snapshot.
// Tables, services and procedures resolve against snap. The rule holds its
// own reference on its procedure chain.
func CompileRule(rc RuleConfig, snap *dataplane.Snapshot, ifs Resolver) (*ruleset.Rule, error) {
	mr := &matcher{tables: make(map[string]uint32)}
	if cfg, ok := snap.Source.(*Config); ok {
		mr.services = cfg.Services
	}
	for _, t := range snap.Tables.Tables() {
		mr.tables[t.Name()] = t.ID()
	}
	v := &validator{mr: mr, procs: make(map[string]bool)}
	for _, c := range snap.Chains {
		v.procs[c.Name()] = true
	}
	v.rule(rc, true)
	if err := errors.Join(v.errs...); err != nil {
		return nil, err
	}

	spec, err := compileSpec(rc, mr, snap.Tables.Cap(), ifs)
	if err != nil {
		return nil, err
	}
	if rc.Proc != "" {
		for _, c := range snap.Chains {
			if c.Name() == rc.Proc {
				c.Acquire()
				spec.Procs = c
				break
			}
		}
	}
	return ruleset.NewRule(spec), nil
}
