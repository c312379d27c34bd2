package config

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/psaab/flowfw/pkg/conntrack"
	"github.com/psaab/flowfw/pkg/errors"
	"github.com/psaab/flowfw/pkg/logging"
	"github.com/psaab/flowfw/pkg/nat"
	"github.com/psaab/flowfw/pkg/packet"
	"github.com/psaab/flowfw/pkg/table"
)

// invalid returns a validation error naming the offending element.
func invalid(key, name string, format string, args ...any) error {
	return errors.Attr(errors.Errorf(errors.KindValidation, format, args...), key, name)
}

// Validate checks c without building it. It reports every problem found,
// each as an *errors.Error of KindValidation.
func Validate(c *Config) error {
	v := &validator{
		mr:    &matcher{tables: make(map[string]uint32), services: c.Services},
		procs: make(map[string]bool),
	}
	v.daemon(&c.Daemon)
	v.params(&c.Params)
	if c.Default != ActionPass && c.Default != ActionBlock {
		v.add(invalid("default", c.Default, "default must be pass or block"))
	}
	for name, svc := range c.Services {
		if _, err := parseProto(svc.Proto); err != nil {
			v.add(invalid("service", name, "%v", err))
		}
		if _, err := parsePorts(svc.Ports); err != nil {
			v.add(invalid("service", name, "%v", err))
		}
	}
	for i, t := range c.Tables {
		v.table(uint32(i), t)
	}
	for _, p := range c.Procs {
		v.proc(p)
	}
	groups := make(map[string]bool)
	for _, r := range c.Rules {
		if r.IsGroup() {
			if groups[r.Name] {
				v.add(invalid("rule", r.Name, "duplicate group"))
			}
			groups[r.Name] = true
		}
		v.rule(r, false)
	}
	names := make(map[string]bool)
	for _, n := range c.NAT {
		if names[n.Name] {
			v.add(invalid("nat", n.Name, "duplicate NAT rule"))
		}
		names[n.Name] = true
		if _, err := natDesc(n, 0); err != nil {
			v.add(invalid("nat", n.Name, "%v", err))
		}
		if _, err := v.mr.criteria(n.Match); err != nil {
			v.add(invalid("nat", n.Name, "%v", err))
		}
	}
	return errors.Join(v.errs...)
}

type validator struct {
	mr    *matcher
	procs map[string]bool
	errs  []error
}

func (v *validator) add(err error) { v.errs = append(v.errs, err) }

func (v *validator) daemon(d *DaemonConfig) {
	if _, err := logging.ParseLevel(d.LogLevel); err != nil {
		v.add(invalid("daemon", "log_level", "%v", err))
	}
	for _, q := range d.Queues {
		if _, err := ParseDirection(q.Direction); err != nil || q.Direction == "" {
			v.add(invalid("queue", fmt.Sprint(q.Num), "queue direction must be in or out"))
		}
	}
	if d.PortMin != 0 && d.PortMax != 0 && d.PortMax < d.PortMin {
		v.add(invalid("daemon", "port_max", "port_max below port_min"))
	}
	if fe := d.FlowExport; fe != nil {
		if len(fe.Collectors) == 0 {
			v.add(invalid("flow_export", "collectors", "at least one collector required"))
		}
		for _, c := range fe.Collectors {
			if _, _, err := net.SplitHostPort(c); err != nil {
				v.add(invalid("flow_export", c, "collector must be host:port"))
			}
		}
		if fe.SourceAddress != "" {
			if _, err := netip.ParseAddr(fe.SourceAddress); err != nil {
				v.add(invalid("flow_export", "source_address", "invalid address %q", fe.SourceAddress))
			}
		}
		if fe.SampleRate < 0 {
			v.add(invalid("flow_export", "sample_rate", "sample_rate must not be negative"))
		}
	}
}

func (v *validator) params(p *ParamsConfig) {
	if _, err := buildParams(p); err != nil {
		v.add(invalid("params", "timeouts", "%v", err))
	}
}

func (v *validator) table(id uint32, t TableConfig) {
	if t.Name == "" {
		v.add(invalid("table", fmt.Sprint(id), "table without a name"))
		return
	}
	if _, dup := v.mr.tables[t.Name]; dup {
		v.add(invalid("table", t.Name, "duplicate table"))
	}
	v.mr.tables[t.Name] = id
	if _, err := tableType(t.Type); err != nil {
		v.add(invalid("table", t.Name, "%v", err))
	}
	if _, err := parseNets(t.Entries); err != nil {
		v.add(invalid("table", t.Name, "%v", err))
	}
}

func (v *validator) proc(p ProcConfig) {
	if p.Name == "" {
		v.add(invalid("proc", "", "procedure without a name"))
		return
	}
	if v.procs[p.Name] {
		v.add(invalid("proc", p.Name, "duplicate procedure"))
	}
	v.procs[p.Name] = true
	if len(p.Steps) == 0 {
		v.add(invalid("proc", p.Name, "procedure without steps"))
	}
	for _, s := range p.Steps {
		if s.Ext == "" {
			v.add(invalid("proc", p.Name, "step without an extension"))
		}
	}
}

func (v *validator) rule(r RuleConfig, member bool) {
	fail := func(format string, args ...any) { v.add(invalid("rule", r.Name, format, args...)) }

	if r.IsGroup() {
		if member {
			fail("groups cannot be nested")
			return
		}
		if r.Action != "" || r.Stateful || r.Return != "" {
			fail("a group has no action")
		}
		keys := make(map[string]bool)
		for _, m := range r.Rules {
			v.rule(m, true)
			if r.Dynamic {
				k := m.Key
				if k == "" {
					k = m.Name
				}
				if keys[k] {
					v.add(invalid("rule", m.Name, "duplicate key %q in group %q", k, r.Name))
				}
				keys[k] = true
			}
		}
	} else {
		switch r.Action {
		case ActionPass:
			if r.Return != "" {
				fail("return applies to block rules only")
			}
		case ActionBlock:
			if r.Stateful {
				fail("block rules cannot be stateful")
			}
		default:
			fail("action must be pass or block")
		}
		if r.MultiIfs && !r.Stateful {
			fail("multi_interface needs a stateful rule")
		}
	}
	if _, err := ParseDirection(r.Direction); err != nil {
		fail("%v", err)
	}
	if _, err := returnAttr(r.Return); err != nil {
		fail("%v", err)
	}
	if r.Proc != "" && !v.procs[r.Proc] {
		fail("unknown procedure %q", r.Proc)
	}
	if _, err := v.mr.criteria(r.Match); err != nil {
		fail("%v", err)
	}
}

// ParseDirection converts "in", "out" or "any".
func ParseDirection(s string) (packet.Direction, error) {
	switch s {
	case "", "any":
		return 0, nil
	case "in":
		return packet.In, nil
	case "out":
		return packet.Out, nil
	}
	return 0, fmt.Errorf("invalid direction %q", s)
}

func tableType(s string) (table.Type, error) {
	if s == "" {
		return table.TypeHash, nil
	}
	return table.ParseType(s)
}

func buildParams(pc *ParamsConfig) (conntrack.Params, error) {
	p := conntrack.DefaultParams()
	if pc.StrictOrderRST != nil {
		p.StrictOrderRST = *pc.StrictOrderRST
	}
	for proto, states := range pc.Timeouts {
		var pn uint8
		switch proto {
		case "generic":
			pn = packet.ProtoUDP
		case "tcp":
			pn = packet.ProtoTCP
		default:
			return p, fmt.Errorf("unknown timeout class %q", proto)
		}
		for name, d := range states {
			s, ok := conntrack.ParseStateName(pn, name)
			if !ok {
				return p, fmt.Errorf("unknown %s state %q", proto, name)
			}
			if d <= 0 {
				return p, fmt.Errorf("%s %s: timeout must be positive", proto, name)
			}
			if pn == packet.ProtoTCP {
				p.TCPTimeouts[s] = d
			} else {
				p.GenericTimeouts[s] = d
			}
		}
	}
	return p, nil
}

func natDesc(n NATConfig, id uint32) (nat.Desc, error) {
	d := nat.Desc{ID: id, TransPort: n.TransPort}
	switch n.Type {
	case "in":
		d.Type = nat.TypeIn
	case "out":
		d.Type = nat.TypeOut
	default:
		return d, fmt.Errorf("type must be in or out")
	}
	var err error
	if d.Algo, err = nat.ParseAlgo(n.Algo); err != nil {
		return d, err
	}
	if d.TransNet, err = parsePrefix(n.TransNet); err != nil {
		return d, fmt.Errorf("trans_net: %w", err)
	}
	if n.OrigNet != "" {
		if d.OrigNet, err = parsePrefix(n.OrigNet); err != nil {
			return d, fmt.Errorf("orig_net: %w", err)
		}
	}
	if n.Static {
		d.Flags |= nat.FlagStatic
	}
	if n.Ports {
		d.Flags |= nat.FlagPorts
	}
	if n.PortMap {
		d.Flags |= nat.FlagPortMap
	}
	return d, d.Validate()
}

func parsePrefix(s string) (netip.Prefix, error) {
	ps, err := parseNet(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	if len(ps) != 1 {
		return netip.Prefix{}, fmt.Errorf("%q is not a single prefix", s)
	}
	return ps[0], nil
}
