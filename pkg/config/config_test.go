package config

import (
	"context"
	"fmt"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psaab/flowfw/internal/testpkt"
	"github.com/psaab/flowfw/pkg/dataplane"
	"github.com/psaab/flowfw/pkg/errors"
	"github.com/psaab/flowfw/pkg/filter"
	"github.com/psaab/flowfw/pkg/logging"
	"github.com/psaab/flowfw/pkg/nat"
	"github.com/psaab/flowfw/pkg/packet"
	"github.com/psaab/flowfw/pkg/rproc"
)

const sample = `
daemon:
  log_level: debug
  queues:
    - {num: 0, direction: in}
    - {num: 1, direction: out}
params:
  strict_order_rst: true
  timeouts:
    tcp:
      established: 2h
    generic:
      new: 10s
default: block
tables:
  - name: blocklist
    type: tree
    entries: [198.51.100.0/24]
  - name: trusted
    type: const
    entries: ["10.0.0.1-10.0.0.3"]
procs:
  - name: clamp
    steps:
      - ext: normalize
        params: {min-ttl: "5"}
rules:
  - name: drop-blocklist
    action: block
    final: true
    direction: in
    return: all
    match: {src: {table: blocklist}}
  - name: lan-out
    action: pass
    stateful: true
    direction: out
    interface: wan0
    proc: clamp
  - name: ssh-in
    action: pass
    stateful: true
    direction: in
    match: {service: ssh, src: {table: trusted}}
  - name: dyn
    dynamic: true
    rules:
      - name: allow-dns
        action: pass
        proc: clamp
        match: {service: dns-udp}
nat:
  - name: masq
    type: out
    interface: wan0
    match: {src: {nets: [10.0.0.0/8]}}
    trans_net: 203.0.113.9
    ports: true
    portmap: true
`

type ifmap map[string]uint32

func (m ifmap) Index(name string) (uint32, error) {
	if id, ok := m[name]; ok {
		return id, nil
	}
	return 0, fmt.Errorf("no interface %q", name)
}

const (
	lan = 1
	wan = 2
)

func buildOpts(t *testing.T) BuildOptions {
	t.Helper()
	reg := rproc.NewRegistry()
	require.NoError(t, rproc.RegisterBuiltins(reg, logging.NewEventLog(logging.NewEventBuffer(16))))
	return BuildOptions{
		Interfaces: ifmap{"lan0": lan, "wan0": wan},
		Procs:      reg,
		Ports:      nat.NewRegistry(0, 0),
	}
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, ActionPass, cfg.Default)
	assert.Equal(t, DefaultHTTPAddr, cfg.Daemon.HTTPAddr)
	assert.Equal(t, DefaultGRPCAddr, cfg.Daemon.GRPCAddr)
	assert.Equal(t, DefaultDrainTimeout, cfg.Daemon.DrainTimeout)
	require.NoError(t, Validate(cfg))

	cfg, err = Parse([]byte(sample))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Daemon.LogLevel)
	assert.Equal(t, 2*time.Hour, cfg.Params.Timeouts["tcp"]["established"])
	require.Len(t, cfg.Rules, 4)
	assert.True(t, cfg.Rules[3].IsGroup())
}

func TestParseUnknownField(t *testing.T) {
	_, err := Parse([]byte("rules:\n  - name: x\n    acton: pass\n"))
	assert.Error(t, err)
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name  string
		yaml  string
		key   string
		value string
	}{
		{"bad action", "rules: [{name: r1, action: allow}]", "rule", "r1"},
		{"stateful block", "rules: [{name: r1, action: block, stateful: true}]", "rule", "r1"},
		{"return on pass", "rules: [{name: r1, action: pass, return: rst}]", "rule", "r1"},
		{"unknown table", "rules: [{name: r1, action: pass, match: {src: {table: nope}}}]", "rule", "r1"},
		{"unknown service", "rules: [{name: r1, action: pass, match: {service: gopher}}]", "rule", "r1"},
		{"unknown proc", "rules: [{name: r1, action: pass, proc: nope}]", "rule", "r1"},
		{"bad direction", "rules: [{name: r1, action: pass, direction: up}]", "rule", "r1"},
		{"ports on icmp", "rules: [{name: r1, action: pass, match: {proto: icmp, dst: {ports: ['1']}}}]", "rule", "r1"},
		{"nested group", "rules: [{name: g, rules: [{name: h, rules: [{name: x, action: pass}]}]}]", "rule", "h"},
		{"group action", "rules: [{name: g, action: pass, rules: [{name: x, action: pass}]}]", "rule", "g"},
		{"duplicate key", "rules: [{name: g, dynamic: true, rules: [{name: a, action: pass}, {name: a, action: block}]}]", "rule", "a"},
		{"bad table type", "tables: [{name: t1, type: bloom}]", "table", "t1"},
		{"bad table entry", "tables: [{name: t1, entries: [10.0.0.300]}]", "table", "t1"},
		{"duplicate table", "tables: [{name: t1}, {name: t1}]", "table", "t1"},
		{"nat type", "nat: [{name: n1, type: both, trans_net: 192.0.2.1}]", "nat", "n1"},
		{"nat portmap", "nat: [{name: n1, type: out, trans_net: 192.0.2.1, portmap: true}]", "nat", "n1"},
		{"nat algo", "nat: [{name: n1, type: out, trans_net: 192.0.2.1, algo: fastest}]", "nat", "n1"},
		{"timeout state", "params: {timeouts: {tcp: {sleeping: 1s}}}", "params", "timeouts"},
		{"default", "default: maybe", "default", "maybe"},
		{"queue direction", "daemon: {queues: [{num: 3, direction: sideways}]}", "queue", "3"},
		{"flow collector", "daemon: {flow_export: {collectors: [192.0.2.1]}}", "flow_export", "192.0.2.1"},
		{"flow collectors", "daemon: {flow_export: {sample_rate: 10}}", "flow_export", "collectors"},
		{"flow source", "daemon: {flow_export: {collectors: ['192.0.2.1:2055'], source_address: eth0}}", "flow_export", "source_address"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(tt.yaml))
			require.NoError(t, err)
			err = Validate(cfg)
			require.Error(t, err)
			assert.Equal(t, errors.KindValidation, errors.GetKind(err))
			assert.Equal(t, tt.value, errors.GetAttributes(err)[tt.key], err.Error())
		})
	}
}

func TestParseNets(t *testing.T) {
	got, err := parseNets([]string{"10.0.0.1-10.0.0.3", "192.0.2.7", "2001:db8::/32", "10.0.0.2"})
	require.NoError(t, err)
	assert.Equal(t, []netip.Prefix{
		netip.MustParsePrefix("10.0.0.1/32"),
		netip.MustParsePrefix("10.0.0.2/31"),
		netip.MustParsePrefix("192.0.2.7/32"),
		netip.MustParsePrefix("2001:db8::/32"),
	}, got)

	_, err = parseNets([]string{"10.0.0.9-10.0.0.1"})
	assert.Error(t, err)
}

func TestParseTCPFlags(t *testing.T) {
	tests := []struct {
		in         string
		flags, msk uint8
		err        bool
	}{
		{"S/SA", packet.TCPSyn, packet.TCPSyn | packet.TCPAck, false},
		{"sa", packet.TCPSyn | packet.TCPAck, packet.TCPSyn | packet.TCPAck, false},
		{"/R", 0, packet.TCPRst, false},
		{"SA/S", 0, 0, true},
		{"X", 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			f, m, err := parseTCPFlags(tt.in)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.flags, f)
			assert.Equal(t, tt.msk, m)
		})
	}
}

func TestMatchService(t *testing.T) {
	mr := &matcher{services: map[string]Service{"alt-http": {Proto: "tcp", Ports: []string{"8080-8081"}}}}

	c, err := mr.criteria(MatchConfig{Service: "alt-http"})
	require.NoError(t, err)
	require.NotNil(t, c.Proto)
	assert.Equal(t, packet.ProtoTCP, *c.Proto)
	assert.Equal(t, []filter.PortRange{{From: 8080, To: 8081}}, c.Dst.Ports)

	// Explicit ports win over the service's.
	c, err = mr.criteria(MatchConfig{Service: "ssh", Dst: EndpointConfig{Ports: []string{"2222"}}})
	require.NoError(t, err)
	assert.Equal(t, []filter.PortRange{{From: 2222, To: 2222}}, c.Dst.Ports)

	_, err = mr.criteria(MatchConfig{Service: "ssh", Proto: "udp"})
	assert.Error(t, err)
}

func TestBuild(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)
	snap, err := Build(cfg, buildOpts(t))
	require.NoError(t, err)

	assert.Equal(t, 4, snap.Rules.Len())
	assert.False(t, snap.Rules.DefaultPass())
	assert.Equal(t, 1, snap.NAT.Len())
	assert.Equal(t, 2, snap.Tables.Cap())
	require.Len(t, snap.Chains, 1)
	// The snapshot and the dynamic member each hold a reference.
	assert.Equal(t, int32(2), snap.Chains[0].Refs())
	assert.True(t, snap.Params.StrictOrderRST)
	assert.Equal(t, 2*time.Hour, snap.Params.TCPTimeouts[4])
	assert.Same(t, cfg, snap.Source)

	dyn, err := snap.Rules.ListDynamic("dyn")
	require.NoError(t, err)
	require.Len(t, dyn, 1)
	assert.Equal(t, "allow-dns", dyn[0].Name())

	e := dataplane.New(dataplane.Options{})
	require.NoError(t, e.Load(context.Background(), snap, nil))

	tests := []struct {
		name string
		pkt  []byte
		ifid uint32
		dir  packet.Direction
		want dataplane.Verdict
	}{
		{"trusted ssh", testpkt.TCP(t, testpkt.TCPSeg{Src: "10.0.0.2", Dst: "10.9.0.1", Sport: 40000, Dport: 22,
			Seq: 1, Flags: "S", Window: 1024, WScale: -1}), lan, packet.In, dataplane.VerdictPass},
		{"untrusted ssh", testpkt.TCP(t, testpkt.TCPSeg{Src: "10.0.0.9", Dst: "10.9.0.1", Sport: 40000, Dport: 22,
			Seq: 1, Flags: "S", Window: 1024, WScale: -1}), lan, packet.In, dataplane.VerdictBlock},
		{"blocklist", testpkt.UDP(t, "198.51.100.5", "10.9.0.1", 1000, 53, nil), wan, packet.In, dataplane.VerdictBlock},
		{"dynamic dns", testpkt.UDP(t, "192.0.2.1", "10.9.0.1", 1000, 53, nil), wan, packet.In, dataplane.VerdictPass},
		{"lan out on wan", testpkt.UDP(t, "10.0.0.5", "192.0.2.1", 1000, 123, nil), wan, packet.Out, dataplane.VerdictPass},
		{"lan out elsewhere", testpkt.UDP(t, "10.0.0.5", "192.0.2.1", 1000, 123, nil), lan, packet.Out, dataplane.VerdictBlock},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _, _ := e.HandlePacket(tt.pkt, tt.ifid, tt.dir)
			assert.Equal(t, tt.want, got)
		})
	}

	// The outbound flow was translated.
	var natted bool
	for _, c := range e.Conns() {
		if c.NAT != nil && c.NAT.TransAddr == netip.MustParseAddr("203.0.113.9") {
			natted = true
		}
	}
	assert.True(t, natted)
}

func TestBuildUnknownInterface(t *testing.T) {
	cfg, err := Parse([]byte("rules: [{name: r1, action: pass, interface: eth9}]"))
	require.NoError(t, err)
	_, err = Build(cfg, buildOpts(t))
	require.Error(t, err)
	assert.Equal(t, errors.KindValidation, errors.GetKind(err))
	assert.Equal(t, "r1", errors.GetAttributes(err)["rule"])
}

func TestBuildUnknownExtension(t *testing.T) {
	cfg, err := Parse([]byte("procs: [{name: p1, steps: [{ext: teleport}]}]"))
	require.NoError(t, err)
	_, err = Build(cfg, buildOpts(t))
	require.Error(t, err)
	assert.Equal(t, "p1", errors.GetAttributes(err)["proc"])
}

func TestReloadKeepsDynamicRulesAndExport(t *testing.T) {
	opts := buildOpts(t)
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)
	snap, err := Build(cfg, opts)
	require.NoError(t, err)
	e := dataplane.New(dataplane.Options{})
	ctx := context.Background()
	require.NoError(t, e.Load(ctx, snap, nil))

	r, err := CompileRule(RuleConfig{Name: "allow-ntp", Action: ActionPass, Priority: 5, Proc: "clamp",
		Match: MatchConfig{Service: "ntp"}}, e.Current(), opts.Interfaces)
	require.NoError(t, err)
	_, err = e.AddRule("dyn", r)
	require.NoError(t, err)
	require.NoError(t, e.TableInsert("blocklist", netip.MustParsePrefix("192.0.2.99/32")))

	_, err = CompileRule(RuleConfig{Name: "bad", Action: ActionPass, Match: MatchConfig{Src: EndpointConfig{Table: "nope"}}},
		e.Current(), opts.Interfaces)
	assert.Equal(t, errors.KindValidation, errors.GetKind(err))

	// Reload the same file: the runtime rule stays, the declared one is
	// not duplicated. The table declares entries, so it is reloaded as
	// declared and the runtime entry is dropped.
	cfg2, err := Parse([]byte(sample))
	require.NoError(t, err)
	snap2, err := Build(cfg2, opts)
	require.NoError(t, err)
	require.NoError(t, e.Load(ctx, snap2, nil))
	rules, err := e.ListRules("dyn")
	require.NoError(t, err)
	require.Len(t, rules, 2)
	// Surviving dynamic rules keep the chain they were built with.
	assert.Same(t, snap.Chains[0], rules[0].Procs())
	assert.Equal(t, int32(2), snap.Chains[0].Refs())
	assert.Equal(t, int32(1), snap2.Chains[0].Refs())

	out, err := Export(e.Current())
	require.NoError(t, err)
	require.Len(t, out.Rules[3].Rules, 2)
	assert.Equal(t, "allow-dns", out.Rules[3].Rules[0].Name)
	assert.Equal(t, "allow-ntp", out.Rules[3].Rules[1].Name)
	assert.Equal(t, int32(5), out.Rules[3].Rules[1].Priority)
	assert.Equal(t, []string{"198.51.100.0/24"}, out.Tables[0].Entries)

	// The export is itself a loadable configuration.
	data, err := out.Marshal()
	require.NoError(t, err)
	back, err := Parse(data)
	require.NoError(t, err)
	require.NoError(t, Validate(back))
	assert.Len(t, back.Rules[3].Rules, 2)
}

func TestStrictOrderRSTDefault(t *testing.T) {
	off := false
	tests := []struct {
		name string
		val  *bool
		want bool
	}{
		{"omitted", nil, true},
		{"disabled", &off, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := buildParams(&ParamsConfig{StrictOrderRST: tt.val})
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.StrictOrderRST)
		})
	}
}
