package dataplane

import (
	"errors"
	"fmt"

	"github.com/psaab/flowfw/pkg/conntrack"
	"github.com/psaab/flowfw/pkg/nat"
	"github.com/psaab/flowfw/pkg/packet"
	"github.com/psaab/flowfw/pkg/rproc"
	"github.com/psaab/flowfw/pkg/ruleset"
	"github.com/psaab/flowfw/pkg/stats"
	"github.com/psaab/flowfw/pkg/table"
)

// env exposes the protocol cache and the tables to rule programs.
type env struct {
	v      *packet.View
	tables *table.Set
}

func (en env) L3() (ver, l4off, l4proto uint32) {
	if en.v.Flags()&packet.FlagIP46 == 0 {
		return 0, 0, 0
	}
	ver = uint32(en.v.Version())
	if en.v.Cached(packet.FlagLayer4) {
		l4off = uint32(en.v.L4Offset())
	}
	return ver, l4off, uint32(en.v.Proto())
}

func (en env) TableLookup(tid uint32, src bool) bool {
	if en.v.Flags()&packet.FlagIP46 == 0 {
		return false
	}
	w := packet.Dst
	if src {
		w = packet.Src
	}
	return en.tables.Lookup(tid, en.v.Addr(w))
}

// HandlePacket decides the fate of the packet in buf seen on interface
// ifid in direction dir. Translation rewrites buf in place. The returned
// buffer is the one to forward, which differs from buf after reassembly.
func (e *Engine) HandlePacket(buf []byte, ifid uint32, dir packet.Direction) (Verdict, []byte, error) {
	g := e.epoch.Enter()
	defer e.epoch.Exit(g)
	snap := e.cur.Load()

	v := packet.New(buf)
	if v.Cached(packet.FlagFmtErr) {
		e.stats.Inc(stats.Error)
		return VerdictBlock, buf, ErrMalformed
	}
	if v.Cached(packet.FlagIPFrag) {
		e.stats.Inc(stats.Fragments)
		out, done, err := e.reasm.Add(v)
		if err != nil {
			e.stats.Inc(stats.ReassemblyFail)
			return VerdictBlock, buf, fmt.Errorf("reassembly: %w", err)
		}
		if !done {
			return VerdictPending, nil, nil
		}
		v = packet.New(out)
		if v.Cached(packet.FlagFmtErr) {
			e.stats.Inc(stats.ReassemblyFail)
			return VerdictBlock, out, ErrMalformed
		}
	}
	return e.handle(snap, v, ifid, dir)
}

func (e *Engine) handle(snap *Snapshot, v *packet.View, ifid uint32, dir packet.Direction) (Verdict, []byte, error) {
	var (
		pass   bool
		chain  *rproc.Chain
		name   string
		retfl  ruleset.Attr
		natErr error
	)

	c, _, err := e.tracker.Inspect(v, ifid, dir, e.algs)
	if c != nil {
		defer c.Release()
	}

	switch {
	case c != nil && c.Pass():
		e.stats.Inc(stats.PassConn)
		pass = true
		chain = c.Procs()
		name = fmt.Sprintf("#%d", c.RuleID())
	case err != nil:
		// Invalid state for a tracked connection.
	default:
		r := snap.Rules.Inspect(&ruleset.Input{Pkt: v.Buf(), Env: env{v: v, tables: snap.Tables}, IfID: ifid, Dir: dir})
		if r == nil {
			pass = snap.Rules.DefaultPass()
			if pass {
				e.stats.Inc(stats.PassDefault)
			} else {
				e.stats.Inc(stats.BlockDefault)
			}
			break
		}
		chain, name = r.Procs(), r.Name()
		if !r.Pass() {
			e.stats.Inc(stats.BlockRuleset)
			retfl = r.Attr() & ruleset.AttrReturn
			break
		}
		e.stats.Inc(stats.PassRuleset)
		pass = true
		if r.Stateful() && c == nil {
			// A connection that cannot be created does not stop the packet.
			nc, err := e.tracker.Establish(v, ifid, dir, r.Attr()&ruleset.AttrMultiIfs != 0)
			if err == nil {
				nc.SetPass(r.ID(), chain)
				e.stats.Inc(stats.Stateful)
				c = nc
				defer nc.Release()
			}
		}
	}

	if pass {
		natErr = e.doNAT(snap, v, c, ifid, dir)
		if natErr != nil {
			pass = false
		}
	}

	if chain != nil {
		ctx := &rproc.Context{View: v, IfID: ifid, Dir: dir, Rule: name, Interface: e.ifname(ifid), Pass: pass}
		if !chain.Run(ctx) && pass {
			e.stats.Inc(stats.RprocDrop)
			pass = false
		}
		if ctx.Mutated {
			v.Recache()
		}
	}

	if pass {
		return VerdictPass, v.Buf(), nil
	}
	if retfl != 0 {
		e.returnBlock(v, ifid, dir, retfl)
	}
	return VerdictBlock, v.Buf(), natErr
}

func (e *Engine) ifname(ifid uint32) string {
	if e.ifaces == nil {
		return ""
	}
	return e.ifaces.Name(ifid)
}

// doNAT translates the packet through the connection's entry, or looks
// for a NAT policy and creates one.
func (e *Engine) doNAT(snap *Snapshot, v *packet.View, c *conntrack.Conn, ifid uint32, dir packet.Direction) error {
	if v.Flags()&packet.FlagIP46 == 0 || !v.Cached(packet.FlagLayer4) {
		return nil
	}
	if c != nil {
		if ne, forw := c.NAT(dir); ne != nil {
			return e.translate(v, ne, forw)
		}
	}

	p := e.natInspect(snap, v, ifid, dir)
	if p == nil {
		return nil
	}
	if p.Static() {
		return p.StaticTranslate(v)
	}

	// Without a stateful rule the connection exists for NAT only, so the
	// return traffic still goes through the ruleset.
	var ncon *conntrack.Conn
	if c == nil {
		nc, err := e.tracker.Establish(v, ifid, dir, false)
		if err != nil {
			return fmt.Errorf("nat connection: %w", err)
		}
		ncon, c = nc, nc
	}
	err := e.createNAT(v, c, p, dir)
	if ncon != nil {
		if err != nil {
			ncon.Expire()
		}
		ncon.Release()
	}
	return err
}

func (e *Engine) natInspect(snap *Snapshot, v *packet.View, ifid uint32, dir packet.Direction) *nat.Policy {
	r := snap.NAT.Inspect(&ruleset.Input{Pkt: v.Buf(), Env: env{v: v, tables: snap.Tables}, IfID: ifid, Dir: dir})
	if r == nil {
		return nil
	}
	return r.NAT()
}

func (e *Engine) createNAT(v *packet.View, c *conntrack.Conn, p *nat.Policy, dir packet.Direction) error {
	ne, err := p.Create(v, c)
	if err != nil {
		if errors.Is(err, nat.ErrPortsExhausted) {
			e.stats.Inc(stats.PortmapFail)
		}
		return err
	}
	e.algs.Match(v, ne, dir)
	if err := e.tracker.SetNAT(v, c, ne, p.Type()); err != nil {
		ne.Destroy()
		return err
	}
	return e.translate(v, ne, true)
}

func (e *Engine) translate(v *packet.View, ne *nat.Entry, forw bool) error {
	e.algs.Translate(v, ne, forw)
	return ne.Translate(v, forw)
}
