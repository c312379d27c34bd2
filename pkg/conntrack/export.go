package conntrack

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/psaab/flowfw/pkg/nat"
	"github.com/psaab/flowfw/pkg/packet"
	"github.com/psaab/flowfw/pkg/stats"
)

// NATInfo describes the translation of an exported connection.
type NATInfo struct {
	PolicyID  uint32     `json:"policy_id"`
	OrigAddr  netip.Addr `json:"orig_addr"`
	OrigPort  uint16     `json:"orig_port,omitempty"`
	TransAddr netip.Addr `json:"trans_addr"`
	TransPort uint16     `json:"trans_port,omitempty"`
}

// Info is the exported form of a connection.
type Info struct {
	Forward  Key              `json:"forward"`
	Backward Key              `json:"backward"`
	IfID     uint32           `json:"ifid,omitempty"`
	Dir      packet.Direction `json:"dir"`
	Pass     bool             `json:"pass"`
	RuleID   uint64           `json:"rule_id,omitempty"`
	State    State            `json:"state"`
	Idle     time.Duration    `json:"idle"`
	NAT      *NATInfo         `json:"nat,omitempty"`
}

// StateName returns the state as text.
func (i Info) StateName() string { return StateName(i.Forward.Proto, i.State.State) }

func natInfo(e *nat.Entry) *NATInfo {
	if e == nil {
		return nil
	}
	return &NATInfo{
		PolicyID:  e.Policy().ID(),
		OrigAddr:  e.OrigAddr(),
		OrigPort:  e.OrigPort(),
		TransAddr: e.TransAddr(),
		TransPort: e.TransPort(),
	}
}

// PolicyResolver maps a NAT policy ID to the live policy.
type PolicyResolver func(id uint32) *nat.Policy

// Export returns every active connection.
func (t *Tracker) Export() []Info {
	now := t.now()
	var out []Info
	t.db.forEach(func(c *Conn) bool {
		if !c.usable() {
			return true
		}
		c.mu.Lock()
		i := Info{
			Forward:  c.fwd,
			Backward: c.bck,
			IfID:     c.ifid,
			Dir:      c.dir,
			Pass:     c.Pass(),
			RuleID:   c.RuleID(),
			State:    c.state,
			Idle:     time.Duration(now - c.atime.Load()),
		}
		i.NAT = natInfo(c.nat)
		c.mu.Unlock()
		out = append(out, i)
		return true
	})
	return out
}

// Import recreates connections from their exported form. Connections
// whose policy cannot be resolved or whose keys are taken are skipped
// and reported in the returned error.
func (t *Tracker) Import(infos []Info, resolve PolicyResolver) (int, error) {
	now := t.now()
	var errs []error
	n := 0
	for _, i := range infos {
		if err := t.importOne(i, resolve, now); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", i.Forward, err))
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

func (t *Tracker) importOne(i Info, resolve PolicyResolver, now int64) error {
	if i.Forward.Proto != i.Backward.Proto || !i.Forward.Src.IsValid() || !i.Backward.Src.IsValid() {
		return ErrUntrackable
	}
	c := &Conn{proto: i.Forward.Proto, ifid: i.IfID, dir: i.Dir, fwd: i.Forward, bck: i.Backward, state: i.State}
	c.ctime = now - int64(i.Idle)
	c.atime.Store(c.ctime)
	if i.Pass {
		c.SetPass(i.RuleID, nil)
	}

	if i.NAT != nil {
		var p *nat.Policy
		if resolve != nil {
			p = resolve(i.NAT.PolicyID)
		}
		if p == nil {
			return fmt.Errorf("unknown NAT policy %d", i.NAT.PolicyID)
		}
		e, err := p.Restore(i.NAT.OrigAddr, i.NAT.OrigPort, i.NAT.TransAddr, i.NAT.TransPort, c)
		if err != nil {
			return err
		}
		c.nat = e
	}

	if !t.db.Insert(c.fwd, c, true) {
		if c.nat != nil {
			c.nat.Destroy()
		}
		return ErrRace
	}
	if c.bck != c.fwd && !t.db.Insert(c.bck, c, false) {
		t.db.removeConn(c.fwd, c)
		if c.nat != nil {
			c.nat.Destroy()
		}
		return ErrRace
	}
	c.flags.Or(FlagActive)
	t.db.enqueue(c)
	t.stats.Inc(stats.ConnCreate)
	return nil
}
