package nat

import (
	"fmt"
	"net/netip"
	"sync"

	"github.com/psaab/flowfw/pkg/packet"
)

// Entry is the translation of one flow. It belongs to a connection and is
// destroyed with it.
type Entry struct {
	policy *Policy
	owner  Owner

	oaddr netip.Addr
	oport uint16
	taddr netip.Addr
	tport uint16
	pm    *Portmap

	// ALG association, set when an ALG claims the entry.
	alg    string
	algArg any

	destroy sync.Once
}

func (e *Entry) Policy() *Policy       { return e.policy }
func (e *Entry) OrigAddr() netip.Addr  { return e.oaddr }
func (e *Entry) OrigPort() uint16      { return e.oport }
func (e *Entry) TransAddr() netip.Addr { return e.taddr }
func (e *Entry) TransPort() uint16     { return e.tport }

// SetOwner replaces the owner. Used when the owning connection is created
// after the entry.
func (e *Entry) SetOwner(o Owner) {
	e.policy.mu.Lock()
	e.owner = o
	e.policy.mu.Unlock()
}

// SetALG associates the entry with a named ALG.
func (e *Entry) SetALG(name string, arg any) {
	e.alg, e.algArg = name, arg
}

// ALG returns the ALG association.
func (e *Entry) ALG() (string, any) { return e.alg, e.algArg }

// AllocPort gives the entry a translation port from the policy, for
// protocols whose identifier is not translated by default (ICMP query IDs).
func (e *Entry) AllocPort() error {
	p := e.policy
	if p.desc.Flags&FlagPorts == 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if e.tport != 0 {
		return nil
	}
	return p.allocPortLocked(e)
}

// Translate rewrites the packet for the given flow direction: forward
// packets get the translation, backward packets get the original back.
func (e *Entry) Translate(v *packet.View, forw bool) error {
	w := which(e.policy.desc.Type, forw)
	addr, port := e.taddr, e.tport
	if !forw {
		addr, port = e.oaddr, e.oport
	}
	if err := v.RewriteAddr(w, addr); err != nil {
		return fmt.Errorf("nat: rewrite %s address: %w", w, err)
	}
	if e.tport == 0 {
		return nil
	}
	if !v.Cached(packet.FlagTCP) && !v.Cached(packet.FlagUDP) && !v.Cached(packet.FlagICMPID) {
		return nil
	}
	if err := v.RewritePort(w, port); err != nil {
		return fmt.Errorf("nat: rewrite %s port: %w", w, err)
	}
	return nil
}

// Destroy returns the translation port and unlinks the entry from its
// policy. It is safe to call more than once.
func (e *Entry) Destroy() {
	e.destroy.Do(func() {
		if e.pm != nil {
			e.pm.Put(e.tport)
		}
		e.policy.unlink(e)
	})
}

func (e *Entry) String() string {
	return fmt.Sprintf("%s:%d -> %s:%d", e.oaddr, e.oport, e.taddr, e.tport)
}
