// Package conntrack tracks connections across both directions of a flow
// and keeps the per-protocol state that decides whether a packet belongs
// to one.
package conntrack

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/psaab/flowfw/pkg/nat"
	"github.com/psaab/flowfw/pkg/packet"
	"github.com/psaab/flowfw/pkg/rproc"
)

// Connection flags.
const (
	FlagActive uint32 = 1 << iota
	FlagPass
	FlagExpire
	FlagRemoved
)

// Conn is a tracked connection. It is reachable through its forward and
// backward keys.
type Conn struct {
	proto uint8
	ifid  uint32
	dir   packet.Direction

	flags atomic.Uint32
	ctime int64
	atime atomic.Int64
	refs  atomic.Int32

	// Packet and byte counts, indexed forward then backward.
	pkts  [2]atomic.Uint64
	bytes [2]atomic.Uint64

	// mu guards the keys, state and NAT entry.
	mu    sync.Mutex
	fwd   Key
	bck   Key
	state State
	nat   *nat.Entry

	procs  atomic.Pointer[rproc.Chain]
	ruleID atomic.Uint64

	gcNext *Conn
}

// Proto returns the L4 protocol.
func (c *Conn) Proto() uint8 { return c.proto }

// IfID returns the interface the connection is bound to, or zero.
func (c *Conn) IfID() uint32 { return c.ifid }

// Dir returns the direction of the first packet.
func (c *Conn) Dir() packet.Direction { return c.dir }

// Flags returns the current flag set.
func (c *Conn) Flags() uint32 { return c.flags.Load() }

// Pass reports whether the connection was passed by a rule.
func (c *Conn) Pass() bool { return c.flags.Load()&FlagPass != 0 }

// Refs returns the reference count.
func (c *Conn) Refs() int32 { return c.refs.Load() }

// Keys returns the forward and backward keys.
func (c *Conn) Keys() (fwd, bck Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fwd, c.bck
}

// SetPass marks the connection as passed, recording the rule and its
// procedure chain. The chain is acquired for the life of the connection.
func (c *Conn) SetPass(ruleID uint64, chain *rproc.Chain) {
	c.ruleID.Store(ruleID)
	if chain != nil {
		chain.Acquire()
		if old := c.procs.Swap(chain); old != nil {
			old.Release()
		}
	}
	c.flags.Or(FlagPass)
}

// RuleID returns the ID of the rule that passed the connection.
func (c *Conn) RuleID() uint64 { return c.ruleID.Load() }

// Counters returns the packets and bytes seen in each direction.
func (c *Conn) Counters() (pkts, bytes [2]uint64) {
	for i := range 2 {
		pkts[i] = c.pkts[i].Load()
		bytes[i] = c.bytes[i].Load()
	}
	return pkts, bytes
}

func (c *Conn) count(forw bool, n int) {
	i := 0
	if !forw {
		i = 1
	}
	c.pkts[i].Add(1)
	c.bytes[i].Add(uint64(n))
}

// Procs returns the procedure chain, if any.
func (c *Conn) Procs() *rproc.Chain { return c.procs.Load() }

// Expire flags the connection for removal by the collector.
func (c *Conn) Expire() { c.flags.Or(FlagExpire) }

// Release drops a reference taken by a lookup.
func (c *Conn) Release() {
	if c.refs.Add(-1) < 0 {
		panic("conntrack: connection reference count below zero")
	}
}

// NAT returns the translation entry and whether dir is the direction of
// the first packet.
func (c *Conn) NAT(dir packet.Direction) (*nat.Entry, bool) {
	c.mu.Lock()
	e := c.nat
	c.mu.Unlock()
	return e, c.dir == dir
}

// State returns a copy of the protocol state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) usable() bool {
	return c.flags.Load()&(FlagActive|FlagExpire) == FlagActive
}

func (c *Conn) String() string {
	fwd, bck := c.Keys()
	return fmt.Sprintf("%s / %s flags=%#x refs=%d", fwd, bck, c.flags.Load(), c.refs.Load())
}
