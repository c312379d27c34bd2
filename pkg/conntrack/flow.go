package conntrack

import (
	"time"

	"github.com/psaab/flowfw/pkg/packet"
)

// Flow summarizes a connection when the collector destroys it.
type Flow struct {
	Forward  Key
	Backward Key
	IfID     uint32
	Dir      packet.Direction
	Pass     bool
	RuleID   uint64
	// Packets and Bytes are indexed forward then backward.
	Packets [2]uint64
	Bytes   [2]uint64
	// Duration runs from the first to the last packet.
	Duration time.Duration
	// End is the wall time of the last packet.
	End time.Time
	NAT *NATInfo
}

// FlowFunc receives destroyed connections. It runs on the collector and
// must not block.
type FlowFunc func(Flow)

// SetFlowFunc installs fn to be called for every destroyed connection
// that saw traffic. A nil fn disables the callback.
func (gc *GC) SetFlowFunc(fn FlowFunc) {
	gc.mu.Lock()
	gc.onFlow = fn
	gc.mu.Unlock()
}

// flow builds the summary of c. The caller holds gc.mu.
func (gc *GC) flow(c *Conn) (Flow, bool) {
	pkts, bytes := c.Counters()
	if pkts[0]+pkts[1] == 0 {
		return Flow{}, false
	}
	atime := c.atime.Load()
	c.mu.Lock()
	f := Flow{
		Forward:  c.fwd,
		Backward: c.bck,
		IfID:     c.ifid,
		Dir:      c.dir,
		Pass:     c.Pass(),
		RuleID:   c.RuleID(),
		Packets:  pkts,
		Bytes:    bytes,
		Duration: time.Duration(atime - c.ctime),
		End:      time.Now().Add(-time.Duration(gc.t.now() - atime)),
		NAT:      natInfo(c.nat),
	}
	c.mu.Unlock()
	return f, true
}
