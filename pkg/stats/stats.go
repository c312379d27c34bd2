// Package stats keeps the engine counters, sharded to keep concurrent
// packet handlers off each other's cache lines.
package stats

import (
	"fmt"
	"math/rand/v2"
	"runtime"
	"sync/atomic"
)

// Counter names a statistic.
type Counter int

const (
	PassDefault Counter = iota
	PassRuleset
	PassConn
	BlockDefault
	BlockRuleset
	Stateful
	ConnCreate
	ConnDestroy
	NATCreate
	NATDestroy
	InvalidState
	InvalidStateTCP1
	InvalidStateTCP2
	InvalidStateTCP3
	RaceConn
	RaceNAT
	Fragments
	ReassemblyFail
	Error
	ReturnRST
	ReturnICMP
	RprocDrop
	PortmapFail

	NumCounters
)

var names = [NumCounters]string{
	PassDefault:      "pass_default",
	PassRuleset:      "pass_ruleset",
	PassConn:         "pass_conn",
	BlockDefault:     "block_default",
	BlockRuleset:     "block_ruleset",
	Stateful:         "stateful",
	ConnCreate:       "conn_create",
	ConnDestroy:      "conn_destroy",
	NATCreate:        "nat_create",
	NATDestroy:       "nat_destroy",
	InvalidState:     "invalid_state",
	InvalidStateTCP1: "invalid_state_tcp1",
	InvalidStateTCP2: "invalid_state_tcp2",
	InvalidStateTCP3: "invalid_state_tcp3",
	RaceConn:         "race_conn",
	RaceNAT:          "race_nat",
	Fragments:        "fragments",
	ReassemblyFail:   "reassembly_fail",
	Error:            "error",
	ReturnRST:        "return_rst",
	ReturnICMP:       "return_icmp",
	RprocDrop:        "rproc_drop",
	PortmapFail:      "portmap_fail",
}

func (c Counter) String() string {
	if c >= 0 && c < NumCounters {
		return names[c]
	}
	return fmt.Sprintf("counter(%d)", int(c))
}

// Counters returns all counters in order.
func Counters() []Counter {
	out := make([]Counter, NumCounters)
	for i := range out {
		out[i] = Counter(i)
	}
	return out
}

type shard struct {
	c [NumCounters]atomic.Uint64
	_ [64]byte
}

// Set is a sharded counter set. A nil *Set discards updates.
type Set struct {
	shards []shard
}

// New returns a set with one shard per CPU.
func New() *Set {
	return &Set{shards: make([]shard, runtime.GOMAXPROCS(0))}
}

// Inc adds one to c.
func (s *Set) Inc(c Counter) { s.Add(c, 1) }

// Add adds n to c.
func (s *Set) Add(c Counter, n uint64) {
	if s == nil {
		return
	}
	s.shards[rand.IntN(len(s.shards))].c[c].Add(n)
}

// Get returns the sum of c over all shards.
func (s *Set) Get(c Counter) uint64 {
	if s == nil {
		return 0
	}
	var n uint64
	for i := range s.shards {
		n += s.shards[i].c[c].Load()
	}
	return n
}

// Snapshot aggregates all counters.
func (s *Set) Snapshot() [NumCounters]uint64 {
	var out [NumCounters]uint64
	if s == nil {
		return out
	}
	for i := range s.shards {
		for c := range out {
			out[c] += s.shards[i].c[c].Load()
		}
	}
	return out
}

// Map returns the snapshot keyed by counter name.
func (s *Set) Map() map[string]uint64 {
	snap := s.Snapshot()
	m := make(map[string]uint64, len(snap))
	for c, v := range snap {
		m[Counter(c).String()] = v
	}
	return m
}
