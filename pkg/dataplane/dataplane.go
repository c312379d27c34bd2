// Package dataplane runs packets through the connection tracker, the
// ruleset, NAT and rule procedures against the active configuration
// snapshot.
package dataplane

import (
	"context"
	"net/netip"

	"github.com/psaab/flowfw/pkg/conntrack"
	"github.com/psaab/flowfw/pkg/packet"
	"github.com/psaab/flowfw/pkg/ruleset"
	"github.com/psaab/flowfw/pkg/stats"
)

// Compile-time assertion that Engine implements Controller.
var _ Controller = (*Engine)(nil)

// Controller is the control-plane surface of the engine used by the
// HTTP and gRPC servers.
type Controller interface {
	// Packets
	HandlePacket(buf []byte, ifid uint32, dir packet.Direction) (Verdict, []byte, error)

	// Configuration
	Load(ctx context.Context, snap *Snapshot, conns []conntrack.Info) error
	Export() (*Snapshot, []conntrack.Info)
	Current() *Snapshot

	// Tables
	TableLookup(name string, addr netip.Addr) (bool, error)
	TableInsert(name string, p netip.Prefix) error
	TableRemove(name string, p netip.Prefix) error
	TableList(name string) ([]netip.Prefix, error)
	TableFlush(name string) error

	// Dynamic rules
	AddRule(group string, r *ruleset.Rule) (uint64, error)
	RemoveRule(ctx context.Context, group string, id uint64) error
	RemoveRuleByKey(ctx context.Context, group, key string) error
	ListRules(group string) ([]*ruleset.Rule, error)
	FlushRules(ctx context.Context, group string) (int, error)

	// Connections
	Conns() []conntrack.Info
	ConnCount() int
	FlushConns() int

	// Counters
	Stats() *stats.Set
}

// Sender transmits packets the engine synthesizes, such as TCP resets.
type Sender interface {
	Send(pkt []byte, ifid uint32, dir packet.Direction) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(pkt []byte, ifid uint32, dir packet.Direction) error

func (f SenderFunc) Send(pkt []byte, ifid uint32, dir packet.Direction) error {
	return f(pkt, ifid, dir)
}

// IfNamer resolves interface IDs to names for logging.
type IfNamer interface {
	Name(ifid uint32) string
}
