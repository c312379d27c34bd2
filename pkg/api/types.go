// Package api implements the HTTP REST API and Prometheus metrics endpoint.
package api

import (
	"net/netip"
	"time"

	"github.com/psaab/flowfw/pkg/conntrack"
	"github.com/psaab/flowfw/pkg/logging"
	"github.com/psaab/flowfw/pkg/ruleset"
)

// Response is the standard JSON response envelope.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Kind    string `json:"kind,omitempty"`
}

// StatusResponse holds daemon status information.
type StatusResponse struct {
	Uptime      string    `json:"uptime"`
	SnapshotID  string    `json:"snapshot_id"`
	LoadedAt    time.Time `json:"loaded_at"`
	Rules       int       `json:"rules"`
	NATRules    int       `json:"nat_rules"`
	Tables      int       `json:"tables"`
	DefaultPass bool      `json:"default_pass"`
	Conns       int       `json:"conns"`
}

// TableInfo describes one table.
type TableInfo struct {
	Name    string   `json:"name"`
	ID      uint32   `json:"id"`
	Type    string   `json:"type"`
	Len     int      `json:"len"`
	Entries []string `json:"entries,omitempty"`
}

// TableLookupResult is the answer to a table membership query.
type TableLookupResult struct {
	Table string `json:"table"`
	Addr  string `json:"addr"`
	Match bool   `json:"match"`
}

// PrefixRequest is the body of table insert and remove requests.
type PrefixRequest struct {
	Prefix string `json:"prefix"`
}

// RuleEntry holds a single rule.
type RuleEntry struct {
	ID       uint64      `json:"id,omitempty"`
	Name     string      `json:"name"`
	Key      string      `json:"key,omitempty"`
	Priority int32       `json:"priority,omitempty"`
	Attr     string      `json:"attr"`
	IfID     uint32      `json:"ifid,omitempty"`
	NAT      uint32      `json:"nat_policy,omitempty"`
	Members  []RuleEntry `json:"members,omitempty"`
}

func ruleEntry(r *ruleset.Rule) RuleEntry {
	e := RuleEntry{
		ID:       r.ID(),
		Name:     r.Name(),
		Key:      r.Key(),
		Priority: r.Priority(),
		Attr:     r.Attr().String(),
		IfID:     r.IfID(),
	}
	if p := r.NAT(); p != nil {
		e.NAT = p.ID()
	}
	return e
}

// ConnEntry holds a single connection table entry.
type ConnEntry struct {
	Proto     string `json:"proto"`
	Forward   string `json:"forward"`
	Backward  string `json:"backward"`
	Direction string `json:"direction"`
	IfID      uint32 `json:"ifid,omitempty"`
	State     string `json:"state"`
	Pass      bool   `json:"pass"`
	RuleID    uint64 `json:"rule_id,omitempty"`
	Idle      string `json:"idle"`
	NAT       string `json:"nat,omitempty"`
}

func connEntry(i conntrack.Info) ConnEntry {
	e := ConnEntry{
		Proto:     logging.ProtoName(i.Forward.Proto),
		Forward:   i.Forward.String(),
		Backward:  i.Backward.String(),
		Direction: i.Dir.String(),
		IfID:      i.IfID,
		State:     i.StateName(),
		Pass:      i.Pass,
		RuleID:    i.RuleID,
		Idle:      i.Idle.Truncate(time.Second).String(),
	}
	if n := i.NAT; n != nil {
		e.NAT = netip.AddrPortFrom(n.OrigAddr, n.OrigPort).String() + " -> " +
			netip.AddrPortFrom(n.TransAddr, n.TransPort).String()
	}
	return e
}

// ConnSummary counts connections by protocol and state.
type ConnSummary struct {
	Total   int            `json:"total"`
	ByProto map[string]int `json:"by_proto"`
	ByState map[string]int `json:"by_state"`
	NAT     int            `json:"nat"`
}

// QueueStats holds counters of one packet queue.
type QueueStats struct {
	Num       uint16 `json:"num"`
	Direction string `json:"direction"`
	Received  uint64 `json:"received"`
	Dropped   uint64 `json:"dropped"`
	Errors    uint64 `json:"errors"`
}

// EventEntry is a rule procedure event sent over the event stream.
type EventEntry struct {
	Time      string `json:"time"`
	Type      string `json:"type"`
	Rule      string `json:"rule,omitempty"`
	Interface string `json:"interface,omitempty"`
	Direction string `json:"direction,omitempty"`
	SrcAddr   string `json:"src_addr"`
	DstAddr   string `json:"dst_addr"`
	Protocol  string `json:"protocol"`
	Action    string `json:"action"`
	NATAddr   string `json:"nat_addr,omitempty"`
	Length    int    `json:"length,omitempty"`
}
