// Package config loads the YAML description of the filter, validates it
// and builds it into a dataplane snapshot.
package config

import "time"

// Rule actions.
const (
	ActionPass  = "pass"
	ActionBlock = "block"
)

// Config is the complete configuration file.
type Config struct {
	Daemon DaemonConfig `yaml:"daemon"`
	Params ParamsConfig `yaml:"params,omitempty"`

	// Default is the action for packets no rule matches.
	Default  string             `yaml:"default,omitempty"`
	Services map[string]Service `yaml:"services,omitempty"`
	Tables   []TableConfig      `yaml:"tables,omitempty"`
	Procs    []ProcConfig       `yaml:"procs,omitempty"`
	Rules    []RuleConfig       `yaml:"rules,omitempty"`
	NAT      []NATConfig        `yaml:"nat,omitempty"`
}

// DaemonConfig holds settings that are read once at startup. A reload
// ignores changes to them.
type DaemonConfig struct {
	LogLevel  string   `yaml:"log_level,omitempty"`
	Syslog    []string `yaml:"syslog,omitempty"`
	HTTPAddr  string   `yaml:"http_addr,omitempty"`
	HTTPSAddr string   `yaml:"https_addr,omitempty"`
	// APIKeys and Users enable authentication on the HTTP API.
	APIKeys      []string          `yaml:"api_keys,omitempty"`
	Users        map[string]string `yaml:"users,omitempty"`
	GRPCAddr     string            `yaml:"grpc_addr,omitempty"`
	Queues       []QueueConfig     `yaml:"queues,omitempty"`
	GCInterval   time.Duration     `yaml:"gc_interval,omitempty"`
	DrainTimeout time.Duration     `yaml:"drain_timeout,omitempty"`
	// StateFile keeps connections across restarts when set.
	StateFile   string `yaml:"state_file,omitempty"`
	PortMin     uint16 `yaml:"port_min,omitempty"`
	PortMax     uint16 `yaml:"port_max,omitempty"`
	EventBuffer int    `yaml:"event_buffer,omitempty"`

	FlowExport *FlowExportConfig `yaml:"flow_export,omitempty"`
}

// FlowExportConfig sends NetFlow v9 records of finished connections.
type FlowExportConfig struct {
	// Collectors are "host:port" UDP destinations.
	Collectors      []string      `yaml:"collectors"`
	SourceAddress   string        `yaml:"source_address,omitempty"`
	TemplateRefresh time.Duration `yaml:"template_refresh,omitempty"`
	// SampleRate exports one in N connections; 0 or 1 exports all.
	SampleRate int `yaml:"sample_rate,omitempty"`
}

// QueueConfig binds an NFQUEUE number to a direction.
type QueueConfig struct {
	Num       uint16 `yaml:"num"`
	Direction string `yaml:"direction"`
}

// ParamsConfig tunes connection tracking.
type ParamsConfig struct {
	StrictOrderRST *bool `yaml:"strict_order_rst,omitempty"`
	// Timeouts maps "generic" or "tcp" to per-state timeouts.
	Timeouts map[string]map[string]time.Duration `yaml:"timeouts,omitempty"`
}

// TableConfig declares an address table.
type TableConfig struct {
	Name    string   `yaml:"name"`
	Type    string   `yaml:"type,omitempty"`
	Entries []string `yaml:"entries,omitempty"`
}

// ProcConfig declares a rule procedure: a chain of extension calls.
type ProcConfig struct {
	Name  string     `yaml:"name"`
	Steps []ProcStep `yaml:"steps"`
}

// ProcStep is one extension call of a procedure.
type ProcStep struct {
	Ext    string            `yaml:"ext"`
	Params map[string]string `yaml:"params,omitempty"`
}

// RuleConfig is a rule, or a group when it has members or is dynamic.
type RuleConfig struct {
	Name      string `yaml:"name"`
	Action    string `yaml:"action,omitempty"`
	Stateful  bool   `yaml:"stateful,omitempty"`
	Final     bool   `yaml:"final,omitempty"`
	Direction string `yaml:"direction,omitempty"`
	Interface string `yaml:"interface,omitempty"`
	// MultiIfs makes a stateful rule's connections match on any interface.
	MultiIfs bool        `yaml:"multi_interface,omitempty"`
	Return   string      `yaml:"return,omitempty"`
	Priority int32       `yaml:"priority,omitempty"`
	Key      string      `yaml:"key,omitempty"`
	Proc     string      `yaml:"proc,omitempty"`
	Match    MatchConfig `yaml:"match,omitempty"`

	Dynamic bool         `yaml:"dynamic,omitempty"`
	Rules   []RuleConfig `yaml:"rules,omitempty"`
}

// IsGroup reports whether r heads a group.
func (r *RuleConfig) IsGroup() bool { return r.Dynamic || len(r.Rules) > 0 }

// MatchConfig selects packets.
type MatchConfig struct {
	Family   int            `yaml:"family,omitempty"`
	Proto    string         `yaml:"proto,omitempty"`
	Service  string         `yaml:"service,omitempty"`
	Src      EndpointConfig `yaml:"src,omitempty"`
	Dst      EndpointConfig `yaml:"dst,omitempty"`
	TCPFlags string         `yaml:"tcp_flags,omitempty"`
	ICMPType *uint8         `yaml:"icmp_type,omitempty"`
	ICMPCode *uint8         `yaml:"icmp_code,omitempty"`
}

// EndpointConfig selects one side of a packet.
type EndpointConfig struct {
	// Nets holds prefixes, addresses or "a-b" ranges.
	Nets  []string `yaml:"nets,omitempty"`
	Table string   `yaml:"table,omitempty"`
	Ports []string `yaml:"ports,omitempty"`
	Not   bool     `yaml:"not,omitempty"`
}

// NATConfig is a NAT rule together with its policy.
type NATConfig struct {
	Name      string      `yaml:"name"`
	Type      string      `yaml:"type"`
	Interface string      `yaml:"interface,omitempty"`
	Final     bool        `yaml:"final,omitempty"`
	Match     MatchConfig `yaml:"match,omitempty"`

	Static    bool   `yaml:"static,omitempty"`
	Algo      string `yaml:"algo,omitempty"`
	TransNet  string `yaml:"trans_net"`
	TransPort uint16 `yaml:"trans_port,omitempty"`
	OrigNet   string `yaml:"orig_net,omitempty"`
	Ports     bool   `yaml:"ports,omitempty"`
	PortMap   bool   `yaml:"portmap,omitempty"`
}
