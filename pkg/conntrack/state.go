package conntrack

import (
	"time"

	"github.com/psaab/flowfw/pkg/packet"
	"github.com/psaab/flowfw/pkg/stats"
)

// Generic connection states, used for UDP and ICMP.
const (
	GenericClosed uint8 = iota
	GenericNew
	GenericEstablished

	genericStates
)

var genericFSM = [genericStates][2]uint8{
	GenericClosed:      {GenericNew, GenericClosed},
	GenericNew:         {GenericNew, GenericEstablished},
	GenericEstablished: {GenericEstablished, GenericEstablished},
}

var genericNames = [genericStates]string{"closed", "new", "established"}

// TCPEnd is the window tracking state of one side of a TCP connection.
type TCPEnd struct {
	End    uint32 `json:"end"`
	MaxEnd uint32 `json:"max_end"`
	MaxWin uint32 `json:"max_win"`
	WScale uint8  `json:"wscale"`
}

// State is the protocol state of a connection. Index 0 of TCP is the
// side that sent the first packet.
type State struct {
	State uint8     `json:"state"`
	TCP   [2]TCPEnd `json:"tcp,omitempty"`
}

// Params tunes state tracking.
type Params struct {
	// StrictOrderRST rejects a RST whose sequence number lags the
	// sender's end by more than one.
	StrictOrderRST  bool
	GenericTimeouts [genericStates]time.Duration
	TCPTimeouts     [tcpStates]time.Duration
}

// DefaultParams returns the default timeouts with strict RST ordering.
func DefaultParams() Params {
	return Params{
		StrictOrderRST: true,
		GenericTimeouts: [genericStates]time.Duration{
			GenericClosed:      0,
			GenericNew:         30 * time.Second,
			GenericEstablished: 60 * time.Second,
		},
		TCPTimeouts: [tcpStates]time.Duration{
			TCPClosed:      0,
			TCPSynSent:     30 * time.Second,
			TCPSimSynSent:  30 * time.Second,
			TCPSynReceived: 60 * time.Second,
			TCPEstablished: 24 * time.Hour,
			TCPFinSent:     240 * time.Second,
			TCPFinReceived: 240 * time.Second,
			TCPCloseWait:   6 * time.Hour,
			TCPFinWait:     6 * time.Hour,
			TCPClosing:     30 * time.Second,
			TCPLastAck:     30 * time.Second,
			TCPTimeWait:    240 * time.Second,
		},
	}
}

// StateName returns the name of state s of protocol proto.
func StateName(proto, s uint8) string {
	if proto == packet.ProtoTCP {
		if s < tcpStates {
			return tcpNames[s]
		}
	} else if s < genericStates {
		return genericNames[s]
	}
	return "unknown"
}

// ParseStateName resolves a state name for proto.
func ParseStateName(proto uint8, name string) (uint8, bool) {
	names := genericNames[:]
	if proto == packet.ProtoTCP {
		names = tcpNames[:]
	}
	for i, n := range names {
		if n == name {
			return uint8(i), true
		}
	}
	return 0, false
}

func (p *Params) timeout(proto, s uint8) time.Duration {
	if proto == packet.ProtoTCP {
		if s < tcpStates {
			return p.TCPTimeouts[s]
		}
		return 0
	}
	if s < genericStates {
		return p.GenericTimeouts[s]
	}
	return 0
}

func flowIndex(forw bool) int {
	if forw {
		return 0
	}
	return 1
}

// init sets up the state from the first packet.
func (st *State) init(v *packet.View, p *Params, sc *stats.Set) bool {
	*st = State{}
	return st.inspect(v, true, p, sc)
}

// inspect advances the state with a packet of the given flow.
func (st *State) inspect(v *packet.View, forw bool, p *Params, sc *stats.Set) bool {
	switch v.Proto() {
	case packet.ProtoTCP:
		return st.tcp(v, flowIndex(forw), p, sc)
	case packet.ProtoUDP, packet.ProtoICMP, packet.ProtoICMPv6:
		st.State = genericFSM[st.State][flowIndex(forw)]
		return true
	}
	return false
}
