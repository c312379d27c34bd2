package conntrack

import (
	"github.com/psaab/flowfw/pkg/packet"
	"github.com/psaab/flowfw/pkg/stats"
)

// TCP connection states.
const (
	TCPClosed uint8 = iota
	TCPSynSent
	TCPSimSynSent
	TCPSynReceived
	TCPEstablished
	TCPFinSent
	TCPFinReceived
	TCPCloseWait
	TCPFinWait
	TCPClosing
	TCPLastAck
	TCPTimeWait

	tcpStates
)

var tcpNames = [tcpStates]string{
	"closed", "syn-sent", "simsyn-sent", "syn-received", "established",
	"fin-sent", "fin-received", "close-wait", "fin-wait", "closing",
	"last-ack", "time-wait",
}

// Flag classes of a segment.
const (
	tcpInvalid = iota
	tcpSyn
	tcpSynAck
	tcpAck
	tcpFin

	tcpClasses
)

// tcpOK keeps the current state.
const tcpOK = 0xff

// maxAckWin bounds the acknowledgement skew, before window scaling.
const maxAckWin = 66000

// tcpFSM[state][flow][class] is the next state. Missing transitions are
// zero, which is TCPClosed.
var tcpFSM = [tcpStates][2][tcpClasses]uint8{
	TCPClosed: {
		{tcpSyn: TCPSynSent},
	},
	TCPSynSent: {
		{tcpSyn: tcpOK},
		{tcpSynAck: TCPSynReceived, tcpSyn: TCPSimSynSent},
	},
	TCPSimSynSent: {
		{tcpSyn: tcpOK, tcpSynAck: TCPSynReceived},
		{tcpSyn: tcpOK, tcpSynAck: TCPSynReceived},
	},
	TCPSynReceived: {
		{tcpAck: TCPEstablished, tcpFin: TCPFinSent},
		{tcpSynAck: tcpOK, tcpAck: tcpOK, tcpFin: TCPFinReceived},
	},
	TCPEstablished: {
		{tcpAck: tcpOK, tcpFin: TCPFinSent},
		{tcpAck: tcpOK, tcpFin: TCPFinReceived},
	},
	TCPFinSent: {
		{tcpAck: tcpOK, tcpFin: tcpOK},
		{tcpAck: TCPFinWait, tcpFin: TCPClosing},
	},
	TCPFinReceived: {
		{tcpAck: TCPCloseWait, tcpFin: TCPClosing},
		{tcpAck: tcpOK, tcpFin: tcpOK},
	},
	TCPCloseWait: {
		{tcpAck: tcpOK, tcpFin: TCPLastAck},
		{tcpAck: tcpOK, tcpFin: TCPLastAck},
	},
	TCPFinWait: {
		{tcpAck: tcpOK, tcpFin: TCPLastAck},
		{tcpAck: tcpOK, tcpFin: TCPLastAck},
	},
	TCPClosing: {
		{tcpAck: TCPLastAck},
		{tcpAck: TCPLastAck},
	},
	TCPLastAck: {
		{tcpAck: TCPTimeWait},
		{tcpAck: TCPTimeWait},
	},
	TCPTimeWait: {
		// RFC 1122 allows the connection to be reopened.
		{tcpSyn: TCPSynSent},
	},
}

func tcpClass(fl uint8) int {
	switch fl & (packet.TCPSyn | packet.TCPFin | packet.TCPAck) {
	case packet.TCPSyn:
		return tcpSyn
	case packet.TCPSyn | packet.TCPAck:
		return tcpSynAck
	case packet.TCPAck:
		return tcpAck
	case packet.TCPFin, packet.TCPFin | packet.TCPAck:
		return tcpFin
	}
	return tcpInvalid
}

func seqLEQ(a, b uint32) bool { return int32(a-b) <= 0 }
func seqGT(a, b uint32) bool  { return int32(a-b) > 0 }
func seqGEQ(a, b uint32) bool { return int32(a-b) >= 0 }

func (st *State) tcp(v *packet.View, flow int, p *Params, sc *stats.Set) bool {
	th, ok := v.TCP()
	if !ok {
		return false
	}
	fl := th.Flags()

	var next uint8
	switch {
	case fl&packet.TCPRst == 0:
		next = tcpFSM[st.State][flow][tcpClass(fl)]
	case st.State == TCPTimeWait:
		// RFC 1337: no TIME-WAIT assassination.
		next = tcpOK
	default:
		next = TCPClosed
	}

	if !st.inWindow(th, flow, p, sc) {
		return false
	}
	if next != tcpOK {
		st.State = next
	}
	return true
}

// inWindow checks the segment against the sequence and acknowledgement
// bounds of both sides. The ends are only updated when it passes.
func (st *State) inWindow(th packet.TCP, flow int, p *Params, sc *stats.Set) bool {
	fl := th.Flags()
	seq, ack := th.Seq(), th.Ack()
	end := seq + uint32(len(th)-th.HeaderLen())
	if fl&packet.TCPSyn != 0 {
		end++
	}
	if fl&packet.TCPFin != 0 {
		end++
	}

	fs, ts := st.TCP[flow], st.TCP[1-flow]
	win := uint32(th.Window())

	if fs.MaxWin == 0 {
		// First packet of the connection.
		if win == 0 {
			win = 1
		}
		fs = TCPEnd{End: end, MaxEnd: end, MaxWin: win}
		if ws, ok := th.WindowScale(); ok {
			fs.WScale = ws
		}
		st.TCP[flow] = fs
		st.TCP[1-flow] = TCPEnd{MaxWin: 1}
		return true
	}

	if win == 0 {
		win = 1
	} else if fl&packet.TCPSyn == 0 {
		win <<= fs.WScale
	}

	if fs.End == 0 {
		// Reply to the first SYN, or a pickup in the middle.
		fs = TCPEnd{End: end, MaxEnd: end + 1, MaxWin: win}
		if fl&packet.TCPSyn != 0 {
			if ws, ok := th.WindowScale(); ok {
				fs.WScale = ws
			} else {
				ts.WScale = 0
			}
		}
	}

	switch {
	case fl&packet.TCPAck == 0:
		ack = ts.End
	case fl&packet.TCPRst != 0 && ack == 0:
		ack = ts.End
	}

	if fl&packet.TCPRst != 0 {
		if seq == 0 && st.State == TCPSynSent {
			seq, end = fs.End, fs.End
		}
		if p.StrictOrderRST && fs.End-seq > 1 {
			return false
		}
	}

	// I: data must not go past the window seen from the other side.
	if !seqLEQ(end, fs.MaxEnd) {
		sc.Inc(stats.InvalidStateTCP1)
		return false
	}
	// II: no more than one window back.
	if !seqGEQ(seq, fs.End-ts.MaxWin) {
		sc.Inc(stats.InvalidStateTCP2)
		return false
	}
	// III, IV: acknowledgements within one window either way.
	skew := int64(int32(ts.End - ack))
	if skew < -maxAckWin || skew > int64(maxAckWin)<<fs.WScale {
		sc.Inc(stats.InvalidStateTCP3)
		return false
	}

	if skew < 0 {
		ts.End = ack
	}
	if fs.MaxWin < win {
		fs.MaxWin = win
	}
	if seqGT(end, fs.End) {
		fs.End = end
	}
	if seqGEQ(ack+win, ts.MaxEnd) {
		ts.MaxEnd = ack + win
	}
	st.TCP[flow], st.TCP[1-flow] = fs, ts
	return true
}
