package rproc

import (
	"fmt"
	"math/rand/v2"
	"net/netip"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/psaab/flowfw/pkg/logging"
	"github.com/psaab/flowfw/pkg/packet"
)

// Built-in extension names.
const (
	ExtLog       = "log"
	ExtNormalize = "normalize"
	ExtRndDrop   = "rnd-drop"
)

// RegisterBuiltins adds the log, normalize and rnd-drop extensions. Log
// events go to events.
func RegisterBuiltins(r *Registry, events *logging.EventLog) error {
	if err := r.Register(ExtLog, func(params map[string]string) (Procedure, error) {
		return newLogProc(events, params)
	}); err != nil {
		return err
	}
	if err := r.Register(ExtNormalize, newNormalize); err != nil {
		return err
	}
	return r.Register(ExtRndDrop, newRndDrop)
}

// logProc records matched packets in the event log.
type logProc struct {
	events *logging.EventLog
	typ    string
}

func newLogProc(events *logging.EventLog, params map[string]string) (Procedure, error) {
	if events == nil {
		return nil, fmt.Errorf("%w: no event log", ErrBadParam)
	}
	typ := params["type"]
	if typ == "" {
		typ = "RULE_MATCH"
	}
	return &logProc{events: events, typ: typ}, nil
}

func (p *logProc) Name() string { return ExtLog }

func (p *logProc) Process(ctx *Context) bool {
	v := ctx.View
	action := "pass"
	if !ctx.Pass {
		action = "block"
	}
	rec := logging.EventRecord{
		Time:      time.Now(),
		Type:      p.typ,
		Rule:      ctx.Rule,
		Interface: ctx.Interface,
		Direction: ctx.Dir.String(),
		Protocol:  logging.ProtoName(v.Proto()),
		Action:    action,
		Length:    v.TotalLen(),
	}
	if v.Flags()&packet.FlagIP46 != 0 {
		rec.SrcAddr = endpoint(v, packet.Src)
		rec.DstAddr = endpoint(v, packet.Dst)
	}
	p.events.Record(rec)
	return true
}

func endpoint(v *packet.View, w packet.Which) string {
	addr := v.Addr(w)
	if port, ok := v.Port(w); ok && (v.Cached(packet.FlagTCP) || v.Cached(packet.FlagUDP)) {
		return netip.AddrPortFrom(addr, port).String()
	}
	return addr.String()
}

// normalize raises a low TTL or hop limit and clamps the MSS option of SYN
// segments.
type normalize struct {
	minTTL uint8
	maxMSS uint16
}

func newNormalize(params map[string]string) (Procedure, error) {
	n := &normalize{}
	if s, ok := params["min-ttl"]; ok {
		v, err := strconv.ParseUint(s, 10, 8)
		if err != nil || v == 0 {
			return nil, fmt.Errorf("%w: min-ttl %q", ErrBadParam, s)
		}
		n.minTTL = uint8(v)
	}
	if s, ok := params["max-mss"]; ok {
		v, err := strconv.ParseUint(s, 10, 16)
		if err != nil || v == 0 {
			return nil, fmt.Errorf("%w: max-mss %q", ErrBadParam, s)
		}
		n.maxMSS = uint16(v)
	}
	if n.minTTL == 0 && n.maxMSS == 0 {
		return nil, fmt.Errorf("%w: normalize needs min-ttl or max-mss", ErrBadParam)
	}
	return n, nil
}

func (n *normalize) Name() string { return ExtNormalize }

func (n *normalize) Process(ctx *Context) bool {
	v := ctx.View
	if n.minTTL != 0 && v.TTL() < n.minTTL && v.SetTTL(n.minTTL) {
		ctx.Mutated = true
	}
	if n.maxMSS == 0 {
		return true
	}
	th, ok := v.TCP()
	if !ok || th.Flags()&packet.TCPSyn == 0 {
		return true
	}
	if mss, _, ok := th.MSS(); ok && mss > n.maxMSS && v.SetMSS(n.maxMSS) {
		ctx.Mutated = true
	}
	return true
}

// rndDrop blocks a random share of the packets, or every n-th packet.
type rndDrop struct {
	percent float64
	every   uint64
	count   atomic.Uint64
}

func newRndDrop(params map[string]string) (Procedure, error) {
	r := &rndDrop{}
	if s, ok := params["percentage"]; ok {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil || v < 0 || v > 100 {
			return nil, fmt.Errorf("%w: percentage %q", ErrBadParam, s)
		}
		r.percent = v
	}
	if s, ok := params["every"]; ok {
		v, err := strconv.ParseUint(s, 10, 32)
		if err != nil || v == 0 {
			return nil, fmt.Errorf("%w: every %q", ErrBadParam, s)
		}
		r.every = v
	}
	if r.percent == 0 && r.every == 0 {
		return nil, fmt.Errorf("%w: rnd-drop needs percentage or every", ErrBadParam)
	}
	return r, nil
}

func (r *rndDrop) Name() string { return ExtRndDrop }

func (r *rndDrop) Process(ctx *Context) bool {
	drop := false
	if r.every != 0 && r.count.Add(1)%r.every == 0 {
		drop = true
	}
	if r.percent != 0 && rand.Float64()*100 < r.percent {
		drop = true
	}
	if drop {
		ctx.Pass = false
		return false
	}
	return true
}
