package conntrack

import (
	"errors"
	"sync/atomic"

	"github.com/psaab/flowfw/pkg/nat"
	"github.com/psaab/flowfw/pkg/packet"
	"github.com/psaab/flowfw/pkg/stats"
)

var (
	ErrUntrackable  = errors.New("conntrack: packet cannot be tracked")
	ErrInvalidState = errors.New("conntrack: packet does not match connection state")
	ErrRace         = errors.New("conntrack: lost insertion race")
	ErrNATExists    = errors.New("conntrack: connection already translated")
	ErrRemoved      = errors.New("conntrack: connection removed")
)

// ConnFinder maps a packet to the flow it belongs to when the packet's
// own tuple does not, such as an ICMP error quoting a tracked flow.
type ConnFinder interface {
	Conn(v *packet.View, dir packet.Direction) (packet.Tuple, bool)
}

// Tracker owns the connection store and applies the state machines.
type Tracker struct {
	db     *DB
	params atomic.Pointer[Params]
	stats  *stats.Set
	now    func() int64
}

// NewTracker returns an empty tracker. sc may be nil.
func NewTracker(p Params, sc *stats.Set) *Tracker {
	t := &Tracker{db: NewDB(DefaultShards), stats: sc, now: monotonicNanos}
	t.params.Store(&p)
	return t
}

// SetParams replaces the tuning parameters.
func (t *Tracker) SetParams(p Params) { t.params.Store(&p) }

// Params returns the tuning parameters.
func (t *Tracker) Params() Params { return *t.params.Load() }

// DB returns the connection store.
func (t *Tracker) DB() *DB { return t.db }

// Len returns the number of live keys.
func (t *Tracker) Len() int { return t.db.Len() }

// Conns returns the number of live connections.
func (t *Tracker) Conns() int { return t.db.Conns() }

func trackable(v *packet.View) bool {
	return v.Flags()&packet.FlagIP46 != 0 && v.Flags()&packet.FlagIPFrag == 0 && v.Cached(packet.FlagLayer4)
}

// Lookup finds the connection of the packet and returns it referenced,
// with forw set when the packet travels in the direction of the first.
func (t *Tracker) Lookup(v *packet.View, ifid uint32, dir packet.Direction) (*Conn, bool) {
	k, ok := KeyFromView(v, true)
	if !ok {
		return nil, false
	}
	return t.lookup(k, ifid, dir)
}

func (t *Tracker) lookup(k Key, ifid uint32, dir packet.Direction) (*Conn, bool) {
	c, forw := t.db.Lookup(k)
	if c == nil {
		return nil, false
	}
	if !c.usable() || (c.ifid != 0 && c.ifid != ifid) || forw != (c.dir == dir) {
		c.Release()
		return nil, false
	}
	c.atime.Store(t.now())
	return c, forw
}

// Inspect finds the connection of the packet and runs its state machine.
// It returns nil without error when there is no connection. A packet
// that fails the state check yields ErrInvalidState.
func (t *Tracker) Inspect(v *packet.View, ifid uint32, dir packet.Direction, algs ConnFinder) (*Conn, bool, error) {
	if !trackable(v) {
		return nil, false, nil
	}
	if algs != nil {
		if tup, ok := algs.Conn(v, dir); ok {
			if c, forw := t.lookup(Key(tup), ifid, dir); c != nil {
				return c, forw, nil
			}
		}
	}
	c, forw := t.Lookup(v, ifid, dir)
	if c == nil {
		return nil, false, nil
	}
	c.mu.Lock()
	ok := c.state.inspect(v, forw, t.params.Load(), t.stats)
	c.mu.Unlock()
	if !ok {
		c.Release()
		t.stats.Inc(stats.InvalidState)
		return nil, false, ErrInvalidState
	}
	c.count(forw, len(v.Buf()))
	return c, forw, nil
}

// Establish creates a connection for the packet and returns it with one
// reference held. A global connection is not bound to ifid.
func (t *Tracker) Establish(v *packet.View, ifid uint32, dir packet.Direction, global bool) (*Conn, error) {
	if !trackable(v) {
		return nil, ErrUntrackable
	}
	fwd, ok := KeyFromView(v, true)
	if !ok {
		return nil, ErrUntrackable
	}
	c := &Conn{proto: fwd.Proto, dir: dir, fwd: fwd, bck: fwd.Mirror()}
	if !global {
		c.ifid = ifid
	}
	c.refs.Store(1)
	c.ctime = t.now()
	c.atime.Store(c.ctime)
	if !c.state.init(v, t.params.Load(), t.stats) {
		return nil, ErrInvalidState
	}

	if !t.db.Insert(c.fwd, c, true) {
		t.stats.Inc(stats.RaceConn)
		return nil, ErrRace
	}
	var err error
	// Source equal to destination: both directions share one key.
	if c.bck != c.fwd && !t.db.Insert(c.bck, c, false) {
		t.db.removeConn(c.fwd, c)
		c.flags.Or(FlagRemoved | FlagExpire)
		c.refs.Add(-1)
		t.stats.Inc(stats.RaceConn)
		err = ErrRace
	}
	c.flags.Or(FlagActive)
	// The collector owns the connection from here, even a lost one.
	t.db.enqueue(c)
	if err != nil {
		return nil, err
	}
	c.count(true, len(v.Buf()))
	t.stats.Inc(stats.ConnCreate)
	return c, nil
}

// SetNAT attaches a translation entry and rekeys the backward direction
// to the translated address and port.
func (t *Tracker) SetNAT(v *packet.View, c *Conn, e *nat.Entry, typ nat.Type) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.flags.Load()&FlagRemoved != 0 {
		return ErrRemoved
	}
	if c.nat != nil {
		t.stats.Inc(stats.RaceNAT)
		return ErrNATExists
	}

	bck := c.bck
	if bck != c.fwd {
		t.db.removeConn(bck, c)
	}
	taddr, tport := e.TransAddr(), e.TransPort()
	if typ == nat.TypeOut {
		bck.Dst = taddr
	} else {
		bck.Src = taddr
	}
	if tport != 0 {
		switch {
		case bck.Proto == packet.ProtoICMP || bck.Proto == packet.ProtoICMPv6:
			bck.SrcID, bck.DstID = tport, tport
		case typ == nat.TypeOut:
			bck.DstID = tport
		default:
			bck.SrcID = tport
		}
	}

	if !t.db.Insert(bck, c, false) {
		t.db.removeConn(c.fwd, c)
		c.flags.Or(FlagRemoved | FlagExpire)
		t.stats.Inc(stats.RaceNAT)
		return ErrRace
	}
	c.bck = bck
	c.nat = e
	e.SetOwner(c)
	t.stats.Inc(stats.NATCreate)
	return nil
}
