package conntrack

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/psaab/flowfw/pkg/stats"
	"golang.org/x/sys/unix"
)

// DefaultGCInterval is the sweep period used when none is configured.
const DefaultGCInterval = time.Second

const (
	drainRetries = 500
	drainPause   = 10 * time.Millisecond
)

// ErrDrainTimeout is returned when referenced connections outlive Drain.
var ErrDrainTimeout = errors.New("conntrack: connections still referenced after drain")

// GC expires idle connections and frees removed ones once nothing
// references them.
type GC struct {
	t        *Tracker
	interval time.Duration

	mu     sync.Mutex
	conns  []*Conn
	onFlow FlowFunc
}

// NewGC creates a collector for the tracker.
func NewGC(t *Tracker, interval time.Duration) *GC {
	if interval <= 0 {
		interval = DefaultGCInterval
	}
	return &GC{t: t, interval: interval}
}

// Run sweeps every interval until ctx is cancelled.
func (gc *GC) Run(ctx context.Context) {
	slog.Info("conntrack GC started", "interval", gc.interval)
	ticker := time.NewTicker(gc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("conntrack GC stopped")
			return
		case <-ticker.C:
			gc.Sweep(false)
		}
	}
}

// Len returns the number of connections the collector holds.
func (gc *GC) Len() int {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	return len(gc.conns)
}

// Sweep runs one collection pass. With flush set every connection is
// expired. It returns the number of connections destroyed.
func (gc *GC) Sweep(flush bool) int {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	t := gc.t
	for c := t.db.takeNew(); c != nil; {
		next := c.gcNext
		c.gcNext = nil
		gc.conns = append(gc.conns, c)
		c = next
	}

	now := t.now()
	p := t.params.Load()
	var expired, destroyed int
	live := gc.conns[:0]
	for _, c := range gc.conns {
		if c.flags.Load()&FlagRemoved == 0 && (flush || gc.expired(c, now, p)) {
			c.flags.Or(FlagExpire)
			c.mu.Lock()
			t.db.removeConn(c.fwd, c)
			t.db.removeConn(c.bck, c)
			c.mu.Unlock()
			c.flags.Or(FlagRemoved)
			expired++
		}
		if c.flags.Load()&FlagRemoved == 0 || c.refs.Load() > 0 {
			live = append(live, c)
			continue
		}
		gc.destroy(c)
		destroyed++
	}
	clear(gc.conns[len(live):])
	gc.conns = live

	if expired > 0 || destroyed > 0 {
		slog.Debug("conntrack GC sweep",
			"live", len(gc.conns),
			"expired", expired,
			"destroyed", destroyed)
	}
	return destroyed
}

func (gc *GC) expired(c *Conn, now int64, p *Params) bool {
	if c.flags.Load()&FlagExpire != 0 {
		return true
	}
	c.mu.Lock()
	to := p.timeout(c.proto, c.state.State)
	c.mu.Unlock()
	return time.Duration(now-c.atime.Load()) > to
}

func (gc *GC) destroy(c *Conn) {
	if gc.onFlow != nil {
		if f, ok := gc.flow(c); ok {
			gc.onFlow(f)
		}
	}
	c.mu.Lock()
	e := c.nat
	c.nat = nil
	c.mu.Unlock()
	if e != nil {
		e.Destroy()
		gc.t.stats.Inc(stats.NATDestroy)
	}
	if chain := c.procs.Swap(nil); chain != nil {
		chain.Release()
	}
	gc.t.stats.Inc(stats.ConnDestroy)
}

// Drain expires every connection and waits until all are destroyed.
func (gc *GC) Drain(ctx context.Context) error {
	for i := 0; i < drainRetries; i++ {
		gc.Sweep(true)
		if gc.Len() == 0 && gc.t.db.Len() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(drainPause):
		}
	}
	slog.Warn("conntrack drain incomplete", "remaining", gc.Len())
	return ErrDrainTimeout
}

// monotonicNanos returns CLOCK_MONOTONIC in nanoseconds.
func monotonicNanos() int64 {
	var ts unix.Timespec
	_ = unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts)
	return ts.Nano()
}
