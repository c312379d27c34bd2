package dataplane

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/psaab/flowfw/pkg/alg"
	"github.com/psaab/flowfw/pkg/conntrack"
	"github.com/psaab/flowfw/pkg/ebr"
	"github.com/psaab/flowfw/pkg/nat"
	"github.com/psaab/flowfw/pkg/packet"
	"github.com/psaab/flowfw/pkg/ruleset"
	"github.com/psaab/flowfw/pkg/stats"
)

// Options configures an Engine.
type Options struct {
	// Sender receives synthesized replies; nil drops them.
	Sender Sender
	// Interfaces names interfaces in rule procedure logs.
	Interfaces IfNamer
	// ALGs defaults to a registry with the ICMP ALG.
	ALGs              *alg.Registry
	GCInterval        time.Duration
	ReassemblyTimeout time.Duration
}

// Engine is the packet filter. Packets may be handled concurrently with
// each other and with reloads.
type Engine struct {
	cur     atomic.Pointer[Snapshot]
	epoch   *ebr.Domain
	tracker *conntrack.Tracker
	gc      *conntrack.GC
	algs    *alg.Registry
	reasm   *packet.Reassembler
	stats   *stats.Set
	sender  Sender
	ifaces  IfNamer

	// mu serializes configuration changes.
	mu      sync.Mutex
	retired sync.WaitGroup
}

// New returns an engine with an empty, pass-all configuration.
func New(opts Options) *Engine {
	sc := stats.New()
	algs := opts.ALGs
	if algs == nil {
		algs = alg.NewRegistry()
		_ = algs.Register(alg.ICMP{})
	}
	e := &Engine{
		epoch:   ebr.New(),
		tracker: conntrack.NewTracker(conntrack.DefaultParams(), sc),
		algs:    algs,
		reasm:   packet.NewReassembler(opts.ReassemblyTimeout),
		stats:   sc,
		sender:  opts.Sender,
		ifaces:  opts.Interfaces,
	}
	e.gc = conntrack.NewGC(e.tracker, opts.GCInterval)
	e.cur.Store(emptySnapshot())
	return e
}

// Tracker returns the connection tracker.
func (e *Engine) Tracker() *conntrack.Tracker { return e.tracker }

// GC returns the connection collector.
func (e *Engine) GC() *conntrack.GC { return e.gc }

// ALGs returns the ALG registry.
func (e *Engine) ALGs() *alg.Registry { return e.algs }

// Stats returns the engine counters.
func (e *Engine) Stats() *stats.Set { return e.stats }

// Current returns the active snapshot.
func (e *Engine) Current() *Snapshot { return e.cur.Load() }

// Run collects connections and expires stale fragments until ctx is
// cancelled.
func (e *Engine) Run(ctx context.Context) {
	go e.gc.Run(ctx)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := e.reasm.Expire(now); n > 0 {
				e.stats.Add(stats.ReassemblyFail, uint64(n))
			}
		}
	}
}

// Load makes snap the active configuration. Live table contents, dynamic
// rules and equivalent NAT policies of the current snapshot carry over.
// If conns is given, the connections are imported once snap is active.
func (e *Engine) Load(ctx context.Context, snap *Snapshot, conns []conntrack.Info) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	old := e.cur.Load()
	snap.fill()
	if snap.ID == uuid.Nil {
		snap.ID = uuid.New()
	}
	if snap.LoadedAt.IsZero() {
		snap.LoadedAt = time.Now()
	}
	migrated := snap.Tables.Reload(old.Tables)
	dropped := append(snap.Rules.Reload(old.Rules), snap.NAT.Reload(old.NAT)...)
	e.tracker.SetParams(snap.Params)

	e.cur.Store(snap)
	if err := e.epoch.Sync(ctx); err != nil {
		// Readers may still hold old, so nothing of it is released.
		slog.Error("config reload: readers did not drain", "err", err)
		return err
	}

	retired := append(ruleset.Retired(old.Rules, snap.Rules), ruleset.Retired(old.NAT, snap.NAT)...)
	for _, c := range old.Chains {
		c.Release()
	}
	for _, r := range dropped {
		if r.Procs() != nil {
			r.Procs().Release()
		}
	}
	e.retire(retired)

	slog.Info("configuration loaded",
		"id", snap.ID,
		"rules", snap.Rules.Len(),
		"nat_rules", snap.NAT.Len(),
		"tables", len(snap.Tables.Tables()),
		"tables_migrated", len(migrated),
		"nat_policies_retired", len(retired))

	if len(conns) > 0 {
		n, err := e.tracker.Import(conns, e.policyResolver(snap))
		slog.Info("connections imported", "count", n, "total", len(conns))
		if err != nil {
			slog.Warn("connection import incomplete", "err", err)
		}
	}
	return nil
}

// retire destroys NAT policies in the background. Destroy waits for the
// collector to free the connections holding their entries.
func (e *Engine) retire(policies []*nat.Policy) {
	for _, p := range policies {
		e.retired.Add(1)
		go func() {
			defer e.retired.Done()
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if err := p.Destroy(ctx); err != nil {
				slog.Warn("NAT policy drain failed", "policy", p.ID(), "entries", p.Len(), "err", err)
			}
		}()
	}
}

func (e *Engine) policyResolver(snap *Snapshot) conntrack.PolicyResolver {
	byID := make(map[uint32]*nat.Policy)
	for _, p := range snap.NAT.Policies() {
		byID[p.ID()] = p
	}
	for _, p := range snap.Rules.Policies() {
		byID[p.ID()] = p
	}
	return func(id uint32) *nat.Policy { return byID[id] }
}

// Export returns the active snapshot and its connections.
func (e *Engine) Export() (*Snapshot, []conntrack.Info) {
	g := e.epoch.Enter()
	defer e.epoch.Exit(g)
	return e.cur.Load(), e.tracker.Export()
}

// Conns returns the tracked connections.
func (e *Engine) Conns() []conntrack.Info { return e.tracker.Export() }

// ConnCount returns the number of tracked connections.
func (e *Engine) ConnCount() int { return e.tracker.Conns() }

// FlushConns expires every connection and runs a collection pass.
func (e *Engine) FlushConns() int {
	return e.gc.Sweep(true)
}

// Shutdown drains all connections and destroys the NAT policies of the
// active snapshot.
func (e *Engine) Shutdown(ctx context.Context) error {
	err := e.gc.Drain(ctx)

	e.mu.Lock()
	snap := e.cur.Load()
	e.retire(append(snap.NAT.Policies(), snap.Rules.Policies()...))
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.retired.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}
