// Package daemon implements the flowfw daemon lifecycle.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/psaab/flowfw/pkg/api"
	"github.com/psaab/flowfw/pkg/config"
	"github.com/psaab/flowfw/pkg/conntrack"
	"github.com/psaab/flowfw/pkg/dataplane"
	"github.com/psaab/flowfw/pkg/errors"
	"github.com/psaab/flowfw/pkg/flowexport"
	"github.com/psaab/flowfw/pkg/grpcapi"
	"github.com/psaab/flowfw/pkg/hook"
	"github.com/psaab/flowfw/pkg/ifaces"
	"github.com/psaab/flowfw/pkg/logging"
	"github.com/psaab/flowfw/pkg/nat"
	"github.com/psaab/flowfw/pkg/rproc"
	"github.com/psaab/flowfw/pkg/stats"
)

// Options configures the daemon.
type Options struct {
	ConfigFile string
	// NoHook runs the control plane only: no packet queues and no raw
	// sockets for block replies.
	NoHook  bool
	Version string
}

// Interfaces resolves interface names and IDs.
type Interfaces interface {
	config.Resolver
	dataplane.IfNamer
}

// Daemon is the main flowfw daemon.
type Daemon struct {
	opts Options

	cfg    *config.Config
	ifs    Interfaces
	engine *dataplane.Engine
	procs  *rproc.Registry
	ports  *nat.Registry
	events *logging.EventLog
	queues []*hook.Queue
	flows  *flowexport.Exporter

	// reloadMu serializes reloads.
	reloadMu sync.Mutex
}

// New creates a new Daemon.
func New(opts Options) *Daemon {
	if opts.ConfigFile == "" {
		opts.ConfigFile = config.DefaultPath
	}
	return &Daemon{opts: opts}
}

// Engine returns the packet filter; nil before setup.
func (d *Daemon) Engine() *dataplane.Engine { return d.engine }

// setup builds the components that live for the whole run and loads the
// initial configuration. The caller installs logging first.
func (d *Daemon) setup(ctx context.Context, cfg *config.Config, ifs Interfaces, sender dataplane.Sender) error {
	d.cfg = cfg
	d.ifs = ifs
	d.events = logging.NewEventLog(logging.NewEventBuffer(cfg.Daemon.EventBuffer))
	d.procs = rproc.NewRegistry()
	if err := rproc.RegisterBuiltins(d.procs, d.events); err != nil {
		return fmt.Errorf("register rule procedures: %w", err)
	}
	d.ports = nat.NewRegistry(cfg.Daemon.PortMin, cfg.Daemon.PortMax)
	d.engine = dataplane.New(dataplane.Options{
		Sender:     sender,
		Interfaces: ifs,
		GCInterval: cfg.Daemon.GCInterval,
	})

	snap, err := d.build(cfg)
	if err != nil {
		return err
	}
	conns, err := readState(cfg.Daemon.StateFile)
	if err != nil {
		slog.Warn("connection state not restored", "file", cfg.Daemon.StateFile, "err", err)
	}
	return d.engine.Load(ctx, snap, conns)
}

func (d *Daemon) build(cfg *config.Config) (*dataplane.Snapshot, error) {
	return config.Build(cfg, config.BuildOptions{
		Interfaces: d.ifs,
		Procs:      d.procs,
		Ports:      d.ports,
	})
}

// Reload re-reads the configuration file and loads it. On failure the
// running configuration stays active.
func (d *Daemon) Reload(ctx context.Context) error {
	d.reloadMu.Lock()
	defer d.reloadMu.Unlock()

	cfg, err := config.Load(d.opts.ConfigFile)
	if err != nil {
		slog.Error("config reload failed, keeping running configuration", "err", err)
		return err
	}
	snap, err := d.build(cfg)
	if err != nil {
		slog.Error("config reload failed, keeping running configuration", "err", err)
		return err
	}
	if err := d.engine.Load(ctx, snap, nil); err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "load configuration")
	}
	// Daemon settings apply at startup only.
	cfg.Daemon = d.cfg.Daemon
	d.cfg = cfg
	return nil
}

// Run starts the daemon and blocks until shutdown.
func (d *Daemon) Run(ctx context.Context) error {
	cfg, err := config.Load(d.opts.ConfigFile)
	if err != nil {
		return err
	}
	level, _ := logging.ParseLevel(cfg.Daemon.LogLevel)
	logh := logging.Setup(os.Stderr, level)
	defer logh.Close()

	slog.Info("starting flowfw daemon",
		"config", d.opts.ConfigFile,
		"version", d.opts.Version,
		"pid", os.Getpid())

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	reg, err := ifaces.New()
	if err != nil {
		return err
	}
	if err := reg.Refresh(); err != nil {
		return fmt.Errorf("list interfaces: %w", err)
	}
	reg.Start(ctx, ifaces.DefaultPollInterval)
	defer reg.Stop()

	var sender dataplane.Sender
	if !d.opts.NoHook {
		rs, err := hook.NewRawSender()
		if err != nil {
			slog.Warn("block replies disabled", "err", err)
		} else {
			defer rs.Close()
			sender = rs
		}
	}

	if err := d.setup(ctx, cfg, reg, sender); err != nil {
		return err
	}
	defer d.events.Close()
	d.applySyslog(logh, cfg.Daemon.Syslog)

	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				slog.Error("service failed", "service", name, "err", err)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		d.engine.Run(ctx)
	}()

	if err := d.enableFlowExport(cfg.Daemon.FlowExport); err != nil {
		slog.Warn("flow export disabled", "err", err)
	} else if d.flows != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.flows.Run(ctx)
		}()
	}

	if !d.opts.NoHook {
		for _, qc := range cfg.Daemon.Queues {
			dir, _ := config.ParseDirection(qc.Direction)
			q := hook.NewQueue(qc.Num, dir, d.engine)
			d.queues = append(d.queues, q)
			run(fmt.Sprintf("queue %d", qc.Num), q.Run)
		}
	}

	httpSrv := api.NewServer(api.Config{
		Addr:       cfg.Daemon.HTTPAddr,
		HTTPSAddr:  cfg.Daemon.HTTPSAddr,
		TLS:        cfg.Daemon.HTTPSAddr != "",
		Auth:       authConfig(&cfg.Daemon),
		Engine:     d.engine,
		Interfaces: reg,
		EventBuf:   d.events.Buffer(),
		Queues:     d.queueStats,
		Reload:     d.Reload,
	})
	run("http", httpSrv.Run)

	grpcSrv := grpcapi.NewServer(cfg.Daemon.GRPCAddr, grpcapi.Config{
		Engine:     d.engine,
		Interfaces: reg,
		EventBuf:   d.events.Buffer(),
		Reload:     d.Reload,
		Version:    d.opts.Version,
	})
	run("grpc", grpcSrv.Run)

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for done := false; !done; {
		select {
		case <-hup:
			slog.Info("SIGHUP received, reloading configuration")
			_ = d.Reload(ctx)
		case <-ctx.Done():
			slog.Info("signal received, shutting down")
			done = true
		}
	}

	stop()
	wg.Wait()
	return d.shutdown()
}

// enableFlowExport reports destroyed connections to the collectors in fc.
func (d *Daemon) enableFlowExport(fc *config.FlowExportConfig) error {
	ec := flowexport.BuildExportConfig(fc)
	if ec == nil {
		return nil
	}
	exp, err := flowexport.NewExporter(*ec)
	if err != nil {
		return err
	}
	d.flows = exp
	d.engine.GC().SetFlowFunc(exp.Add)
	slog.Info("flow export enabled", "collectors", ec.Collectors)
	return nil
}

// shutdown saves the connection state and drains the engine.
func (d *Daemon) shutdown() error {
	if err := writeState(d.cfg.Daemon.StateFile, d.engine.Conns()); err != nil {
		slog.Warn("failed to save connection state", "file", d.cfg.Daemon.StateFile, "err", err)
	}
	logFinalStats(d.engine.Stats())

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Daemon.DrainTimeout)
	defer cancel()
	if err := d.engine.Shutdown(ctx); err != nil {
		slog.Warn("connection drain incomplete", "err", err)
	}
	if d.flows != nil {
		// Drained connections are still reported.
		d.flows.Flush()
		flows, pkts := d.flows.Stats()
		slog.Info("flow export stopped", "flows", flows, "packets", pkts)
		d.flows.Close()
	}
	slog.Info("shutdown complete")
	return nil
}

func (d *Daemon) queueStats() []api.QueueStats {
	out := make([]api.QueueStats, 0, len(d.queues))
	for _, q := range d.queues {
		rx, drop, errs := q.Stats()
		out = append(out, api.QueueStats{
			Num:       q.Num,
			Direction: q.Dir.String(),
			Received:  rx,
			Dropped:   drop,
			Errors:    errs,
		})
	}
	return out
}

func authConfig(d *config.DaemonConfig) *api.AuthConfig {
	if len(d.APIKeys) == 0 && len(d.Users) == 0 {
		return nil
	}
	keys := make(map[string]bool, len(d.APIKeys))
	for _, k := range d.APIKeys {
		keys[k] = true
	}
	return &api.AuthConfig{Users: d.Users, APIKeys: keys}
}

// applySyslog forwards daemon logs (facility daemon) and rule events
// (facility local0) to the syslog servers in addrs.
func (d *Daemon) applySyslog(logh *logging.SyslogSlogHandler, addrs []string) {
	var logClients, eventClients []*logging.SyslogClient
	for _, addr := range addrs {
		lc, err := logging.NewSyslogClient(addr)
		if err != nil {
			slog.Warn("failed to create syslog client", "addr", addr, "err", err)
			continue
		}
		ec, err := logging.NewSyslogClient(addr)
		if err != nil {
			lc.Close()
			slog.Warn("failed to create syslog client", "addr", addr, "err", err)
			continue
		}
		lc.Facility = logging.FacilityDaemon
		slog.Info("syslog stream configured", "addr", addr)
		logClients = append(logClients, lc)
		eventClients = append(eventClients, ec)
	}
	if len(logClients) > 0 {
		logh.SetClients(logClients)
		d.events.ReplaceSyslogClients(eventClients)
	}
}

// logFinalStats logs the non-zero counters before shutdown.
func logFinalStats(s *stats.Set) {
	var attrs []any
	for _, c := range stats.Counters() {
		if v := s.Get(c); v != 0 {
			attrs = append(attrs, c.String(), v)
		}
	}
	slog.Info("final statistics", attrs...)
}

// readState loads connections saved by writeState. A missing file is
// not an error.
func readState(path string) ([]conntrack.Info, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var conns []conntrack.Info
	if err := json.Unmarshal(data, &conns); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return conns, nil
}

// writeState saves conns to path, replacing it atomically.
func writeState(path string, conns []conntrack.Info) error {
	if path == "" {
		return nil
	}
	data, err := json.Marshal(conns)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	slog.Info("connection state saved", "file", path, "conns", len(conns))
	return nil
}
