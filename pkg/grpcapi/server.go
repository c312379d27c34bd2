// Package grpcapi implements the gRPC control API of flowfw.
package grpcapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"gopkg.in/yaml.v3"

	"github.com/psaab/flowfw/pkg/config"
	"github.com/psaab/flowfw/pkg/dataplane"
	"github.com/psaab/flowfw/pkg/errors"
	"github.com/psaab/flowfw/pkg/logging"
	"github.com/psaab/flowfw/pkg/ruleset"
)

// Config configures the gRPC server.
type Config struct {
	Engine     dataplane.Controller
	Interfaces config.Resolver
	EventBuf   *logging.EventBuffer
	// Reload re-reads the configuration file and loads it.
	Reload  func(ctx context.Context) error
	Version string
}

// Server implements the control service.
type Server struct {
	engine    dataplane.Controller
	ifs       config.Resolver
	eventBuf  *logging.EventBuffer
	reload    func(ctx context.Context) error
	startTime time.Time
	addr      string
	version   string
}

var _ ControlServer = (*Server)(nil)

// NewServer creates a new gRPC server.
func NewServer(addr string, cfg Config) *Server {
	return &Server{
		engine:    cfg.Engine,
		ifs:       cfg.Interfaces,
		eventBuf:  cfg.EventBuf,
		reload:    cfg.Reload,
		startTime: time.Now(),
		addr:      addr,
		version:   cfg.Version,
	}
}

// Run starts the gRPC server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("gRPC listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// Serve handles connections on lis until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	srv := grpc.NewServer()
	RegisterControlServer(srv, s)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("gRPC server listening", "addr", lis.Addr().String())
		if err := srv.Serve(lis); err != nil {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	srv.GracefulStop()
	return nil
}

// toStatus maps an engine or configuration error to a gRPC status.
func toStatus(err error) error {
	code := codes.Internal
	switch dataplane.ErrorKind(err) {
	case errors.KindValidation:
		code = codes.InvalidArgument
	case errors.KindNotFound:
		code = codes.NotFound
	case errors.KindConflict:
		code = codes.AlreadyExists
	case errors.KindUnavailable:
		code = codes.Unavailable
	}
	return status.Error(code, err.Error())
}

func decodeReq(in *structpb.Struct, v any) error {
	if err := fromStruct(in, v); err != nil {
		return status.Errorf(codes.InvalidArgument, "%v", err)
	}
	return nil
}

func reply(v any) (*structpb.Struct, error) {
	st, err := toStruct(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "%v", err)
	}
	return st, nil
}

// --- Status RPCs ---

func (s *Server) Status(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	snap := s.engine.Current()
	return reply(map[string]any{
		"version":      s.version,
		"uptime":       time.Since(s.startTime).Truncate(time.Second).String(),
		"snapshot_id":  snap.ID.String(),
		"loaded_at":    snap.LoadedAt.Format(time.RFC3339),
		"rules":        snap.Rules.Len(),
		"nat_rules":    snap.NAT.Len(),
		"tables":       len(snap.Tables.Tables()),
		"default_pass": snap.Rules.DefaultPass(),
		"conns":        s.engine.ConnCount(),
	})
}

func (s *Server) Stats(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return reply(s.engine.Stats().Map())
}

// --- Table RPCs ---

type tableRequest struct {
	Table  string `json:"table"`
	Addr   string `json:"addr,omitempty"`
	Prefix string `json:"prefix,omitempty"`
}

func parsePrefix(s string) (netip.Prefix, error) {
	if p, err := netip.ParsePrefix(s); err == nil {
		return p, nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, status.Errorf(codes.InvalidArgument, "bad prefix %q", s)
	}
	return netip.PrefixFrom(a, a.BitLen()), nil
}

func (s *Server) TableLookup(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req tableRequest
	if err := decodeReq(in, &req); err != nil {
		return nil, err
	}
	addr, err := netip.ParseAddr(req.Addr)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "bad addr %q", req.Addr)
	}
	ok, err := s.engine.TableLookup(req.Table, addr)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(map[string]any{"match": ok})
}

func (s *Server) TableInsert(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req tableRequest
	if err := decodeReq(in, &req); err != nil {
		return nil, err
	}
	p, err := parsePrefix(req.Prefix)
	if err != nil {
		return nil, err
	}
	if err := s.engine.TableInsert(req.Table, p); err != nil {
		return nil, toStatus(err)
	}
	return &structpb.Struct{}, nil
}

func (s *Server) TableRemove(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req tableRequest
	if err := decodeReq(in, &req); err != nil {
		return nil, err
	}
	p, err := parsePrefix(req.Prefix)
	if err != nil {
		return nil, err
	}
	if err := s.engine.TableRemove(req.Table, p); err != nil {
		return nil, toStatus(err)
	}
	return &structpb.Struct{}, nil
}

func (s *Server) TableList(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req tableRequest
	if err := decodeReq(in, &req); err != nil {
		return nil, err
	}
	ps, err := s.engine.TableList(req.Table)
	if err != nil {
		return nil, toStatus(err)
	}
	entries := make([]string, len(ps))
	for i, p := range ps {
		entries[i] = p.String()
	}
	return reply(map[string]any{"entries": entries})
}

func (s *Server) TableFlush(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req tableRequest
	if err := decodeReq(in, &req); err != nil {
		return nil, err
	}
	if err := s.engine.TableFlush(req.Table); err != nil {
		return nil, toStatus(err)
	}
	return &structpb.Struct{}, nil
}

// --- Dynamic rule RPCs ---

type ruleRequest struct {
	Group string          `json:"group"`
	Key   string          `json:"key,omitempty"`
	ID    uint64          `json:"id,omitempty"`
	Rule  json.RawMessage `json:"rule,omitempty"`
}

type ruleInfo struct {
	ID       uint64 `json:"id"`
	Name     string `json:"name"`
	Key      string `json:"key,omitempty"`
	Priority int32  `json:"priority,omitempty"`
	Attr     string `json:"attr"`
}

func describeRule(r *ruleset.Rule) ruleInfo {
	return ruleInfo{ID: r.ID(), Name: r.Name(), Key: r.Key(), Priority: r.Priority(), Attr: r.Attr().String()}
}

// AddRule compiles the rule description, written in the configuration
// syntax, against the active snapshot and inserts it into the group.
func (s *Server) AddRule(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ruleRequest
	if err := decodeReq(in, &req); err != nil {
		return nil, err
	}
	var rc config.RuleConfig
	if err := yaml.Unmarshal(req.Rule, &rc); err != nil || rc.Name == "" {
		return nil, status.Error(codes.InvalidArgument, "rule description required")
	}
	r, err := config.CompileRule(rc, s.engine.Current(), s.ifs)
	if err != nil {
		return nil, toStatus(err)
	}
	id, err := s.engine.AddRule(req.Group, r)
	if err != nil {
		if c := r.Procs(); c != nil {
			c.Release()
		}
		return nil, toStatus(err)
	}
	return reply(map[string]any{"id": id})
}

// RemoveRule removes by ID when one is given, else by key.
func (s *Server) RemoveRule(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ruleRequest
	if err := decodeReq(in, &req); err != nil {
		return nil, err
	}
	var err error
	switch {
	case req.ID != 0:
		err = s.engine.RemoveRule(ctx, req.Group, req.ID)
	case req.Key != "":
		err = s.engine.RemoveRuleByKey(ctx, req.Group, req.Key)
	default:
		return nil, status.Error(codes.InvalidArgument, "id or key required")
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return &structpb.Struct{}, nil
}

func (s *Server) ListRules(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ruleRequest
	if err := decodeReq(in, &req); err != nil {
		return nil, err
	}
	rules, err := s.engine.ListRules(req.Group)
	if err != nil {
		return nil, toStatus(err)
	}
	out := make([]ruleInfo, len(rules))
	for i, r := range rules {
		out[i] = describeRule(r)
	}
	return reply(map[string]any{"rules": out})
}

func (s *Server) FlushRules(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ruleRequest
	if err := decodeReq(in, &req); err != nil {
		return nil, err
	}
	n, err := s.engine.FlushRules(ctx, req.Group)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(map[string]any{"removed": n})
}

// --- Connection RPCs ---

func (s *Server) ListConns(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req struct {
		Limit int `json:"limit"`
	}
	if err := decodeReq(in, &req); err != nil {
		return nil, err
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 10000 {
		limit = 10000
	}

	type connInfo struct {
		Forward  string `json:"forward"`
		Backward string `json:"backward"`
		Dir      string `json:"dir"`
		State    string `json:"state"`
		Pass     bool   `json:"pass"`
		Idle     string `json:"idle"`
		NAT      string `json:"nat,omitempty"`
	}
	conns := s.engine.Conns()
	out := make([]connInfo, 0, min(limit, len(conns)))
	for _, c := range conns {
		if len(out) >= limit {
			break
		}
		ci := connInfo{
			Forward:  c.Forward.String(),
			Backward: c.Backward.String(),
			Dir:      c.Dir.String(),
			State:    c.StateName(),
			Pass:     c.Pass,
			Idle:     c.Idle.Truncate(time.Second).String(),
		}
		if c.NAT != nil {
			ci.NAT = netip.AddrPortFrom(c.NAT.TransAddr, c.NAT.TransPort).String()
		}
		out = append(out, ci)
	}
	return reply(map[string]any{"total": len(conns), "conns": out})
}

func (s *Server) FlushConns(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return reply(map[string]any{"flushed": s.engine.FlushConns()})
}

// --- Configuration RPCs ---

func (s *Server) ExportConfig(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	cfg, err := config.Export(s.engine.Current())
	if err != nil {
		return nil, toStatus(err)
	}
	data, err := cfg.Marshal()
	if err != nil {
		return nil, status.Errorf(codes.Internal, "%v", err)
	}
	return reply(map[string]any{"yaml": string(data)})
}

func (s *Server) Reload(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if s.reload == nil {
		return nil, status.Error(codes.Unavailable, "reload not available")
	}
	if err := s.reload(ctx); err != nil {
		return nil, toStatus(err)
	}
	return reply(map[string]any{"snapshot_id": s.engine.Current().ID.String()})
}

// --- Event stream ---

// WatchEvents streams rule procedure events until the client goes away.
// The request may carry "types", a list of event types to pass.
func (s *Server) WatchEvents(in *structpb.Struct, stream grpc.ServerStream) error {
	if s.eventBuf == nil {
		return status.Error(codes.Unavailable, "event buffer not available")
	}
	var req struct {
		Types []string `json:"types"`
	}
	if err := decodeReq(in, &req); err != nil {
		return err
	}
	sub := s.eventBuf.Subscribe(128, logging.EventFilter{Types: req.Types})
	defer sub.Close()

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case rec := <-sub.C:
			st, err := toStruct(map[string]any{
				"time":      rec.Time.Format(time.RFC3339Nano),
				"type":      rec.Type,
				"rule":      rec.Rule,
				"interface": rec.Interface,
				"direction": rec.Direction,
				"src":       rec.SrcAddr,
				"dst":       rec.DstAddr,
				"protocol":  rec.Protocol,
				"action":    rec.Action,
				"nat":       rec.NATAddr,
				"length":    rec.Length,
			})
			if err != nil {
				continue
			}
			if err := stream.SendMsg(st); err != nil {
				return err
			}
		}
	}
}
