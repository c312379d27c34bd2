package grpcapi

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/psaab/flowfw/internal/testpkt"
	"github.com/psaab/flowfw/pkg/config"
	"github.com/psaab/flowfw/pkg/dataplane"
	"github.com/psaab/flowfw/pkg/logging"
	"github.com/psaab/flowfw/pkg/nat"
	"github.com/psaab/flowfw/pkg/packet"
	"github.com/psaab/flowfw/pkg/rproc"
)

const testConfig = `
default: pass
tables:
  - name: hosts
    entries: [192.0.2.1]
rules:
  - name: dyn
    dynamic: true
  - name: all-out
    action: pass
    stateful: true
    direction: out
nat:
  - name: masq
    type: out
    interface: wan0
    match: {src: {nets: [10.0.0.0/8]}}
    trans_net: 203.0.113.9
    ports: true
    portmap: true
`

type ifmap map[string]uint32

func (m ifmap) Index(name string) (uint32, error) {
	if id, ok := m[name]; ok {
		return id, nil
	}
	return 0, fmt.Errorf("no interface %q", name)
}

type fixture struct {
	client *Client
	engine *dataplane.Engine
	events *logging.EventBuffer
}

func setup(t *testing.T, reload func(context.Context) error) *fixture {
	t.Helper()
	cfg, err := config.Parse([]byte(testConfig))
	require.NoError(t, err)
	ifs := ifmap{"lan0": 1, "wan0": 2}
	snap, err := config.Build(cfg, config.BuildOptions{
		Interfaces: ifs,
		Procs:      rproc.NewRegistry(),
		Ports:      nat.NewRegistry(0, 0),
	})
	require.NoError(t, err)
	e := dataplane.New(dataplane.Options{})
	require.NoError(t, e.Load(context.Background(), snap, nil))

	events := logging.NewEventBuffer(16)
	srv := NewServer("", Config{Engine: e, Interfaces: ifs, EventBuf: events, Reload: reload, Version: "test"})

	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.Serve(ctx, lis)
		close(done)
	}()

	c, err := Dial("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)
	t.Cleanup(func() {
		c.Close()
		cancel()
		<-done
		e.Shutdown(context.Background())
	})
	return &fixture{client: c, engine: e, events: events}
}

func code(err error) codes.Code { return status.Code(err) }

func TestStatusAndStats(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()

	st, err := f.client.Call(ctx, "Status", nil)
	require.NoError(t, err)
	assert.Equal(t, "test", st["version"])
	assert.Equal(t, f.engine.Current().ID.String(), st["snapshot_id"])
	assert.Equal(t, float64(2), st["rules"])
	assert.Equal(t, true, st["default_pass"])

	f.engine.HandlePacket(testpkt.UDP(t, "10.0.0.5", "192.0.2.9", 1000, 123, nil), 2, packet.Out)
	stats, err := f.client.Call(ctx, "Stats", nil)
	require.NoError(t, err)
	assert.Equal(t, float64(1), stats["nat_create"])
}

func TestTables(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()

	tests := []struct {
		name   string
		method string
		req    map[string]any
		code   codes.Code
	}{
		{"insert", "TableInsert", map[string]any{"table": "hosts", "prefix": "192.0.2.2"}, codes.OK},
		{"insert duplicate", "TableInsert", map[string]any{"table": "hosts", "prefix": "192.0.2.2/32"}, codes.AlreadyExists},
		{"insert network into hash", "TableInsert", map[string]any{"table": "hosts", "prefix": "192.0.2.0/24"}, codes.InvalidArgument},
		{"bad prefix", "TableInsert", map[string]any{"table": "hosts", "prefix": "nope"}, codes.InvalidArgument},
		{"unknown table", "TableList", map[string]any{"table": "none"}, codes.NotFound},
		{"remove", "TableRemove", map[string]any{"table": "hosts", "prefix": "192.0.2.1"}, codes.OK},
		{"remove missing", "TableRemove", map[string]any{"table": "hosts", "prefix": "192.0.2.1"}, codes.NotFound},
		{"bad addr", "TableLookup", map[string]any{"table": "hosts", "addr": "x"}, codes.InvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.client.Call(ctx, tt.method, tt.req)
			assert.Equal(t, tt.code, code(err), "%v", err)
		})
	}

	res, err := f.client.Call(ctx, "TableLookup", map[string]any{"table": "hosts", "addr": "192.0.2.2"})
	require.NoError(t, err)
	assert.Equal(t, true, res["match"])

	res, err = f.client.Call(ctx, "TableList", map[string]any{"table": "hosts"})
	require.NoError(t, err)
	assert.Equal(t, []any{"192.0.2.2/32"}, res["entries"])

	_, err = f.client.Call(ctx, "TableFlush", map[string]any{"table": "hosts"})
	require.NoError(t, err)
	res, err = f.client.Call(ctx, "TableList", map[string]any{"table": "hosts"})
	require.NoError(t, err)
	assert.Empty(t, res["entries"])
}

func TestDynamicRules(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()
	pkt := testpkt.UDP(t, "192.0.2.1", "10.9.0.1", 1000, 53, nil)

	res, err := f.client.Call(ctx, "AddRule", map[string]any{
		"group": "dyn",
		"rule": map[string]any{
			"name":   "block-host",
			"action": "block",
			"match":  map[string]any{"src": map[string]any{"table": "hosts"}},
		},
	})
	require.NoError(t, err)
	id := res["id"].(float64)
	assert.NotZero(t, id)

	v, _, _ := f.engine.HandlePacket(pkt, 2, packet.In)
	assert.Equal(t, dataplane.VerdictBlock, v)

	res, err = f.client.Call(ctx, "ListRules", map[string]any{"group": "dyn"})
	require.NoError(t, err)
	rules := res["rules"].([]any)
	require.Len(t, rules, 1)
	assert.Equal(t, "block-host", rules[0].(map[string]any)["name"])

	_, err = f.client.Call(ctx, "AddRule", map[string]any{"group": "dyn"})
	assert.Equal(t, codes.InvalidArgument, code(err))
	_, err = f.client.Call(ctx, "AddRule", map[string]any{
		"group": "dyn",
		"rule":  map[string]any{"name": "x", "action": "pass", "interface": "eth9"},
	})
	assert.Equal(t, codes.InvalidArgument, code(err))
	_, err = f.client.Call(ctx, "AddRule", map[string]any{
		"group": "all-out",
		"rule":  map[string]any{"name": "x", "action": "pass"},
	})
	assert.Equal(t, codes.NotFound, code(err))
	_, err = f.client.Call(ctx, "ListRules", map[string]any{"group": "nope"})
	assert.Equal(t, codes.NotFound, code(err))
	_, err = f.client.Call(ctx, "RemoveRule", map[string]any{"group": "dyn"})
	assert.Equal(t, codes.InvalidArgument, code(err))

	_, err = f.client.Call(ctx, "RemoveRule", map[string]any{"group": "dyn", "id": id})
	require.NoError(t, err)
	_, err = f.client.Call(ctx, "RemoveRule", map[string]any{"group": "dyn", "id": id})
	assert.Equal(t, codes.NotFound, code(err))

	v, _, _ = f.engine.HandlePacket(pkt, 2, packet.In)
	assert.Equal(t, dataplane.VerdictPass, v)

	_, err = f.client.Call(ctx, "AddRule", map[string]any{
		"group": "dyn",
		"rule":  map[string]any{"name": "a", "key": "k1", "action": "block"},
	})
	require.NoError(t, err)
	_, err = f.client.Call(ctx, "RemoveRule", map[string]any{"group": "dyn", "key": "k1"})
	require.NoError(t, err)

	for _, n := range []string{"a", "b"} {
		_, err = f.client.Call(ctx, "AddRule", map[string]any{
			"group": "dyn",
			"rule":  map[string]any{"name": n, "action": "pass"},
		})
		require.NoError(t, err)
	}
	res, err = f.client.Call(ctx, "FlushRules", map[string]any{"group": "dyn"})
	require.NoError(t, err)
	assert.Equal(t, float64(2), res["removed"])
}

func TestConnsAndExport(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()

	v, _, err := f.engine.HandlePacket(testpkt.UDP(t, "10.0.0.5", "192.0.2.9", 1000, 123, nil), 2, packet.Out)
	require.NoError(t, err)
	require.Equal(t, dataplane.VerdictPass, v)

	res, err := f.client.Call(ctx, "ListConns", nil)
	require.NoError(t, err)
	assert.Equal(t, float64(1), res["total"])
	conns := res["conns"].([]any)
	require.Len(t, conns, 1)
	assert.Contains(t, conns[0].(map[string]any)["nat"], "203.0.113.9")

	res, err = f.client.Call(ctx, "FlushConns", nil)
	require.NoError(t, err)
	assert.Equal(t, float64(1), res["flushed"])

	res, err = f.client.Call(ctx, "ExportConfig", nil)
	require.NoError(t, err)
	cfg, err := config.Parse([]byte(res["yaml"].(string)))
	require.NoError(t, err)
	assert.Len(t, cfg.Rules, 2)
	assert.Len(t, cfg.NAT, 1)
}

func TestReload(t *testing.T) {
	f := setup(t, nil)
	_, err := f.client.Call(context.Background(), "Reload", nil)
	assert.Equal(t, codes.Unavailable, code(err))

	var calls int
	f = setup(t, func(context.Context) error {
		calls++
		return nil
	})
	res, err := f.client.Call(context.Background(), "Reload", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, f.engine.Current().ID.String(), res["snapshot_id"])
}

func TestWatchEvents(t *testing.T) {
	f := setup(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan map[string]any, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- f.client.WatchEvents(ctx, []string{"BLOCK"}, func(ev map[string]any) error {
			select {
			case got <- ev:
			default:
			}
			return nil
		})
	}()

	// The subscription is set up asynchronously; publish until one arrives.
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	var ev map[string]any
	for ev == nil {
		select {
		case ev = <-got:
		case <-tick.C:
			f.events.Add(logging.EventRecord{Time: time.Now(), Type: "RULE_MATCH", Rule: "skip"})
			f.events.Add(logging.EventRecord{Time: time.Now(), Type: "BLOCK", Rule: "r1", Action: "block"})
		case <-time.After(5 * time.Second):
			t.Fatal("no event received")
		}
	}
	assert.Equal(t, "BLOCK", ev["type"])
	assert.Equal(t, "r1", ev["rule"])

	cancel()
	err := <-errCh
	assert.Equal(t, codes.Canceled, code(err))
}
