package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psaab/flowfw/internal/testpkt"
	"github.com/psaab/flowfw/pkg/config"
	"github.com/psaab/flowfw/pkg/dataplane"
	"github.com/psaab/flowfw/pkg/nat"
	"github.com/psaab/flowfw/pkg/packet"
	"github.com/psaab/flowfw/pkg/rproc"
)

const testConfig = `
default: pass
tables:
  - name: blocklist
    type: tree
    entries: [198.51.100.0/24]
  - name: hosts
    entries: [192.0.2.1]
rules:
  - name: drop-blocklist
    action: block
    final: true
    match: {src: {table: blocklist}}
  - name: dyn
    dynamic: true
    rules:
      - name: allow-dns
        action: pass
        match: {service: dns-udp}
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

func newTestServer(t *testing.T, cfg Config) (*Server, *dataplane.Engine) {
	t.Helper()
	c, err := config.Parse([]byte(testConfig))
	require.NoError(t, err)
	ifs := ifmap{"lan0": 1, "wan0": 2}
	snap, err := config.Build(c, config.BuildOptions{
		Interfaces: ifs,
		Procs:      rproc.NewRegistry(),
		Ports:      nat.NewRegistry(0, 0),
	})
	require.NoError(t, err)

	e := dataplane.New(dataplane.Options{})
	require.NoError(t, e.Load(context.Background(), snap, nil))
	t.Cleanup(func() { e.Shutdown(context.Background()) })

	cfg.Engine = e
	cfg.Interfaces = ifs
	return NewServer(cfg), e
}

// do runs a request and decodes the response envelope.
func do(t *testing.T, s *Server, method, path, body string) (int, Response) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	var resp Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return w.Code, resp
}

// decode converts the Data field of a response into v.
func decode(t *testing.T, resp Response, v any) {
	t.Helper()
	b, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(b, v))
}

func TestStatus(t *testing.T) {
	s, e := newTestServer(t, Config{})

	code, resp := do(t, s, "GET", "/api/v1/status", "")
	require.Equal(t, http.StatusOK, code)
	var st StatusResponse
	decode(t, resp, &st)
	assert.Equal(t, e.Current().ID.String(), st.SnapshotID)
	assert.Equal(t, 3, st.Rules)
	assert.Equal(t, 1, st.NATRules)
	assert.Equal(t, 2, st.Tables)
	assert.True(t, st.DefaultPass)
	assert.Zero(t, st.Conns)

	code, _ = do(t, s, "GET", "/health", "")
	assert.Equal(t, http.StatusOK, code)
}

func TestTableHandlers(t *testing.T) {
	s, _ := newTestServer(t, Config{})

	code, resp := do(t, s, "GET", "/api/v1/tables", "")
	require.Equal(t, http.StatusOK, code)
	var tables []TableInfo
	decode(t, resp, &tables)
	require.Len(t, tables, 2)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
		kind   string
	}{
		{"lookup hit", "GET", "/api/v1/tables/blocklist/lookup?addr=198.51.100.7", "", http.StatusOK, ""},
		{"lookup bad addr", "GET", "/api/v1/tables/blocklist/lookup?addr=nope", "", http.StatusBadRequest, "validation"},
		{"lookup unknown table", "GET", "/api/v1/tables/none/lookup?addr=1.2.3.4", "", http.StatusNotFound, ""},
		{"insert", "POST", "/api/v1/tables/hosts/entries", `{"prefix":"192.0.2.2"}`, http.StatusOK, ""},
		{"insert duplicate", "POST", "/api/v1/tables/hosts/entries", `{"prefix":"192.0.2.2/32"}`, http.StatusConflict, "conflict"},
		{"insert bad body", "POST", "/api/v1/tables/hosts/entries", `{`, http.StatusBadRequest, "validation"},
		{"remove", "DELETE", "/api/v1/tables/hosts/entries", `{"prefix":"192.0.2.1"}`, http.StatusOK, ""},
		{"remove missing", "DELETE", "/api/v1/tables/hosts/entries", `{"prefix":"192.0.2.1"}`, http.StatusNotFound, "not_found"},
		{"flush", "POST", "/api/v1/tables/blocklist/flush", "", http.StatusOK, ""},
		{"get unknown", "GET", "/api/v1/tables/none", "", http.StatusNotFound, "not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, resp := do(t, s, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, code, resp.Error)
			if tt.kind != "" {
				assert.Equal(t, tt.kind, resp.Kind)
			}
		})
	}

	code, resp = do(t, s, "GET", "/api/v1/tables/hosts", "")
	require.Equal(t, http.StatusOK, code)
	var info TableInfo
	decode(t, resp, &info)
	assert.Equal(t, []string{"192.0.2.2/32"}, info.Entries)

	code, resp = do(t, s, "GET", "/api/v1/tables/blocklist", "")
	require.Equal(t, http.StatusOK, code)
	decode(t, resp, &info)
	assert.Zero(t, info.Len)
}

func TestDynamicRuleHandlers(t *testing.T) {
	s, e := newTestServer(t, Config{})

	code, resp := do(t, s, "POST", "/api/v1/rules/dyn",
		`{"name": "block-host", "action": "block", "priority": -2, "match": {"src": {"table": "hosts"}}}`)
	require.Equal(t, http.StatusOK, code, resp.Error)

	pkt := testpkt.UDP(t, "192.0.2.1", "10.9.0.1", 1000, 53, nil)
	v, _, _ := e.HandlePacket(pkt, 2, packet.In)
	assert.Equal(t, dataplane.VerdictBlock, v)

	code, resp = do(t, s, "GET", "/api/v1/rules/dyn", "")
	require.Equal(t, http.StatusOK, code)
	var members []RuleEntry
	decode(t, resp, &members)
	require.Len(t, members, 2)
	assert.Equal(t, "block-host", members[0].Name)

	code, resp = do(t, s, "GET", "/api/v1/rules", "")
	require.Equal(t, http.StatusOK, code)
	var rules []RuleEntry
	decode(t, resp, &rules)
	require.Len(t, rules, 3)
	assert.Len(t, rules[1].Members, 2)

	code, resp = do(t, s, "POST", "/api/v1/rules/dyn", `{"name": "bad", "action": "pass", "match": {"src": {"table": "nope"}}}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "validation", resp.Kind)

	code, _ = do(t, s, "POST", "/api/v1/rules/nope", `{"name": "r", "action": "pass"}`)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = do(t, s, "DELETE", "/api/v1/rules/dyn/block-host", "")
	assert.Equal(t, http.StatusOK, code)
	code, _ = do(t, s, "DELETE", "/api/v1/rules/dyn/block-host", "")
	assert.Equal(t, http.StatusNotFound, code)

	v, _, _ = e.HandlePacket(pkt, 2, packet.In)
	assert.Equal(t, dataplane.VerdictPass, v)

	code, resp = do(t, s, "POST", "/api/v1/rules/dyn/flush", "")
	require.Equal(t, http.StatusOK, code)
	var flushed map[string]int
	decode(t, resp, &flushed)
	assert.Equal(t, 1, flushed["removed"])
}

func TestConnHandlers(t *testing.T) {
	s, e := newTestServer(t, Config{})

	v, _, err := e.HandlePacket(testpkt.UDP(t, "10.0.0.5", "192.0.2.1", 1000, 123, nil), 2, packet.Out)
	require.NoError(t, err)
	require.Equal(t, dataplane.VerdictPass, v)

	code, resp := do(t, s, "GET", "/api/v1/conns", "")
	require.Equal(t, http.StatusOK, code)
	var conns []ConnEntry
	decode(t, resp, &conns)
	require.Len(t, conns, 1)
	assert.Equal(t, "UDP", conns[0].Proto)
	assert.Equal(t, "out", conns[0].Direction)
	assert.Contains(t, conns[0].NAT, "203.0.113.9")

	code, resp = do(t, s, "GET", "/api/v1/conns?proto=tcp", "")
	require.Equal(t, http.StatusOK, code)
	decode(t, resp, &conns)
	assert.Empty(t, conns)

	code, resp = do(t, s, "GET", "/api/v1/conns/summary", "")
	require.Equal(t, http.StatusOK, code)
	var sum ConnSummary
	decode(t, resp, &sum)
	assert.Equal(t, 1, sum.Total)
	assert.Equal(t, 1, sum.NAT)
	assert.Equal(t, 1, sum.ByProto["UDP"])

	code, resp = do(t, s, "POST", "/api/v1/conns/flush", "")
	require.Equal(t, http.StatusOK, code)
	var flushed map[string]int
	decode(t, resp, &flushed)
	assert.Equal(t, 1, flushed["flushed"])
	assert.Zero(t, e.ConnCount())

	code, resp = do(t, s, "GET", "/api/v1/stats", "")
	require.Equal(t, http.StatusOK, code)
	var st map[string]uint64
	decode(t, resp, &st)
	assert.Equal(t, uint64(1), st["nat_create"])
	assert.Equal(t, uint64(1), st["conn_create"])
}

func TestNATHandler(t *testing.T) {
	s, _ := newTestServer(t, Config{})

	code, resp := do(t, s, "GET", "/api/v1/nat", "")
	require.Equal(t, http.StatusOK, code)
	var out struct {
		Rules    []RuleEntry `json:"rules"`
		Policies []struct {
			ID       uint32 `json:"id"`
			TransNet string `json:"trans_net"`
		} `json:"policies"`
	}
	decode(t, resp, &out)
	require.Len(t, out.Rules, 1)
	assert.Equal(t, "masq", out.Rules[0].Name)
	require.Len(t, out.Policies, 1)
	assert.Equal(t, "203.0.113.9/32", out.Policies[0].TransNet)
}

func TestConfigExportHandler(t *testing.T) {
	s, _ := newTestServer(t, Config{})

	req := httptest.NewRequest("GET", "/api/v1/config/export", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/yaml", w.Header().Get("Content-Type"))

	cfg, err := config.Parse(w.Body.Bytes())
	require.NoError(t, err)
	require.Len(t, cfg.Rules, 3)
	assert.Equal(t, "dyn", cfg.Rules[1].Name)
	require.Len(t, cfg.Rules[1].Rules, 1)
	assert.Equal(t, "allow-dns", cfg.Rules[1].Rules[0].Name)
}

func TestConfigReloadHandler(t *testing.T) {
	s, _ := newTestServer(t, Config{})
	code, resp := do(t, s, "POST", "/api/v1/config/reload", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unavailable", resp.Kind)

	var calls int
	s, _ = newTestServer(t, Config{Reload: func(context.Context) error {
		calls++
		return nil
	}})
	code, _ = do(t, s, "POST", "/api/v1/config/reload", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, calls)

	s, _ = newTestServer(t, Config{Reload: func(context.Context) error {
		_, err := config.Parse([]byte("bogus: 1"))
		return err
	}})
	code, _ = do(t, s, "POST", "/api/v1/config/reload", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestMetrics(t *testing.T) {
	s, e := newTestServer(t, Config{
		Queues: func() []QueueStats {
			return []QueueStats{{Num: 0, Direction: "in", Received: 7}}
		},
	})
	e.HandlePacket(testpkt.UDP(t, "10.0.0.5", "192.0.2.1", 1000, 123, nil), 2, packet.Out)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	for _, want := range []string{
		"flowfw_pass_ruleset_total 1",
		"flowfw_nat_create_total 1",
		"flowfw_conns_active 1",
		`flowfw_nat_entries{policy="1",type="out"} 1`,
		`flowfw_table_entries{table="blocklist",type="tree"} 1`,
		`flowfw_queue_packets_total{direction="in",queue="0",result="received"} 7`,
	} {
		assert.Contains(t, body, want)
	}
}

func TestServerAuth(t *testing.T) {
	s, _ := newTestServer(t, Config{Auth: &AuthConfig{APIKeys: map[string]bool{"k": true}}})

	req := httptest.NewRequest("GET", "/api/v1/status", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req.Header.Set("X-API-Key", "k")
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
