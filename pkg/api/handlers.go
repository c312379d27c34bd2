package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/netip"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/psaab/flowfw/pkg/config"
	"github.com/psaab/flowfw/pkg/dataplane"
	"github.com/psaab/flowfw/pkg/errors"
	"github.com/psaab/flowfw/pkg/logging"
	"github.com/psaab/flowfw/pkg/ruleset"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, Response{Success: true, Data: data})
}

// writeError reports err with the status matching its kind.
func writeError(w http.ResponseWriter, err error) {
	kind := dataplane.ErrorKind(err)
	writeJSON(w, httpStatus(kind), Response{Success: false, Error: err.Error(), Kind: kind.String()})
}

func httpStatus(k errors.Kind) int {
	switch k {
	case errors.KindValidation:
		return http.StatusBadRequest
	case errors.KindNotFound:
		return http.StatusNotFound
	case errors.KindConflict:
		return http.StatusConflict
	case errors.KindUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, map[string]string{"status": "ok"})
}

func (s *Server) statusHandler(w http.ResponseWriter, _ *http.Request) {
	snap := s.engine.Current()
	writeOK(w, StatusResponse{
		Uptime:      time.Since(s.startTime).Truncate(time.Second).String(),
		SnapshotID:  snap.ID.String(),
		LoadedAt:    snap.LoadedAt,
		Rules:       snap.Rules.Len(),
		NATRules:    snap.NAT.Len(),
		Tables:      len(snap.Tables.Tables()),
		DefaultPass: snap.Rules.DefaultPass(),
		Conns:       s.engine.ConnCount(),
	})
}

func (s *Server) statsHandler(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, s.engine.Stats().Map())
}

func (s *Server) queuesHandler(w http.ResponseWriter, _ *http.Request) {
	var qs []QueueStats
	if s.queues != nil {
		qs = s.queues()
	}
	writeOK(w, qs)
}

func (s *Server) tablesHandler(w http.ResponseWriter, _ *http.Request) {
	var out []TableInfo
	for _, t := range s.engine.Current().Tables.Tables() {
		out = append(out, TableInfo{Name: t.Name(), ID: t.ID(), Type: t.Type().String(), Len: t.Len()})
	}
	writeOK(w, out)
}

func (s *Server) tableHandler(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	t := s.engine.Current().Tables.ByName(name)
	if t == nil {
		writeError(w, errors.Attr(errors.Errorf(errors.KindNotFound, "no such table"), "table", name))
		return
	}
	ps, err := s.engine.TableList(name)
	if err != nil {
		writeError(w, err)
		return
	}
	info := TableInfo{Name: t.Name(), ID: t.ID(), Type: t.Type().String(), Len: len(ps)}
	for _, p := range ps {
		info.Entries = append(info.Entries, p.String())
	}
	writeOK(w, info)
}

func (s *Server) tableLookupHandler(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	addr, err := netip.ParseAddr(r.URL.Query().Get("addr"))
	if err != nil {
		writeError(w, errors.Wrap(err, errors.KindValidation, "bad addr"))
		return
	}
	ok, err := s.engine.TableLookup(name, addr)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, TableLookupResult{Table: name, Addr: addr.String(), Match: ok})
}

// readPrefix decodes a PrefixRequest body.
func readPrefix(r *http.Request) (netip.Prefix, error) {
	var req PrefixRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return netip.Prefix{}, errors.Wrap(err, errors.KindValidation, "bad request body")
	}
	p, err := netip.ParsePrefix(req.Prefix)
	if err != nil {
		a, aerr := netip.ParseAddr(req.Prefix)
		if aerr != nil {
			return netip.Prefix{}, errors.Wrap(err, errors.KindValidation, "bad prefix")
		}
		p = netip.PrefixFrom(a, a.BitLen())
	}
	return p, nil
}

func (s *Server) tableInsertHandler(w http.ResponseWriter, r *http.Request) {
	p, err := readPrefix(r)
	if err == nil {
		err = s.engine.TableInsert(r.PathValue("name"), p)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]string{"inserted": p.String()})
}

func (s *Server) tableRemoveHandler(w http.ResponseWriter, r *http.Request) {
	p, err := readPrefix(r)
	if err == nil {
		err = s.engine.TableRemove(r.PathValue("name"), p)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]string{"removed": p.String()})
}

func (s *Server) tableFlushHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.TableFlush(r.PathValue("name")); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, nil)
}

// ruleEntries lists rs, expanding dynamic groups to their current members.
func (s *Server) ruleEntries(rs *ruleset.Ruleset) []RuleEntry {
	var out []RuleEntry
	for _, r := range rs.Rules() {
		e := ruleEntry(r)
		if r.Attr()&ruleset.AttrDynamic != 0 {
			members, _ := s.engine.ListRules(r.Name())
			for _, m := range members {
				e.Members = append(e.Members, ruleEntry(m))
			}
		}
		out = append(out, e)
	}
	return out
}

func (s *Server) rulesHandler(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, s.ruleEntries(s.engine.Current().Rules))
}

func (s *Server) natHandler(w http.ResponseWriter, _ *http.Request) {
	type policyInfo struct {
		ID       uint32 `json:"id"`
		Type     string `json:"type"`
		TransNet string `json:"trans_net"`
		Entries  int    `json:"entries"`
	}
	snap := s.engine.Current()
	var policies []policyInfo
	for _, p := range snap.NAT.Policies() {
		d := p.Desc()
		policies = append(policies, policyInfo{ID: d.ID, Type: d.Type.String(), TransNet: d.TransNet.String(), Entries: p.Len()})
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].ID < policies[j].ID })
	writeOK(w, map[string]any{
		"rules":    s.ruleEntries(snap.NAT),
		"policies": policies,
	})
}

func (s *Server) dynamicListHandler(w http.ResponseWriter, r *http.Request) {
	rules, err := s.engine.ListRules(r.PathValue("group"))
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]RuleEntry, 0, len(rules))
	for _, rule := range rules {
		out = append(out, ruleEntry(rule))
	}
	writeOK(w, out)
}

// dynamicAddHandler compiles a rule in the configuration syntax. JSON
// bodies are accepted as a YAML subset.
func (s *Server) dynamicAddHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, errors.Wrap(err, errors.KindValidation, "bad request body"))
		return
	}
	var rc config.RuleConfig
	if err := yaml.Unmarshal(body, &rc); err != nil {
		writeError(w, errors.Wrap(err, errors.KindValidation, "bad rule"))
		return
	}
	rule, err := config.CompileRule(rc, s.engine.Current(), s.ifs)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := s.engine.AddRule(r.PathValue("group"), rule)
	if err != nil {
		if c := rule.Procs(); c != nil {
			c.Release()
		}
		writeError(w, err)
		return
	}
	writeOK(w, map[string]uint64{"id": id})
}

// dynamicRemoveHandler removes by key, or by ID when the key is numeric
// and ?by=id is given.
func (s *Server) dynamicRemoveHandler(w http.ResponseWriter, r *http.Request) {
	group, key := r.PathValue("group"), r.PathValue("key")
	var err error
	if r.URL.Query().Get("by") == "id" {
		id, perr := strconv.ParseUint(key, 10, 64)
		if perr != nil {
			writeError(w, errors.Wrap(perr, errors.KindValidation, "bad rule id"))
			return
		}
		err = s.engine.RemoveRule(r.Context(), group, id)
	} else {
		err = s.engine.RemoveRuleByKey(r.Context(), group, key)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) dynamicFlushHandler(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.FlushRules(r.Context(), r.PathValue("group"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]int{"removed": n})
}

func (s *Server) connsHandler(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 1000)
	proto := r.URL.Query().Get("proto")

	conns := s.engine.Conns()
	out := make([]ConnEntry, 0, min(len(conns), limit))
	for _, c := range conns {
		if len(out) >= limit {
			break
		}
		e := connEntry(c)
		if proto != "" && !strings.EqualFold(e.Proto, proto) {
			continue
		}
		out = append(out, e)
	}
	writeOK(w, out)
}

func (s *Server) connSummaryHandler(w http.ResponseWriter, _ *http.Request) {
	sum := ConnSummary{ByProto: map[string]int{}, ByState: map[string]int{}}
	for _, c := range s.engine.Conns() {
		sum.Total++
		sum.ByProto[logging.ProtoName(c.Forward.Proto)]++
		sum.ByState[c.StateName()]++
		if c.NAT != nil {
			sum.NAT++
		}
	}
	writeOK(w, sum)
}

func (s *Server) connFlushHandler(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, map[string]int{"flushed": s.engine.FlushConns()})
}

func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	if s.eventBuf == nil {
		writeError(w, errors.New(errors.KindUnavailable, "event buffer not available"))
		return
	}
	q := r.URL.Query()
	f := logging.EventFilter{Rule: q.Get("rule"), Protocol: q.Get("protocol"), Action: q.Get("action")}
	recs := s.eventBuf.LatestFiltered(queryInt(r, "limit", 100), f)
	out := make([]EventEntry, 0, len(recs))
	for _, rec := range recs {
		out = append(out, eventEntryFromRecord(rec))
	}
	writeOK(w, out)
}

func (s *Server) configExportHandler(w http.ResponseWriter, _ *http.Request) {
	cfg, err := config.Export(s.engine.Current())
	if err != nil {
		writeError(w, err)
		return
	}
	data, err := cfg.Marshal()
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) configReloadHandler(w http.ResponseWriter, r *http.Request) {
	if s.reload == nil {
		writeError(w, errors.New(errors.KindUnavailable, "reload not available"))
		return
	}
	if err := s.reload(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	snap := s.engine.Current()
	writeOK(w, map[string]string{"snapshot_id": snap.ID.String()})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
