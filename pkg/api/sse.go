package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/psaab/flowfw/pkg/errors"
	"github.com/psaab/flowfw/pkg/logging"
)

// setSSEHeaders configures the response for Server-Sent Events streaming.
func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

// writeSSEEvent writes a single SSE event to the response.
func writeSSEEvent(w http.ResponseWriter, id string, event string, data string) {
	fmt.Fprintf(w, "id: %s\n", id)
	if event != "" {
		fmt.Fprintf(w, "event: %s\n", event)
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// streamEvents subscribes with f and calls send for each event until
// the client goes away. Events are numbered from 1 per stream.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, f logging.EventFilter, send func(seq uint64, rec logging.EventRecord)) {
	if s.eventBuf == nil {
		writeError(w, errors.New(errors.KindUnavailable, "event buffer not available"))
		return
	}
	setSSEHeaders(w)
	sub := s.eventBuf.Subscribe(128, f)
	defer sub.Close()

	var seq uint64
	for {
		select {
		case <-r.Context().Done():
			if n := sub.Missed(); n > 0 {
				slog.Debug("event stream dropped events", "remote", r.RemoteAddr, "missed", n)
			}
			return
		case rec := <-sub.C:
			seq++
			send(seq, rec)
		}
	}
}

// eventStreamHandler streams events as JSON. Query: type (comma list),
// action.
func (s *Server) eventStreamHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := logging.EventFilter{Types: parseTypes(q.Get("type")), Action: q.Get("action")}
	s.streamEvents(w, r, f, func(seq uint64, rec logging.EventRecord) {
		data, err := json.Marshal(eventEntryFromRecord(rec))
		if err != nil {
			return
		}
		writeSSEEvent(w, strconv.FormatUint(seq, 10), rec.Type, string(data))
	})
}

// logStreamHandler streams events as syslog-style lines. Query:
// severity, type.
func (s *Server) logStreamHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	minSev := logging.ParseSeverity(q.Get("severity"))
	f := logging.EventFilter{Types: parseTypes(q.Get("type"))}
	s.streamEvents(w, r, f, func(seq uint64, rec logging.EventRecord) {
		sev := logging.EventSeverity(rec)
		if minSev != 0 && sev > minSev {
			return
		}
		data, err := json.Marshal(LogStreamEntry{
			Time:     rec.Time.Format(time.RFC3339),
			Severity: severityName(sev),
			Message:  logging.FormatEvent(rec),
		})
		if err != nil {
			return
		}
		writeSSEEvent(w, strconv.FormatUint(seq, 10), "log", string(data))
	})
}

// LogStreamEntry is a log message sent via SSE.
type LogStreamEntry struct {
	Time     string `json:"time"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

func eventEntryFromRecord(rec logging.EventRecord) EventEntry {
	return EventEntry{
		Time:      rec.Time.Format(time.RFC3339),
		Type:      rec.Type,
		Rule:      rec.Rule,
		Interface: rec.Interface,
		Direction: rec.Direction,
		SrcAddr:   rec.SrcAddr,
		DstAddr:   rec.DstAddr,
		Protocol:  rec.Protocol,
		Action:    rec.Action,
		NATAddr:   rec.NATAddr,
		Length:    rec.Length,
	}
}

// parseTypes splits a comma-separated type list, upper-casing each.
func parseTypes(s string) []string {
	var types []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			types = append(types, strings.ToUpper(t))
		}
	}
	return types
}

func severityName(s int) string {
	switch s {
	case logging.SyslogError:
		return "error"
	case logging.SyslogWarning:
		return "warning"
	default:
		return "info"
	}
}
