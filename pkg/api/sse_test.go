package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psaab/flowfw/pkg/logging"
)

// lockedRecorder is a ResponseWriter that a test may read while the
// handler is still writing.
type lockedRecorder struct {
	mu     sync.Mutex
	header http.Header
	code   int
	body   bytes.Buffer
}

func newLockedRecorder() *lockedRecorder {
	return &lockedRecorder{header: make(http.Header), code: http.StatusOK}
}

func (lr *lockedRecorder) Header() http.Header { return lr.header }
func (lr *lockedRecorder) Flush()              {}

func (lr *lockedRecorder) WriteHeader(code int) {
	lr.mu.Lock()
	lr.code = code
	lr.mu.Unlock()
}

func (lr *lockedRecorder) Write(p []byte) (int, error) {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	return lr.body.Write(p)
}

func (lr *lockedRecorder) String() string {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	return lr.body.String()
}

// stream runs handler on url until the returned stop is called. It
// returns once the handler has subscribed.
func stream(t *testing.T, buf *logging.EventBuffer, handler http.HandlerFunc, url string) (*lockedRecorder, func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	w := newLockedRecorder()
	done := make(chan struct{})
	go func() {
		handler(w, httptest.NewRequest(http.MethodGet, url, nil).WithContext(ctx))
		close(done)
	}()
	require.Eventually(t, func() bool { return buf.Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)
	stop := func() {
		cancel()
		<-done
	}
	t.Cleanup(stop)
	return w, stop
}

func waitFor(t *testing.T, w *lockedRecorder, substr string) {
	t.Helper()
	require.Eventually(t, func() bool { return strings.Contains(w.String(), substr) },
		2*time.Second, 5*time.Millisecond, "waiting for %q", substr)
}

func TestWriteSSEEvent(t *testing.T) {
	tests := []struct {
		name  string
		event string
		want  string
	}{
		{"typed", "BLOCK", "id: 7\nevent: BLOCK\ndata: {}\n\n"},
		{"untyped", "", "id: 7\ndata: {}\n\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			writeSSEEvent(w, "7", tt.event, "{}")
			assert.Equal(t, tt.want, w.Body.String())
		})
	}

	w := httptest.NewRecorder()
	setSSEHeaders(w)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", w.Header().Get("Cache-Control"))
}

func TestParseTypes(t *testing.T) {
	assert.Nil(t, parseTypes(""))
	assert.Equal(t, []string{"BLOCK"}, parseTypes("block"))
	assert.Equal(t, []string{"BLOCK", "NAT_CREATE"}, parseTypes(" block , , nat_create "))
}

func TestStreamWithoutBuffer(t *testing.T) {
	s := &Server{}
	for _, h := range []http.HandlerFunc{s.eventStreamHandler, s.logStreamHandler} {
		w := httptest.NewRecorder()
		h(w, httptest.NewRequest(http.MethodGet, "/api/v1/events/stream", nil))
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	}
}

func TestEventStream(t *testing.T) {
	buf := logging.NewEventBuffer(16)
	s := &Server{eventBuf: buf}
	w, stop := stream(t, buf, s.eventStreamHandler, "/api/v1/events/stream?type=block")

	buf.Add(logging.EventRecord{Time: time.Now(), Type: "RULE_MATCH", Rule: "lan-out", Action: "pass"})
	buf.Add(logging.EventRecord{
		Time: time.Now(), Type: "BLOCK", Rule: "wan-in", Interface: "wan0", Direction: "in",
		SrcAddr: "198.51.100.7:4000", DstAddr: "203.0.113.9:22", Protocol: "TCP", Action: "block",
	})
	waitFor(t, w, "event: BLOCK")
	stop()

	body := w.String()
	assert.NotContains(t, body, "lan-out")
	assert.Contains(t, body, "id: 1\n")
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	var entry EventEntry
	require.NoError(t, json.Unmarshal([]byte(dataLine(t, body)), &entry))
	assert.Equal(t, "wan-in", entry.Rule)
	assert.Equal(t, "198.51.100.7:4000", entry.SrcAddr)
}

func TestLogStream(t *testing.T) {
	buf := logging.NewEventBuffer(16)
	s := &Server{eventBuf: buf}
	w, stop := stream(t, buf, s.logStreamHandler, "/api/v1/logs/stream?severity=warning")

	buf.Add(logging.EventRecord{Time: time.Now(), Type: "RULE_MATCH", Rule: "lan-out", Action: "pass"})
	buf.Add(logging.EventRecord{
		Time: time.Now(), Type: "BLOCK", Rule: "ssh-in", Action: "block",
		SrcAddr: "10.0.1.5:999", DstAddr: "10.0.2.1:22", Protocol: "TCP",
	})
	waitFor(t, w, "event: log")
	stop()

	body := w.String()
	assert.NotContains(t, body, "lan-out")
	var entry LogStreamEntry
	require.NoError(t, json.Unmarshal([]byte(dataLine(t, body)), &entry))
	assert.Equal(t, "warning", entry.Severity)
	assert.Contains(t, entry.Message, "rule=ssh-in")
}

func dataLine(t *testing.T, body string) string {
	t.Helper()
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		if data, ok := strings.CutPrefix(sc.Text(), "data: "); ok {
			return data
		}
	}
	t.Fatalf("no data line in %q", body)
	return ""
}
