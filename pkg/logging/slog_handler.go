package logging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// syslogSinks is shared by a handler and every handler derived from it,
// so SetClients reaches loggers built with With and WithGroup.
type syslogSinks struct {
	mu      sync.RWMutex
	clients []*SyslogClient
}

func (s *syslogSinks) swap(clients []*SyslogClient) []*SyslogClient {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.clients
	s.clients = clients
	return old
}

func (s *syslogSinks) get() []*SyslogClient {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clients
}

// SyslogSlogHandler writes records to a base handler and forwards them
// to the configured syslog servers.
type SyslogSlogHandler struct {
	base   slog.Handler
	sinks  *syslogSinks
	attrs  []slog.Attr
	groups []string
}

// NewSyslogSlogHandler wraps base. It forwards nothing until SetClients.
func NewSyslogSlogHandler(base slog.Handler) *SyslogSlogHandler {
	return &SyslogSlogHandler{base: base, sinks: new(syslogSinks)}
}

// SetClients replaces the syslog servers and closes the previous ones.
func (h *SyslogSlogHandler) SetClients(clients []*SyslogClient) {
	for _, c := range h.sinks.swap(clients) {
		c.Close()
	}
}

// Close closes the syslog clients. The base handler keeps working.
func (h *SyslogSlogHandler) Close() {
	h.SetClients(nil)
}

func (h *SyslogSlogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.base.Enabled(ctx, level)
}

func (h *SyslogSlogHandler) Handle(ctx context.Context, r slog.Record) error {
	err := h.base.Handle(ctx, r)

	clients := h.sinks.get()
	if len(clients) == 0 {
		return err
	}
	sev := syslogSeverity(r.Level)
	var msg string
	for _, c := range clients {
		if !c.ShouldSend(sev) {
			continue
		}
		if msg == "" {
			msg = formatRecord(r, h.attrs, h.groups)
		}
		c.Send(sev, msg)
	}
	return err
}

func (h *SyslogSlogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	// Attributes added inside a group carry the group prefix.
	prefixed := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		prefixed[i] = slog.Attr{Key: groupKey(h.groups, a.Key), Value: a.Value}
	}
	return &SyslogSlogHandler{
		base:   h.base.WithAttrs(attrs),
		sinks:  h.sinks,
		attrs:  append(h.attrs[:len(h.attrs):len(h.attrs)], prefixed...),
		groups: h.groups,
	}
}

func (h *SyslogSlogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &SyslogSlogHandler{
		base:   h.base.WithGroup(name),
		sinks:  h.sinks,
		attrs:  h.attrs,
		groups: append(h.groups[:len(h.groups):len(h.groups)], name),
	}
}

func syslogSeverity(level slog.Level) int {
	switch {
	case level >= slog.LevelError:
		return SyslogError
	case level >= slog.LevelWarn:
		return SyslogWarning
	case level >= slog.LevelInfo:
		return SyslogInfo
	default:
		return SyslogDebug
	}
}

func groupKey(groups []string, key string) string {
	if len(groups) == 0 {
		return key
	}
	return strings.Join(groups, ".") + "." + key
}

// formatRecord renders "msg k=v ..." with the handler's attributes first.
func formatRecord(r slog.Record, pre []slog.Attr, groups []string) string {
	var b strings.Builder
	b.WriteString(r.Message)
	for _, a := range pre {
		fmt.Fprintf(&b, " %s=%s", a.Key, a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&b, " %s=%s", groupKey(groups, a.Key), a.Value)
		return true
	})
	return b.String()
}
