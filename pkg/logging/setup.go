package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// ParseLevel converts a level name to a slog.Level.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", name)
}

// Setup installs the default logger: a text handler on w wrapped with
// syslog forwarding. The returned handler accepts syslog clients later.
func Setup(w io.Writer, level slog.Level) *SyslogSlogHandler {
	base := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	h := NewSyslogSlogHandler(base)
	slog.SetDefault(slog.New(h))
	return h
}
