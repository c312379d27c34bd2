package logging

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"
)

// Syslog severities (RFC 3164). A lower value is more severe.
const (
	SyslogError   = 3
	SyslogWarning = 4
	SyslogInfo    = 6
	SyslogDebug   = 7
)

// Syslog facilities.
const (
	FacilityDaemon = 3
	FacilityLocal0 = 16
)

const syslogPort = "514"

var severities = map[string]int{
	"error":   SyslogError,
	"warning": SyslogWarning,
	"info":    SyslogInfo,
	"debug":   SyslogDebug,
}

// SyslogClient sends RFC 3164 messages over UDP.
type SyslogClient struct {
	conn   net.Conn
	prefix string // " host flowfw: "

	Facility int
	// MinSeverity is the least severe level sent; 0 sends everything.
	MinSeverity int
}

// NewSyslogClient dials addr, "host" or "host:port", on the local0
// facility.
func NewSyslogClient(addr string) (*SyslogClient, error) {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, syslogPort)
	}
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial syslog %s: %w", addr, err)
	}
	host, _ := os.Hostname()
	if host == "" {
		host = "flowfw"
	}
	return &SyslogClient{conn: conn, prefix: " " + host + " flowfw: ", Facility: FacilityLocal0}, nil
}

// Send writes one message.
func (s *SyslogClient) Send(severity int, msg string) error {
	b := make([]byte, 0, 64+len(msg))
	b = append(b, '<')
	b = strconv.AppendInt(b, int64(s.Facility*8+severity), 10)
	b = append(b, '>')
	b = time.Now().AppendFormat(b, time.Stamp)
	b = append(b, s.prefix...)
	b = append(b, msg...)
	_, err := s.conn.Write(b)
	return err
}

// ShouldSend reports whether severity passes MinSeverity.
func (s *SyslogClient) ShouldSend(severity int) bool {
	return s.MinSeverity == 0 || severity <= s.MinSeverity
}

// ParseSeverity returns the severity named by name, or 0 if unknown.
func ParseSeverity(name string) int {
	return severities[name]
}

func (s *SyslogClient) Close() error {
	return s.conn.Close()
}
