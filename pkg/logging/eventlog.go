// Package logging provides slog setup, syslog forwarding and a ring of
// recent filter events.
package logging

import (
	"fmt"
	"log/slog"
	"sync"
)

// EventCallback is called for each recorded event.
type EventCallback func(rec EventRecord)

// EventLog records filter events into an EventBuffer and forwards them to
// syslog. It is the sink of the log rule procedure.
type EventLog struct {
	buffer *EventBuffer

	syslogMu      sync.RWMutex
	syslogClients []*SyslogClient

	callbackMu sync.RWMutex
	callbacks  []EventCallback
}

// NewEventLog creates an event log writing into buffer.
func NewEventLog(buffer *EventBuffer) *EventLog {
	return &EventLog{buffer: buffer}
}

// Buffer returns the underlying event buffer.
func (el *EventLog) Buffer() *EventBuffer { return el.buffer }

// AddCallback registers a callback that will be invoked for every event.
func (el *EventLog) AddCallback(cb EventCallback) {
	el.callbackMu.Lock()
	el.callbacks = append(el.callbacks, cb)
	el.callbackMu.Unlock()
}

// ReplaceSyslogClients atomically swaps syslog clients and closes old ones.
func (el *EventLog) ReplaceSyslogClients(clients []*SyslogClient) {
	el.syslogMu.Lock()
	old := el.syslogClients
	el.syslogClients = clients
	el.syslogMu.Unlock()
	for _, c := range old {
		c.Close()
	}
}

// Record stores rec and forwards it.
func (el *EventLog) Record(rec EventRecord) {
	el.buffer.Add(rec)

	slog.Debug("filter event",
		"type", rec.Type, "rule", rec.Rule, "src", rec.SrcAddr,
		"dst", rec.DstAddr, "proto", rec.Protocol, "action", rec.Action)

	el.syslogMu.RLock()
	clients := el.syslogClients
	el.syslogMu.RUnlock()
	if len(clients) > 0 {
		severity := EventSeverity(rec)
		msg := FormatEvent(rec)
		for _, c := range clients {
			if c.ShouldSend(severity) {
				if err := c.Send(severity, msg); err != nil {
					slog.Debug("syslog send failed", "err", err)
				}
			}
		}
	}

	el.callbackMu.RLock()
	cbs := el.callbacks
	el.callbackMu.RUnlock()
	for _, cb := range cbs {
		cb(rec)
	}
}

// Close closes the syslog clients.
func (el *EventLog) Close() {
	el.ReplaceSyslogClients(nil)
}

// EventSeverity maps an event to its syslog severity.
func EventSeverity(rec EventRecord) int {
	if rec.Action == "block" {
		return SyslogWarning
	}
	return SyslogInfo
}

// FormatEvent formats an EventRecord as a syslog message body.
func FormatEvent(rec EventRecord) string {
	msg := fmt.Sprintf("FLOWFW %s rule=%s if=%s dir=%s src=%s dst=%s proto=%s action=%s len=%d",
		rec.Type, rec.Rule, rec.Interface, rec.Direction, rec.SrcAddr, rec.DstAddr,
		rec.Protocol, rec.Action, rec.Length)
	if rec.NATAddr != "" {
		msg += " nat=" + rec.NATAddr
	}
	return msg
}

// ProtoName returns a display name for an IP protocol number.
func ProtoName(p uint8) string {
	switch p {
	case 6:
		return "TCP"
	case 17:
		return "UDP"
	case 1:
		return "ICMP"
	case 58:
		return "ICMPv6"
	default:
		return fmt.Sprintf("%d", p)
	}
}
