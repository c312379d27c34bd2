// Package flowexport sends NetFlow v9 records of finished connections
// to collectors.
package flowexport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/psaab/flowfw/pkg/config"
	"github.com/psaab/flowfw/pkg/conntrack"
	"github.com/psaab/flowfw/pkg/packet"
)

const (
	defaultTemplateRefresh = 60 * time.Second
	batchInterval          = 100 * time.Millisecond
)

// ExportConfig holds the resolved export configuration.
type ExportConfig struct {
	Collectors      []string // "host:port"
	SourceAddress   string   // local bind address (empty = auto)
	TemplateRefresh time.Duration
	SampleRate      int // 1-in-N sampling (0 = export all)
}

// BuildExportConfig resolves the configuration section. It returns nil
// if no flow export is configured.
func BuildExportConfig(fc *config.FlowExportConfig) *ExportConfig {
	if fc == nil || len(fc.Collectors) == 0 {
		return nil
	}
	ec := &ExportConfig{
		SourceAddress:   fc.SourceAddress,
		TemplateRefresh: fc.TemplateRefresh,
		SampleRate:      fc.SampleRate,
	}
	if ec.TemplateRefresh <= 0 {
		ec.TemplateRefresh = defaultTemplateRefresh
	}
	seen := make(map[string]bool)
	for _, c := range fc.Collectors {
		if !seen[c] {
			seen[c] = true
			ec.Collectors = append(ec.Collectors, c)
		}
	}
	return ec
}

// Exporter batches flow records and sends them to every collector.
type Exporter struct {
	cfg      ExportConfig
	bootTime time.Time
	sourceID uint32

	mu    sync.Mutex
	seq   uint32
	conns []net.Conn

	batchMu sync.Mutex
	batchV4 []FlowRecord
	batchV6 []FlowRecord

	sampled       atomic.Uint64
	exportedFlows atomic.Uint64
	exportedPkts  atomic.Uint64
}

// NewExporter dials the collectors.
func NewExporter(cfg ExportConfig) (*Exporter, error) {
	e := &Exporter{
		cfg:      cfg,
		bootTime: time.Now(),
		sourceID: 1,
	}
	var d net.Dialer
	if cfg.SourceAddress != "" {
		d.LocalAddr = &net.UDPAddr{IP: net.ParseIP(cfg.SourceAddress)}
	}
	for _, addr := range cfg.Collectors {
		conn, err := d.Dial("udp", addr)
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("dial collector %s: %w", addr, err)
		}
		e.conns = append(e.conns, conn)
	}
	return e, nil
}

// Run sends templates and flushes batches until ctx is cancelled.
func (e *Exporter) Run(ctx context.Context) {
	e.sendTemplates()

	refresh := e.cfg.TemplateRefresh
	if refresh <= 0 {
		refresh = defaultTemplateRefresh
	}
	templateTicker := time.NewTicker(refresh)
	defer templateTicker.Stop()
	batchTicker := time.NewTicker(batchInterval)
	defer batchTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.Flush()
			return
		case <-templateTicker.C:
			e.sendTemplates()
		case <-batchTicker.C:
			e.Flush()
		}
	}
}

// Add queues the two records of a finished connection. It serves as a
// conntrack.FlowFunc.
func (e *Exporter) Add(f conntrack.Flow) {
	if e.cfg.SampleRate > 1 && e.sampled.Add(1)%uint64(e.cfg.SampleRate) != 0 {
		return
	}
	recs := flowRecords(f)

	e.batchMu.Lock()
	for _, r := range recs {
		if r.IsIPv6() {
			e.batchV6 = append(e.batchV6, r)
		} else {
			e.batchV4 = append(e.batchV4, r)
		}
	}
	e.batchMu.Unlock()
}

// flowRecords splits a connection into its forward and backward records.
// The backward key carries the translated address of a NAT connection.
func flowRecords(f conntrack.Flow) []FlowRecord {
	start := f.End.Add(-f.Duration)
	out := make([]FlowRecord, 0, 2)
	for i, k := range [2]conntrack.Key{f.Forward, f.Backward} {
		if f.Packets[i] == 0 {
			continue
		}
		dir := f.Dir
		if i == 1 {
			dir = dir.Reverse()
		}
		out = append(out, FlowRecord{
			SrcIP:     k.Src,
			DstIP:     k.Dst,
			SrcPort:   k.SrcID,
			DstPort:   k.DstID,
			Protocol:  k.Proto,
			Packets:   f.Packets[i],
			Bytes:     f.Bytes[i],
			StartTime: start,
			EndTime:   f.End,
			IfIndex:   f.IfID,
			Egress:    dir == packet.Out,
		})
	}
	return out
}

// Stats returns the records and packets exported.
func (e *Exporter) Stats() (flows, packets uint64) {
	return e.exportedFlows.Load(), e.exportedPkts.Load()
}

// Close shuts down all collector connections.
func (e *Exporter) Close() {
	for _, c := range e.conns {
		c.Close()
	}
}

func (e *Exporter) nextSeq() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	seq := e.seq
	e.seq++
	return seq
}

func (e *Exporter) send(count uint16, flowset []byte) {
	now := time.Now()
	hdr := nfHeader{
		Count:     count,
		SysUptime: uptimeMs(e.bootTime, now),
		UnixSecs:  uint32(now.Unix()),
		SeqNumber: e.nextSeq(),
		SourceID:  e.sourceID,
	}
	pkt := append(encodeHeader(hdr), flowset...)
	for _, c := range e.conns {
		if _, err := c.Write(pkt); err != nil {
			slog.Debug("netflow send failed", "collector", c.RemoteAddr(), "err", err)
		}
	}
}

func (e *Exporter) sendTemplates() {
	e.send(2, encodeTemplateFlowSet())
}

// Flush sends the queued records.
func (e *Exporter) Flush() {
	e.batchMu.Lock()
	v4, v6 := e.batchV4, e.batchV6
	e.batchV4, e.batchV6 = nil, nil
	e.batchMu.Unlock()

	e.sendRecords(v4, recordSizeV4)
	e.sendRecords(v6, recordSizeV6)
}

func (e *Exporter) sendRecords(records []FlowRecord, recSize int) {
	maxRecords := max((maxPayload-headerSize-flowsetHdr)/recSize, 1)
	for i := 0; i < len(records); i += maxRecords {
		batch := records[i:min(i+maxRecords, len(records))]
		e.send(uint16(len(batch)), encodeDataFlowSet(batch, e.bootTime))
		e.exportedFlows.Add(uint64(len(batch)))
		e.exportedPkts.Add(1)
	}
}
