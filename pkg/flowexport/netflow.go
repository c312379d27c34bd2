package flowexport

import (
	"encoding/binary"
	"net/netip"
	"time"
)

// NetFlow v9 field types (RFC 3954).
const (
	fieldInBytes       = 1
	fieldInPkts        = 2
	fieldProtocol      = 4
	fieldL4SrcPort     = 7
	fieldIPv4SrcAddr   = 8
	fieldInputSNMP     = 10
	fieldL4DstPort     = 11
	fieldIPv4DstAddr   = 12
	fieldLastSwitched  = 21
	fieldFirstSwitched = 22
	fieldIPv6SrcAddr   = 27
	fieldIPv6DstAddr   = 28
	fieldDirection     = 61
)

const (
	templateIDv4 = 256
	templateIDv6 = 257

	headerSize  = 20
	flowsetHdr  = 4
	maxPayload  = 1400
	nfVersion   = 9
	templateSet = 0
)

type field struct {
	typ, len uint16
}

func templateFields(v6 bool) []field {
	addrLen := uint16(4)
	src, dst := uint16(fieldIPv4SrcAddr), uint16(fieldIPv4DstAddr)
	if v6 {
		addrLen = 16
		src, dst = fieldIPv6SrcAddr, fieldIPv6DstAddr
	}
	return []field{
		{src, addrLen},
		{dst, addrLen},
		{fieldL4SrcPort, 2},
		{fieldL4DstPort, 2},
		{fieldProtocol, 1},
		{fieldInPkts, 8},
		{fieldInBytes, 8},
		{fieldFirstSwitched, 4},
		{fieldLastSwitched, 4},
		{fieldInputSNMP, 4},
		{fieldDirection, 1},
	}
}

func recordSize(v6 bool) int {
	n := 0
	for _, f := range templateFields(v6) {
		n += int(f.len)
	}
	return n
}

var (
	recordSizeV4 = recordSize(false)
	recordSizeV6 = recordSize(true)
)

// FlowRecord is one unidirectional NetFlow record.
type FlowRecord struct {
	SrcIP     netip.Addr
	DstIP     netip.Addr
	SrcPort   uint16
	DstPort   uint16
	Protocol  uint8
	Packets   uint64
	Bytes     uint64
	StartTime time.Time
	EndTime   time.Time
	IfIndex   uint32
	// Egress is set for records leaving through IfIndex.
	Egress bool
}

// IsIPv6 reports whether the record needs the IPv6 template.
func (r FlowRecord) IsIPv6() bool { return r.SrcIP.Is6() && !r.SrcIP.Is4In6() }

type nfHeader struct {
	Count     uint16
	SysUptime uint32
	UnixSecs  uint32
	SeqNumber uint32
	SourceID  uint32
}

func encodeHeader(h nfHeader) []byte {
	b := make([]byte, 0, headerSize)
	b = binary.BigEndian.AppendUint16(b, nfVersion)
	b = binary.BigEndian.AppendUint16(b, h.Count)
	b = binary.BigEndian.AppendUint32(b, h.SysUptime)
	b = binary.BigEndian.AppendUint32(b, h.UnixSecs)
	b = binary.BigEndian.AppendUint32(b, h.SeqNumber)
	b = binary.BigEndian.AppendUint32(b, h.SourceID)
	return b
}

// encodeTemplateFlowSet returns the flowset announcing both templates.
func encodeTemplateFlowSet() []byte {
	var body []byte
	for _, t := range []struct {
		id uint16
		v6 bool
	}{{templateIDv4, false}, {templateIDv6, true}} {
		fields := templateFields(t.v6)
		body = binary.BigEndian.AppendUint16(body, t.id)
		body = binary.BigEndian.AppendUint16(body, uint16(len(fields)))
		for _, f := range fields {
			body = binary.BigEndian.AppendUint16(body, f.typ)
			body = binary.BigEndian.AppendUint16(body, f.len)
		}
	}
	b := binary.BigEndian.AppendUint16(nil, templateSet)
	b = binary.BigEndian.AppendUint16(b, uint16(flowsetHdr+len(body)))
	return append(b, body...)
}

// encodeDataFlowSet encodes records of one family, padded to four bytes.
func encodeDataFlowSet(records []FlowRecord, boot time.Time) []byte {
	if len(records) == 0 {
		return nil
	}
	v6 := records[0].IsIPv6()
	id, size := uint16(templateIDv4), recordSizeV4
	if v6 {
		id, size = templateIDv6, recordSizeV6
	}
	length := flowsetHdr + len(records)*size
	pad := (4 - length%4) % 4

	b := make([]byte, 0, length+pad)
	b = binary.BigEndian.AppendUint16(b, id)
	b = binary.BigEndian.AppendUint16(b, uint16(length+pad))
	for _, r := range records {
		if v6 {
			s, d := r.SrcIP.As16(), r.DstIP.As16()
			b = append(b, s[:]...)
			b = append(b, d[:]...)
		} else {
			s, d := r.SrcIP.Unmap().As4(), r.DstIP.Unmap().As4()
			b = append(b, s[:]...)
			b = append(b, d[:]...)
		}
		b = binary.BigEndian.AppendUint16(b, r.SrcPort)
		b = binary.BigEndian.AppendUint16(b, r.DstPort)
		b = append(b, r.Protocol)
		b = binary.BigEndian.AppendUint64(b, r.Packets)
		b = binary.BigEndian.AppendUint64(b, r.Bytes)
		b = binary.BigEndian.AppendUint32(b, uptimeMs(boot, r.StartTime))
		b = binary.BigEndian.AppendUint32(b, uptimeMs(boot, r.EndTime))
		b = binary.BigEndian.AppendUint32(b, r.IfIndex)
		var dir byte
		if r.Egress {
			dir = 1
		}
		b = append(b, dir)
	}
	for range pad {
		b = append(b, 0)
	}
	return b
}

// uptimeMs returns the milliseconds from boot to t, zero if t is earlier.
func uptimeMs(boot, t time.Time) uint32 {
	d := t.Sub(boot)
	if d < 0 {
		return 0
	}
	return uint32(d.Milliseconds())
}
