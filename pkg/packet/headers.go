package packet

import "encoding/binary"

// L4 is the cached layer 4 header. It is one of TCP, UDP, ICMPv4 or
// ICMPv6; each covers the header and the segment payload.
type L4 interface {
	isL4()
}

// TCP flag bits.
const (
	TCPFin uint8 = 0x01
	TCPSyn uint8 = 0x02
	TCPRst uint8 = 0x04
	TCPPsh uint8 = 0x08
	TCPAck uint8 = 0x10
	TCPUrg uint8 = 0x20
)

// TCP option kinds used by the state tracker and normalizer.
const (
	TCPOptEnd    = 0
	TCPOptNop    = 1
	TCPOptMSS    = 2
	TCPOptWScale = 3
)

type TCP []byte

func (TCP) isL4() {}

func (h TCP) SrcPort() uint16  { return binary.BigEndian.Uint16(h[0:2]) }
func (h TCP) DstPort() uint16  { return binary.BigEndian.Uint16(h[2:4]) }
func (h TCP) Seq() uint32      { return binary.BigEndian.Uint32(h[4:8]) }
func (h TCP) Ack() uint32      { return binary.BigEndian.Uint32(h[8:12]) }
func (h TCP) HeaderLen() int   { return int(h[12]>>4) * 4 }
func (h TCP) Flags() uint8     { return h[13] }
func (h TCP) Window() uint16   { return binary.BigEndian.Uint16(h[14:16]) }
func (h TCP) Checksum() uint16 { return binary.BigEndian.Uint16(h[16:18]) }
func (h TCP) Options() []byte  { return h[20:h.HeaderLen()] }
func (h TCP) Payload() []byte  { return h[h.HeaderLen():] }

func (h TCP) SetChecksum(c uint16) { binary.BigEndian.PutUint16(h[16:18], c) }

// WindowScale returns the window scale option, if present.
func (h TCP) WindowScale() (uint8, bool) {
	var ws uint8
	found := false
	h.walkOptions(func(kind uint8, _ int, data []byte) bool {
		if kind == TCPOptWScale && len(data) == 1 {
			ws, found = data[0], true
			return false
		}
		return true
	})
	if ws > 14 {
		ws = 14
	}
	return ws, found
}

// MSS returns the offset of the maximum segment size value within the
// segment, if the option is present.
func (h TCP) MSS() (uint16, int, bool) {
	var mss uint16
	off := -1
	h.walkOptions(func(kind uint8, pos int, data []byte) bool {
		if kind == TCPOptMSS && len(data) == 2 {
			mss = binary.BigEndian.Uint16(data)
			off = 20 + pos + 2
			return false
		}
		return true
	})
	return mss, off, off >= 0
}

// walkOptions calls fn with the kind, option offset and data of every
// well-formed option until fn returns false.
func (h TCP) walkOptions(fn func(kind uint8, pos int, data []byte) bool) {
	opts := h.Options()
	for i := 0; i < len(opts); {
		switch opts[i] {
		case TCPOptEnd:
			return
		case TCPOptNop:
			i++
			continue
		}
		if i+1 >= len(opts) {
			return
		}
		l := int(opts[i+1])
		if l < 2 || i+l > len(opts) {
			return
		}
		if !fn(opts[i], i, opts[i+2:i+l]) {
			return
		}
		i += l
	}
}

type UDP []byte

func (UDP) isL4() {}

func (h UDP) SrcPort() uint16  { return binary.BigEndian.Uint16(h[0:2]) }
func (h UDP) DstPort() uint16  { return binary.BigEndian.Uint16(h[2:4]) }
func (h UDP) Length() uint16   { return binary.BigEndian.Uint16(h[4:6]) }
func (h UDP) Checksum() uint16 { return binary.BigEndian.Uint16(h[6:8]) }
func (h UDP) Payload() []byte  { return h[8:] }

func (h UDP) SetChecksum(c uint16) { binary.BigEndian.PutUint16(h[6:8], c) }

// ICMP types with special handling.
const (
	ICMPv4EchoReply      = 0
	ICMPv4Unreachable    = 3
	ICMPv4Redirect       = 5
	ICMPv4Echo           = 8
	ICMPv4TimeExceeded   = 11
	ICMPv4ParamProblem   = 12
	ICMPv4Timestamp      = 13
	ICMPv4TimestampReply = 14
	ICMPv6Unreachable    = 1
	ICMPv6PacketTooBig   = 2
	ICMPv6TimeExceeded   = 3
	ICMPv6ParamProblem   = 4
	ICMPv6EchoRequest    = 128
	ICMPv6EchoReply      = 129
)

type ICMPv4 []byte

func (ICMPv4) isL4() {}

func (h ICMPv4) Type() uint8      { return h[0] }
func (h ICMPv4) Code() uint8      { return h[1] }
func (h ICMPv4) Checksum() uint16 { return binary.BigEndian.Uint16(h[2:4]) }
func (h ICMPv4) ID() uint16       { return binary.BigEndian.Uint16(h[4:6]) }
func (h ICMPv4) Payload() []byte  { return h[8:] }

func (h ICMPv4) SetChecksum(c uint16) { binary.BigEndian.PutUint16(h[2:4], c) }

// IsQuery reports whether the message carries a query identifier.
func (h ICMPv4) IsQuery() bool {
	switch h.Type() {
	case ICMPv4Echo, ICMPv4EchoReply, ICMPv4Timestamp, ICMPv4TimestampReply:
		return true
	}
	return false
}

// IsError reports whether the message embeds an offending IP header.
func (h ICMPv4) IsError() bool {
	switch h.Type() {
	case ICMPv4Unreachable, ICMPv4Redirect, ICMPv4TimeExceeded, ICMPv4ParamProblem:
		return true
	}
	return false
}

type ICMPv6 []byte

func (ICMPv6) isL4() {}

func (h ICMPv6) Type() uint8      { return h[0] }
func (h ICMPv6) Code() uint8      { return h[1] }
func (h ICMPv6) Checksum() uint16 { return binary.BigEndian.Uint16(h[2:4]) }
func (h ICMPv6) ID() uint16       { return binary.BigEndian.Uint16(h[4:6]) }
func (h ICMPv6) Payload() []byte  { return h[8:] }

func (h ICMPv6) SetChecksum(c uint16) { binary.BigEndian.PutUint16(h[2:4], c) }

func (h ICMPv6) IsQuery() bool {
	t := h.Type()
	return t == ICMPv6EchoRequest || t == ICMPv6EchoReply
}

func (h ICMPv6) IsError() bool {
	return h.Type() < 128
}
