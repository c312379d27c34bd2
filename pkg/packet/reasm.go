package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/ip4defrag"
	"github.com/gopacket/gopacket/layers"
)

// DefaultReassemblyTimeout bounds how long an incomplete datagram is kept.
const DefaultReassemblyTimeout = 30 * time.Second

const maxFrag6Queues = 1024

var (
	ErrNotFragment = errors.New("packet is not a fragment")
	ErrOverlap     = errors.New("overlapping fragments")
	ErrTooMany     = errors.New("too many incomplete datagrams")
)

// Reassembler collects IPv4 and IPv6 fragments into whole datagrams.
type Reassembler struct {
	timeout time.Duration
	v4      *ip4defrag.IPv4Defragmenter

	mu sync.Mutex
	v6 map[frag6Key]*frag6Queue
}

type frag6Key struct {
	src, dst [16]byte
	id       uint32
}

type frag6Piece struct {
	off  int
	data []byte
}

type frag6Queue struct {
	head    []byte // unfragmentable part of the first fragment
	ref     int
	next    uint8
	pieces  []frag6Piece
	total   int // -1 until the last fragment is seen
	created time.Time
}

// NewReassembler returns a reassembler that drops incomplete datagrams
// after timeout.
func NewReassembler(timeout time.Duration) *Reassembler {
	if timeout <= 0 {
		timeout = DefaultReassemblyTimeout
	}
	return &Reassembler{
		timeout: timeout,
		v4:      ip4defrag.NewIPv4Defragmenter(),
		v6:      make(map[frag6Key]*frag6Queue),
	}
}

// Add feeds a fragment. It returns the reassembled datagram and true once
// all fragments have arrived, or false while more are expected. The
// fragment is copied so the caller may reuse its buffer.
func (r *Reassembler) Add(v *View) ([]byte, bool, error) {
	if !v.Cached(FlagIPFrag) {
		return nil, false, ErrNotFragment
	}
	if v.Cached(FlagIPv4) {
		return r.add4(v)
	}
	return r.add6(v, time.Now())
}

func (r *Reassembler) add4(v *View) ([]byte, bool, error) {
	data := append([]byte(nil), v.buf[:v.plen]...)
	ip4 := &layers.IPv4{}
	if err := ip4.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return nil, false, fmt.Errorf("decode fragment: %w", err)
	}
	out, err := r.v4.DefragIPv4(ip4)
	if err != nil {
		return nil, false, fmt.Errorf("defragment: %w", err)
	}
	if out == nil {
		return nil, false, nil
	}
	sb := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(sb, opts, out, gopacket.Payload(out.Payload)); err != nil {
		return nil, false, fmt.Errorf("serialize datagram: %w", err)
	}
	return sb.Bytes(), true, nil
}

func (r *Reassembler) add6(v *View, now time.Time) ([]byte, bool, error) {
	b := v.buf
	fh := b[v.frag6 : v.frag6+8]
	offlg := binary.BigEndian.Uint16(fh[2:4])
	off := int(offlg &^ 0x7)
	more := offlg&0x1 != 0
	payload := b[v.frag6+8 : v.plen]
	if more && len(payload)%8 != 0 {
		return nil, false, fmt.Errorf("fragment length %d not a multiple of 8", len(payload))
	}

	k := frag6Key{id: binary.BigEndian.Uint32(fh[4:8])}
	copy(k.src[:], b[8:24])
	copy(k.dst[:], b[24:40])

	r.mu.Lock()
	defer r.mu.Unlock()

	q, ok := r.v6[k]
	if !ok {
		if len(r.v6) >= maxFrag6Queues {
			return nil, false, ErrTooMany
		}
		q = &frag6Queue{total: -1, created: now}
		r.v6[k] = q
	}
	if off == 0 {
		q.head = append([]byte(nil), b[:v.frag6]...)
		q.ref = v.frag6Ref
		q.next = fh[0]
	}
	if !more {
		q.total = off + len(payload)
	}
	for _, p := range q.pieces {
		if off < p.off+len(p.data) && p.off < off+len(payload) {
			delete(r.v6, k)
			return nil, false, ErrOverlap
		}
	}
	q.pieces = append(q.pieces, frag6Piece{off: off, data: append([]byte(nil), payload...)})

	if q.head == nil || q.total < 0 {
		return nil, false, nil
	}
	sort.Slice(q.pieces, func(i, j int) bool { return q.pieces[i].off < q.pieces[j].off })
	have := 0
	for _, p := range q.pieces {
		if p.off != have {
			return nil, false, nil
		}
		have += len(p.data)
	}
	if have != q.total {
		return nil, false, nil
	}
	delete(r.v6, k)

	out := make([]byte, 0, len(q.head)+q.total)
	out = append(out, q.head...)
	out[q.ref] = q.next
	for _, p := range q.pieces {
		out = append(out, p.data...)
	}
	binary.BigEndian.PutUint16(out[4:6], uint16(len(out)-ipv6HdrLen))
	return out, true, nil
}

// Expire drops incomplete datagrams older than the timeout and returns
// how many were dropped.
func (r *Reassembler) Expire(now time.Time) int {
	n := r.v4.DiscardOlderThan(now.Add(-r.timeout))
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, q := range r.v6 {
		if now.Sub(q.created) > r.timeout {
			delete(r.v6, k)
			n++
		}
	}
	return n
}
