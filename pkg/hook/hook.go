// Package hook feeds packets from Linux NFQUEUE queues to the packet
// handler and returns its verdicts to the kernel.
package hook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/florianl/go-nfqueue/v2"
	"github.com/mdlayher/netlink"

	"github.com/psaab/flowfw/pkg/dataplane"
	"github.com/psaab/flowfw/pkg/packet"
)

const (
	maxPacketLen = 0xffff
	maxQueueLen  = 4096
)

// Handler decides the fate of a packet.
type Handler interface {
	HandlePacket(buf []byte, ifid uint32, dir packet.Direction) (dataplane.Verdict, []byte, error)
}

// verdicter abstracts *nfqueue.Nfqueue for testing.
type verdicter interface {
	SetVerdict(id uint32, verdict int) error
	SetVerdictModPacket(id uint32, verdict int, pkt []byte) error
}

// Queue binds one NFQUEUE number to a hook direction.
type Queue struct {
	Num uint16
	Dir packet.Direction
	// FailOpen accepts packets when the queue is full.
	FailOpen bool

	h Handler

	received atomic.Uint64
	dropped  atomic.Uint64
	errs     atomic.Uint64
}

// NewQueue returns a queue that hands packets to h.
func NewQueue(num uint16, dir packet.Direction, h Handler) *Queue {
	return &Queue{Num: num, Dir: dir, h: h}
}

// Stats returns the packets received, dropped and the handler errors.
func (q *Queue) Stats() (received, dropped, errs uint64) {
	return q.received.Load(), q.dropped.Load(), q.errs.Load()
}

// Run processes packets until ctx is done.
func (q *Queue) Run(ctx context.Context) error {
	cfg := &nfqueue.Config{
		NfQueue:      q.Num,
		MaxPacketLen: maxPacketLen,
		MaxQueueLen:  maxQueueLen,
		Copymode:     nfqueue.NfQnlCopyPacket,
		WriteTimeout: 15 * time.Millisecond,
	}
	if q.FailOpen {
		cfg.Flags = nfqueue.NfQaCfgFlagFailOpen
	}
	nf, err := nfqueue.Open(cfg)
	if err != nil {
		return fmt.Errorf("open queue %d: %w", q.Num, err)
	}
	defer nf.Close()

	// Losing a burst must not kill the socket.
	if err := nf.SetOption(netlink.NoENOBUFS, true); err != nil {
		return fmt.Errorf("queue %d: set %v: %w", q.Num, netlink.NoENOBUFS, err)
	}

	fn := func(a nfqueue.Attribute) int {
		q.process(nf, a)
		return 0
	}
	errFn := func(e error) int {
		if ctx.Err() != nil {
			return 1
		}
		var opErr *netlink.OpError
		if errors.As(e, &opErr) && opErr.Timeout() {
			return 0
		}
		slog.Warn("queue receive error", "queue", q.Num, "err", e)
		return 0
	}
	if err := nf.RegisterWithErrorFunc(ctx, fn, errFn); err != nil {
		return fmt.Errorf("register queue %d: %w", q.Num, err)
	}
	slog.Info("queue hook started", "queue", q.Num, "dir", q.Dir)
	<-ctx.Done()
	slog.Info("queue hook stopped", "queue", q.Num)
	return nil
}

func (q *Queue) process(v verdicter, a nfqueue.Attribute) {
	if a.PacketID == nil {
		return
	}
	id := *a.PacketID
	if a.Payload == nil {
		_ = v.SetVerdict(id, nfqueue.NfAccept)
		return
	}
	q.received.Add(1)

	var ifid uint32
	switch {
	case q.Dir == packet.In && a.InDev != nil:
		ifid = *a.InDev
	case q.Dir == packet.Out && a.OutDev != nil:
		ifid = *a.OutDev
	}

	verdict, out, err := q.h.HandlePacket(*a.Payload, ifid, q.Dir)
	if err != nil {
		q.errs.Add(1)
		slog.Debug("packet handler error", "queue", q.Num, "if", ifid, "err", err)
	}

	switch verdict {
	case dataplane.VerdictPass:
		// The handler rewrites in place; reassembly returns a new buffer.
		err = v.SetVerdictModPacket(id, nfqueue.NfAccept, out)
	default:
		// A pending fragment is held by the reassembler and reinjected
		// with the last one.
		q.dropped.Add(1)
		err = v.SetVerdict(id, nfqueue.NfDrop)
	}
	if err != nil {
		slog.Debug("set verdict failed", "queue", q.Num, "id", id, "err", err)
	}
}
