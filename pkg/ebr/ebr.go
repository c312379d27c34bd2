// Package ebr provides epoch-based reclamation for read-mostly state.
// Readers bracket their use of a published pointer with Enter and Exit;
// a writer publishes a replacement and calls Sync before releasing the
// old value.
package ebr

import (
	"context"
	"math/rand/v2"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

type slot struct {
	active [2]atomic.Int64
	_      [48]byte
}

// Domain tracks readers of one family of published values.
type Domain struct {
	epoch atomic.Uint64
	slots []slot
	mu    sync.Mutex
}

// Guard is the read-side marker returned by Enter.
type Guard struct {
	s   *slot
	idx uint64
}

// New returns a domain sized for the number of CPUs.
func New() *Domain {
	return &Domain{slots: make([]slot, 2*runtime.GOMAXPROCS(0))}
}

// Enter marks the start of a read-side section. It never blocks.
func (d *Domain) Enter() Guard {
	s := &d.slots[rand.IntN(len(d.slots))]
	idx := d.epoch.Load() & 1
	s.active[idx].Add(1)
	return Guard{s: s, idx: idx}
}

// Exit ends the read-side section started by Enter.
func (d *Domain) Exit(g Guard) {
	g.s.active[g.idx].Add(-1)
}

// Sync waits until every reader that could have observed a value
// published before the call has exited.
func (d *Domain) Sync(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	// Two flips: a reader may have sampled the epoch before the previous
	// flip and registered after that flip's wait finished.
	for i := 0; i < 2; i++ {
		old := d.epoch.Add(1) - 1
		if err := d.wait(ctx, old&1); err != nil {
			return err
		}
	}
	return nil
}

func (d *Domain) wait(ctx context.Context, idx uint64) error {
	for spins := 0; d.readers(idx) > 0; spins++ {
		if spins < 64 {
			runtime.Gosched()
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
	return nil
}

func (d *Domain) readers(idx uint64) int64 {
	var n int64
	for i := range d.slots {
		n += d.slots[i].active[idx].Load()
	}
	return n
}

// Epoch returns the current epoch.
func (d *Domain) Epoch() uint64 { return d.epoch.Load() }
