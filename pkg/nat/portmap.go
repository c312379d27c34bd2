package nat

import (
	"math/bits"
	"math/rand/v2"
	"net/netip"
	"sync"
	"sync/atomic"
)

// Default translation port range.
const (
	DefaultPortMin = 1024
	DefaultPortMax = 49151
)

// maxCASRetries bounds the compare-and-swap attempts Get makes on one
// bitmap word before moving on to the next. A failed attempt means another
// caller changed the word.
const maxCASRetries = 8

// Portmap is a bitmap of allocated translation ports for one address. All
// operations are lock-free.
type Portmap struct {
	addr     netip.Addr
	min, max uint16
	bits     []atomic.Uint64
	refs     int // under Registry.mu
}

func newPortmap(addr netip.Addr, min, max uint16) *Portmap {
	n := int(max-min) + 1
	return &Portmap{addr: addr, min: min, max: max, bits: make([]atomic.Uint64, (n+63)/64)}
}

func (pm *Portmap) Addr() netip.Addr { return pm.addr }

// Range returns the inclusive port range.
func (pm *Portmap) Range() (min, max uint16) { return pm.min, pm.max }

func (pm *Portmap) size() int { return int(pm.max-pm.min) + 1 }

// valid masks the bits of word w that map to ports inside the range.
func (pm *Portmap) valid(w int) uint64 {
	rem := pm.size() - w*64
	if rem >= 64 {
		return ^uint64(0)
	}
	return 1<<uint(rem) - 1
}

// Get claims a free port, starting the search at a random position.
func (pm *Portmap) Get() (uint16, bool) {
	n := pm.size()
	nwords := len(pm.bits)
	start := rand.IntN(n)
	sw, sb := start/64, uint(start%64)

	for k := 0; k <= nwords; k++ {
		w := (sw + k) % nwords
		mask := pm.valid(w)
		switch {
		case k == 0:
			mask &^= 1<<sb - 1
		case k == nwords:
			// Back at the first word: the bits below the start.
			mask &= 1<<sb - 1
		}
		word := &pm.bits[w]
		for try := 0; try < maxCASRetries; try++ {
			old := word.Load()
			free := ^old & mask
			if free == 0 {
				break
			}
			bit := uint(bits.TrailingZeros64(free))
			if word.CompareAndSwap(old, old|1<<bit) {
				return pm.min + uint16(w*64) + uint16(bit), true
			}
		}
	}
	return 0, false
}

// Take claims a specific port. It fails if the port is out of range or in
// use. Take and Put are single atomic operations and never retry.
func (pm *Portmap) Take(port uint16) bool {
	w, bit, ok := pm.index(port)
	if !ok {
		return false
	}
	return pm.bits[w].Or(bit)&bit == 0
}

// Put returns a port.
func (pm *Portmap) Put(port uint16) {
	if w, bit, ok := pm.index(port); ok {
		pm.bits[w].And(^bit)
	}
}

// InUse reports whether port is allocated.
func (pm *Portmap) InUse(port uint16) bool {
	w, bit, ok := pm.index(port)
	return ok && pm.bits[w].Load()&bit != 0
}

// Used counts the allocated ports.
func (pm *Portmap) Used() int {
	n := 0
	for i := range pm.bits {
		n += bits.OnesCount64(pm.bits[i].Load())
	}
	return n
}

func (pm *Portmap) index(port uint16) (int, uint64, bool) {
	if port < pm.min || port > pm.max {
		return 0, 0, false
	}
	i := int(port - pm.min)
	return i / 64, 1 << uint(i%64), true
}

// Registry shares portmaps between policies that translate to the same
// address.
type Registry struct {
	mu       sync.Mutex
	maps     map[netip.Addr]*Portmap
	min, max uint16
}

// NewRegistry returns a registry allocating ports in [min, max]. Zero
// values select the defaults.
func NewRegistry(min, max uint16) *Registry {
	if min == 0 {
		min = DefaultPortMin
	}
	if max == 0 {
		max = DefaultPortMax
	}
	if max < min {
		min, max = max, min
	}
	return &Registry{maps: make(map[netip.Addr]*Portmap), min: min, max: max}
}

// Acquire returns the portmap of addr, creating it on first use.
func (r *Registry) Acquire(addr netip.Addr) *Portmap {
	r.mu.Lock()
	defer r.mu.Unlock()
	pm, ok := r.maps[addr]
	if !ok {
		pm = newPortmap(addr, r.min, r.max)
		r.maps[addr] = pm
	}
	pm.refs++
	return pm
}

// Release drops a reference taken by Acquire.
func (r *Registry) Release(addr netip.Addr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pm, ok := r.maps[addr]
	if !ok {
		return
	}
	if pm.refs--; pm.refs <= 0 {
		delete(r.maps, addr)
	}
}

// Len returns the number of live portmaps.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.maps)
}
