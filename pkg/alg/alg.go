// Package alg implements application level gateways: helpers that find
// and translate addresses embedded in packet payloads.
package alg

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/psaab/flowfw/pkg/nat"
	"github.com/psaab/flowfw/pkg/packet"
)

var (
	ErrExists   = errors.New("ALG already registered")
	ErrNotFound = errors.New("ALG not registered")
)

// ALG is a protocol helper consulted on connection lookup and NAT.
type ALG interface {
	Name() string
	// Match is offered every new NAT entry. Returning true claims it.
	Match(v *packet.View, e *nat.Entry, dir packet.Direction) bool
	// Translate rewrites addresses embedded in the payload. It runs before
	// the packet's own header is translated and reports whether the
	// buffer changed.
	Translate(v *packet.View, e *nat.Entry, forw bool) bool
	// Conn returns the key of the flow a packet belongs to when it cannot
	// be derived from the packet's own header.
	Conn(v *packet.View, dir packet.Direction) (packet.Tuple, bool)
}

// Registry holds the registered ALGs. Readers take a snapshot without
// locking.
type Registry struct {
	mu   sync.Mutex
	algs atomic.Pointer[[]ALG]
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	r.algs.Store(&[]ALG{})
	return r
}

// Register adds an ALG.
func (r *Registry) Register(a ALG) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := *r.algs.Load()
	for _, x := range cur {
		if x.Name() == a.Name() {
			return fmt.Errorf("%w: %s", ErrExists, a.Name())
		}
	}
	next := append(append(make([]ALG, 0, len(cur)+1), cur...), a)
	r.algs.Store(&next)
	return nil
}

// Unregister removes an ALG. Entries it claimed keep their association
// until they are destroyed.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := *r.algs.Load()
	next := make([]ALG, 0, len(cur))
	for _, x := range cur {
		if x.Name() != name {
			next = append(next, x)
		}
	}
	if len(next) == len(cur) {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	r.algs.Store(&next)
	return nil
}

// Names lists the registered ALGs.
func (r *Registry) Names() []string {
	cur := *r.algs.Load()
	names := make([]string, len(cur))
	for i, a := range cur {
		names[i] = a.Name()
	}
	sort.Strings(names)
	return names
}

// Match offers e to each ALG until one claims it.
func (r *Registry) Match(v *packet.View, e *nat.Entry, dir packet.Direction) bool {
	for _, a := range *r.algs.Load() {
		if a.Match(v, e, dir) {
			e.SetALG(a.Name(), nil)
			return true
		}
	}
	return false
}

// Translate runs every ALG's payload translation.
func (r *Registry) Translate(v *packet.View, e *nat.Entry, forw bool) bool {
	changed := false
	for _, a := range *r.algs.Load() {
		if a.Translate(v, e, forw) {
			changed = true
		}
	}
	return changed
}

// Conn asks the ALGs for the flow key of a packet.
func (r *Registry) Conn(v *packet.View, dir packet.Direction) (packet.Tuple, bool) {
	for _, a := range *r.algs.Load() {
		if t, ok := a.Conn(v, dir); ok {
			return t, true
		}
	}
	return packet.Tuple{}, false
}
