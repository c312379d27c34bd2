// Package rproc implements rule procedures: named chains of extension
// calls that run on packets matched by a rule.
package rproc

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/psaab/flowfw/pkg/packet"
)

var (
	ErrUnknown  = errors.New("unknown procedure")
	ErrExists   = errors.New("procedure already registered")
	ErrBadParam = errors.New("invalid procedure parameter")
)

// Context is the per-packet state handed to each procedure of a chain.
type Context struct {
	View      *packet.View
	IfID      uint32
	Dir       packet.Direction
	Rule      string
	Interface string

	// Pass is the current decision. A procedure blocks the packet by
	// clearing it.
	Pass bool
	// Mutated is set by procedures that wrote into the packet buffer.
	Mutated bool
}

// Procedure is one extension call. Process returns false to stop the rest
// of the chain.
type Procedure interface {
	Name() string
	Process(ctx *Context) bool
}

// Factory builds a procedure from its parameters.
type Factory func(params map[string]string) (Procedure, error)

// Registry maps extension names to factories.
type Registry struct {
	mu sync.RWMutex
	m  map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{m: make(map[string]Factory)}
}

// Register adds an extension.
func (r *Registry) Register(name string, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.m[name]; ok {
		return fmt.Errorf("%w: %s", ErrExists, name)
	}
	r.m[name] = f
	return nil
}

// Unregister removes an extension. Chains already built keep their
// procedures.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	delete(r.m, name)
	r.mu.Unlock()
}

// Names lists the registered extensions.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.m))
	for n := range r.m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// New builds a procedure of the named extension.
func (r *Registry) New(name string, params map[string]string) (Procedure, error) {
	r.mu.RLock()
	f, ok := r.m[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknown, name)
	}
	p, err := f(params)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return p, nil
}

// Chain is a named, reference-counted sequence of procedures. Rules and
// connections hold references; the procedures are closed when the last
// one is released.
type Chain struct {
	name  string
	procs []Procedure
	refs  atomic.Int32
}

// NewChain returns a chain holding one reference.
func NewChain(name string, procs ...Procedure) *Chain {
	c := &Chain{name: name, procs: procs}
	c.refs.Store(1)
	return c
}

func (c *Chain) Name() string { return c.name }

// Procedures returns the procedures in run order.
func (c *Chain) Procedures() []Procedure { return c.procs }

// Refs returns the current reference count.
func (c *Chain) Refs() int32 { return c.refs.Load() }

// Acquire takes a reference.
func (c *Chain) Acquire() {
	c.refs.Add(1)
}

// Release drops a reference.
func (c *Chain) Release() {
	n := c.refs.Add(-1)
	if n > 0 {
		return
	}
	if n < 0 {
		panic("rproc: chain " + c.name + " released too often")
	}
	for _, p := range c.procs {
		if cl, ok := p.(io.Closer); ok {
			if err := cl.Close(); err != nil {
				slog.Warn("rproc close failed", "chain", c.name, "proc", p.Name(), "err", err)
			}
		}
	}
}

// Run executes the chain and returns the final decision.
func (c *Chain) Run(ctx *Context) bool {
	for _, p := range c.procs {
		if !p.Process(ctx) {
			break
		}
	}
	return ctx.Pass
}

func (c *Chain) String() string {
	names := make([]string, len(c.procs))
	for i, p := range c.procs {
		names[i] = p.Name()
	}
	return c.name + "(" + strings.Join(names, ",") + ")"
}
