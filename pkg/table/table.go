// Package table implements the address tables that rules use as
// membership predicates.
package table

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"

	"github.com/gaissmai/bart"
	"go4.org/netipx"
)

// Type selects the backing structure of a table.
type Type int

const (
	// TypeHash holds exact host addresses.
	TypeHash Type = iota
	// TypeTree holds prefixes and matches by longest prefix.
	TypeTree
	// TypeConst is built once at load time and cannot be modified.
	TypeConst
)

func (t Type) String() string {
	switch t {
	case TypeHash:
		return "hash"
	case TypeTree:
		return "tree"
	case TypeConst:
		return "const"
	}
	return fmt.Sprintf("type(%d)", int(t))
}

// ParseType maps a configuration name to a Type.
func ParseType(s string) (Type, error) {
	switch s {
	case "hash", "ipset":
		return TypeHash, nil
	case "tree", "lpm":
		return TypeTree, nil
	case "const", "cdb":
		return TypeConst, nil
	}
	return 0, fmt.Errorf("unknown table type %q", s)
}

var (
	ErrExists   = errors.New("entry exists")
	ErrNotFound = errors.New("entry not found")
	ErrReadOnly = errors.New("table is read-only")
	ErrHostOnly = errors.New("hash table accepts host addresses only")
)

type backend interface {
	lookup(netip.Addr) bool
	insert(netip.Prefix) error
	remove(netip.Prefix) error
	list() []netip.Prefix
	flush() error
	len() int
}

// Table is a named address set.
type Table struct {
	id   uint32
	name string
	typ  Type
	be   backend
}

// New creates an empty table. Const tables are created with NewConst.
func New(id uint32, name string, typ Type) (*Table, error) {
	t := &Table{id: id, name: name, typ: typ}
	switch typ {
	case TypeHash:
		t.be = &hashTable{m: make(map[netip.Addr]struct{})}
	case TypeTree:
		t.be = &treeTable{}
	case TypeConst:
		return NewConst(id, name, nil)
	default:
		return nil, fmt.Errorf("table %q: unknown type %d", name, typ)
	}
	return t, nil
}

// NewConst builds an immutable table from entries.
func NewConst(id uint32, name string, entries []netip.Prefix) (*Table, error) {
	var b netipx.IPSetBuilder
	for _, p := range entries {
		if !p.IsValid() {
			return nil, fmt.Errorf("table %q: invalid prefix", name)
		}
		b.AddPrefix(canon(p))
	}
	set, err := b.IPSet()
	if err != nil {
		return nil, fmt.Errorf("table %q: %w", name, err)
	}
	return &Table{id: id, name: name, typ: TypeConst, be: &constTable{set: set}}, nil
}

// withID returns a table sharing t's contents under a new ID.
func (t *Table) withID(id uint32) *Table {
	return &Table{id: id, name: t.name, typ: t.typ, be: t.be}
}

func (t *Table) ID() uint32   { return t.id }
func (t *Table) Name() string { return t.name }
func (t *Table) Type() Type   { return t.typ }

// Lookup reports whether addr is in the table.
func (t *Table) Lookup(addr netip.Addr) bool {
	return t.be.lookup(addr.Unmap())
}

// Insert adds a prefix; a bare address is a full-length prefix.
func (t *Table) Insert(p netip.Prefix) error {
	if !p.IsValid() {
		return fmt.Errorf("table %q: invalid prefix", t.name)
	}
	return t.be.insert(canon(p))
}

// Remove deletes a prefix.
func (t *Table) Remove(p netip.Prefix) error {
	if !p.IsValid() {
		return fmt.Errorf("table %q: invalid prefix", t.name)
	}
	return t.be.remove(canon(p))
}

// List returns the entries in the table.
func (t *Table) List() []netip.Prefix { return t.be.list() }

// Flush removes all entries.
func (t *Table) Flush() error { return t.be.flush() }

// Len returns the number of entries.
func (t *Table) Len() int { return t.be.len() }

func canon(p netip.Prefix) netip.Prefix {
	a := p.Addr()
	if a.Is4In6() && p.Bits() >= 96 {
		return netip.PrefixFrom(a.Unmap(), p.Bits()-96).Masked()
	}
	return p.Masked()
}

type hashTable struct {
	mu sync.RWMutex
	m  map[netip.Addr]struct{}
}

func (h *hashTable) lookup(a netip.Addr) bool {
	h.mu.RLock()
	_, ok := h.m[a]
	h.mu.RUnlock()
	return ok
}

func (h *hashTable) insert(p netip.Prefix) error {
	if !p.IsSingleIP() {
		return ErrHostOnly
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.m[p.Addr()]; ok {
		return ErrExists
	}
	h.m[p.Addr()] = struct{}{}
	return nil
}

func (h *hashTable) remove(p netip.Prefix) error {
	if !p.IsSingleIP() {
		return ErrHostOnly
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.m[p.Addr()]; !ok {
		return ErrNotFound
	}
	delete(h.m, p.Addr())
	return nil
}

func (h *hashTable) list() []netip.Prefix {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]netip.Prefix, 0, len(h.m))
	for a := range h.m {
		out = append(out, netip.PrefixFrom(a, a.BitLen()))
	}
	sortPrefixes(out)
	return out
}

func (h *hashTable) flush() error {
	h.mu.Lock()
	clear(h.m)
	h.mu.Unlock()
	return nil
}

func (h *hashTable) len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.m)
}

type treeTable struct {
	mu sync.RWMutex
	t  bart.Table[struct{}]
}

func (tt *treeTable) lookup(a netip.Addr) bool {
	tt.mu.RLock()
	defer tt.mu.RUnlock()
	return tt.t.Contains(a)
}

func (tt *treeTable) insert(p netip.Prefix) error {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	if _, ok := tt.t.Get(p); ok {
		return ErrExists
	}
	tt.t.Insert(p, struct{}{})
	return nil
}

func (tt *treeTable) remove(p netip.Prefix) error {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	if _, ok := tt.t.Get(p); !ok {
		return ErrNotFound
	}
	tt.t.Delete(p)
	return nil
}

func (tt *treeTable) list() []netip.Prefix {
	tt.mu.RLock()
	defer tt.mu.RUnlock()
	out := make([]netip.Prefix, 0, tt.t.Size())
	for p := range tt.t.All() {
		out = append(out, p)
	}
	sortPrefixes(out)
	return out
}

func (tt *treeTable) flush() error {
	tt.mu.Lock()
	tt.t = bart.Table[struct{}]{}
	tt.mu.Unlock()
	return nil
}

func (tt *treeTable) len() int {
	tt.mu.RLock()
	defer tt.mu.RUnlock()
	return tt.t.Size()
}

type constTable struct {
	set *netipx.IPSet
}

func (c *constTable) lookup(a netip.Addr) bool  { return c.set.Contains(a) }
func (c *constTable) insert(netip.Prefix) error { return ErrReadOnly }
func (c *constTable) remove(netip.Prefix) error { return ErrReadOnly }
func (c *constTable) flush() error              { return ErrReadOnly }
func (c *constTable) list() []netip.Prefix      { return c.set.Prefixes() }
func (c *constTable) len() int                  { return len(c.set.Prefixes()) }
