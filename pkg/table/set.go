package table

import (
	"fmt"
	"net/netip"
	"slices"
)

// Set is the tableset of one configuration snapshot, indexed by ID.
type Set struct {
	tables []*Table
	byName map[string]*Table
}

// NewSet returns a set with room for n tables, IDs 0 through n-1.
func NewSet(n int) *Set {
	return &Set{tables: make([]*Table, n), byName: make(map[string]*Table, n)}
}

// Add places t at its ID.
func (s *Set) Add(t *Table) error {
	if int(t.id) >= len(s.tables) {
		return fmt.Errorf("table %q: id %d out of range", t.name, t.id)
	}
	if s.tables[t.id] != nil {
		return fmt.Errorf("table %q: id %d already used by %q", t.name, t.id, s.tables[t.id].name)
	}
	if _, ok := s.byName[t.name]; ok {
		return fmt.Errorf("table %q: duplicate name", t.name)
	}
	s.tables[t.id] = t
	s.byName[t.name] = t
	return nil
}

// Cap returns the number of table IDs the set can hold.
func (s *Set) Cap() int { return len(s.tables) }

// Get returns the table with the given ID.
func (s *Set) Get(id uint32) *Table {
	if int(id) >= len(s.tables) {
		return nil
	}
	return s.tables[id]
}

// ByName returns the named table.
func (s *Set) ByName(name string) *Table {
	return s.byName[name]
}

// Lookup tests addr against table id; a missing table never matches.
func (s *Set) Lookup(id uint32, addr netip.Addr) bool {
	t := s.Get(id)
	return t != nil && t.Lookup(addr)
}

// Tables returns the tables ordered by ID.
func (s *Set) Tables() []*Table {
	out := make([]*Table, 0, len(s.byName))
	for _, t := range s.tables {
		if t != nil {
			out = append(out, t)
		}
	}
	return out
}

// Reload carries runtime contents from the active set into s: each
// non-const table that declares no entries and whose name and type match
// a table in old takes over the old table's entries. A table with
// declared entries is loaded as declared. It returns the names of
// migrated tables.
func (s *Set) Reload(old *Set) []string {
	if old == nil {
		return nil
	}
	var migrated []string
	for i, t := range s.tables {
		if t == nil || t.typ == TypeConst || t.Len() > 0 {
			continue
		}
		ot := old.byName[t.name]
		if ot == nil || ot.typ != t.typ {
			continue
		}
		nt := ot.withID(t.id)
		s.tables[i] = nt
		s.byName[t.name] = nt
		migrated = append(migrated, t.name)
	}
	slices.Sort(migrated)
	return migrated
}

func sortPrefixes(ps []netip.Prefix) {
	slices.SortFunc(ps, func(a, b netip.Prefix) int {
		if c := a.Addr().Compare(b.Addr()); c != 0 {
			return c
		}
		return a.Bits() - b.Bits()
	})
}
