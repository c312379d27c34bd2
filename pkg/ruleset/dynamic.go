package ruleset

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// subset is the sub-list of a dynamic group, ordered by priority. Readers
// walk it without locking; writers serialize on mu and link a new rule
// only after its own next pointer is set.
type subset struct {
	mu      sync.Mutex
	head    atomic.Pointer[Rule]
	maxPrio int32
	n       int
}

func (s *subset) inspect(in *Input) *Rule {
	for r := s.head.Load(); r != nil; r = r.next.Load() {
		if r.match(in) {
			return r
		}
	}
	return nil
}

// insert links r by priority; equal priorities keep insertion order.
func (s *subset) insert(r *Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var prev *Rule
	switch r.prio {
	case PriorityFirst:
		r.prio = 0
	case PriorityLast:
		r.prio = s.maxPrio + 1
		fallthrough
	default:
		for it := s.head.Load(); it != nil && it.prio <= r.prio; it = it.next.Load() {
			prev = it
		}
	}
	if r.prio > s.maxPrio {
		s.maxPrio = r.prio
	}

	if prev == nil {
		r.next.Store(s.head.Load())
		s.head.Store(r)
	} else {
		r.next.Store(prev.next.Load())
		prev.next.Store(r)
	}
	s.n++
}

// remove unlinks the first rule accepted by fn. The removed rule keeps its
// next pointer so concurrent readers can continue past it.
func (s *subset) remove(fn func(*Rule) bool) *Rule {
	s.mu.Lock()
	defer s.mu.Unlock()

	var prev *Rule
	for it := s.head.Load(); it != nil; it = it.next.Load() {
		if !fn(it) {
			prev = it
			continue
		}
		if prev == nil {
			s.head.Store(it.next.Load())
		} else {
			prev.next.Store(it.next.Load())
		}
		s.n--
		return it
	}
	return nil
}

func (s *subset) list() []*Rule {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Rule, 0, s.n)
	for it := s.head.Load(); it != nil; it = it.next.Load() {
		out = append(out, it)
	}
	return out
}

func (s *subset) flush() []*Rule {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Rule
	for it := s.head.Load(); it != nil; it = it.next.Load() {
		out = append(out, it)
	}
	s.head.Store(nil)
	s.n = 0
	s.maxPrio = 0
	return out
}

func (rs *Ruleset) dynamicGroup(name string) (*subset, error) {
	g, ok := rs.groups[name]
	if !ok {
		return nil, fmt.Errorf("%w: group %q", ErrNotFound, name)
	}
	if !g.isDynamic() {
		return nil, fmt.Errorf("%w: %q", ErrNotDynamic, name)
	}
	return g.subset, nil
}

// AddDynamic inserts r into a dynamic group and returns its ID.
func (rs *Ruleset) AddDynamic(group string, r *Rule) (uint64, error) {
	s, err := rs.dynamicGroup(group)
	if err != nil {
		return 0, err
	}
	if r.isGroup() {
		return 0, ErrDynamicRule
	}
	r.id = rs.ids.Add(1)
	s.insert(r)
	return r.id, nil
}

// RemoveDynamic removes a sub-rule by ID. The caller must wait for readers
// to drain before releasing the rule's resources.
func (rs *Ruleset) RemoveDynamic(group string, id uint64) (*Rule, error) {
	s, err := rs.dynamicGroup(group)
	if err != nil {
		return nil, err
	}
	r := s.remove(func(r *Rule) bool { return r.id == id })
	if r == nil {
		return nil, fmt.Errorf("%w: %s#%d", ErrNotFound, group, id)
	}
	return r, nil
}

// RemoveDynamicByKey removes the first sub-rule with the given key.
func (rs *Ruleset) RemoveDynamicByKey(group, key string) (*Rule, error) {
	s, err := rs.dynamicGroup(group)
	if err != nil {
		return nil, err
	}
	r := s.remove(func(r *Rule) bool { return r.key == key })
	if r == nil {
		return nil, fmt.Errorf("%w: %s key %q", ErrNotFound, group, key)
	}
	return r, nil
}

// ListDynamic returns the sub-rules of a group in inspection order.
func (rs *Ruleset) ListDynamic(group string) ([]*Rule, error) {
	s, err := rs.dynamicGroup(group)
	if err != nil {
		return nil, err
	}
	return s.list(), nil
}

// FlushDynamic removes all sub-rules of a group and returns them.
func (rs *Ruleset) FlushDynamic(group string) ([]*Rule, error) {
	s, err := rs.dynamicGroup(group)
	if err != nil {
		return nil, err
	}
	return s.flush(), nil
}
