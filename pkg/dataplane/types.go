package dataplane

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/psaab/flowfw/pkg/conntrack"
	"github.com/psaab/flowfw/pkg/rproc"
	"github.com/psaab/flowfw/pkg/ruleset"
	"github.com/psaab/flowfw/pkg/table"
)

// Verdict is the outcome for a packet.
type Verdict int

const (
	VerdictBlock Verdict = iota
	VerdictPass
	// VerdictPending means the packet was a fragment held for reassembly.
	VerdictPending
)

func (v Verdict) String() string {
	switch v {
	case VerdictPass:
		return "pass"
	case VerdictPending:
		return "pending"
	}
	return "block"
}

var (
	ErrMalformed = errors.New("malformed packet")
	ErrNoGroup   = errors.New("no such rule group")
	ErrNoTable   = errors.New("no such table")
)

// Snapshot is one loaded configuration. It is immutable once passed to
// Load, apart from table contents and dynamic rules.
type Snapshot struct {
	ID       uuid.UUID
	LoadedAt time.Time

	Rules  *ruleset.Ruleset
	NAT    *ruleset.Ruleset
	Tables *table.Set
	// Chains are the procedure chains built for the snapshot. The
	// snapshot holds one reference on each.
	Chains []*rproc.Chain
	Params conntrack.Params

	// Source is the description the snapshot was built from.
	Source any
}

// emptySnapshot passes everything.
func emptySnapshot() *Snapshot {
	s := &Snapshot{ID: uuid.New(), LoadedAt: time.Now(), Params: conntrack.DefaultParams()}
	s.fill()
	return s
}

// fill sets missing parts to their empty form.
func (s *Snapshot) fill() {
	if s.Rules == nil {
		s.Rules, _ = ruleset.NewBuilder().Build(true)
	}
	if s.NAT == nil {
		s.NAT, _ = ruleset.NewBuilder().Build(false)
	}
	if s.Tables == nil {
		s.Tables = table.NewSet(0)
	}
}

func (s *Snapshot) ruleset(group string) (*ruleset.Ruleset, error) {
	for _, rs := range []*ruleset.Ruleset{s.Rules, s.NAT} {
		if g, ok := rs.Group(group); ok && g.Attr()&ruleset.AttrDynamic != 0 {
			return rs, nil
		}
	}
	if _, ok := s.Rules.Group(group); ok {
		return s.Rules, nil
	}
	return nil, ErrNoGroup
}
