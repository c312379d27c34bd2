package logging

import (
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// EventRecord is one rule or translation event.
type EventRecord struct {
	Time      time.Time
	Type      string // RULE_MATCH, BLOCK, NAT_CREATE
	Rule      string
	Interface string
	Direction string // in, out
	SrcAddr   string // addr:port
	DstAddr   string
	Protocol  string
	Action    string // pass, block
	NATAddr   string // translated address, if any
	Length    int
}

// EventFilter selects events. Zero fields match everything.
type EventFilter struct {
	Types    []string // exact event types
	Rule     string   // exact rule name
	Protocol string   // case-insensitive substring
	Action   string   // case-insensitive substring
}

// Match reports whether rec passes f.
func (f EventFilter) Match(rec *EventRecord) bool {
	switch {
	case len(f.Types) > 0 && !slices.Contains(f.Types, rec.Type):
		return false
	case f.Rule != "" && rec.Rule != f.Rule:
		return false
	case !containsFold(rec.Protocol, f.Protocol):
		return false
	case !containsFold(rec.Action, f.Action):
		return false
	}
	return true
}

func containsFold(s, sub string) bool {
	return sub == "" || strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}

// EventBuffer keeps the most recent events and fans new ones out to
// subscribers.
type EventBuffer struct {
	mu   sync.RWMutex
	ring []EventRecord
	seq  uint64 // events ever added; the next slot is seq % len(ring)
	subs map[*Subscription]struct{}
}

// Subscription receives events matching its filter on C. Events that
// arrive while C is full are dropped and counted.
type Subscription struct {
	C      chan EventRecord
	filter EventFilter
	missed atomic.Uint64
	eb     *EventBuffer
}

// Missed returns the number of events dropped because C was full.
func (s *Subscription) Missed() uint64 { return s.missed.Load() }

// Close stops delivery. C is left open; pending events stay readable.
func (s *Subscription) Close() {
	s.eb.mu.Lock()
	delete(s.eb.subs, s)
	s.eb.mu.Unlock()
}

// NewEventBuffer returns a buffer holding the last size events.
func NewEventBuffer(size int) *EventBuffer {
	return &EventBuffer{
		ring: make([]EventRecord, max(size, 1)),
		subs: make(map[*Subscription]struct{}),
	}
}

// Add stores rec, replacing the oldest event when full, and offers it
// to every matching subscriber without blocking.
func (eb *EventBuffer) Add(rec EventRecord) {
	eb.mu.Lock()
	eb.ring[eb.seq%uint64(len(eb.ring))] = rec
	eb.seq++
	for sub := range eb.subs {
		if !sub.filter.Match(&rec) {
			continue
		}
		select {
		case sub.C <- rec:
		default:
			sub.missed.Add(1)
		}
	}
	eb.mu.Unlock()
}

// Subscribe registers a subscriber with a channel of the given capacity.
func (eb *EventBuffer) Subscribe(capacity int, f EventFilter) *Subscription {
	if capacity < 1 {
		capacity = 64
	}
	sub := &Subscription{C: make(chan EventRecord, capacity), filter: f, eb: eb}
	eb.mu.Lock()
	eb.subs[sub] = struct{}{}
	eb.mu.Unlock()
	return sub
}

// Subscribers returns the number of open subscriptions.
func (eb *EventBuffer) Subscribers() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.subs)
}

// Seq returns the number of events ever added.
func (eb *EventBuffer) Seq() uint64 {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return eb.seq
}

// Latest returns up to n of the most recent events, newest first.
func (eb *EventBuffer) Latest(n int) []EventRecord {
	return eb.LatestFiltered(n, EventFilter{})
}

// LatestFiltered returns up to n of the most recent events matching f,
// newest first.
func (eb *EventBuffer) LatestFiltered(n int, f EventFilter) []EventRecord {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	stored := min(eb.seq, uint64(len(eb.ring)))
	var out []EventRecord
	for i := uint64(1); i <= stored && len(out) < n; i++ {
		rec := &eb.ring[(eb.seq-i)%uint64(len(eb.ring))]
		if f.Match(rec) {
			out = append(out, *rec)
		}
	}
	return out
}
