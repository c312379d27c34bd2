package conntrack

import (
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// DefaultShards is the number of store partitions.
const DefaultShards = 64

type dbEntry struct {
	conn *Conn
	forw bool
}

type shard struct {
	mu sync.RWMutex
	m  map[Key]dbEntry
	_  [40]byte
}

// DB maps both keys of every connection to it. New connections are also
// pushed onto a lock-free stack that the collector drains.
type DB struct {
	shards []shard
	seed   uint64
	n      atomic.Int64 // keys
	conns  atomic.Int64 // forward keys, one per connection
	fresh  atomic.Pointer[Conn]
}

// NewDB returns an empty store with n partitions.
func NewDB(n int) *DB {
	if n <= 0 {
		n = DefaultShards
	}
	db := &DB{shards: make([]shard, n), seed: rand.Uint64()}
	for i := range db.shards {
		db.shards[i].m = make(map[Key]dbEntry)
	}
	return db
}

func (db *DB) shardFor(k Key) *shard {
	var (
		buf [37]byte
		d   xxhash.Digest
	)
	d.ResetWithSeed(db.seed)
	_, _ = d.Write(k.bytes(&buf))
	return &db.shards[d.Sum64()%uint64(len(db.shards))]
}

// Insert maps k to c. It fails if k is already present.
func (db *DB) Insert(k Key, c *Conn, forw bool) bool {
	s := db.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.m[k]; dup {
		return false
	}
	s.m[k] = dbEntry{conn: c, forw: forw}
	db.added(forw, 1)
	return true
}

// Lookup finds the connection of k and takes a reference on it.
func (db *DB) Lookup(k Key) (*Conn, bool) {
	s := db.shardFor(k)
	s.mu.RLock()
	e, ok := s.m[k]
	if ok {
		e.conn.refs.Add(1)
	}
	s.mu.RUnlock()
	return e.conn, e.forw
}

// Remove unmaps k and returns the connection it pointed to.
func (db *DB) Remove(k Key) *Conn {
	s := db.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.m[k]
	if !ok {
		return nil
	}
	delete(s.m, k)
	db.added(e.forw, -1)
	return e.conn
}

// removeConn unmaps k only while it still points to c.
func (db *DB) removeConn(k Key, c *Conn) bool {
	s := db.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.m[k]
	if !ok || e.conn != c {
		return false
	}
	delete(s.m, k)
	db.added(e.forw, -1)
	return true
}

func (db *DB) added(forw bool, d int64) {
	db.n.Add(d)
	if forw {
		db.conns.Add(d)
	}
}

// Len returns the number of mapped keys.
func (db *DB) Len() int { return int(db.n.Load()) }

// Conns returns the number of mapped connections. A connection whose two
// keys coincide holds a single key.
func (db *DB) Conns() int { return int(db.conns.Load()) }

// enqueue pushes c onto the new-connection stack.
func (db *DB) enqueue(c *Conn) {
	for {
		head := db.fresh.Load()
		c.gcNext = head
		if db.fresh.CompareAndSwap(head, c) {
			return
		}
	}
}

// takeNew detaches the new-connection stack.
func (db *DB) takeNew() *Conn { return db.fresh.Swap(nil) }

// forEach calls fn for the forward mapping of every connection.
func (db *DB) forEach(fn func(*Conn) bool) {
	for i := range db.shards {
		s := &db.shards[i]
		s.mu.RLock()
		conns := make([]*Conn, 0, len(s.m))
		for _, e := range s.m {
			if e.forw {
				conns = append(conns, e.conn)
			}
		}
		s.mu.RUnlock()
		for _, c := range conns {
			if !fn(c) {
				return
			}
		}
	}
}
