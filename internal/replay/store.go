// Package replay implements the replay-defence window described in spec
// §4.5: a bounded set of recently-seen nonces/UUIDs, sharded for
// concurrency, with lazy expiry on lookup and a periodic sweep to bound
// memory when a shard sees no traffic.
package replay

import (
	"sync"
	"time"
)

const shardCount = 32

type entry struct {
	expiresAt time.Time
}

type shard struct {
	mu   sync.Mutex
	seen map[[16]byte]entry
}

// Store is a sharded, TTL-bounded replay window. A zero Store is not
// usable; construct one with NewStore.
type Store struct {
	shards [shardCount]*shard
	ttl    time.Duration
}

// NewStore builds a Store that remembers each admitted ID for ttl.
func NewStore(ttl time.Duration) *Store {
	s := &Store{ttl: ttl}
	for i := range s.shards {
		s.shards[i] = &shard{seen: make(map[[16]byte]entry)}
	}
	return s
}

func shardFor(id [16]byte) int {
	// The UUID's own entropy is already uniform; folding the first byte
	// mod shardCount is enough to spread load evenly across shards.
	return int(id[0]) % shardCount
}

// CheckAndStore reports whether id has been seen within the window. If not,
// it is admitted and recorded; if it has, ErrReplay semantics are the
// caller's responsibility — this returns a plain bool so the auth engine
// can decide how to surface it (spec §7's REPLAY_DETECTED kind).
func (s *Store) CheckAndStore(id [16]byte) (seenBefore bool) {
	sh := s.shards[shardFor(id)]
	now := time.Now()

	sh.mu.Lock()
	defer sh.mu.Unlock()

	if e, ok := sh.seen[id]; ok {
		if now.Before(e.expiresAt) {
			return true
		}
		// Lazily expired: treat as unseen and refresh.
	}
	sh.seen[id] = entry{expiresAt: now.Add(s.ttl)}
	return false
}

// Sweep removes expired entries from every shard. Callers should run it
// periodically (e.g. every ttl/2) so a shard that stops receiving traffic
// doesn't hold stale entries indefinitely.
func (s *Store) Sweep() {
	now := time.Now()
	for _, sh := range s.shards {
		sh.mu.Lock()
		for id, e := range sh.seen {
			if !now.After(e.expiresAt) {
				continue
			}
			delete(sh.seen, id)
		}
		sh.mu.Unlock()
	}
}

// Len returns the total number of tracked entries across all shards,
// including ones that are expired but not yet swept. Intended for tests and
// metrics, not for hot-path decisions.
func (s *Store) Len() int {
	total := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		total += len(sh.seen)
		sh.mu.Unlock()
	}
	return total
}

// RunSweeper blocks, calling Sweep on the given interval, until stop is
// closed.
func (s *Store) RunSweeper(interval time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.Sweep()
		case <-stop:
			return
		}
	}
}
