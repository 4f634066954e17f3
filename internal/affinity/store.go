// Package affinity implements sticky sessions: once a (key, capability,
// session) tuple has been served by an upstream, follow-up requests land on
// the same upstream until the entry expires or migration moves it.
package affinity

import (
	"hash/fnv"
	"sync"
	"time"
)

const (
	numShards = 32

	// DefaultSlidingTTL is the idle expiry after the last access.
	DefaultSlidingTTL = 5 * time.Minute
	// DefaultMaxTTL is the absolute expiry after creation.
	DefaultMaxTTL = 30 * time.Minute
)

// Key identifies one affinity binding.
type Key struct {
	APIKeyID   string
	Capability string
	SessionID  string
}

// Entry is a sticky binding of a session to an upstream.
type Entry struct {
	UpstreamID       string
	CreatedAt        time.Time
	LastAccessedAt   time.Time
	ContentLength    int64
	CumulativeTokens int64
}

type shard struct {
	mu      sync.Mutex
	entries map[Key]*Entry
}

// Store is a sharded in-memory affinity map with sliding and absolute TTLs.
type Store struct {
	shards     [numShards]*shard
	slidingTTL time.Duration
	maxTTL     time.Duration
}

// NewStore creates a store with the given TTLs; zero values take the defaults.
func NewStore(slidingTTL, maxTTL time.Duration) *Store {
	if slidingTTL <= 0 {
		slidingTTL = DefaultSlidingTTL
	}
	if maxTTL <= 0 {
		maxTTL = DefaultMaxTTL
	}
	s := &Store{slidingTTL: slidingTTL, maxTTL: maxTTL}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[Key]*Entry)}
	}
	return s
}

func (s *Store) shardFor(k Key) *shard {
	h := fnv.New32a()
	h.Write([]byte(k.APIKeyID))
	h.Write([]byte{0})
	h.Write([]byte(k.Capability))
	h.Write([]byte{0})
	h.Write([]byte(k.SessionID))
	return s.shards[h.Sum32()%numShards]
}

func (s *Store) expired(e *Entry, now time.Time) bool {
	return now.Sub(e.LastAccessedAt) > s.slidingTTL || now.Sub(e.CreatedAt) > s.maxTTL
}

// Get returns a copy of the live entry for k, refreshing its sliding TTL,
// or ok=false when absent or expired. Expired entries are removed eagerly.
func (s *Store) Get(k Key) (Entry, bool) {
	now := time.Now()
	sh := s.shardFor(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[k]
	if !ok {
		return Entry{}, false
	}
	if s.expired(e, now) {
		delete(sh.entries, k)
		return Entry{}, false
	}
	e.LastAccessedAt = now
	return *e, true
}

// Set binds k to upstreamID. An existing entry keeps its CumulativeTokens and
// CreatedAt; only inserts start a fresh lifetime.
func (s *Store) Set(k Key, upstreamID string, contentLength int64) {
	now := time.Now()
	sh := s.shardFor(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if e, ok := sh.entries[k]; ok && !s.expired(e, now) {
		e.UpstreamID = upstreamID
		e.ContentLength = contentLength
		e.LastAccessedAt = now
		return
	}
	sh.entries[k] = &Entry{
		UpstreamID:     upstreamID,
		CreatedAt:      now,
		LastAccessedAt: now,
		ContentLength:  contentLength,
	}
}

// UpdateCumulativeTokens adds delta to the entry's token counter.
// The counter never decreases; negative deltas are ignored.
func (s *Store) UpdateCumulativeTokens(k Key, delta int64) {
	if delta <= 0 {
		return
	}
	sh := s.shardFor(k)
	sh.mu.Lock()
	if e, ok := sh.entries[k]; ok {
		e.CumulativeTokens += delta
	}
	sh.mu.Unlock()
}

// Delete removes the entry for k.
func (s *Store) Delete(k Key) {
	sh := s.shardFor(k)
	sh.mu.Lock()
	delete(sh.entries, k)
	sh.mu.Unlock()
}

// Sweep removes every expired entry and returns the count removed.
func (s *Store) Sweep(now time.Time) int {
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, e := range sh.entries {
			if s.expired(e, now) {
				delete(sh.entries, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Len returns the number of live entries (expired entries may be counted
// until the next sweep).
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}
