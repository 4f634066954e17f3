package circuitbreaker

import (
	"sync"
	"time"

	gateway "github.com/autorouter/autorouter/internal"
)

// Registry manages per-upstream Breaker instances. Upstreams may carry their
// own breaker config; the registry default applies otherwise.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   gateway.BreakerConfig
}

// NewRegistry creates a circuit breaker registry with the given default config.
func NewRegistry(cfg gateway.BreakerConfig) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		config:   cfg,
	}
}

// Get returns the breaker for the given upstream ID, or nil if none exists.
func (r *Registry) Get(upstreamID string) *Breaker {
	r.mu.RLock()
	b := r.breakers[upstreamID]
	r.mu.RUnlock()
	return b
}

// GetOrCreate returns the breaker for upstreamID, creating one with cfg if
// needed. Uses double-check locking to minimize write-lock contention.
func (r *Registry) GetOrCreate(upstreamID string, cfg *gateway.BreakerConfig) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[upstreamID]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[upstreamID]; ok {
		return b
	}
	c := r.config
	if cfg != nil {
		c = *cfg
	}
	b = NewBreaker(c)
	r.breakers[upstreamID] = b
	return b
}

// Admittable reports whether the upstream's breaker would admit a request,
// without claiming the probe slot. Creates the breaker on first sight so that
// per-upstream config takes effect before the first failure.
func (r *Registry) Admittable(upstreamID string, cfg *gateway.BreakerConfig) bool {
	return r.GetOrCreate(upstreamID, cfg).Admittable()
}

// StateOf returns the state name for an upstream, "closed" when no breaker
// has been created yet.
func (r *Registry) StateOf(upstreamID string) string {
	if b := r.Get(upstreamID); b != nil {
		return b.State().String()
	}
	return StateClosed.String()
}

// Snapshots returns a copy of every breaker's state keyed by upstream ID.
func (r *Registry) Snapshots() map[string]Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Snapshot, len(r.breakers))
	for id, b := range r.breakers {
		out[id] = b.Snapshot()
	}
	return out
}

// EvictStale removes breakers not used since cutoff.
// Phase 1: RLock to snapshot stale keys. Phase 2: Lock to delete them.
func (r *Registry) EvictStale(cutoff time.Time) int {
	r.mu.RLock()
	var staleKeys []string
	for k, b := range r.breakers {
		if b.LastUsed().Before(cutoff) {
			staleKeys = append(staleKeys, k)
		}
	}
	r.mu.RUnlock()

	if len(staleKeys) == 0 {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for _, k := range staleKeys {
		if b, ok := r.breakers[k]; ok {
			if b.LastUsed().Before(cutoff) {
				delete(r.breakers, k)
				evicted++
			}
		}
	}
	return evicted
}
