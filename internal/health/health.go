// Package health tracks per-upstream liveness from passive forward outcomes
// and optional active probes. Health is informational for candidate filtering;
// it never toggles the circuit breaker.
package health

import (
	"sync"
	"time"

	gateway "github.com/autorouter/autorouter/internal"
)

// entry guards one upstream's health record.
type entry struct {
	mu sync.Mutex
	h  gateway.UpstreamHealth
}

// Tracker holds health records keyed by upstream ID.
type Tracker struct {
	mu      sync.RWMutex
	entries map[string]*entry

	// UnhealthyAfter is the consecutive-failure count past which IsHealthy
	// flips false. Defaults to 3.
	UnhealthyAfter int
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{entries: make(map[string]*entry), UnhealthyAfter: 3}
}

func (t *Tracker) entryFor(id string) *entry {
	t.mu.RLock()
	e, ok := t.entries[id]
	t.mu.RUnlock()
	if ok {
		return e
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[id]; ok {
		return e
	}
	e = &entry{h: gateway.UpstreamHealth{IsHealthy: true}}
	t.entries[id] = e
	return e
}

// RecordSuccess records a completed forward with the observed latency.
func (t *Tracker) RecordSuccess(id string, latency time.Duration) {
	now := time.Now()
	e := t.entryFor(id)
	e.mu.Lock()
	e.h.IsHealthy = true
	e.h.FailureCount = 0
	e.h.LatencyMs = latency.Milliseconds()
	e.h.LastCheckAt = &now
	e.h.LastSuccessAt = &now
	e.h.ErrorMessage = ""
	e.mu.Unlock()
}

// RecordFailure records a failed forward attempt.
func (t *Tracker) RecordFailure(id string, errMsg string) {
	now := time.Now()
	e := t.entryFor(id)
	e.mu.Lock()
	e.h.FailureCount++
	e.h.LastCheckAt = &now
	e.h.ErrorMessage = errMsg
	if e.h.FailureCount >= t.unhealthyAfter() {
		e.h.IsHealthy = false
	}
	e.mu.Unlock()
}

func (t *Tracker) unhealthyAfter() int {
	if t.UnhealthyAfter <= 0 {
		return 3
	}
	return t.UnhealthyAfter
}

// IsHealthy reports the current health of an upstream. Unknown upstreams are
// healthy (no evidence against them).
func (t *Tracker) IsHealthy(id string) bool {
	t.mu.RLock()
	e, ok := t.entries[id]
	t.mu.RUnlock()
	if !ok {
		return true
	}
	e.mu.Lock()
	healthy := e.h.IsHealthy
	e.mu.Unlock()
	return healthy
}

// Get returns a copy of the health record for an upstream.
func (t *Tracker) Get(id string) gateway.UpstreamHealth {
	t.mu.RLock()
	e, ok := t.entries[id]
	t.mu.RUnlock()
	if !ok {
		return gateway.UpstreamHealth{IsHealthy: true}
	}
	e.mu.Lock()
	h := e.h
	e.mu.Unlock()
	return h
}

// All returns a copy of every health record keyed by upstream ID.
func (t *Tracker) All() map[string]gateway.UpstreamHealth {
	t.mu.RLock()
	ids := make([]string, 0, len(t.entries))
	for id := range t.entries {
		ids = append(ids, id)
	}
	t.mu.RUnlock()

	out := make(map[string]gateway.UpstreamHealth, len(ids))
	for _, id := range ids {
		out[id] = t.Get(id)
	}
	return out
}

// Restore seeds a health record from persisted state.
func (t *Tracker) Restore(id string, h gateway.UpstreamHealth) {
	e := t.entryFor(id)
	e.mu.Lock()
	e.h = h
	e.mu.Unlock()
}
