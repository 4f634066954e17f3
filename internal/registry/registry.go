// Package registry holds the in-memory snapshot of upstream configurations.
// Readers grab an immutable snapshot pointer once per request; admin writes
// publish a whole new snapshot atomically. No per-request DB reads.
package registry

import (
	"sync/atomic"

	gateway "github.com/autorouter/autorouter/internal"
)

// Snapshot is an immutable view of upstream configs with lookup indexes.
// Never mutate a snapshot after publishing; build a new one instead.
type Snapshot struct {
	byID         map[string]*gateway.Upstream
	byCapability map[gateway.RouteCapability][]*gateway.Upstream
	byProvider   map[gateway.ProviderType][]*gateway.Upstream
	all          []*gateway.Upstream
}

// buildSnapshot indexes the given upstreams. The input slice is not retained.
func buildSnapshot(ups []*gateway.Upstream) *Snapshot {
	s := &Snapshot{
		byID:         make(map[string]*gateway.Upstream, len(ups)),
		byCapability: make(map[gateway.RouteCapability][]*gateway.Upstream),
		byProvider:   make(map[gateway.ProviderType][]*gateway.Upstream),
		all:          make([]*gateway.Upstream, 0, len(ups)),
	}
	for _, u := range ups {
		s.byID[u.ID] = u
		s.all = append(s.all, u)
		for _, c := range u.RouteCapabilities {
			s.byCapability[c] = append(s.byCapability[c], u)
		}
		s.byProvider[u.ProviderType] = append(s.byProvider[u.ProviderType], u)
	}
	return s
}

// Get returns the upstream with the given ID, or nil.
func (s *Snapshot) Get(id string) *gateway.Upstream {
	return s.byID[id]
}

// ByCapability returns upstreams advertising the given capability.
// Callers must not mutate the returned slice.
func (s *Snapshot) ByCapability(cap gateway.RouteCapability) []*gateway.Upstream {
	return s.byCapability[cap]
}

// ByProvider returns upstreams of the given provider type.
func (s *Snapshot) ByProvider(pt gateway.ProviderType) []*gateway.Upstream {
	return s.byProvider[pt]
}

// All returns every upstream in the snapshot.
func (s *Snapshot) All() []*gateway.Upstream {
	return s.all
}

// Len returns the number of upstreams.
func (s *Snapshot) Len() int { return len(s.all) }

// Registry publishes upstream snapshots with copy-on-write semantics.
type Registry struct {
	current atomic.Pointer[Snapshot]
}

// New creates a registry holding an empty snapshot.
func New() *Registry {
	r := &Registry{}
	r.current.Store(buildSnapshot(nil))
	return r
}

// Snapshot returns the current snapshot pointer. Hold it for the duration of
// one request; do not re-read mid-request.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Reload replaces the published snapshot with one built from ups.
func (r *Registry) Reload(ups []*gateway.Upstream) {
	r.current.Store(buildSnapshot(ups))
}
