package route

import (
	"slices"

	gateway "github.com/autorouter/autorouter/internal"
)

// BreakerView is the circuit breaker surface the filter needs: a non-claiming
// admission check and the state name for decision logs.
type BreakerView interface {
	Admittable(upstreamID string, cfg *gateway.BreakerConfig) bool
	StateOf(upstreamID string) string
}

// HealthView reports passive upstream liveness.
type HealthView interface {
	IsHealthy(upstreamID string) bool
}

// QuotaView reports spending headroom.
type QuotaView interface {
	IsWithinQuota(upstreamID string) bool
}

// Filter narrows a registry snapshot to the candidates one request may use.
type Filter struct {
	Breakers BreakerView
	Health   HealthView
	Quota    QuotaView

	// StrictHealth excludes passively-unhealthy upstreams from routing.
	// When false, health state is recorded but does not filter.
	StrictHealth bool
}

// Candidates applies the exclusion chain to every upstream in the snapshot
// and returns the surviving candidates ordered by priority (stable within a
// group), together with the populated routing decision.
func (f *Filter) Candidates(key *gateway.APIKey, ups []*gateway.Upstream, c Classification) ([]*gateway.Upstream, gateway.RoutingDecision) {
	decision := gateway.RoutingDecision{
		Capability:    c.Capability,
		OriginalModel: c.OriginalModel,
		ResolvedModel: c.Model,
	}

	candidates := make([]*gateway.Upstream, 0, len(ups))
	for _, u := range ups {
		if reason := f.exclude(key, u, c); reason != "" {
			decision.Exclusions = append(decision.Exclusions, gateway.Exclusion{
				UpstreamID: u.ID, Reason: reason,
			})
			continue
		}
		candidates = append(candidates, u)
	}

	slices.SortStableFunc(candidates, func(a, b *gateway.Upstream) int {
		return a.Priority - b.Priority
	})

	decision.Candidates = make([]gateway.CandidateView, 0, len(candidates))
	for _, u := range candidates {
		decision.Candidates = append(decision.Candidates, gateway.CandidateView{
			ID:           u.ID,
			Name:         u.Name,
			Weight:       u.Weight,
			Priority:     u.Priority,
			CircuitState: f.Breakers.StateOf(u.ID),
		})
	}
	decision.CandidateCount = len(candidates)
	decision.ExcludedCount = len(decision.Exclusions)
	return candidates, decision
}

// exclude returns the first matching exclusion reason, or "" when the
// upstream is a viable candidate. Check order is fixed so that decision logs
// stay comparable across requests.
func (f *Filter) exclude(key *gateway.APIKey, u *gateway.Upstream, c Classification) string {
	if !u.IsActive {
		return gateway.ExcludeInactive
	}
	if key == nil || !key.AllowsUpstream(u.ID) {
		return gateway.ExcludeNotAllowed
	}
	if !u.HasCapability(c.Capability) {
		return gateway.ExcludeNoCapability
	}
	if c.Model != "" && !u.AllowsModel(c.Model) {
		return gateway.ExcludeModelNotAllowed
	}
	if !f.Breakers.Admittable(u.ID, u.CircuitBreaker) {
		return gateway.ExcludeCircuitOpen
	}
	if f.StrictHealth && !f.Health.IsHealthy(u.ID) {
		return gateway.ExcludeUnhealthy
	}
	if !f.Quota.IsWithinQuota(u.ID) {
		return gateway.ExcludeQuotaExceeded
	}
	return ""
}
