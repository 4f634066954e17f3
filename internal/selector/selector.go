// Package selector picks one upstream out of a filtered candidate list.
// Candidates arrive ordered by priority; only the best non-empty priority
// group is considered, so failover steps down groups only after the current
// group is exhausted.
package selector

import (
	"hash/fnv"
	"math/rand/v2"
	"slices"
	"sync"

	gateway "github.com/autorouter/autorouter/internal"
)

// Strategy names a within-group selection policy.
type Strategy string

const (
	StrategyWeighted         Strategy = "weighted"
	StrategyRoundRobin       Strategy = "round_robin"
	StrategyLeastConnections Strategy = "least_connections"
)

// ParseStrategy maps a config value to a Strategy, defaulting to weighted.
func ParseStrategy(s string) Strategy {
	switch Strategy(s) {
	case StrategyRoundRobin:
		return StrategyRoundRobin
	case StrategyLeastConnections:
		return StrategyLeastConnections
	default:
		return StrategyWeighted
	}
}

// InflightSource reports the number of in-flight forwards per upstream.
// The forwarder publishes these counters.
type InflightSource interface {
	Inflight(upstreamID string) int64
}

// Selector implements the group-then-strategy pick.
type Selector struct {
	strategy Strategy
	inflight InflightSource

	// randIntN is swapped for a deterministic stub in tests.
	randIntN func(n int) int

	mu         sync.Mutex
	rrCounters map[int]int // per priority group
}

// New creates a selector. inflight may be nil unless the strategy is
// least_connections.
func New(strategy Strategy, inflight InflightSource) *Selector {
	return &Selector{
		strategy:   strategy,
		inflight:   inflight,
		randIntN:   rand.IntN,
		rrCounters: make(map[int]int),
	}
}

// Pick selects one upstream from the best priority group of candidates,
// which must be ordered by priority. Returns nil for an empty list.
func (s *Selector) Pick(candidates []*gateway.Upstream, requestID string) *gateway.Upstream {
	group := bestGroup(candidates)
	if len(group) == 0 {
		return nil
	}
	if len(group) == 1 {
		return group[0]
	}

	switch s.strategy {
	case StrategyRoundRobin:
		return s.pickRoundRobin(group)
	case StrategyLeastConnections:
		return s.pickLeastConnections(group)
	default:
		return s.pickWeighted(group, requestID)
	}
}

// bestGroup returns the leading run of candidates sharing the lowest
// priority, sorted by id so ties resolve stably.
func bestGroup(candidates []*gateway.Upstream) []*gateway.Upstream {
	if len(candidates) == 0 {
		return nil
	}
	prio := candidates[0].Priority
	group := make([]*gateway.Upstream, 0, len(candidates))
	for _, u := range candidates {
		if u.Priority != prio {
			break
		}
		group = append(group, u)
	}
	slices.SortFunc(group, func(a, b *gateway.Upstream) int {
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return group
}

func weightOf(u *gateway.Upstream) int {
	if u.Weight < 1 {
		return 1
	}
	return u.Weight
}

// pickWeighted picks with probability proportional to weight. The random
// point is offset by a stable hash of the request id so that identical RNG
// draws from different requests do not herd onto one upstream.
func (s *Selector) pickWeighted(group []*gateway.Upstream, requestID string) *gateway.Upstream {
	total := 0
	for _, u := range group {
		total += weightOf(u)
	}
	point := s.randIntN(total)
	if requestID != "" {
		h := fnv.New32a()
		h.Write([]byte(requestID))
		point = (point + int(h.Sum32()%uint32(total))) % total
	}
	for _, u := range group {
		point -= weightOf(u)
		if point < 0 {
			return u
		}
	}
	return group[len(group)-1]
}

func (s *Selector) pickRoundRobin(group []*gateway.Upstream) *gateway.Upstream {
	prio := group[0].Priority
	s.mu.Lock()
	n := s.rrCounters[prio]
	s.rrCounters[prio] = n + 1
	s.mu.Unlock()
	return group[n%len(group)]
}

func (s *Selector) pickLeastConnections(group []*gateway.Upstream) *gateway.Upstream {
	best := group[0]
	bestN := s.inflightOf(best.ID)
	for _, u := range group[1:] {
		if n := s.inflightOf(u.ID); n < bestN {
			best, bestN = u, n
		}
	}
	return best
}

func (s *Selector) inflightOf(id string) int64 {
	if s.inflight == nil {
		return 0
	}
	return s.inflight.Inflight(id)
}
