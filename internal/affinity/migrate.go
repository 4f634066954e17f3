package affinity

import (
	"slices"

	gateway "github.com/autorouter/autorouter/internal"
)

// ShouldMigrate decides whether an established affinity on current should
// move to a better-ranked candidate. Only candidates with strictly lower
// priority numbers are considered, in ascending priority order; the first one
// whose migration config accepts the session's size wins. Pure function.
func ShouldMigrate(current *gateway.Upstream, candidates []*gateway.Upstream,
	contentLength, cumulativeTokens int64) *gateway.Upstream {

	if current == nil {
		return nil
	}

	better := make([]*gateway.Upstream, 0, len(candidates))
	for _, c := range candidates {
		if c.Priority < current.Priority {
			better = append(better, c)
		}
	}
	if len(better) == 0 {
		return nil
	}
	slices.SortStableFunc(better, func(a, b *gateway.Upstream) int {
		return a.Priority - b.Priority
	})

	for _, c := range better {
		mc := c.AffinityMigration
		if mc == nil || !mc.Enabled {
			continue
		}
		switch mc.Metric {
		case gateway.MigrateByTokens:
			if cumulativeTokens < mc.Threshold {
				return c
			}
		case gateway.MigrateByLength:
			if contentLength < mc.Threshold {
				return c
			}
		}
	}
	return nil
}
