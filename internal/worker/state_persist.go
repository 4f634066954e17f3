package worker

import (
	"context"
	"log/slog"
	"sort"
	"time"

	gateway "github.com/autorouter/autorouter/internal"
	"github.com/autorouter/autorouter/internal/circuitbreaker"
	"github.com/autorouter/autorouter/internal/health"
)

const (
	persistInterval = 30 * time.Second
	evictAfter      = time.Hour
)

// StateStore persists breaker and health snapshots.
type StateStore interface {
	SaveBreakerStates(ctx context.Context, states []gateway.BreakerState) error
	SaveHealth(ctx context.Context, upstreamID string, h gateway.UpstreamHealth) error
}

// StatePersister periodically writes circuit breaker and health state to
// storage so a restart can warm from where it left off. It also evicts
// breakers for upstreams that have seen no traffic in a while.
type StatePersister struct {
	breakers *circuitbreaker.Registry
	health   *health.Tracker
	store    StateStore
	logger   *slog.Logger
}

// NewStatePersister creates a state persistence worker.
func NewStatePersister(breakers *circuitbreaker.Registry, tracker *health.Tracker, store StateStore, logger *slog.Logger) *StatePersister {
	return &StatePersister{breakers: breakers, health: tracker, store: store, logger: logger}
}

func (w *StatePersister) Name() string { return "state_persist" }

// Run persists on every tick until ctx is cancelled, then flushes one final
// snapshot with a short grace period.
func (w *StatePersister) Run(ctx context.Context) error {
	ticker := time.NewTicker(persistInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			w.persist(flushCtx, time.Now())
			cancel()
			return ctx.Err()
		case <-ticker.C:
			now := time.Now()
			w.persist(ctx, now)
			w.breakers.EvictStale(now.Add(-evictAfter))
		}
	}
}

func (w *StatePersister) persist(ctx context.Context, now time.Time) {
	if err := w.store.SaveBreakerStates(ctx, breakerStates(w.breakers.Snapshots(), now)); err != nil {
		w.logger.LogAttrs(ctx, slog.LevelWarn, "persist breaker states failed",
			slog.String("error", err.Error()),
		)
	}
	for id, h := range w.health.All() {
		if err := w.store.SaveHealth(ctx, id, h); err != nil {
			w.logger.LogAttrs(ctx, slog.LevelWarn, "persist health failed",
				slog.String("upstream_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
}

// breakerStates converts registry snapshots into storage rows, sorted by
// upstream ID for deterministic write order.
func breakerStates(snaps map[string]circuitbreaker.Snapshot, now time.Time) []gateway.BreakerState {
	out := make([]gateway.BreakerState, 0, len(snaps))
	for id, s := range snaps {
		st := gateway.BreakerState{
			UpstreamID:   id,
			State:        s.State.String(),
			FailureCount: s.FailureCount,
			SuccessCount: s.SuccessCount,
			UpdatedAt:    now,
		}
		if !s.OpenedAt.IsZero() {
			t := s.OpenedAt
			st.OpenedAt = &t
		}
		if !s.LastProbeAt.IsZero() {
			t := s.LastProbeAt
			st.LastProbeAt = &t
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpstreamID < out[j].UpstreamID })
	return out
}
