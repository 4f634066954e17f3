// Package quota enforces per-upstream spending windows. Counters live in
// memory as authoritative-plus-delta: a background reconciler overwrites them
// from billing snapshot aggregates, and each billed request adds its cost
// locally in between.
package quota

import (
	"context"
	"errors"
	"sync"
	"time"

	gateway "github.com/autorouter/autorouter/internal"
)

// Store aggregates billing snapshot costs for reconciliation.
type Store interface {
	// SumSpending returns total billed cost for an upstream since the given time.
	SumSpending(ctx context.Context, upstreamID string, since time.Time) (float64, error)
	// SpendingByHour returns hour-bucketed billed cost for an upstream since
	// the given time, oldest first.
	SpendingByHour(ctx context.Context, upstreamID string, since time.Time) ([]HourSlice, error)
}

// HourSlice is one hour of aggregated spend. Hour is the bucket start (UTC).
type HourSlice struct {
	Hour time.Time
	Cost float64
}

// ruleEntry tracks one (upstream, rule) window.
type ruleEntry struct {
	rule            gateway.SpendingRule
	currentSpending float64
	lastSyncedAt    time.Time
}

// upstreamQuota guards the rule map of a single upstream.
type upstreamQuota struct {
	mu    sync.Mutex
	rules map[string]*ruleEntry
}

// Tracker holds spending windows for all upstreams with rules.
type Tracker struct {
	mu        sync.RWMutex
	upstreams map[string]*upstreamQuota
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{upstreams: make(map[string]*upstreamQuota)}
}

// Configure installs the rule set for an upstream, preserving counters for
// rules whose key survives. Called on startup warm and registry reload.
func (t *Tracker) Configure(upstreamID string, rules []gateway.SpendingRule) {
	t.mu.Lock()
	uq, ok := t.upstreams[upstreamID]
	if !ok {
		uq = &upstreamQuota{rules: make(map[string]*ruleEntry)}
		t.upstreams[upstreamID] = uq
	}
	t.mu.Unlock()

	uq.mu.Lock()
	defer uq.mu.Unlock()
	next := make(map[string]*ruleEntry, len(rules))
	for _, r := range rules {
		key := r.Key()
		if old, ok := uq.rules[key]; ok {
			old.rule = r
			next[key] = old
			continue
		}
		next[key] = &ruleEntry{rule: r}
	}
	uq.rules = next
}

func (t *Tracker) get(upstreamID string) *upstreamQuota {
	t.mu.RLock()
	uq := t.upstreams[upstreamID]
	t.mu.RUnlock()
	return uq
}

// IsWithinQuota reports whether every rule of the upstream has headroom.
// Upstreams with no rules are always within quota.
func (t *Tracker) IsWithinQuota(upstreamID string) bool {
	uq := t.get(upstreamID)
	if uq == nil {
		return true
	}
	uq.mu.Lock()
	defer uq.mu.Unlock()
	for _, e := range uq.rules {
		if e.currentSpending >= e.rule.Limit {
			return false
		}
	}
	return true
}

// RecordSpending adds cost to every rule window of the upstream (in-memory only).
func (t *Tracker) RecordSpending(upstreamID string, cost float64) {
	if cost <= 0 {
		return
	}
	uq := t.get(upstreamID)
	if uq == nil {
		return
	}
	uq.mu.Lock()
	for _, e := range uq.rules {
		e.currentSpending += cost
	}
	uq.mu.Unlock()
}

// RuleStatus is an exported view of one window for admin/status surfaces.
type RuleStatus struct {
	Rule            gateway.SpendingRule `json:"rule"`
	CurrentSpending float64              `json:"current_spending"`
	PercentUsed     float64              `json:"percent_used"`
	LastSyncedAt    time.Time            `json:"last_synced_at"`
}

// Status returns the window states for an upstream, nil when it has no rules.
func (t *Tracker) Status(upstreamID string) []RuleStatus {
	uq := t.get(upstreamID)
	if uq == nil {
		return nil
	}
	uq.mu.Lock()
	defer uq.mu.Unlock()
	out := make([]RuleStatus, 0, len(uq.rules))
	for _, e := range uq.rules {
		out = append(out, RuleStatus{
			Rule:            e.rule,
			CurrentSpending: e.currentSpending,
			PercentUsed:     percentUsed(e),
			LastSyncedAt:    e.lastSyncedAt,
		})
	}
	return out
}

func percentUsed(e *ruleEntry) float64 {
	if e.rule.Limit <= 0 {
		return 0
	}
	return e.currentSpending / e.rule.Limit * 100
}

// SyncUpstream re-aggregates every rule window of one upstream from the store
// and overwrites the counters. Best-effort: the first error aborts the sync
// and the caller retries next tick.
func (t *Tracker) SyncUpstream(ctx context.Context, store Store, upstreamID string, now time.Time) error {
	uq := t.get(upstreamID)
	if uq == nil {
		return nil
	}

	// Collect rule keys without holding the lock across DB calls.
	uq.mu.Lock()
	rules := make([]gateway.SpendingRule, 0, len(uq.rules))
	for _, e := range uq.rules {
		rules = append(rules, e.rule)
	}
	uq.mu.Unlock()

	type result struct {
		key   string
		total float64
	}
	results := make([]result, 0, len(rules))
	for _, r := range rules {
		total, err := store.SumSpending(ctx, upstreamID, r.PeriodStart(now))
		if err != nil {
			return err
		}
		results = append(results, result{key: r.Key(), total: total})
	}

	uq.mu.Lock()
	for _, res := range results {
		if e, ok := uq.rules[res.key]; ok {
			e.currentSpending = res.total
			e.lastSyncedAt = now
		}
	}
	uq.mu.Unlock()
	return nil
}

// SyncDue re-syncs every upstream whose windows are due at now: windows at or
// past urgentPct usage re-sync on the urgent interval, the rest on the normal
// interval. Errors are joined; every due upstream is still attempted.
func (t *Tracker) SyncDue(ctx context.Context, store Store, now time.Time, urgentPct float64, urgent, normal time.Duration) error {
	var errs []error
	for _, id := range t.upstreamIDs() {
		if !t.needsSync(id, now, urgentPct, urgent, normal) {
			continue
		}
		if err := t.SyncUpstream(ctx, store, id, now); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// upstreamIDs snapshots the tracked upstream IDs.
func (t *Tracker) upstreamIDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.upstreams))
	for id := range t.upstreams {
		ids = append(ids, id)
	}
	return ids
}

// needsSync reports whether any rule of the upstream is due for a re-sync:
// urgent windows (percentUsed at or past urgentPct) use the urgent interval,
// everything else the normal interval.
func (t *Tracker) needsSync(upstreamID string, now time.Time, urgentPct float64, urgent, normal time.Duration) bool {
	uq := t.get(upstreamID)
	if uq == nil {
		return false
	}
	uq.mu.Lock()
	defer uq.mu.Unlock()
	for _, e := range uq.rules {
		interval := normal
		if percentUsed(e) >= urgentPct {
			interval = urgent
		}
		if now.Sub(e.lastSyncedAt) >= interval {
			return true
		}
	}
	return false
}

// EstimatedRecoveryAt estimates when a rolling window that is currently over
// its limit regains headroom: the oldest hour slices are scanned forward until
// the cost sliding out of the window covers the overshoot. Returns nil for
// non-rolling rules, windows under their limit, or when no slice recovers
// enough.
func (t *Tracker) EstimatedRecoveryAt(ctx context.Context, store Store, upstreamID, ruleKey string, now time.Time) (*time.Time, error) {
	uq := t.get(upstreamID)
	if uq == nil {
		return nil, nil
	}
	uq.mu.Lock()
	e, ok := uq.rules[ruleKey]
	var rule gateway.SpendingRule
	var overshoot float64
	if ok {
		rule = e.rule
		overshoot = e.currentSpending - e.rule.Limit
	}
	uq.mu.Unlock()
	if !ok || rule.PeriodType != gateway.PeriodRolling || overshoot < 0 {
		return nil, nil
	}

	slices, err := store.SpendingByHour(ctx, upstreamID, rule.PeriodStart(now))
	if err != nil {
		return nil, err
	}
	var slidOut float64
	for _, s := range slices {
		slidOut += s.Cost
		if slidOut >= overshoot {
			at := s.Hour.Add(time.Hour).Add(time.Duration(rule.PeriodHours) * time.Hour)
			return &at, nil
		}
	}
	return nil, nil
}
