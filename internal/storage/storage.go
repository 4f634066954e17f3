// Package storage defines persistence interfaces for the gateway.
package storage

import (
	"context"
	"time"

	gateway "github.com/autorouter/autorouter/internal"
	"github.com/autorouter/autorouter/internal/quota"
)

// APIKeyStore manages API key persistence. Allowed upstream scopes live in a
// join table and are loaded with the key.
type APIKeyStore interface {
	CreateKey(ctx context.Context, key *gateway.APIKey) error
	GetKey(ctx context.Context, id string) (*gateway.APIKey, error)
	GetKeyByHash(ctx context.Context, hash string) (*gateway.APIKey, error)
	ListKeys(ctx context.Context, offset, limit int) ([]*gateway.APIKey, error)
	UpdateKey(ctx context.Context, key *gateway.APIKey) error
	DeleteKey(ctx context.Context, id string) error
	TouchKeyUsed(ctx context.Context, id string) error
}

// UpstreamStore manages upstream configuration persistence.
type UpstreamStore interface {
	CreateUpstream(ctx context.Context, u *gateway.Upstream) error
	GetUpstream(ctx context.Context, id string) (*gateway.Upstream, error)
	ListUpstreams(ctx context.Context) ([]*gateway.Upstream, error)
	UpdateUpstream(ctx context.Context, u *gateway.Upstream) error
	DeleteUpstream(ctx context.Context, id string) error
}

// HealthStore persists passive health records across restarts.
type HealthStore interface {
	SaveHealth(ctx context.Context, upstreamID string, h gateway.UpstreamHealth) error
	ListHealth(ctx context.Context) (map[string]gateway.UpstreamHealth, error)
}

// BreakerStore persists circuit breaker snapshots across restarts.
type BreakerStore interface {
	SaveBreakerStates(ctx context.Context, states []gateway.BreakerState) error
	ListBreakerStates(ctx context.Context) ([]gateway.BreakerState, error)
}

// RequestLogStore persists request logs with their 1:1 billing snapshots and
// serves the spending aggregates the quota reconciler syncs from.
type RequestLogStore interface {
	SaveRequest(ctx context.Context, log *gateway.RequestLog, snap *gateway.BillingSnapshot) error
	GetRequest(ctx context.Context, id string) (*gateway.RequestLog, *gateway.BillingSnapshot, error)
	ListRequests(ctx context.Context, offset, limit int) ([]*gateway.RequestLog, error)
	SumSpending(ctx context.Context, upstreamID string, since time.Time) (float64, error)
	SpendingByHour(ctx context.Context, upstreamID string, since time.Time) ([]quota.HourSlice, error)
}

// PriceStore manages model prices: synced base prices, manual overrides, and
// the sync audit trail.
type PriceStore interface {
	ManualPriceOverride(ctx context.Context, model string) (*gateway.ModelPrice, error)
	SyncedPrice(ctx context.Context, model string) (*gateway.ModelPrice, error)
	SetManualOverride(ctx context.Context, p *gateway.ModelPrice) error
	DeleteManualOverride(ctx context.Context, model string) error
	UpsertSyncedPrices(ctx context.Context, source string, prices []gateway.ModelPrice) error
	ListPrices(ctx context.Context) ([]*gateway.ModelPrice, error)
	RecordPriceSync(ctx context.Context, sync *gateway.PriceSync) error
}

// CompensationStore persists header compensation rules.
type CompensationStore interface {
	UpsertCompensationRule(ctx context.Context, r *gateway.CompensationRule) error
	ListCompensationRules(ctx context.Context) ([]gateway.CompensationRule, error)
}

// Store combines all storage interfaces.
type Store interface {
	APIKeyStore
	UpstreamStore
	HealthStore
	BreakerStore
	RequestLogStore
	PriceStore
	CompensationStore
	Ping(ctx context.Context) error
	Close() error
}
