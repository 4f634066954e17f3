package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maypok86/otter/v2"

	gateway "github.com/autorouter/autorouter/internal"
)

const (
	priceCacheTTL    = 5 * time.Minute
	priceCacheMaxLen = 10_000
)

// PriceStore is the persistence surface for price resolution.
type PriceStore interface {
	// ManualPriceOverride returns the operator-set price for a model,
	// ErrNotFound when none exists.
	ManualPriceOverride(ctx context.Context, model string) (*gateway.ModelPrice, error)
	// SyncedPrice returns the latest synced price for a model, ErrNotFound
	// when no source carries it.
	SyncedPrice(ctx context.Context, model string) (*gateway.ModelPrice, error)
}

// Resolver resolves model prices with precedence manual override > synced
// source > none, caching resolutions in a W-TinyLFU cache.
type Resolver struct {
	store PriceStore
	cache *otter.Cache[string, *gateway.ModelPrice]
}

// NewResolver creates a price resolver backed by store.
func NewResolver(store PriceStore) (*Resolver, error) {
	c, err := otter.New(&otter.Options[string, *gateway.ModelPrice]{
		MaximumSize:      priceCacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, *gateway.ModelPrice](priceCacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create price cache: %w", err)
	}
	return &Resolver{store: store, cache: c}, nil
}

// PriceFor returns the effective price for a model, nil when no price is
// known. Negative results are cached too: unknown models stay unknown for a
// TTL rather than hammering the store.
func (r *Resolver) PriceFor(ctx context.Context, model string) (*gateway.ModelPrice, error) {
	if model == "" {
		return nil, nil
	}
	if p, ok := r.cache.GetIfPresent(model); ok {
		return p, nil
	}

	p, err := r.resolve(ctx, model)
	if err != nil {
		return nil, err
	}
	r.cache.Set(model, p)
	return p, nil
}

func (r *Resolver) resolve(ctx context.Context, model string) (*gateway.ModelPrice, error) {
	p, err := r.store.ManualPriceOverride(ctx, model)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, gateway.ErrNotFound) {
		return nil, err
	}
	p, err = r.store.SyncedPrice(ctx, model)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, gateway.ErrNotFound) {
		return nil, err
	}
	return nil, nil
}

// Invalidate drops a model's cached price, e.g. after an override change.
func (r *Resolver) Invalidate(model string) {
	r.cache.Invalidate(model)
}
