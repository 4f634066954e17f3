package billing

import (
	"context"
	"testing"

	gateway "github.com/autorouter/autorouter/internal"
)

type fakePriceStore struct {
	overrides map[string]*gateway.ModelPrice
	synced    map[string]*gateway.ModelPrice
	calls     int
}

func (f *fakePriceStore) ManualPriceOverride(_ context.Context, model string) (*gateway.ModelPrice, error) {
	f.calls++
	if p, ok := f.overrides[model]; ok {
		return p, nil
	}
	return nil, gateway.ErrNotFound
}

func (f *fakePriceStore) SyncedPrice(_ context.Context, model string) (*gateway.ModelPrice, error) {
	if p, ok := f.synced[model]; ok {
		return p, nil
	}
	return nil, gateway.ErrNotFound
}

func TestResolver_OverrideWins(t *testing.T) {
	t.Parallel()

	store := &fakePriceStore{
		overrides: map[string]*gateway.ModelPrice{"m": {Model: "m", InputPerMillion: 9, Source: "manual_override"}},
		synced:    map[string]*gateway.ModelPrice{"m": {Model: "m", InputPerMillion: 3, Source: "litellm"}},
	}
	r, err := NewResolver(store)
	if err != nil {
		t.Fatal(err)
	}
	p, err := r.PriceFor(context.Background(), "m")
	if err != nil {
		t.Fatal(err)
	}
	if p == nil || p.Source != "manual_override" || p.InputPerMillion != 9 {
		t.Fatalf("price = %+v, want manual override", p)
	}
}

func TestResolver_SyncedFallback(t *testing.T) {
	t.Parallel()

	store := &fakePriceStore{
		synced: map[string]*gateway.ModelPrice{"m": {Model: "m", InputPerMillion: 3, Source: "litellm"}},
	}
	r, _ := NewResolver(store)
	p, err := r.PriceFor(context.Background(), "m")
	if err != nil {
		t.Fatal(err)
	}
	if p == nil || p.Source != "litellm" {
		t.Fatalf("price = %+v, want synced", p)
	}
}

func TestResolver_UnknownModelIsNil(t *testing.T) {
	t.Parallel()

	r, _ := NewResolver(&fakePriceStore{})
	p, err := r.PriceFor(context.Background(), "ghost")
	if err != nil || p != nil {
		t.Fatalf("price = %+v err = %v, want nil/nil", p, err)
	}
}

func TestResolver_CachesResolutions(t *testing.T) {
	t.Parallel()

	store := &fakePriceStore{
		overrides: map[string]*gateway.ModelPrice{"m": {Model: "m", Source: "manual_override"}},
	}
	r, _ := NewResolver(store)
	for i := 0; i < 5; i++ {
		if _, err := r.PriceFor(context.Background(), "m"); err != nil {
			t.Fatal(err)
		}
	}
	if store.calls != 1 {
		t.Fatalf("store hit %d times, want 1 (cached)", store.calls)
	}
}

func TestResolver_EmptyModel(t *testing.T) {
	t.Parallel()

	r, _ := NewResolver(&fakePriceStore{})
	if p, err := r.PriceFor(context.Background(), ""); p != nil || err != nil {
		t.Fatal("empty model must resolve to no price")
	}
}
