package billing

import (
	"math"
	"testing"
	"time"

	gateway "github.com/autorouter/autorouter/internal"
)

func price(in, out float64) *gateway.ModelPrice {
	return &gateway.ModelPrice{Model: "m", InputPerMillion: in, OutputPerMillion: out, Source: "litellm"}
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestBilledInput(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		usage gateway.Usage
		want  int
	}{
		{"no cache", gateway.Usage{PromptTokens: 100}, 100},
		{"partial cache", gateway.Usage{PromptTokens: 100, CacheReadTokens: 30, CacheWriteTokens: 20}, 50},
		{"fully cached prompt", gateway.Usage{PromptTokens: 100, CacheReadTokens: 100}, 0},
		{"cache exceeds prompt", gateway.Usage{PromptTokens: 100, CacheReadTokens: 80, CacheWriteTokens: 40}, 0},
	}
	for _, tt := range tests {
		if got := BilledInput(&tt.usage); got != tt.want {
			t.Errorf("%s: billedInput = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestCost_BaseFormula(t *testing.T) {
	t.Parallel()

	u := &gateway.Usage{PromptTokens: 100, CompletionTokens: 50}
	got := Cost(100, u, price(3, 15), gateway.Multipliers{})
	want := (100*3.0 + 50*15.0) / 1e6
	if !approx(got, want) {
		t.Fatalf("cost = %v, want %v", got, want)
	}
}

func TestCost_CachePricesAndMultipliers(t *testing.T) {
	t.Parallel()

	cacheRead := 0.3
	cacheWrite := 3.75
	p := price(3, 15)
	p.CacheReadPerMillion = &cacheRead
	p.CacheWritePerMillion = &cacheWrite

	u := &gateway.Usage{PromptTokens: 100, CompletionTokens: 50, CacheReadTokens: 40, CacheWriteTokens: 10}
	m := gateway.Multipliers{Input: 2, Output: 0.5}

	got := Cost(BilledInput(u), u, p, m)
	want := (50*3.0*2 + 50*15.0*0.5 + 40*0.3*2 + 10*3.75*2) / 1e6
	if !approx(got, want) {
		t.Fatalf("cost = %v, want %v", got, want)
	}
}

func TestCost_MissingCachePricesContributeNothing(t *testing.T) {
	t.Parallel()

	u := &gateway.Usage{PromptTokens: 100, CompletionTokens: 0, CacheReadTokens: 100}
	got := Cost(BilledInput(u), u, price(3, 15), gateway.Multipliers{})
	if !approx(got, 0) {
		t.Fatalf("cost = %v, want 0 (no cache price, fully cached)", got)
	}
}

func TestBuildSnapshot_Billed(t *testing.T) {
	t.Parallel()

	u := &gateway.Usage{PromptTokens: 100, CompletionTokens: 50}
	snap := BuildSnapshot("log-1", "up-1", "claude-3-5-sonnet", u, price(3, 15), gateway.Multipliers{}, time.Now())

	if snap.BillingStatus != gateway.Billed {
		t.Fatalf("status = %s, want billed", snap.BillingStatus)
	}
	if snap.FinalCost == nil || !approx(*snap.FinalCost, (100*3.0+50*15.0)/1e6) {
		t.Fatalf("finalCost = %v", snap.FinalCost)
	}
	if snap.BilledInputTokens != 100 || snap.PriceSource != "litellm" || snap.Currency != "USD" {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestBuildSnapshot_UnbilledReasons(t *testing.T) {
	t.Parallel()

	u := &gateway.Usage{PromptTokens: 1}
	tests := []struct {
		name   string
		model  string
		usage  *gateway.Usage
		price  *gateway.ModelPrice
		reason string
	}{
		{"model missing", "", u, price(1, 1), gateway.ReasonModelMissing},
		{"usage missing", "m", nil, price(1, 1), gateway.ReasonUsageMissing},
		{"price not found", "m", u, nil, gateway.ReasonPriceNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			snap := BuildSnapshot("log-1", "up-1", tt.model, tt.usage, tt.price, gateway.Multipliers{}, time.Now())
			if snap.BillingStatus != gateway.Unbilled {
				t.Fatalf("status = %s, want unbilled", snap.BillingStatus)
			}
			if snap.UnbillableReason != tt.reason {
				t.Fatalf("reason = %q, want %q", snap.UnbillableReason, tt.reason)
			}
			if snap.FinalCost != nil {
				t.Fatal("unbilled snapshot must not carry a cost")
			}
		})
	}
}
