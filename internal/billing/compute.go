// Package billing turns observed usage into immutable per-request cost
// records and feeds billed spend back into quota tracking.
package billing

import (
	"time"

	gateway "github.com/autorouter/autorouter/internal"
)

// BilledInput returns the input tokens actually charged: cache reads and
// writes are accounted separately, so they come off the prompt count. A
// fully-cached prompt bills zero input.
func BilledInput(u *gateway.Usage) int {
	n := u.PromptTokens - u.CacheReadTokens - u.CacheWriteTokens
	if n < 0 {
		return 0
	}
	return n
}

func orOne(m float64) float64 {
	if m == 0 {
		return 1
	}
	return m
}

// Cost computes the final request cost in USD. Prices are per million
// tokens; the upstream's multipliers scale the input and output sides.
// Cache prices missing from the price record contribute nothing.
func Cost(billedInput int, u *gateway.Usage, p *gateway.ModelPrice, m gateway.Multipliers) float64 {
	in := orOne(m.Input)
	out := orOne(m.Output)

	cost := float64(billedInput) * p.InputPerMillion * in
	cost += float64(u.CompletionTokens) * p.OutputPerMillion * out
	if p.CacheReadPerMillion != nil {
		cost += float64(u.CacheReadTokens) * *p.CacheReadPerMillion * in
	}
	if p.CacheWritePerMillion != nil {
		cost += float64(u.CacheWriteTokens) * *p.CacheWritePerMillion * in
	}
	return cost / 1e6
}

// BuildSnapshot freezes the cost record for one request. Missing
// prerequisites produce an unbilled snapshot with the blocking reason.
func BuildSnapshot(logID, upstreamID, model string, u *gateway.Usage, p *gateway.ModelPrice, m gateway.Multipliers, now time.Time) *gateway.BillingSnapshot {
	snap := &gateway.BillingSnapshot{
		RequestLogID:     logID,
		UpstreamID:       upstreamID,
		InputMultiplier:  orOne(m.Input),
		OutputMultiplier: orOne(m.Output),
		Currency:         "USD",
		CreatedAt:        now,
	}

	switch {
	case model == "":
		snap.BillingStatus = gateway.Unbilled
		snap.UnbillableReason = gateway.ReasonModelMissing
	case u == nil:
		snap.BillingStatus = gateway.Unbilled
		snap.UnbillableReason = gateway.ReasonUsageMissing
	case p == nil:
		snap.BillingStatus = gateway.Unbilled
		snap.UnbillableReason = gateway.ReasonPriceNotFound
	default:
		snap.BillingStatus = gateway.Billed
		snap.PriceSource = p.Source
		snap.InputPerMillion = p.InputPerMillion
		snap.OutputPerMillion = p.OutputPerMillion
		if p.CacheReadPerMillion != nil {
			snap.CacheReadPerM = *p.CacheReadPerMillion
		}
		if p.CacheWritePerMillion != nil {
			snap.CacheWritePerM = *p.CacheWritePerMillion
		}
		snap.BilledInputTokens = BilledInput(u)
		cost := Cost(snap.BilledInputTokens, u, p, m)
		snap.FinalCost = &cost
	}
	return snap
}
