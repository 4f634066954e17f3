package health

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	gateway "github.com/autorouter/autorouter/internal"
)

// SnapshotSource yields the current upstream set for probing.
type SnapshotSource interface {
	All() []*gateway.Upstream
}

// Snapshotter obtains a fresh registry snapshot each probe round.
type Snapshotter func() SnapshotSource

// Prober actively probes each upstream's cheap liveness endpoint at a fixed
// interval. Probe outcomes update the tracker only; the circuit breaker is
// driven exclusively by real traffic.
type Prober struct {
	tracker  *Tracker
	snapshot Snapshotter
	client   *http.Client
	interval time.Duration
}

// NewProber creates a prober. client may be nil to use a 10s-timeout default.
func NewProber(tracker *Tracker, snapshot Snapshotter, client *http.Client, interval time.Duration) *Prober {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Prober{tracker: tracker, snapshot: snapshot, client: client, interval: interval}
}

// Name returns the worker identifier.
func (p *Prober) Name() string { return "health_prober" }

// Run probes all active upstreams every interval until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.probeAll(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (p *Prober) probeAll(ctx context.Context) {
	for _, u := range p.snapshot().All() {
		if !u.IsActive {
			continue
		}
		p.probe(ctx, u)
	}
}

// probe issues a GET against the provider's cheap endpoint.
func (p *Prober) probe(ctx context.Context, u *gateway.Upstream) {
	url := u.BaseURL + probePath(u.ProviderType)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return
	}
	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		p.tracker.RecordFailure(u.ID, err.Error())
		slog.LogAttrs(ctx, slog.LevelDebug, "health probe failed",
			slog.String("upstream", u.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	resp.Body.Close()
	// Any HTTP response proves the endpoint is reachable; 401 from a probe
	// without credentials still counts as alive.
	if resp.StatusCode >= 500 {
		p.tracker.RecordFailure(u.ID, resp.Status)
		return
	}
	p.tracker.RecordSuccess(u.ID, time.Since(start))
}

// probePath returns a cheap liveness path per provider type.
func probePath(pt gateway.ProviderType) string {
	switch pt {
	case gateway.ProviderOpenAI:
		return "/v1/models"
	case gateway.ProviderGoogle:
		return "/v1beta/models"
	case gateway.ProviderAnthropic:
		return "/v1/models"
	default:
		return "/"
	}
}
