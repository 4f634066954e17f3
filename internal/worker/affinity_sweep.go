package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/autorouter/autorouter/internal/affinity"
)

const sweepInterval = time.Minute

// AffinitySweeper evicts expired session bindings on a fixed interval so
// that idle sessions do not accumulate between lookups.
type AffinitySweeper struct {
	store  *affinity.Store
	logger *slog.Logger
}

// NewAffinitySweeper creates an affinity sweep worker.
func NewAffinitySweeper(store *affinity.Store, logger *slog.Logger) *AffinitySweeper {
	return &AffinitySweeper{store: store, logger: logger}
}

func (w *AffinitySweeper) Name() string { return "affinity_sweeper" }

// Run sweeps on every tick until ctx is cancelled.
func (w *AffinitySweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if removed := w.store.Sweep(time.Now()); removed > 0 {
				w.logger.LogAttrs(ctx, slog.LevelDebug, "affinity sweep",
					slog.Int("removed", removed),
					slog.Int("remaining", w.store.Len()),
				)
			}
		}
	}
}
