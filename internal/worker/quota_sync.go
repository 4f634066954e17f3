package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/autorouter/autorouter/internal/quota"
)

const quotaTickInterval = 15 * time.Second

// QuotaSyncWorker periodically reconciles in-memory spending windows from
// billing snapshot aggregates. Windows close to their limit re-sync on the
// urgent interval, the rest on the normal interval.
type QuotaSyncWorker struct {
	tracker   *quota.Tracker
	store     quota.Store
	urgentPct float64
	urgent    time.Duration
	normal    time.Duration
	logger    *slog.Logger
}

// NewQuotaSyncWorker creates a quota reconciliation worker.
func NewQuotaSyncWorker(tracker *quota.Tracker, store quota.Store, urgentPct float64, urgent, normal time.Duration, logger *slog.Logger) *QuotaSyncWorker {
	return &QuotaSyncWorker{
		tracker:   tracker,
		store:     store,
		urgentPct: urgentPct,
		urgent:    urgent,
		normal:    normal,
		logger:    logger,
	}
}

func (w *QuotaSyncWorker) Name() string { return "quota_sync" }

// Run reconciles immediately, then on every tick, until ctx is cancelled.
func (w *QuotaSyncWorker) Run(ctx context.Context) error {
	w.sync(ctx)

	ticker := time.NewTicker(quotaTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.sync(ctx)
		}
	}
}

func (w *QuotaSyncWorker) sync(ctx context.Context) {
	if err := w.tracker.SyncDue(ctx, w.store, time.Now(), w.urgentPct, w.urgent, w.normal); err != nil {
		w.logger.LogAttrs(ctx, slog.LevelWarn, "quota sync failed",
			slog.String("error", err.Error()),
		)
	}
}
