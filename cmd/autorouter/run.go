package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"

	gateway "github.com/autorouter/autorouter/internal"
	"github.com/autorouter/autorouter/internal/affinity"
	"github.com/autorouter/autorouter/internal/auth"
	"github.com/autorouter/autorouter/internal/billing"
	"github.com/autorouter/autorouter/internal/circuitbreaker"
	"github.com/autorouter/autorouter/internal/cloudauth"
	"github.com/autorouter/autorouter/internal/config"
	"github.com/autorouter/autorouter/internal/failover"
	"github.com/autorouter/autorouter/internal/forward"
	"github.com/autorouter/autorouter/internal/headers"
	"github.com/autorouter/autorouter/internal/health"
	"github.com/autorouter/autorouter/internal/quota"
	"github.com/autorouter/autorouter/internal/registry"
	"github.com/autorouter/autorouter/internal/route"
	"github.com/autorouter/autorouter/internal/secrets"
	"github.com/autorouter/autorouter/internal/selector"
	"github.com/autorouter/autorouter/internal/server"
	"github.com/autorouter/autorouter/internal/storage"
	"github.com/autorouter/autorouter/internal/storage/sqlite"
	"github.com/autorouter/autorouter/internal/telemetry"
	"github.com/autorouter/autorouter/internal/worker"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := slog.Default()

	logger.Info("starting autorouter", "version", version, "addr", cfg.Server.ListenAddr)

	box, err := secrets.New(cfg.EncryptionKey)
	if err != nil {
		return err
	}

	store, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	if err := config.Bootstrap(ctx, cfg, store, box, logger); err != nil {
		return err
	}

	// Publish the upstream snapshot.
	ups, err := store.ListUpstreams(ctx)
	if err != nil {
		return err
	}
	reg := registry.New()
	reg.Reload(ups)

	// Warm breaker, health and quota state from the last persisted snapshot.
	breakers := circuitbreaker.NewRegistry(cfg.Circuit.Default)
	warmBreakers(ctx, breakers, reg, store, logger)

	healthTracker := health.NewTracker()
	if saved, err := store.ListHealth(ctx); err == nil {
		for id, h := range saved {
			healthTracker.Restore(id, h)
		}
	}

	quotaTracker := quota.NewTracker()
	for _, u := range ups {
		if len(u.SpendingRules) > 0 {
			quotaTracker.Configure(u.ID, u.SpendingRules)
		}
	}

	// Outbound path: pooled transport with DNS caching.
	resolver := &dnscache.Resolver{}
	fwd := forward.New(forward.NewTransport(resolver), cfg.Forward.UpstreamReadTimeout)
	sel := selector.New(selector.ParseStrategy(cfg.Routing.Strategy), fwd)
	compRules, err := store.ListCompensationRules(ctx)
	if err != nil {
		return err
	}
	comp := headers.NewCompensator(nil, compensationRules(compRules))
	creds := cloudauth.NewResolver(box)
	aff := affinity.NewStore(cfg.Affinity.SlidingTTL, cfg.Affinity.MaxTTL)

	ctl := failover.New(failover.Config{
		Strategy:           cfg.Failover.Strategy,
		MaxAttempts:        cfg.Failover.MaxAttempts,
		ExcludeStatusCodes: cfg.Failover.ExcludeStatusCodes,
	}, sel, fwd, comp, breakers, healthTracker, aff, creds, logger)

	// Observability.
	var metrics *telemetry.Metrics
	handlers := map[string]http.Handler{}
	if cfg.Telemetry.Metrics.Enabled {
		promReg := prometheus.NewRegistry()
		promReg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics = telemetry.NewMetrics(promReg)
		handlers["/metrics"] = promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})
	}
	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer shutdown(context.Background())
	}

	// Billing pipeline.
	prices, err := billing.NewResolver(store)
	if err != nil {
		return err
	}
	var dropped billing.DropCounter
	if metrics != nil {
		dropped = metrics.BillingEventsDropped
	}
	emitter := billing.NewEmitter(store, prices, quotaTracker, dropped, logger)

	// Background workers.
	workers := []worker.Worker{
		emitter,
		worker.NewQuotaSyncWorker(quotaTracker, store,
			cfg.Quota.UrgentThresholdPercent, cfg.Quota.UrgentSyncInterval, cfg.Quota.NormalSyncInterval, logger),
		worker.NewAffinitySweeper(aff, logger),
		worker.NewStatePersister(breakers, healthTracker, store, logger),
	}
	if cfg.HealthCheck.Enabled {
		workers = append(workers, health.NewProber(healthTracker,
			func() health.SnapshotSource { return reg.Snapshot() }, nil, cfg.HealthCheck.Interval))
	}

	workerCtx, stopWorkers := context.WithCancel(ctx)
	workerDone := make(chan error, 1)
	go func() {
		workerDone <- worker.NewRunner(workers...).Run(workerCtx)
	}()

	// Inbound HTTP.
	apiKeyAuth, err := auth.NewAPIKeyAuth(store)
	if err != nil {
		stopWorkers()
		return err
	}
	handler := server.New(server.Deps{
		Auth:     apiKeyAuth,
		Registry: reg,
		Filter: &route.Filter{
			Breakers:     breakers,
			Health:       healthTracker,
			Quota:        quotaTracker,
			StrictHealth: cfg.Routing.StrictHealth,
		},
		Failover:    ctl,
		Emitter:     emitter,
		Metrics:     metrics,
		ReadyCheck:  store.Ping,
		Handlers:    handlers,
		ReplayLimit: cfg.Forward.ReplayBufferMax,
	})

	srv := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	logger.Info("autorouter ready", "addr", cfg.Server.ListenAddr, "upstreams", len(ups))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		stopWorkers()
		return err
	}

	// Shutdown ordering: stop accepting inbound traffic first, then let the
	// workers drain their queues (the emitter flushes pending logs).
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		stopWorkers()
		return err
	}

	stopWorkers()
	select {
	case <-workerDone:
	case <-time.After(cfg.Server.ShutdownTimeout):
		logger.Warn("workers did not drain before the shutdown deadline")
	}

	logger.Info("autorouter stopped")
	return nil
}

// warmBreakers restores persisted breaker state so a restart does not reopen
// traffic to a tripped upstream.
func warmBreakers(ctx context.Context, breakers *circuitbreaker.Registry, reg *registry.Registry, store storage.Store, logger *slog.Logger) {
	states, err := store.ListBreakerStates(ctx)
	if err != nil {
		logger.Warn("breaker state warm failed", "error", err)
		return
	}
	snap := reg.Snapshot()
	for _, st := range states {
		var cfg *gateway.BreakerConfig
		if u := snap.Get(st.UpstreamID); u != nil {
			cfg = u.CircuitBreaker
		}
		b := breakers.GetOrCreate(st.UpstreamID, cfg)
		s := circuitbreaker.Snapshot{
			State:        circuitbreaker.ParseState(st.State),
			FailureCount: st.FailureCount,
			SuccessCount: st.SuccessCount,
		}
		if st.OpenedAt != nil {
			s.OpenedAt = *st.OpenedAt
		}
		if st.LastProbeAt != nil {
			s.LastProbeAt = *st.LastProbeAt
		}
		b.Restore(s)
	}
}

// compensationRules converts stored rules into the compensator's form.
func compensationRules(rules []gateway.CompensationRule) []headers.CompensationRule {
	out := make([]headers.CompensationRule, 0, len(rules))
	for _, r := range rules {
		out = append(out, headers.CompensationRule{
			Capabilities: r.Capabilities,
			TargetHeader: r.TargetHeader,
			Sources:      r.Sources,
			Mode:         r.Mode,
		})
	}
	return out
}
