package config

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	gateway "github.com/autorouter/autorouter/internal"
	"github.com/autorouter/autorouter/internal/secrets"
	"github.com/autorouter/autorouter/internal/storage"
)

// Bootstrap seeds the database from the config file on first run. Upstream
// names act as natural IDs so re-running against an already-seeded database
// is a no-op. Plaintext upstream credentials are encrypted before persisting.
func Bootstrap(ctx context.Context, cfg *Config, store storage.Store, box *secrets.Box, logger *slog.Logger) error {
	nameToID := make(map[string]string, len(cfg.Upstreams))

	for _, e := range cfg.Upstreams {
		nameToID[e.Name] = e.Name
		existing, _ := store.GetUpstream(ctx, e.Name)
		if existing != nil {
			continue // already exists, skip
		}

		enc, err := box.Encrypt(e.APIKey)
		if err != nil {
			return fmt.Errorf("encrypt credential for %s: %w", e.Name, err)
		}

		caps := make([]gateway.RouteCapability, 0, len(e.RouteCapabilities))
		for _, c := range e.RouteCapabilities {
			caps = append(caps, gateway.RouteCapability(c))
		}

		timeout := e.Timeout
		if timeout <= 0 {
			timeout = 2 * time.Minute
		}

		u := &gateway.Upstream{
			ID:                 e.Name,
			Name:               e.Name,
			ProviderType:       gateway.ProviderType(e.ProviderType),
			BaseURL:            e.BaseURL,
			APIKeyEncrypted:    enc,
			Timeout:            timeout,
			IsActive:           e.IsEnabled(),
			Weight:             max(1, e.Weight),
			Priority:           e.Priority,
			RouteCapabilities:  caps,
			AllowedModels:      e.AllowedModels,
			ModelRedirects:     e.ModelRedirects,
			CircuitBreaker:     e.CircuitBreaker,
			AffinityMigration:  e.AffinityMigration,
			BillingMultipliers: e.Multipliers,
			SpendingRules:      e.SpendingRules,
		}
		if err := store.CreateUpstream(ctx, u); err != nil {
			return err
		}
		logger.Info("bootstrapped upstream", "name", u.Name, "provider", string(u.ProviderType))
	}

	for _, r := range cfg.Compensation {
		caps := make([]gateway.RouteCapability, 0, len(r.Capabilities))
		for _, c := range r.Capabilities {
			caps = append(caps, gateway.RouteCapability(c))
		}
		rule := &gateway.CompensationRule{
			// Deterministic natural ID keeps re-runs idempotent.
			ID:           r.TargetHeader + "|" + strings.Join(r.Capabilities, ","),
			Capabilities: caps,
			TargetHeader: r.TargetHeader,
			Sources:      r.Sources,
			Mode:         r.Mode,
		}
		if err := store.UpsertCompensationRule(ctx, rule); err != nil {
			return err
		}
	}

	for _, k := range cfg.Keys {
		if k.Key == "" {
			continue
		}
		hash := gateway.HashKey(k.Key)

		existing, _ := store.GetKeyByHash(ctx, hash)
		if existing != nil {
			continue
		}

		prefix := k.Key
		if len(prefix) > 12 {
			prefix = prefix[:12]
		}

		scope := make([]string, 0, len(k.AllowedUpstreams))
		for _, name := range k.AllowedUpstreams {
			if id, ok := nameToID[name]; ok {
				scope = append(scope, id)
			} else {
				scope = append(scope, name)
			}
		}

		key := &gateway.APIKey{
			ID:                 uuid.Must(uuid.NewV7()).String(),
			KeyHash:            hash,
			KeyPrefix:          prefix,
			Name:               k.Name,
			IsActive:           true,
			AllowedUpstreamIDs: scope,
			CreatedAt:          time.Now().UTC(),
		}
		if err := store.CreateKey(ctx, key); err != nil {
			return err
		}
		logger.Info("bootstrapped api key", "name", k.Name, "prefix", prefix)
	}

	return nil
}
