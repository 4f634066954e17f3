package sqlite

import (
	"context"
	"database/sql"
	"time"

	gateway "github.com/autorouter/autorouter/internal"
)

// breakerJSON is the persisted breaker config shape: durations as millisecond
// integers, normalized to time.Duration at the storage boundary.
type breakerJSON struct {
	FailureThreshold int   `json:"failure_threshold"`
	SuccessThreshold int   `json:"success_threshold"`
	OpenDurationMs   int64 `json:"open_duration_ms"`
	ProbeIntervalMs  int64 `json:"probe_interval_ms"`
}

func breakerToJSON(cfg *gateway.BreakerConfig) (sql.NullString, error) {
	if cfg == nil {
		return sql.NullString{}, nil
	}
	return marshalJSON(breakerJSON{
		FailureThreshold: cfg.FailureThreshold,
		SuccessThreshold: cfg.SuccessThreshold,
		OpenDurationMs:   cfg.OpenDuration.Milliseconds(),
		ProbeIntervalMs:  cfg.ProbeInterval.Milliseconds(),
	})
}

func breakerFromJSON(ns sql.NullString) (*gateway.BreakerConfig, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var bj breakerJSON
	if err := unmarshalJSON(ns, &bj); err != nil {
		return nil, err
	}
	return &gateway.BreakerConfig{
		FailureThreshold: bj.FailureThreshold,
		SuccessThreshold: bj.SuccessThreshold,
		OpenDuration:     time.Duration(bj.OpenDurationMs) * time.Millisecond,
		ProbeInterval:    time.Duration(bj.ProbeIntervalMs) * time.Millisecond,
	}, nil
}

const upstreamCols = `id, name, provider_type, base_url, api_key_encrypted, timeout_ms,
	 is_active, weight, priority, route_capabilities, allowed_models, model_redirects,
	 circuit_breaker, affinity_migration, input_multiplier, output_multiplier, spending_rules`

// CreateUpstream inserts a new upstream configuration.
func (s *Store) CreateUpstream(ctx context.Context, u *gateway.Upstream) error {
	args, err := upstreamArgs(u)
	if err != nil {
		return err
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO upstreams (`+upstreamCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	return err
}

// GetUpstream retrieves an upstream by ID.
func (s *Store) GetUpstream(ctx context.Context, id string) (*gateway.Upstream, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+upstreamCols+` FROM upstreams WHERE id = ?`, id)
	return scanUpstream(row)
}

// ListUpstreams returns every configured upstream, active or not, ordered by
// priority then ID for deterministic registry snapshots.
func (s *Store) ListUpstreams(ctx context.Context) ([]*gateway.Upstream, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+upstreamCols+` FROM upstreams ORDER BY priority, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*gateway.Upstream
	for rows.Next() {
		u, err := scanUpstream(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// UpdateUpstream overwrites an existing upstream configuration.
func (s *Store) UpdateUpstream(ctx context.Context, u *gateway.Upstream) error {
	args, err := upstreamArgs(u)
	if err != nil {
		return err
	}
	// Shift the ID from first insert position to the WHERE clause.
	args = append(args[1:], u.ID)
	result, err := s.write.ExecContext(ctx,
		`UPDATE upstreams SET name=?, provider_type=?, base_url=?, api_key_encrypted=?,
		 timeout_ms=?, is_active=?, weight=?, priority=?, route_capabilities=?,
		 allowed_models=?, model_redirects=?, circuit_breaker=?, affinity_migration=?,
		 input_multiplier=?, output_multiplier=?, spending_rules=? WHERE id=?`, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "upstream")
}

// DeleteUpstream removes an upstream.
func (s *Store) DeleteUpstream(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM upstreams WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "upstream")
}

func upstreamArgs(u *gateway.Upstream) ([]any, error) {
	caps, err := marshalJSON(u.RouteCapabilities)
	if err != nil {
		return nil, err
	}
	models, err := marshalJSON(u.AllowedModels)
	if err != nil {
		return nil, err
	}
	redirects, err := marshalJSON(u.ModelRedirects)
	if err != nil {
		return nil, err
	}
	breaker, err := breakerToJSON(u.CircuitBreaker)
	if err != nil {
		return nil, err
	}
	migration, err := marshalJSON(u.AffinityMigration)
	if err != nil {
		return nil, err
	}
	rules, err := marshalJSON(u.SpendingRules)
	if err != nil {
		return nil, err
	}
	return []any{
		u.ID, u.Name, string(u.ProviderType), u.BaseURL, u.APIKeyEncrypted,
		u.Timeout.Milliseconds(), boolToInt(u.IsActive), u.Weight, u.Priority,
		caps, models, redirects, breaker, migration,
		u.BillingMultipliers.Input, u.BillingMultipliers.Output, rules,
	}, nil
}

func scanUpstream(s scanner) (*gateway.Upstream, error) {
	var u gateway.Upstream
	var providerType string
	var timeoutMs int64
	var active int
	var caps, models, redirects, breaker, migration, rules sql.NullString

	err := s.Scan(
		&u.ID, &u.Name, &providerType, &u.BaseURL, &u.APIKeyEncrypted, &timeoutMs,
		&active, &u.Weight, &u.Priority, &caps, &models, &redirects,
		&breaker, &migration,
		&u.BillingMultipliers.Input, &u.BillingMultipliers.Output, &rules,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	u.ProviderType = gateway.ProviderType(providerType)
	u.Timeout = time.Duration(timeoutMs) * time.Millisecond
	u.IsActive = active != 0
	if err := unmarshalJSON(caps, &u.RouteCapabilities); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(models, &u.AllowedModels); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(redirects, &u.ModelRedirects); err != nil {
		return nil, err
	}
	if u.CircuitBreaker, err = breakerFromJSON(breaker); err != nil {
		return nil, err
	}
	if migration.Valid && migration.String != "" {
		u.AffinityMigration = &gateway.MigrationConfig{}
		if err := unmarshalJSON(migration, u.AffinityMigration); err != nil {
			return nil, err
		}
	}
	if err := unmarshalJSON(rules, &u.SpendingRules); err != nil {
		return nil, err
	}
	return &u, nil
}
