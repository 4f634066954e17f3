package sqlite

import (
	"context"
	"database/sql"
	"time"

	gateway "github.com/autorouter/autorouter/internal"
	"github.com/autorouter/autorouter/internal/quota"
)

const requestCols = `id, api_key_id, upstream_id, method, path, model,
	 prompt_tokens, completion_tokens, total_tokens, cache_read_tokens, cache_write_tokens,
	 status_code, duration_ms, routing_duration_ms, ttft_ms, is_stream, error_message,
	 failover_attempts, failover_history, routing_decision,
	 session_id, affinity_hit, affinity_migrated, created_at`

// SaveRequest upserts a request log and its billing snapshot in one transaction.
func (s *Store) SaveRequest(ctx context.Context, log *gateway.RequestLog, snap *gateway.BillingSnapshot) error {
	history, err := marshalJSON(log.FailoverHistory)
	if err != nil {
		return err
	}
	routing, err := marshalJSON(log.Routing)
	if err != nil {
		return err
	}

	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO request_logs (`+requestCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		log.ID, log.APIKeyID, log.UpstreamID, log.Method, log.Path, log.Model,
		log.PromptTokens, log.CompletionTokens, log.TotalTokens,
		log.CacheReadTokens, log.CacheWriteTokens,
		log.StatusCode, log.DurationMs, log.RoutingDurationMs, log.TTFTMs,
		boolToInt(log.IsStream), log.ErrorMessage,
		log.FailoverAttempts, history, routing,
		log.SessionID, boolToInt(log.AffinityHit), boolToInt(log.AffinityMigrated),
		log.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return err
	}

	if snap != nil {
		var finalCost sql.NullFloat64
		if snap.FinalCost != nil {
			finalCost = sql.NullFloat64{Float64: *snap.FinalCost, Valid: true}
		}
		_, err = tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO request_billing_snapshots
			 (request_log_id, upstream_id, billing_status, unbillable_reason, price_source,
			  input_per_million, output_per_million, cache_read_per_million, cache_write_per_million,
			  input_multiplier, output_multiplier, billed_input_tokens, final_cost, currency, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			snap.RequestLogID, snap.UpstreamID, string(snap.BillingStatus),
			snap.UnbillableReason, snap.PriceSource,
			snap.InputPerMillion, snap.OutputPerMillion, snap.CacheReadPerM, snap.CacheWritePerM,
			snap.InputMultiplier, snap.OutputMultiplier, snap.BilledInputTokens,
			finalCost, snap.Currency, snap.CreatedAt.UTC().Format(time.RFC3339),
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetRequest returns a request log with its billing snapshot. The snapshot is
// nil when none was recorded.
func (s *Store) GetRequest(ctx context.Context, id string) (*gateway.RequestLog, *gateway.BillingSnapshot, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+requestCols+` FROM request_logs WHERE id = ?`, id)
	log, err := scanRequestLog(row)
	if err != nil {
		return nil, nil, err
	}

	snap, err := s.getSnapshot(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return log, snap, nil
}

func (s *Store) getSnapshot(ctx context.Context, logID string) (*gateway.BillingSnapshot, error) {
	var snap gateway.BillingSnapshot
	var status string
	var finalCost sql.NullFloat64
	var createdAt sql.NullString
	err := s.read.QueryRowContext(ctx,
		`SELECT request_log_id, upstream_id, billing_status, unbillable_reason, price_source,
		 input_per_million, output_per_million, cache_read_per_million, cache_write_per_million,
		 input_multiplier, output_multiplier, billed_input_tokens, final_cost, currency, created_at
		 FROM request_billing_snapshots WHERE request_log_id = ?`, logID,
	).Scan(
		&snap.RequestLogID, &snap.UpstreamID, &status, &snap.UnbillableReason, &snap.PriceSource,
		&snap.InputPerMillion, &snap.OutputPerMillion, &snap.CacheReadPerM, &snap.CacheWritePerM,
		&snap.InputMultiplier, &snap.OutputMultiplier, &snap.BilledInputTokens,
		&finalCost, &snap.Currency, &createdAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	snap.BillingStatus = gateway.BillingStatus(status)
	if finalCost.Valid {
		snap.FinalCost = &finalCost.Float64
	}
	if t := parseTime(createdAt); t != nil {
		snap.CreatedAt = *t
	}
	return &snap, nil
}

// ListRequests returns request logs ordered by creation time, newest first.
func (s *Store) ListRequests(ctx context.Context, offset, limit int) ([]*gateway.RequestLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+requestCols+` FROM request_logs
		 ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*gateway.RequestLog
	for rows.Next() {
		log, err := scanRequestLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, log)
	}
	return out, rows.Err()
}

// SumSpending returns total billed cost for an upstream since the given time.
func (s *Store) SumSpending(ctx context.Context, upstreamID string, since time.Time) (float64, error) {
	var total float64
	err := s.read.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(final_cost), 0) FROM request_billing_snapshots
		 WHERE upstream_id = ? AND billing_status = 'billed' AND created_at >= ?`,
		upstreamID, since.UTC().Format(time.RFC3339),
	).Scan(&total)
	return total, err
}

// SpendingByHour returns hour-bucketed billed cost for an upstream since the
// given time, oldest first. Buckets rely on created_at being RFC3339 UTC.
func (s *Store) SpendingByHour(ctx context.Context, upstreamID string, since time.Time) ([]quota.HourSlice, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT strftime('%Y-%m-%dT%H:00:00Z', created_at) AS hour, SUM(final_cost)
		 FROM request_billing_snapshots
		 WHERE upstream_id = ? AND billing_status = 'billed' AND created_at >= ?
		 GROUP BY hour ORDER BY hour ASC`,
		upstreamID, since.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []quota.HourSlice
	for rows.Next() {
		var hour string
		var cost sql.NullFloat64
		if err := rows.Scan(&hour, &cost); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, hour)
		if err != nil {
			return nil, err
		}
		out = append(out, quota.HourSlice{Hour: t, Cost: cost.Float64})
	}
	return out, rows.Err()
}

func scanRequestLog(sc scanner) (*gateway.RequestLog, error) {
	var log gateway.RequestLog
	var isStream, affinityHit, affinityMigrated int
	var history, routing, createdAt sql.NullString

	err := sc.Scan(
		&log.ID, &log.APIKeyID, &log.UpstreamID, &log.Method, &log.Path, &log.Model,
		&log.PromptTokens, &log.CompletionTokens, &log.TotalTokens,
		&log.CacheReadTokens, &log.CacheWriteTokens,
		&log.StatusCode, &log.DurationMs, &log.RoutingDurationMs, &log.TTFTMs,
		&isStream, &log.ErrorMessage,
		&log.FailoverAttempts, &history, &routing,
		&log.SessionID, &affinityHit, &affinityMigrated, &createdAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	log.IsStream = isStream != 0
	log.AffinityHit = affinityHit != 0
	log.AffinityMigrated = affinityMigrated != 0
	if err := unmarshalJSON(history, &log.FailoverHistory); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(routing, &log.Routing); err != nil {
		return nil, err
	}
	if t := parseTime(createdAt); t != nil {
		log.CreatedAt = *t
	}
	return &log, nil
}
