package sqlite

import (
	"context"
	"database/sql"
	"time"

	gateway "github.com/autorouter/autorouter/internal"
)

// SaveHealth upserts one upstream's passive health record.
func (s *Store) SaveHealth(ctx context.Context, upstreamID string, h gateway.UpstreamHealth) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO upstream_health
		 (upstream_id, is_healthy, last_check_at, last_success_at, failure_count, latency_ms, error_message)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(upstream_id) DO UPDATE SET
		 is_healthy = excluded.is_healthy,
		 last_check_at = excluded.last_check_at,
		 last_success_at = excluded.last_success_at,
		 failure_count = excluded.failure_count,
		 latency_ms = excluded.latency_ms,
		 error_message = excluded.error_message`,
		upstreamID, boolToInt(h.IsHealthy), timeToStr(h.LastCheckAt), timeToStr(h.LastSuccessAt),
		h.FailureCount, h.LatencyMs, h.ErrorMessage,
	)
	return err
}

// ListHealth returns every persisted health record keyed by upstream ID.
func (s *Store) ListHealth(ctx context.Context) (map[string]gateway.UpstreamHealth, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT upstream_id, is_healthy, last_check_at, last_success_at,
		 failure_count, latency_ms, error_message FROM upstream_health`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]gateway.UpstreamHealth)
	for rows.Next() {
		var id string
		var h gateway.UpstreamHealth
		var healthy int
		var lastCheck, lastSuccess sql.NullString
		if err := rows.Scan(&id, &healthy, &lastCheck, &lastSuccess,
			&h.FailureCount, &h.LatencyMs, &h.ErrorMessage); err != nil {
			return nil, err
		}
		h.IsHealthy = healthy != 0
		h.LastCheckAt = parseTime(lastCheck)
		h.LastSuccessAt = parseTime(lastSuccess)
		out[id] = h
	}
	return out, rows.Err()
}

// SaveBreakerStates upserts circuit breaker snapshots in one transaction.
func (s *Store) SaveBreakerStates(ctx context.Context, states []gateway.BreakerState) error {
	if len(states) == 0 {
		return nil
	}
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO circuit_breaker_states
		 (upstream_id, state, failure_count, success_count, opened_at, last_probe_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(upstream_id) DO UPDATE SET
		 state = excluded.state,
		 failure_count = excluded.failure_count,
		 success_count = excluded.success_count,
		 opened_at = excluded.opened_at,
		 last_probe_at = excluded.last_probe_at,
		 updated_at = excluded.updated_at`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, st := range states {
		if _, err := stmt.ExecContext(ctx,
			st.UpstreamID, st.State, st.FailureCount, st.SuccessCount,
			timeToStr(st.OpenedAt), timeToStr(st.LastProbeAt),
			st.UpdatedAt.UTC().Format(time.RFC3339),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListBreakerStates returns every persisted breaker snapshot.
func (s *Store) ListBreakerStates(ctx context.Context) ([]gateway.BreakerState, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT upstream_id, state, failure_count, success_count,
		 opened_at, last_probe_at, updated_at FROM circuit_breaker_states`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []gateway.BreakerState
	for rows.Next() {
		var st gateway.BreakerState
		var openedAt, lastProbeAt, updatedAt sql.NullString
		if err := rows.Scan(&st.UpstreamID, &st.State, &st.FailureCount,
			&st.SuccessCount, &openedAt, &lastProbeAt, &updatedAt); err != nil {
			return nil, err
		}
		st.OpenedAt = parseTime(openedAt)
		st.LastProbeAt = parseTime(lastProbeAt)
		if t := parseTime(updatedAt); t != nil {
			st.UpdatedAt = *t
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
