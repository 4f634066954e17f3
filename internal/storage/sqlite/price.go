package sqlite

import (
	"context"
	"database/sql"
	"time"

	gateway "github.com/autorouter/autorouter/internal"
)

// ManualPriceOverride returns the operator-set price for a model,
// gateway.ErrNotFound when none exists.
func (s *Store) ManualPriceOverride(ctx context.Context, model string) (*gateway.ModelPrice, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT model, input_per_million, output_per_million,
		 cache_read_per_million, cache_write_per_million, updated_at
		 FROM billing_manual_price_overrides WHERE model = ?`, model)
	p, err := scanPrice(row, false)
	if err != nil {
		return nil, err
	}
	p.Source = "manual_override"
	return p, nil
}

// SyncedPrice returns the latest synced price for a model,
// gateway.ErrNotFound when no source carries it.
func (s *Store) SyncedPrice(ctx context.Context, model string) (*gateway.ModelPrice, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT model, input_per_million, output_per_million,
		 cache_read_per_million, cache_write_per_million, source, updated_at
		 FROM billing_model_prices WHERE model = ?`, model)
	return scanPrice(row, true)
}

// SetManualOverride upserts an operator price override.
func (s *Store) SetManualOverride(ctx context.Context, p *gateway.ModelPrice) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO billing_manual_price_overrides
		 (model, input_per_million, output_per_million, cache_read_per_million, cache_write_per_million, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(model) DO UPDATE SET
		 input_per_million = excluded.input_per_million,
		 output_per_million = excluded.output_per_million,
		 cache_read_per_million = excluded.cache_read_per_million,
		 cache_write_per_million = excluded.cache_write_per_million,
		 updated_at = excluded.updated_at`,
		p.Model, p.InputPerMillion, p.OutputPerMillion,
		nullFloat(p.CacheReadPerMillion), nullFloat(p.CacheWritePerMillion),
		time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// DeleteManualOverride removes an operator price override.
func (s *Store) DeleteManualOverride(ctx context.Context, model string) error {
	result, err := s.write.ExecContext(ctx,
		`DELETE FROM billing_manual_price_overrides WHERE model=?`, model)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "price override")
}

// UpsertSyncedPrices replaces synced base prices for a batch of models.
func (s *Store) UpsertSyncedPrices(ctx context.Context, source string, prices []gateway.ModelPrice) error {
	if len(prices) == 0 {
		return nil
	}
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO billing_model_prices
		 (model, input_per_million, output_per_million, cache_read_per_million, cache_write_per_million, source, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(model) DO UPDATE SET
		 input_per_million = excluded.input_per_million,
		 output_per_million = excluded.output_per_million,
		 cache_read_per_million = excluded.cache_read_per_million,
		 cache_write_per_million = excluded.cache_write_per_million,
		 source = excluded.source,
		 updated_at = excluded.updated_at`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, p := range prices {
		if _, err := stmt.ExecContext(ctx,
			p.Model, p.InputPerMillion, p.OutputPerMillion,
			nullFloat(p.CacheReadPerMillion), nullFloat(p.CacheWritePerMillion),
			source, now,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListPrices returns every synced base price.
func (s *Store) ListPrices(ctx context.Context) ([]*gateway.ModelPrice, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT model, input_per_million, output_per_million,
		 cache_read_per_million, cache_write_per_million, source, updated_at
		 FROM billing_model_prices ORDER BY model`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*gateway.ModelPrice
	for rows.Next() {
		p, err := scanPrice(rows, true)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// RecordPriceSync appends one price sync run to the audit trail.
func (s *Store) RecordPriceSync(ctx context.Context, sync *gateway.PriceSync) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO billing_price_sync_history (id, source, model_count, error, synced_at)
		 VALUES (?, ?, ?, ?, ?)`,
		sync.ID, sync.Source, sync.ModelCount, sync.Error,
		sync.SyncedAt.UTC().Format(time.RFC3339),
	)
	return err
}

func scanPrice(sc scanner, withSource bool) (*gateway.ModelPrice, error) {
	var p gateway.ModelPrice
	var cacheRead, cacheWrite sql.NullFloat64
	var updatedAt sql.NullString

	var err error
	if withSource {
		err = sc.Scan(&p.Model, &p.InputPerMillion, &p.OutputPerMillion,
			&cacheRead, &cacheWrite, &p.Source, &updatedAt)
	} else {
		err = sc.Scan(&p.Model, &p.InputPerMillion, &p.OutputPerMillion,
			&cacheRead, &cacheWrite, &updatedAt)
	}
	if err != nil {
		return nil, notFoundErr(err)
	}

	if cacheRead.Valid {
		p.CacheReadPerMillion = &cacheRead.Float64
	}
	if cacheWrite.Valid {
		p.CacheWritePerMillion = &cacheWrite.Float64
	}
	if t := parseTime(updatedAt); t != nil {
		p.UpdatedAt = *t
	}
	return &p, nil
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}
