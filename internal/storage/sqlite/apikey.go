package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gateway "github.com/autorouter/autorouter/internal"
)

// CreateKey inserts a new API key and its allowed-upstream scope rows.
func (s *Store) CreateKey(ctx context.Context, key *gateway.APIKey) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT INTO api_keys (id, key_hash, key_prefix, name, is_active, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		key.ID, key.KeyHash, key.KeyPrefix, key.Name,
		boolToInt(key.IsActive), timeToStr(key.ExpiresAt),
		key.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return err
	}
	if err := insertKeyScopes(ctx, tx, key.ID, key.AllowedUpstreamIDs); err != nil {
		return err
	}
	return tx.Commit()
}

// GetKeyByHash retrieves an API key by its SHA-256 hash.
func (s *Store) GetKeyByHash(ctx context.Context, hash string) (*gateway.APIKey, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, key_hash, key_prefix, name, is_active, expires_at, last_used_at, created_at
		 FROM api_keys WHERE key_hash = ?`, hash,
	)
	return s.scanKeyWithScopes(ctx, row)
}

// GetKey retrieves an API key by its ID.
func (s *Store) GetKey(ctx context.Context, id string) (*gateway.APIKey, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, key_hash, key_prefix, name, is_active, expires_at, last_used_at, created_at
		 FROM api_keys WHERE id = ?`, id,
	)
	return s.scanKeyWithScopes(ctx, row)
}

// ListKeys returns API keys ordered by creation time, newest first.
func (s *Store) ListKeys(ctx context.Context, offset, limit int) ([]*gateway.APIKey, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, key_hash, key_prefix, name, is_active, expires_at, last_used_at, created_at
		 FROM api_keys ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*gateway.APIKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, k := range keys {
		if err := s.loadKeyScopes(ctx, k); err != nil {
			return nil, err
		}
	}
	return keys, nil
}

// UpdateKey updates an existing API key, replacing its scope rows.
func (s *Store) UpdateKey(ctx context.Context, key *gateway.APIKey) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	result, err := tx.ExecContext(ctx,
		`UPDATE api_keys SET name=?, is_active=?, expires_at=? WHERE id=?`,
		key.Name, boolToInt(key.IsActive), timeToStr(key.ExpiresAt), key.ID,
	)
	if err != nil {
		return err
	}
	if err := checkRowsAffected(result, "api key"); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM api_key_upstreams WHERE api_key_id=?`, key.ID); err != nil {
		return err
	}
	if err := insertKeyScopes(ctx, tx, key.ID, key.AllowedUpstreamIDs); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteKey removes an API key; scope rows cascade.
func (s *Store) DeleteKey(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM api_keys WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "api key")
}

// TouchKeyUsed updates the last_used_at timestamp.
func (s *Store) TouchKeyUsed(ctx context.Context, id string) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at=? WHERE id=?`,
		time.Now().UTC().Format(time.RFC3339), id,
	)
	return err
}

func insertKeyScopes(ctx context.Context, tx *sql.Tx, keyID string, upstreamIDs []string) error {
	for _, uid := range upstreamIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO api_key_upstreams (api_key_id, upstream_id) VALUES (?, ?)`,
			keyID, uid); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) loadKeyScopes(ctx context.Context, key *gateway.APIKey) error {
	rows, err := s.read.QueryContext(ctx,
		`SELECT upstream_id FROM api_key_upstreams WHERE api_key_id=? ORDER BY upstream_id`,
		key.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return err
		}
		key.AllowedUpstreamIDs = append(key.AllowedUpstreamIDs, uid)
	}
	return rows.Err()
}

func (s *Store) scanKeyWithScopes(ctx context.Context, row *sql.Row) (*gateway.APIKey, error) {
	k, err := scanKey(row)
	if err != nil {
		return nil, err
	}
	if err := s.loadKeyScopes(ctx, k); err != nil {
		return nil, err
	}
	return k, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// notFoundErr translates sql.ErrNoRows to gateway.ErrNotFound.
func notFoundErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return gateway.ErrNotFound
	}
	return err
}

func scanKey(s scanner) (*gateway.APIKey, error) {
	var k gateway.APIKey
	var active int
	var expiresAt, lastUsedAt, createdAt sql.NullString

	err := s.Scan(
		&k.ID, &k.KeyHash, &k.KeyPrefix, &k.Name, &active,
		&expiresAt, &lastUsedAt, &createdAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	k.IsActive = active != 0
	k.ExpiresAt = parseTime(expiresAt)
	k.LastUsedAt = parseTime(lastUsedAt)
	if t := parseTime(createdAt); t != nil {
		k.CreatedAt = *t
	}
	return &k, nil
}

// helpers

func marshalJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalJSON(ns sql.NullString, v any) error {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(ns.String), v); err != nil {
		return fmt.Errorf("unmarshal column: %w", err)
	}
	return nil
}

func timeToStr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func parseTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func checkRowsAffected(result sql.Result, entity string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", entity, gateway.ErrNotFound)
	}
	return nil
}
