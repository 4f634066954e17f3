package sqlite

import (
	"context"
	"database/sql"

	gateway "github.com/autorouter/autorouter/internal"
)

// UpsertCompensationRule inserts or replaces a header compensation rule.
func (s *Store) UpsertCompensationRule(ctx context.Context, r *gateway.CompensationRule) error {
	caps, err := marshalJSON(r.Capabilities)
	if err != nil {
		return err
	}
	sources, err := marshalJSON(r.Sources)
	if err != nil {
		return err
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO compensation_rules (id, capabilities, target_header, sources, mode)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		 capabilities=excluded.capabilities, target_header=excluded.target_header,
		 sources=excluded.sources, mode=excluded.mode`,
		r.ID, caps, r.TargetHeader, sources, r.Mode)
	return err
}

// ListCompensationRules returns all header compensation rules.
func (s *Store) ListCompensationRules(ctx context.Context) ([]gateway.CompensationRule, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, capabilities, target_header, sources, mode FROM compensation_rules ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []gateway.CompensationRule
	for rows.Next() {
		var r gateway.CompensationRule
		var caps, sources sql.NullString
		if err := rows.Scan(&r.ID, &caps, &r.TargetHeader, &sources, &r.Mode); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(caps, &r.Capabilities); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(sources, &r.Sources); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
