package store

import (
	"context"
	"database/sql"
	"errors"
)

// GetInsight returns the cached insight row for (tenant, kind, period), or
// ErrNotFound. Expiry is the caller's concern: the cache layer treats a
// stale row as a miss and overwrites it on recompute.
func (s *Store) GetInsight(ctx context.Context, tenantID int64, kind, period string) (*Insight, error) {
	ins := Insight{TenantID: tenantID, Kind: kind, Period: period}
	var payload string
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT payload, calculated_at, expires_at
		FROM insights
		WHERE tenant_id = ? AND kind = ? AND period = ?`),
		tenantID, kind, period).Scan(&payload, &ins.CalculatedAt, &ins.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	ins.Payload = []byte(payload)
	return &ins, nil
}

// PutInsight replaces the cached insight for (tenant, kind, period).
func (s *Store) PutInsight(ctx context.Context, ins *Insight) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO insights (tenant_id, kind, period, payload, calculated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, kind, period) DO UPDATE SET
			payload       = excluded.payload,
			calculated_at = excluded.calculated_at,
			expires_at    = excluded.expires_at`),
		ins.TenantID, ins.Kind, ins.Period, string(ins.Payload), ins.CalculatedAt, ins.ExpiresAt)
	return err
}

// DeleteInsights removes every cached insight for a tenant. Called when a
// scan or aggregation invalidates previous results.
func (s *Store) DeleteInsights(ctx context.Context, tenantID int64) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`DELETE FROM insights WHERE tenant_id = ?`), tenantID)
	return err
}
