package store

import (
	"context"
	"fmt"
)

// IncrementRateLimit atomically bumps the request counter for
// (tenant, endpoint, hour window) and returns the new count. The window
// start is the top of the current hour in unix seconds.
func (s *Store) IncrementRateLimit(ctx context.Context, tenantID int64, endpoint string, windowStart int64) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, s.q(`
		INSERT INTO rate_limits (tenant_id, endpoint, window_start, count)
		VALUES (?, ?, ?, 1)
		ON CONFLICT (tenant_id, endpoint, window_start) DO UPDATE SET
			count = rate_limits.count + 1
		RETURNING count`),
		tenantID, endpoint, windowStart).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("increment rate limit: %w", err)
	}
	return count, nil
}

// PruneRateLimits drops counters for windows older than cutoff.
func (s *Store) PruneRateLimits(ctx context.Context, cutoff int64) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`DELETE FROM rate_limits WHERE window_start < ?`), cutoff)
	return err
}
