package store

import (
	"context"
	"fmt"
)

// InsertPostActivity records one observed post for the timing tables.
// Idempotent on (tenant, note id) so re-running a scan never inflates counts.
// The hour is normalized into 0-23 even for negative relay timestamps.
func (s *Store) InsertPostActivity(ctx context.Context, tenantID int64, authorPubkey, role, noteID string, postedAt int64) error {
	hour := (postedAt % 86400) / 3600
	if hour < 0 {
		hour += 24
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO post_activity (tenant_id, author_pubkey, author_role, note_id, posted_at, hour)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, note_id) DO NOTHING`),
		tenantID, authorPubkey, role, noteID, postedAt, hour)
	if err != nil {
		return fmt.Errorf("insert post activity: %w", err)
	}
	return nil
}

// RoleHistogram counts post_activity rows per GMT hour for one author role
// since the given timestamp.
func (s *Store) RoleHistogram(ctx context.Context, tenantID int64, role string, since int64) ([24]int64, error) {
	var hist [24]int64
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT hour, COUNT(*)
		FROM post_activity
		WHERE tenant_id = ? AND author_role = ? AND posted_at >= ?
		GROUP BY hour`), tenantID, role, since)
	if err != nil {
		return hist, err
	}
	defer rows.Close()

	for rows.Next() {
		var hour, count int64
		if err := rows.Scan(&hour, &count); err != nil {
			return hist, err
		}
		if hour >= 0 && hour < 24 {
			hist[hour] = count
		}
	}
	return hist, rows.Err()
}

// UpsertNetworkActivity overwrites the count for one
// (tenant, kind, hour, window date) bucket.
func (s *Store) UpsertNetworkActivity(ctx context.Context, tenantID int64, kind string, hour int, count int64, windowDate string) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO network_activity (tenant_id, kind, hour, count, window_date)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, kind, hour, window_date) DO UPDATE SET
			count = excluded.count`),
		tenantID, kind, hour, count, windowDate)
	if err != nil {
		return fmt.Errorf("upsert network activity: %w", err)
	}
	return nil
}

// NetworkActivity reads the stored 24-bucket histogram for one kind on one
// window date.
func (s *Store) NetworkActivity(ctx context.Context, tenantID int64, kind, windowDate string) ([24]int64, error) {
	var hist [24]int64
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT hour, count FROM network_activity
		WHERE tenant_id = ? AND kind = ? AND window_date = ?`),
		tenantID, kind, windowDate)
	if err != nil {
		return hist, err
	}
	defer rows.Close()

	for rows.Next() {
		var hour, count int64
		if err := rows.Scan(&hour, &count); err != nil {
			return hist, err
		}
		if hour >= 0 && hour < 24 {
			hist[hour] = count
		}
	}
	return hist, rows.Err()
}
