package store

import (
	"context"
	"database/sql"
)

// IsFollower reports whether pubkey is already recorded as a follower of the
// tenant. The router uses this to drop replayed contact-list events before
// they reach the ingest transaction.
func (s *Store) IsFollower(ctx context.Context, tenantID int64, pubkey string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT 1 FROM followers WHERE tenant_id = ? AND pubkey = ?`),
		tenantID, pubkey).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// FollowerCount returns the tenant's follower count.
func (s *Store) FollowerCount(ctx context.Context, tenantID int64) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT COUNT(*) FROM followers WHERE tenant_id = ?`), tenantID).Scan(&n)
	return n, err
}

// FollowersSince counts followers gained after the given timestamp.
func (s *Store) FollowersSince(ctx context.Context, tenantID, since int64) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT COUNT(*) FROM followers WHERE tenant_id = ? AND followed_at >= ?`),
		tenantID, since).Scan(&n)
	return n, err
}

// FollowerGains returns a per-day series of gained followers since the given
// timestamp. The day-bucketing expression is the only driver-specific SQL.
func (s *Store) FollowerGains(ctx context.Context, tenantID, since int64) ([]DayCount, error) {
	day := `date(followed_at, 'unixepoch')`
	if s.driver == "postgres" {
		day = `to_char(to_timestamp(followed_at) AT TIME ZONE 'UTC', 'YYYY-MM-DD')`
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+day+` AS day, COUNT(*)
		FROM followers
		WHERE tenant_id = ? AND followed_at >= ?
		GROUP BY day
		ORDER BY day`), tenantID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var series []DayCount
	for rows.Next() {
		var dc DayCount
		if err := rows.Scan(&dc.Date, &dc.Count); err != nil {
			return nil, err
		}
		series = append(series, dc)
	}
	return series, rows.Err()
}

// FollowerPubkeys returns up to limit follower pubkeys, most recent first.
func (s *Store) FollowerPubkeys(ctx context.Context, tenantID int64, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT pubkey FROM followers
		WHERE tenant_id = ?
		ORDER BY followed_at DESC
		LIMIT ?`), tenantID, limit)
	if err != nil {
		return nil, err
	}
	return scanStringRows(rows)
}

// RecentFollowers returns followers gained after since, most recent first.
func (s *Store) RecentFollowers(ctx context.Context, tenantID, since int64, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT pubkey FROM followers
		WHERE tenant_id = ? AND followed_at >= ?
		ORDER BY followed_at DESC
		LIMIT ?`), tenantID, since, limit)
	if err != nil {
		return nil, err
	}
	return scanStringRows(rows)
}

// ReplaceFollowing replaces the tenant's following set with the pubkeys from
// the latest observed contact list. Runs in one transaction so readers never
// see a half-written set.
func (s *Store) ReplaceFollowing(ctx context.Context, tenantID int64, pubkeys []string) error {
	ts := now()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			s.q(`DELETE FROM following WHERE tenant_id = ?`), tenantID); err != nil {
			return err
		}
		for _, pk := range pubkeys {
			if _, err := tx.ExecContext(ctx, s.q(`
				INSERT INTO following (tenant_id, pubkey, added_at)
				VALUES (?, ?, ?)
				ON CONFLICT (tenant_id, pubkey) DO NOTHING`),
				tenantID, pk, ts); err != nil {
				return err
			}
		}
		return nil
	})
}

// FollowingPubkeys returns every pubkey the tenant follows.
func (s *Store) FollowingPubkeys(ctx context.Context, tenantID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT pubkey FROM following WHERE tenant_id = ?`), tenantID)
	if err != nil {
		return nil, err
	}
	return scanStringRows(rows)
}

// FollowingCount returns how many accounts the tenant follows.
func (s *Store) FollowingCount(ctx context.Context, tenantID int64) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT COUNT(*) FROM following WHERE tenant_id = ?`), tenantID).Scan(&n)
	return n, err
}

// FollowSuggestions ranks engaging authors the tenant does not follow back.
func (s *Store) FollowSuggestions(ctx context.Context, tenantID int64, limit int) ([]*Engager, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT e.pubkey, e.mentions, e.replies, e.reactions, e.reposts, e.zaps, e.zap_total, e.total, e.last_seen_at
		FROM engagers e
		WHERE e.tenant_id = ?
		  AND e.pubkey NOT IN (SELECT pubkey FROM following WHERE tenant_id = ?)
		ORDER BY e.total DESC, e.last_seen_at DESC
		LIMIT ?`), tenantID, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var suggestions []*Engager
	for rows.Next() {
		var e Engager
		if err := rows.Scan(&e.Pubkey, &e.Mentions, &e.Replies, &e.Reactions,
			&e.Reposts, &e.Zaps, &e.ZapTotal, &e.Total, &e.LastSeenAt); err != nil {
			return nil, err
		}
		suggestions = append(suggestions, &e)
	}
	return suggestions, rows.Err()
}

// scanStringRows scans a single-string-column result set into a slice.
// It closes rows before returning.
func scanStringRows(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var result []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
}
