package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// IngestInput bundles everything the router wants persisted atomically for
// one observed event: the event row itself, the counter bump on the targeted
// post (if any), the follower insert (for follows), the engager aggregate,
// and the webhook enqueue.
type IngestInput struct {
	Event *Event

	// TargetNoteID, when set, names the tenant post this event engages with.
	// A stub post row is created if none exists yet.
	TargetNoteID string
	// PostBump is the counter to increment on the targeted post:
	// "reactions", "replies", "reposts" or "zap". Empty means no bump.
	PostBump string
	// ZapSats is added to the targeted post's zap_total for a "zap" bump
	// and to the author's engager aggregate. Zero for unparsable invoices.
	ZapSats int64

	// NewFollower, when set, is the pubkey to record as a follower.
	NewFollower string

	// WebhookPayload, when non-nil, is the exact JSON body to enqueue for
	// delivery. Nil enqueues nothing (historical events).
	WebhookPayload []byte
}

// IngestEvent performs the idempotent transactional ingest of one event for
// one tenant. If an event row already exists for (tenant, event id) nothing
// else happens and inserted is false: no counters move and no webhook is
// enqueued, however many relays replayed the event.
func (s *Store) IngestEvent(ctx context.Context, in IngestInput) (inserted bool, err error) {
	ev := in.Event
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO events (tenant_id, event_id, kind, author_pubkey, content, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (tenant_id, event_id) DO NOTHING`),
			ev.TenantID, ev.EventID, ev.Kind, ev.AuthorPubkey, ev.Content, ev.Metadata, ev.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil // duplicate: leave inserted false
		}
		inserted = true

		if in.TargetNoteID != "" {
			if err := bumpPost(ctx, tx, s, ev.TenantID, in.TargetNoteID, in.PostBump, in.ZapSats); err != nil {
				return err
			}
		}

		if in.NewFollower != "" {
			if _, err := tx.ExecContext(ctx, s.q(`
				INSERT INTO followers (tenant_id, pubkey, followed_at)
				VALUES (?, ?, ?)
				ON CONFLICT (tenant_id, pubkey) DO NOTHING`),
				ev.TenantID, in.NewFollower, ev.CreatedAt); err != nil {
				return fmt.Errorf("insert follower: %w", err)
			}
		}

		if err := upsertEngager(ctx, tx, s, ev, in.ZapSats); err != nil {
			return err
		}

		if in.WebhookPayload != nil {
			if _, err := tx.ExecContext(ctx, s.q(`
				INSERT INTO webhook_log (tenant_id, event_kind, event_id, payload, created_at)
				VALUES (?, ?, ?, ?, ?)`),
				ev.TenantID, ev.Kind, ev.EventID, string(in.WebhookPayload), now()); err != nil {
				return fmt.Errorf("enqueue webhook: %w", err)
			}
		}
		return nil
	})
	return inserted, err
}

// bumpPost creates a zero-counter stub if the post is unknown, then applies
// the counter increment. Counters are updated in SQL so they stay
// monotonically non-decreasing without read-modify-write in user code.
func bumpPost(ctx context.Context, tx *sql.Tx, s *Store, tenantID int64, noteID, bump string, zapSats int64) error {
	if _, err := tx.ExecContext(ctx, s.q(`
		INSERT INTO posts (tenant_id, note_id)
		VALUES (?, ?)
		ON CONFLICT (tenant_id, note_id) DO NOTHING`),
		tenantID, noteID); err != nil {
		return fmt.Errorf("post stub: %w", err)
	}

	switch bump {
	case "reactions", "replies", "reposts":
		if _, err := tx.ExecContext(ctx, s.q(`
			UPDATE posts SET `+bump+` = `+bump+` + 1
			WHERE tenant_id = ? AND note_id = ?`),
			tenantID, noteID); err != nil {
			return fmt.Errorf("bump %s: %w", bump, err)
		}
	case "zap":
		// zap_count moves even when the amount was unparsable (0 sats).
		if _, err := tx.ExecContext(ctx, s.q(`
			UPDATE posts SET zap_count = zap_count + 1, zap_total = zap_total + ?
			WHERE tenant_id = ? AND note_id = ?`),
			zapSats, tenantID, noteID); err != nil {
			return fmt.Errorf("bump zap: %w", err)
		}
	case "":
	default:
		return fmt.Errorf("unknown post counter %q", bump)
	}
	return nil
}

// upsertEngager maintains the per-author interaction aggregate.
func upsertEngager(ctx context.Context, tx *sql.Tx, s *Store, ev *Event, zapSats int64) error {
	col := map[string]string{
		"mention":  "mentions",
		"reply":    "replies",
		"reaction": "reactions",
		"repost":   "reposts",
		"zap":      "zaps",
		"follow":   "",
	}[ev.Kind]
	if col == "" {
		return nil // follows are tracked in the followers table
	}

	_, err := tx.ExecContext(ctx, s.q(`
		INSERT INTO engagers (tenant_id, pubkey, `+col+`, zap_total, total, last_seen_at)
		VALUES (?, ?, 1, ?, 1, ?)
		ON CONFLICT (tenant_id, pubkey) DO UPDATE SET
			`+col+` = engagers.`+col+` + 1,
			zap_total = engagers.zap_total + excluded.zap_total,
			total = engagers.total + 1,
			last_seen_at = excluded.last_seen_at`),
		ev.TenantID, ev.AuthorPubkey, zapSats, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert engager: %w", err)
	}
	return nil
}

// ─── Event queries ────────────────────────────────────────────────────────────

// UnacknowledgedEvents returns events the tenant has not acknowledged yet,
// oldest first, optionally filtered by kind and a since timestamp.
func (s *Store) UnacknowledgedEvents(ctx context.Context, tenantID, since int64, kinds []string, limit int) ([]*Event, error) {
	query := `
		SELECT id, event_id, kind, author_pubkey, content, metadata, created_at
		FROM events
		WHERE tenant_id = ? AND acknowledged = 0 AND created_at >= ?`
	args := []any{tenantID, since}
	if len(kinds) > 0 {
		query += ` AND kind IN (` + placeholders(len(kinds)) + `)`
		for _, k := range kinds {
			args = append(args, k)
		}
	}
	query += ` ORDER BY created_at ASC, id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		ev := Event{TenantID: tenantID}
		if err := rows.Scan(&ev.ID, &ev.EventID, &ev.Kind, &ev.AuthorPubkey,
			&ev.Content, &ev.Metadata, &ev.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// AcknowledgeEvents marks the given event ids acknowledged for the tenant.
// Acknowledgement is idempotent. Returns how many rows transitioned and how
// many unacknowledged events remain.
func (s *Store) AcknowledgeEvents(ctx context.Context, tenantID int64, eventIDs []string) (acked, remaining int64, err error) {
	if len(eventIDs) > 0 {
		args := []any{tenantID}
		for _, id := range eventIDs {
			args = append(args, id)
		}
		res, err := s.db.ExecContext(ctx, s.q(`
			UPDATE events SET acknowledged = 1
			WHERE tenant_id = ? AND acknowledged = 0
			  AND event_id IN (`+placeholders(len(eventIDs))+`)`), args...)
		if err != nil {
			return 0, 0, err
		}
		acked, _ = res.RowsAffected()
	}

	err = s.db.QueryRowContext(ctx, s.q(`
		SELECT COUNT(*) FROM events WHERE tenant_id = ? AND acknowledged = 0`),
		tenantID).Scan(&remaining)
	return acked, remaining, err
}

// EngagementHistogram counts the tenant's events per GMT hour since the
// given timestamp. Integer arithmetic on the unix timestamp keeps the
// expression portable across both drivers.
func (s *Store) EngagementHistogram(ctx context.Context, tenantID, since int64) ([24]int64, error) {
	var hist [24]int64
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT (created_at % 86400) / 3600 AS hour, COUNT(*)
		FROM events
		WHERE tenant_id = ? AND created_at >= ?
		GROUP BY hour`), tenantID, since)
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

// EventCountsByKind returns per-kind event counts for the tenant since the
// given timestamp. Used by the metrics summary and daily summaries.
func (s *Store) EventCountsByKind(ctx context.Context, tenantID, since int64) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT kind, COUNT(*) FROM events
		WHERE tenant_id = ? AND created_at >= ?
		GROUP BY kind`), tenantID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var kind string
		var n int64
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, err
		}
		counts[kind] = n
	}
	return counts, rows.Err()
}

// TopEngagers ranks authors by interactions with the tenant over a window.
// Zap totals come from the engagers aggregate; windowed counts from events.
func (s *Store) TopEngagers(ctx context.Context, tenantID, since int64, minInteractions, limit int) ([]*Engager, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT e.author_pubkey,
			COUNT(*) FILTER (WHERE e.kind = 'mention')  AS mentions,
			COUNT(*) FILTER (WHERE e.kind = 'reply')    AS replies,
			COUNT(*) FILTER (WHERE e.kind = 'reaction') AS reactions,
			COUNT(*) FILTER (WHERE e.kind = 'repost')   AS reposts,
			COUNT(*) FILTER (WHERE e.kind = 'zap')      AS zaps,
			COALESCE(MAX(g.zap_total), 0)               AS zap_total,
			COUNT(*)                                    AS total,
			MAX(e.created_at)                           AS last_seen
		FROM events e
		LEFT JOIN engagers g ON g.tenant_id = e.tenant_id AND g.pubkey = e.author_pubkey
		WHERE e.tenant_id = ? AND e.created_at >= ? AND e.kind != 'follow'
		GROUP BY e.author_pubkey
		HAVING COUNT(*) >= ?
		ORDER BY total DESC, last_seen DESC
		LIMIT ?`), tenantID, since, minInteractions, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var engagers []*Engager
	for rows.Next() {
		var e Engager
		if err := rows.Scan(&e.Pubkey, &e.Mentions, &e.Replies, &e.Reactions,
			&e.Reposts, &e.Zaps, &e.ZapTotal, &e.Total, &e.LastSeenAt); err != nil {
			return nil, err
		}
		engagers = append(engagers, &e)
	}
	return engagers, rows.Err()
}

// placeholders returns "?, ?, ..." with n entries.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
