package store

import (
	"context"
	"fmt"
)

// EnqueueWebhook inserts a pending delivery outside the event-ingest
// transaction. Used for daily summaries; event-driven webhooks are enqueued
// inside IngestEvent.
func (s *Store) EnqueueWebhook(ctx context.Context, tenantID int64, eventKind, eventID string, payload []byte) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO webhook_log (tenant_id, event_kind, event_id, payload, created_at)
		VALUES (?, ?, ?, ?, ?)`),
		tenantID, eventKind, eventID, string(payload), now())
	if err != nil {
		return fmt.Errorf("enqueue webhook: %w", err)
	}
	return nil
}

// PendingWebhooks returns pending deliveries in enqueue order. Id order
// preserves per-tenant ordering because the ingest transaction assigns ids
// in persistence order.
func (s *Store) PendingWebhooks(ctx context.Context, limit int) ([]*WebhookJob, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, tenant_id, event_kind, event_id, payload, retry_count, created_at
		FROM webhook_log
		WHERE status = 'pending'
		ORDER BY id ASC
		LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*WebhookJob
	for rows.Next() {
		var j WebhookJob
		var payload string
		if err := rows.Scan(&j.ID, &j.TenantID, &j.EventKind, &j.EventID,
			&payload, &j.Retries, &j.CreatedAt); err != nil {
			return nil, err
		}
		j.Payload = []byte(payload)
		jobs = append(jobs, &j)
	}
	return jobs, rows.Err()
}

// MarkWebhookSent records a successful delivery.
func (s *Store) MarkWebhookSent(ctx context.Context, id int64, httpCode, attempts int) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		UPDATE webhook_log
		SET status = 'sent', http_code = ?, retry_count = ?, sent_at = ?, last_error = ''
		WHERE id = ?`),
		httpCode, attempts, now(), id)
	return err
}

// MarkWebhookFailed records a terminal delivery failure.
func (s *Store) MarkWebhookFailed(ctx context.Context, id int64, httpCode, attempts int, reason string) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		UPDATE webhook_log
		SET status = 'failed', http_code = ?, retry_count = ?, last_error = ?
		WHERE id = ?`),
		httpCode, attempts, reason, id)
	return err
}

// WebhookStats counts deliveries by status for the health endpoint.
func (s *Store) WebhookStats(ctx context.Context) (pending, sent, failed int64, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'sent'),
			COUNT(*) FILTER (WHERE status = 'failed')
		FROM webhook_log`).Scan(&pending, &sent, &failed)
	return pending, sent, failed, err
}
