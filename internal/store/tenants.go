package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// CreateTenant registers a new tenant. Returns ErrDuplicate if the pubkey is
// already registered.
func (s *Store) CreateTenant(ctx context.Context, pubkey, apiToken, callbackURL, secret, tier string) (*Tenant, error) {
	ts := now()
	t := &Tenant{
		Pubkey:         pubkey,
		APIToken:       apiToken,
		CallbackURL:    callbackURL,
		CallbackSecret: secret,
		Tier:           tier,
		CreatedAt:      ts,
		LastActiveAt:   ts,
	}

	err := s.db.QueryRowContext(ctx, s.q(`
		INSERT INTO tenants (pubkey, api_token, callback_url, callback_secret, tier, created_at, last_active_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING id`),
		pubkey, apiToken, callbackURL, secret, tier, ts, ts,
	).Scan(&t.ID)
	if isUniqueViolation(err) {
		return nil, ErrDuplicate
	}
	if err != nil {
		return nil, fmt.Errorf("create tenant: %w", err)
	}
	return t, nil
}

const tenantColumns = `id, pubkey, api_token, callback_url, callback_secret, tier, created_at, last_active_at, last_summary_at`

func scanTenant(row *sql.Row) (*Tenant, error) {
	var t Tenant
	err := row.Scan(&t.ID, &t.Pubkey, &t.APIToken, &t.CallbackURL, &t.CallbackSecret,
		&t.Tier, &t.CreatedAt, &t.LastActiveAt, &t.LastSummaryAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// TenantByID returns the tenant with the given id.
func (s *Store) TenantByID(ctx context.Context, id int64) (*Tenant, error) {
	return scanTenant(s.db.QueryRowContext(ctx,
		s.q(`SELECT `+tenantColumns+` FROM tenants WHERE id = ?`), id))
}

// TenantByPubkey returns the tenant with the given pubkey.
func (s *Store) TenantByPubkey(ctx context.Context, pubkey string) (*Tenant, error) {
	return scanTenant(s.db.QueryRowContext(ctx,
		s.q(`SELECT `+tenantColumns+` FROM tenants WHERE pubkey = ?`), pubkey))
}

// TenantByLegacyToken authenticates against the token embedded on the tenant
// row. Credential tokens are checked first by the caller.
func (s *Store) TenantByLegacyToken(ctx context.Context, token string) (*Tenant, error) {
	return scanTenant(s.db.QueryRowContext(ctx,
		s.q(`SELECT `+tenantColumns+` FROM tenants WHERE api_token = ?`), token))
}

// AllTenants returns every registered tenant. Used by the registry reload
// and the daily-summary scheduler.
func (s *Store) AllTenants(ctx context.Context) ([]*Tenant, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+tenantColumns+` FROM tenants ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tenants []*Tenant
	for rows.Next() {
		var t Tenant
		if err := rows.Scan(&t.ID, &t.Pubkey, &t.APIToken, &t.CallbackURL, &t.CallbackSecret,
			&t.Tier, &t.CreatedAt, &t.LastActiveAt, &t.LastSummaryAt); err != nil {
			return nil, err
		}
		tenants = append(tenants, &t)
	}
	return tenants, rows.Err()
}

// UpdateWebhook updates the callback URL and/or secret. Empty strings keep
// the current value. The dispatcher reads the secret per attempt, so
// rotation takes effect on the next delivery.
func (s *Store) UpdateWebhook(ctx context.Context, tenantID int64, callbackURL, secret string) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		UPDATE tenants SET
			callback_url    = CASE WHEN ? = '' THEN callback_url ELSE ? END,
			callback_secret = CASE WHEN ? = '' THEN callback_secret ELSE ? END
		WHERE id = ?`),
		callbackURL, callbackURL, secret, secret, tenantID)
	return err
}

// TouchTenant records API activity for the tenant.
func (s *Store) TouchTenant(ctx context.Context, tenantID int64) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`UPDATE tenants SET last_active_at = ? WHERE id = ?`), now(), tenantID)
	return err
}

// SetLastSummary records when the daily summary was last sent.
func (s *Store) SetLastSummary(ctx context.Context, tenantID, ts int64) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`UPDATE tenants SET last_summary_at = ? WHERE id = ?`), ts, tenantID)
	return err
}

// TenantsDueSummary returns tenants whose last daily summary is older than
// cutoff (unix seconds).
func (s *Store) TenantsDueSummary(ctx context.Context, cutoff int64) ([]*Tenant, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT `+tenantColumns+` FROM tenants WHERE last_summary_at < ? ORDER BY id`), cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tenants []*Tenant
	for rows.Next() {
		var t Tenant
		if err := rows.Scan(&t.ID, &t.Pubkey, &t.APIToken, &t.CallbackURL, &t.CallbackSecret,
			&t.Tier, &t.CreatedAt, &t.LastActiveAt, &t.LastSummaryAt); err != nil {
			return nil, err
		}
		tenants = append(tenants, &t)
	}
	return tenants, rows.Err()
}

// DeleteTenant removes a tenant and every per-tenant row. Deletion cascades
// in one transaction so a half-deleted tenant can never be observed.
func (s *Store) DeleteTenant(ctx context.Context, tenantID int64) error {
	tables := []string{
		"api_credentials", "events", "posts", "followers", "following",
		"post_activity", "network_activity", "insights", "webhook_log",
		"engagers", "rate_limits",
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, table := range tables {
			if _, err := tx.ExecContext(ctx,
				s.q(`DELETE FROM `+table+` WHERE tenant_id = ?`), tenantID); err != nil {
				return fmt.Errorf("delete %s: %w", table, err)
			}
		}
		_, err := tx.ExecContext(ctx, s.q(`DELETE FROM tenants WHERE id = ?`), tenantID)
		return err
	})
}
