package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// CreateCredential stores a new API credential. expiresAt of zero means the
// token never expires.
func (s *Store) CreateCredential(ctx context.Context, tenantID int64, token, scopes string, expiresAt int64) (*Credential, error) {
	ts := now()
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO api_credentials (token, tenant_id, scopes, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?)`),
		token, tenantID, scopes, expiresAt, ts)
	if isUniqueViolation(err) {
		return nil, ErrDuplicate
	}
	if err != nil {
		return nil, fmt.Errorf("create credential: %w", err)
	}
	return &Credential{
		Token:     token,
		TenantID:  tenantID,
		Scopes:    scopes,
		ExpiresAt: expiresAt,
		CreatedAt: ts,
	}, nil
}

// CredentialByToken returns the credential for a bearer token, revoked or not;
// the auth layer decides how a revoked or expired match is reported.
func (s *Store) CredentialByToken(ctx context.Context, token string) (*Credential, error) {
	var c Credential
	var revoked int
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT token, tenant_id, scopes, expires_at, revoked, last_used_at, created_at
		FROM api_credentials WHERE token = ?`), token).
		Scan(&c.Token, &c.TenantID, &c.Scopes, &c.ExpiresAt, &revoked, &c.LastUsedAt, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.Revoked = revoked != 0
	return &c, nil
}

// RevokeCredential marks a token revoked. Scoped to the owning tenant so one
// tenant cannot revoke another's token.
func (s *Store) RevokeCredential(ctx context.Context, tenantID int64, token string) error {
	res, err := s.db.ExecContext(ctx,
		s.q(`UPDATE api_credentials SET revoked = 1 WHERE token = ? AND tenant_id = ?`),
		token, tenantID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchCredential records when a token was last used.
func (s *Store) TouchCredential(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`UPDATE api_credentials SET last_used_at = ? WHERE token = ?`), now(), token)
	return err
}
