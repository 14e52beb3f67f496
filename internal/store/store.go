// Package store handles database connectivity, migrations, and data access
// for the deepclaw analytics service. It supports both SQLite (default, no
// external dependencies) and PostgreSQL (for larger deployments).
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Sentinel errors surfaced to callers. API handlers map these onto the
// HTTP error taxonomy.
var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already exists")
)

// Store wraps a database connection and provides all data access methods.
type Store struct {
	db     *sql.DB
	driver string
}

// Open opens a database connection. The URL can be:
//   - A file path like "deepclaw.db" → SQLite
//   - "sqlite:///path/to/file.db" → SQLite
//   - "postgres://..." → PostgreSQL
func Open(databaseURL string) (*Store, error) {
	driver, dsn := detectDriver(databaseURL)

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if driver == "sqlite" {
		// SQLite performs best with WAL mode and a single writer.
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
		if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
			return nil, fmt.Errorf("enable foreign_keys: %w", err)
		}
	}

	return &Store{db: db, driver: driver}, nil
}

// Migrate runs all pending database migrations.
func (s *Store) Migrate() error {
	slog.Info("running database migrations")

	for _, m := range s.migrations() {
		if _, err := s.db.Exec(m); err != nil {
			// Ignore "already exists" errors on index creation for idempotency.
			if strings.Contains(err.Error(), "already exists") {
				continue
			}
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	slog.Info("migrations complete")
	return nil
}

// migrations lists DDL statements. The auto-increment primary key syntax is
// the only driver-specific part.
func (s *Store) migrations() []string {
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.driver == "postgres" {
		serial = "BIGSERIAL PRIMARY KEY"
	}
	return []string{
		`CREATE TABLE IF NOT EXISTS tenants (
			id              ` + serial + `,
			pubkey          TEXT NOT NULL UNIQUE,
			api_token       TEXT NOT NULL UNIQUE,
			callback_url    TEXT NOT NULL DEFAULT '',
			callback_secret TEXT NOT NULL DEFAULT '',
			tier            TEXT NOT NULL DEFAULT 'free',
			created_at      INTEGER NOT NULL,
			last_active_at  INTEGER NOT NULL DEFAULT 0,
			last_summary_at INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS api_credentials (
			token        TEXT NOT NULL UNIQUE,
			tenant_id    INTEGER NOT NULL,
			scopes       TEXT NOT NULL DEFAULT '',
			expires_at   INTEGER NOT NULL DEFAULT 0,
			revoked      INTEGER NOT NULL DEFAULT 0,
			last_used_at INTEGER NOT NULL DEFAULT 0,
			created_at   INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id            ` + serial + `,
			tenant_id     INTEGER NOT NULL,
			event_id      TEXT NOT NULL,
			kind          TEXT NOT NULL,
			author_pubkey TEXT NOT NULL,
			content       TEXT NOT NULL DEFAULT '',
			metadata      TEXT NOT NULL DEFAULT '{}',
			created_at    INTEGER NOT NULL,
			acknowledged  INTEGER NOT NULL DEFAULT 0,
			UNIQUE(tenant_id, event_id)
		)`,
		`CREATE INDEX IF NOT EXISTS events_tenant_created ON events(tenant_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS events_tenant_ack ON events(tenant_id, acknowledged)`,
		`CREATE TABLE IF NOT EXISTS posts (
			tenant_id   INTEGER NOT NULL,
			note_id     TEXT NOT NULL,
			content     TEXT NOT NULL DEFAULT '',
			image_url   TEXT NOT NULL DEFAULT '',
			posted_at   INTEGER NOT NULL DEFAULT 0,
			reactions   INTEGER NOT NULL DEFAULT 0,
			replies     INTEGER NOT NULL DEFAULT 0,
			reposts     INTEGER NOT NULL DEFAULT 0,
			impressions INTEGER NOT NULL DEFAULT 0,
			zap_count   INTEGER NOT NULL DEFAULT 0,
			zap_total   INTEGER NOT NULL DEFAULT 0,
			UNIQUE(tenant_id, note_id)
		)`,
		`CREATE TABLE IF NOT EXISTS followers (
			tenant_id   INTEGER NOT NULL,
			pubkey      TEXT NOT NULL,
			followed_at INTEGER NOT NULL,
			UNIQUE(tenant_id, pubkey)
		)`,
		`CREATE TABLE IF NOT EXISTS following (
			tenant_id INTEGER NOT NULL,
			pubkey    TEXT NOT NULL,
			added_at  INTEGER NOT NULL,
			UNIQUE(tenant_id, pubkey)
		)`,
		`CREATE TABLE IF NOT EXISTS post_activity (
			tenant_id     INTEGER NOT NULL,
			author_pubkey TEXT NOT NULL,
			author_role   TEXT NOT NULL,
			note_id       TEXT NOT NULL,
			posted_at     INTEGER NOT NULL,
			hour          INTEGER NOT NULL,
			UNIQUE(tenant_id, note_id)
		)`,
		`CREATE INDEX IF NOT EXISTS post_activity_tenant_role ON post_activity(tenant_id, author_role, posted_at)`,
		`CREATE TABLE IF NOT EXISTS network_activity (
			tenant_id   INTEGER NOT NULL,
			kind        TEXT NOT NULL,
			hour        INTEGER NOT NULL,
			count       INTEGER NOT NULL DEFAULT 0,
			window_date TEXT NOT NULL,
			UNIQUE(tenant_id, kind, hour, window_date)
		)`,
		`CREATE TABLE IF NOT EXISTS insights (
			tenant_id     INTEGER NOT NULL,
			kind          TEXT NOT NULL,
			period        TEXT NOT NULL,
			payload       TEXT NOT NULL,
			calculated_at INTEGER NOT NULL,
			expires_at    INTEGER NOT NULL,
			UNIQUE(tenant_id, kind, period)
		)`,
		`CREATE TABLE IF NOT EXISTS webhook_log (
			id          ` + serial + `,
			tenant_id   INTEGER NOT NULL,
			event_kind  TEXT NOT NULL,
			event_id    TEXT NOT NULL DEFAULT '',
			payload     TEXT NOT NULL,
			status      TEXT NOT NULL DEFAULT 'pending',
			http_code   INTEGER NOT NULL DEFAULT 0,
			last_error  TEXT NOT NULL DEFAULT '',
			sent_at     INTEGER NOT NULL DEFAULT 0,
			retry_count INTEGER NOT NULL DEFAULT 0,
			created_at  INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS webhook_log_status ON webhook_log(status, id)`,
		`CREATE TABLE IF NOT EXISTS engagers (
			tenant_id    INTEGER NOT NULL,
			pubkey       TEXT NOT NULL,
			mentions     INTEGER NOT NULL DEFAULT 0,
			replies      INTEGER NOT NULL DEFAULT 0,
			reactions    INTEGER NOT NULL DEFAULT 0,
			reposts      INTEGER NOT NULL DEFAULT 0,
			zaps         INTEGER NOT NULL DEFAULT 0,
			zap_total    INTEGER NOT NULL DEFAULT 0,
			total        INTEGER NOT NULL DEFAULT 0,
			last_seen_at INTEGER NOT NULL DEFAULT 0,
			UNIQUE(tenant_id, pubkey)
		)`,
		`CREATE TABLE IF NOT EXISTS rate_limits (
			tenant_id    INTEGER NOT NULL,
			endpoint     TEXT NOT NULL,
			window_start INTEGER NOT NULL,
			count        INTEGER NOT NULL DEFAULT 0,
			UNIQUE(tenant_id, endpoint, window_start)
		)`,
	}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

// q rewrites ? placeholders to $1..$n for PostgreSQL. SQLite queries are
// written once with ? and rebound here, so each query has a single source.
func (s *Store) q(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// isUniqueViolation reports whether err is a uniqueness-constraint failure
// from either driver.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}

func detectDriver(u string) (driver, dsn string) {
	if strings.HasPrefix(u, "postgres://") || strings.HasPrefix(u, "postgresql://") {
		return "postgres", u
	}
	if strings.HasPrefix(u, "sqlite://") {
		return "sqlite", strings.TrimPrefix(u, "sqlite://")
	}
	// Treat bare paths as SQLite file paths.
	return "sqlite", u
}
