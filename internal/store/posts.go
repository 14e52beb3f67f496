package store

import (
	"context"
	"fmt"
)

// UpsertPost inserts or refreshes one of the tenant's own notes. Content and
// timestamps are overwritten; counters are left alone so stub rows created by
// the router keep their accumulated engagement.
func (s *Store) UpsertPost(ctx context.Context, tenantID int64, noteID, content, imageURL string, postedAt int64) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO posts (tenant_id, note_id, content, image_url, posted_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, note_id) DO UPDATE SET
			content   = excluded.content,
			image_url = excluded.image_url,
			posted_at = excluded.posted_at`),
		tenantID, noteID, content, imageURL, postedAt)
	if err != nil {
		return fmt.Errorf("upsert post: %w", err)
	}
	return nil
}

// HasPost reports whether the tenant has a post row for the note id. The
// router uses this to decide whether an e-tag points at the tenant's own
// note.
func (s *Store) HasPost(ctx context.Context, tenantID int64, noteID string) (bool, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT COUNT(*) FROM posts WHERE tenant_id = ? AND note_id = ?`),
		tenantID, noteID).Scan(&n)
	return n > 0, err
}

// validPostSorts maps API sort keys to ORDER BY columns. Unknown keys fall
// back to recency.
var validPostSorts = map[string]string{
	"recent":    "posted_at DESC",
	"reactions": "reactions DESC, posted_at DESC",
	"replies":   "replies DESC, posted_at DESC",
	"reposts":   "reposts DESC, posted_at DESC",
	"zaps":      "zap_total DESC, posted_at DESC",
}

// Posts lists the tenant's posts with counters.
func (s *Store) Posts(ctx context.Context, tenantID int64, limit int, sort string) ([]*Post, error) {
	order, ok := validPostSorts[sort]
	if !ok {
		order = validPostSorts["recent"]
	}

	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT note_id, content, image_url, posted_at, reactions, replies, reposts, impressions, zap_count, zap_total
		FROM posts
		WHERE tenant_id = ?
		ORDER BY `+order+`
		LIMIT ?`), tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var posts []*Post
	for rows.Next() {
		p := Post{TenantID: tenantID}
		if err := rows.Scan(&p.NoteID, &p.Content, &p.ImageURL, &p.PostedAt,
			&p.Reactions, &p.Replies, &p.Reposts, &p.Impressions, &p.ZapCount, &p.ZapTotal); err != nil {
			return nil, err
		}
		posts = append(posts, &p)
	}
	return posts, rows.Err()
}

// PostStats holds aggregate post counters for the metrics summary.
type PostStats struct {
	Posts      int64 `json:"posts"`
	Reactions  int64 `json:"reactions"`
	Replies    int64 `json:"replies"`
	Reposts    int64 `json:"reposts"`
	ZapCount   int64 `json:"zap_count"`
	ZapTotal   int64 `json:"zap_total_sats"`
	WithImages int64 `json:"with_images"`
}

// PostStatsSince aggregates post counters over posts newer than since.
func (s *Store) PostStatsSince(ctx context.Context, tenantID, since int64) (PostStats, error) {
	var st PostStats
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT COUNT(*),
			COALESCE(SUM(reactions), 0),
			COALESCE(SUM(replies), 0),
			COALESCE(SUM(reposts), 0),
			COALESCE(SUM(zap_count), 0),
			COALESCE(SUM(zap_total), 0),
			COUNT(*) FILTER (WHERE image_url != '')
		FROM posts
		WHERE tenant_id = ? AND posted_at >= ?`), tenantID, since).
		Scan(&st.Posts, &st.Reactions, &st.Replies, &st.Reposts,
			&st.ZapCount, &st.ZapTotal, &st.WithImages)
	return st, err
}
