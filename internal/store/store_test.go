package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir() + "/test.db")
	require.NoError(t, err)
	require.NoError(t, s.Migrate())
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestTenant(t *testing.T, s *Store) *Tenant {
	t.Helper()
	tenant, err := s.CreateTenant(context.Background(),
		"a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4e5f6a1b2",
		"dc_test_token", "https://example.com/hook", "s3cret", "free")
	require.NoError(t, err)
	return tenant
}

func TestCreateTenantDuplicatePubkey(t *testing.T) {
	s := newTestStore(t)
	tenant := newTestTenant(t, s)

	_, err := s.CreateTenant(context.Background(), tenant.Pubkey, "other_token", "", "", "free")
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestIngestEventIdempotent(t *testing.T) {
	s := newTestStore(t)
	tenant := newTestTenant(t, s)
	ctx := context.Background()

	in := IngestInput{
		Event: &Event{
			TenantID:     tenant.ID,
			EventID:      "E1",
			Kind:         "mention",
			AuthorPubkey: "author1",
			Content:      "hi",
			Metadata:     "{}",
			CreatedAt:    time.Now().Unix(),
		},
		WebhookPayload: []byte(`{"event_type":"mention"}`),
	}

	inserted, err := s.IngestEvent(ctx, in)
	require.NoError(t, err)
	assert.True(t, inserted)

	// Replay from a second relay: no new row, no new webhook.
	inserted, err = s.IngestEvent(ctx, in)
	require.NoError(t, err)
	assert.False(t, inserted)

	jobs, err := s.PendingWebhooks(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, `{"event_type":"mention"}`, string(jobs[0].Payload))

	events, err := s.UnacknowledgedEvents(ctx, tenant.ID, 0, nil, 10)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestIngestFollowIdempotent(t *testing.T) {
	s := newTestStore(t)
	tenant := newTestTenant(t, s)
	ctx := context.Background()

	in := IngestInput{
		Event: &Event{
			TenantID:     tenant.ID,
			EventID:      "F1",
			Kind:         "follow",
			AuthorPubkey: "follower1",
			CreatedAt:    time.Now().Unix(),
		},
		NewFollower:    "follower1",
		WebhookPayload: []byte(`{"event_type":"new_follower"}`),
	}

	inserted, err := s.IngestEvent(ctx, in)
	require.NoError(t, err)
	require.True(t, inserted)

	isFollower, err := s.IsFollower(ctx, tenant.ID, "follower1")
	require.NoError(t, err)
	assert.True(t, isFollower)

	inserted, err = s.IngestEvent(ctx, in)
	require.NoError(t, err)
	assert.False(t, inserted)

	count, err := s.FollowerCount(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	jobs, err := s.PendingWebhooks(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestIngestBumpsPostCounters(t *testing.T) {
	s := newTestStore(t)
	tenant := newTestTenant(t, s)
	ctx := context.Background()

	// A reply to a note not stored yet creates a stub post row.
	inserted, err := s.IngestEvent(ctx, IngestInput{
		Event: &Event{
			TenantID: tenant.ID, EventID: "R1", Kind: "reply",
			AuthorPubkey: "author1", CreatedAt: time.Now().Unix(),
		},
		TargetNoteID: "N1",
		PostBump:     "replies",
	})
	require.NoError(t, err)
	require.True(t, inserted)

	inserted, err = s.IngestEvent(ctx, IngestInput{
		Event: &Event{
			TenantID: tenant.ID, EventID: "Z1", Kind: "zap",
			AuthorPubkey: "author2", CreatedAt: time.Now().Unix(),
		},
		TargetNoteID: "N1",
		PostBump:     "zap",
		ZapSats:      21,
	})
	require.NoError(t, err)
	require.True(t, inserted)

	posts, err := s.Posts(ctx, tenant.ID, 10, "recent")
	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.Equal(t, "N1", posts[0].NoteID)
	assert.Equal(t, int64(1), posts[0].Replies)
	assert.Equal(t, int64(1), posts[0].ZapCount)
	assert.Equal(t, int64(21), posts[0].ZapTotal)
}

func TestAcknowledgeEvents(t *testing.T) {
	s := newTestStore(t)
	tenant := newTestTenant(t, s)
	ctx := context.Background()

	for _, id := range []string{"E1", "E2", "E3"} {
		_, err := s.IngestEvent(ctx, IngestInput{
			Event: &Event{
				TenantID: tenant.ID, EventID: id, Kind: "mention",
				AuthorPubkey: "a", CreatedAt: time.Now().Unix(),
			},
		})
		require.NoError(t, err)
	}

	acked, remaining, err := s.AcknowledgeEvents(ctx, tenant.ID, []string{"E1", "E2"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), acked)
	assert.Equal(t, int64(1), remaining)

	// Acknowledgement is idempotent.
	acked, remaining, err = s.AcknowledgeEvents(ctx, tenant.ID, []string{"E1", "E2"})
	require.NoError(t, err)
	assert.Equal(t, int64(0), acked)
	assert.Equal(t, int64(1), remaining)

	events, err := s.UnacknowledgedEvents(ctx, tenant.ID, 0, nil, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "E3", events[0].EventID)
}

func TestRateLimitIncrement(t *testing.T) {
	s := newTestStore(t)
	tenant := newTestTenant(t, s)
	ctx := context.Background()
	window := time.Now().Truncate(time.Hour).Unix()

	for i := int64(1); i <= 3; i++ {
		count, err := s.IncrementRateLimit(ctx, tenant.ID, "/metrics/summary", window)
		require.NoError(t, err)
		assert.Equal(t, i, count)
	}

	// A different endpoint gets its own counter.
	count, err := s.IncrementRateLimit(ctx, tenant.ID, "/metrics/posts", window)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestCredentialLifecycle(t *testing.T) {
	s := newTestStore(t)
	tenant := newTestTenant(t, s)
	ctx := context.Background()

	_, err := s.CreateCredential(ctx, tenant.ID, "dc_cred", "read", 0)
	require.NoError(t, err)

	cred, err := s.CredentialByToken(ctx, "dc_cred")
	require.NoError(t, err)
	assert.False(t, cred.Revoked)
	assert.Equal(t, tenant.ID, cred.TenantID)

	require.NoError(t, s.RevokeCredential(ctx, tenant.ID, "dc_cred"))

	cred, err = s.CredentialByToken(ctx, "dc_cred")
	require.NoError(t, err)
	assert.True(t, cred.Revoked)

	// Revoking a token that is not the tenant's reports not found.
	assert.ErrorIs(t, s.RevokeCredential(ctx, tenant.ID+1, "dc_cred"), ErrNotFound)
}

func TestReplaceFollowing(t *testing.T) {
	s := newTestStore(t)
	tenant := newTestTenant(t, s)
	ctx := context.Background()

	require.NoError(t, s.ReplaceFollowing(ctx, tenant.ID, []string{"a", "b", "c"}))
	require.NoError(t, s.ReplaceFollowing(ctx, tenant.ID, []string{"b", "d"}))

	pubkeys, err := s.FollowingPubkeys(ctx, tenant.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"b", "d"}, pubkeys)
}

func TestEngagementHistogram(t *testing.T) {
	s := newTestStore(t)
	tenant := newTestTenant(t, s)
	ctx := context.Background()

	// Three events at 14:00 GMT, one at 15:30 GMT (relative to epoch day).
	base := int64(86400 * 100)
	stamps := []int64{base + 14*3600, base + 14*3600 + 60, base + 14*3600 + 120, base + 15*3600 + 1800}
	for i, ts := range stamps {
		_, err := s.IngestEvent(ctx, IngestInput{
			Event: &Event{
				TenantID: tenant.ID, EventID: "H" + string(rune('0'+i)), Kind: "reaction",
				AuthorPubkey: "a", CreatedAt: ts,
			},
		})
		require.NoError(t, err)
	}

	hist, err := s.EngagementHistogram(ctx, tenant.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), hist[14])
	assert.Equal(t, int64(1), hist[15])
}
