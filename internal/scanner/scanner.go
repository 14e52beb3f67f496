// Package scanner queries the relay set on demand to map a pubkey's network:
// who they follow, who follows them, and when those authors post.
package scanner

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"

	"github.com/deepclaw/deepclaw/internal/store"
	"github.com/deepclaw/deepclaw/internal/timing"
)

// authorBatch is how many authors share one relay query when fetching posts.
const authorBatch = 50

// Querier runs bounded one-shot queries against the relay set.
type Querier interface {
	Query(ctx context.Context, filter nostr.Filter, timeout time.Duration) []*nostr.Event
}

// Scanner performs full (persisted) and quick (transient) network scans.
type Scanner struct {
	store *store.Store
	pool  Querier
	agg   *timing.Aggregator

	// invalidate clears the tenant's cached insights after a full scan.
	invalidate func(ctx context.Context, tenantID int64) error

	queryTimeout time.Duration
	maxFollowers int
	maxFollowing int
}

// New creates a scanner. invalidate may be nil when no cache is wired.
func New(st *store.Store, pool Querier, agg *timing.Aggregator,
	invalidate func(ctx context.Context, tenantID int64) error,
	queryTimeout time.Duration, maxFollowers, maxFollowing int) *Scanner {
	return &Scanner{
		store:        st,
		pool:         pool,
		agg:          agg,
		invalidate:   invalidate,
		queryTimeout: queryTimeout,
		maxFollowers: maxFollowers,
		maxFollowing: maxFollowing,
	}
}

// Result reports what a full scan covered.
type Result struct {
	Success       bool   `json:"success"`
	Reason        string `json:"reason,omitempty"`
	Following     int    `json:"following_scanned"`
	Followers     int    `json:"followers_scanned"`
	PostsAnalyzed int    `json:"posts_analyzed"`
}

// Histogram is the transient per-role view a quick scan assembles.
type Histogram struct {
	Authors            int       `json:"authors"`
	PostsAnalyzed      int       `json:"posts_analyzed"`
	HourlyDistribution [24]int64 `json:"hourly_distribution"`
}

// QuickResult is the response of a quick scan. Nothing it reports is
// persisted.
type QuickResult struct {
	Success       bool         `json:"success"`
	Reason        string       `json:"reason,omitempty"`
	Pubkey        string       `json:"pubkey"`
	Period        string       `json:"period"`
	PostsAnalyzed int          `json:"posts_analyzed"`
	Following     Histogram    `json:"following"`
	Followers     Histogram    `json:"followers"`
	Zone          *timing.Zone `json:"zone,omitempty"`
	PeakHours     []int        `json:"peak_hours"`
}

// DecodePubkey accepts a hex pubkey or its npub bech32 form and returns hex.
func DecodePubkey(input string) (string, error) {
	input = strings.TrimSpace(input)
	if strings.HasPrefix(input, "npub1") {
		prefix, value, err := nip19.Decode(input)
		if err != nil {
			return "", fmt.Errorf("decode npub: %w", err)
		}
		if prefix != "npub" {
			return "", fmt.Errorf("unexpected bech32 prefix %q", prefix)
		}
		return value.(string), nil
	}

	if len(input) != 64 {
		return "", fmt.Errorf("pubkey must be 64 hex characters or npub")
	}
	if _, err := hex.DecodeString(input); err != nil {
		return "", fmt.Errorf("invalid hex pubkey: %w", err)
	}
	return strings.ToLower(input), nil
}

// ─── Full scan ────────────────────────────────────────────────────────────────

// FullScan maps the tenant's network and persists every observed post into
// post_activity, then re-aggregates and invalidates the tenant's cache. A
// missing contact list is a recoverable outcome, not an error.
func (s *Scanner) FullScan(ctx context.Context, tenant *store.Tenant, period time.Duration) (*Result, error) {
	following, ok := s.contactList(ctx, tenant.Pubkey)
	if !ok {
		return &Result{Success: false, Reason: "no contact list"}, nil
	}
	// The full contact list is persisted; the ceiling only caps how many
	// authors get their posts fetched.
	if err := s.store.ReplaceFollowing(ctx, tenant.ID, following); err != nil {
		return nil, fmt.Errorf("replace following: %w", err)
	}
	if len(following) > s.maxFollowing {
		following = following[:s.maxFollowing]
	}

	followers := s.followerPubkeys(ctx, tenant.Pubkey)
	if len(followers) > s.maxFollowers {
		followers = followers[:s.maxFollowers]
	}

	since := time.Now().Add(-period)
	result := &Result{Success: true, Following: len(following), Followers: len(followers)}

	for _, ev := range s.postsBy(ctx, following, since) {
		if err := s.store.InsertPostActivity(ctx, tenant.ID, ev.PubKey, timing.RoleFollowing,
			ev.ID, int64(ev.CreatedAt)); err != nil {
			slog.Warn("record following post failed", "tenant", tenant.ID, "error", err)
			continue
		}
		result.PostsAnalyzed++
	}
	for _, ev := range s.postsBy(ctx, followers, since) {
		if err := s.store.InsertPostActivity(ctx, tenant.ID, ev.PubKey, timing.RoleFollower,
			ev.ID, int64(ev.CreatedAt)); err != nil {
			slog.Warn("record follower post failed", "tenant", tenant.ID, "error", err)
			continue
		}
		result.PostsAnalyzed++
	}

	// The tenant's own notes feed the posts table so engagement counters
	// have a row to land on even before any engagement arrives.
	for _, ev := range s.postsBy(ctx, []string{tenant.Pubkey}, since) {
		if err := s.store.UpsertPost(ctx, tenant.ID, ev.ID, ev.Content, "", int64(ev.CreatedAt)); err != nil {
			slog.Warn("record own post failed", "tenant", tenant.ID, "error", err)
		}
	}

	windowDays := int(period.Hours()/24) + 1
	if err := s.agg.Aggregate(ctx, tenant.ID, windowDays); err != nil {
		return nil, fmt.Errorf("aggregate after scan: %w", err)
	}
	if s.invalidate != nil {
		if err := s.invalidate(ctx, tenant.ID); err != nil {
			slog.Warn("cache invalidation failed", "tenant", tenant.ID, "error", err)
		}
	}

	slog.Info("network scan complete", "tenant", tenant.ID,
		"following", result.Following, "followers", result.Followers, "posts", result.PostsAnalyzed)
	return result, nil
}

// ─── Quick scan ───────────────────────────────────────────────────────────────

// QuickScan assembles transient histograms for any pubkey without touching
// the store.
func (s *Scanner) QuickScan(ctx context.Context, pubkey, period string, window time.Duration) (*QuickResult, error) {
	following, ok := s.contactList(ctx, pubkey)
	if !ok {
		return &QuickResult{Success: false, Reason: "no contact list", Pubkey: pubkey, Period: period}, nil
	}
	if len(following) > s.maxFollowing {
		following = following[:s.maxFollowing]
	}
	followers := s.followerPubkeys(ctx, pubkey)
	if len(followers) > s.maxFollowers {
		followers = followers[:s.maxFollowers]
	}

	since := time.Now().Add(-window)
	result := &QuickResult{Success: true, Pubkey: pubkey, Period: period}

	result.Following.Authors = len(following)
	for _, ev := range s.postsBy(ctx, following, since) {
		result.Following.HourlyDistribution[hourOf(int64(ev.CreatedAt))]++
		result.Following.PostsAnalyzed++
	}
	result.Followers.Authors = len(followers)
	for _, ev := range s.postsBy(ctx, followers, since) {
		result.Followers.HourlyDistribution[hourOf(int64(ev.CreatedAt))]++
		result.Followers.PostsAnalyzed++
	}

	result.PostsAnalyzed = result.Following.PostsAnalyzed
	var combined [24]int64
	for h := 0; h < 24; h++ {
		combined[h] = result.Following.HourlyDistribution[h] + result.Followers.HourlyDistribution[h]
	}
	result.Zone = timing.MaxParticipationZone(combined)
	result.PeakHours = timing.PeakHours(combined)
	return result, nil
}

// hourOf returns the GMT hour 0-23 of a unix timestamp. Relay timestamps are
// untrusted and may be negative.
func hourOf(ts int64) int {
	sec := ts % 86400
	if sec < 0 {
		sec += 86400
	}
	return int(sec / 3600)
}

// ─── Relay fetch helpers ──────────────────────────────────────────────────────

// contactList returns the p-tags of the pubkey's most recent contact list,
// or ok=false when none was found on any relay.
func (s *Scanner) contactList(ctx context.Context, pubkey string) ([]string, bool) {
	events := s.pool.Query(ctx, nostr.Filter{
		Kinds:   []int{nostr.KindFollowList},
		Authors: []string{pubkey},
		Limit:   1,
	}, s.queryTimeout)
	if len(events) == 0 {
		return nil, false
	}

	latest := events[0]
	for _, ev := range events[1:] {
		if ev.CreatedAt > latest.CreatedAt {
			latest = ev
		}
	}

	var pubkeys []string
	seen := make(map[string]struct{})
	for _, tag := range latest.Tags {
		if len(tag) < 2 || tag[0] != "p" || tag[1] == "" {
			continue
		}
		if _, dup := seen[tag[1]]; dup {
			continue
		}
		seen[tag[1]] = struct{}{}
		pubkeys = append(pubkeys, tag[1])
	}
	return pubkeys, true
}

// followerPubkeys returns authors of contact lists that reference pubkey.
func (s *Scanner) followerPubkeys(ctx context.Context, pubkey string) []string {
	events := s.pool.Query(ctx, nostr.Filter{
		Kinds: []int{nostr.KindFollowList},
		Tags:  nostr.TagMap{"p": []string{pubkey}},
		Limit: s.maxFollowers * 2,
	}, s.queryTimeout)

	var authors []string
	seen := make(map[string]struct{})
	for _, ev := range events {
		if ev.PubKey == pubkey {
			continue
		}
		if _, dup := seen[ev.PubKey]; dup {
			continue
		}
		seen[ev.PubKey] = struct{}{}
		authors = append(authors, ev.PubKey)
	}
	return authors
}

// postsBy fetches text notes by the given authors since the cutoff, batching
// authors to keep individual relay queries small.
func (s *Scanner) postsBy(ctx context.Context, authors []string, since time.Time) []*nostr.Event {
	var posts []*nostr.Event
	ts := nostr.Timestamp(since.Unix())

	for start := 0; start < len(authors); start += authorBatch {
		end := start + authorBatch
		if end > len(authors) {
			end = len(authors)
		}
		batch := s.pool.Query(ctx, nostr.Filter{
			Kinds:   []int{nostr.KindTextNote},
			Authors: authors[start:end],
			Since:   &ts,
		}, s.queryTimeout)
		posts = append(posts, batch...)
	}
	return posts
}
