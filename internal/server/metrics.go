package server

import (
	"context"
	"net/http"
	"time"

	"github.com/deepclaw/deepclaw/internal/insight"
	"github.com/deepclaw/deepclaw/internal/scanner"
	"github.com/deepclaw/deepclaw/internal/timing"
)

// activityKinds are the valid values of the network-activity type parameter.
var activityKinds = map[string]bool{
	timing.KindFollowerPost:  true,
	timing.KindFollowingPost: true,
	timing.KindEngagement:    true,
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r.Context())
	period, err := parsePeriod(r.URL.Query().Get("period"), 30*24*time.Hour)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	since := time.Now().Add(-period).Unix()

	followers, err := s.store.FollowerCount(r.Context(), tenant.ID)
	if err != nil {
		internalError(w, err)
		return
	}
	following, err := s.store.FollowingCount(r.Context(), tenant.ID)
	if err != nil {
		internalError(w, err)
		return
	}
	gained, err := s.store.FollowersSince(r.Context(), tenant.ID, since)
	if err != nil {
		internalError(w, err)
		return
	}
	posts, err := s.store.PostStatsSince(r.Context(), tenant.ID, since)
	if err != nil {
		internalError(w, err)
		return
	}
	engagement, err := s.store.EventCountsByKind(r.Context(), tenant.ID, since)
	if err != nil {
		internalError(w, err)
		return
	}

	jsonResponse(w, map[string]any{
		"period":           r.URL.Query().Get("period"),
		"followers":        followers,
		"following":        following,
		"followers_gained": gained,
		"posts":            posts,
		"engagement":       engagement,
	}, http.StatusOK)
}

func (s *Server) handleFollowers(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r.Context())
	period, err := parsePeriod(r.URL.Query().Get("period"), 30*24*time.Hour)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	since := time.Now().Add(-period).Unix()

	total, err := s.store.FollowerCount(r.Context(), tenant.ID)
	if err != nil {
		internalError(w, err)
		return
	}
	gained, err := s.store.FollowersSince(r.Context(), tenant.ID, since)
	if err != nil {
		internalError(w, err)
		return
	}
	series, err := s.store.FollowerGains(r.Context(), tenant.ID, since)
	if err != nil {
		internalError(w, err)
		return
	}

	jsonResponse(w, map[string]any{
		"total":  total,
		"gained": gained,
		"series": series,
	}, http.StatusOK)
}

func (s *Server) handlePosts(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r.Context())
	limit := queryInt(r, "limit", 20, 100)
	sort := r.URL.Query().Get("sort")

	posts, err := s.store.Posts(r.Context(), tenant.ID, limit, sort)
	if err != nil {
		internalError(w, err)
		return
	}
	jsonResponse(w, map[string]any{"posts": posts, "count": len(posts)}, http.StatusOK)
}

func (s *Server) handleNetworkActivity(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r.Context())
	kind := r.URL.Query().Get("type")
	if kind == "" {
		kind = timing.KindFollowerPost
	}
	if !activityKinds[kind] {
		badRequest(w, "type must be follower_post, following_post or engagement")
		return
	}
	period := r.URL.Query().Get("period")
	if _, err := parsePeriod(period, 7*24*time.Hour); err != nil {
		badRequest(w, err.Error())
		return
	}

	payload, cached, err := s.cache.Fetch(r.Context(), tenant.ID, "network_activity:"+kind, period,
		insight.TTLDistribution, func(ctx context.Context) (any, error) {
			today := time.Now().UTC().Format("2006-01-02")
			hist, err := s.store.NetworkActivity(ctx, tenant.ID, kind, today)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"type":                kind,
				"hourly_distribution": hist,
				"zone":                timing.MaxParticipationZone(hist),
				"peak_hours":          timing.PeakHours(hist),
			}, nil
		})
	if err != nil {
		internalError(w, err)
		return
	}
	cachedResponse(w, payload, cached)
}

// handleQuickScan is public: it scans an arbitrary pubkey's network and
// returns transient histograms without persisting anything.
func (s *Server) handleQuickScan(w http.ResponseWriter, r *http.Request) {
	pubkey, err := scanner.DecodePubkey(r.URL.Query().Get("npub"))
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	periodStr := r.URL.Query().Get("period")
	if periodStr == "" {
		periodStr = "7d"
	}
	period, err := parsePeriod(periodStr, 7*24*time.Hour)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	result, err := s.scanner.QuickScan(r.Context(), pubkey, periodStr, period)
	if err != nil {
		internalError(w, err)
		return
	}
	jsonResponse(w, result, http.StatusOK)
}
