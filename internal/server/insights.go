package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/deepclaw/deepclaw/internal/insight"
	"github.com/deepclaw/deepclaw/internal/store"
	"github.com/deepclaw/deepclaw/internal/timing"
)

func (s *Server) handleBestPostingTimes(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r.Context())
	period := r.URL.Query().Get("period")
	if _, err := parsePeriod(period, 7*24*time.Hour); err != nil {
		badRequest(w, err.Error())
		return
	}

	payload, cached, err := s.cache.Fetch(r.Context(), tenant.ID, "best_posting_times", period,
		insight.TTLRecommendation, func(ctx context.Context) (any, error) {
			return s.computePostingTimes(ctx, tenant.ID)
		})
	if err != nil {
		internalError(w, err)
		return
	}
	cachedResponse(w, payload, cached)
}

func (s *Server) computePostingTimes(ctx context.Context, tenantID int64) (timing.PostingTimes, error) {
	today := time.Now().UTC().Format("2006-01-02")
	follower, err := s.store.NetworkActivity(ctx, tenantID, timing.KindFollowerPost, today)
	if err != nil {
		return timing.PostingTimes{}, err
	}
	engagement, err := s.store.NetworkActivity(ctx, tenantID, timing.KindEngagement, today)
	if err != nil {
		return timing.PostingTimes{}, err
	}
	return timing.BestPostingTimes(follower, engagement), nil
}

func (s *Server) handleTopEngagers(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r.Context())
	period, err := parsePeriod(r.URL.Query().Get("period"), 30*24*time.Hour)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	limit := queryInt(r, "limit", 10, 100)
	minInteractions := queryInt(r, "min_interactions", 1, 1000)
	since := time.Now().Add(-period).Unix()

	engagers, err := s.store.TopEngagers(r.Context(), tenant.ID, since, minInteractions, limit)
	if err != nil {
		internalError(w, err)
		return
	}
	jsonResponse(w, map[string]any{"engagers": engagers, "count": len(engagers)}, http.StatusOK)
}

// handleShouldEngage turns unacknowledged replies and follows into a
// prioritized action list. Replies from established engagers rank first.
func (s *Server) handleShouldEngage(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r.Context())
	limit := queryInt(r, "limit", 10, 50)

	events, err := s.store.UnacknowledgedEvents(r.Context(), tenant.ID, 0,
		[]string{"reply", "mention", "follow"}, limit*2)
	if err != nil {
		internalError(w, err)
		return
	}

	since := time.Now().Add(-30 * 24 * time.Hour).Unix()
	engagers, err := s.store.TopEngagers(r.Context(), tenant.ID, since, 2, 100)
	if err != nil {
		internalError(w, err)
		return
	}
	known := make(map[string]*store.Engager, len(engagers))
	for _, e := range engagers {
		known[e.Pubkey] = e
	}

	type action struct {
		Action   string `json:"action"`
		EventID  string `json:"event_id"`
		Pubkey   string `json:"pubkey"`
		Kind     string `json:"kind"`
		Priority string `json:"priority"`
		Reason   string `json:"reason"`
	}

	var actions []action
	for _, ev := range events {
		if len(actions) >= limit {
			break
		}
		a := action{EventID: ev.EventID, Pubkey: ev.AuthorPubkey, Kind: ev.Kind}
		switch ev.Kind {
		case "follow":
			a.Action = "welcome"
			a.Priority = "medium"
			a.Reason = "new follower"
		default:
			a.Action = "reply"
			a.Priority = "medium"
			a.Reason = "unanswered " + ev.Kind
		}
		if e, ok := known[ev.AuthorPubkey]; ok {
			a.Priority = "high"
			a.Reason = fmt.Sprintf("%s from a frequent engager (%d interactions)", ev.Kind, e.Total)
		}
		actions = append(actions, a)
	}

	jsonResponse(w, map[string]any{"actions": actions, "count": len(actions)}, http.StatusOK)
}

// handlePostingStrategy combines the timing, content-mix, and frequency
// insights. The include parameter narrows the sections computed.
func (s *Server) handlePostingStrategy(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r.Context())
	include := r.URL.Query().Get("include")
	want := func(section string) bool {
		return include == "" || containsField(include, section)
	}

	payload, cached, err := s.cache.Fetch(r.Context(), tenant.ID, "posting_strategy", include,
		insight.TTLRecommendation, func(ctx context.Context) (any, error) {
			strategy := make(map[string]any)

			if want("timing") {
				times, err := s.computePostingTimes(ctx, tenant.ID)
				if err != nil {
					return nil, err
				}
				strategy["timing"] = times
			}

			if want("content_mix") || want("frequency") {
				since := time.Now().Add(-30 * 24 * time.Hour).Unix()
				stats, err := s.store.PostStatsSince(ctx, tenant.ID, since)
				if err != nil {
					return nil, err
				}
				if want("content_mix") {
					strategy["content_mix"] = contentMix(stats)
				}
				if want("frequency") {
					strategy["frequency"] = postingFrequency(stats)
				}
			}
			return strategy, nil
		})
	if err != nil {
		internalError(w, err)
		return
	}
	cachedResponse(w, payload, cached)
}

func containsField(list, field string) bool {
	for _, part := range strings.Split(list, ",") {
		if strings.TrimSpace(part) == field {
			return true
		}
	}
	return false
}

// contentMix summarizes how the tenant's posts perform by type over the
// window.
func contentMix(stats store.PostStats) map[string]any {
	mix := map[string]any{
		"posts":       stats.Posts,
		"with_images": stats.WithImages,
	}
	if stats.Posts > 0 {
		mix["image_ratio"] = float64(stats.WithImages) / float64(stats.Posts)
		mix["avg_reactions"] = float64(stats.Reactions) / float64(stats.Posts)
		mix["avg_replies"] = float64(stats.Replies) / float64(stats.Posts)
	}
	return mix
}

// postingFrequency recommends a cadence from the last 30 days of posts.
func postingFrequency(stats store.PostStats) map[string]any {
	perDay := float64(stats.Posts) / 30
	recommendation := "maintain your current cadence"
	switch {
	case perDay < 0.5:
		recommendation = "post more often; under one post every two days limits reach"
	case perDay > 10:
		recommendation = "consider posting less often; engagement per post drops at this volume"
	}
	return map[string]any{
		"posts_per_day":  perDay,
		"posts_30d":      stats.Posts,
		"recommendation": recommendation,
	}
}
