// Package timing rolls observed activity into 24-bucket GMT histograms and
// derives posting recommendations from them.
package timing

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/deepclaw/deepclaw/internal/store"
)

// Activity kinds stored in network_activity.
const (
	KindFollowerPost  = "follower_post"
	KindFollowingPost = "following_post"
	KindEngagement    = "engagement"
)

// Author roles recorded in post_activity.
const (
	RoleFollower  = "follower"
	RoleFollowing = "following"
)

// Aggregator recomputes the stored histograms for a tenant. All writes are
// idempotent upserts keyed on (tenant, kind, hour, window date), so an
// interrupted run is safe to repeat.
type Aggregator struct {
	store *store.Store
}

// NewAggregator creates an aggregator backed by st.
func NewAggregator(st *store.Store) *Aggregator {
	return &Aggregator{store: st}
}

// Aggregate counts source rows per hour over the trailing window and
// overwrites today's network_activity buckets for the tenant. Every hour is
// written, including zeros, so stale counts from a previous run cannot
// survive.
func (a *Aggregator) Aggregate(ctx context.Context, tenantID int64, windowDays int) error {
	since := time.Now().Add(-time.Duration(windowDays) * 24 * time.Hour).Unix()
	windowDate := time.Now().UTC().Format("2006-01-02")

	follower, err := a.store.RoleHistogram(ctx, tenantID, RoleFollower, since)
	if err != nil {
		return fmt.Errorf("follower histogram: %w", err)
	}
	following, err := a.store.RoleHistogram(ctx, tenantID, RoleFollowing, since)
	if err != nil {
		return fmt.Errorf("following histogram: %w", err)
	}
	engagement, err := a.store.EngagementHistogram(ctx, tenantID, since)
	if err != nil {
		return fmt.Errorf("engagement histogram: %w", err)
	}

	for kind, hist := range map[string][24]int64{
		KindFollowerPost:  follower,
		KindFollowingPost: following,
		KindEngagement:    engagement,
	} {
		for hour := 0; hour < 24; hour++ {
			if err := a.store.UpsertNetworkActivity(ctx, tenantID, kind, hour, hist[hour], windowDate); err != nil {
				return err
			}
		}
	}
	return nil
}

// ─── Zone of maximum participation ────────────────────────────────────────────

// Zone is the circular hour window with the highest summed activity.
type Zone struct {
	StartHour      int     `json:"start_hour"`
	Width          int     `json:"width"`
	Sum            int64   `json:"sum"`
	PercentOfTotal float64 `json:"percentage_of_total"`
}

// MaxParticipationZone scans window widths 3 through 6 and every start hour.
// Windows are scored by sum weighted by per-hour density (sum squared over
// width), so a wide window of background noise cannot beat a sharp peak while
// genuinely broad activity spans still win. Ties prefer the smaller width,
// then the smaller start hour. Returns nil when there is no activity.
func MaxParticipationZone(hist [24]int64) *Zone {
	var total int64
	for _, n := range hist {
		total += n
	}
	if total == 0 {
		return nil
	}

	var best Zone
	for width := 3; width <= 6; width++ {
		for start := 0; start < 24; start++ {
			var sum int64
			for i := 0; i < width; i++ {
				sum += hist[(start+i)%24]
			}
			// Cross-multiplied comparison of sum²/width keeps the scoring
			// in integers. Ascending iteration order makes strict
			// improvement the tie-break: equal scores keep the smaller
			// width and start.
			if best.Width == 0 || sum*sum*int64(best.Width) > best.Sum*best.Sum*int64(width) {
				best = Zone{StartHour: start, Width: width, Sum: sum}
			}
		}
	}
	best.PercentOfTotal = float64(best.Sum) / float64(total) * 100
	return &best
}

// PeakHours returns up to three hours with the highest counts, descending,
// ties broken by the lower hour.
func PeakHours(hist [24]int64) []int {
	hours := make([]int, 24)
	for i := range hours {
		hours[i] = i
	}
	sort.SliceStable(hours, func(a, b int) bool {
		return hist[hours[a]] > hist[hours[b]]
	})
	peaks := hours[:3]
	out := make([]int, 0, 3)
	for _, h := range peaks {
		if hist[h] > 0 {
			out = append(out, h)
		}
	}
	return out
}

// ─── Best posting times ───────────────────────────────────────────────────────

// Recommendation scores one hour of the day for posting.
type Recommendation struct {
	Hour          int     `json:"hour"`
	Score         float64 `json:"score"`
	Reason        string  `json:"reason"`
	ExpectedReach string  `json:"expected_reach"`
}

// PostingTimes is the full recommendation set with its confidence level.
type PostingTimes struct {
	Recommendations []Recommendation `json:"recommendations"`
	Confidence      string           `json:"confidence"`
	DataPoints      int64            `json:"data_points"`
}

const (
	followerWeight   = 0.6
	engagementWeight = 0.4
)

// BestPostingTimes combines follower activity and engagement into a weighted
// per-hour score and returns the top five hours, normalized 0-100 against
// the best hour.
func BestPostingTimes(follower, engagement [24]int64) PostingTimes {
	var scores [24]float64
	var dataPoints int64
	for h := 0; h < 24; h++ {
		scores[h] = followerWeight*float64(follower[h]) + engagementWeight*float64(engagement[h])
		dataPoints += follower[h] + engagement[h]
	}

	hours := make([]int, 24)
	for i := range hours {
		hours[i] = i
	}
	sort.SliceStable(hours, func(a, b int) bool {
		return scores[hours[a]] > scores[hours[b]]
	})

	maxScore := scores[hours[0]]
	recs := make([]Recommendation, 0, 5)
	for _, h := range hours[:5] {
		if scores[h] == 0 {
			break
		}
		normalized := scores[h] / maxScore * 100
		recs = append(recs, Recommendation{
			Hour:          h,
			Score:         normalized,
			Reason:        reasonFor(follower[h], engagement[h]),
			ExpectedReach: reachBand(normalized),
		})
	}

	return PostingTimes{
		Recommendations: recs,
		Confidence:      confidenceFor(dataPoints),
		DataPoints:      dataPoints,
	}
}

func reasonFor(follower, engagement int64) string {
	if follower >= engagement {
		return fmt.Sprintf("%d follower posts observed at this hour", follower)
	}
	return fmt.Sprintf("%d engagements with your posts at this hour", engagement)
}

func reachBand(score float64) string {
	switch {
	case score >= 80:
		return "high"
	case score >= 60:
		return "medium-high"
	case score >= 40:
		return "medium"
	default:
		return "low"
	}
}

func confidenceFor(points int64) string {
	switch {
	case points >= 1000:
		return "high"
	case points >= 500:
		return "medium"
	default:
		return "low"
	}
}
