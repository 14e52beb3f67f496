// Package webhook delivers signed event notifications to tenant callbacks.
// Delivery is at-least-once within the retry budget: the router enqueues
// exactly one job per unique observed event, and the receiver deduplicates
// on the event id carried in the payload.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/deepclaw/deepclaw/internal/store"
)

const (
	// SignatureHeader carries the hex HMAC-SHA256 of the exact bytes sent,
	// keyed by the tenant's callback secret.
	SignatureHeader = "X-Deep-Claw-Signature"

	userAgent = "deepclaw/1.0"

	// drainBatch bounds how many pending jobs one pass picks up.
	drainBatch = 100
)

// defaultBackoffs are the waits before each delivery attempt.
var defaultBackoffs = []time.Duration{time.Second, 5 * time.Second, 25 * time.Second}

// Dispatcher drains the persistent webhook log and performs HTTP delivery.
type Dispatcher struct {
	store   *store.Store
	client  *http.Client
	retries int

	// backoff returns the wait before attempt n (1-based). Overridable so
	// tests do not sleep for real.
	backoff func(attempt int) time.Duration

	wake chan struct{}
}

// New creates a dispatcher. retries is the total attempt budget per job.
func New(st *store.Store, timeout time.Duration, retries int) *Dispatcher {
	return &Dispatcher{
		store:   st,
		client:  &http.Client{Timeout: timeout},
		retries: retries,
		backoff: func(attempt int) time.Duration {
			if attempt <= len(defaultBackoffs) {
				return defaultBackoffs[attempt-1]
			}
			return defaultBackoffs[len(defaultBackoffs)-1]
		},
		wake: make(chan struct{}, 1),
	}
}

// Wake nudges the dispatcher to drain immediately. Safe from any goroutine.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run drains pending deliveries until ctx is cancelled. Between drains it
// waits for a wake signal or a polling tick, whichever comes first; the tick
// catches jobs enqueued while the process was down.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		d.drain(ctx)
		select {
		case <-ctx.Done():
			return
		case <-d.wake:
		case <-ticker.C:
		}
	}
}

// drain delivers every currently pending job. Jobs are grouped into one
// logical queue per tenant and the queues are worked concurrently: within a
// tenant deliveries stay in enqueue order, and one tenant's dead callback
// burning its retry budget never delays another tenant's deliveries.
func (d *Dispatcher) drain(ctx context.Context) {
	for {
		jobs, err := d.store.PendingWebhooks(ctx, drainBatch)
		if err != nil {
			slog.Error("webhook drain failed", "error", err)
			return
		}
		if len(jobs) == 0 {
			return
		}

		byTenant := make(map[int64][]*store.WebhookJob)
		for _, job := range jobs {
			byTenant[job.TenantID] = append(byTenant[job.TenantID], job)
		}

		var wg sync.WaitGroup
		for _, queue := range byTenant {
			wg.Add(1)
			go func(queue []*store.WebhookJob) {
				defer wg.Done()
				for _, job := range queue {
					if ctx.Err() != nil {
						return // shutdown: remaining jobs stay pending
					}
					d.deliver(ctx, job)
				}
			}(queue)
		}
		wg.Wait()
	}
}

// deliver attempts one job up to the retry budget. The callback secret is
// read per attempt so a rotation mid-job takes effect immediately.
func (d *Dispatcher) deliver(ctx context.Context, job *store.WebhookJob) {
	var lastErr string
	var lastCode int

	for attempt := 1; attempt <= d.retries; attempt++ {
		select {
		case <-time.After(d.backoff(attempt)):
		case <-ctx.Done():
			return // job stays pending for the next run
		}

		tenant, err := d.store.TenantByID(ctx, job.TenantID)
		if err != nil {
			d.fail(ctx, job, 0, attempt, "tenant lookup: "+err.Error())
			return
		}
		if tenant.CallbackURL == "" {
			d.fail(ctx, job, 0, attempt, "no callback url configured")
			return
		}

		code, err := d.post(ctx, tenant, job.Payload)
		if err != nil {
			lastErr, lastCode = err.Error(), 0
			slog.Debug("webhook attempt failed", "job", job.ID, "attempt", attempt, "error", err)
			continue
		}
		if code >= 200 && code < 300 {
			if err := d.store.MarkWebhookSent(ctx, job.ID, code, attempt); err != nil {
				slog.Error("mark webhook sent failed", "job", job.ID, "error", err)
			}
			slog.Debug("webhook delivered", "job", job.ID, "tenant", job.TenantID, "code", code, "attempts", attempt)
			return
		}
		lastErr, lastCode = fmt.Sprintf("status %d", code), code
		slog.Debug("webhook attempt rejected", "job", job.ID, "attempt", attempt, "code", code)
	}

	d.fail(ctx, job, lastCode, d.retries, lastErr)
}

func (d *Dispatcher) fail(ctx context.Context, job *store.WebhookJob, code, attempts int, reason string) {
	if err := d.store.MarkWebhookFailed(ctx, job.ID, code, attempts, reason); err != nil {
		slog.Error("mark webhook failed failed", "job", job.ID, "error", err)
	}
	slog.Warn("webhook delivery failed", "job", job.ID, "tenant", job.TenantID, "reason", reason)
}

// post sends the payload bytes verbatim and signs exactly what is sent.
func (d *Dispatcher) post(ctx context.Context, tenant *store.Tenant, payload []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tenant.CallbackURL, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(SignatureHeader, Sign(payload, tenant.CallbackSecret))

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

// Sign computes the lowercase hex HMAC-SHA256 of body keyed by secret.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// ─── Daily summaries ──────────────────────────────────────────────────────────

// RunDailySummaries enqueues one daily_summary webhook per tenant every 24h,
// even when no other events occurred. Scheduling is driven off the store so
// restarts never double-send within a window.
func (d *Dispatcher) RunDailySummaries(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		d.sendDueSummaries(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) sendDueSummaries(ctx context.Context) {
	cutoff := time.Now().Add(-24 * time.Hour).Unix()
	tenants, err := d.store.TenantsDueSummary(ctx, cutoff)
	if err != nil {
		slog.Error("daily summary query failed", "error", err)
		return
	}

	for _, tenant := range tenants {
		if tenant.CallbackURL == "" {
			continue
		}
		payload, err := d.buildSummary(ctx, tenant.ID)
		if err != nil {
			slog.Warn("daily summary build failed", "tenant", tenant.ID, "error", err)
			continue
		}
		if err := d.store.EnqueueWebhook(ctx, tenant.ID, "daily_summary", "", payload); err != nil {
			slog.Warn("daily summary enqueue failed", "tenant", tenant.ID, "error", err)
			continue
		}
		if err := d.store.SetLastSummary(ctx, tenant.ID, time.Now().Unix()); err != nil {
			slog.Warn("daily summary bookkeeping failed", "tenant", tenant.ID, "error", err)
		}
		d.Wake()
	}
}

func (d *Dispatcher) buildSummary(ctx context.Context, tenantID int64) ([]byte, error) {
	since := time.Now().Add(-24 * time.Hour).Unix()

	newFollowers, err := d.store.FollowersSince(ctx, tenantID, since)
	if err != nil {
		return nil, err
	}
	counts, err := d.store.EventCountsByKind(ctx, tenantID, since)
	if err != nil {
		return nil, err
	}
	posts, err := d.store.PostStatsSince(ctx, tenantID, since)
	if err != nil {
		return nil, err
	}

	return json.Marshal(map[string]any{
		"event_type":     "daily_summary",
		"timestamp":      time.Now().Unix(),
		"period":         "24h",
		"new_followers":  newFollowers,
		"posts":          posts.Posts,
		"mentions":       counts["mention"],
		"replies":        counts["reply"],
		"reactions":      counts["reaction"],
		"reposts":        counts["repost"],
		"zaps":           counts["zap"],
		"zap_total_sats": posts.ZapTotal,
	})
}
