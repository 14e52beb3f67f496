// Package router classifies candidate events from the relay pool, resolves
// their target tenants, and drives the idempotent transactional ingest. One
// bad event never halts the pipeline: per-event errors are logged and the
// event is dropped.
package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/deepclaw/deepclaw/internal/relaypool"
	"github.com/deepclaw/deepclaw/internal/store"
)

// webhookCutoff is the age beyond which an event is ingested for analytics
// without enqueueing a webhook.
const webhookCutoff = 7 * 24 * time.Hour

// Registry resolves pubkeys to tenant ids from the current snapshot.
type Registry interface {
	Lookup(pubkey string) (int64, bool)
}

// Store is the subset of the data layer the router writes through.
type Store interface {
	IngestEvent(ctx context.Context, in store.IngestInput) (bool, error)
	IsFollower(ctx context.Context, tenantID int64, pubkey string) (bool, error)
	HasPost(ctx context.Context, tenantID int64, noteID string) (bool, error)
	ReplaceFollowing(ctx context.Context, tenantID int64, pubkeys []string) error
}

// AmountFunc resolves the zapped amount from a receipt's bolt11 and
// description tags. Failures are non-fatal; the zap records amount zero.
type AmountFunc func(bolt11, description string) (sats int64, ok bool)

// Router consumes frames from the relay pool and persists classified events.
type Router struct {
	registry Registry
	store    Store
	amount   AmountFunc

	// wake, when non-nil, nudges the webhook dispatcher after an enqueue.
	wake func()
}

// New creates a router.
func New(reg Registry, st Store, amount AmountFunc, wake func()) *Router {
	return &Router{registry: reg, store: st, amount: amount, wake: wake}
}

// Run drains the relay pool until it shuts down.
func (r *Router) Run(ctx context.Context, pool *relaypool.Pool) {
	for {
		frame, ok := pool.Next()
		if !ok {
			return
		}
		r.Handle(ctx, frame.Event)
	}
}

// Handle routes a single event to zero or more tenants.
func (r *Router) Handle(ctx context.Context, ev *nostr.Event) {
	switch ev.Kind {
	case nostr.KindTextNote:
		r.handleTextNote(ctx, ev)
	case nostr.KindFollowList:
		r.handleContactList(ctx, ev)
	case nostr.KindZap:
		r.handleZapReceipt(ctx, ev)
	case nostr.KindReaction:
		r.handleEngagement(ctx, ev, "reaction", "reactions")
	case nostr.KindRepost:
		r.handleEngagement(ctx, ev, "repost", "reposts")
	}
}

// ─── Text notes: mentions and replies ─────────────────────────────────────────

func (r *Router) handleTextNote(ctx context.Context, ev *nostr.Event) {
	for _, tenantID := range r.taggedTenants(ev) {
		kind := "mention"
		noteID := ""
		bump := ""
		// An e-tag only makes this a reply when it references one of the
		// tenant's own posts. A thread reply that merely p-tags the tenant
		// stays a mention and must not stub a foreign note into posts.
		if target := firstTagValue(ev, "e"); target != "" {
			isOwn, err := r.store.HasPost(ctx, tenantID, target)
			if err != nil {
				slog.Warn("post lookup failed", "tenant", tenantID, "note", target, "error", err)
			}
			if isOwn {
				kind = "reply"
				noteID = target
				bump = "replies"
			}
		}

		payload := r.payloadFor(ev, "mention", map[string]any{
			"event_id": ev.ID,
			"author":   ev.PubKey,
			"content":  ev.Content,
			"note_id":  noteID,
		})
		r.ingest(ctx, tenantID, ev, kind, noteID, bump, 0, "", "{}", payload)
	}
}

// ─── Contact lists: new followers and tenant follow sets ──────────────────────

func (r *Router) handleContactList(ctx context.Context, ev *nostr.Event) {
	// A tenant's own contact list replaces their following set.
	if tenantID, ok := r.registry.Lookup(ev.PubKey); ok {
		pubkeys := tagValues(ev, "p")
		if err := r.store.ReplaceFollowing(ctx, tenantID, pubkeys); err != nil {
			slog.Warn("replace following failed", "tenant", tenantID, "error", err)
		}
		return
	}

	for _, tenantID := range r.taggedTenants(ev) {
		already, err := r.store.IsFollower(ctx, tenantID, ev.PubKey)
		if err != nil {
			slog.Warn("follower lookup failed", "tenant", tenantID, "error", err)
			continue
		}
		if already {
			continue // replayed contact list, not a new follow
		}

		payload := r.payloadFor(ev, "new_follower", map[string]any{
			"follower_pubkey": ev.PubKey,
		})
		r.ingest(ctx, tenantID, ev, "follow", "", "", 0, ev.PubKey, "{}", payload)
	}
}

// ─── Zap receipts ─────────────────────────────────────────────────────────────

func (r *Router) handleZapReceipt(ctx context.Context, ev *nostr.Event) {
	bolt11 := firstTagValue(ev, "bolt11")
	description := firstTagValue(ev, "description")
	sats, parsed := r.amount(bolt11, description)

	metadata := map[string]any{"amount_sats": sats}
	if !parsed {
		metadata["amount_unparsable"] = true
	}
	metaJSON, _ := json.Marshal(metadata)

	noteID := firstTagValue(ev, "e")
	bump := ""
	if noteID != "" {
		bump = "zap"
	}

	for _, tenantID := range r.taggedTenants(ev) {
		payload := r.payloadFor(ev, "zap", map[string]any{
			"event_id":    ev.ID,
			"author":      ev.PubKey,
			"amount_sats": sats,
			"note_id":     noteID,
		})
		r.ingest(ctx, tenantID, ev, "zap", noteID, bump, sats, "", string(metaJSON), payload)
	}
}

// ─── Reactions and reposts ────────────────────────────────────────────────────

// handleEngagement covers kinds that engage a stored post. A stub post row
// is created when the referenced note is not stored yet, so later aggregates
// need no backfill.
func (r *Router) handleEngagement(ctx context.Context, ev *nostr.Event, kind, bump string) {
	noteID := firstTagValue(ev, "e")
	if noteID == "" {
		return
	}
	for _, tenantID := range r.taggedTenants(ev) {
		// Reactions and reposts update counters but are not webhook kinds.
		r.ingest(ctx, tenantID, ev, kind, noteID, bump, 0, "", "{}", nil)
	}
}

// ─── Shared plumbing ──────────────────────────────────────────────────────────

// taggedTenants resolves the p-tags of an event to registered tenant ids,
// deduplicated, excluding the author (self-references are not engagement).
func (r *Router) taggedTenants(ev *nostr.Event) []int64 {
	var ids []int64
	seen := make(map[int64]struct{})
	for _, tag := range ev.Tags {
		if len(tag) < 2 || tag[0] != "p" {
			continue
		}
		tenantID, ok := r.registry.Lookup(tag[1])
		if !ok || tag[1] == ev.PubKey {
			continue
		}
		if _, dup := seen[tenantID]; dup {
			continue
		}
		seen[tenantID] = struct{}{}
		ids = append(ids, tenantID)
	}
	return ids
}

// payloadFor builds the webhook body for an event, or nil for historical
// events that should not notify.
func (r *Router) payloadFor(ev *nostr.Event, eventType string, fields map[string]any) []byte {
	if time.Since(ev.CreatedAt.Time()) > webhookCutoff {
		return nil
	}
	body := map[string]any{
		"event_type": eventType,
		"timestamp":  time.Now().Unix(),
	}
	for k, v := range fields {
		body[k] = v
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil
	}
	return payload
}

// ingest runs the transactional insert for one (tenant, event) pair.
func (r *Router) ingest(ctx context.Context, tenantID int64, ev *nostr.Event,
	kind, noteID, bump string, sats int64, newFollower, metadata string, payload []byte) {

	inserted, err := r.store.IngestEvent(ctx, store.IngestInput{
		Event: &store.Event{
			TenantID:     tenantID,
			EventID:      ev.ID,
			Kind:         kind,
			AuthorPubkey: ev.PubKey,
			Content:      ev.Content,
			Metadata:     metadata,
			CreatedAt:    int64(ev.CreatedAt),
		},
		TargetNoteID:   noteID,
		PostBump:       bump,
		ZapSats:        sats,
		NewFollower:    newFollower,
		WebhookPayload: payload,
	})
	if err != nil {
		slog.Warn("event ingest failed", "event", ev.ID, "tenant", tenantID, "error", err)
		return
	}
	if !inserted {
		slog.Debug("duplicate event ignored", "event", ev.ID, "tenant", tenantID)
		return
	}

	slog.Debug("event ingested", "event", ev.ID, "tenant", tenantID, "kind", kind)
	if payload != nil && r.wake != nil {
		r.wake()
	}
}

func firstTagValue(ev *nostr.Event, name string) string {
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}
	return ""
}

func tagValues(ev *nostr.Event, name string) []string {
	var values []string
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == name {
			values = append(values, tag[1])
		}
	}
	return values
}
