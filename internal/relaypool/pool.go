// Package relaypool maintains long-lived subscriptions against the
// configured relay set and emits a deduplicated stream of candidate events
// referencing registered tenants. A single relay outage never stops
// ingestion from the others; loss of every relay is surfaced as a degraded
// state on the health endpoint.
package relaypool

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

const (
	// dedupCapacity bounds the in-memory seen-id set (2^17 ids).
	dedupCapacity = 1 << 17
	// queueCapacity bounds the frame queue between pool and router.
	queueCapacity = 4096
)

// PubkeySource provides the current tenant pubkey set for subscription
// filters. Implemented by the tenant registry.
type PubkeySource interface {
	Pubkeys() []string
}

// Status is a snapshot of the pool for the health endpoint.
type Status struct {
	Relays    []string          `json:"relays"`
	Connected int               `json:"connected"`
	Degraded  bool              `json:"degraded"`
	Dropped   map[string]uint64 `json:"dropped,omitempty"`
	LastEvent int64             `json:"last_event_at,omitempty"`
}

// Pool subscribes to text notes, contact lists, and zap receipts that
// p-tag any tenant pubkey, across all configured relays.
type Pool struct {
	relays []string
	source PubkeySource
	pool   *nostr.SimplePool
	queue  *frameQueue
	seen   *dedupSet
	resub  chan struct{}

	// sub and connCheck default to SimplePool-backed implementations in
	// Start; tests swap them for stubs before calling Start.
	sub          func(ctx context.Context, filters nostr.Filters) <-chan nostr.RelayEvent
	connCheck    func() int64
	monitorEvery time.Duration
	redialWait   time.Duration

	lastEvent atomic.Int64
	connected atomic.Int64
}

// New creates a pool. Start must be called to begin ingesting.
func New(relays []string, source PubkeySource) *Pool {
	p := &Pool{
		relays:       relays,
		source:       source,
		queue:        newFrameQueue(queueCapacity),
		seen:         newDedupSet(dedupCapacity),
		resub:        make(chan struct{}, 1),
		monitorEvery: 30 * time.Second,
		redialWait:   time.Second,
	}
	p.connected.Store(-1) // unknown until the first connectivity check
	return p
}

// Resubscribe asks the pool to reissue its subscriptions with the current
// tenant pubkey set. Safe to call from any goroutine; coalesces bursts.
func (p *Pool) Resubscribe() {
	select {
	case p.resub <- struct{}{}:
	default:
	}
}

// Next returns the next deduplicated frame. ok is false after shutdown.
func (p *Pool) Next() (Frame, bool) {
	return p.queue.Pop()
}

// filters builds the three standing subscriptions. Text notes and zap
// receipts look back one hour on (re)open, contact lists a full day, so a
// restart does not lose recent follows.
func filters(pubkeys []string) nostr.Filters {
	noteSince := nostr.Timestamp(time.Now().Add(-time.Hour).Unix())
	contactSince := nostr.Timestamp(time.Now().Add(-24 * time.Hour).Unix())
	return nostr.Filters{
		{
			Kinds: []int{nostr.KindTextNote},
			Tags:  nostr.TagMap{"p": pubkeys},
			Since: &noteSince,
		},
		{
			Kinds: []int{nostr.KindFollowList},
			Tags:  nostr.TagMap{"p": pubkeys},
			Since: &contactSince,
		},
		{
			Kinds: []int{nostr.KindZap},
			Tags:  nostr.TagMap{"p": pubkeys},
			Since: &noteSince,
		},
	}
}

// Start runs the subscription loop until ctx is cancelled. Each iteration
// holds one SubMany fan-in across all relays; the iteration ends when the
// tenant set changes and the filters must be reissued.
func (p *Pool) Start(ctx context.Context) {
	defer p.queue.Close()

	if p.sub == nil {
		p.pool = nostr.NewSimplePool(ctx)
		p.sub = func(subCtx context.Context, f nostr.Filters) <-chan nostr.RelayEvent {
			return p.pool.SubMany(subCtx, p.relays, f)
		}
		p.connCheck = p.countConnected
	}
	go p.monitor(ctx)

	for {
		pubkeys := p.source.Pubkeys()
		if len(pubkeys) == 0 {
			// Nothing to subscribe for; wait for tenants to appear.
			select {
			case <-ctx.Done():
				return
			case <-p.resub:
				continue
			case <-time.After(30 * time.Second):
				continue
			}
		}

		slog.Info("opening relay subscriptions", "relays", len(p.relays), "tenants", len(pubkeys))

		subCtx, cancel := context.WithCancel(ctx)
		go func() {
			select {
			case <-subCtx.Done():
			case <-p.resub:
				slog.Debug("tenant set changed, reissuing subscriptions")
				cancel()
			}
		}()

		for ev := range p.sub(subCtx, filters(pubkeys)) {
			if ev.Event == nil {
				continue
			}
			p.lastEvent.Store(time.Now().Unix())
			if p.seen.Seen(ev.Event.ID) {
				continue
			}
			relayURL := ""
			if ev.Relay != nil {
				relayURL = ev.Relay.URL
			}
			p.queue.Push(Frame{Relay: relayURL, Event: ev.Event})
		}
		cancel()

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.redialWait):
			// The subscription stream ended, either for a resubscribe
			// request or because every relay connection dropped. Loop and
			// reissue with the current tenant set.
		}
	}
}

// monitor tracks relay connectivity for the health endpoint.
func (p *Pool) monitor(ctx context.Context) {
	ticker := time.NewTicker(p.monitorEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			connected := p.connCheck()
			prev := p.connected.Swap(connected)
			if connected == 0 && prev > 0 {
				slog.Warn("all relay connections lost, ingestion degraded")
			}
		}
	}
}

// countConnected redials relays as needed and counts live connections.
func (p *Pool) countConnected() int64 {
	var connected int64
	for _, url := range p.relays {
		relay, err := p.pool.EnsureRelay(url)
		if err == nil && relay.IsConnected() {
			connected++
		}
	}
	return connected
}

// Query runs a one-shot bounded query across the pool's relays, returning
// events until EOSE from every reachable relay or the context deadline.
// Timed-out relays are skipped without failing the query.
func (p *Pool) Query(ctx context.Context, filter nostr.Filter, timeout time.Duration) []*nostr.Event {
	qCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var events []*nostr.Event
	seen := make(map[string]struct{})
	for ev := range p.pool.SubManyEose(qCtx, p.relays, nostr.Filters{filter}) {
		if ev.Event == nil {
			continue
		}
		if _, dup := seen[ev.Event.ID]; dup {
			continue
		}
		seen[ev.Event.ID] = struct{}{}
		events = append(events, ev.Event)
	}
	return events
}

// Status reports connectivity and drop counters.
func (p *Pool) Status() Status {
	drops := make(map[string]uint64)
	for kind, n := range p.queue.Drops() {
		switch kind {
		case nostr.KindTextNote:
			drops["text_note"] = n
		case nostr.KindFollowList:
			drops["contact_list"] = n
		case nostr.KindZap:
			drops["zap_receipt"] = n
		}
	}
	connected := int(p.connected.Load())
	return Status{
		Relays:    p.relays,
		Connected: connected,
		Degraded:  connected == 0,
		Dropped:   drops,
		LastEvent: p.lastEvent.Load(),
	}
}
