package relaypool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSource struct {
	mu      sync.Mutex
	pubkeys []string
}

func (s *stubSource) Pubkeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.pubkeys...)
}

func (s *stubSource) set(pubkeys ...string) {
	s.mu.Lock()
	s.pubkeys = pubkeys
	s.mu.Unlock()
}

// newStubPool wires a pool to a subscription stub that reports each issued
// filter set and holds the subscription open until its context ends.
func newStubPool(source *stubSource) (*Pool, chan nostr.Filters) {
	p := New([]string{"wss://stub"}, source)
	p.redialWait = time.Millisecond
	p.monitorEvery = time.Hour
	p.connCheck = func() int64 { return 1 }

	subs := make(chan nostr.Filters, 8)
	p.sub = func(ctx context.Context, f nostr.Filters) <-chan nostr.RelayEvent {
		subs <- f
		ch := make(chan nostr.RelayEvent)
		go func() {
			<-ctx.Done()
			close(ch)
		}()
		return ch
	}
	return p, subs
}

func waitFilters(t *testing.T, subs <-chan nostr.Filters) nostr.Filters {
	t.Helper()
	select {
	case f := <-subs:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a subscription")
		return nil
	}
}

func TestStartResubscribesOnTenantChange(t *testing.T) {
	source := &stubSource{pubkeys: []string{"aa"}}
	p, subs := newStubPool(source)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Start(ctx)

	first := waitFilters(t, subs)
	require.Len(t, first, 3)
	for _, f := range first {
		assert.Equal(t, []string{"aa"}, f.Tags["p"])
	}

	// A new tenant appears: the standing subscriptions are reissued with
	// the updated pubkey set.
	source.set("aa", "bb")
	p.Resubscribe()

	second := waitFilters(t, subs)
	require.Len(t, second, 3)
	for _, f := range second {
		assert.Equal(t, []string{"aa", "bb"}, f.Tags["p"])
	}
}

func TestStartDedupsAcrossRelays(t *testing.T) {
	source := &stubSource{pubkeys: []string{"aa"}}
	p := New([]string{"wss://stub"}, source)
	p.redialWait = time.Millisecond
	p.monitorEvery = time.Hour
	p.connCheck = func() int64 { return 1 }

	e1 := &nostr.Event{ID: "E1", Kind: nostr.KindTextNote}
	e2 := &nostr.Event{ID: "E2", Kind: nostr.KindTextNote}
	var issued atomic.Bool
	p.sub = func(ctx context.Context, _ nostr.Filters) <-chan nostr.RelayEvent {
		ch := make(chan nostr.RelayEvent, 3)
		if issued.CompareAndSwap(false, true) {
			// The same event arrives from two relays; only one frame
			// may reach the router.
			ch <- nostr.RelayEvent{Event: e1}
			ch <- nostr.RelayEvent{Event: e1}
			ch <- nostr.RelayEvent{Event: e2}
		}
		go func() {
			<-ctx.Done()
			close(ch)
		}()
		return ch
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Start(ctx)

	frame, ok := p.Next()
	require.True(t, ok)
	assert.Equal(t, "E1", frame.Event.ID)
	frame, ok = p.Next()
	require.True(t, ok)
	assert.Equal(t, "E2", frame.Event.ID)
}

func TestStatusDegradedTransition(t *testing.T) {
	source := &stubSource{pubkeys: []string{"aa"}}
	p, _ := newStubPool(source)
	p.monitorEvery = 5 * time.Millisecond

	var conn atomic.Int64
	conn.Store(2)
	p.connCheck = func() int64 { return conn.Load() }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Start(ctx)

	assert.Eventually(t, func() bool {
		s := p.Status()
		return s.Connected == 2 && !s.Degraded
	}, 2*time.Second, 5*time.Millisecond)

	// Every relay drops: the pool reports itself degraded.
	conn.Store(0)
	assert.Eventually(t, func() bool {
		return p.Status().Degraded
	}, 2*time.Second, 5*time.Millisecond)

	// A relay comes back: the degraded flag clears.
	conn.Store(1)
	assert.Eventually(t, func() bool {
		s := p.Status()
		return s.Connected == 1 && !s.Degraded
	}, 2*time.Second, 5*time.Millisecond)
}
