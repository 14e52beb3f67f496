// Package registry maintains the in-memory reverse index from protocol
// pubkey to tenant id. The index is a read-only snapshot swapped atomically
// on each reload, so event routing never blocks on a reload in progress.
package registry

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// TenantSource is the subset of the store used to reload the registry.
type TenantSource interface {
	AllTenants(ctx context.Context) ([]Entry, error)
}

// Entry is one tenant as seen by the registry.
type Entry struct {
	ID     int64
	Pubkey string
}

// snapshot is an immutable pubkey → tenant id view.
type snapshot struct {
	byPubkey map[string]int64
	pubkeys  []string
}

// Registry holds the current snapshot and reloads it on a fixed cadence.
type Registry struct {
	source   TenantSource
	interval time.Duration

	current atomic.Pointer[snapshot]

	mu       sync.Mutex
	onReload []func()
}

// New creates a registry with an empty snapshot. Call Reload or Run to
// populate it.
func New(source TenantSource, interval time.Duration) *Registry {
	r := &Registry{source: source, interval: interval}
	r.current.Store(&snapshot{byPubkey: map[string]int64{}})
	return r
}

// OnReload registers a hook invoked after every successful reload that
// changed the pubkey set. The relay pool uses this to reissue subscriptions.
func (r *Registry) OnReload(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onReload = append(r.onReload, fn)
}

// Lookup resolves a pubkey to a tenant id.
func (r *Registry) Lookup(pubkey string) (int64, bool) {
	id, ok := r.current.Load().byPubkey[pubkey]
	return id, ok
}

// Pubkeys returns the pubkeys of all registered tenants. The returned slice
// is shared and must not be mutated.
func (r *Registry) Pubkeys() []string {
	return r.current.Load().pubkeys
}

// Reload fetches all tenants and swaps in a fresh snapshot. A failed reload
// is non-fatal; the last successful snapshot remains in force.
func (r *Registry) Reload(ctx context.Context) error {
	entries, err := r.source.AllTenants(ctx)
	if err != nil {
		slog.Warn("registry reload failed, keeping previous snapshot", "error", err)
		return err
	}

	next := &snapshot{
		byPubkey: make(map[string]int64, len(entries)),
		pubkeys:  make([]string, 0, len(entries)),
	}
	for _, e := range entries {
		next.byPubkey[e.Pubkey] = e.ID
		next.pubkeys = append(next.pubkeys, e.Pubkey)
	}

	prev := r.current.Swap(next)
	if changed(prev, next) {
		slog.Info("tenant registry reloaded", "tenants", len(entries))
		r.mu.Lock()
		hooks := append([]func(){}, r.onReload...)
		r.mu.Unlock()
		for _, fn := range hooks {
			fn()
		}
	}
	return nil
}

// Run reloads immediately, then on the configured cadence until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	_ = r.Reload(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = r.Reload(ctx)
		}
	}
}

func changed(prev, next *snapshot) bool {
	if prev == nil || len(prev.byPubkey) != len(next.byPubkey) {
		return true
	}
	for pk := range next.byPubkey {
		if _, ok := prev.byPubkey[pk]; !ok {
			return true
		}
	}
	return false
}
