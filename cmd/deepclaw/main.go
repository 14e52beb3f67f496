// deepclaw is a multi-tenant analytics service for Nostr. It watches a set
// of public relays for events referencing registered tenants, persists them
// with per-tenant idempotency, delivers signed webhooks, and serves timing
// and engagement analytics over an authenticated HTTP API.
//
// Usage:
//
//	export DATABASE_URL=deepclaw.db
//	export NOSTR_RELAYS=wss://relay.damus.io,wss://nos.lol
//	export PORT=3000
//	./deepclaw
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/deepclaw/deepclaw/internal/config"
	"github.com/deepclaw/deepclaw/internal/insight"
	"github.com/deepclaw/deepclaw/internal/invoice"
	"github.com/deepclaw/deepclaw/internal/registry"
	"github.com/deepclaw/deepclaw/internal/relaypool"
	"github.com/deepclaw/deepclaw/internal/router"
	"github.com/deepclaw/deepclaw/internal/scanner"
	"github.com/deepclaw/deepclaw/internal/server"
	"github.com/deepclaw/deepclaw/internal/store"
	"github.com/deepclaw/deepclaw/internal/timing"
	"github.com/deepclaw/deepclaw/internal/webhook"
)

// tenantSource adapts the store to the registry's reload interface.
type tenantSource struct {
	store *store.Store
}

func (ts tenantSource) AllTenants(ctx context.Context) ([]registry.Entry, error) {
	tenants, err := ts.store.AllTenants(ctx)
	if err != nil {
		return nil, err
	}
	entries := make([]registry.Entry, 0, len(tenants))
	for _, t := range tenants {
		entries = append(entries, registry.Entry{ID: t.ID, Pubkey: t.Pubkey})
	}
	return entries, nil
}

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	slog.Info("starting deepclaw", "version", "1.0.0")

	// ─── Configuration ────────────────────────────────────────────────────────
	cfg := config.Load()
	slog.Info("config loaded",
		"database", cfg.DatabaseURL,
		"relays", len(cfg.Relays),
		"port", cfg.Port,
	)

	// ─── Database ─────────────────────────────────────────────────────────────
	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to open database", "error", err, "url", cfg.DatabaseURL)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.Migrate(); err != nil {
		slog.Error("database migration failed", "error", err)
		os.Exit(1)
	}

	// ─── Graceful shutdown ────────────────────────────────────────────────────
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// ─── Tenant registry and relay pool ───────────────────────────────────────
	reg := registry.New(tenantSource{store: st}, cfg.RegistryReload)
	pool := relaypool.New(cfg.Relays, reg)
	reg.OnReload(pool.Resubscribe)

	// ─── Insight cache ────────────────────────────────────────────────────────
	var backend insight.Backend
	if cfg.RedisURL != "" {
		rb, err := insight.NewRedisBackend(ctx, cfg.RedisURL)
		if err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer rb.Close()
		backend = rb
		slog.Info("insight cache using redis")
	} else {
		backend = insight.NewDBBackend(st)
	}
	cache := insight.New(backend)

	// ─── Analytics and scanning ───────────────────────────────────────────────
	agg := timing.NewAggregator(st)
	scan := scanner.New(st, pool, agg, cache.InvalidateTenant,
		cfg.RelayQueryTimeout, cfg.ScanMaxFollowers, cfg.ScanMaxFollowing)

	// ─── Webhook dispatcher ───────────────────────────────────────────────────
	dispatcher := webhook.New(st, cfg.WebhookTimeout, cfg.WebhookRetries)

	// ─── Event router ─────────────────────────────────────────────────────────
	rtr := router.New(reg, st, invoice.FromZapReceipt, dispatcher.Wake)

	go reg.Run(ctx)
	go pool.Start(ctx)
	go rtr.Run(ctx, pool)
	go dispatcher.Run(ctx)
	go dispatcher.RunDailySummaries(ctx)

	// ─── HTTP server ──────────────────────────────────────────────────────────
	srv := server.New(cfg, st, cache, scan, agg, reg, pool)
	srv.Start(ctx) // blocks until ctx is cancelled

	slog.Info("deepclaw stopped")
}
