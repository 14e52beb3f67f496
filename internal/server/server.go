// Package server implements the HTTP API: tenant registration and auth,
// metrics, insights, event acknowledgement, and the admin scan triggers.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/deepclaw/deepclaw/internal/config"
	"github.com/deepclaw/deepclaw/internal/insight"
	"github.com/deepclaw/deepclaw/internal/relaypool"
	"github.com/deepclaw/deepclaw/internal/scanner"
	"github.com/deepclaw/deepclaw/internal/store"
	"github.com/deepclaw/deepclaw/internal/timing"
)

const version = "1.0.0"

// Reloader refreshes the tenant registry snapshot after a registration
// change.
type Reloader interface {
	Reload(ctx context.Context) error
}

// PoolStatus exposes relay pool connectivity for the health endpoint.
type PoolStatus interface {
	Status() relaypool.Status
}

// Server is the HTTP API server.
type Server struct {
	cfg       *config.Config
	store     *store.Store
	cache     *insight.Cache
	scanner   *scanner.Scanner
	agg       *timing.Aggregator
	registry  Reloader
	pool      PoolStatus
	router    *chi.Mux
	startedAt time.Time
}

// New creates a Server.
func New(cfg *config.Config, st *store.Store, cache *insight.Cache,
	sc *scanner.Scanner, agg *timing.Aggregator, reg Reloader, pool PoolStatus) *Server {
	s := &Server{
		cfg:       cfg,
		store:     st,
		cache:     cache,
		scanner:   sc,
		agg:       agg,
		registry:  reg,
		pool:      pool,
		startedAt: time.Now(),
	}
	s.router = s.buildRouter()
	return s
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) {
	addr := ":" + s.cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("starting HTTP server", "addr", addr)

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
	}
}

// Handler returns the router. Used by tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Public endpoints.
	r.Get("/health", s.handleHealth)
	r.Get("/metrics/timing/quick-scan", s.handleQuickScan)
	r.Post("/auth/register", s.handleRegister)

	// Authenticated endpoints.
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.rateLimit)

		r.Get("/auth/me", s.handleMe)
		r.Delete("/auth/me", s.handleDeleteMe)
		r.Put("/auth/webhook", s.handleUpdateWebhook)
		r.Post("/auth/credentials", s.handleCreateCredential)
		r.Delete("/auth/credentials/{token}", s.handleRevokeCredential)

		r.Get("/metrics/summary", s.handleSummary)
		r.Get("/metrics/followers", s.handleFollowers)
		r.Get("/metrics/posts", s.handlePosts)
		r.Get("/metrics/timing/network-activity", s.handleNetworkActivity)

		r.Get("/insights/best-posting-times", s.handleBestPostingTimes)
		r.Get("/insights/top-engagers", s.handleTopEngagers)
		r.Get("/insights/should-engage", s.handleShouldEngage)
		r.Get("/insights/posting-strategy", s.handlePostingStrategy)

		r.Get("/events/activity", s.handleEventActivity)
		r.Post("/events/acknowledge", s.handleAcknowledge)

		r.Get("/network/top-engagers", s.handleTopEngagers)
		r.Get("/network/follow-suggestions", s.handleFollowSuggestions)

		r.Post("/admin/scan-network", s.handleScanNetwork)
		r.Post("/admin/aggregate-activity", s.handleAggregateActivity)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	pending, sent, failed, err := s.store.WebhookStats(r.Context())
	if err != nil {
		slog.Warn("webhook stats failed", "error", err)
	}

	status := s.pool.Status()
	state := "ok"
	if status.Degraded {
		state = "degraded"
	}
	jsonResponse(w, map[string]any{
		"status":  state,
		"version": version,
		"uptime":  time.Since(s.startedAt).Round(time.Second).String(),
		"relays":  status,
		"webhooks": map[string]int64{
			"pending": pending,
			"sent":    sent,
			"failed":  failed,
		},
	}, http.StatusOK)
}

// ─── Response helpers ─────────────────────────────────────────────────────────

func jsonResponse(w http.ResponseWriter, v any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

// errorResponse writes the {error, message} taxonomy shared by every
// endpoint.
func errorResponse(w http.ResponseWriter, status int, kind, message string) {
	jsonResponse(w, map[string]string{"error": kind, "message": message}, status)
}

func badRequest(w http.ResponseWriter, message string) {
	errorResponse(w, http.StatusBadRequest, "bad_request", message)
}

func internalError(w http.ResponseWriter, err error) {
	slog.Error("internal error", "error", err)
	errorResponse(w, http.StatusInternalServerError, "internal", "internal server error")
}

// cachedResponse wraps a cache-layer payload with its freshness marker.
func cachedResponse(w http.ResponseWriter, payload json.RawMessage, cached bool) {
	jsonResponse(w, map[string]any{"cached": cached, "data": payload}, http.StatusOK)
}

// ─── Query parameter helpers ──────────────────────────────────────────────────

// parsePeriod accepts Go duration strings plus a day suffix ("7d", "30d").
func parsePeriod(s string, fallback time.Duration) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	if strings.HasSuffix(s, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil || days <= 0 {
			return 0, fmt.Errorf("invalid period %q", s)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid period %q", s)
	}
	return d, nil
}

func queryInt(r *http.Request, key string, fallback, max int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	if n > max {
		return max
	}
	return n
}

// ─── Middleware ───────────────────────────────────────────────────────────────

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start),
			"remote", r.RemoteAddr,
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}
