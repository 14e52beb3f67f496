package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/deepclaw/deepclaw/internal/store"
)

type contextKey int

const tenantKey contextKey = iota

// tenantFrom returns the authenticated tenant placed by the auth middleware.
func tenantFrom(ctx context.Context) *store.Tenant {
	t, _ := ctx.Value(tenantKey).(*store.Tenant)
	return t
}

// authenticate resolves the bearer token to a tenant. Credential tokens take
// precedence over the legacy per-tenant token; a revoked or expired
// credential fails even if the same string would match a legacy token.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			errorResponse(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}

		tenant, ok := s.resolveToken(r.Context(), w, token)
		if !ok {
			return
		}

		if err := s.store.TouchTenant(r.Context(), tenant.ID); err != nil {
			slog.Debug("touch tenant failed", "tenant", tenant.ID, "error", err)
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tenantKey, tenant)))
	})
}

// resolveToken writes the 401 itself when authentication fails.
func (s *Server) resolveToken(ctx context.Context, w http.ResponseWriter, token string) (*store.Tenant, bool) {
	cred, err := s.store.CredentialByToken(ctx, token)
	switch {
	case err == nil:
		if cred.Revoked {
			errorResponse(w, http.StatusUnauthorized, "unauthorized", "token revoked")
			return nil, false
		}
		if cred.ExpiresAt > 0 && cred.ExpiresAt <= time.Now().Unix() {
			errorResponse(w, http.StatusUnauthorized, "unauthorized", "token expired")
			return nil, false
		}
		tenant, err := s.store.TenantByID(ctx, cred.TenantID)
		if err != nil {
			errorResponse(w, http.StatusUnauthorized, "unauthorized", "invalid token")
			return nil, false
		}
		if err := s.store.TouchCredential(ctx, token); err != nil {
			slog.Debug("touch credential failed", "error", err)
		}
		return tenant, true

	case errors.Is(err, store.ErrNotFound):
		tenant, err := s.store.TenantByLegacyToken(ctx, token)
		if err != nil {
			errorResponse(w, http.StatusUnauthorized, "unauthorized", "invalid token")
			return nil, false
		}
		return tenant, true

	default:
		internalError(w, err)
		return nil, false
	}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
}

// rateLimit enforces the per-tier hourly budget with one counter row per
// (tenant, endpoint, hour window). The rejected request is itself counted.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := tenantFrom(r.Context())
		limit := int64(s.cfg.RateLimit(tenant.Tier))
		windowStart := time.Now().Truncate(time.Hour).Unix()
		reset := windowStart + 3600

		count, err := s.store.IncrementRateLimit(r.Context(), tenant.ID, r.URL.Path, windowStart)
		if err != nil {
			internalError(w, err)
			return
		}

		remaining := limit - count
		if remaining < 0 {
			remaining = 0
		}
		w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(limit, 10))
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset, 10))

		if count > limit {
			errorResponse(w, http.StatusTooManyRequests, "rate_limited", "hourly request limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
