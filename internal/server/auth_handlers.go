package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/deepclaw/deepclaw/internal/scanner"
	"github.com/deepclaw/deepclaw/internal/store"
)

type registerRequest struct {
	Pubkey         string `json:"pubkey"`
	CallbackURL    string `json:"callback_url"`
	CallbackSecret string `json:"callback_secret"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	pubkey, err := scanner.DecodePubkey(req.Pubkey)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	token := "dc_" + uuid.NewString()
	secret := req.CallbackSecret
	if secret == "" {
		secret = uuid.NewString()
	}

	tenant, err := s.store.CreateTenant(r.Context(), pubkey, token, req.CallbackURL, secret, "free")
	if errors.Is(err, store.ErrDuplicate) {
		// A replay with the same callback is idempotent; anything else is a
		// conflict over an already-claimed pubkey.
		existing, lookupErr := s.store.TenantByPubkey(r.Context(), pubkey)
		if lookupErr == nil && existing.CallbackURL == req.CallbackURL {
			jsonResponse(w, map[string]any{
				"tenant_id":       existing.ID,
				"pubkey":          existing.Pubkey,
				"api_token":       existing.APIToken,
				"callback_secret": existing.CallbackSecret,
				"tier":            existing.Tier,
			}, http.StatusOK)
			return
		}
		errorResponse(w, http.StatusConflict, "conflict", "pubkey already registered")
		return
	}
	if err != nil {
		internalError(w, err)
		return
	}

	// New pubkey joins the relay subscriptions on the next snapshot.
	if err := s.registry.Reload(r.Context()); err != nil {
		slog.Warn("registry reload after register failed", "error", err)
	}

	slog.Info("tenant registered", "tenant", tenant.ID, "pubkey", pubkey)
	jsonResponse(w, map[string]any{
		"tenant_id":       tenant.ID,
		"pubkey":          tenant.Pubkey,
		"api_token":       token,
		"callback_secret": secret,
		"tier":            tenant.Tier,
	}, http.StatusCreated)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r.Context())
	followers, err := s.store.FollowerCount(r.Context(), tenant.ID)
	if err != nil {
		internalError(w, err)
		return
	}
	jsonResponse(w, map[string]any{
		"tenant":    tenant,
		"followers": followers,
	}, http.StatusOK)
}

func (s *Server) handleDeleteMe(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r.Context())
	if err := s.store.DeleteTenant(r.Context(), tenant.ID); err != nil {
		internalError(w, err)
		return
	}
	if err := s.registry.Reload(r.Context()); err != nil {
		slog.Warn("registry reload after delete failed", "error", err)
	}
	slog.Info("tenant deleted", "tenant", tenant.ID)
	w.WriteHeader(http.StatusNoContent)
}

type webhookRequest struct {
	CallbackURL    string `json:"callback_url"`
	CallbackSecret string `json:"callback_secret"`
}

func (s *Server) handleUpdateWebhook(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r.Context())
	var req webhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	if req.CallbackURL == "" && req.CallbackSecret == "" {
		badRequest(w, "nothing to update")
		return
	}
	if err := s.store.UpdateWebhook(r.Context(), tenant.ID, req.CallbackURL, req.CallbackSecret); err != nil {
		internalError(w, err)
		return
	}
	jsonResponse(w, map[string]bool{"success": true}, http.StatusOK)
}

type credentialRequest struct {
	Scopes    string `json:"scopes"`
	ExpiresIn string `json:"expires_in"` // duration, empty = never
}

func (s *Server) handleCreateCredential(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r.Context())
	var req credentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}

	var expiresAt int64
	if req.ExpiresIn != "" {
		d, err := parsePeriod(req.ExpiresIn, 0)
		if err != nil {
			badRequest(w, err.Error())
			return
		}
		expiresAt = time.Now().Add(d).Unix()
	}

	token := "dc_" + uuid.NewString()
	cred, err := s.store.CreateCredential(r.Context(), tenant.ID, token, req.Scopes, expiresAt)
	if err != nil {
		internalError(w, err)
		return
	}
	jsonResponse(w, map[string]any{
		"token":      cred.Token,
		"scopes":     cred.Scopes,
		"expires_at": cred.ExpiresAt,
	}, http.StatusCreated)
}

func (s *Server) handleRevokeCredential(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r.Context())
	token := chi.URLParam(r, "token")
	err := s.store.RevokeCredential(r.Context(), tenant.ID, token)
	if errors.Is(err, store.ErrNotFound) {
		errorResponse(w, http.StatusNotFound, "not_found", "unknown credential")
		return
	}
	if err != nil {
		internalError(w, err)
		return
	}
	jsonResponse(w, map[string]bool{"success": true}, http.StatusOK)
}
