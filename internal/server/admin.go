package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

type periodRequest struct {
	Period string `json:"period"`
}

func (s *Server) handleScanNetwork(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r.Context())
	var req periodRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	period, err := parsePeriod(req.Period, 7*24*time.Hour)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	result, err := s.scanner.FullScan(r.Context(), tenant, period)
	if err != nil {
		internalError(w, err)
		return
	}
	jsonResponse(w, result, http.StatusOK)
}

func (s *Server) handleAggregateActivity(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r.Context())
	var req periodRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	period, err := parsePeriod(req.Period, 7*24*time.Hour)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	windowDays := int(period.Hours()/24) + 1
	if err := s.agg.Aggregate(r.Context(), tenant.ID, windowDays); err != nil {
		internalError(w, err)
		return
	}
	if err := s.cache.InvalidateTenant(r.Context(), tenant.ID); err != nil {
		slog.Warn("cache invalidation failed", "tenant", tenant.ID, "error", err)
	}
	jsonResponse(w, map[string]any{"success": true, "window_days": windowDays}, http.StatusOK)
}
