package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
)

func (s *Server) handleEventActivity(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r.Context())
	limit := queryInt(r, "limit", 50, 500)

	var since int64
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			badRequest(w, "since must be a unix timestamp")
			return
		}
		since = n
	}

	var kinds []string
	if v := r.URL.Query().Get("types"); v != "" {
		for _, k := range strings.Split(v, ",") {
			if k = strings.TrimSpace(k); k != "" {
				kinds = append(kinds, k)
			}
		}
	}

	events, err := s.store.UnacknowledgedEvents(r.Context(), tenant.ID, since, kinds, limit)
	if err != nil {
		internalError(w, err)
		return
	}
	jsonResponse(w, map[string]any{"events": events, "count": len(events)}, http.StatusOK)
}

type acknowledgeRequest struct {
	EventIDs []string `json:"eventIds"`
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r.Context())
	var req acknowledgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	if len(req.EventIDs) == 0 {
		badRequest(w, "eventIds must not be empty")
		return
	}

	acked, remaining, err := s.store.AcknowledgeEvents(r.Context(), tenant.ID, req.EventIDs)
	if err != nil {
		internalError(w, err)
		return
	}
	jsonResponse(w, map[string]int64{
		"acknowledged": acked,
		"remaining":    remaining,
	}, http.StatusOK)
}
