package server

import "net/http"

func (s *Server) handleFollowSuggestions(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r.Context())
	limit := queryInt(r, "limit", 10, 50)

	suggestions, err := s.store.FollowSuggestions(r.Context(), tenant.ID, limit)
	if err != nil {
		internalError(w, err)
		return
	}
	jsonResponse(w, map[string]any{
		"suggestions": suggestions,
		"count":       len(suggestions),
	}, http.StatusOK)
}
