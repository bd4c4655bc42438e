package httpapi

import (
	"net/http"

	"github.com/studysync/syncengine/internal/auth"
	"github.com/studysync/syncengine/internal/service/syncservice"
)

// GetPreferences handles GET /preferences/conflicts
func (s *Server) GetPreferences(w http.ResponseWriter, r *http.Request) {
	p, err := s.Sync.GetPreferences(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// UpdatePreferences handles PUT /preferences/conflicts
func (s *Server) UpdatePreferences(w http.ResponseWriter, r *http.Request) {
	var patch syncservice.PreferencesPatch
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid json")
		return
	}

	p, err := s.Sync.UpdatePreferences(r.Context(), auth.UserID(r.Context()), patch)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Stats handles GET /stats
func (s *Server) Stats(w http.ResponseWriter, r *http.Request) {
	st, err := s.Sync.Stats(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Health handles GET /health
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	h, err := s.Sync.Health(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}
