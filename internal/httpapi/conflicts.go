package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"github.com/studysync/syncengine/internal/auth"
	"github.com/studysync/syncengine/internal/conflict"
	"github.com/studysync/syncengine/internal/service/syncservice"
	"github.com/studysync/syncengine/internal/store"
)

type resolveReq struct {
	Strategy         string                    `json:"resolution_strategy"`
	FieldResolutions conflict.FieldResolutions `json:"field_resolutions"`
	SaveAsPreference bool                      `json:"save_as_preference"`
}

type batchResolveReq struct {
	ConflictIDs      []string `json:"conflict_ids"`
	Strategy         string   `json:"resolution_strategy"`
	SaveAsPreference bool     `json:"save_as_preference"`
}

func parseBoolParam(q string) (*bool, bool) {
	if q == "" {
		return nil, true
	}
	b, err := strconv.ParseBool(q)
	if err != nil {
		return nil, false
	}
	return &b, true
}

// ListConflicts handles GET /conflicts?resolved&severity&table_names&limit&offset
func (s *Server) ListConflicts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	resolved, ok := parseBoolParam(q.Get("resolved"))
	if !ok {
		writeError(w, r, http.StatusBadRequest, "resolved must be true or false")
		return
	}
	offset := 0
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, r, http.StatusBadRequest, "offset must be a non-negative integer")
			return
		}
		offset = n
	}

	list, err := s.Sync.ListConflicts(r.Context(), store.ConflictFilter{
		UserID:   auth.UserID(r.Context()),
		Resolved: resolved,
		Severity: conflict.Severity(q.Get("severity")),
		Tables:   parseList(q.Get("table_names")),
		Limit:    parseLimit(q.Get("limit"), syncservice.DefaultConflictLimit, syncservice.MaxConflictLimit),
		Offset:   offset,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// GetConflict handles GET /conflicts/{id}
func (s *Server) GetConflict(w http.ResponseWriter, r *http.Request) {
	c, err := s.Sync.GetConflict(r.Context(), auth.UserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// DismissConflict handles DELETE /conflicts/{id}
func (s *Server) DismissConflict(w http.ResponseWriter, r *http.Request) {
	if err := s.Sync.DismissConflict(r.Context(), auth.UserID(r.Context()), chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "conflict dismissed"})
}

// ResolveConflict handles POST /conflicts/{id}/resolve
func (s *Server) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	var req resolveReq
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	strategy, err := conflict.ParseStrategy(req.Strategy)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	res := s.Sync.ResolveConflict(r.Context(), auth.UserID(r.Context()), chi.URLParam(r, "id"),
		strategy, req.FieldResolutions, req.SaveAsPreference)
	if !res.Success {
		switch res.ErrorType {
		case syncservice.ErrorTypeNotFound:
			writeErrorCode(w, r, http.StatusNotFound, CodeConflictNotFound, res.Error)
		case syncservice.ErrorTypeAlreadyResolved:
			writeErrorCode(w, r, http.StatusConflict, CodeAlreadyResolved, res.Error)
		case syncservice.ErrorTypeResolution:
			writeError(w, r, http.StatusBadRequest, res.Error)
		default:
			log.Ctx(r.Context()).Error().Str("conflictId", res.ConflictID).Str("error", res.Error).Msg("resolve failed")
			writeError(w, r, http.StatusInternalServerError, "internal error")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message":       "conflict resolved",
		"resolved_data": res.ResolvedData,
		"metadata":      res.Metadata,
	})
}

// PreviewConflict handles POST /conflicts/{id}/preview
func (s *Server) PreviewConflict(w http.ResponseWriter, r *http.Request) {
	var req resolveReq
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	strategy, err := conflict.ParseStrategy(req.Strategy)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	p, err := s.Sync.PreviewConflictResolution(r.Context(), auth.UserID(r.Context()), chi.URLParam(r, "id"),
		strategy, req.FieldResolutions)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// BatchResolve handles POST /conflicts/batch-resolve
func (s *Server) BatchResolve(w http.ResponseWriter, r *http.Request) {
	var req batchResolveReq
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid json")
		return
	}
	if len(req.ConflictIDs) == 0 {
		writeError(w, r, http.StatusBadRequest, "conflict_ids is required")
		return
	}
	if len(req.ConflictIDs) > syncservice.MaxConflictLimit {
		writeError(w, r, http.StatusBadRequest, "too many conflict_ids")
		return
	}
	strategy, err := conflict.ParseStrategy(req.Strategy)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	res := s.Sync.BatchResolveConflicts(r.Context(), auth.UserID(r.Context()), req.ConflictIDs, strategy, req.SaveAsPreference)
	writeJSON(w, http.StatusOK, res)
}

// AutoResolve handles POST /conflicts/auto-resolve
func (s *Server) AutoResolve(w http.ResponseWriter, r *http.Request) {
	n, err := s.Sync.AutoResolveConflicts(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"resolved_count": n})
}
