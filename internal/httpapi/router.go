package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
	"github.com/studysync/syncengine/internal/auth"
	"github.com/studysync/syncengine/internal/service/syncservice"
)

// Server holds dependencies for HTTP handlers
type Server struct {
	Sync            *syncservice.Service
	RateLimitConfig RateLimitInfo
	// Buckets holds rate limit state; nil uses an in-process store
	Buckets BucketStore
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

// decodeJSON reads a JSON request body into v
func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// parseLimit parses a limit query param with default and max
func parseLimit(q string, def, max int) int {
	if q == "" {
		return def
	}
	n, err := strconv.Atoi(q)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

// parseList splits a comma-separated query param, dropping empty entries
func parseList(q string) []string {
	if q == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(q, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Routes creates the HTTP router with all sync endpoints
func (s *Server) Routes(jwt auth.JWTCfg) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(CorrelationMiddleware)
	r.Use(middleware.Recoverer)

	// Health check (unauthenticated)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte("ok"))
	})
	r.Get("/info", s.Info)

	buckets := s.Buckets
	if buckets == nil {
		buckets = NewMemoryBucketStore()
	}

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(jwt))
		r.Use(RateLimitMiddleware(s.RateLimitConfig, buckets))

		r.Post("/devices", s.RegisterDevice)
		r.Get("/devices", s.ListDevices)
		r.Delete("/devices/{deviceId}", s.DeactivateDevice)

		r.Get("/changes", s.GetChanges)
		r.Post("/changes", s.ApplyChanges)

		r.Get("/conflicts", s.ListConflicts)
		r.Post("/conflicts/batch-resolve", s.BatchResolve)
		r.Post("/conflicts/auto-resolve", s.AutoResolve)
		r.Get("/conflicts/{id}", s.GetConflict)
		r.Delete("/conflicts/{id}", s.DismissConflict)
		r.Post("/conflicts/{id}/resolve", s.ResolveConflict)
		r.Post("/conflicts/{id}/preview", s.PreviewConflict)

		r.Get("/preferences/conflicts", s.GetPreferences)
		r.Put("/preferences/conflicts", s.UpdatePreferences)

		r.Get("/stats", s.Stats)
		r.Get("/health", s.Health)
	})

	log.Info().Msg("HTTP routes registered")
	return r
}
