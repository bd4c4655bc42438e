package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/studysync/syncengine/internal/auth"
	"github.com/studysync/syncengine/internal/device"
)

// RegisterDevice handles POST /devices
func (s *Server) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	var info device.RegisterInfo
	if err := decodeJSON(r, &info); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid json")
		return
	}

	d, err := s.Sync.Devices.Register(r.Context(), auth.UserID(r.Context()), info)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"device": d})
}

// ListDevices handles GET /devices
func (s *Server) ListDevices(w http.ResponseWriter, r *http.Request) {
	list, err := s.Sync.Devices.List(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// DeactivateDevice handles DELETE /devices/{deviceId}
func (s *Server) DeactivateDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceId")
	if err := s.Sync.Devices.Deactivate(r.Context(), auth.UserID(r.Context()), deviceID); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "device deactivated"})
}
