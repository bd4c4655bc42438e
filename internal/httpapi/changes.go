package httpapi

import (
	"net/http"
	"time"

	"github.com/studysync/syncengine/internal/auth"
	"github.com/studysync/syncengine/internal/service/syncservice"
	"github.com/studysync/syncengine/internal/syncx"
)

type applyChangesReq struct {
	DeviceID string               `json:"device_id"`
	Changes  []syncservice.Change `json:"changes"`
}

// ApplyChanges handles POST /changes
func (s *Server) ApplyChanges(w http.ResponseWriter, r *http.Request) {
	var req applyChangesReq
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid json")
		return
	}
	if req.DeviceID == "" {
		writeError(w, r, http.StatusBadRequest, "device_id is required")
		return
	}
	if req.Changes == nil {
		writeError(w, r, http.StatusBadRequest, "changes is required")
		return
	}

	res, err := s.Sync.ApplyChanges(r.Context(), auth.UserID(r.Context()), req.DeviceID, req.Changes)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetChanges handles GET /changes?device_id&since_timestamp&table_names&cursor&limit
func (s *Server) GetChanges(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	deviceID := q.Get("device_id")
	if deviceID == "" {
		writeError(w, r, http.StatusBadRequest, "device_id is required")
		return
	}

	var since time.Time
	if raw := q.Get("since_timestamp"); raw != "" {
		ms, ok := syncx.ParseTimeToMs(raw)
		if !ok {
			writeError(w, r, http.StatusBadRequest, "since_timestamp must be RFC3339 or Unix milliseconds")
			return
		}
		since = time.UnixMilli(ms).UTC()
	}

	page, err := s.Sync.GetChangesSince(r.Context(), syncservice.ChangesQuery{
		UserID:   auth.UserID(r.Context()),
		DeviceID: deviceID,
		Since:    since,
		Tables:   parseList(q.Get("table_names")),
		Cursor:   q.Get("cursor"),
		Limit:    parseLimit(q.Get("limit"), s.Sync.PageLimit, s.Sync.PageLimit),
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}
