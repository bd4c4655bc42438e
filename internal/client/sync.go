package client

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/studysync/syncengine/internal/conflict"
	"github.com/studysync/syncengine/internal/device"
	"github.com/studysync/syncengine/internal/service/syncservice"
	"github.com/studysync/syncengine/internal/store"
)

// RegisterDevice registers a new device for the authenticated user
func (c *HTTPClient) RegisterDevice(ctx context.Context, info device.RegisterInfo) (*device.Device, error) {
	var resp struct {
		Device device.Device `json:"device"`
	}
	if err := c.call(ctx, http.MethodPost, "/devices", info, &resp); err != nil {
		return nil, err
	}
	return &resp.Device, nil
}

// ListDevices lists the user's devices and plan limit
func (c *HTTPClient) ListDevices(ctx context.Context) (*device.List, error) {
	var list device.List
	if err := c.call(ctx, http.MethodGet, "/devices", nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// DeactivateDevice deactivates one of the user's devices
func (c *HTTPClient) DeactivateDevice(ctx context.Context, deviceID string) error {
	return c.call(ctx, http.MethodDelete, "/devices/"+url.PathEscape(deviceID), nil, nil)
}

// PushChanges uploads a batch of changes made on deviceID
func (c *HTTPClient) PushChanges(ctx context.Context, deviceID string, changes []syncservice.Change) (*syncservice.ApplyResult, error) {
	if changes == nil {
		changes = []syncservice.Change{}
	}
	req := map[string]any{"device_id": deviceID, "changes": changes}

	var res syncservice.ApplyResult
	if err := c.call(ctx, http.MethodPost, "/changes", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// PullOptions narrows a change feed request
type PullOptions struct {
	Since  time.Time
	Tables []string
	Cursor string
	Limit  int
}

// PullChanges fetches one page of changes made by the user's other devices
func (c *HTTPClient) PullChanges(ctx context.Context, deviceID string, opts PullOptions) (*syncservice.ChangesPage, error) {
	q := url.Values{"device_id": {deviceID}}
	if !opts.Since.IsZero() {
		q.Set("since_timestamp", opts.Since.UTC().Format(time.RFC3339Nano))
	}
	if len(opts.Tables) > 0 {
		q.Set("table_names", strings.Join(opts.Tables, ","))
	}
	if opts.Cursor != "" {
		q.Set("cursor", opts.Cursor)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}

	var page syncservice.ChangesPage
	if err := c.call(ctx, http.MethodGet, "/changes?"+q.Encode(), nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// PullAll follows next_cursor until the feed is drained
func (c *HTTPClient) PullAll(ctx context.Context, deviceID string, opts PullOptions) ([]store.ChangeEntry, error) {
	var all []store.ChangeEntry
	for {
		page, err := c.PullChanges(ctx, deviceID, opts)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Changes...)
		if !page.HasMore || page.NextCursor == "" {
			return all, nil
		}
		opts.Cursor = page.NextCursor
	}
}

// ConflictQuery filters ListConflicts
type ConflictQuery struct {
	Resolved *bool
	Severity conflict.Severity
	Tables   []string
	Limit    int
	Offset   int
}

// ListConflicts lists the user's conflicts, newest first
func (c *HTTPClient) ListConflicts(ctx context.Context, cq ConflictQuery) (*syncservice.ConflictList, error) {
	q := url.Values{}
	if cq.Resolved != nil {
		q.Set("resolved", strconv.FormatBool(*cq.Resolved))
	}
	if cq.Severity != "" {
		q.Set("severity", string(cq.Severity))
	}
	if len(cq.Tables) > 0 {
		q.Set("table_names", strings.Join(cq.Tables, ","))
	}
	if cq.Limit > 0 {
		q.Set("limit", strconv.Itoa(cq.Limit))
	}
	if cq.Offset > 0 {
		q.Set("offset", strconv.Itoa(cq.Offset))
	}

	path := "/conflicts"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var list syncservice.ConflictList
	if err := c.call(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// GetConflict fetches a single conflict
func (c *HTTPClient) GetConflict(ctx context.Context, id string) (*conflict.SyncConflict, error) {
	var sc conflict.SyncConflict
	if err := c.call(ctx, http.MethodGet, "/conflicts/"+url.PathEscape(id), nil, &sc); err != nil {
		return nil, err
	}
	return &sc, nil
}

// ResolveRequest is the body of resolve and preview calls
type ResolveRequest struct {
	Strategy         conflict.Strategy         `json:"resolution_strategy"`
	FieldResolutions conflict.FieldResolutions `json:"field_resolutions,omitempty"`
	SaveAsPreference bool                      `json:"save_as_preference,omitempty"`
}

// Resolution is the server's answer to a successful resolve
type Resolution struct {
	Message      string                       `json:"message"`
	ResolvedData conflict.Record              `json:"resolved_data"`
	Metadata     *conflict.ResolutionMetadata `json:"metadata"`
}

// ResolveConflict resolves one conflict and writes the result back
func (c *HTTPClient) ResolveConflict(ctx context.Context, id string, req ResolveRequest) (*Resolution, error) {
	var res Resolution
	if err := c.call(ctx, http.MethodPost, "/conflicts/"+url.PathEscape(id)+"/resolve", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// PreviewConflict computes a resolution without persisting it
func (c *HTTPClient) PreviewConflict(ctx context.Context, id string, req ResolveRequest) (*conflict.Preview, error) {
	var p conflict.Preview
	if err := c.call(ctx, http.MethodPost, "/conflicts/"+url.PathEscape(id)+"/preview", req, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// DismissConflict deletes a conflict without resolving it
func (c *HTTPClient) DismissConflict(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodDelete, "/conflicts/"+url.PathEscape(id), nil, nil)
}

// BatchResolve applies one strategy to many conflicts
func (c *HTTPClient) BatchResolve(ctx context.Context, ids []string, strategy conflict.Strategy, savePref bool) (*syncservice.BatchResult, error) {
	req := map[string]any{
		"conflict_ids":        ids,
		"resolution_strategy": strategy,
		"save_as_preference":  savePref,
	}
	var res syncservice.BatchResult
	if err := c.call(ctx, http.MethodPost, "/conflicts/batch-resolve", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// AutoResolve resolves every unresolved low-severity auto-resolvable conflict
func (c *HTTPClient) AutoResolve(ctx context.Context) (int, error) {
	var res struct {
		ResolvedCount int `json:"resolved_count"`
	}
	if err := c.call(ctx, http.MethodPost, "/conflicts/auto-resolve", nil, &res); err != nil {
		return 0, err
	}
	return res.ResolvedCount, nil
}

// GetPreferences returns the user's conflict preferences
func (c *HTTPClient) GetPreferences(ctx context.Context) (*store.Preferences, error) {
	var p store.Preferences
	if err := c.call(ctx, http.MethodGet, "/preferences/conflicts", nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// UpdatePreferences applies a partial preference update
func (c *HTTPClient) UpdatePreferences(ctx context.Context, patch syncservice.PreferencesPatch) (*store.Preferences, error) {
	var p store.Preferences
	if err := c.call(ctx, http.MethodPut, "/preferences/conflicts", patch, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Stats returns sync statistics for the user
func (c *HTTPClient) Stats(ctx context.Context) (*syncservice.SyncStats, error) {
	var st syncservice.SyncStats
	if err := c.call(ctx, http.MethodGet, "/stats", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Health returns the user's sync health summary
func (c *HTTPClient) Health(ctx context.Context) (*syncservice.SyncHealth, error) {
	var h syncservice.SyncHealth
	if err := c.call(ctx, http.MethodGet, "/health", nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}
