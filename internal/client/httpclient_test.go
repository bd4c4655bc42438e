package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/studysync/syncengine/internal/auth"
	"github.com/studysync/syncengine/internal/conflict"
	"github.com/studysync/syncengine/internal/device"
	"github.com/studysync/syncengine/internal/httpapi"
	"github.com/studysync/syncengine/internal/service/syncservice"
	"github.com/studysync/syncengine/internal/store"
)

func noSleep(context.Context, time.Duration) error { return nil }

func TestHTTPClient_HeaderInjection(t *testing.T) {
	var captured http.Header

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = r.Header
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := NewHTTPClient(server.URL, "test-token-123")
	req, _ := http.NewRequest("GET", server.URL+"/test", nil)
	req.Header.Set("X-Debug-Sub", "spoofed")
	if _, err := c.Do(context.Background(), req); err != nil {
		t.Fatalf("request failed: %v", err)
	}

	if got := captured.Get("Authorization"); got != "Bearer test-token-123" {
		t.Errorf("unexpected Authorization header: %s", got)
	}
	if got := captured.Get("X-Debug-Sub"); got != "" {
		t.Errorf("caller X-Debug-Sub should be dropped, got %q", got)
	}
	if captured.Get("X-Correlation-ID") == "" {
		t.Error("missing X-Correlation-ID header")
	}
}

func TestHTTPClient_DevMode(t *testing.T) {
	var captured http.Header

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = r.Header
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := NewDevClient(server.URL, "dev-user-123")
	req, _ := http.NewRequest("GET", server.URL+"/test", nil)
	if _, err := c.Do(context.Background(), req); err != nil {
		t.Fatalf("request failed: %v", err)
	}

	if got := captured.Get("X-Debug-Sub"); got != "dev-user-123" {
		t.Errorf("unexpected X-Debug-Sub header: %s", got)
	}
	if got := captured.Get("Authorization"); got != "" {
		t.Errorf("unexpected Authorization header in dev mode: %s", got)
	}
}

func TestHTTPClient_Retry429(t *testing.T) {
	callCount := 0
	var bodies []string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callCount++
		b, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(b))
		if callCount == 1 {
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := NewDevClient(server.URL, "u")
	var slept []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	if err := c.call(context.Background(), http.MethodPost, "/changes", map[string]int{"n": 1}, nil); err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if callCount != 2 {
		t.Errorf("expected 2 calls, got %d", callCount)
	}
	if len(slept) != 1 || slept[0] != 2*time.Second {
		t.Errorf("expected one 2s backoff, got %v", slept)
	}
	if bodies[0] != bodies[1] || bodies[1] == "" {
		t.Errorf("body not re-sent on retry: %q", bodies)
	}
}

func TestHTTPClient_Retry429_MaxRetries(t *testing.T) {
	callCount := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callCount++
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	c := NewDevClient(server.URL, "u")
	var slept []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	err := c.call(context.Background(), http.MethodGet, "/devices", nil, nil)
	var rl ErrRateLimited
	if !errors.As(err, &rl) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if callCount != MaxRetries+1 {
		t.Errorf("expected %d calls, got %d", MaxRetries+1, callCount)
	}
	// No Retry-After: exponential backoff
	want := []time.Duration{DefaultBackoff, 2 * DefaultBackoff, 4 * DefaultBackoff}
	for i := range want {
		if i >= len(slept) || slept[i] != want[i] {
			t.Fatalf("backoff = %v, want %v", slept, want)
		}
	}
}

func TestHTTPClient_ContextCancelledDuringBackoff(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	c := NewDevClient(server.URL, "u")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req, _ := http.NewRequest("GET", server.URL+"/devices", nil)
	if _, err := c.Do(ctx, req); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"", 0},
		{"5", 5 * time.Second},
		{"0", 0},
		{"garbage", 0},
		{"Mon, 02 Jan 2006 15:04:05 GMT", 0}, // in the past
	}
	for _, tt := range tests {
		if got := parseRetryAfter(tt.value); got != tt.want {
			t.Errorf("parseRetryAfter(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}
}

func TestAPIErrorDecoding(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":"CONFLICT_NOT_FOUND","message":"conflict not found","correlationId":"abc"}}`))
	}))
	defer server.Close()

	c := NewDevClient(server.URL, "u")
	_, err := c.GetConflict(context.Background(), "missing")

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.Status != http.StatusNotFound || apiErr.CorrelationID != "abc" {
		t.Errorf("unexpected error %+v", apiErr)
	}
	if !IsCode(err, "CONFLICT_NOT_FOUND") {
		t.Error("IsCode should match CONFLICT_NOT_FOUND")
	}
}

// newSyncServer runs the real API over an in-memory store in dev mode
func newSyncServer(t *testing.T) (*httptest.Server, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	srv := &httpapi.Server{Sync: syncservice.New(mem, nil)}
	ts := httptest.NewServer(srv.Routes(auth.JWTCfg{HS256Secret: "test-secret", DevMode: true}))
	t.Cleanup(ts.Close)
	return ts, mem
}

func registerDevice(t *testing.T, c *HTTPClient, name string) string {
	t.Helper()
	d, err := c.RegisterDevice(context.Background(), device.RegisterInfo{
		Name: name, Type: device.TypeMobile, Platform: "ios", AppVersion: "1.0.0",
	})
	if err != nil {
		t.Fatalf("RegisterDevice(%s): %v", name, err)
	}
	return d.ID
}

func TestSyncRoundTrip(t *testing.T) {
	ts, mem := newSyncServer(t)
	mem.SetPlan("alice", device.TierPremium)
	ctx := context.Background()
	c := NewDevClient(ts.URL, "alice")
	c.sleep = noSleep

	phone := registerDevice(t, c, "Phone")
	laptop := registerDevice(t, c, "Laptop")

	res, err := c.PushChanges(ctx, phone, []syncservice.Change{{
		TableName: "flashcards",
		RecordID:  "card-1",
		Operation: store.OpInsert,
		Data: conflict.Record{
			"front_text": "mitochondria",
			"back_text":  "powerhouse of the cell",
			"updated_at": "2024-03-01T10:00:00Z",
		},
	}})
	if err != nil {
		t.Fatalf("PushChanges: %v", err)
	}
	if res.AppliedCount != 1 || len(res.Conflicts) != 0 {
		t.Fatalf("unexpected push result %+v", res)
	}

	changes, err := c.PullAll(ctx, laptop, PullOptions{Limit: 1})
	if err != nil {
		t.Fatalf("PullAll: %v", err)
	}
	if len(changes) != 1 || changes[0].RecordID != "card-1" {
		t.Fatalf("laptop should see phone's change, got %+v", changes)
	}

	// Phone sees nothing of its own
	page, err := c.PullChanges(ctx, phone, PullOptions{})
	if err != nil {
		t.Fatalf("PullChanges: %v", err)
	}
	if len(page.Changes) != 0 {
		t.Errorf("phone should not receive its own changes, got %d", len(page.Changes))
	}

	// Laptop edits from a stale copy
	res, err = c.PushChanges(ctx, laptop, []syncservice.Change{{
		TableName: "flashcards",
		RecordID:  "card-1",
		Operation: store.OpUpdate,
		Data: conflict.Record{
			"front_text": "Mitochondrion",
			"back_text":  "powerhouse of the cell",
			"updated_at": "2024-02-28T09:00:00Z",
		},
	}})
	if err != nil {
		t.Fatalf("PushChanges (stale): %v", err)
	}
	if len(res.Conflicts) != 1 {
		t.Fatalf("expected a conflict, got %+v", res)
	}

	unresolved := false
	list, err := c.ListConflicts(ctx, ConflictQuery{Resolved: &unresolved})
	if err != nil {
		t.Fatalf("ListConflicts: %v", err)
	}
	if list.UnresolvedCount != 1 || len(list.Conflicts) != 1 {
		t.Fatalf("unexpected conflict list %+v", list)
	}
	id := list.Conflicts[0].ID

	pick := ResolveRequest{
		Strategy:         conflict.UserChoice,
		FieldResolutions: conflict.FieldResolutions{"front_text": {Choice: conflict.ChoiceRemote}},
	}
	preview, err := c.PreviewConflict(ctx, id, pick)
	if err != nil {
		t.Fatalf("PreviewConflict: %v", err)
	}
	if preview.Data["front_text"] != "Mitochondrion" {
		t.Errorf("preview front_text = %v", preview.Data["front_text"])
	}

	resolution, err := c.ResolveConflict(ctx, id, pick)
	if err != nil {
		t.Fatalf("ResolveConflict: %v", err)
	}
	if resolution.ResolvedData["front_text"] != "Mitochondrion" {
		t.Errorf("resolved front_text = %v", resolution.ResolvedData["front_text"])
	}

	_, err = c.ResolveConflict(ctx, id, pick)
	if !IsCode(err, "CONFLICT_ALREADY_RESOLVED") {
		t.Errorf("second resolve error = %v", err)
	}

	h, err := c.Health(ctx)
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if h.UnresolvedConflicts != 0 {
		t.Errorf("expected no unresolved conflicts, got %d", h.UnresolvedConflicts)
	}

	st, err := c.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Conflicts.Total != 1 || st.ActiveDevices != 2 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestPreferencesRoundTrip(t *testing.T) {
	ts, _ := newSyncServer(t)
	ctx := context.Background()
	c := NewDevClient(ts.URL, "bob")

	p, err := c.GetPreferences(ctx)
	if err != nil {
		t.Fatalf("GetPreferences: %v", err)
	}
	if !p.AutoResolveLowSeverity {
		t.Error("expected auto-resolve on by default")
	}

	off := false
	merge := conflict.FieldMerge
	p, err = c.UpdatePreferences(ctx, syncservice.PreferencesPatch{
		DefaultStrategy:        &merge,
		AutoResolveLowSeverity: &off,
		TablePreferences:       map[string]conflict.Strategy{"notes": conflict.LastWriteWins},
	})
	if err != nil {
		t.Fatalf("UpdatePreferences: %v", err)
	}
	if p.DefaultStrategy != merge || p.AutoResolveLowSeverity || p.TablePreferences["notes"] != conflict.LastWriteWins {
		t.Errorf("unexpected preferences %+v", p)
	}

	bad := conflict.Strategy("coin_flip")
	_, err = c.UpdatePreferences(ctx, syncservice.PreferencesPatch{DefaultStrategy: &bad})
	if !IsCode(err, "VALIDATION_ERROR") {
		t.Errorf("invalid strategy error = %v", err)
	}
}
