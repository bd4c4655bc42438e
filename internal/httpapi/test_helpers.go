package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/studysync/syncengine/internal/auth"
	"github.com/studysync/syncengine/internal/service/syncservice"
	"github.com/studysync/syncengine/internal/store"
)

// newTestRouter builds a router over a fresh in-memory store in dev mode
func newTestRouter(t *testing.T, rl RateLimitInfo) (http.Handler, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	srv := &Server{
		Sync:            syncservice.New(mem, nil),
		RateLimitConfig: rl,
	}
	return srv.Routes(auth.JWTCfg{HS256Secret: "test-secret", DevMode: true}), mem
}

// makeRequest makes an HTTP request as user via X-Debug-Sub
func makeRequest(t *testing.T, router http.Handler, user, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var bodyReader *bytes.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to marshal request body: %v", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	} else {
		bodyReader = bytes.NewReader([]byte{})
	}

	req := httptest.NewRequest(method, path, bodyReader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Debug-Sub", user)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	return w
}

// decodeBody decodes a JSON response body into v
func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("Failed to decode response: %v, body: %s", err, w.Body.String())
	}
}

// registerTestDevice registers a device and returns its id
func registerTestDevice(t *testing.T, router http.Handler, user, name string) string {
	t.Helper()

	w := makeRequest(t, router, user, "POST", "/devices", map[string]any{
		"device_name": name,
		"device_type": "mobile",
		"platform":    "ios",
		"app_version": "1.0.0",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Failed to register device: got status %d, body: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Device struct {
			ID string `json:"id"`
		} `json:"device"`
	}
	decodeBody(t, w, &resp)
	return resp.Device.ID
}
