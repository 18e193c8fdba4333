package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mistakeknot/interlease/internal/auth"
	"github.com/mistakeknot/interlease/internal/scheduler"
	"github.com/mistakeknot/interlease/internal/storage"
	"github.com/mistakeknot/interlease/internal/ws"
)

var testToday = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

// testEnv bundles a Service + httptest.Server + ws.Hub for handler tests.
// Uses localhost auth so callers identify with the X-User-ID header.
type testEnv struct {
	srv   *httptest.Server
	hub   *ws.Hub
	store storage.Store
	sched *scheduler.Scheduler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithAuth(t, auth.Middleware(nil))
}

func newTestEnvWithAuth(t *testing.T, mw func(http.Handler) http.Handler) *testEnv {
	t.Helper()
	st, err := storage.Open(context.Background(), storage.NewMemoryDriver(), scheduler.Catalog())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	hub := ws.NewHub(nil)
	cfg := scheduler.DefaultConfig()
	cfg.Now = func() time.Time { return testToday }
	sched := scheduler.New(st, cfg, scheduler.WithBroadcaster(hub))
	srv := httptest.NewServer(NewRouter(NewService(sched), hub.Handler(), mw))
	t.Cleanup(func() {
		srv.Close()
		st.Close()
	})
	return &testEnv{srv: srv, hub: hub, store: st, sched: sched}
}

func (e *testEnv) do(t *testing.T, method, user, path string, body any) *http.Response {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(buf)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(auth.UserHeader, user)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func (e *testEnv) post(t *testing.T, user, path string, body any) *http.Response {
	t.Helper()
	return e.do(t, http.MethodPost, user, path, body)
}

func (e *testEnv) get(t *testing.T, user, path string) *http.Response {
	t.Helper()
	return e.do(t, http.MethodGet, user, path, nil)
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func requireStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		var body errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		t.Fatalf("expected status %d, got %d (%+v)", want, resp.StatusCode, body)
	}
}
