package httpapi

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/mistakeknot/interlease/internal/auth"
	"github.com/mistakeknot/interlease/internal/core"
	"github.com/mistakeknot/interlease/internal/scheduler"
	"github.com/mistakeknot/interlease/internal/storage"
	"github.com/mistakeknot/interlease/internal/storage/remote"
)

func createResource(t *testing.T, env *testEnv, owner string) core.Resource {
	t.Helper()
	resp := env.post(t, owner, "/api/resources", map[string]string{"title": "Boathouse"})
	requireStatus(t, resp, http.StatusCreated)
	return decodeJSON[core.Resource](t, resp)
}

func submitBid(t *testing.T, env *testEnv, user, resourceID, start, end string, amount float64) *http.Response {
	t.Helper()
	return env.post(t, user, "/api/resources/"+resourceID+"/bids", map[string]any{
		"start": start, "end": end, "amount": amount,
	})
}

func TestBidLifecycle(t *testing.T) {
	env := newTestEnv(t)
	res := createResource(t, env, "owner")
	if res.OwnerID != "owner" {
		t.Fatalf("owner = %q", res.OwnerID)
	}

	resp := submitBid(t, env, "alice", res.ID, "2025-02-01", "2025-02-05", 1000)
	requireStatus(t, resp, http.StatusCreated)
	a := decodeJSON[core.Reservation](t, resp)
	if a.Status != core.StatusPending {
		t.Fatalf("status = %s", a.Status)
	}

	// Seed an overlapping pending bid directly; the API refuses to create one.
	b := core.Reservation{
		ID: "b", ResourceID: res.ID, OwnerID: "owner", RequesterID: "bob",
		Interval: core.MustInterval("2025-02-03", "2025-02-07"), Amount: 1200,
		Status: core.StatusPending, CreatedAt: testToday,
	}
	err := storage.Update(context.Background(), env.store, func(tx storage.Tx) error {
		c, err := tx.Collection(scheduler.Reservations)
		if err != nil {
			return err
		}
		rec, err := storage.Encode(b)
		if err != nil {
			return err
		}
		_, err = c.Create(context.Background(), rec)
		return err
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	resp = env.get(t, "", "/api/resources/"+res.ID+"/highest")
	requireStatus(t, resp, http.StatusOK)
	if h := decodeJSON[highestResponse](t, resp); !h.Found || h.Amount != 1200 {
		t.Fatalf("highest = %+v", h)
	}

	resp = env.post(t, "alice", "/api/reservations/"+a.ID+"/decision", map[string]string{"decision": "accepted"})
	requireStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = env.post(t, "owner", "/api/reservations/"+a.ID+"/decision", map[string]string{"decision": "accepted", "message": "enjoy"})
	requireStatus(t, resp, http.StatusOK)
	result := decodeJSON[scheduler.DecideResult](t, resp)
	if result.Reservation.Status != core.StatusAccepted {
		t.Fatalf("status = %s", result.Reservation.Status)
	}
	if len(result.AutoRejected) != 1 || result.AutoRejected[0].ID != "b" {
		t.Fatalf("auto rejected = %+v", result.AutoRejected)
	}

	resp = env.get(t, "", "/api/resources/"+res.ID+"/highest")
	requireStatus(t, resp, http.StatusOK)
	if h := decodeJSON[highestResponse](t, resp); h.Amount != 1000 {
		t.Fatalf("highest after accept = %+v", h)
	}

	resp = env.post(t, "owner", "/api/reservations/"+a.ID+"/decision", map[string]string{"decision": "accepted"})
	requireStatus(t, resp, http.StatusConflict)
	if body := decodeJSON[errorResponse](t, resp); body.Error != "invalid_transition" {
		t.Fatalf("error = %+v", body)
	}

	resp = env.post(t, "owner", "/api/reservations/"+a.ID+"/convert", nil)
	requireStatus(t, resp, http.StatusOK)
	if got := decodeJSON[core.Reservation](t, resp); got.Status != core.StatusConverted {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestOverlapReturnsBlocking(t *testing.T) {
	env := newTestEnv(t)
	res := createResource(t, env, "owner")
	resp := submitBid(t, env, "alice", res.ID, "2025-01-10", "2025-01-15", 10)
	requireStatus(t, resp, http.StatusCreated)
	first := decodeJSON[core.Reservation](t, resp)

	resp = submitBid(t, env, "bob", res.ID, "2025-01-12", "2025-01-13", 10)
	requireStatus(t, resp, http.StatusConflict)
	body := decodeJSON[errorResponse](t, resp)
	if body.Error != "reservation_overlap" || len(body.Blocking) != 1 || body.Blocking[0].ReservationID != first.ID {
		t.Fatalf("body = %+v", body)
	}
}

func TestValidationReturnsViolations(t *testing.T) {
	env := newTestEnv(t)
	res := createResource(t, env, "owner")

	resp := submitBid(t, env, "alice", res.ID, "2025-03-10", "2025-03-05", -1)
	requireStatus(t, resp, http.StatusUnprocessableEntity)
	body := decodeJSON[errorResponse](t, resp)
	rules := map[string]bool{}
	for _, v := range body.Violations {
		rules[v.Rule] = true
	}
	if len(body.Violations) != 2 || !rules[scheduler.RuleOrder] || !rules[scheduler.RuleAmount] {
		t.Fatalf("violations = %+v", body.Violations)
	}

	resp = submitBid(t, env, "alice", res.ID, "03/10/2025", "2025-03-12", 5)
	requireStatus(t, resp, http.StatusUnprocessableEntity)
	if body := decodeJSON[errorResponse](t, resp); body.Violations[0].Rule != "invalid_date" {
		t.Fatalf("violations = %+v", body.Violations)
	}
}

func TestErrorMapping(t *testing.T) {
	env := newTestEnv(t)
	res := createResource(t, env, "owner")

	cases := []struct {
		name   string
		method string
		user   string
		path   string
		want   int
	}{
		{"unknown resource", http.MethodGet, "", "/api/resources/nope", http.StatusNotFound},
		{"bid on unknown resource", http.MethodPost, "alice", "/api/resources/nope/bids", http.StatusUnprocessableEntity},
		{"bid without user", http.MethodPost, "", "/api/resources/" + res.ID + "/bids", http.StatusUnauthorized},
		{"unknown reservation", http.MethodGet, "alice", "/api/reservations/nope", http.StatusNotFound},
		{"unknown action", http.MethodPost, "alice", "/api/reservations/x/frobnicate", http.StatusNotFound},
		{"wrong method", http.MethodDelete, "alice", "/api/resources/" + res.ID, http.StatusMethodNotAllowed},
		{"bad role", http.MethodGet, "alice", "/api/reservations?role=admin", http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := env.do(t, tc.method, tc.user, tc.path, nil)
			defer resp.Body.Close()
			if resp.StatusCode != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, resp.StatusCode)
			}
		})
	}
}

func TestReservationVisibilityAndListings(t *testing.T) {
	env := newTestEnv(t)
	res := createResource(t, env, "owner")
	resp := submitBid(t, env, "alice", res.ID, "2025-01-10", "2025-01-12", 10)
	requireStatus(t, resp, http.StatusCreated)
	r := decodeJSON[core.Reservation](t, resp)

	for user, want := range map[string]int{"alice": http.StatusOK, "owner": http.StatusOK, "mallory": http.StatusForbidden} {
		resp := env.get(t, user, "/api/reservations/"+r.ID)
		requireStatus(t, resp, want)
		resp.Body.Close()
	}

	resp = env.get(t, "alice", "/api/reservations")
	requireStatus(t, resp, http.StatusOK)
	if list := decodeJSON[reservationsResponse](t, resp); len(list.Reservations) != 1 {
		t.Fatalf("requester listing = %+v", list)
	}
	resp = env.get(t, "owner", "/api/reservations?role=owner")
	requireStatus(t, resp, http.StatusOK)
	if list := decodeJSON[reservationsResponse](t, resp); len(list.Reservations) != 1 {
		t.Fatalf("owner listing = %+v", list)
	}
	resp = env.get(t, "bob", "/api/reservations")
	requireStatus(t, resp, http.StatusOK)
	if list := decodeJSON[reservationsResponse](t, resp); list.Reservations == nil || len(list.Reservations) != 0 {
		t.Fatalf("empty listing = %+v", list)
	}
	resp = env.get(t, "", "/api/resources/"+res.ID+"/reservations")
	requireStatus(t, resp, http.StatusOK)
	if list := decodeJSON[reservationsResponse](t, resp); len(list.Reservations) != 1 {
		t.Fatalf("resource listing = %+v", list)
	}

	resp = env.post(t, "alice", "/api/reservations/"+r.ID+"/cancel", map[string]string{"message": "sorry"})
	requireStatus(t, resp, http.StatusOK)
	if got := decodeJSON[core.Reservation](t, resp); got.Status != core.StatusCancelled {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestAPIKeyIdentifiesCaller(t *testing.T) {
	ring := auth.NewKeyring(false, map[string]string{"owner-key": "owner", "alice-key": "alice"})
	env := newTestEnvWithAuth(t, auth.Middleware(ring))

	call := func(key, method, path, body string) *http.Response {
		req, _ := http.NewRequest(method, env.srv.URL+path, strings.NewReader(body))
		if key != "" {
			req.Header.Set("Authorization", "Bearer "+key)
		}
		req.Header.Set(auth.UserHeader, "spoofed")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s %s: %v", method, path, err)
		}
		return resp
	}

	resp := call("", http.MethodPost, "/api/resources", `{"title":"x"}`)
	requireStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()

	resp = call("owner-key", http.MethodPost, "/api/resources", `{"title":"x"}`)
	requireStatus(t, resp, http.StatusCreated)
	res := decodeJSON[core.Resource](t, resp)
	if res.OwnerID != "owner" {
		t.Fatalf("owner = %q", res.OwnerID)
	}

	resp = call("owner-key", http.MethodPost, "/api/resources/"+res.ID+"/bids", `{"start":"2025-01-10","end":"2025-01-11","amount":5}`)
	requireStatus(t, resp, http.StatusUnprocessableEntity)
	if body := decodeJSON[errorResponse](t, resp); body.Violations[0].Rule != scheduler.RuleSelfBid {
		t.Fatalf("violations = %+v", body.Violations)
	}

	resp = call("alice-key", http.MethodPost, "/api/resources/"+res.ID+"/bids", `{"start":"2025-01-10","end":"2025-01-11","amount":5}`)
	requireStatus(t, resp, http.StatusCreated)
	resp.Body.Close()

	resp = call("", http.MethodGet, "/metrics", "")
	requireStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}

func TestMetricsExposed(t *testing.T) {
	env := newTestEnv(t)
	createResource(t, env, "owner")
	resp := env.get(t, "", "/metrics")
	requireStatus(t, resp, http.StatusOK)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(body), `interlease_http_request_duration_seconds`) {
		t.Fatalf("request histogram missing from /metrics")
	}
}

func TestWSReceivesReservationEvents(t *testing.T) {
	env := newTestEnv(t)
	res := createResource(t, env, "owner")

	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws/users/owner"
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("ws dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	deadline := time.Now().Add(2 * time.Second)
	for env.hub.Subscribers("owner") == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscription never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp := submitBid(t, env, "alice", res.ID, "2025-01-10", "2025-01-12", 10)
	requireStatus(t, resp, http.StatusCreated)
	resp.Body.Close()

	var event core.ReservationEvent
	if err := wsjson.Read(ctx, conn, &event); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if event.Type != core.EventReservationSubmitted || event.Reservation.RequesterID != "alice" {
		t.Fatalf("event = %+v", event)
	}
}

func TestStoreExportRequiresGrant(t *testing.T) {
	env := newTestEnv(t)
	ring := auth.NewKeyring(true, map[string]string{"alice-key": "alice", "replica-key": "replica"}).GrantStoreAccess("replica")
	router := NewRouter(NewService(env.sched).ExportStore(env.store, ring), nil, auth.Middleware(ring))

	serve := func(method, path, remoteAddr, key, user string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(`{"writes":[]}`))
		req.RemoteAddr = remoteAddr
		if key != "" {
			req.Header.Set("Authorization", "Bearer "+key)
		}
		if user != "" {
			req.Header.Set(auth.UserHeader, user)
		}
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		return rr
	}

	cases := []struct {
		name       string
		method     string
		path       string
		remoteAddr string
		key        string
		user       string
	}{
		{"localhost catalog", http.MethodGet, "/api/store/catalog", "127.0.0.1:1", "", ""},
		{"localhost commit as replica", http.MethodPost, "/api/store/commit", "127.0.0.1:1", "", "replica"},
		{"plain key catalog", http.MethodGet, "/api/store/catalog", "203.0.113.5:1", "alice-key", ""},
		{"plain key commit", http.MethodPost, "/api/store/commit", "203.0.113.5:1", "alice-key", ""},
	}
	for _, tc := range cases {
		if rr := serve(tc.method, tc.path, tc.remoteAddr, tc.key, tc.user); rr.Code != http.StatusForbidden {
			t.Fatalf("%s: status = %d, want 403", tc.name, rr.Code)
		}
	}

	rr := serve(http.MethodGet, "/api/store/catalog", "203.0.113.5:1", "replica-key", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("granted catalog status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), scheduler.CatalogName) {
		t.Fatalf("catalog body = %s", rr.Body.String())
	}
}

func TestRemoteStoreClientNeedsGrant(t *testing.T) {
	env := newTestEnv(t)
	ring := auth.NewKeyring(true, map[string]string{"bob-key": "bob", "replica-key": "replica"}).GrantStoreAccess("replica")
	srv := httptest.NewServer(NewRouter(NewService(env.sched).ExportStore(env.store, ring), nil, auth.Middleware(ring)))
	defer srv.Close()
	ctx := context.Background()

	if _, err := remote.New(ctx, srv.URL, remote.WithUserID("bob")); err == nil {
		t.Fatalf("localhost user header opened the store")
	}
	if _, err := remote.New(ctx, srv.URL, remote.WithAPIKey("bob-key")); err == nil {
		t.Fatalf("key without store_access opened the store")
	}
	st, err := remote.New(ctx, srv.URL, remote.WithAPIKey("replica-key"))
	if err != nil {
		t.Fatalf("granted key: %v", err)
	}
	defer st.Close()
	if got := st.Catalog().Name; got != scheduler.CatalogName {
		t.Fatalf("catalog = %q", got)
	}
}

func TestStoreNotMountedByDefault(t *testing.T) {
	env := newTestEnv(t)
	for _, path := range []string{"/api/store/catalog", "/api/store/commit"} {
		resp := env.do(t, http.MethodPost, "owner", path, map[string]any{})
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("%s: status = %d, want 404", path, resp.StatusCode)
		}
		resp.Body.Close()
	}
}
