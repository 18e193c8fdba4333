package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mistakeknot/interlease/internal/auth"
	httpapi "github.com/mistakeknot/interlease/internal/http"
	"github.com/mistakeknot/interlease/internal/scheduler"
	"github.com/mistakeknot/interlease/internal/storage"
	"github.com/mistakeknot/interlease/internal/ws"
)

type testServer struct {
	srv *httptest.Server
	hub *ws.Hub
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st, err := storage.Open(context.Background(), storage.NewMemoryDriver(), scheduler.Catalog())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	hub := ws.NewHub(nil)
	cfg := scheduler.DefaultConfig()
	cfg.Now = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	sched := scheduler.New(st, cfg, scheduler.WithBroadcaster(hub))
	srv := httptest.NewServer(httpapi.NewRouter(httpapi.NewService(sched), hub.Handler(), auth.Middleware(nil)))
	t.Cleanup(func() {
		srv.Close()
		st.Close()
	})
	return &testServer{srv: srv, hub: hub}
}

func TestClientFailsWithoutServer(t *testing.T) {
	c := New("http://127.0.0.1:1", WithUser("alice"))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := c.CreateResource(ctx, "x"); err == nil {
		t.Fatalf("expected failure without server")
	}
}

func TestClientBidFlow(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	owner := New(ts.srv.URL, WithUser("owner"))
	alice := New(ts.srv.URL, WithUser("alice"))
	bob := New(ts.srv.URL, WithUser("bob"))

	res, err := owner.CreateResource(ctx, "Kayak")
	if err != nil {
		t.Fatalf("create resource: %v", err)
	}
	a, err := alice.SubmitBid(ctx, res.ID, Bid{Start: "2025-02-01", End: "2025-02-05", Amount: 1000})
	if err != nil {
		t.Fatalf("alice bid: %v", err)
	}
	if a.Status != "pending" || a.Interval.Start != "2025-02-01" {
		t.Fatalf("unexpected reservation: %+v", a)
	}

	_, err = bob.SubmitBid(ctx, res.ID, Bid{Start: "2025-02-04", End: "2025-02-06", Amount: 1200})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if len(apiErr.Blocking) != 1 || apiErr.Blocking[0].ReservationID != a.ID {
		t.Fatalf("blocking = %+v", apiErr.Blocking)
	}

	_, err = bob.SubmitBid(ctx, res.ID, Bid{Start: "2025-02-10", End: "2025-02-01", Amount: 0})
	if !errors.As(err, &apiErr) || !errors.Is(err, ErrInvalid) || len(apiErr.Violations) != 2 {
		t.Fatalf("expected two violations, got %v", err)
	}

	if _, err := alice.Decide(ctx, a.ID, "accepted", ""); !errors.Is(err, ErrForbidden) {
		t.Fatalf("requester decide: %v", err)
	}
	result, err := owner.Decide(ctx, a.ID, "accepted", "ok")
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if result.Reservation.Status != "accepted" || result.AutoRejected == nil {
		t.Fatalf("result = %+v", result)
	}

	h, err := bob.HighestActive(ctx, res.ID)
	if err != nil || !h.Found || h.Amount != 1000 {
		t.Fatalf("highest = %+v %v", h, err)
	}

	mine, err := owner.MyReservations(ctx, true)
	if err != nil || len(mine) != 1 {
		t.Fatalf("owner reservations = %+v %v", mine, err)
	}
	all, err := bob.ResourceReservations(ctx, res.ID)
	if err != nil || len(all) != 1 {
		t.Fatalf("resource reservations = %+v %v", all, err)
	}
	if _, err := bob.Reservation(ctx, a.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("stranger read: %v", err)
	}

	conv, err := owner.Convert(ctx, a.ID)
	if err != nil || conv.Status != "converted" {
		t.Fatalf("convert = %+v %v", conv, err)
	}
	if _, err := alice.Cancel(ctx, a.ID, ""); !errors.Is(err, ErrConflict) {
		t.Fatalf("cancel converted: %v", err)
	}
	if _, err := alice.Resource(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing resource: %v", err)
	}
}

func TestWSClientReceivesEvents(t *testing.T) {
	ts := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	owner := New(ts.srv.URL, WithUser("owner"))
	res, err := owner.CreateResource(ctx, "Tent")
	if err != nil {
		t.Fatalf("create resource: %v", err)
	}

	events := make(chan Event, 4)
	wsc := NewWSClient(ts.srv.URL, "owner", WithAutoReconnect(false))
	wsc.OnEvent(FilteredEventHandler(EventFilter{Types: []string{EventReservationSubmitted}, ResourceID: res.ID}, func(e Event) {
		events <- e
	}))
	if err := wsc.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer wsc.Close()
	for ts.hub.Subscribers("owner") == 0 {
		select {
		case <-ctx.Done():
			t.Fatalf("subscription never registered")
		case <-time.After(5 * time.Millisecond):
		}
	}

	alice := New(ts.srv.URL, WithUser("alice"))
	if _, err := alice.SubmitBid(ctx, res.ID, Bid{Start: "2025-03-01", End: "2025-03-02", Amount: 5}); err != nil {
		t.Fatalf("bid: %v", err)
	}

	select {
	case e := <-events:
		if e.Reservation.RequesterID != "alice" {
			t.Fatalf("event = %+v", e)
		}
	case <-ctx.Done():
		t.Fatalf("no event received")
	}
	if err := wsc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
