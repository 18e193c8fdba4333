package embedded

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/mistakeknot/interlease/client"
	"github.com/mistakeknot/interlease/internal/scheduler"
)

func TestEmbeddedServerServesBids(t *testing.T) {
	cfg := scheduler.DefaultConfig()
	cfg.Now = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	srv, err := New(Config{
		DBPath:        filepath.Join(t.TempDir(), "data.db"),
		SweepInterval: time.Hour,
		Scheduler:     &cfg,
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		if err := srv.Stop(); err != nil {
			t.Errorf("stop: %v", err)
		}
	})

	ctx := context.Background()
	owner := client.New(srv.URL(), client.WithUser("owner"))
	res, err := owner.CreateResource(ctx, "Bike")
	if err != nil {
		t.Fatalf("create resource: %v", err)
	}
	alice := client.New(srv.URL(), client.WithUser("alice"))
	r, err := alice.SubmitBid(ctx, res.ID, client.Bid{Start: "2025-04-01", End: "2025-04-03", Amount: 42})
	if err != nil {
		t.Fatalf("bid: %v", err)
	}

	n, err := srv.Scheduler().ListByResource(ctx, res.ID)
	if err != nil || len(n) != 1 || n[0].ID != r.ID {
		t.Fatalf("list = %+v %v", n, err)
	}
}

func TestEmbeddedReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.db")
	ctx := context.Background()

	first, err := New(Config{DBPath: path})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	res, err := first.Scheduler().CreateResource(ctx, "owner", "Canoe")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := first.Stop(); err != nil {
		t.Fatalf("stop without start: %v", err)
	}

	second, err := New(Config{DBPath: path})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Stop()
	got, err := second.Scheduler().GetResource(ctx, res.ID)
	if err != nil || got.Title != "Canoe" {
		t.Fatalf("resource after reopen = %+v %v", got, err)
	}
}
