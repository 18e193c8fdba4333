package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/mistakeknot/interlease/internal/storage"
)

// newRaceStore opens a file-backed store behind the resilient driver,
// suitable for concurrent access from multiple goroutines.
func newRaceStore(t *testing.T) *storage.DB {
	t.Helper()
	drv, err := Open(filepath.Join(t.TempDir(), "race.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	catalog := storage.Catalog{Name: "race", Version: 1, Collections: []storage.CollectionDef{
		{Name: "counters", PrimaryKey: "id"},
		{Name: "events", PrimaryKey: "id", Indexes: []storage.IndexDef{storage.SimpleIndex("worker", "worker")}},
	}}
	db, err := storage.Open(context.Background(), NewResilient(drv, nil), catalog)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// TestConcurrentCreates verifies that 10 goroutines each writing 10 records
// leave all 100 records and their index entries behind.
func TestConcurrentCreates(t *testing.T) {
	db := newRaceStore(t)
	ctx := context.Background()
	const workers = 10
	const perWorker = 10

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				err := storage.Update(ctx, db, func(tx storage.Tx) error {
					c, err := tx.Collection("events")
					if err != nil {
						return err
					}
					_, err = c.Create(ctx, storage.Record{"id": fmt.Sprintf("%d-%d", workerID, j), "worker": workerID})
					return err
				})
				if err != nil {
					t.Errorf("worker %d event %d: %v", workerID, j, err)
				}
			}
		}(i)
	}
	wg.Wait()

	err := storage.View(ctx, db, func(tx storage.Tx) error {
		c, _ := tx.Collection("events")
		n, err := c.Count(ctx)
		if err != nil {
			return err
		}
		if n != workers*perWorker {
			t.Errorf("expected %d events, got %d", workers*perWorker, n)
		}
		mine, err := c.QueryByIndex(ctx, "worker", 3)
		if err != nil {
			return err
		}
		if len(mine) != perWorker {
			t.Errorf("expected %d events for worker 3, got %d", perWorker, len(mine))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

// TestConcurrentReadModifyWrite verifies that transactions serialize: 50
// increments of one counter lose no updates.
func TestConcurrentReadModifyWrite(t *testing.T) {
	db := newRaceStore(t)
	ctx := context.Background()
	err := storage.Update(ctx, db, func(tx storage.Tx) error {
		c, _ := tx.Collection("counters")
		_, err := c.Create(ctx, storage.Record{"id": "hits", "n": 0})
		return err
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	const increments = 50
	var wg sync.WaitGroup
	for i := 0; i < increments; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := storage.Update(ctx, db, func(tx storage.Tx) error {
				c, _ := tx.Collection("counters")
				rec, err := c.Read(ctx, "hits")
				if err != nil {
					return err
				}
				rec["n"] = rec["n"].(float64) + 1
				_, err = c.Update(ctx, rec)
				return err
			})
			if err != nil {
				t.Errorf("increment: %v", err)
			}
		}()
	}
	wg.Wait()

	err = storage.View(ctx, db, func(tx storage.Tx) error {
		c, _ := tx.Collection("counters")
		rec, err := c.Read(ctx, "hits")
		if err != nil {
			return err
		}
		if rec["n"] != float64(increments) {
			t.Errorf("expected %d, got %v", increments, rec["n"])
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}
