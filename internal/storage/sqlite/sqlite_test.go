package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/mistakeknot/interlease/internal/core"
	"github.com/mistakeknot/interlease/internal/storage"
	"github.com/mistakeknot/interlease/internal/storage/storagetest"
)

func TestContractInMemory(t *testing.T) {
	storagetest.Run(t, "sqlite-memory", func(t *testing.T, c storage.Catalog) storage.Store {
		db, err := storage.Open(context.Background(), NewSQLiteTest(t), c)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		return db
	})
}

func TestContractFile(t *testing.T) {
	storagetest.Run(t, "sqlite-file", func(t *testing.T, c storage.Catalog) storage.Store {
		drv, err := Open(filepath.Join(t.TempDir(), "store.db"))
		if err != nil {
			t.Fatalf("open driver: %v", err)
		}
		db, err := storage.Open(context.Background(), drv, c)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		return db
	})
}

func TestContractResilient(t *testing.T) {
	storagetest.Run(t, "sqlite-resilient", func(t *testing.T, c storage.Catalog) storage.Store {
		db, err := storage.Open(context.Background(), NewResilient(NewSQLiteTest(t), nil), c)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		return db
	})
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestFreshMetaIsVersionZero(t *testing.T) {
	d := NewSQLiteTest(t)
	tx, err := d.Begin(context.Background(), false)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	m, err := tx.Meta(context.Background())
	if err != nil {
		t.Fatalf("meta: %v", err)
	}
	if m.Version != 0 || len(m.Collections) != 0 {
		t.Fatalf("expected empty version 0 meta, got %+v", m)
	}
}

func TestReadOnlyDriverTx(t *testing.T) {
	d := NewSQLiteTest(t)
	tx, err := d.Begin(context.Background(), false)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	if err := tx.Put(context.Background(), "c", "k", storage.Record{"k": "v"}); !errors.Is(err, storage.ErrReadOnly) {
		t.Fatalf("expected ErrReadOnly, got %v", err)
	}
}

func TestSchemaSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.db")
	v1 := storage.Catalog{Name: "app", Version: 1, Collections: []storage.CollectionDef{
		{Name: "items", PrimaryKey: "id", Indexes: []storage.IndexDef{storage.SimpleIndex("kind", "kind")}},
	}}

	drv, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	db, err := storage.Open(ctx, drv, v1)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	err = storage.Update(ctx, db, func(tx storage.Tx) error {
		c, _ := tx.Collection("items")
		for _, rec := range []storage.Record{
			{"id": "a", "kind": "x", "size": 1},
			{"id": "b", "kind": "x", "size": 2},
			{"id": "c", "kind": "y", "size": 1},
		} {
			if _, err := c.Create(ctx, rec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	db.Close()

	v2 := v1
	v2.Version = 2
	v2.Collections = []storage.CollectionDef{{
		Name: "items", PrimaryKey: "id",
		Indexes: []storage.IndexDef{storage.SimpleIndex("kind", "kind"), storage.CompositeIndex("kind_size", "kind", "size")},
	}}
	drv, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	db, err = storage.Open(ctx, drv, v2)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	defer db.Close()
	err = storage.View(ctx, db, func(tx storage.Tx) error {
		c, _ := tx.Collection("items")
		got, err := c.QueryByIndex(ctx, "kind_size", []any{"x", 2})
		if err != nil {
			return err
		}
		if len(got) != 1 || got[0]["id"] != "b" {
			t.Errorf("expected b, got %v", got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}

	db.Close()
	drv, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer drv.Close()
	if _, err := storage.Open(ctx, drv, v1); !errors.Is(err, core.ErrMigrationFailed) {
		t.Fatalf("expected downgrade to fail, got %v", err)
	}
}

func TestResilientSurfacesUnavailable(t *testing.T) {
	d := NewSQLiteTest(t)
	cb := NewCircuitBreaker(1, time.Hour)
	r := NewResilient(d, nil, WithBreaker(cb), WithRetry(RetryConfig{BaseDelay: time.Millisecond}))
	tripBreaker(cb, 1)

	_, err := r.Begin(context.Background(), false)
	if !errors.Is(err, core.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if r.CircuitBreakerState() != "open" {
		t.Fatalf("expected open breaker, got %s", r.CircuitBreakerState())
	}
}
