// Package storagetest is the behavioural contract every storage.Store
// backend must satisfy. Backends call Run from their own tests.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/mistakeknot/interlease/internal/core"
	"github.com/mistakeknot/interlease/internal/storage"
)

// Factory opens a fresh, empty store at the given catalog.
type Factory func(t *testing.T, catalog storage.Catalog) storage.Store

// Catalog is the schema the suite runs against.
func Catalog() storage.Catalog {
	return storage.Catalog{
		Name:    "contract",
		Version: 1,
		Collections: []storage.CollectionDef{
			{
				Name:       "people",
				PrimaryKey: "id",
				Indexes: []storage.IndexDef{
					storage.SimpleIndex("email", "email").AsUnique(),
					storage.SimpleIndex("city", "city"),
					storage.CompositeIndex("city_age", "city", "age"),
				},
			},
			{Name: "counters", PrimaryKey: "n"},
		},
	}
}

// Run runs the contract suite against backends produced by factory.
func Run(t *testing.T, name string, factory Factory) {
	t.Run(name, func(t *testing.T) {
		open := func(t *testing.T) storage.Store {
			s := factory(t, Catalog())
			t.Cleanup(func() { s.Close() })
			return s
		}
		t.Run("CreateRead", func(t *testing.T) { testCreateRead(t, open(t)) })
		t.Run("ReadReturnsCopy", func(t *testing.T) { testReadReturnsCopy(t, open(t)) })
		t.Run("DuplicateKey", func(t *testing.T) { testDuplicateKey(t, open(t)) })
		t.Run("InvalidRecord", func(t *testing.T) { testInvalidRecord(t, open(t)) })
		t.Run("NumericKey", func(t *testing.T) { testNumericKey(t, open(t)) })
		t.Run("Update", func(t *testing.T) { testUpdate(t, open(t)) })
		t.Run("Delete", func(t *testing.T) { testDelete(t, open(t)) })
		t.Run("UniqueIndex", func(t *testing.T) { testUniqueIndex(t, open(t)) })
		t.Run("QueryByIndex", func(t *testing.T) { testQueryByIndex(t, open(t)) })
		t.Run("CompositeIndex", func(t *testing.T) { testCompositeIndex(t, open(t)) })
		t.Run("ScanAll", func(t *testing.T) { testScanAll(t, open(t)) })
		t.Run("ReadOnly", func(t *testing.T) { testReadOnly(t, open(t)) })
		t.Run("Rollback", func(t *testing.T) { testRollback(t, open(t)) })
		t.Run("ReadYourWrites", func(t *testing.T) { testReadYourWrites(t, open(t)) })
		t.Run("FinishedTx", func(t *testing.T) { testFinishedTx(t, open(t)) })
		t.Run("Unknown", func(t *testing.T) { testUnknown(t, open(t)) })
	})
}

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

func person(id, email, city string, age int) storage.Record {
	return storage.Record{"id": id, "email": email, "city": city, "age": age}
}

func mustUpdate(t *testing.T, s storage.Store, fn func(c storage.Collection) error) {
	t.Helper()
	err := storage.Update(context.Background(), s, func(tx storage.Tx) error {
		c, err := tx.Collection("people")
		if err != nil {
			return err
		}
		return fn(c)
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
}

func seed(t *testing.T, s storage.Store, recs ...storage.Record) {
	t.Helper()
	mustUpdate(t, s, func(c storage.Collection) error {
		for _, r := range recs {
			if _, err := c.Create(context.Background(), r); err != nil {
				return err
			}
		}
		return nil
	})
}

func view(t *testing.T, s storage.Store, fn func(c storage.Collection)) {
	t.Helper()
	err := storage.View(context.Background(), s, func(tx storage.Tx) error {
		c, err := tx.Collection("people")
		if err != nil {
			return err
		}
		fn(c)
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func ids(recs []storage.Record) map[string]bool {
	out := make(map[string]bool, len(recs))
	for _, r := range recs {
		out[fmt.Sprint(r["id"])] = true
	}
	return out
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

func testCreateRead(t *testing.T, s storage.Store) {
	ctx := context.Background()
	seed(t, s, person("p1", "a@x", "Oslo", 30))
	view(t, s, func(c storage.Collection) {
		got, err := c.Read(ctx, "p1")
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if got["email"] != "a@x" || got["age"] != float64(30) {
			t.Fatalf("unexpected record %v", got)
		}
		if _, err := c.Read(ctx, "nope"); !errors.Is(err, core.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		n, err := c.Count(ctx)
		if err != nil || n != 1 {
			t.Fatalf("count = %d, %v", n, err)
		}
	})
}

func testReadReturnsCopy(t *testing.T, s storage.Store) {
	ctx := context.Background()
	seed(t, s, storage.Record{"id": "p1", "email": "a@x", "tags": []any{"x"}})
	view(t, s, func(c storage.Collection) {
		got, err := c.Read(ctx, "p1")
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		got["email"] = "mutated"
		got["tags"].([]any)[0] = "mutated"
		again, err := c.Read(ctx, "p1")
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if again["email"] != "a@x" || again["tags"].([]any)[0] != "x" {
			t.Fatalf("stored record was mutated through a read: %v", again)
		}
	})
}

func testDuplicateKey(t *testing.T, s storage.Store) {
	ctx := context.Background()
	seed(t, s, person("p1", "a@x", "Oslo", 30))
	err := storage.Update(ctx, s, func(tx storage.Tx) error {
		c, _ := tx.Collection("people")
		_, err := c.Create(ctx, person("p1", "b@x", "Rome", 40))
		return err
	})
	if !errors.Is(err, core.ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}
}

func testInvalidRecord(t *testing.T, s storage.Store) {
	ctx := context.Background()
	err := storage.Update(ctx, s, func(tx storage.Tx) error {
		c, _ := tx.Collection("people")
		_, err := c.Create(ctx, storage.Record{"email": "no-id@x"})
		return err
	})
	if !errors.Is(err, storage.ErrInvalidRecord) {
		t.Fatalf("expected ErrInvalidRecord for missing key, got %v", err)
	}
	err = storage.Update(ctx, s, func(tx storage.Tx) error {
		c, _ := tx.Collection("people")
		_, err := c.Create(ctx, storage.Record{"id": true})
		return err
	})
	if !errors.Is(err, storage.ErrInvalidRecord) {
		t.Fatalf("expected ErrInvalidRecord for bool key, got %v", err)
	}
}

func testNumericKey(t *testing.T, s storage.Store) {
	ctx := context.Background()
	err := storage.Update(ctx, s, func(tx storage.Tx) error {
		c, err := tx.Collection("counters")
		if err != nil {
			return err
		}
		_, err = c.Create(ctx, storage.Record{"n": 7, "value": "seven"})
		return err
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	err = storage.View(ctx, s, func(tx storage.Tx) error {
		c, err := tx.Collection("counters")
		if err != nil {
			return err
		}
		got, err := c.Read(ctx, "7")
		if err != nil {
			return err
		}
		if got["value"] != "seven" {
			return fmt.Errorf("unexpected record %v", got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("read numeric key: %v", err)
	}
}

func testUpdate(t *testing.T, s storage.Store) {
	ctx := context.Background()
	seed(t, s, person("p1", "a@x", "Oslo", 30))
	mustUpdate(t, s, func(c storage.Collection) error {
		_, err := c.Update(ctx, person("p1", "a@x", "Rome", 31))
		return err
	})
	view(t, s, func(c storage.Collection) {
		got, err := c.QueryByIndex(ctx, "city", "Oslo")
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if len(got) != 0 {
			t.Fatalf("stale index entry after update: %v", got)
		}
		got, err = c.QueryByIndex(ctx, "city", "Rome")
		if err != nil || len(got) != 1 || got[0]["age"] != float64(31) {
			t.Fatalf("query Rome = %v, %v", got, err)
		}
	})
	err := storage.Update(ctx, s, func(tx storage.Tx) error {
		c, _ := tx.Collection("people")
		_, err := c.Update(ctx, person("ghost", "g@x", "Oslo", 1))
		return err
	})
	if !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound updating a missing record, got %v", err)
	}
}

func testDelete(t *testing.T, s storage.Store) {
	ctx := context.Background()
	seed(t, s, person("p1", "a@x", "Oslo", 30), person("p2", "b@x", "Oslo", 40))
	mustUpdate(t, s, func(c storage.Collection) error {
		if err := c.Delete(ctx, "p1"); err != nil {
			return err
		}
		return c.Delete(ctx, "never-existed")
	})
	view(t, s, func(c storage.Collection) {
		if _, err := c.Read(ctx, "p1"); !errors.Is(err, core.ErrNotFound) {
			t.Fatalf("expected ErrNotFound after delete, got %v", err)
		}
		got, err := c.QueryByIndex(ctx, "city", "Oslo")
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if len(got) != 1 || got[0]["id"] != "p2" {
			t.Fatalf("expected only p2 in city index, got %v", got)
		}
	})
	// The freed unique value can be reused.
	seed(t, s, person("p3", "a@x", "Oslo", 50))
}

func testUniqueIndex(t *testing.T, s storage.Store) {
	ctx := context.Background()
	seed(t, s, person("p1", "a@x", "Oslo", 30), person("p2", "b@x", "Oslo", 30))
	err := storage.Update(ctx, s, func(tx storage.Tx) error {
		c, _ := tx.Collection("people")
		_, err := c.Create(ctx, person("p3", "a@x", "Rome", 20))
		return err
	})
	if !errors.Is(err, core.ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey on create, got %v", err)
	}
	err = storage.Update(ctx, s, func(tx storage.Tx) error {
		c, _ := tx.Collection("people")
		_, err := c.Update(ctx, person("p2", "a@x", "Oslo", 30))
		return err
	})
	if !errors.Is(err, core.ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey on update, got %v", err)
	}
	// Rewriting a record with its own unique value is fine.
	mustUpdate(t, s, func(c storage.Collection) error {
		_, err := c.Update(ctx, person("p1", "a@x", "Oslo", 31))
		return err
	})
}

func testQueryByIndex(t *testing.T, s storage.Store) {
	ctx := context.Background()
	seed(t, s,
		person("p1", "a@x", "Oslo", 30),
		person("p2", "b@x", "Oslo", 40),
		person("p3", "c@x", "Rome", 30),
		storage.Record{"id": "p4", "email": "d@x"},
	)
	view(t, s, func(c storage.Collection) {
		got, err := c.QueryByIndex(ctx, "city", "Oslo")
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if want := map[string]bool{"p1": true, "p2": true}; len(got) != 2 || !ids(got)["p1"] || !ids(got)["p2"] {
			t.Fatalf("expected %v, got %v", want, ids(got))
		}
		got, err = c.QueryByIndex(ctx, "city", "Paris")
		if err != nil || len(got) != 0 {
			t.Fatalf("expected no match, got %v, %v", got, err)
		}
		got, err = c.QueryByIndex(ctx, "email", "d@x")
		if err != nil || len(got) != 1 {
			t.Fatalf("expected record without city to be found by email, got %v, %v", got, err)
		}
		if _, err := c.QueryByIndex(ctx, "nope", "x"); !errors.Is(err, storage.ErrUnknownIndex) {
			t.Fatalf("expected ErrUnknownIndex, got %v", err)
		}
	})
}

func testCompositeIndex(t *testing.T, s storage.Store) {
	ctx := context.Background()
	seed(t, s,
		person("p1", "a@x", "Oslo", 30),
		person("p2", "b@x", "Oslo", 40),
		person("p3", "c@x", "Rome", 30),
	)
	view(t, s, func(c storage.Collection) {
		got, err := c.QueryByIndex(ctx, "city_age", []any{"Oslo", 30})
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if len(got) != 1 || got[0]["id"] != "p1" {
			t.Fatalf("expected p1, got %v", got)
		}
		got, err = c.QueryByIndex(ctx, "city_age", []any{"Oslo", 30.0})
		if err != nil || len(got) != 1 {
			t.Fatalf("float query value should match int field, got %v, %v", got, err)
		}
		if _, err := c.QueryByIndex(ctx, "city_age", []any{"Oslo"}); err == nil {
			t.Fatalf("expected error for short tuple")
		}
	})
}

func testScanAll(t *testing.T, s storage.Store) {
	ctx := context.Background()
	const n = 300
	recs := make([]storage.Record, 0, n)
	for i := range n {
		recs = append(recs, person(fmt.Sprintf("p%03d", i), fmt.Sprintf("%d@x", i), "Oslo", i))
	}
	seed(t, s, recs...)
	view(t, s, func(c storage.Collection) {
		seq := c.ScanAll(ctx)
		for pass := range 2 {
			all, err := storage.Collect(seq)
			if err != nil {
				t.Fatalf("scan pass %d: %v", pass, err)
			}
			if len(all) != n || len(ids(all)) != n {
				t.Fatalf("scan pass %d: expected %d distinct records, got %d", pass, n, len(ids(all)))
			}
		}
		seen := 0
		for _, err := range seq {
			if err != nil {
				t.Fatalf("scan: %v", err)
			}
			seen++
			if seen == 5 {
				break
			}
		}
		if seen != 5 {
			t.Fatalf("early break yielded %d", seen)
		}
	})
}

func testReadOnly(t *testing.T, s storage.Store) {
	ctx := context.Background()
	seed(t, s, person("p1", "a@x", "Oslo", 30))
	err := storage.View(ctx, s, func(tx storage.Tx) error {
		if tx.Mode() != storage.ReadOnly {
			t.Fatalf("expected read-only tx, got %s", tx.Mode())
		}
		c, _ := tx.Collection("people")
		if _, err := c.Create(ctx, person("p2", "b@x", "Oslo", 1)); !errors.Is(err, storage.ErrReadOnly) {
			t.Fatalf("create: expected ErrReadOnly, got %v", err)
		}
		if _, err := c.Update(ctx, person("p1", "a@x", "Oslo", 1)); !errors.Is(err, storage.ErrReadOnly) {
			t.Fatalf("update: expected ErrReadOnly, got %v", err)
		}
		if err := c.Delete(ctx, "p1"); !errors.Is(err, storage.ErrReadOnly) {
			t.Fatalf("delete: expected ErrReadOnly, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func testRollback(t *testing.T, s storage.Store) {
	ctx := context.Background()
	seed(t, s, person("p1", "a@x", "Oslo", 30))
	boom := errors.New("boom")
	err := storage.Update(ctx, s, func(tx storage.Tx) error {
		c, _ := tx.Collection("people")
		if _, err := c.Create(ctx, person("p2", "b@x", "Oslo", 1)); err != nil {
			return err
		}
		if err := c.Delete(ctx, "p1"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	view(t, s, func(c storage.Collection) {
		if _, err := c.Read(ctx, "p1"); err != nil {
			t.Fatalf("p1 should survive rollback: %v", err)
		}
		if _, err := c.Read(ctx, "p2"); !errors.Is(err, core.ErrNotFound) {
			t.Fatalf("p2 should not exist after rollback, got %v", err)
		}
	})
}

func testReadYourWrites(t *testing.T, s storage.Store) {
	ctx := context.Background()
	seed(t, s, person("p1", "a@x", "Oslo", 30))
	mustUpdate(t, s, func(c storage.Collection) error {
		if _, err := c.Create(ctx, person("p2", "b@x", "Oslo", 40)); err != nil {
			return err
		}
		if _, err := c.Update(ctx, person("p1", "a@x", "Rome", 30)); err != nil {
			return err
		}
		got, err := c.QueryByIndex(ctx, "city", "Oslo")
		if err != nil {
			return err
		}
		if len(got) != 1 || got[0]["id"] != "p2" {
			return fmt.Errorf("expected p2 only in Oslo within tx, got %v", ids(got))
		}
		n, err := c.Count(ctx)
		if err != nil {
			return err
		}
		if n != 2 {
			return fmt.Errorf("count within tx = %d", n)
		}
		all, err := storage.Collect(c.ScanAll(ctx))
		if err != nil {
			return err
		}
		if len(all) != 2 {
			return fmt.Errorf("scan within tx = %d records", len(all))
		}
		return nil
	})
}

func testFinishedTx(t *testing.T, s storage.Store) {
	ctx := context.Background()
	tx, err := s.Begin(ctx, storage.ReadWrite)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	c, err := tx.Collection("people")
	if err != nil {
		t.Fatalf("collection: %v", err)
	}
	if _, err := c.Create(ctx, person("p1", "a@x", "Oslo", 30)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("rollback after commit should be a no-op, got %v", err)
	}
	if err := tx.Commit(ctx); !errors.Is(err, storage.ErrTxDone) {
		t.Fatalf("expected ErrTxDone on second commit, got %v", err)
	}
	if _, err := c.Read(ctx, "p1"); !errors.Is(err, storage.ErrTxDone) {
		t.Fatalf("expected ErrTxDone reading through finished tx, got %v", err)
	}
}

func testUnknown(t *testing.T, s storage.Store) {
	ctx := context.Background()
	err := storage.View(ctx, s, func(tx storage.Tx) error {
		_, err := tx.Collection("ghosts")
		return err
	})
	if !errors.Is(err, storage.ErrUnknownCollection) {
		t.Fatalf("expected ErrUnknownCollection, got %v", err)
	}
}
