package storage_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/mistakeknot/interlease/internal/storage"
	"github.com/mistakeknot/interlease/internal/storage/storagetest"
)

func openMemory(t *testing.T, catalog storage.Catalog) storage.Store {
	t.Helper()
	db, err := storage.Open(context.Background(), storage.NewMemoryDriver(), catalog)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return db
}

func TestMemoryContract(t *testing.T) {
	storagetest.Run(t, "memory", openMemory)
}

func TestMemoryReaderSeesCommittedSnapshot(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t, storagetest.Catalog())
	defer s.Close()

	reader, err := s.Begin(ctx, storage.ReadOnly)
	if err != nil {
		t.Fatalf("begin reader: %v", err)
	}
	defer reader.Rollback(ctx)

	err = storage.Update(ctx, s, func(tx storage.Tx) error {
		c, _ := tx.Collection("people")
		_, err := c.Create(ctx, storage.Record{"id": "p1", "email": "a@x"})
		return err
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	c, _ := reader.Collection("people")
	n, err := c.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("reader opened before the commit should see 0 records, got %d", n)
	}
}

func TestMemoryConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t, storagetest.Catalog())
	defer s.Close()

	const workers = 8
	const perWorker = 25
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perWorker {
				err := storage.Update(ctx, s, func(tx storage.Tx) error {
					c, _ := tx.Collection("people")
					_, err := c.Create(ctx, storage.Record{"id": fmt.Sprintf("w%d-%d", w, i), "email": fmt.Sprintf("%d.%d@x", w, i)})
					return err
				})
				if err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("writer: %v", err)
	}

	err := storage.View(ctx, s, func(tx storage.Tx) error {
		c, _ := tx.Collection("people")
		n, err := c.Count(ctx)
		if err != nil {
			return err
		}
		if n != workers*perWorker {
			return fmt.Errorf("expected %d records, got %d", workers*perWorker, n)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestMemoryClosed(t *testing.T) {
	s := openMemory(t, storagetest.Catalog())
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := s.Begin(context.Background(), storage.ReadOnly); err == nil {
		t.Fatalf("expected error beginning on a closed store")
	}
}
