package storage

import "context"

// Driver is the physical backing under DB. It stores raw records, index
// entries and the persisted Meta; all constraint checking and index
// maintenance happen in DB so every driver behaves identically.
type Driver interface {
	// Begin starts a driver transaction. Writable transactions are
	// serialized; a goroutine must not hold two at once.
	Begin(ctx context.Context, writable bool) (DriverTx, error)
	Close() error
}

// Entry is a record with its primary key.
type Entry struct {
	Key    string
	Record Record
}

// DriverTx is an atomic unit of driver work.
type DriverTx interface {
	// Meta returns the persisted layout; a fresh database has version 0.
	Meta(ctx context.Context) (Meta, error)
	SetMeta(ctx context.Context, m Meta) error

	Get(ctx context.Context, collection, key string) (Record, bool, error)
	Put(ctx context.Context, collection, key string, rec Record) error
	Delete(ctx context.Context, collection, key string) error
	// Scan returns up to limit entries with keys greater than after, in key order.
	Scan(ctx context.Context, collection, after string, limit int) ([]Entry, error)
	Count(ctx context.Context, collection string) (int, error)

	AddIndexEntry(ctx context.Context, collection, index, value, key string) error
	RemoveIndexEntry(ctx context.Context, collection, index, value, key string) error
	// LookupIndex returns the primary keys stored under value, in key order.
	LookupIndex(ctx context.Context, collection, index, value string) ([]string, error)
	DropIndex(ctx context.Context, collection, index string) error
	// DropCollection removes the collection's records and index entries.
	DropCollection(ctx context.Context, collection string) error

	Commit() error
	Rollback() error
}
