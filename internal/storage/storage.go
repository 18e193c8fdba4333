// Package storage implements the schema-versioned record store: keyed
// collections of JSON-shaped records with secondary indexes, grouped into
// transactions and migrated forward when the code's catalog version changes.
//
// The contract (Store, Tx, Collection) is satisfied by the local engine (DB
// over a Driver such as the in-memory driver or storage/sqlite) and by
// storage/remote, which fronts the same contract over HTTP.
package storage

import (
	"context"
	"errors"
	"iter"
)

var (
	ErrUnknownCollection = errors.New("unknown collection")
	ErrUnknownIndex      = errors.New("unknown index")
	ErrReadOnly          = errors.New("transaction is read-only")
	ErrTxDone            = errors.New("transaction already finished")
	ErrInvalidRecord     = errors.New("invalid record")
	ErrClosed            = errors.New("store closed")
)

// Mode is the access mode of a transaction.
type Mode int

const (
	ReadOnly Mode = iota
	ReadWrite
)

func (m Mode) String() string {
	switch m {
	case ReadOnly:
		return "read_only"
	case ReadWrite:
		return "read_write"
	default:
		return "unknown"
	}
}

// Store is an opened, migrated database.
type Store interface {
	Begin(ctx context.Context, mode Mode) (Tx, error)
	Catalog() Catalog
	Close() error
}

// Tx groups store operations under one atomicity and access-mode boundary.
// A Tx is used by one goroutine at a time.
type Tx interface {
	Collection(name string) (Collection, error)
	Mode() Mode
	Commit(ctx context.Context) error
	// Rollback discards the transaction. Calling it after Commit is a no-op,
	// so it can always be deferred.
	Rollback(ctx context.Context) error
}

// Collection is a keyed record set bound to a transaction.
type Collection interface {
	Name() string
	// Create inserts rec and fails with core.ErrDuplicateKey when its primary
	// key or a unique index value is taken.
	Create(ctx context.Context, rec Record) (Record, error)
	// Read fails with core.ErrNotFound for an unknown key.
	Read(ctx context.Context, key string) (Record, error)
	// Update replaces the record with rec's primary key and fails with
	// core.ErrNotFound when there is none.
	Update(ctx context.Context, rec Record) (Record, error)
	// Delete removes the record and its index entries. Deleting an absent key
	// is a no-op.
	Delete(ctx context.Context, key string) error
	// ScanAll yields every record. The sequence is lazy and can be ranged more
	// than once; order is unspecified.
	ScanAll(ctx context.Context) iter.Seq2[Record, error]
	// QueryByIndex returns the records whose indexed field equals value, or for
	// composite indexes whose field tuple equals the ordered slice value.
	QueryByIndex(ctx context.Context, index string, value any) ([]Record, error)
	Count(ctx context.Context) (int, error)
}

// View runs fn in a read-only transaction.
func View(ctx context.Context, s Store, fn func(Tx) error) error {
	tx, err := s.Begin(ctx, ReadOnly)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	return fn(tx)
}

// Update runs fn in a read-write transaction, committing when fn returns nil.
func Update(ctx context.Context, s Store, fn func(Tx) error) error {
	tx, err := s.Begin(ctx, ReadWrite)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Collect drains a ScanAll sequence into a slice.
func Collect(seq iter.Seq2[Record, error]) ([]Record, error) {
	var out []Record
	for rec, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}
