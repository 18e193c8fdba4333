package storage

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"sync"

	"github.com/mistakeknot/interlease/internal/core"
)

const scanPageSize = 128

// Option configures Open.
type Option func(*options)

type options struct {
	log *slog.Logger
}

// WithLogger sets the logger used for migration and lifecycle messages.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// DB is a ready store over a Driver. Obtain one with Open.
type DB struct {
	drv     Driver
	catalog Catalog
	log     *slog.Logger
	state   State
	indexes map[string][]Index

	mu     sync.RWMutex
	closed bool
}

var _ Store = (*DB)(nil)

// Open brings the driver's persisted schema up to catalog.Version and
// returns a ready handle. It fails with *core.MigrationFailedError when the
// migration cannot complete; nothing of the failed attempt is persisted.
func Open(ctx context.Context, drv Driver, catalog Catalog, opts ...Option) (*DB, error) {
	o := options{log: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	m := NewMigrator(drv, catalog, o.log)
	if err := m.Run(ctx); err != nil {
		return nil, err
	}
	db := &DB{
		drv:     drv,
		catalog: catalog,
		log:     o.log,
		state:   m.State(),
		indexes: make(map[string][]Index, len(catalog.Collections)),
	}
	for _, def := range catalog.Collections {
		db.indexes[def.Name] = buildIndexes(def)
	}
	return db, nil
}

func buildIndexes(def CollectionDef) []Index {
	out := make([]Index, 0, len(def.Indexes))
	for _, idx := range def.Indexes {
		out = append(out, idx.Index())
	}
	return out
}

func (db *DB) Catalog() Catalog {
	return db.catalog
}

// State is Ready for an open store.
func (db *DB) State() State {
	return db.state
}

// Version is the schema version the store was opened at.
func (db *DB) Version() int {
	return db.catalog.Version
}

func (db *DB) Begin(ctx context.Context, mode Mode) (Tx, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, ErrClosed
	}
	dtx, err := db.drv.Begin(ctx, mode == ReadWrite)
	if err != nil {
		return nil, fmt.Errorf("begin %s: %w", mode, err)
	}
	return &localTx{db: db, dtx: dtx, mode: mode}, nil
}

func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true
	return db.drv.Close()
}

type localTx struct {
	db   *DB
	dtx  DriverTx
	mode Mode
	done bool
}

func (t *localTx) Mode() Mode {
	return t.mode
}

func (t *localTx) Collection(name string) (Collection, error) {
	def, ok := t.db.catalog.Collection(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCollection, name)
	}
	return &localCollection{tx: t, def: def, indexes: t.db.indexes[name]}, nil
}

func (t *localTx) Commit(ctx context.Context) error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	if err := t.dtx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (t *localTx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	return t.dtx.Rollback()
}

func (t *localTx) check(write bool) error {
	if t.done {
		return ErrTxDone
	}
	if write && t.mode != ReadWrite {
		return ErrReadOnly
	}
	return nil
}

type localCollection struct {
	tx      *localTx
	def     CollectionDef
	indexes []Index
}

func (c *localCollection) Name() string {
	return c.def.Name
}

func (c *localCollection) Create(ctx context.Context, rec Record) (Record, error) {
	if err := c.tx.check(true); err != nil {
		return nil, err
	}
	norm, err := Normalize(rec)
	if err != nil {
		return nil, err
	}
	key, err := KeyOf(norm, c.def.PrimaryKey)
	if err != nil {
		return nil, err
	}
	if err := insertRecord(ctx, c.tx.dtx, c.def.Name, c.indexes, key, norm); err != nil {
		return nil, err
	}
	return norm.Clone(), nil
}

func (c *localCollection) Read(ctx context.Context, key string) (Record, error) {
	if err := c.tx.check(false); err != nil {
		return nil, err
	}
	rec, ok, err := c.tx.dtx.Get(ctx, c.def.Name, key)
	if err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", c.def.Name, key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%s %q: %w", c.def.Name, key, core.ErrNotFound)
	}
	return rec, nil
}

func (c *localCollection) Update(ctx context.Context, rec Record) (Record, error) {
	if err := c.tx.check(true); err != nil {
		return nil, err
	}
	norm, err := Normalize(rec)
	if err != nil {
		return nil, err
	}
	key, err := KeyOf(norm, c.def.PrimaryKey)
	if err != nil {
		return nil, err
	}
	dtx := c.tx.dtx
	old, ok, err := dtx.Get(ctx, c.def.Name, key)
	if err != nil {
		return nil, fmt.Errorf("update %s/%s: %w", c.def.Name, key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%s %q: %w", c.def.Name, key, core.ErrNotFound)
	}
	for _, idx := range c.indexes {
		if err := checkUnique(ctx, dtx, c.def.Name, idx, key, norm); err != nil {
			return nil, err
		}
	}
	if err := dtx.Put(ctx, c.def.Name, key, norm); err != nil {
		return nil, fmt.Errorf("update %s/%s: %w", c.def.Name, key, err)
	}
	for _, idx := range c.indexes {
		oldKey, hadOld := idx.KeyOf(old)
		newKey, hasNew := idx.KeyOf(norm)
		if hadOld == hasNew && oldKey == newKey {
			continue
		}
		if hadOld {
			if err := dtx.RemoveIndexEntry(ctx, c.def.Name, idx.Name(), oldKey, key); err != nil {
				return nil, fmt.Errorf("update index %s: %w", idx.Name(), err)
			}
		}
		if hasNew {
			if err := dtx.AddIndexEntry(ctx, c.def.Name, idx.Name(), newKey, key); err != nil {
				return nil, fmt.Errorf("update index %s: %w", idx.Name(), err)
			}
		}
	}
	return norm.Clone(), nil
}

func (c *localCollection) Delete(ctx context.Context, key string) error {
	if err := c.tx.check(true); err != nil {
		return err
	}
	dtx := c.tx.dtx
	old, ok, err := dtx.Get(ctx, c.def.Name, key)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", c.def.Name, key, err)
	}
	if !ok {
		return nil
	}
	for _, idx := range c.indexes {
		if v, indexed := idx.KeyOf(old); indexed {
			if err := dtx.RemoveIndexEntry(ctx, c.def.Name, idx.Name(), v, key); err != nil {
				return fmt.Errorf("delete index %s: %w", idx.Name(), err)
			}
		}
	}
	if err := dtx.Delete(ctx, c.def.Name, key); err != nil {
		return fmt.Errorf("delete %s/%s: %w", c.def.Name, key, err)
	}
	return nil
}

func (c *localCollection) ScanAll(ctx context.Context) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		after := ""
		for {
			if err := c.tx.check(false); err != nil {
				yield(nil, err)
				return
			}
			page, err := c.tx.dtx.Scan(ctx, c.def.Name, after, scanPageSize)
			if err != nil {
				yield(nil, fmt.Errorf("scan %s: %w", c.def.Name, err))
				return
			}
			for _, e := range page {
				if !yield(e.Record, nil) {
					return
				}
			}
			if len(page) < scanPageSize {
				return
			}
			after = page[len(page)-1].Key
		}
	}
}

func (c *localCollection) QueryByIndex(ctx context.Context, index string, value any) ([]Record, error) {
	if err := c.tx.check(false); err != nil {
		return nil, err
	}
	idx, err := c.index(index)
	if err != nil {
		return nil, err
	}
	vk, err := idx.KeyFor(value)
	if err != nil {
		return nil, fmt.Errorf("query %s.%s: %w", c.def.Name, index, err)
	}
	keys, err := c.tx.dtx.LookupIndex(ctx, c.def.Name, idx.Name(), vk)
	if err != nil {
		return nil, fmt.Errorf("query %s.%s: %w", c.def.Name, index, err)
	}
	out := make([]Record, 0, len(keys))
	for _, key := range keys {
		rec, ok, err := c.tx.dtx.Get(ctx, c.def.Name, key)
		if err != nil {
			return nil, fmt.Errorf("query %s.%s: %w", c.def.Name, index, err)
		}
		if !ok {
			return nil, fmt.Errorf("index %s.%s references missing key %q", c.def.Name, index, key)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (c *localCollection) Count(ctx context.Context) (int, error) {
	if err := c.tx.check(false); err != nil {
		return 0, err
	}
	return c.tx.dtx.Count(ctx, c.def.Name)
}

func (c *localCollection) index(name string) (Index, error) {
	for _, idx := range c.indexes {
		if idx.Name() == name {
			return idx, nil
		}
	}
	return nil, fmt.Errorf("%w: %s.%s", ErrUnknownIndex, c.def.Name, name)
}

// insertRecord stores a new record and its index entries, enforcing primary
// key and unique index constraints. It is shared by Create and migration.
func insertRecord(ctx context.Context, dtx DriverTx, collection string, indexes []Index, key string, rec Record) error {
	_, exists, err := dtx.Get(ctx, collection, key)
	if err != nil {
		return fmt.Errorf("insert %s/%s: %w", collection, key, err)
	}
	if exists {
		return fmt.Errorf("%s %q: %w", collection, key, core.ErrDuplicateKey)
	}
	for _, idx := range indexes {
		if err := checkUnique(ctx, dtx, collection, idx, key, rec); err != nil {
			return err
		}
	}
	if err := dtx.Put(ctx, collection, key, rec); err != nil {
		return fmt.Errorf("insert %s/%s: %w", collection, key, err)
	}
	for _, idx := range indexes {
		if err := addIndexEntry(ctx, dtx, collection, idx, key, rec); err != nil {
			return err
		}
	}
	return nil
}

func addIndexEntry(ctx context.Context, dtx DriverTx, collection string, idx Index, key string, rec Record) error {
	v, ok := idx.KeyOf(rec)
	if !ok {
		return nil
	}
	if err := dtx.AddIndexEntry(ctx, collection, idx.Name(), v, key); err != nil {
		return fmt.Errorf("index %s.%s: %w", collection, idx.Name(), err)
	}
	return nil
}

// checkUnique fails when a record other than key already holds rec's value
// in a unique index.
func checkUnique(ctx context.Context, dtx DriverTx, collection string, idx Index, key string, rec Record) error {
	if !idx.Unique() {
		return nil
	}
	v, ok := idx.KeyOf(rec)
	if !ok {
		return nil
	}
	keys, err := dtx.LookupIndex(ctx, collection, idx.Name(), v)
	if err != nil {
		return fmt.Errorf("index %s.%s: %w", collection, idx.Name(), err)
	}
	for _, other := range keys {
		if other != key {
			return fmt.Errorf("%s.%s value %s held by %q: %w", collection, idx.Name(), v, other, core.ErrDuplicateKey)
		}
	}
	return nil
}
