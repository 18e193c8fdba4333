package storage

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
)

// MemoryDriver keeps everything in process memory. Committed state is an
// immutable snapshot; a write transaction copies only the collections it
// touches and publishes the result atomically on commit.
type MemoryDriver struct {
	writer  chan struct{}
	current atomic.Pointer[memState]

	closeOnce sync.Once
	closed    atomic.Bool
}

type memState struct {
	meta  Meta
	colls map[string]*memColl
}

type memColl struct {
	records map[string]Record
	// index name -> value key -> primary keys
	indexes map[string]map[string]map[string]struct{}
}

func newMemColl() *memColl {
	return &memColl{records: map[string]Record{}, indexes: map[string]map[string]map[string]struct{}{}}
}

func (c *memColl) clone() *memColl {
	out := &memColl{records: maps.Clone(c.records), indexes: make(map[string]map[string]map[string]struct{}, len(c.indexes))}
	for name, values := range c.indexes {
		cv := make(map[string]map[string]struct{}, len(values))
		for v, keys := range values {
			cv[v] = maps.Clone(keys)
		}
		out.indexes[name] = cv
	}
	return out
}

func NewMemoryDriver() *MemoryDriver {
	d := &MemoryDriver{writer: make(chan struct{}, 1)}
	d.current.Store(&memState{meta: Meta{Collections: map[string]CollectionMeta{}}, colls: map[string]*memColl{}})
	return d
}

func (d *MemoryDriver) Begin(ctx context.Context, writable bool) (DriverTx, error) {
	if d.closed.Load() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	base := d.current.Load()
	if !writable {
		return &memTx{base: base}, nil
	}
	select {
	case d.writer <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	// Reload after acquiring the writer slot so we build on the latest commit.
	base = d.current.Load()
	return &memTx{d: d, base: base, writable: true, meta: base.meta.Clone(), dirty: map[string]*memColl{}}, nil
}

func (d *MemoryDriver) Close() error {
	d.closeOnce.Do(func() { d.closed.Store(true) })
	return nil
}

type memTx struct {
	d        *MemoryDriver
	base     *memState
	writable bool
	done     bool

	meta  Meta
	dirty map[string]*memColl
}

func (t *memTx) read(collection string) *memColl {
	if c, ok := t.dirty[collection]; ok {
		return c
	}
	if c, ok := t.base.colls[collection]; ok {
		return c
	}
	return nil
}

func (t *memTx) writeCheck() error {
	if t.done {
		return ErrTxDone
	}
	if !t.writable {
		return ErrReadOnly
	}
	return nil
}

func (t *memTx) write(collection string) (*memColl, error) {
	if err := t.writeCheck(); err != nil {
		return nil, err
	}
	if c, ok := t.dirty[collection]; ok {
		return c, nil
	}
	var c *memColl
	if base, ok := t.base.colls[collection]; ok {
		c = base.clone()
	} else {
		c = newMemColl()
	}
	t.dirty[collection] = c
	return c, nil
}

func (t *memTx) Meta(ctx context.Context) (Meta, error) {
	if t.writable {
		return t.meta.Clone(), nil
	}
	return t.base.meta.Clone(), nil
}

func (t *memTx) SetMeta(ctx context.Context, m Meta) error {
	if err := t.writeCheck(); err != nil {
		return err
	}
	t.meta = m.Clone()
	return nil
}

func (t *memTx) Get(ctx context.Context, collection, key string) (Record, bool, error) {
	c := t.read(collection)
	if c == nil {
		return nil, false, nil
	}
	rec, ok := c.records[key]
	if !ok {
		return nil, false, nil
	}
	return rec.Clone(), true, nil
}

func (t *memTx) Put(ctx context.Context, collection, key string, rec Record) error {
	c, err := t.write(collection)
	if err != nil {
		return err
	}
	c.records[key] = rec.Clone()
	return nil
}

func (t *memTx) Delete(ctx context.Context, collection, key string) error {
	c, err := t.write(collection)
	if err != nil {
		return err
	}
	delete(c.records, key)
	return nil
}

func (t *memTx) Scan(ctx context.Context, collection, after string, limit int) ([]Entry, error) {
	c := t.read(collection)
	if c == nil {
		return nil, nil
	}
	keys := make([]string, 0, len(c.records))
	for k := range c.records {
		if k > after {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	out := make([]Entry, 0, len(keys))
	for _, k := range keys {
		out = append(out, Entry{Key: k, Record: c.records[k].Clone()})
	}
	return out, nil
}

func (t *memTx) Count(ctx context.Context, collection string) (int, error) {
	c := t.read(collection)
	if c == nil {
		return 0, nil
	}
	return len(c.records), nil
}

func (t *memTx) AddIndexEntry(ctx context.Context, collection, index, value, key string) error {
	c, err := t.write(collection)
	if err != nil {
		return err
	}
	values, ok := c.indexes[index]
	if !ok {
		values = map[string]map[string]struct{}{}
		c.indexes[index] = values
	}
	keys, ok := values[value]
	if !ok {
		keys = map[string]struct{}{}
		values[value] = keys
	}
	keys[key] = struct{}{}
	return nil
}

func (t *memTx) RemoveIndexEntry(ctx context.Context, collection, index, value, key string) error {
	c, err := t.write(collection)
	if err != nil {
		return err
	}
	keys := c.indexes[index][value]
	delete(keys, key)
	if len(keys) == 0 {
		delete(c.indexes[index], value)
	}
	return nil
}

func (t *memTx) LookupIndex(ctx context.Context, collection, index, value string) ([]string, error) {
	c := t.read(collection)
	if c == nil {
		return nil, nil
	}
	keys := slices.Collect(maps.Keys(c.indexes[index][value]))
	sort.Strings(keys)
	return keys, nil
}

func (t *memTx) DropIndex(ctx context.Context, collection, index string) error {
	c, err := t.write(collection)
	if err != nil {
		return err
	}
	delete(c.indexes, index)
	return nil
}

func (t *memTx) DropCollection(ctx context.Context, collection string) error {
	if _, err := t.write(collection); err != nil {
		return err
	}
	t.dirty[collection] = newMemColl()
	return nil
}

func (t *memTx) Commit() error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	if !t.writable {
		return nil
	}
	defer func() { <-t.d.writer }()
	next := &memState{meta: t.meta, colls: maps.Clone(t.base.colls)}
	maps.Copy(next.colls, t.dirty)
	t.d.current.Store(next)
	return nil
}

func (t *memTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	if t.writable {
		<-t.d.writer
	}
	return nil
}
