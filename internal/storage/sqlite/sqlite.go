// Package sqlite is the SQLite-backed storage.Driver. Records are stored as
// JSON text keyed by (collection, key); index entries and the persisted
// layout live in their own tables.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mistakeknot/interlease/internal/storage"
)

//go:embed schema.sql
var schema string

const busyTimeoutMS = 5000

// Option configures a Driver.
type Option func(*Driver)

// WithLogger sets the logger used for slow-query reports.
func WithLogger(l *slog.Logger) Option {
	return func(d *Driver) {
		if l != nil {
			d.log = l
		}
	}
}

// Driver implements storage.Driver on a single SQLite connection, which
// serializes all transactions.
type Driver struct {
	db  *sql.DB
	log *slog.Logger
}

var _ storage.Driver = (*Driver)(nil)

// Open opens or creates the database file at path.
func Open(path string, opts ...Option) (*Driver, error) {
	if path == "" {
		return nil, fmt.Errorf("db path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)", path, busyTimeoutMS)
	return open(dsn, opts)
}

// OpenInMemory opens a private in-memory database.
func OpenInMemory(opts ...Option) (*Driver, error) {
	return open(":memory:", opts)
}

func open(dsn string, opts []Option) (*Driver, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One connection: SQLite has a single writer and ":memory:" is per connection.
	db.SetMaxOpenConns(1)
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, err
	}
	d := &Driver{db: db, log: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (d *Driver) Begin(ctx context.Context, writable bool) (storage.DriverTx, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	return &driverTx{q: &queryLogger{tx: tx, log: d.log}, tx: tx, writable: writable}, nil
}

func (d *Driver) Close() error {
	return d.db.Close()
}

type driverTx struct {
	q        *queryLogger
	tx       *sql.Tx
	writable bool
	done     bool
}

func (t *driverTx) check(write bool) error {
	if t.done {
		return storage.ErrTxDone
	}
	if write && !t.writable {
		return storage.ErrReadOnly
	}
	return nil
}

func (t *driverTx) Meta(ctx context.Context) (storage.Meta, error) {
	if err := t.check(false); err != nil {
		return storage.Meta{}, err
	}
	var (
		version int
		layout  string
	)
	err := t.q.QueryRowContext(ctx, `SELECT version, layout FROM store_meta WHERE id = 1`).Scan(&version, &layout)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Meta{Collections: map[string]storage.CollectionMeta{}}, nil
	}
	if err != nil {
		return storage.Meta{}, fmt.Errorf("read meta: %w", err)
	}
	m := storage.Meta{Version: version}
	if err := json.Unmarshal([]byte(layout), &m.Collections); err != nil {
		return storage.Meta{}, fmt.Errorf("decode meta: %w", err)
	}
	if m.Collections == nil {
		m.Collections = map[string]storage.CollectionMeta{}
	}
	return m, nil
}

func (t *driverTx) SetMeta(ctx context.Context, m storage.Meta) error {
	if err := t.check(true); err != nil {
		return err
	}
	layout, err := json.Marshal(m.Collections)
	if err != nil {
		return fmt.Errorf("encode meta: %w", err)
	}
	_, err = t.q.ExecContext(ctx,
		`INSERT INTO store_meta (id, version, layout, updated_at) VALUES (1, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET version=excluded.version, layout=excluded.layout, updated_at=excluded.updated_at`,
		m.Version, string(layout), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("write meta: %w", err)
	}
	return nil
}

func (t *driverTx) Get(ctx context.Context, collection, key string) (storage.Record, bool, error) {
	if err := t.check(false); err != nil {
		return nil, false, err
	}
	var body string
	err := t.q.QueryRowContext(ctx,
		`SELECT body FROM records WHERE collection = ? AND key = ?`, collection, key,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get record: %w", err)
	}
	rec, err := decode(body)
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

func (t *driverTx) Put(ctx context.Context, collection, key string, rec storage.Record) error {
	if err := t.check(true); err != nil {
		return err
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	_, err = t.q.ExecContext(ctx,
		`INSERT INTO records (collection, key, body) VALUES (?, ?, ?)
		 ON CONFLICT(collection, key) DO UPDATE SET body=excluded.body`,
		collection, key, string(body),
	)
	if err != nil {
		return fmt.Errorf("put record: %w", err)
	}
	return nil
}

func (t *driverTx) Delete(ctx context.Context, collection, key string) error {
	if err := t.check(true); err != nil {
		return err
	}
	if _, err := t.q.ExecContext(ctx, `DELETE FROM records WHERE collection = ? AND key = ?`, collection, key); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

func (t *driverTx) Scan(ctx context.Context, collection, after string, limit int) ([]storage.Entry, error) {
	if err := t.check(false); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := t.q.QueryContext(ctx,
		`SELECT key, body FROM records WHERE collection = ? AND key > ? ORDER BY key LIMIT ?`,
		collection, after, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("scan records: %w", err)
	}
	defer rows.Close()

	var out []storage.Entry
	for rows.Next() {
		var key, body string
		if err := rows.Scan(&key, &body); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec, err := decode(body)
		if err != nil {
			return nil, err
		}
		out = append(out, storage.Entry{Key: key, Record: rec})
	}
	return out, rows.Err()
}

func (t *driverTx) Count(ctx context.Context, collection string) (int, error) {
	if err := t.check(false); err != nil {
		return 0, err
	}
	var n int
	if err := t.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM records WHERE collection = ?`, collection).Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

func (t *driverTx) AddIndexEntry(ctx context.Context, collection, index, value, key string) error {
	if err := t.check(true); err != nil {
		return err
	}
	_, err := t.q.ExecContext(ctx,
		`INSERT OR IGNORE INTO index_entries (collection, index_name, value, key) VALUES (?, ?, ?, ?)`,
		collection, index, value, key,
	)
	if err != nil {
		return fmt.Errorf("add index entry: %w", err)
	}
	return nil
}

func (t *driverTx) RemoveIndexEntry(ctx context.Context, collection, index, value, key string) error {
	if err := t.check(true); err != nil {
		return err
	}
	_, err := t.q.ExecContext(ctx,
		`DELETE FROM index_entries WHERE collection = ? AND index_name = ? AND value = ? AND key = ?`,
		collection, index, value, key,
	)
	if err != nil {
		return fmt.Errorf("remove index entry: %w", err)
	}
	return nil
}

func (t *driverTx) LookupIndex(ctx context.Context, collection, index, value string) ([]string, error) {
	if err := t.check(false); err != nil {
		return nil, err
	}
	rows, err := t.q.QueryContext(ctx,
		`SELECT key FROM index_entries WHERE collection = ? AND index_name = ? AND value = ? ORDER BY key`,
		collection, index, value,
	)
	if err != nil {
		return nil, fmt.Errorf("lookup index: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan index entry: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (t *driverTx) DropIndex(ctx context.Context, collection, index string) error {
	if err := t.check(true); err != nil {
		return err
	}
	if _, err := t.q.ExecContext(ctx, `DELETE FROM index_entries WHERE collection = ? AND index_name = ?`, collection, index); err != nil {
		return fmt.Errorf("drop index: %w", err)
	}
	return nil
}

func (t *driverTx) DropCollection(ctx context.Context, collection string) error {
	if err := t.check(true); err != nil {
		return err
	}
	if _, err := t.q.ExecContext(ctx, `DELETE FROM index_entries WHERE collection = ?`, collection); err != nil {
		return fmt.Errorf("drop collection indexes: %w", err)
	}
	if _, err := t.q.ExecContext(ctx, `DELETE FROM records WHERE collection = ?`, collection); err != nil {
		return fmt.Errorf("drop collection: %w", err)
	}
	return nil
}

func (t *driverTx) Commit() error {
	if t.done {
		return storage.ErrTxDone
	}
	t.done = true
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (t *driverTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

func decode(body string) (storage.Record, error) {
	var rec storage.Record
	if err := json.Unmarshal([]byte(body), &rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return rec, nil
}
