package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mistakeknot/interlease/internal/core"
	"github.com/mistakeknot/interlease/internal/metrics"
)

// State is the lifecycle of a store being opened.
type State int

const (
	NotOpened State = iota
	UpgradeNeeded
	Migrating
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case NotOpened:
		return "not_opened"
	case UpgradeNeeded:
		return "upgrade_needed"
	case Migrating:
		return "migrating"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Migrator brings a driver's persisted layout up to a catalog version.
type Migrator struct {
	drv     Driver
	catalog Catalog
	log     *slog.Logger

	mu    sync.Mutex
	state State
}

func NewMigrator(drv Driver, catalog Catalog, log *slog.Logger) *Migrator {
	if log == nil {
		log = slog.Default()
	}
	return &Migrator{drv: drv, catalog: catalog, log: log.With("catalog", catalog.Name)}
}

func (m *Migrator) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Migrator) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Run checks the persisted version and migrates when it is behind. On
// failure nothing is persisted and a *core.MigrationFailedError is returned.
func (m *Migrator) Run(ctx context.Context) error {
	to := m.catalog.Version
	if err := m.catalog.Validate(); err != nil {
		return m.fail(0, "invalid catalog", err)
	}

	current, err := m.persisted(ctx)
	if err != nil {
		return m.fail(0, "read schema version", err)
	}
	switch {
	case current.Version == to:
		m.setState(Ready)
		return nil
	case current.Version > to:
		return m.fail(current.Version, "persisted version is newer than code", nil)
	}

	m.setState(UpgradeNeeded)
	m.log.Info("schema upgrade needed", "from", current.Version, "to", to)

	start := time.Now()
	m.setState(Migrating)
	records, from, err := m.migrate(ctx)
	metrics.MigrationDone(start, records, err)
	if err != nil {
		var mf *core.MigrationFailedError
		if errors.As(err, &mf) {
			m.setState(Failed)
			m.log.Error("schema migration failed", "from", mf.From, "to", to, "reason", mf.Reason, "error", mf.Err)
			return err
		}
		return m.fail(from, "migrate", err)
	}
	m.setState(Ready)
	m.log.Info("schema migrated", "from", from, "to", to, "records", records, "duration", time.Since(start))
	return nil
}

func (m *Migrator) persisted(ctx context.Context) (Meta, error) {
	tx, err := m.drv.Begin(ctx, false)
	if err != nil {
		return Meta{}, err
	}
	defer tx.Rollback()
	return tx.Meta(ctx)
}

func (m *Migrator) fail(from int, reason string, err error) error {
	m.setState(Failed)
	m.log.Error("schema migration failed", "from", from, "to", m.catalog.Version, "reason", reason, "error", err)
	return &core.MigrationFailedError{From: from, To: m.catalog.Version, Reason: reason, Err: err}
}

func (m *Migrator) migrate(ctx context.Context) (int, int, error) {
	tx, err := m.drv.Begin(ctx, true)
	if err != nil {
		return 0, 0, err
	}
	defer tx.Rollback()

	// Re-read under the write lock; another opener may have migrated already.
	meta, err := tx.Meta(ctx)
	if err != nil {
		return 0, 0, err
	}
	from := meta.Version
	if from == m.catalog.Version {
		return 0, from, nil
	}
	if from > m.catalog.Version {
		return 0, from, &core.MigrationFailedError{From: from, To: m.catalog.Version, Reason: "persisted version is newer than code"}
	}
	for name := range meta.Collections {
		if _, ok := m.catalog.Collection(name); !ok {
			return 0, from, &core.MigrationFailedError{
				From: from, To: m.catalog.Version,
				Reason: fmt.Sprintf("collection %q is persisted but not declared", name),
			}
		}
	}

	total := 0
	for _, def := range m.catalog.Collections {
		old, existed := meta.Collections[def.Name]
		if !existed || old.sameLayout(def) {
			continue
		}
		var n int
		if old.PrimaryKey == def.PrimaryKey {
			n, err = m.reindex(ctx, tx, def, old)
		} else {
			n, err = m.rebuild(ctx, tx, def)
		}
		if err != nil {
			return 0, from, &core.MigrationFailedError{
				From: from, To: m.catalog.Version,
				Reason: "collection " + def.Name, Err: err,
			}
		}
		m.log.Info("collection migrated", "collection", def.Name, "records", n)
		total += n
	}

	if err := tx.SetMeta(ctx, m.catalog.Meta()); err != nil {
		return 0, from, err
	}
	if err := tx.Commit(); err != nil {
		return 0, from, err
	}
	return total, from, nil
}

// reindex drops indexes that went away or changed and builds the new ones.
// Records and untouched indexes stay in place.
func (m *Migrator) reindex(ctx context.Context, tx DriverTx, def CollectionDef, old CollectionMeta) (int, error) {
	for _, idx := range old.Indexes {
		if !containsIndex(def.Indexes, idx) {
			if err := tx.DropIndex(ctx, def.Name, idx.Name); err != nil {
				return 0, fmt.Errorf("drop index %s: %w", idx.Name, err)
			}
		}
	}
	var added []Index
	for _, idx := range def.Indexes {
		if !containsIndex(old.Indexes, idx) {
			added = append(added, idx.Index())
		}
	}
	if len(added) == 0 {
		return 0, nil
	}
	snapshot, err := snapshot(ctx, tx, def.Name)
	if err != nil {
		return 0, err
	}
	for _, e := range snapshot {
		for _, idx := range added {
			if err := checkUnique(ctx, tx, def.Name, idx, e.Key, e.Record); err != nil {
				return 0, err
			}
			if err := addIndexEntry(ctx, tx, def.Name, idx, e.Key, e.Record); err != nil {
				return 0, err
			}
		}
	}
	return len(snapshot), nil
}

// rebuild re-keys a collection whose primary key field changed.
func (m *Migrator) rebuild(ctx context.Context, tx DriverTx, def CollectionDef) (int, error) {
	snapshot, err := snapshot(ctx, tx, def.Name)
	if err != nil {
		return 0, err
	}
	if err := tx.DropCollection(ctx, def.Name); err != nil {
		return 0, fmt.Errorf("drop collection: %w", err)
	}
	indexes := buildIndexes(def)
	for _, e := range snapshot {
		key, err := KeyOf(e.Record, def.PrimaryKey)
		if err != nil {
			return 0, fmt.Errorf("record %q: %w", e.Key, err)
		}
		if err := insertRecord(ctx, tx, def.Name, indexes, key, e.Record); err != nil {
			return 0, err
		}
	}
	n, err := tx.Count(ctx, def.Name)
	if err != nil {
		return 0, err
	}
	if n != len(snapshot) {
		return 0, fmt.Errorf("record count mismatch: had %d, rebuilt %d", len(snapshot), n)
	}
	return n, nil
}

func snapshot(ctx context.Context, tx DriverTx, collection string) ([]Entry, error) {
	var out []Entry
	after := ""
	for {
		page, err := tx.Scan(ctx, collection, after, scanPageSize)
		if err != nil {
			return nil, fmt.Errorf("snapshot %s: %w", collection, err)
		}
		out = append(out, page...)
		if len(page) < scanPageSize {
			return out, nil
		}
		after = page[len(page)-1].Key
	}
}
