// Package remote fronts the storage contract over HTTP. Reads go to the
// server; writes are buffered in the transaction and sent as one batch on
// commit, guarded by preconditions on everything the transaction observed.
// A batch whose preconditions no longer hold fails with core.ErrConflict
// and nothing is applied.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/http"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mistakeknot/interlease/internal/core"
	"github.com/mistakeknot/interlease/internal/storage"
)

const scanPageSize = 128

// Store is a storage.Store backed by a remote interlease server.
type Store struct {
	baseURL string
	http    *http.Client
	apiKey  string
	userID  string

	catalog storage.Catalog
	indexes map[string]map[string]storage.Index
	closed  atomic.Bool
}

var _ storage.Store = (*Store)(nil)

type Option func(*Store)

func WithAPIKey(key string) Option {
	return func(s *Store) {
		s.apiKey = strings.TrimSpace(key)
	}
}

// WithUserID sets the X-User-ID header used by servers on localhost.
func WithUserID(id string) Option {
	return func(s *Store) {
		s.userID = strings.TrimSpace(id)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(s *Store) {
		if httpClient != nil {
			s.http = httpClient
		}
	}
}

// New connects to the server at baseURL and loads its catalog.
func New(ctx context.Context, baseURL string, opts ...Option) (*Store, error) {
	s := &Store{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}
	var wc wireCatalog
	if err := s.call(ctx, http.MethodGet, pathCatalog, nil, &wc); err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	s.catalog = wc.catalog()
	s.indexes = make(map[string]map[string]storage.Index, len(s.catalog.Collections))
	for _, def := range s.catalog.Collections {
		byName := make(map[string]storage.Index, len(def.Indexes))
		for _, idx := range def.Indexes {
			byName[idx.Name] = idx.Index()
		}
		s.indexes[def.Name] = byName
	}
	return s, nil
}

func (s *Store) Catalog() storage.Catalog {
	return s.catalog
}

func (s *Store) Begin(ctx context.Context, mode storage.Mode) (storage.Tx, error) {
	if s.closed.Load() {
		return nil, storage.ErrClosed
	}
	return &tx{
		s:       s,
		mode:    mode,
		seen:    map[entryKey]seenEntry{},
		overlay: map[entryKey]storage.Record{},
	}, nil
}

func (s *Store) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *Store) call(ctx context.Context, method, path string, payload, out any) error {
	var body *bytes.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}
	if s.userID != "" {
		req.Header.Set("X-User-ID", s.userID)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", path, core.ErrStoreUnavailable)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var e errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if sentinel := errorFor(e.Code); sentinel != nil {
			return fmt.Errorf("%s: %w", e.Error, sentinel)
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("%s failed: %d: %w", path, resp.StatusCode, core.ErrStoreUnavailable)
		}
		return fmt.Errorf("%s failed: %d %s", path, resp.StatusCode, e.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type entryKey struct {
	collection string
	key        string
}

// seenEntry is the committed state of a key as first read by the tx. An
// empty digest means the key was absent.
type seenEntry struct {
	digest string
	rec    storage.Record
}

type tx struct {
	s    *Store
	mode storage.Mode
	done bool

	seen    map[entryKey]seenEntry
	queries []queryCheck
	// overlay holds buffered writes; a nil record is a delete.
	overlay map[entryKey]storage.Record
}

func (t *tx) Mode() storage.Mode {
	return t.mode
}

func (t *tx) Collection(name string) (storage.Collection, error) {
	def, ok := t.s.catalog.Collection(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrUnknownCollection, name)
	}
	return &collection{tx: t, def: def}, nil
}

func (t *tx) check(write bool) error {
	if t.done {
		return storage.ErrTxDone
	}
	if write && t.mode != storage.ReadWrite {
		return storage.ErrReadOnly
	}
	return nil
}

func (t *tx) Commit(ctx context.Context) error {
	if t.done {
		return storage.ErrTxDone
	}
	t.done = true
	if len(t.overlay) == 0 {
		return nil
	}
	req := commitRequest{Queries: t.queries}
	for k, e := range t.seen {
		req.Preconditions = append(req.Preconditions, precondition{Collection: k.collection, Key: k.key, Digest: e.digest})
	}
	var deletes, updates, creates []op
	for k, rec := range t.overlay {
		existed := t.seen[k].digest != ""
		switch {
		case rec == nil && existed:
			deletes = append(deletes, op{Kind: opDelete, Collection: k.collection, Key: k.key})
		case rec == nil:
		case existed:
			updates = append(updates, op{Kind: opUpdate, Collection: k.collection, Key: k.key, Record: rec})
		default:
			creates = append(creates, op{Kind: opCreate, Collection: k.collection, Key: k.key, Record: rec})
		}
	}
	// Deletes and updates first so unique values they free are available to creates.
	for _, batch := range [][]op{deletes, updates, creates} {
		slices.SortFunc(batch, func(a, b op) int { return strings.Compare(a.Collection+"\x00"+a.Key, b.Collection+"\x00"+b.Key) })
		req.Ops = append(req.Ops, batch...)
	}
	if len(req.Ops) == 0 {
		return nil
	}
	if err := t.s.call(ctx, http.MethodPost, pathCommit, req, nil); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (t *tx) Rollback(ctx context.Context) error {
	t.done = true
	return nil
}

// get returns the record as this tx sees it: buffered writes first, then the
// committed state first observed from the server.
func (t *tx) get(ctx context.Context, collection, key string) (storage.Record, bool, error) {
	k := entryKey{collection, key}
	if rec, ok := t.overlay[k]; ok {
		return rec, rec != nil, nil
	}
	if e, ok := t.seen[k]; ok {
		return e.rec, e.digest != "", nil
	}
	var resp readResponse
	if err := t.s.call(ctx, http.MethodPost, pathRead, readRequest{Collection: collection, Key: key}, &resp); err != nil {
		return nil, false, err
	}
	if !resp.Found || resp.Entry == nil {
		t.seen[k] = seenEntry{}
		return nil, false, nil
	}
	t.seen[k] = seenEntry{digest: resp.Entry.Digest, rec: resp.Entry.Record}
	return resp.Entry.Record, true, nil
}

func (t *tx) observe(collection string, e entry) storage.Record {
	k := entryKey{collection, e.Key}
	if prev, ok := t.seen[k]; ok {
		return prev.rec
	}
	t.seen[k] = seenEntry{digest: e.Digest, rec: e.Record}
	return e.Record
}

type collection struct {
	tx  *tx
	def storage.CollectionDef
}

func (c *collection) Name() string {
	return c.def.Name
}

func (c *collection) Create(ctx context.Context, rec storage.Record) (storage.Record, error) {
	if err := c.tx.check(true); err != nil {
		return nil, err
	}
	norm, key, err := c.normalize(rec)
	if err != nil {
		return nil, err
	}
	_, exists, err := c.tx.get(ctx, c.def.Name, key)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%s %q: %w", c.def.Name, key, core.ErrDuplicateKey)
	}
	if err := c.checkUnique(ctx, key, norm); err != nil {
		return nil, err
	}
	c.tx.overlay[entryKey{c.def.Name, key}] = norm
	return norm.Clone(), nil
}

func (c *collection) Read(ctx context.Context, key string) (storage.Record, error) {
	if err := c.tx.check(false); err != nil {
		return nil, err
	}
	rec, ok, err := c.tx.get(ctx, c.def.Name, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%s %q: %w", c.def.Name, key, core.ErrNotFound)
	}
	return rec.Clone(), nil
}

func (c *collection) Update(ctx context.Context, rec storage.Record) (storage.Record, error) {
	if err := c.tx.check(true); err != nil {
		return nil, err
	}
	norm, key, err := c.normalize(rec)
	if err != nil {
		return nil, err
	}
	_, exists, err := c.tx.get(ctx, c.def.Name, key)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%s %q: %w", c.def.Name, key, core.ErrNotFound)
	}
	if err := c.checkUnique(ctx, key, norm); err != nil {
		return nil, err
	}
	c.tx.overlay[entryKey{c.def.Name, key}] = norm
	return norm.Clone(), nil
}

func (c *collection) Delete(ctx context.Context, key string) error {
	if err := c.tx.check(true); err != nil {
		return err
	}
	_, exists, err := c.tx.get(ctx, c.def.Name, key)
	if err != nil {
		return err
	}
	if exists {
		c.tx.overlay[entryKey{c.def.Name, key}] = nil
	}
	return nil
}

func (c *collection) ScanAll(ctx context.Context) iter.Seq2[storage.Record, error] {
	return func(yield func(storage.Record, error) bool) {
		if err := c.tx.check(false); err != nil {
			yield(nil, err)
			return
		}
		yielded := map[string]bool{}
		after := ""
		for {
			var resp entriesResponse
			err := c.tx.s.call(ctx, http.MethodPost, pathScan, scanRequest{Collection: c.def.Name, After: after, Limit: scanPageSize}, &resp)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, e := range resp.Entries {
				rec := c.tx.observe(c.def.Name, e)
				if buffered, ok := c.tx.overlay[entryKey{c.def.Name, e.Key}]; ok {
					rec = buffered
				}
				yielded[e.Key] = true
				if rec == nil {
					continue
				}
				if !yield(rec.Clone(), nil) {
					return
				}
			}
			if len(resp.Entries) < scanPageSize {
				break
			}
			after = resp.Entries[len(resp.Entries)-1].Key
		}
		for _, k := range c.overlayKeys() {
			rec := c.tx.overlay[entryKey{c.def.Name, k}]
			if yielded[k] || rec == nil {
				continue
			}
			if !yield(rec.Clone(), nil) {
				return
			}
		}
	}
}

func (c *collection) QueryByIndex(ctx context.Context, index string, value any) ([]storage.Record, error) {
	if err := c.tx.check(false); err != nil {
		return nil, err
	}
	idx, ok := c.tx.s.indexes[c.def.Name][index]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", storage.ErrUnknownIndex, c.def.Name, index)
	}
	want, err := idx.KeyFor(value)
	if err != nil {
		return nil, fmt.Errorf("query %s.%s: %w", c.def.Name, index, err)
	}
	var resp entriesResponse
	if err := c.tx.s.call(ctx, http.MethodPost, pathQuery, queryRequest{Collection: c.def.Name, Index: index, Value: value}, &resp); err != nil {
		return nil, err
	}
	check := queryCheck{Collection: c.def.Name, Index: index, Value: value, Digests: make(map[string]string, len(resp.Entries))}
	matched := map[string]storage.Record{}
	for _, e := range resp.Entries {
		check.Digests[e.Key] = e.Digest
		matched[e.Key] = c.tx.observe(c.def.Name, e)
	}
	c.tx.queries = append(c.tx.queries, check)

	for _, k := range c.overlayKeys() {
		rec := c.tx.overlay[entryKey{c.def.Name, k}]
		delete(matched, k)
		if rec == nil {
			continue
		}
		if got, ok := idx.KeyOf(rec); ok && got == want {
			matched[k] = rec
		}
	}
	keys := make([]string, 0, len(matched))
	for k := range matched {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	out := make([]storage.Record, 0, len(keys))
	for _, k := range keys {
		out = append(out, matched[k].Clone())
	}
	return out, nil
}

func (c *collection) Count(ctx context.Context) (int, error) {
	if err := c.tx.check(false); err != nil {
		return 0, err
	}
	var resp countResponse
	if err := c.tx.s.call(ctx, http.MethodPost, pathCount, countRequest{Collection: c.def.Name}, &resp); err != nil {
		return 0, err
	}
	n := resp.Count
	for _, k := range c.overlayKeys() {
		ek := entryKey{c.def.Name, k}
		existed := c.tx.seen[ek].digest != ""
		exists := c.tx.overlay[ek] != nil
		switch {
		case exists && !existed:
			n++
		case !exists && existed:
			n--
		}
	}
	return n, nil
}

func (c *collection) normalize(rec storage.Record) (storage.Record, string, error) {
	norm, err := storage.Normalize(rec)
	if err != nil {
		return nil, "", err
	}
	key, err := storage.KeyOf(norm, c.def.PrimaryKey)
	if err != nil {
		return nil, "", err
	}
	return norm, key, nil
}

func (c *collection) checkUnique(ctx context.Context, key string, rec storage.Record) error {
	for _, def := range c.def.Indexes {
		if !def.Unique {
			continue
		}
		value, ok := indexValue(def, rec)
		if !ok {
			continue
		}
		holders, err := c.QueryByIndex(ctx, def.Name, value)
		if err != nil {
			return err
		}
		for _, h := range holders {
			if other, _ := storage.KeyOf(h, c.def.PrimaryKey); other != key {
				return fmt.Errorf("%s.%s value held by %q: %w", c.def.Name, def.Name, other, core.ErrDuplicateKey)
			}
		}
	}
	return nil
}

func (c *collection) overlayKeys() []string {
	var keys []string
	for k := range c.tx.overlay {
		if k.collection == c.def.Name {
			keys = append(keys, k.key)
		}
	}
	slices.Sort(keys)
	return keys
}

// indexValue is the query value that finds rec through def.
func indexValue(def storage.IndexDef, rec storage.Record) (any, bool) {
	values := make([]any, len(def.Fields))
	for i, f := range def.Fields {
		v, ok := rec[f]
		if !ok || v == nil {
			return nil, false
		}
		values[i] = v
	}
	if len(values) == 1 {
		return values[0], true
	}
	return values, true
}

func sortEntries(entries []entry) []entry {
	slices.SortFunc(entries, func(a, b entry) int { return strings.Compare(a.Key, b.Key) })
	return entries
}
