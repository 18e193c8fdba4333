package remote

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/mistakeknot/interlease/internal/core"
	"github.com/mistakeknot/interlease/internal/metrics"
	"github.com/mistakeknot/interlease/internal/storage"
)

// Handler serves a local store under /api/store/ for remote clients.
type Handler struct {
	store storage.Store
	log   *slog.Logger
}

func NewHandler(store storage.Store, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{store: store, log: log}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == pathCatalog {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, toWireCatalog(h.store.Catalog()))
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	switch r.URL.Path {
	case pathRead:
		h.handleRead(w, r)
	case pathScan:
		h.handleScan(w, r)
	case pathQuery:
		h.handleQuery(w, r)
	case pathCount:
		h.handleCount(w, r)
	case pathCommit:
		h.handleCommit(w, r)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleRead(w http.ResponseWriter, r *http.Request) {
	var req readRequest
	if !decode(w, r, &req) {
		return
	}
	var resp readResponse
	err := storage.View(r.Context(), h.store, func(tx storage.Tx) error {
		c, err := tx.Collection(req.Collection)
		if err != nil {
			return err
		}
		rec, err := c.Read(r.Context(), req.Key)
		if errors.Is(err, core.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		resp = readResponse{Found: true, Entry: &entry{Key: req.Key, Record: rec, Digest: storage.Digest(rec)}}
		return nil
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Limit <= 0 || req.Limit > maxScanLimit {
		req.Limit = maxScanLimit
	}
	resp := entriesResponse{Entries: []entry{}}
	err := storage.View(r.Context(), h.store, func(tx storage.Tx) error {
		c, err := tx.Collection(req.Collection)
		if err != nil {
			return err
		}
		def, _ := h.store.Catalog().Collection(req.Collection)
		// ScanAll order is unspecified, so page by key over the full set.
		all, err := storage.Collect(c.ScanAll(r.Context()))
		if err != nil {
			return err
		}
		entries, err := entriesOf(def, all)
		if err != nil {
			return err
		}
		for _, e := range sortEntries(entries) {
			if e.Key <= req.After {
				continue
			}
			resp.Entries = append(resp.Entries, e)
			if len(resp.Entries) == req.Limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if !decode(w, r, &req) {
		return
	}
	var resp entriesResponse
	err := storage.View(r.Context(), h.store, func(tx storage.Tx) error {
		entries, err := h.query(r, tx, req.Collection, req.Index, req.Value)
		resp.Entries = entries
		return err
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) query(r *http.Request, tx storage.Tx, collection, index string, value any) ([]entry, error) {
	c, err := tx.Collection(collection)
	if err != nil {
		return nil, err
	}
	recs, err := c.QueryByIndex(r.Context(), index, value)
	if err != nil {
		return nil, err
	}
	def, _ := h.store.Catalog().Collection(collection)
	return entriesOf(def, recs)
}

func (h *Handler) handleCount(w http.ResponseWriter, r *http.Request) {
	var req countRequest
	if !decode(w, r, &req) {
		return
	}
	var resp countResponse
	err := storage.View(r.Context(), h.store, func(tx storage.Tx) error {
		c, err := tx.Collection(req.Collection)
		if err != nil {
			return err
		}
		resp.Count, err = c.Count(r.Context())
		return err
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCommit re-checks every precondition and applies the batch in one
// local write transaction.
func (h *Handler) handleCommit(w http.ResponseWriter, r *http.Request) {
	var req commitRequest
	if !decode(w, r, &req) {
		return
	}
	ctx := r.Context()
	err := storage.Update(ctx, h.store, func(tx storage.Tx) error {
		for _, p := range req.Preconditions {
			c, err := tx.Collection(p.Collection)
			if err != nil {
				return err
			}
			rec, err := c.Read(ctx, p.Key)
			switch {
			case errors.Is(err, core.ErrNotFound):
				if p.Digest != "" {
					return fmt.Errorf("%s %q was removed: %w", p.Collection, p.Key, core.ErrConflict)
				}
			case err != nil:
				return err
			case storage.Digest(rec) != p.Digest:
				return fmt.Errorf("%s %q changed: %w", p.Collection, p.Key, core.ErrConflict)
			}
		}
		for _, q := range req.Queries {
			entries, err := h.query(r, tx, q.Collection, q.Index, q.Value)
			if err != nil {
				return err
			}
			if !sameDigests(entries, q.Digests) {
				return fmt.Errorf("%s.%s result changed: %w", q.Collection, q.Index, core.ErrConflict)
			}
		}
		for _, o := range req.Ops {
			c, err := tx.Collection(o.Collection)
			if err != nil {
				return err
			}
			switch o.Kind {
			case opCreate:
				_, err = c.Create(ctx, o.Record)
			case opUpdate:
				_, err = c.Update(ctx, o.Record)
			case opDelete:
				err = c.Delete(ctx, o.Key)
			default:
				err = fmt.Errorf("unknown op %q", o.Kind)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		stale := errors.Is(err, core.ErrConflict)
		metrics.RemoteCommit(stale)
		if stale {
			h.log.Info("remote commit rejected", "reason", err.Error())
		}
		h.writeError(w, err)
		return
	}
	metrics.RemoteCommit(false)
	writeJSON(w, http.StatusOK, map[string]int{"applied": len(req.Ops)})
}

func sameDigests(entries []entry, want map[string]string) bool {
	if len(entries) != len(want) {
		return false
	}
	for _, e := range entries {
		if want[e.Key] != e.Digest {
			return false
		}
	}
	return true
}

func entriesOf(def storage.CollectionDef, recs []storage.Record) ([]entry, error) {
	out := make([]entry, 0, len(recs))
	for _, rec := range recs {
		key, err := storage.KeyOf(rec, def.PrimaryKey)
		if err != nil {
			return nil, err
		}
		out = append(out, entry{Key: key, Record: rec, Digest: storage.Digest(rec)})
	}
	return out, nil
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	code, status := codeFor(err)
	if status == http.StatusInternalServerError {
		h.log.Error("remote store request failed", "error", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: code})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Code: "bad_request"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
