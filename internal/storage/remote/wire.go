package remote

import (
	"errors"
	"net/http"

	"github.com/mistakeknot/interlease/internal/core"
	"github.com/mistakeknot/interlease/internal/storage"
)

const (
	pathCatalog = "/api/store/catalog"
	pathRead    = "/api/store/read"
	pathScan    = "/api/store/scan"
	pathQuery   = "/api/store/query"
	pathCount   = "/api/store/count"
	pathCommit  = "/api/store/commit"

	maxScanLimit = 1000
)

type wireCatalog struct {
	Name        string           `json:"name"`
	Version     int              `json:"version"`
	Collections []wireCollection `json:"collections"`
}

type wireCollection struct {
	Name       string             `json:"name"`
	PrimaryKey string             `json:"primary_key"`
	Indexes    []storage.IndexDef `json:"indexes"`
}

func toWireCatalog(c storage.Catalog) wireCatalog {
	out := wireCatalog{Name: c.Name, Version: c.Version}
	for _, def := range c.Collections {
		out.Collections = append(out.Collections, wireCollection{Name: def.Name, PrimaryKey: def.PrimaryKey, Indexes: def.Indexes})
	}
	return out
}

func (w wireCatalog) catalog() storage.Catalog {
	out := storage.Catalog{Name: w.Name, Version: w.Version}
	for _, def := range w.Collections {
		out.Collections = append(out.Collections, storage.CollectionDef{Name: def.Name, PrimaryKey: def.PrimaryKey, Indexes: def.Indexes})
	}
	return out
}

// entry is a record as the server saw it, with the digest preconditions
// are checked against.
type entry struct {
	Key    string         `json:"key"`
	Record storage.Record `json:"record"`
	Digest string         `json:"digest"`
}

type readRequest struct {
	Collection string `json:"collection"`
	Key        string `json:"key"`
}

type readResponse struct {
	Found bool   `json:"found"`
	Entry *entry `json:"entry,omitempty"`
}

type scanRequest struct {
	Collection string `json:"collection"`
	After      string `json:"after"`
	Limit      int    `json:"limit"`
}

type queryRequest struct {
	Collection string `json:"collection"`
	Index      string `json:"index"`
	Value      any    `json:"value"`
}

type entriesResponse struct {
	Entries []entry `json:"entries"`
}

type countRequest struct {
	Collection string `json:"collection"`
}

type countResponse struct {
	Count int `json:"count"`
}

// precondition asserts the committed state of one key. An empty Digest
// asserts the key is absent.
type precondition struct {
	Collection string `json:"collection"`
	Key        string `json:"key"`
	Digest     string `json:"digest,omitempty"`
}

// queryCheck asserts that an index lookup still returns exactly the same
// records, so concurrent inserts that would have matched are detected.
type queryCheck struct {
	Collection string            `json:"collection"`
	Index      string            `json:"index"`
	Value      any               `json:"value"`
	Digests    map[string]string `json:"digests"`
}

const (
	opCreate = "create"
	opUpdate = "update"
	opDelete = "delete"
)

type op struct {
	Kind       string         `json:"kind"`
	Collection string         `json:"collection"`
	Key        string         `json:"key"`
	Record     storage.Record `json:"record,omitempty"`
}

type commitRequest struct {
	Preconditions []precondition `json:"preconditions"`
	Queries       []queryCheck   `json:"queries,omitempty"`
	Ops           []op           `json:"ops"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errorCodes = []struct {
	code   string
	err    error
	status int
}{
	{"not_found", core.ErrNotFound, http.StatusNotFound},
	{"duplicate_key", core.ErrDuplicateKey, http.StatusConflict},
	{"conflict", core.ErrConflict, http.StatusConflict},
	{"invalid_record", storage.ErrInvalidRecord, http.StatusUnprocessableEntity},
	{"unknown_collection", storage.ErrUnknownCollection, http.StatusNotFound},
	{"unknown_index", storage.ErrUnknownIndex, http.StatusNotFound},
	{"unavailable", core.ErrStoreUnavailable, http.StatusServiceUnavailable},
}

func codeFor(err error) (string, int) {
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code, c.status
		}
	}
	return "internal", http.StatusInternalServerError
}

func errorFor(code string) error {
	for _, c := range errorCodes {
		if c.code == code {
			return c.err
		}
	}
	return nil
}
