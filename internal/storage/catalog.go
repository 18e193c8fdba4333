package storage

import (
	"fmt"
	"slices"
)

// CollectionDef declares a collection: its primary-key field and indexes.
type CollectionDef struct {
	Name       string
	PrimaryKey string
	Indexes    []IndexDef
}

// Index looks up an index definition by name.
func (d CollectionDef) Index(name string) (IndexDef, bool) {
	for _, idx := range d.Indexes {
		if idx.Name == name {
			return idx, true
		}
	}
	return IndexDef{}, false
}

// Catalog is the code-side schema of one logical database at one version.
// Versions start at 1; a database that was never migrated is at version 0.
type Catalog struct {
	Name        string
	Version     int
	Collections []CollectionDef
}

func (c Catalog) Collection(name string) (CollectionDef, bool) {
	for _, def := range c.Collections {
		if def.Name == name {
			return def, true
		}
	}
	return CollectionDef{}, false
}

// Names lists the declared collections in declaration order.
func (c Catalog) Names() []string {
	out := make([]string, 0, len(c.Collections))
	for _, def := range c.Collections {
		out = append(out, def.Name)
	}
	return out
}

func (c Catalog) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("catalog name required")
	}
	if c.Version < 1 {
		return fmt.Errorf("catalog %s: version must be >= 1, got %d", c.Name, c.Version)
	}
	seen := make(map[string]bool, len(c.Collections))
	for _, def := range c.Collections {
		if def.Name == "" {
			return fmt.Errorf("catalog %s: collection name required", c.Name)
		}
		if seen[def.Name] {
			return fmt.Errorf("catalog %s: duplicate collection %q", c.Name, def.Name)
		}
		seen[def.Name] = true
		if def.PrimaryKey == "" {
			return fmt.Errorf("collection %s: primary key field required", def.Name)
		}
		indexes := make(map[string]bool, len(def.Indexes))
		for _, idx := range def.Indexes {
			if idx.Name == "" || len(idx.Fields) == 0 {
				return fmt.Errorf("collection %s: index needs a name and at least one field", def.Name)
			}
			if indexes[idx.Name] {
				return fmt.Errorf("collection %s: duplicate index %q", def.Name, idx.Name)
			}
			if slices.Contains(idx.Fields, "") {
				return fmt.Errorf("collection %s: index %s has an empty field", def.Name, idx.Name)
			}
			indexes[idx.Name] = true
		}
	}
	return nil
}

// Meta is the layout persisted next to the data.
type Meta struct {
	Version     int                       `json:"version"`
	Collections map[string]CollectionMeta `json:"collections"`
}

type CollectionMeta struct {
	PrimaryKey string     `json:"primary_key"`
	Indexes    []IndexDef `json:"indexes"`
}

func (m CollectionMeta) sameLayout(def CollectionDef) bool {
	return m.PrimaryKey == def.PrimaryKey && sameIndexes(m.Indexes, def.Indexes)
}

func sameIndexes(a, b []IndexDef) bool {
	if len(a) != len(b) {
		return false
	}
	for _, idx := range a {
		if !containsIndex(b, idx) {
			return false
		}
	}
	return true
}

func containsIndex(defs []IndexDef, idx IndexDef) bool {
	return slices.ContainsFunc(defs, idx.Equal)
}

// Meta is the persisted form of the catalog.
func (c Catalog) Meta() Meta {
	m := Meta{Version: c.Version, Collections: make(map[string]CollectionMeta, len(c.Collections))}
	for _, def := range c.Collections {
		indexes := make([]IndexDef, 0, len(def.Indexes))
		for _, idx := range def.Indexes {
			idx.Fields = slices.Clone(idx.Fields)
			indexes = append(indexes, idx)
		}
		m.Collections[def.Name] = CollectionMeta{PrimaryKey: def.PrimaryKey, Indexes: indexes}
	}
	return m
}

// Clone deep-copies the meta.
func (m Meta) Clone() Meta {
	out := Meta{Version: m.Version, Collections: make(map[string]CollectionMeta, len(m.Collections))}
	for name, cm := range m.Collections {
		indexes := make([]IndexDef, 0, len(cm.Indexes))
		for _, idx := range cm.Indexes {
			idx.Fields = slices.Clone(idx.Fields)
			indexes = append(indexes, idx)
		}
		out.Collections[name] = CollectionMeta{PrimaryKey: cm.PrimaryKey, Indexes: indexes}
	}
	return out
}
