package storage

import (
	"encoding/json"
	"fmt"
	"reflect"
	"slices"
)

// IndexDef declares a secondary index of a collection.
type IndexDef struct {
	Name   string   `json:"name"`
	Fields []string `json:"fields"`
	Unique bool     `json:"unique,omitempty"`
}

// SimpleIndex indexes a single field.
func SimpleIndex(name, field string) IndexDef {
	return IndexDef{Name: name, Fields: []string{field}}
}

// CompositeIndex indexes the ordered tuple of fields.
func CompositeIndex(name string, fields ...string) IndexDef {
	return IndexDef{Name: name, Fields: slices.Clone(fields)}
}

// AsUnique returns a copy of d that rejects duplicate values.
func (d IndexDef) AsUnique() IndexDef {
	d.Fields = slices.Clone(d.Fields)
	d.Unique = true
	return d
}

func (d IndexDef) Equal(o IndexDef) bool {
	return d.Name == o.Name && d.Unique == o.Unique && slices.Equal(d.Fields, o.Fields)
}

// Index returns the lookup implementation for the definition.
func (d IndexDef) Index() Index {
	if len(d.Fields) == 1 {
		return simpleIndex{def: d}
	}
	return compositeIndex{def: d}
}

// Index maps records to index keys. Keys are canonical JSON, so a value
// compares equal to the same value after a trip through the record codec.
type Index interface {
	Name() string
	Fields() []string
	Unique() bool
	// KeyOf returns the key rec contributes, or false when rec lacks an
	// indexed field and is therefore absent from the index.
	KeyOf(rec Record) (string, bool)
	// KeyFor converts a query value into a key.
	KeyFor(value any) (string, error)
}

type simpleIndex struct {
	def IndexDef
}

func (i simpleIndex) Name() string     { return i.def.Name }
func (i simpleIndex) Fields() []string { return slices.Clone(i.def.Fields) }
func (i simpleIndex) Unique() bool     { return i.def.Unique }

func (i simpleIndex) KeyOf(rec Record) (string, bool) {
	v, ok := rec[i.def.Fields[0]]
	if !ok || v == nil {
		return "", false
	}
	key, err := canonical(v)
	if err != nil {
		return "", false
	}
	return key, true
}

func (i simpleIndex) KeyFor(value any) (string, error) {
	if value == nil {
		return "", fmt.Errorf("index %s: nil value", i.def.Name)
	}
	return canonical(value)
}

type compositeIndex struct {
	def IndexDef
}

func (i compositeIndex) Name() string     { return i.def.Name }
func (i compositeIndex) Fields() []string { return slices.Clone(i.def.Fields) }
func (i compositeIndex) Unique() bool     { return i.def.Unique }

func (i compositeIndex) KeyOf(rec Record) (string, bool) {
	tuple := make([]any, len(i.def.Fields))
	for n, field := range i.def.Fields {
		v, ok := rec[field]
		if !ok || v == nil {
			return "", false
		}
		tuple[n] = v
	}
	key, err := canonical(tuple)
	if err != nil {
		return "", false
	}
	return key, true
}

func (i compositeIndex) KeyFor(value any) (string, error) {
	rv := reflect.ValueOf(value)
	if value == nil || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return "", fmt.Errorf("index %s: expected a tuple of %d values, got %T", i.def.Name, len(i.def.Fields), value)
	}
	if rv.Len() != len(i.def.Fields) {
		return "", fmt.Errorf("index %s: expected %d values, got %d", i.def.Name, len(i.def.Fields), rv.Len())
	}
	tuple := make([]any, rv.Len())
	for n := range tuple {
		tuple[n] = rv.Index(n).Interface()
		if tuple[n] == nil {
			return "", fmt.Errorf("index %s: nil value for %s", i.def.Name, i.def.Fields[n])
		}
	}
	return canonical(tuple)
}

// canonical renders v the way the record codec would store it.
func canonical(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	var norm any
	if err := json.Unmarshal(data, &norm); err != nil {
		return "", err
	}
	data, err = json.Marshal(norm)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
