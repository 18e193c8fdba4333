package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
)

// Record is a field -> value mapping. Stored records are JSON-shaped: numbers
// are float64, times are RFC 3339 strings, nested values are maps and slices.
type Record map[string]any

// Normalize converts v (a Record, map or struct) into its stored JSON shape.
func Normalize(v any) (Record, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	var out Record
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: not an object", ErrInvalidRecord)
	}
	if out == nil {
		return nil, fmt.Errorf("%w: null record", ErrInvalidRecord)
	}
	return out, nil
}

// Encode is Normalize for typed values.
func Encode(v any) (Record, error) {
	return Normalize(v)
}

// Decode fills out from rec using the JSON field names.
func Decode(rec Record, out any) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	return nil
}

// Clone deep-copies the record.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, vv := range x {
			out[k] = cloneValue(vv)
		}
		return out
	case Record:
		return x.Clone()
	case []any:
		out := make([]any, len(x))
		for i, vv := range x {
			out[i] = cloneValue(vv)
		}
		return out
	default:
		return v
	}
}

// Digest is a content hash of the record's canonical JSON form.
func Digest(rec Record) string {
	data, _ := json.Marshal(rec)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// KeyOf extracts the primary key of rec as a string.
func KeyOf(rec Record, field string) (string, error) {
	v, ok := rec[field]
	if !ok {
		return "", fmt.Errorf("%w: missing primary key field %q", ErrInvalidRecord, field)
	}
	key, err := keyString(v)
	if err != nil {
		return "", fmt.Errorf("%w: primary key %q: %v", ErrInvalidRecord, field, err)
	}
	return key, nil
}

func keyString(v any) (string, error) {
	switch x := v.(type) {
	case string:
		if x == "" {
			return "", fmt.Errorf("empty key")
		}
		return x, nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case json.Number:
		return x.String(), nil
	default:
		return "", fmt.Errorf("key must be a string or number, got %T", v)
	}
}
