package sqlite

import (
	"testing"
)

// NewSQLiteTest opens an in-memory driver closed at test cleanup.
func NewSQLiteTest(t *testing.T) *Driver {
	t.Helper()
	d, err := OpenInMemory()
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}
