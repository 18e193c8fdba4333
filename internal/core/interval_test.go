package core

import (
	"encoding/json"
	"testing"
	"time"
)

func TestIntervalOverlaps(t *testing.T) {
	base := MustInterval("2025-01-10", "2025-01-15")
	tests := []struct {
		start, end string
		overlap    bool
	}{
		{"2025-01-12", "2025-01-13", true},
		{"2025-01-01", "2025-01-10", true}, // shares the start day
		{"2025-01-15", "2025-01-20", true}, // shares the end day
		{"2025-01-16", "2025-01-20", false},
		{"2025-01-01", "2025-01-09", false},
		{"2025-01-01", "2025-01-31", true},
	}
	for _, tt := range tests {
		other := MustInterval(tt.start, tt.end)
		if got := base.Overlaps(other); got != tt.overlap {
			t.Errorf("%s overlaps %s = %v, want %v", base, other, got, tt.overlap)
		}
		if got := other.Overlaps(base); got != tt.overlap {
			t.Errorf("overlap is not symmetric for %s and %s", base, other)
		}
	}
}

func TestIntervalDays(t *testing.T) {
	if d := MustInterval("2025-01-10", "2025-01-10").Days(); d != 1 {
		t.Fatalf("expected 1 day, got %d", d)
	}
	if d := MustInterval("2025-01-01", "2025-03-31").Days(); d != 90 {
		t.Fatalf("expected 90 days, got %d", d)
	}
}

func TestDateOfStripsTimeOfDay(t *testing.T) {
	loc := time.FixedZone("UTC+9", 9*3600)
	// 20:00 UTC on the 10th is already the 11th at UTC+9.
	ts := time.Date(2025, 1, 10, 20, 0, 0, 0, time.UTC)
	if got := DateOf(ts, nil).Format(DateLayout); got != "2025-01-10" {
		t.Fatalf("utc date: got %s", got)
	}
	if got := DateOf(ts, loc).Format(DateLayout); got != "2025-01-11" {
		t.Fatalf("local date: got %s", got)
	}
}

func TestIntervalCivil(t *testing.T) {
	iv := Interval{
		Start: time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC),
		End:   time.Date(2025, 1, 16, 23, 59, 0, 0, time.UTC),
	}.Civil()
	want := MustInterval("2025-01-15", "2025-01-16")
	if !iv.Start.Equal(want.Start) || !iv.End.Equal(want.End) {
		t.Fatalf("got %s, want %s", iv, want)
	}
	if !want.Overlaps(Interval{Start: time.Date(2025, 1, 16, 8, 0, 0, 0, time.UTC), End: time.Date(2025, 1, 17, 8, 0, 0, 0, time.UTC)}.Civil()) {
		t.Fatal("civil intervals sharing a day must overlap")
	}
	if z := (Interval{}).Civil(); !z.Start.IsZero() || !z.End.IsZero() {
		t.Fatalf("zero interval changed: %+v", z)
	}
}

func TestIntervalJSON(t *testing.T) {
	iv := MustInterval("2025-02-01", "2025-02-05")
	data, err := json.Marshal(iv)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"start":"2025-02-01","end":"2025-02-05"}` {
		t.Fatalf("unexpected json: %s", data)
	}
	var back Interval
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !back.Start.Equal(iv.Start) || !back.End.Equal(iv.End) {
		t.Fatalf("round trip mismatch: %s vs %s", back, iv)
	}
	if err := json.Unmarshal([]byte(`{"start":"2025-13-01","end":"2025-02-05"}`), &back); err == nil {
		t.Fatal("expected error for invalid month")
	}
}
