package core

import (
	"encoding/json"
	"fmt"
	"time"
)

// DateLayout is the wire format of calendar dates.
const DateLayout = "2006-01-02"

const day = 24 * time.Hour

// Interval is a closed range of calendar days. Start and End are midnight UTC
// of their civil date.
type Interval struct {
	Start time.Time
	End   time.Time
}

// NewInterval parses two YYYY-MM-DD dates.
func NewInterval(start, end string) (Interval, error) {
	s, err := ParseDate(start)
	if err != nil {
		return Interval{}, fmt.Errorf("start: %w", err)
	}
	e, err := ParseDate(end)
	if err != nil {
		return Interval{}, fmt.Errorf("end: %w", err)
	}
	return Interval{Start: s, End: e}, nil
}

// MustInterval is NewInterval for literals in tests and fixtures.
func MustInterval(start, end string) Interval {
	iv, err := NewInterval(start, end)
	if err != nil {
		panic(err)
	}
	return iv
}

// ParseDate parses a YYYY-MM-DD date into midnight UTC.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q", s)
	}
	return t, nil
}

// DateOf strips the time of day from t as observed in loc and returns the
// civil date as midnight UTC. A nil loc means UTC.
func DateOf(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Civil returns iv with the time of day dropped from both endpoints, each
// read in its own location. Zero endpoints stay zero.
func (iv Interval) Civil() Interval {
	out := iv
	if !iv.Start.IsZero() {
		out.Start = DateOf(iv.Start, iv.Start.Location())
	}
	if !iv.End.IsZero() {
		out.End = DateOf(iv.End, iv.End.Location())
	}
	return out
}

// Days is the number of calendar days covered, counting both endpoints.
func (iv Interval) Days() int {
	return int(iv.End.Sub(iv.Start)/day) + 1
}

// Overlaps is the inclusive-endpoint test: [s1,e1] and [s2,e2] intersect iff
// s1 <= e2 and s2 <= e1.
func (iv Interval) Overlaps(o Interval) bool {
	return !iv.Start.After(o.End) && !o.Start.After(iv.End)
}

func (iv Interval) String() string {
	return fmt.Sprintf("[%s, %s]", iv.Start.Format(DateLayout), iv.End.Format(DateLayout))
}

type intervalJSON struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

func (iv Interval) MarshalJSON() ([]byte, error) {
	return json.Marshal(intervalJSON{
		Start: iv.Start.Format(DateLayout),
		End:   iv.End.Format(DateLayout),
	})
}

func (iv *Interval) UnmarshalJSON(data []byte) error {
	var raw intervalJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := NewInterval(raw.Start, raw.End)
	if err != nil {
		return err
	}
	*iv = parsed
	return nil
}
