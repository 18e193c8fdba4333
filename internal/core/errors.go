package core

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrDuplicateKey     = errors.New("duplicate key")
	ErrConflict         = errors.New("conflict")
	ErrForbidden        = errors.New("forbidden")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrMigrationFailed  = errors.New("migration failed")
)

// Violation is one failed validation rule.
type Violation struct {
	Field   string `json:"field"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// ValidationError carries every rule a request broke, not just the first.
type ValidationError struct {
	Violations []Violation
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		msgs = append(msgs, v.Message)
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}

// Has reports whether a violation for rule is present.
func (e *ValidationError) Has(rule string) bool {
	for _, v := range e.Violations {
		if v.Rule == rule {
			return true
		}
	}
	return false
}

// Violations accumulates rule failures and turns them into a ValidationError.
type Violations []Violation

func (vs *Violations) Add(field, rule, format string, args ...any) {
	*vs = append(*vs, Violation{Field: field, Rule: rule, Message: fmt.Sprintf(format, args...)})
}

// Err returns nil when nothing was recorded.
func (vs Violations) Err() error {
	if len(vs) == 0 {
		return nil
	}
	return &ValidationError{Violations: vs}
}

// ConflictDetail describes an active reservation blocking a requested interval.
type ConflictDetail struct {
	ReservationID string   `json:"reservation_id"`
	RequesterID   string   `json:"requester_id"`
	Status        Status   `json:"status"`
	Interval      Interval `json:"interval"`
}

// OverlapError is returned when a requested interval intersects active
// reservations of the same resource.
type OverlapError struct {
	Blocking []ConflictDetail
}

func (e *OverlapError) Error() string {
	ids := make([]string, 0, len(e.Blocking))
	for _, b := range e.Blocking {
		ids = append(ids, fmt.Sprintf("%s %s (%s)", b.ReservationID, b.Interval, b.Status))
	}
	return "interval overlaps active reservation(s): " + strings.Join(ids, ", ")
}

// BlockingReservationID names the first blocking reservation.
func (e *OverlapError) BlockingReservationID() string {
	if len(e.Blocking) == 0 {
		return ""
	}
	return e.Blocking[0].ReservationID
}

// TransitionError is returned for a status change the lifecycle graph does
// not allow. It matches ErrConflict.
type TransitionError struct {
	ReservationID string
	From          Status
	To            Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("reservation %s: cannot move from %s to %s", e.ReservationID, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrConflict
}

// MigrationFailedError is fatal to opening a store. The persisted data and
// schema version are left as they were.
type MigrationFailedError struct {
	From   int
	To     int
	Reason string
	Err    error
}

func (e *MigrationFailedError) Error() string {
	msg := fmt.Sprintf("migration %d -> %d failed: %s", e.From, e.To, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MigrationFailedError) Unwrap() error {
	return e.Err
}

func (e *MigrationFailedError) Is(target error) bool {
	return target == ErrMigrationFailed
}
