package client

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrForbidden   = errors.New("forbidden")
	ErrInvalid     = errors.New("invalid request")
	ErrUnavailable = errors.New("service unavailable")
)

type Violation struct {
	Field   string `json:"field"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// Blocking names an active reservation that overlaps a refused bid.
type Blocking struct {
	ReservationID string   `json:"reservation_id"`
	RequesterID   string   `json:"requester_id"`
	Status        string   `json:"status"`
	Interval      Interval `json:"interval"`
}

// APIError is a non-success response. It matches the package's sentinel
// errors with errors.Is.
type APIError struct {
	StatusCode int         `json:"-"`
	Code       string      `json:"error"`
	Message    string      `json:"message,omitempty"`
	Violations []Violation `json:"violations,omitempty"`
	Blocking   []Blocking  `json:"blocking,omitempty"`
}

func (e *APIError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d %s", e.StatusCode, e.Code)
	if e.Message != "" {
		b.WriteString(": " + e.Message)
	}
	for _, v := range e.Violations {
		fmt.Fprintf(&b, "; %s: %s", v.Field, v.Message)
	}
	return b.String()
}

func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrConflict:
		return e.StatusCode == http.StatusConflict
	case ErrForbidden:
		return e.StatusCode == http.StatusForbidden || e.StatusCode == http.StatusUnauthorized
	case ErrInvalid:
		return e.StatusCode == http.StatusUnprocessableEntity || e.StatusCode == http.StatusBadRequest
	case ErrUnavailable:
		return e.StatusCode == http.StatusServiceUnavailable
	}
	return false
}
