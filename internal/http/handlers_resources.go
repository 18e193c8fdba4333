package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/mistakeknot/interlease/internal/core"
	"github.com/mistakeknot/interlease/internal/scheduler"
)

type resourceRequest struct {
	Title string `json:"title"`
}

type bidRequest struct {
	Start   string  `json:"start"`
	End     string  `json:"end"`
	Amount  float64 `json:"amount"`
	Message string  `json:"message"`
}

type highestResponse struct {
	ResourceID string  `json:"resource_id"`
	Amount     float64 `json:"amount"`
	Found      bool    `json:"found"`
}

type reservationsResponse struct {
	Reservations []core.Reservation `json:"reservations"`
}

func (s *Service) handleResources(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	user, ok := caller(w, r)
	if !ok {
		return
	}
	var req resourceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.sched.CreateResource(r.Context(), user, req.Title)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// handleResourceByID serves /api/resources/{id}[/reservations|/bids|/highest].
func (s *Service) handleResourceByID(w http.ResponseWriter, r *http.Request) {
	id, action := splitPath(r.URL.Path, "/api/resources/")
	if id == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	switch {
	case action == "" && r.Method == http.MethodGet:
		res, err := s.sched.GetResource(r.Context(), id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	case action == "reservations" && r.Method == http.MethodGet:
		if _, err := s.sched.GetResource(r.Context(), id); err != nil {
			s.writeError(w, r, err)
			return
		}
		list, err := s.sched.ListByResource(r.Context(), id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, reservationsResponse{Reservations: nonNil(list)})
	case action == "highest" && r.Method == http.MethodGet:
		amount, found, err := s.sched.GetHighestActive(r.Context(), id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, highestResponse{ResourceID: id, Amount: amount, Found: found})
	case action == "bids" && r.Method == http.MethodPost:
		s.submitBid(w, r, id)
	case action == "" || action == "reservations" || action == "highest" || action == "bids":
		w.WriteHeader(http.StatusMethodNotAllowed)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *Service) submitBid(w http.ResponseWriter, r *http.Request, resourceID string) {
	user, ok := caller(w, r)
	if !ok {
		return
	}
	var req bidRequest
	if !decodeBody(w, r, &req) {
		return
	}
	iv, vs := parseInterval(req.Start, req.End)
	if err := vs.Err(); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.sched.SubmitBid(r.Context(), scheduler.BidRequest{
		ResourceID:  resourceID,
		RequesterID: user,
		Interval:    iv,
		Amount:      req.Amount,
		Message:     req.Message,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// parseInterval parses wire dates. Missing dates are left zero for the
// scheduler to report.
func parseInterval(start, end string) (core.Interval, core.Violations) {
	var (
		iv core.Interval
		vs core.Violations
	)
	parse := func(field, raw string, dst *time.Time) {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			return
		}
		d, err := core.ParseDate(raw)
		if err != nil {
			vs.Add("interval."+field, "invalid_date", "%s must be a YYYY-MM-DD date, got %q", field, raw)
			return
		}
		*dst = d
	}
	parse("start", start, &iv.Start)
	parse("end", end, &iv.End)
	return iv, vs
}

// splitPath returns the id and optional action of prefix/{id}[/{action}].
func splitPath(path, prefix string) (id, action string) {
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	id, action, _ = strings.Cut(rest, "/")
	return id, action
}

func nonNil(rs []core.Reservation) []core.Reservation {
	if rs == nil {
		return []core.Reservation{}
	}
	return rs
}
