package httpapi

import (
	"net/http"

	"github.com/mistakeknot/interlease/internal/core"
	"github.com/mistakeknot/interlease/internal/scheduler"
)

type decisionRequest struct {
	Decision string `json:"decision"`
	Message  string `json:"message"`
}

type messageRequest struct {
	Message string `json:"message"`
}

// handleReservations lists the caller's reservations: as requester by
// default, or as owner with ?role=owner.
func (s *Service) handleReservations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	user, ok := caller(w, r)
	if !ok {
		return
	}
	var (
		list []core.Reservation
		err  error
	)
	switch r.URL.Query().Get("role") {
	case "", "requester":
		list, err = s.sched.ListByRequester(r.Context(), user)
	case "owner":
		list, err = s.sched.ListByOwner(r.Context(), user)
	default:
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bad_request", Message: "role must be requester or owner"})
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reservationsResponse{Reservations: nonNil(list)})
}

// handleReservationByID serves /api/reservations/{id}[/decision|/cancel|/convert].
func (s *Service) handleReservationByID(w http.ResponseWriter, r *http.Request) {
	id, action := splitPath(r.URL.Path, "/api/reservations/")
	if id == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if action == "" {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.getReservation(w, r, id)
		return
	}
	switch action {
	case "decision", "cancel", "convert":
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	user, ok := caller(w, r)
	if !ok {
		return
	}

	switch action {
	case "decision":
		var req decisionRequest
		if !decodeBody(w, r, &req) {
			return
		}
		result, err := s.sched.Decide(r.Context(), scheduler.DecideRequest{
			ReservationID: id,
			OwnerID:       user,
			Decision:      core.Status(req.Decision),
			Message:       req.Message,
		})
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	case "cancel":
		var req messageRequest
		if !decodeBody(w, r, &req) {
			return
		}
		res, err := s.sched.Cancel(r.Context(), id, user, req.Message)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	case "convert":
		res, err := s.sched.Convert(r.Context(), id, user)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// getReservation is visible to the requester and the resource owner only.
func (s *Service) getReservation(w http.ResponseWriter, r *http.Request, id string) {
	user, ok := caller(w, r)
	if !ok {
		return
	}
	res, err := s.sched.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if user != res.RequesterID && user != res.OwnerID {
		s.writeError(w, r, core.ErrForbidden)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
