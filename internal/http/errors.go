package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/mistakeknot/interlease/internal/auth"
	"github.com/mistakeknot/interlease/internal/core"
)

type errorResponse struct {
	Error      string                `json:"error"`
	Message    string                `json:"message,omitempty"`
	Violations []core.Violation      `json:"violations,omitempty"`
	Blocking   []core.ConflictDetail `json:"blocking,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps scheduler and store errors onto status codes.
func (s *Service) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ve *core.ValidationError
		oe *core.OverlapError
		te *core.TransitionError
	)
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: "validation_failed", Violations: ve.Violations})
	case errors.As(err, &oe):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "reservation_overlap", Message: oe.Error(), Blocking: oe.Blocking})
	case errors.As(err, &te):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "invalid_transition", Message: te.Error()})
	case errors.Is(err, core.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not_found", Message: err.Error()})
	case errors.Is(err, core.ErrForbidden):
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "forbidden", Message: err.Error()})
	case errors.Is(err, core.ErrConflict), errors.Is(err, core.ErrDuplicateKey):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "conflict", Message: err.Error()})
	case errors.Is(err, core.ErrStoreUnavailable):
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "store_unavailable"})
	default:
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal"})
	}
}

// caller returns the acting user, writing 401 when the request carries none.
func caller(w http.ResponseWriter, r *http.Request) (string, bool) {
	info, _ := auth.FromContext(r.Context())
	if info.UserID == "" {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "user_required", Message: "set " + auth.UserHeader + " or use an API key"})
		return "", false
	}
	return info.UserID, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bad_request", Message: err.Error()})
		return false
	}
	return true
}
