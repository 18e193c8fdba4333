package httpapi

import (
	"net/http"
	"time"

	"github.com/mistakeknot/interlease/internal/auth"
	"github.com/mistakeknot/interlease/internal/metrics"
	"github.com/mistakeknot/interlease/internal/storage/remote"
)

// NewRouter mounts the API. mw, when set, wraps every route except /metrics
// and /health.
func NewRouter(svc *Service, wsHandler http.Handler, mw func(http.Handler) http.Handler) http.Handler {
	mux := http.NewServeMux()
	wrap := func(route string, h http.Handler) http.Handler {
		h = timed(route, h)
		if mw != nil {
			h = mw(h)
		}
		return h
	}

	mux.Handle("/api/resources", wrap("resources", http.HandlerFunc(svc.handleResources)))
	mux.Handle("/api/resources/", wrap("resource", http.HandlerFunc(svc.handleResourceByID)))
	mux.Handle("/api/reservations", wrap("reservations", http.HandlerFunc(svc.handleReservations)))
	mux.Handle("/api/reservations/", wrap("reservation", http.HandlerFunc(svc.handleReservationByID)))
	if svc.store != nil {
		gate := auth.RequireStoreAccess(svc.storeRing)
		mux.Handle("/api/store/", wrap("store", gate(remote.NewHandler(svc.store, svc.log))))
	}
	if wsHandler != nil {
		if mw != nil {
			wsHandler = mw(wsHandler)
		}
		mux.Handle("/ws/users/", wsHandler)
	}
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

func timed(route string, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		h.ServeHTTP(w, r)
		metrics.Request(route, start)
	})
}
