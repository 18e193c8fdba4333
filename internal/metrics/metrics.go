// Package metrics holds the process-wide counters and histograms exported on
// /metrics in Prometheus text format.
package metrics

import (
	"fmt"
	"io"
	"net/http"
	"time"

	vm "github.com/VictoriaMetrics/metrics"
)

var (
	migrationsOK     = vm.NewCounter(`interlease_migrations_total{result="ok"}`)
	migrationsFailed = vm.NewCounter(`interlease_migrations_total{result="failed"}`)
	migrationRecords = vm.NewCounter(`interlease_migration_records_total`)
	migrationSeconds = vm.NewHistogram(`interlease_migration_duration_seconds`)

	sweeps        = vm.NewCounter(`interlease_sweeps_total`)
	storeRetries  = vm.NewCounter(`interlease_store_retries_total`)
	breakerOpens  = vm.NewCounter(`interlease_store_breaker_open_total`)
	slowQueries   = vm.NewCounter(`interlease_store_slow_queries_total`)
	remoteCommits = vm.NewCounter(`interlease_remote_commits_total{result="ok"}`)
	remoteStale   = vm.NewCounter(`interlease_remote_commits_total{result="conflict"}`)
)

// MigrationDone records the outcome of one migration run.
func MigrationDone(start time.Time, records int, err error) {
	migrationSeconds.UpdateDuration(start)
	if err != nil {
		migrationsFailed.Inc()
		return
	}
	migrationsOK.Inc()
	migrationRecords.Add(records)
}

// Transition counts a reservation entering status.
func Transition(status string) {
	vm.GetOrCreateCounter(fmt.Sprintf(`interlease_reservation_transitions_total{status=%q}`, status)).Inc()
}

// BidRefused counts a bid turned away, by reason (validation, overlap, not_found).
func BidRefused(reason string) {
	vm.GetOrCreateCounter(fmt.Sprintf(`interlease_bids_refused_total{reason=%q}`, reason)).Inc()
}

func Sweep()       { sweeps.Inc() }
func StoreRetry()  { storeRetries.Inc() }
func BreakerOpen() { breakerOpens.Inc() }
func SlowQuery()   { slowQueries.Inc() }

// RemoteCommit records a remote batch commit; stale means a precondition failed.
func RemoteCommit(stale bool) {
	if stale {
		remoteStale.Inc()
		return
	}
	remoteCommits.Inc()
}

// Request observes an HTTP request duration for route.
func Request(route string, start time.Time) {
	vm.GetOrCreateHistogram(fmt.Sprintf(`interlease_http_request_duration_seconds{route=%q}`, route)).UpdateDuration(start)
}

// WritePrometheus writes every registered metric to w.
func WritePrometheus(w io.Writer) {
	vm.WritePrometheus(w, true)
}

// Handler serves the metrics page.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		WritePrometheus(w)
	})
}
