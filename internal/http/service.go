// Package httpapi exposes the scheduler and the remote record store over
// JSON/HTTP.
package httpapi

import (
	"log/slog"

	"github.com/mistakeknot/interlease/internal/auth"
	"github.com/mistakeknot/interlease/internal/scheduler"
	"github.com/mistakeknot/interlease/internal/storage"
)

type Service struct {
	sched     *scheduler.Scheduler
	store     storage.Store
	storeRing *auth.Keyring
	log       *slog.Logger
}

func NewService(sched *scheduler.Scheduler) *Service {
	return &Service{sched: sched, log: slog.Default()}
}

// ExportStore exposes store to remote store clients under /api/store/. Only
// API keys whose user holds the store grant in ring get through; everyone
// else, localhost included, is refused with 403.
func (s *Service) ExportStore(store storage.Store, ring *auth.Keyring) *Service {
	s.store = store
	s.storeRing = ring
	return s
}

func (s *Service) WithLogger(l *slog.Logger) *Service {
	if l != nil {
		s.log = l
	}
	return s
}
