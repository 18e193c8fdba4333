// Package embedded runs an Interlease server inside another process.
package embedded

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/mistakeknot/interlease/internal/auth"
	httpapi "github.com/mistakeknot/interlease/internal/http"
	"github.com/mistakeknot/interlease/internal/scheduler"
	"github.com/mistakeknot/interlease/internal/server"
	"github.com/mistakeknot/interlease/internal/storage"
	"github.com/mistakeknot/interlease/internal/storage/sqlite"
	"github.com/mistakeknot/interlease/internal/ws"
)

// Config configures the embedded server
type Config struct {
	// DBPath is the path to the SQLite database file.
	// If empty, defaults to ~/.interlease/data.db
	DBPath string

	// Port is the HTTP port to listen on. Zero picks a free port.
	Port int

	// Host is the host to bind to.
	// If empty, defaults to localhost (127.0.0.1).
	Host string

	// Keyring enables API key authentication. Nil trusts the X-User-ID
	// header of localhost callers.
	Keyring *auth.Keyring

	// SweepInterval enables the expiry sweeper when positive.
	SweepInterval time.Duration

	// Scheduler overrides the scheduler limits and clock.
	Scheduler *scheduler.Config

	Logger *slog.Logger
}

// Server is an embedded Interlease server
type Server struct {
	cfg     Config
	db      *storage.DB
	sched   *scheduler.Scheduler
	sweeper *scheduler.Sweeper
	srv     *server.Server
	log     *slog.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan error
}

// New opens the database, applies the catalog, and binds the listener.
func New(cfg Config) (*Server, error) {
	if cfg.DBPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home dir: %w", err)
		}
		cfg.DBPath = filepath.Join(home, ".interlease", "data.db")
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	drv, err := sqlite.Open(cfg.DBPath, sqlite.WithLogger(log))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db, err := storage.Open(context.Background(), sqlite.NewResilient(drv, log), scheduler.Catalog(), storage.WithLogger(log))
	if err != nil {
		drv.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}

	schedCfg := scheduler.DefaultConfig()
	if cfg.Scheduler != nil {
		schedCfg = *cfg.Scheduler
	}
	hub := ws.NewHub(log)
	sched := scheduler.New(db, schedCfg, scheduler.WithBroadcaster(hub), scheduler.WithLogger(log))

	router := httpapi.NewRouter(httpapi.NewService(sched).WithLogger(log), hub.Handler(), auth.Middleware(cfg.Keyring))

	srv, err := server.New(server.Config{
		Addr:    net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler: router,
		Logger:  log,
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &Server{cfg: cfg, db: db, sched: sched, srv: srv, log: log}
	if cfg.SweepInterval > 0 {
		s.sweeper = scheduler.NewSweeper(sched, cfg.SweepInterval)
	}
	return s, nil
}

// Start serves in the background. Calling it twice is a no-op.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.started = true

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan error, 1)
	if s.sweeper != nil {
		s.sweeper.Start(ctx)
	}
	go func() { s.done <- s.srv.Run(ctx) }()
	return nil
}

// Stop shuts the server down gracefully and closes the database.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.started {
		s.started = false
		if s.sweeper != nil {
			s.sweeper.Stop()
		}
		s.cancel()
		errs = append(errs, <-s.done)
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, s.srv.Shutdown(ctx))
		cancel()
	}
	errs = append(errs, s.db.Close())
	return errors.Join(errs...)
}

// Addr returns the server's listen address
func (s *Server) Addr() string {
	return s.srv.Addr()
}

// URL returns the base URL for the server
func (s *Server) URL() string {
	return "http://" + s.srv.Addr()
}

// Store returns the underlying record store for direct access.
func (s *Server) Store() storage.Store {
	return s.db
}

// Scheduler returns the in-process scheduler.
func (s *Server) Scheduler() *scheduler.Scheduler {
	return s.sched
}
