// Package server runs the HTTP API on a TCP address and, optionally, a unix
// socket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"
)

type Config struct {
	Addr       string
	SocketPath string
	Handler    http.Handler
	Logger     *slog.Logger
	// ShutdownTimeout bounds graceful shutdown in Run. Zero means 5s.
	ShutdownTimeout time.Duration
}

type Server struct {
	cfg    Config
	log    *slog.Logger
	http   *http.Server
	ln     net.Listener
	unix   *http.Server
	unixLn net.Listener
}

// New binds the listeners so that Addr reports the real port even for ":0".
func New(cfg Config) (*Server, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("addr required")
	}
	h := cfg.Handler
	if h == nil {
		h = http.NewServeMux()
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}
	s := &Server{
		cfg:  cfg,
		log:  log,
		http: &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second},
		ln:   ln,
	}

	if cfg.SocketPath != "" {
		if err := os.Remove(cfg.SocketPath); err != nil && !os.IsNotExist(err) {
			ln.Close()
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
		uln, err := net.Listen("unix", cfg.SocketPath)
		if err != nil {
			ln.Close()
			return nil, fmt.Errorf("unix listen: %w", err)
		}
		if err := os.Chmod(cfg.SocketPath, 0660); err != nil {
			uln.Close()
			ln.Close()
			return nil, fmt.Errorf("chmod socket: %w", err)
		}
		s.unixLn = uln
		s.unix = &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}
	}

	return s, nil
}

// Start serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	if s.unixLn != nil {
		go func() {
			if err := s.unix.Serve(s.unixLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Error("unix socket server stopped", "err", err)
			}
		}()
	}
	s.log.Info("listening", "addr", s.Addr(), "socket", s.cfg.SocketPath)
	if err := s.http.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(s.Start)
	g.Go(func() error {
		<-ctx.Done()
		timeout := s.cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		sctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return s.Shutdown(sctx)
	})
	return g.Wait()
}

func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error

	if s.unix != nil {
		errs = append(errs, s.unix.Shutdown(ctx))
	}
	if s.cfg.SocketPath != "" {
		os.Remove(s.cfg.SocketPath)
	}
	errs = append(errs, s.http.Shutdown(ctx))
	// Serve closes ln itself; this covers a server that never started.
	s.ln.Close()
	s.log.Info("server stopped")
	return errors.Join(errs...)
}

// Addr is the bound TCP address.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// SocketPath returns the configured socket path, or empty if not configured.
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}
