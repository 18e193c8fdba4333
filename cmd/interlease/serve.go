package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mistakeknot/interlease/internal/auth"
	"github.com/mistakeknot/interlease/internal/config"
	httpapi "github.com/mistakeknot/interlease/internal/http"
	"github.com/mistakeknot/interlease/internal/scheduler"
	"github.com/mistakeknot/interlease/internal/server"
	"github.com/mistakeknot/interlease/internal/storage"
	"github.com/mistakeknot/interlease/internal/storage/remote"
	"github.com/mistakeknot/interlease/internal/storage/sqlite"
	"github.com/mistakeknot/interlease/internal/ws"
)

func serveCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the interlease server",
		Long: `Start the HTTP API, the websocket gateway and the expiry sweeper.

The record store is a local SQLite file by default. --backend memory keeps
everything in process, and --backend remote uses the store exported by
another interlease server at --server. That server must run with
--export-store, and --api-key must belong to a user granted store_access
(see init --store-access).`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
	config.RegisterServeFlags(cmd)
	config.RegisterClientFlags(cmd)
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	store, exported, err := openStore(ctx, a.cfg, a.log)
	if err != nil {
		return err
	}
	defer store.Close()

	keyring, err := auth.LoadKeyring(a.cfg.KeysFile)
	if err != nil {
		return fmt.Errorf("load keys: %w", err)
	}

	hub := ws.NewHub(a.log)
	sched := scheduler.New(store, schedulerConfig(a.cfg), scheduler.WithBroadcaster(hub), scheduler.WithLogger(a.log))
	svc := httpapi.NewService(sched).WithLogger(a.log)
	if a.cfg.ExportStore {
		if exported == nil {
			return fmt.Errorf("--export-store is not supported with the %s backend", a.cfg.Backend)
		}
		svc.ExportStore(exported, keyring)
	}
	router := httpapi.NewRouter(svc, hub.Handler(), auth.Middleware(keyring))

	srv, err := server.New(server.Config{
		Addr:       a.cfg.Addr,
		SocketPath: a.cfg.Socket,
		Handler:    router,
		Logger:     a.log,
	})
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	sweeper := scheduler.NewSweeper(sched, a.cfg.SweepInterval)
	sweeper.Start(ctx)
	defer sweeper.Stop()
	g.Go(func() error { return srv.Run(ctx) })
	a.log.Info("interlease started", "version", Version, "backend", a.cfg.Backend)
	return g.Wait()
}

// openStore opens the configured backend. exported is the store served on
// /api/store, nil for the remote backend so servers do not chain.
func openStore(ctx context.Context, cfg config.Config, log *slog.Logger) (storage.Store, storage.Store, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		db, err := storage.Open(ctx, storage.NewMemoryDriver(), scheduler.Catalog(), storage.WithLogger(log))
		if err != nil {
			return nil, nil, err
		}
		return db, db, nil
	case config.BackendRemote:
		var opts []remote.Option
		if cfg.APIKey != "" {
			opts = append(opts, remote.WithAPIKey(cfg.APIKey))
		}
		if cfg.UserID != "" {
			opts = append(opts, remote.WithUserID(cfg.UserID))
		}
		st, err := remote.New(ctx, cfg.ServerURL, opts...)
		if err != nil {
			return nil, nil, err
		}
		if got := st.Catalog(); got.Name != scheduler.CatalogName || got.Version != scheduler.Catalog().Version {
			st.Close()
			return nil, nil, fmt.Errorf("remote catalog %s v%d, want %s v%d", got.Name, got.Version, scheduler.CatalogName, scheduler.Catalog().Version)
		}
		return st, nil, nil
	default:
		db, err := openSQLite(ctx, cfg, log)
		if err != nil {
			return nil, nil, err
		}
		return db, db, nil
	}
}

func openSQLite(ctx context.Context, cfg config.Config, log *slog.Logger) (*storage.DB, error) {
	drv, err := sqlite.Open(cfg.DBPath, sqlite.WithLogger(log))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.DBPath, err)
	}
	retry := sqlite.DefaultRetryConfig()
	retry.MaxRetries = uint64(cfg.RetryMax)
	retry.BaseDelay = cfg.RetryBase
	resilient := sqlite.NewResilient(drv, log,
		sqlite.WithBreaker(sqlite.NewCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerReset)),
		sqlite.WithRetry(retry),
	)
	db, err := storage.Open(ctx, resilient, scheduler.Catalog(), storage.WithLogger(log))
	if err != nil {
		resilient.Close()
		return nil, err
	}
	return db, nil
}

func schedulerConfig(cfg config.Config) scheduler.Config {
	sc := scheduler.DefaultConfig()
	sc.MaxAmount = cfg.MaxAmount
	sc.MaxMessageLen = cfg.MaxMessageLen
	sc.MaxSpanDays = cfg.MaxSpanDays
	if cfg.Location != nil {
		sc.Location = cfg.Location
	}
	return sc
}
