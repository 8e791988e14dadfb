/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the billing engine server: configuration, store
  selection, dependency wiring, and graceful shutdown.

STARTUP SEQUENCE:
  1. Structured logger (zap)
  2. Parse config (flags + environment)
  3. Open the selected store (postgres, sqlite, or memory)
  4. Wire handler and router
  5. Serve until SIGINT/SIGTERM, then drain

STORE SELECTION:
  -store=postgres -d=postgres://...   hosted production store
  -store=sqlite   -db=./billing.db    single-node install
  -store=memory                        development only, nothing persists

SEE ALSO:
  - config/config.go: Settings and precedence
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/campusledger/billing-engine/api"
	"github.com/campusledger/billing-engine/config"
	"github.com/campusledger/billing-engine/reconcile"
	memstore "github.com/campusledger/billing-engine/reconcile/store"
	"github.com/campusledger/billing-engine/store/postgres"
	"github.com/campusledger/billing-engine/store/sqlite"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()
	sugar := logger.Sugar()

	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		sugar.Fatalw("configuration error", "error", err)
	}

	store, closeStore, err := openStore(cfg)
	if err != nil {
		sugar.Fatalw("store initialization error", "store", cfg.Store, "error", err)
	}
	defer closeStore()

	handler := api.NewHandler(store, sugar)
	router := api.NewRouter(handler)

	server := &http.Server{
		Addr:         cfg.RunAddress,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		sugar.Infow("starting billing engine", "addr", cfg.RunAddress, "store", cfg.Store)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}

func openStore(cfg *config.Config) (reconcile.AdminStore, func(), error) {
	switch cfg.Store {
	case config.StorePostgres:
		s, err := postgres.New(cfg.DatabaseURI)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	case config.StoreSQLite:
		s, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	default:
		// Memory keeps the due cap on: the same overshoot protection the
		// SQL stores enforce.
		return memstore.NewMemory(memstore.WithDueCap()), func() {}, nil
	}
}
