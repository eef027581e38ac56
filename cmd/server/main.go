/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the star wallet server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, environment)
  2. Open the configured store (memory, sqlite, postgres + migrations)
  3. Connect the optional Redis balance cache
  4. Build the ledger engine, withdrawal service and commission resolver
  5. Start the reconciliation scheduler
  6. Start the HTTP server with graceful shutdown

ENVIRONMENT:
  PORT, LOG_LEVEL, STORE_DRIVER, SQLITE_PATH, PGSQL_URL, STORE_OP_TIMEOUT,
  REDIS_ADDR, REDIS_PASSWORD, REDIS_DB, BALANCE_CACHE_TTL,
  COMMISSION_FALLBACK_RATE, RECONCILE_INTERVAL, CORS_ALLOWED_ORIGINS
  See config/config.go for defaults.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the reconciliation scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close cache and database connections

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Settings
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/star-wallet/api"
	"github.com/warp/star-wallet/cache"
	"github.com/warp/star-wallet/commission"
	"github.com/warp/star-wallet/config"
	"github.com/warp/star-wallet/ledger"
	"github.com/warp/star-wallet/ledger/store"
	"github.com/warp/star-wallet/store/postgres"
	"github.com/warp/star-wallet/store/sqlite"
	"github.com/warp/star-wallet/withdrawal"
)

// backend is what every store driver provides.
type backend interface {
	ledger.TxStore
	withdrawal.RequestStore
	commission.ConfigStore
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("Server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx := context.Background()

	// Initialize store
	db, ping, closeDB, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeDB()

	engine := ledger.NewEngine(db)
	engine.Logger = logger
	engine.OpTimeout = cfg.StoreOpTimeout

	// Optional balance cache
	if cfg.RedisAddr != "" {
		client := cache.NewRedisClient(cache.RedisConfig{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer client.Close()
		balanceCache := cache.NewRedis(client, cfg.BalanceCacheTTL)
		if err := balanceCache.Ping(ctx); err != nil {
			logger.Warn("Redis unreachable, balance cache disabled", slog.String("error", err.Error()))
		} else {
			engine.Cache = balanceCache
			logger.Info("Balance cache enabled", slog.String("addr", cfg.RedisAddr))
		}
	}

	withdrawals := withdrawal.NewService(engine, db)
	withdrawals.Logger = logger

	resolver := commission.NewResolver(db)
	resolver.Logger = logger
	resolver.Fallback = cfg.CommissionFallbackRate

	scheduler := api.NewReconciliationScheduler(engine, logger)
	scheduler.CheckInterval = cfg.ReconcileInterval
	scheduler.Start()
	defer scheduler.Stop()

	handler := api.NewHandler(engine, withdrawals, resolver)
	handler.Scheduler = scheduler
	handler.Ping = ping

	router := api.NewRouter(handler, api.RouterOptions{Logger: logger, AllowedOrigins: cfg.CORSAllowedOrigins})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Server starting", slog.String("addr", server.Addr), slog.String("store", cfg.StoreDriver))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serverErr:
		return err
	case <-quit:
	}

	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("Server stopped")
	return nil
}

// openStore returns the configured backend, a health check and a close func.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (backend, func(context.Context) error, func(), error) {
	switch cfg.StoreDriver {
	case config.DriverMemory:
		logger.Warn("Using in-memory store; all data is lost on exit")
		return store.NewMemory(), nil, func() {}, nil

	case config.DriverSQLite:
		db, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to initialize sqlite store: %w", err)
		}
		closeDB := func() {
			if err := db.Close(); err != nil {
				logger.Error("Error closing sqlite store", slog.String("error", err.Error()))
			}
		}
		return db, db.Ping, closeDB, nil

	case config.DriverPostgres:
		logger.Info("Running database migrations...")
		if err := postgres.Migrate(cfg.DatabaseURL, logger); err != nil {
			return nil, nil, nil, err
		}
		db, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to initialize postgres store: %w", err)
		}
		logger.Info("Database connection pool established.")
		return db, db.Ping, db.Close, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}
