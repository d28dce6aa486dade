package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/example/bankledger/internal/api"
	"github.com/example/bankledger/internal/config"
	"github.com/example/bankledger/internal/ledger"
	"github.com/example/bankledger/internal/security"
	"github.com/example/bankledger/pkg/audit"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load(".")
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	store, err := openStore(cfg)
	if err != nil {
		logger.Error("failed to open ledger store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	var cache ledger.BalanceCache
	var rateLimiter *security.RedisRateLimiter
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()

		cache = &ledger.RedisBalanceCache{Client: redisClient, TTL: time.Hour}
		rateLimiter = &security.RedisRateLimiter{
			Redis:     redisClient,
			Prefix:    "bankledger:rate",
			PerMinute: cfg.RateLimitPerMinute,
			Logger:    logger,
		}
	}

	svc := ledger.New(ledger.Config{
		Store:       store,
		Cache:       cache,
		Logger:      logger,
		Auditor:     audit.NewChainLogger(),
		LockTimeout: cfg.LockTimeout(),
	})

	router := api.NewRouter(api.Dependencies{
		Logger:      logger,
		Ledger:      svc,
		RateLimiter: rateLimiter,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go svc.RunPeriodicSync(ctx, cfg.SyncInterval())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("ledger api listening", "addr", srv.Addr, "store", cfg.StoreDriver)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func openStore(cfg *config.Config) (ledger.Store, error) {
	switch cfg.StoreDriver {
	case "postgres":
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		store := ledger.NewPostgresStore(pool)
		if err := store.EnsureSchema(context.Background()); err != nil {
			store.Close()
			return nil, err
		}
		return store, nil
	default:
		return ledger.OpenSQLiteStore(cfg.SQLitePath)
	}
}
