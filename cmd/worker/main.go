package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/example/bankledger/internal/config"
	"github.com/example/bankledger/internal/ledger"
	"github.com/example/bankledger/pkg/rabbitmq"
)

// The worker drains parsed bank notifications from RabbitMQ and feeds them
// into the ledger. Reconciliation itself stays with the periodic sync in
// the api process; the worker only lands rows durably.
func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load(".")
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if cfg.RabbitMQURL == "" {
		logger.Error("RABBITMQ_URL is required for the worker")
		os.Exit(1)
	}

	store, err := openStore(cfg)
	if err != nil {
		logger.Error("failed to open ledger store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	var cache ledger.BalanceCache
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		cache = &ledger.RedisBalanceCache{Client: redisClient, TTL: time.Hour}
	}

	svc := ledger.New(ledger.Config{
		Store:       store,
		Cache:       cache,
		Logger:      logger,
		LockTimeout: cfg.LockTimeout(),
	})

	consumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL, logger)
	if err != nil {
		logger.Error("failed to connect to rabbitmq", "error", err)
		os.Exit(1)
	}
	defer consumer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("worker consuming", "queue", cfg.IngestQueue)
	err = consumer.Consume(ctx, cfg.IngestQueue, func(body []byte) bool {
		var ev ledger.Event
		if err := json.Unmarshal(body, &ev); err != nil {
			// Malformed payloads are dropped; re-queuing cannot fix them.
			logger.Warn("dropping malformed event", "error", err)
			return true
		}

		if _, err := svc.Ingest(ctx, ev); err != nil {
			if errors.Is(err, ledger.ErrInvalidEvent) {
				logger.Warn("dropping invalid event", "error", err)
				return true
			}
			logger.Warn("ingest failed", "error", err)
			return false
		}
		return true
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("consumer stopped", "error", err)
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
