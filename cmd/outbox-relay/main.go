// Package main provides the outbox relay service entry point.
// It publishes lab events committed to the outbox table to the broker.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-labflow/internal/config"
	"github.com/drfirst/go-labflow/internal/infrastructure/postgres"
	"github.com/drfirst/go-labflow/internal/infrastructure/redpanda"
	"github.com/drfirst/go-labflow/internal/observability/metrics"
)

const (
	maintenanceInterval = 10 * time.Minute
	processedRetention  = 72 * time.Hour
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()
	if cfg.AutoMigrate {
		if err := postgres.EnsureSchema(ctx, pool); err != nil {
			logger.Fatal("schema migration failed", zap.Error(err))
		}
	}
	logger.Info("connected to database")

	admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
	if err != nil {
		logger.Fatal("admin client creation failed", zap.Error(err))
	}
	if err := admin.EnsureTopics(ctx); err != nil {
		logger.Warn("ensure topics failed", zap.Error(err))
	}
	admin.Close()

	m := metrics.New(nil)
	go serveMetrics(cfg.Port, logger)

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.KafkaBrokers
	producer, err := redpanda.NewProducer(producerCfg, logger, redpanda.WithProducerMetrics(m))
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()
	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.KafkaBrokers))

	outbox := postgres.NewOutbox(pool, producer, postgres.DefaultOutboxConfig(), logger, postgres.WithOutboxMetrics(m))
	outbox.Start()
	logger.Info("outbox relay started")

	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			outbox.Stop()
			logger.Info("outbox relay stopped")
			return
		case <-ticker.C:
			maintain(ctx, outbox, logger)
		}
	}
}

// maintain moves exhausted entries aside and trims old published rows.
func maintain(ctx context.Context, outbox *postgres.Outbox, logger *zap.Logger) {
	if n, err := outbox.MoveToDeadLetter(ctx); err != nil {
		logger.Error("dead letter sweep failed", zap.Error(err))
	} else if n > 0 {
		logger.Warn("outbox entries dead-lettered", zap.Int64("count", n))
	}
	if n, err := outbox.CleanupProcessed(ctx, processedRetention); err != nil {
		logger.Error("outbox cleanup failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("outbox cleaned", zap.Int64("deleted", n))
	}
	if stats, err := outbox.GetStats(ctx); err == nil {
		logger.Debug("outbox stats", zap.Any("stats", stats))
	}
}

func serveMetrics(port string, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := &http.Server{Addr: ":" + port, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server", zap.Error(err))
	}
}
