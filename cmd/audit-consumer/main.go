// Package main provides the audit consumer entry point.
// It consumes lab events and writes each one to the audit log exactly once.
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

	"github.com/drfirst/go-labflow/internal/audit"
	"github.com/drfirst/go-labflow/internal/config"
	"github.com/drfirst/go-labflow/internal/infrastructure/postgres"
	"github.com/drfirst/go-labflow/internal/infrastructure/redpanda"
	"github.com/drfirst/go-labflow/internal/observability/metrics"
	"github.com/drfirst/go-labflow/pkg/idempotency"
)

const lagInterval = time.Minute

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

	m := metrics.New(nil)
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv := &http.Server{Addr: ":" + cfg.Port, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server", zap.Error(err))
		}
	}()

	inbox := idempotency.NewInbox(pool, idempotency.DefaultConfig(), logger)
	inbox.StartCleanup()
	defer inbox.Stop()

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.KafkaBrokers
	producer, err := redpanda.NewProducer(producerCfg, logger, redpanda.WithProducerMetrics(m))
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()

	recorder := audit.NewRecorder(postgres.NewAuditLog(pool), inbox, producer, m, logger)

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.KafkaBrokers
	consumerCfg.GroupID = cfg.AuditGroupID
	consumer, err := redpanda.NewConsumer(consumerCfg, recorder.Handle, logger, redpanda.WithConsumerMetrics(m))
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}
	consumer.Start()
	logger.Info("audit consumer started",
		zap.String("group", consumerCfg.GroupID),
		zap.Strings("topics", consumerCfg.Topics))

	admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
	if err != nil {
		logger.Warn("admin client unavailable; lag reporting disabled", zap.Error(err))
	} else {
		defer admin.Close()
	}

	ticker := time.NewTicker(lagInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			if err := consumer.Stop(); err != nil {
				logger.Error("consumer stop", zap.Error(err))
			}
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := producer.Flush(flushCtx); err != nil {
				logger.Warn("producer flush", zap.Error(err))
			}
			cancel()
			logger.Info("audit consumer stopped")
			return
		case <-ticker.C:
			if admin == nil {
				continue
			}
			lag, err := admin.TotalLag(ctx, consumerCfg.GroupID)
			if err != nil {
				logger.Warn("lag check failed", zap.Error(err))
				continue
			}
			fields := []zap.Field{zap.Int64("lag", lag), zap.Any("consumer", consumer.Stats())}
			if inboxStats, err := inbox.GetStats(ctx); err == nil {
				fields = append(fields, zap.Any("inbox", inboxStats))
			}
			logger.Info("audit consumer progress", fields...)
		}
	}
}
