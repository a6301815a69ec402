// Package main provides the lab API service entry point.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-labflow/internal/api/handlers"
	"github.com/drfirst/go-labflow/internal/api/middleware"
	"github.com/drfirst/go-labflow/internal/config"
	"github.com/drfirst/go-labflow/internal/domain/laborder"
	"github.com/drfirst/go-labflow/internal/infrastructure/blobstore"
	"github.com/drfirst/go-labflow/internal/infrastructure/memory"
	"github.com/drfirst/go-labflow/internal/infrastructure/postgres"
	"github.com/drfirst/go-labflow/internal/infrastructure/redpanda"
	"github.com/drfirst/go-labflow/internal/infrastructure/sqlite"
	"github.com/drfirst/go-labflow/internal/notify"
	"github.com/drfirst/go-labflow/internal/observability/metrics"
	"github.com/drfirst/go-labflow/internal/observability/tracing"
	"github.com/drfirst/go-labflow/internal/service"
	"github.com/drfirst/go-labflow/pkg/circuitbreaker"
)

const serviceName = "lab-api"

type readiness struct {
	Status   string                        `json:"status"`
	Store    string                        `json:"store_error,omitempty"`
	Broker   string                        `json:"broker_error,omitempty"`
	Breakers []circuitbreaker.HealthStatus `json:"breakers"`
}

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

	ctx := context.Background()

	tcfg := tracing.DefaultConfig(serviceName)
	tcfg.Enabled = cfg.TracingEnabled
	tcfg.Environment = cfg.Environment
	tcfg.OTLPEndpoint = cfg.OTLPEndpoint
	tcfg.SampleRate = cfg.TraceSampleRate
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}

	m := metrics.New(nil)
	breakers := circuitbreaker.NewManager(logger, circuitbreaker.WithStateListener(func(name string, _, to circuitbreaker.State) {
		m.SetBreakerState(name, to.Value())
	}))

	repo, ready, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("store init failed", zap.String("driver", cfg.StoreDriver), zap.Error(err))
	}
	defer closeStore()

	docs, err := openDocumentStore(ctx, cfg, breakers)
	if err != nil {
		logger.Fatal("document store init failed", zap.String("driver", cfg.BlobDriver), zap.Error(err))
	}

	notifier, stopNotifier, err := openNotifier(cfg, m, logger, breakers)
	if err != nil {
		logger.Fatal("notifier init failed", zap.Error(err))
	}
	defer stopNotifier()

	svc := service.New(repo, logger,
		service.WithDocumentStore(docs),
		service.WithNotifier(notifier),
		service.WithMetrics(m),
		service.WithMaxUploadBytes(cfg.MaxUploadBytes),
	)
	labHandler := handlers.NewLabHandler(svc, logger)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(serviceName))
	r.Use(middleware.Metrics(m))

	r.Get("/health", healthHandler)
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		status := readiness{Status: "ready", Breakers: breakers.GetHealthStatus()}
		code := http.StatusOK
		if err := ready(r.Context()); err != nil {
			status.Status, status.Store = "not ready", err.Error()
			code = http.StatusServiceUnavailable
		}
		if cfg.NotifyEnabled && cfg.StoreDriver != config.StorePostgres {
			if err := redpanda.HealthCheck(r.Context(), cfg.KafkaBrokers); err != nil {
				// Events are dropped, not lost orders; stay in rotation.
				status.Broker = err.Error()
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(cfg.APIKeys))
		r.Mount("/", labHandler.Routes())
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("tracer shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting lab API",
		zap.String("port", cfg.Port),
		zap.String("store", cfg.StoreDriver),
		zap.String("documents", docs.Driver()))
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logger.Fatal("server error", zap.Error(err))
	}

	logger.Info("server stopped")
}

// openStore returns the repository for the configured driver, a readiness
// probe and a close func.
func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (laborder.Repository, func(context.Context) error, func(), error) {
	switch cfg.StoreDriver {
	case config.StorePostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, fmt.Errorf("ping: %w", err)
		}
		if cfg.AutoMigrate {
			if err := postgres.EnsureSchema(ctx, pool); err != nil {
				pool.Close()
				return nil, nil, nil, err
			}
		}
		logger.Info("connected to database")
		return postgres.NewRepository(pool, logger), pool.Ping, pool.Close, nil

	case config.StoreSQLite:
		store, err := sqlite.NewStore(cfg.SQLitePath, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		logger.Info("opened sqlite store", zap.String("path", store.Path()))
		return store, store.Ping, func() { _ = store.Close() }, nil

	default:
		logger.Warn("using in-memory store; orders are lost on restart")
		return memory.NewStore(), func(context.Context) error { return nil }, func() {}, nil
	}
}

func openDocumentStore(ctx context.Context, cfg config.Config, breakers *circuitbreaker.Manager) (blobstore.Store, error) {
	if cfg.BlobDriver != config.BlobS3 {
		return blobstore.NewMemory(), nil
	}
	s3, err := blobstore.NewS3(ctx, blobstore.S3Config{
		Bucket:    cfg.S3Bucket,
		Region:    cfg.S3Region,
		Endpoint:  cfg.S3Endpoint,
		PathStyle: cfg.S3PathStyle,
	})
	if err != nil {
		return nil, err
	}
	cb, err := breakers.GetOrCreate("document-store", circuitbreaker.DefaultConfig("document-store"))
	if err != nil {
		return nil, err
	}
	return blobstore.NewGuarded(s3, cb), nil
}

// openNotifier publishes events straight to the broker unless the postgres
// outbox already carries them.
func openNotifier(cfg config.Config, m *metrics.Metrics, logger *zap.Logger, breakers *circuitbreaker.Manager) (notify.Notifier, func(), error) {
	if !cfg.NotifyEnabled || cfg.StoreDriver == config.StorePostgres {
		return notify.Nop{}, func() {}, nil
	}

	pcfg := redpanda.DefaultProducerConfig()
	pcfg.Brokers = cfg.KafkaBrokers
	producer, err := redpanda.NewProducer(pcfg, logger, redpanda.WithProducerMetrics(m))
	if err != nil {
		return nil, nil, err
	}

	ncfg := notify.DefaultConfig()
	ncfg.Pool.Workers = cfg.NotifyWorkers
	ncfg.Pool.QueueSize = cfg.NotifyQueueSize
	cb, err := breakers.GetOrCreate(ncfg.Breaker.Name, ncfg.Breaker)
	if err != nil {
		_ = producer.Close()
		return nil, nil, err
	}
	d, err := notify.NewDispatcher(producer, ncfg, logger, notify.WithMetrics(m), notify.WithBreaker(cb))
	if err != nil {
		_ = producer.Close()
		return nil, nil, err
	}
	d.Start()
	logger.Info("event notifications enabled", zap.Strings("brokers", cfg.KafkaBrokers))

	return d, func() {
		if err := d.Stop(); err != nil {
			logger.Warn("notifier stop", zap.Error(err))
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := producer.Flush(ctx); err != nil {
			logger.Warn("producer flush", zap.Error(err))
		}
		_ = producer.Close()
	}, nil
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","service":%q,"version":"1.0.0"}`, serviceName)
}
