// Package main provides the outbox relay service entry point. It publishes
// committed outbox rows (prescription events, override audit records and
// rule changes) to Redpanda.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ocura360/rxguard/internal/config"
	"github.com/ocura360/rxguard/internal/infrastructure/postgres"
	"github.com/ocura360/rxguard/internal/infrastructure/redpanda"
	"github.com/ocura360/rxguard/internal/observability/logging"
	"github.com/ocura360/rxguard/internal/observability/metrics"
	"github.com/ocura360/rxguard/internal/observability/tracing"
)

const (
	serviceName        = "outbox-relay"
	processedRetention = 7 * 24 * time.Hour
	// consumer group of the interaction API's rule cache invalidation
	invalidationGroup  = "interaction-api"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()
	logger = logger.With(zap.String("service", serviceName))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	traceCfg := tracing.DefaultConfig(serviceName)
	traceCfg.Environment = cfg.Env
	traceCfg.OTLPEndpoint = cfg.OTLPEndpoint
	tp, err := tracing.Init(ctx, traceCfg)
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}
	defer tp.Shutdown(context.Background())

	// Connect to database
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		logger.Fatal("database ping failed", zap.Error(err))
	}
	logger.Info("connected to database")

	// Topics
	admin, err := redpanda.NewAdmin(cfg.Brokers, logger)
	if err != nil {
		logger.Fatal("admin client creation failed", zap.Error(err))
	}
	if err := admin.EnsureTopics(ctx); err != nil {
		logger.Warn("failed to ensure topics", zap.Error(err))
	}
	defer admin.Close()

	// Create Redpanda producer
	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.Brokers
	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()
	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.Brokers))

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	outbox := postgres.NewOutbox(pool, producer, postgres.DefaultOutboxConfig(), logger)
	outbox.SetObserver(m)
	outbox.Start()

	s := gocron.NewScheduler(time.UTC)
	if err := scheduleMaintenance(s, outbox, admin, m, logger); err != nil {
		logger.Fatal("failed to schedule maintenance", zap.Error(err))
	}
	s.StartAsync()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		sent, failed := producer.Stats()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"healthy","service":%q,"sent":%d,"failed":%d}`, serviceName, sent, failed)
	})
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	s.Stop()
	outbox.Stop()
	logger.Info("outbox relay stopped")
}

func scheduleMaintenance(s *gocron.Scheduler, outbox *postgres.Outbox, admin *redpanda.Admin, m *metrics.Metrics, logger *zap.Logger) error {
	run := func(name string, fn func(ctx context.Context) error) func() {
		return func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := fn(ctx); err != nil {
				logger.Error("maintenance job failed", zap.String("job", name), zap.Error(err))
			}
		}
	}

	if _, err := s.Every(15 * time.Second).SingletonMode().Do(run("stats", func(ctx context.Context) error {
		stats, err := outbox.GetStats(ctx)
		if err != nil {
			return err
		}
		m.SetOutboxPending(stats.Pending)
		if stats.OldestPending != nil && time.Since(*stats.OldestPending) > time.Minute {
			logger.Warn("outbox backlog is aging",
				zap.Int64("pending", stats.Pending),
				zap.Time("oldest", *stats.OldestPending))
		}
		return nil
	})); err != nil {
		return err
	}

	// rule changes this relay published but the API has not yet applied to
	// its cache
	if _, err := s.Every(time.Minute).SingletonMode().Do(run("invalidation_lag", func(ctx context.Context) error {
		lag, err := admin.ConsumerLag(ctx, invalidationGroup)
		if err != nil {
			return err
		}
		if n := lag[redpanda.TopicRulesChanged]; n > 0 {
			logger.Warn("rule cache invalidation is lagging",
				zap.String("group", invalidationGroup),
				zap.Int64("lag", n))
		}
		return nil
	})); err != nil {
		return err
	}

	if _, err := s.Every(time.Minute).SingletonMode().Do(run("dead_letter", func(ctx context.Context) error {
		_, err := outbox.MoveToDeadLetter(ctx)
		return err
	})); err != nil {
		return err
	}

	_, err := s.Every(time.Hour).SingletonMode().Do(run("cleanup", func(ctx context.Context) error {
		n, err := outbox.CleanupProcessed(ctx, processedRetention)
		if err == nil && n > 0 {
			logger.Info("processed outbox entries removed", zap.Int64("count", n))
		}
		return err
	}))
	return err
}
