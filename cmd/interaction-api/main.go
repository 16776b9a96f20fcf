// Package main provides the interaction API service entry point.
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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ocura360/rxguard/internal/api/handlers"
	"github.com/ocura360/rxguard/internal/api/middleware"
	"github.com/ocura360/rxguard/internal/config"
	"github.com/ocura360/rxguard/internal/domain/interaction"
	"github.com/ocura360/rxguard/internal/domain/prescription"
	"github.com/ocura360/rxguard/internal/infrastructure/cache"
	"github.com/ocura360/rxguard/internal/infrastructure/postgres"
	"github.com/ocura360/rxguard/internal/infrastructure/redpanda"
	"github.com/ocura360/rxguard/internal/infrastructure/resilience"
	"github.com/ocura360/rxguard/internal/observability/logging"
	"github.com/ocura360/rxguard/internal/observability/metrics"
	"github.com/ocura360/rxguard/internal/observability/tracing"
	"github.com/ocura360/rxguard/internal/scheduler"
	"github.com/ocura360/rxguard/pkg/circuitbreaker"
	"github.com/ocura360/rxguard/pkg/idempotency"
)

const serviceName = "interaction-api"

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

	// Tracing
	traceCfg := tracing.DefaultConfig(serviceName)
	traceCfg.Environment = cfg.Env
	traceCfg.OTLPEndpoint = cfg.OTLPEndpoint
	tp, err := tracing.Init(ctx, traceCfg)
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	// Database
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Fatal("database ping failed", zap.Error(err))
	}
	if err := postgres.Migrate(ctx, pool, logger); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}
	logger.Info("connected to database")

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Rule store: postgres behind a circuit breaker, optionally behind Redis
	breaker, err := circuitbreaker.New(circuitbreaker.DefaultConfig("rule-store"), logger)
	if err != nil {
		logger.Fatal("circuit breaker creation failed", zap.Error(err))
	}
	breaker.OnStateChange(m.ObserveBreaker)
	m.ObserveBreaker(breaker.Name(), breaker.State())

	ruleStore := postgres.NewRuleStore(pool, logger)
	guarded := resilience.NewGuardedStore(ruleStore, breaker, cfg.CheckTimeout, logger)

	var store interaction.RuleStore = guarded
	var consumer *redpanda.Consumer
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, lookups will fall through to the rule store", zap.Error(err))
		}

		cacheCfg := cache.DefaultConfig()
		cacheCfg.TTL = cfg.RuleCacheTTL
		cacheCfg.LookupTimeout = cfg.CheckTimeout
		ruleCache := cache.NewRuleCache(rdb, guarded, cacheCfg, logger)
		ruleCache.SetObserver(m)
		store = ruleCache

		consumer, err = newInvalidationConsumer(cfg, ruleCache, logger)
		if err != nil {
			logger.Fatal("rule change consumer creation failed", zap.Error(err))
		}
		consumer.Start()
		logger.Info("rule cache enabled", zap.String("redis", cfg.RedisAddr))
	}

	checker := interaction.NewChecker(store, logger, interaction.WithObserver(m))

	// Prescriptions and drafts
	repo := prescription.NewRepository(pool, logger)
	service := prescription.NewService(repo, logger)
	drafts := prescription.NewDrafts(checker, service, service, prescription.DraftConfig{
		Policy:       cfg.Policy(),
		CheckTimeout: cfg.CheckTimeout,
	}, logger)
	inbox := idempotency.NewInbox(idempotency.NewPostgresStore(pool), idempotency.DefaultConfig(), logger)
	catalog := postgres.NewCatalog(pool, logger)
	limiter := middleware.NewRateLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst)

	jobs := scheduler.New(scheduler.Config{DraftTTL: cfg.DraftTTL}, drafts, inbox, limiter, m, logger)
	if err := jobs.Start(); err != nil {
		logger.Fatal("scheduler start failed", zap.Error(err))
	}

	// Handlers
	draftHandler := handlers.NewDraftHandler(drafts, catalog, inbox, logger)
	draftHandler.SetObserver(m)

	apiKeys := map[string]string{}
	if cfg.APIKey != "" {
		apiKeys[cfg.APIKey] = "default"
	}

	router := handlers.NewRouter(handlers.RouterConfig{
		ServiceName:   serviceName,
		Check:         handlers.NewCheckHandler(checker, catalog, cfg.Policy(), logger),
		Drafts:        draftHandler,
		Prescriptions: handlers.NewPrescriptionHandler(service, drafts, logger),
		Admin:         handlers.NewAdminHandler(ruleStore, repo, logger),
		APIKeys:       apiKeys,
		RateLimiter:   limiter,
		Observer:      m,
		Metrics:       metrics.Handler(reg),
		Ready: func(ctx context.Context) error {
			if err := pool.Ping(ctx); err != nil {
				return err
			}
			if consumer != nil {
				return redpanda.HealthCheck(ctx, cfg.Brokers)
			}
			return nil
		},
		Health: func() interface{} {
			return map[string]interface{}{
				"ruleStore": guarded.Health(),
				"drafts":    drafts.Len(),
			}
		},
		Logger: logger,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting interaction API",
			zap.String("port", cfg.Port),
			zap.String("blocking_severity", cfg.BlockingSeverity.String()),
			zap.Bool("allow_unverified_submit", cfg.AllowUnverifiedSubmit))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	jobs.Stop()
	if consumer != nil {
		consumer.Stop()
	}
	logger.Info("server stopped")
}

// newInvalidationConsumer subscribes to rule changes. The cache generation
// lives in Redis, so one consumer in the group bumping it is enough for every
// instance.
func newInvalidationConsumer(cfg *config.Config, inv cache.Invalidator, logger *zap.Logger) (*redpanda.Consumer, error) {
	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.Brokers
	consumerCfg.GroupID = serviceName
	return redpanda.NewConsumer(consumerCfg, cache.RuleChangeHandler(inv, logger), logger)
}
