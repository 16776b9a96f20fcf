// Package main loads interaction rules from a CSV export into Postgres.
//
//	rule-seeder -file interactions.csv [-append] [-batch 100] [-workers 4]
//
// Without -append every existing rule is deleted first. Severity is inferred
// from each description; rows without a recognizable severity are skipped.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ocura360/rxguard/internal/config"
	"github.com/ocura360/rxguard/internal/infrastructure/postgres"
	"github.com/ocura360/rxguard/internal/observability/logging"
	"github.com/ocura360/rxguard/internal/seeder"
)

const serviceName = "rule-seeder"

func main() {
	def := seeder.DefaultConfig()
	file := flag.String("file", "", "CSV file with Drug 1, Drug 2 and Interaction Description columns")
	appendMode := flag.Bool("append", false, "keep existing rules")
	batch := flag.Int("batch", def.BatchSize, "rules per insert batch")
	workers := flag.Int("workers", def.Workers, "concurrent batch writers")
	flag.Parse()

	if *file == "" {
		flag.Usage()
		os.Exit(2)
	}

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

	if err := run(ctx, cfg, logger, *file, *appendMode, seeder.Config{BatchSize: *batch, Workers: *workers}); err != nil {
		logger.Error("seeding failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger, path string, appendMode bool, seedCfg seeder.Config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	rows, err := seeder.ReadRows(f)
	if err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	logger.Info("csv parsed", zap.String("file", path), zap.Int("rows", len(rows)))

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer pool.Close()
	if err := postgres.Migrate(ctx, pool, logger); err != nil {
		return err
	}

	byName, err := postgres.NewCatalog(pool, logger).CompositionsByName(ctx)
	if err != nil {
		return err
	}
	logger.Info("compositions loaded", zap.Int("count", len(byName)))

	store := postgres.NewRuleStore(pool, logger)
	if !appendMode {
		if _, err := store.ClearRules(ctx); err != nil {
			return err
		}
	}

	stats, err := seeder.New(store, seedCfg, logger).Seed(ctx, rows, byName)
	if encErr := json.NewEncoder(os.Stdout).Encode(stats); encErr != nil {
		logger.Warn("failed to write summary", zap.Error(encErr))
	}
	return err
}
