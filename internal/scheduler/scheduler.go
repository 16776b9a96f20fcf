// Package scheduler runs the periodic housekeeping of the interaction API:
// expiring idle drafts, releasing stale idempotency keys and pruning
// per-client rate limit buckets.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"
)

// Drafts is the open draft registry
type Drafts interface {
	Sweep(maxIdle time.Duration) int
	Len() int
}

// Inbox is the submission idempotency inbox
type Inbox interface {
	RecoverStale(ctx context.Context) (int64, error)
	Cleanup(ctx context.Context) (int64, error)
}

// Pruner drops idle rate limit buckets
type Pruner interface {
	Prune(maxIdle time.Duration) int
}

// Gauge receives the open draft count
type Gauge interface {
	SetActiveDrafts(n int)
}

// Config holds job intervals
type Config struct {
	DraftTTL     time.Duration
	SweepEvery   time.Duration
	RecoverEvery time.Duration
	CleanupEvery time.Duration
	PruneEvery   time.Duration
	LimiterIdle  time.Duration
	JobTimeout   time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		DraftTTL:     30 * time.Minute,
		SweepEvery:   time.Minute,
		RecoverEvery: time.Minute,
		CleanupEvery: time.Hour,
		PruneEvery:   5 * time.Minute,
		LimiterIdle:  10 * time.Minute,
		JobTimeout:   30 * time.Second,
	}
}

// Scheduler owns the gocron scheduler and the jobs registered on it. Any of
// drafts, inbox, pruner and gauge may be nil; their jobs are then skipped.
type Scheduler struct {
	config    Config
	drafts    Drafts
	inbox     Inbox
	pruner    Pruner
	gauge     Gauge
	logger    *zap.Logger
	scheduler *gocron.Scheduler
}

// New creates a scheduler
func New(cfg Config, drafts Drafts, inbox Inbox, pruner Pruner, gauge Gauge, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.DraftTTL <= 0 {
		cfg.DraftTTL = def.DraftTTL
	}
	if cfg.SweepEvery <= 0 {
		cfg.SweepEvery = def.SweepEvery
	}
	if cfg.RecoverEvery <= 0 {
		cfg.RecoverEvery = def.RecoverEvery
	}
	if cfg.CleanupEvery <= 0 {
		cfg.CleanupEvery = def.CleanupEvery
	}
	if cfg.PruneEvery <= 0 {
		cfg.PruneEvery = def.PruneEvery
	}
	if cfg.LimiterIdle <= 0 {
		cfg.LimiterIdle = def.LimiterIdle
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = def.JobTimeout
	}
	return &Scheduler{
		config:    cfg,
		drafts:    drafts,
		inbox:     inbox,
		pruner:    pruner,
		gauge:     gauge,
		logger:    logger,
		scheduler: gocron.NewScheduler(time.UTC),
	}
}

// Start registers every job and starts the scheduler in the background
func (s *Scheduler) Start() error {
	jobs := []struct {
		name  string
		every time.Duration
		fn    func()
		on    bool
	}{
		{"sweep_drafts", s.config.SweepEvery, s.SweepDrafts, s.drafts != nil},
		{"recover_inbox", s.config.RecoverEvery, s.RecoverInbox, s.inbox != nil},
		{"cleanup_inbox", s.config.CleanupEvery, s.CleanupInbox, s.inbox != nil},
		{"prune_limiter", s.config.PruneEvery, s.PruneLimiter, s.pruner != nil},
	}

	for _, job := range jobs {
		if !job.on {
			continue
		}
		if _, err := s.scheduler.Every(job.every).SingletonMode().Do(job.fn); err != nil {
			return fmt.Errorf("failed to schedule %s: %w", job.name, err)
		}
		s.logger.Debug("job scheduled", zap.String("job", job.name), zap.Duration("every", job.every))
	}

	s.scheduler.StartAsync()
	return nil
}

// Stop stops the scheduler
func (s *Scheduler) Stop() {
	s.scheduler.Stop()
}

// Jobs returns the number of registered jobs
func (s *Scheduler) Jobs() int { return len(s.scheduler.Jobs()) }

// SweepDrafts abandons drafts idle past the TTL and reports the open count
func (s *Scheduler) SweepDrafts() {
	if n := s.drafts.Sweep(s.config.DraftTTL); n > 0 {
		s.logger.Info("idle drafts expired", zap.Int("count", n))
	}
	if s.gauge != nil {
		s.gauge.SetActiveDrafts(s.drafts.Len())
	}
}

// RecoverInbox releases submissions stuck in progress
func (s *Scheduler) RecoverInbox() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.JobTimeout)
	defer cancel()
	if _, err := s.inbox.RecoverStale(ctx); err != nil {
		s.logger.Error("failed to recover stale idempotency keys", zap.Error(err))
	}
}

// CleanupInbox deletes expired idempotency keys
func (s *Scheduler) CleanupInbox() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.JobTimeout)
	defer cancel()
	n, err := s.inbox.Cleanup(ctx)
	if err != nil {
		s.logger.Error("failed to clean up idempotency keys", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("expired idempotency keys removed", zap.Int64("count", n))
	}
}

// PruneLimiter drops rate limit buckets of clients gone quiet
func (s *Scheduler) PruneLimiter() {
	if n := s.pruner.Prune(s.config.LimiterIdle); n > 0 {
		s.logger.Debug("rate limit buckets pruned", zap.Int("count", n))
	}
}
