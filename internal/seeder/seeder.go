package seeder

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ocura360/rxguard/internal/domain/interaction"
	"github.com/ocura360/rxguard/pkg/workerpool"
)

// RuleWriter persists rule batches
type RuleWriter interface {
	InsertBatch(ctx context.Context, rules []interaction.Rule) (int, error)
}

// Stats summarizes a seeding run
type Stats struct {
	Rows            int      `json:"rows"`
	Rules           int      `json:"rules"`
	Created         int      `json:"created"`
	Duplicates      int      `json:"duplicates"`
	UnknownSeverity int      `json:"unknownSeverity"`
	Incomplete      int      `json:"incomplete"`
	SelfPairs       int      `json:"selfPairs"`
	FailedBatches   int      `json:"failedBatches"`
	MissingNames    []string `json:"missingNames,omitempty"`
}

// Config controls batching and concurrency
type Config struct {
	BatchSize int
	Workers   int
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{BatchSize: 100, Workers: 4}
}

// BuildRules turns rows into canonical rules. Rows naming an unknown
// composition, pairing a composition with itself or carrying a description
// with no recognizable severity are skipped and counted. A pair repeated in
// the file keeps its first row.
func BuildRules(rows []Row, byName map[string]interaction.Composition) ([]interaction.Rule, Stats) {
	stats := Stats{Rows: len(rows)}
	missing := map[string]struct{}{}
	seen := map[interaction.Pair]struct{}{}
	var rules []interaction.Rule

	for _, row := range rows {
		if row.Drug1 == "" || row.Drug2 == "" || row.Description == "" {
			stats.Incomplete++
			continue
		}
		a, okA := byName[strings.ToLower(row.Drug1)]
		b, okB := byName[strings.ToLower(row.Drug2)]
		if !okA {
			missing[row.Drug1] = struct{}{}
		}
		if !okB {
			missing[row.Drug2] = struct{}{}
		}
		if !okA || !okB {
			continue
		}

		severity, ok := InferSeverity(row.Description)
		if !ok {
			stats.UnknownSeverity++
			continue
		}

		rule, err := interaction.Rule{
			CompositionA: a,
			CompositionB: b,
			Severity:     severity,
			Description:  row.Description,
		}.Canonical()
		if errors.Is(err, interaction.ErrSelfPair) {
			stats.SelfPairs++
			continue
		}
		if err != nil {
			stats.Incomplete++
			continue
		}
		pair, _ := rule.Pair()
		if _, dup := seen[pair]; dup {
			stats.Duplicates++
			continue
		}
		seen[pair] = struct{}{}
		rules = append(rules, rule)
	}

	for name := range missing {
		stats.MissingNames = append(stats.MissingNames, name)
	}
	sort.Strings(stats.MissingNames)
	stats.Rules = len(rules)
	return rules, stats
}

// Seeder writes rules in concurrent batches
type Seeder struct {
	writer RuleWriter
	config Config
	logger *zap.Logger
}

// New creates a seeder
func New(writer RuleWriter, cfg Config, logger *zap.Logger) *Seeder {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	return &Seeder{writer: writer, config: cfg, logger: logger}
}

// Seed builds rules from rows and writes them. Batches that still fail after
// retries are counted in FailedBatches; the returned error joins their causes.
func (s *Seeder) Seed(ctx context.Context, rows []Row, byName map[string]interaction.Composition) (Stats, error) {
	rules, stats := BuildRules(rows, byName)
	for _, name := range stats.MissingNames {
		s.logger.Warn("composition not found", zap.String("name", name))
	}
	if len(rules) == 0 {
		return stats, nil
	}

	batches := make([][]interaction.Rule, 0, len(rules)/s.config.BatchSize+1)
	for start := 0; start < len(rules); start += s.config.BatchSize {
		end := start + s.config.BatchSize
		if end > len(rules) {
			end = len(rules)
		}
		batches = append(batches, rules[start:end])
	}

	poolCfg := workerpool.DefaultConfig()
	poolCfg.Workers = s.config.Workers
	pool, err := workerpool.New(ctx, poolCfg, func(ctx context.Context, task *workerpool.Task) (interface{}, error) {
		return s.writer.InsertBatch(ctx, task.Payload.([]interaction.Rule))
	}, s.logger)
	if err != nil {
		return stats, err
	}
	pool.Start()

	sizes := make(map[string]int, len(batches))
	for i, batch := range batches {
		sizes[fmt.Sprintf("batch-%d", i)] = len(batch)
	}

	submitErr := make(chan error, 1)
	go func() {
		defer pool.Close()
		for i, batch := range batches {
			task := &workerpool.Task{ID: fmt.Sprintf("batch-%d", i), Payload: batch}
			if err := pool.Submit(ctx, task); err != nil {
				submitErr <- fmt.Errorf("submit %s: %w", task.ID, err)
				return
			}
		}
		submitErr <- nil
	}()

	started := time.Now()
	var errs []error
	for result := range pool.Results() {
		if result.Err != nil {
			stats.FailedBatches++
			errs = append(errs, fmt.Errorf("%s: %w", result.TaskID, result.Err))
			continue
		}
		inserted, _ := result.Data.(int)
		stats.Created += inserted
		stats.Duplicates += sizes[result.TaskID] - inserted
	}
	if err := <-submitErr; err != nil {
		errs = append(errs, err)
	}

	s.logger.Info("interaction rules seeded",
		zap.Int("rows", stats.Rows),
		zap.Int("created", stats.Created),
		zap.Int("duplicates", stats.Duplicates),
		zap.Int("unknown_severity", stats.UnknownSeverity),
		zap.Int("missing_compositions", len(stats.MissingNames)),
		zap.Int("failed_batches", stats.FailedBatches),
		zap.Duration("took", time.Since(started)))
	return stats, errors.Join(errs...)
}
