package interaction

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Outcome describes how a check ended
type Outcome string

const (
	OutcomeSkipped Outcome = "skipped"
	OutcomeChecked Outcome = "checked"
	OutcomeFailed  Outcome = "failed"
)

// Report is the result of one interaction check
type Report struct {
	Outcome      Outcome       `json:"outcome"`
	Compositions []Composition `json:"compositions"`
	Warnings     []Warning     `json:"-"`
	Groups       Groups        `json:"warnings"`
	CheckedAt    time.Time     `json:"checkedAt"`
}

// Observer receives check results, e.g. for metrics
type Observer interface {
	ObserveCheck(outcome Outcome, duration time.Duration, warnings []Warning)
}

// CheckerOption configures a Checker
type CheckerOption func(*Checker)

// WithObserver attaches an observer
func WithObserver(o Observer) CheckerOption {
	return func(c *Checker) { c.observer = o }
}

// Checker runs resolve -> match -> group for a medication list
type Checker struct {
	matcher  *Matcher
	observer Observer
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// NewChecker creates a checker over store
func NewChecker(store RuleStore, logger *zap.Logger, opts ...CheckerOption) *Checker {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Checker{
		matcher: NewMatcher(store, logger),
		logger:  logger,
		tracer:  otel.Tracer("interaction-checker"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Check checks a medication list. Lists with fewer than two medications, or
// fewer than two distinct compositions, are skipped without a lookup.
func (c *Checker) Check(ctx context.Context, meds []Medication) (*Report, error) {
	res := Resolve(meds)
	if len(meds) < 2 {
		return c.skipped(res), nil
	}
	return c.run(ctx, res, len(meds))
}

// CheckCompositions checks a bare composition list
func (c *Checker) CheckCompositions(ctx context.Context, comps []Composition) (*Report, error) {
	return c.run(ctx, ResolveCompositions(comps), 0)
}

func (c *Checker) run(ctx context.Context, res Resolution, medCount int) (*Report, error) {
	if !res.Checkable() {
		return c.skipped(res), nil
	}

	ctx, span := c.tracer.Start(ctx, "check_interactions",
		trace.WithAttributes(
			attribute.Int("medication_count", medCount),
			attribute.Int("composition_count", len(res.Compositions)),
		))
	defer span.End()

	start := c.now()
	warnings, err := c.matcher.FindInteractions(ctx, res)
	elapsed := c.now().Sub(start)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		span.RecordError(err)
		c.observe(OutcomeFailed, elapsed, nil)
		return &Report{
			Outcome:      OutcomeFailed,
			Compositions: res.Compositions,
			Groups:       GroupBySeverity(nil),
			CheckedAt:    c.now().UTC(),
		}, err
	}

	sorted := SortBySeverity(warnings)
	c.observe(OutcomeChecked, elapsed, sorted)
	c.logger.Info("interaction check completed",
		zap.Int("medication_count", medCount),
		zap.Int("composition_count", len(res.Compositions)),
		zap.Int("warning_count", len(sorted)),
		zap.Duration("duration", elapsed))

	return &Report{
		Outcome:      OutcomeChecked,
		Compositions: res.Compositions,
		Warnings:     sorted,
		Groups:       GroupBySeverity(sorted),
		CheckedAt:    c.now().UTC(),
	}, nil
}

func (c *Checker) skipped(res Resolution) *Report {
	c.observe(OutcomeSkipped, 0, nil)
	return &Report{
		Outcome:      OutcomeSkipped,
		Compositions: res.Compositions,
		Groups:       GroupBySeverity(nil),
		CheckedAt:    c.now().UTC(),
	}
}

func (c *Checker) observe(o Outcome, d time.Duration, ws []Warning) {
	if c.observer != nil {
		c.observer.ObserveCheck(o, d, ws)
	}
}
