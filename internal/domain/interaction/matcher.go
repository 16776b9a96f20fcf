package interaction

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// RuleStore looks up interaction rules in bulk. Implementations return every
// rule whose pair lies within ids, and a non-nil error when the lookup could
// not be completed. Callers never invoke it with fewer than two ids.
type RuleStore interface {
	LookupInteractions(ctx context.Context, ids []CompositionID) ([]Rule, error)
}

// Matcher finds the interactions present in a resolved composition set
type Matcher struct {
	store  RuleStore
	logger *zap.Logger
	tracer trace.Tracer
}

// NewMatcher creates a matcher backed by store
func NewMatcher(store RuleStore, logger *zap.Logger) *Matcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Matcher{
		store:  store,
		logger: logger,
		tracer: otel.Tracer("interaction-matcher"),
	}
}

type warningKey struct {
	pair        Pair
	severity    Severity
	description string
}

// FindInteractions returns one warning per rule whose pair is fully contained
// in res. Store failures are reported as ErrInteractionCheckFailed; a
// cancelled ctx is returned unwrapped so superseded checks can be told apart.
func (m *Matcher) FindInteractions(ctx context.Context, res Resolution) ([]Warning, error) {
	if !res.Checkable() {
		return nil, ErrResolutionSkipped
	}

	ids := res.IDs()
	ctx, span := m.tracer.Start(ctx, "lookup_interactions",
		trace.WithAttributes(attribute.Int("composition_count", len(ids))))
	defer span.End()

	rules, err := m.store.LookupInteractions(ctx, ids)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, ctx.Err()
		}
		span.RecordError(err)
		m.logger.Error("interaction lookup failed",
			zap.Int("composition_count", len(ids)),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrInteractionCheckFailed, err)
	}

	seen := make(map[warningKey]struct{}, len(rules))
	warnings := make([]Warning, 0, len(rules))
	for _, r := range rules {
		canon, err := r.Canonical()
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("%w: malformed rule %s/%s: %w",
				ErrInteractionCheckFailed, r.CompositionA.ID, r.CompositionB.ID, err)
		}
		p, _ := canon.Pair()
		if !res.Has(p.A) || !res.Has(p.B) {
			continue
		}
		key := warningKey{pair: p, severity: canon.Severity, description: canon.Description}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		warnings = append(warnings, m.toWarning(canon, res))
	}

	span.SetAttributes(attribute.Int("warning_count", len(warnings)))
	return warnings, nil
}

func (m *Matcher) toWarning(r Rule, res Resolution) Warning {
	w := Warning{
		CompositionA:   r.CompositionA,
		CompositionB:   r.CompositionB,
		Severity:       r.Severity,
		Description:    r.Description,
		Recommendation: r.Recommendation,
		MedicationsA:   res.Attribution[r.CompositionA.ID],
		MedicationsB:   res.Attribution[r.CompositionB.ID],
	}
	for _, c := range res.Compositions {
		if w.CompositionA.Name == "" && c.ID == w.CompositionA.ID {
			w.CompositionA.Name = c.Name
		}
		if w.CompositionB.Name == "" && c.ID == w.CompositionB.ID {
			w.CompositionB.Name = c.Name
		}
	}
	return w
}
