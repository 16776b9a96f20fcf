// Package resilience bounds rule-store lookups with a per-call timeout and a
// circuit breaker, so a slow or failing store surfaces as a check failure
// quickly instead of holding a draft in the loading state.
package resilience

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ocura360/rxguard/internal/domain/interaction"
	"github.com/ocura360/rxguard/pkg/circuitbreaker"
)

// GuardedStore is an interaction.RuleStore with a timeout and breaker
type GuardedStore struct {
	store   interaction.RuleStore
	breaker *circuitbreaker.CircuitBreaker
	timeout time.Duration
	logger  *zap.Logger
}

// NewGuardedStore wraps store. A zero timeout disables the per-call bound.
func NewGuardedStore(store interaction.RuleStore, breaker *circuitbreaker.CircuitBreaker, timeout time.Duration, logger *zap.Logger) *GuardedStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GuardedStore{
		store:   store,
		breaker: breaker,
		timeout: timeout,
		logger:  logger,
	}
}

// LookupInteractions calls the wrapped store through the breaker
func (g *GuardedStore) LookupInteractions(ctx context.Context, ids []interaction.CompositionID) ([]interaction.Rule, error) {
	var rules []interaction.Rule
	err := g.breaker.Do(ctx, func(ctx context.Context) error {
		if g.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, g.timeout)
			defer cancel()
		}
		var err error
		rules, err = g.store.LookupInteractions(ctx, ids)
		return err
	})
	if err != nil {
		if ctx.Err() == nil {
			g.logger.Warn("rule lookup failed",
				zap.Int("composition_count", len(ids)),
				zap.String("breaker_state", string(g.breaker.State())),
				zap.Error(err))
		}
		return nil, fmt.Errorf("rule lookup: %w", err)
	}
	return rules, nil
}

// Health reports the breaker state
func (g *GuardedStore) Health() circuitbreaker.HealthStatus {
	return g.breaker.Health()
}
