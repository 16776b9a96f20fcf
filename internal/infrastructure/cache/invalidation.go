package cache

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/ocura360/rxguard/internal/domain/interaction"
	"github.com/ocura360/rxguard/internal/infrastructure/redpanda"
)

// Invalidator is the part of the cache the rule-change listener needs
type Invalidator interface {
	Invalidate(ctx context.Context) (int64, error)
}

// RuleChangeHandler returns a consumer handler that invalidates the cache on
// every rule change. A payload that cannot be decoded still invalidates; a
// stale rule set is worse than a cold cache.
func RuleChangeHandler(inv Invalidator, logger *zap.Logger) redpanda.MessageHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, msg *redpanda.ConsumedMessage) error {
		var change interaction.RuleChange
		if err := json.Unmarshal(msg.Value, &change); err != nil {
			logger.Warn("undecodable rule change, invalidating anyway",
				zap.Int64("offset", msg.Offset), zap.Error(err))
		} else {
			logger.Info("rule change received",
				zap.String("action", string(change.Action)),
				zap.String("composition_a", string(change.CompositionA)),
				zap.String("composition_b", string(change.CompositionB)),
				zap.Int("count", change.Count))
		}

		if _, err := inv.Invalidate(ctx); err != nil {
			return fmt.Errorf("invalidate rule cache: %w", err)
		}
		return nil
	}
}
