// Package cache provides a Redis read-through cache in front of the
// interaction rule store.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ocura360/rxguard/internal/domain/interaction"
)

// Config holds cache settings
type Config struct {
	// TTL bounds how long a cached lookup is served
	TTL time.Duration
	// Prefix namespaces every key
	Prefix string
	// LookupTimeout bounds a shared store lookup, which outlives the caller
	// that started it
	LookupTimeout time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		TTL:           10 * time.Minute,
		Prefix:        "rxguard:rules",
		LookupTimeout: 5 * time.Second,
	}
}

// Observer receives cache hit and miss counts
type Observer interface {
	ObserveCache(hit bool)
}

// RuleCache is an interaction.RuleStore that caches lookups in Redis. Keys
// embed a generation number; Invalidate bumps the generation so every
// earlier entry stops being read. Redis failures fall through to the store,
// never to an empty result. Concurrent identical lookups share one store
// call.
type RuleCache struct {
	rdb      *redis.Client
	store    interaction.RuleStore
	config   Config
	group    singleflight.Group
	observer Observer
	logger   *zap.Logger
}

// NewRuleCache wraps store with a Redis cache
func NewRuleCache(rdb *redis.Client, store interaction.RuleStore, cfg Config, logger *zap.Logger) *RuleCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultConfig().Prefix
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = DefaultConfig().LookupTimeout
	}
	return &RuleCache{
		rdb:    rdb,
		store:  store,
		config: cfg,
		logger: logger,
	}
}

// SetObserver attaches an observer
func (c *RuleCache) SetObserver(o Observer) { c.observer = o }

// Key returns the cache key of a composition set, independent of order
func Key(prefix string, generation int64, ids []interaction.CompositionID) string {
	sorted := make([]string, len(ids))
	for i, id := range ids {
		sorted[i] = string(id)
	}
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "\x1f")))
	return fmt.Sprintf("%s:%d:%s", prefix, generation, hex.EncodeToString(sum[:]))
}

func (c *RuleCache) generationKey() string { return c.config.Prefix + ":gen" }

// LookupInteractions serves from Redis when possible
func (c *RuleCache) LookupInteractions(ctx context.Context, ids []interaction.CompositionID) ([]interaction.Rule, error) {
	gen, err := c.rdb.Get(ctx, c.generationKey()).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		c.logger.Warn("rule cache unavailable, reading store", zap.Error(err))
		return c.shared(ctx, "nocache:"+Key("", 0, ids), ids, "")
	}

	key := Key(c.config.Prefix, gen, ids)
	raw, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var rules []interaction.Rule
		if jerr := json.Unmarshal(raw, &rules); jerr == nil {
			c.observe(true)
			return rules, nil
		}
		c.logger.Warn("discarding undecodable cache entry", zap.String("key", key))
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("rule cache read failed, reading store", zap.Error(err))
		return c.shared(ctx, "nocache:"+key, ids, "")
	}

	c.observe(false)
	return c.shared(ctx, key, ids, key)
}

// shared runs one store lookup per key and, when cacheKey is set, writes the
// result back. The lookup is detached from ctx so a cancelled caller does
// not fail the others waiting on it.
func (c *RuleCache) shared(ctx context.Context, flightKey string, ids []interaction.CompositionID, cacheKey string) ([]interaction.Rule, error) {
	ch := c.group.DoChan(flightKey, func() (interface{}, error) {
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.LookupTimeout)
		defer cancel()

		rules, err := c.store.LookupInteractions(lookupCtx, ids)
		if err != nil {
			return nil, err
		}
		if cacheKey != "" {
			c.write(lookupCtx, cacheKey, rules)
		}
		return rules, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]interaction.Rule), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *RuleCache) write(ctx context.Context, key string, rules []interaction.Rule) {
	if rules == nil {
		rules = []interaction.Rule{}
	}
	raw, err := json.Marshal(rules)
	if err != nil {
		c.logger.Warn("failed to encode rules for cache", zap.Error(err))
		return
	}
	if err := c.rdb.Set(ctx, key, raw, c.config.TTL).Err(); err != nil {
		c.logger.Warn("rule cache write failed", zap.Error(err))
	}
}

// Invalidate bumps the generation, orphaning every cached lookup
func (c *RuleCache) Invalidate(ctx context.Context) (int64, error) {
	gen, err := c.rdb.Incr(ctx, c.generationKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("bump rule cache generation: %w", err)
	}
	c.logger.Info("rule cache invalidated", zap.Int64("generation", gen))
	return gen, nil
}

func (c *RuleCache) observe(hit bool) {
	if c.observer != nil {
		c.observer.ObserveCache(hit)
	}
}
