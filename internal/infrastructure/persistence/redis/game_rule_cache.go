package redis

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/lingokids/progression-hub/internal/domain/progression"
	"github.com/lingokids/progression-hub/internal/domain/shared"
	"github.com/lingokids/progression-hub/pkg/circuitbreaker"
	"github.com/lingokids/progression-hub/pkg/logger"
	"github.com/lingokids/progression-hub/pkg/retry"
)

// cachedRule is the cached form of a lookup. Missing records a negative
// lookup so unconfigured keys do not hit the database on every attempt.
type cachedRule struct {
	Rule    progression.GameRule `json:"rule"`
	Missing bool                 `json:"missing,omitempty"`
}

// GameRuleCache is a read-through progression.RuleLookup. Redis failures
// degrade to the source lookup; concurrent misses for one key share a
// single source query.
type GameRuleCache struct {
	kv      KV
	source  progression.RuleLookup
	breaker *circuitbreaker.CircuitBreaker
	retrier *retry.Retrier
	group   singleflight.Group
	ttl     time.Duration
	log     *logger.Logger
}

// NewGameRuleCache wraps source with a Redis cache.
func NewGameRuleCache(kv KV, source progression.RuleLookup, log *logger.Logger) *GameRuleCache {
	if log == nil {
		log = logger.Nop()
	}
	log = log.With(logger.Component("game_rule_cache"))

	return &GameRuleCache{
		kv:     kv,
		source: source,
		breaker: circuitbreaker.CacheBreaker("redis-game-rules", func(name string, from, to circuitbreaker.State) {
			log.Warn("cache breaker state changed",
				logger.String("breaker", name),
				logger.String("from", from.String()),
				logger.String("to", to.String()),
			)
		}),
		retrier: retry.CacheRetrier(),
		ttl:     TTLGameRule,
		log:     log,
	}
}

// Breaker exposes the cache's circuit breaker for health and metrics.
func (c *GameRuleCache) Breaker() *circuitbreaker.CircuitBreaker { return c.breaker }

// Find returns the rule for key, consulting Redis first.
func (c *GameRuleCache) Find(ctx context.Context, key progression.RuleKey) (*progression.GameRule, error) {
	cacheKey := RuleKey(key.String())

	var cached cachedRule
	hit := false
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		err := c.kv.Get(ctx, cacheKey, &cached)
		if errors.Is(err, ErrCacheMiss) {
			return nil
		}
		if err == nil {
			hit = true
		}
		return err
	})
	if err != nil && !circuitbreaker.IsRejected(err) {
		c.log.Warn("game rule cache read failed", logger.String("key", cacheKey), logger.Err(err))
	}

	if hit {
		if cached.Missing {
			return nil, shared.ErrRuleNotFound
		}
		rule := cached.Rule
		return &rule, nil
	}

	v, err, _ := c.group.Do(cacheKey, func() (interface{}, error) {
		rule, err := c.source.Find(ctx, key)
		switch {
		case errors.Is(err, shared.ErrRuleNotFound):
			c.store(ctx, cacheKey, cachedRule{Missing: true})
			return nil, err
		case err != nil:
			return nil, err
		}
		c.store(ctx, cacheKey, cachedRule{Rule: *rule})
		return rule, nil
	})
	if err != nil {
		return nil, err
	}

	rule := *v.(*progression.GameRule)
	return &rule, nil
}

// Invalidate drops cached entries for keys. A lost invalidation serves the
// old rule until TTL, so the delete is retried once.
func (c *GameRuleCache) Invalidate(ctx context.Context, keys ...progression.RuleKey) error {
	if len(keys) == 0 {
		return nil
	}

	cacheKeys := make([]string, 0, len(keys))
	for _, k := range keys {
		cacheKeys = append(cacheKeys, RuleKey(k.String()))
	}

	return c.retrier.Do(ctx, func(ctx context.Context) error {
		err := c.breaker.Execute(ctx, func(ctx context.Context) error {
			return c.kv.Delete(ctx, cacheKeys...)
		})
		if circuitbreaker.IsRejected(err) {
			return retry.Permanent(err)
		}
		return err
	})
}

func (c *GameRuleCache) store(ctx context.Context, key string, value cachedRule) {
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.kv.Set(ctx, key, value, c.ttl)
	})
	if err != nil && !circuitbreaker.IsRejected(err) {
		c.log.Warn("game rule cache write failed", logger.String("key", key), logger.Err(err))
	}
}
