package redis

import (
	"context"
	"errors"
	"time"

	"github.com/lingokids/progression-hub/pkg/circuitbreaker"
	"github.com/lingokids/progression-hub/pkg/logger"
)

// StarCache caches a kid's total star count. Every operation is best
// effort: a Redis failure is logged and reported as a miss.
type StarCache struct {
	kv      KV
	breaker *circuitbreaker.CircuitBreaker
	ttl     time.Duration
	log     *logger.Logger
}

// NewStarCache creates a star total cache.
func NewStarCache(kv KV, log *logger.Logger) *StarCache {
	if log == nil {
		log = logger.Nop()
	}
	log = log.With(logger.Component("star_cache"))

	return &StarCache{
		kv: kv,
		breaker: circuitbreaker.CacheBreaker("redis-star-totals", func(name string, from, to circuitbreaker.State) {
			log.Warn("cache breaker state changed",
				logger.String("breaker", name),
				logger.String("from", from.String()),
				logger.String("to", to.String()),
			)
		}),
		ttl: TTLStarTotal,
		log: log,
	}
}

// Breaker exposes the cache's circuit breaker for health and metrics.
func (c *StarCache) Breaker() *circuitbreaker.CircuitBreaker { return c.breaker }

// Get returns the cached total, the version it was read under and whether
// it was present. A version below zero means the cache could not be read
// and the caller must not Set.
func (c *StarCache) Get(ctx context.Context, kidID string) (int, int64, bool) {
	var total int
	version := int64(-1)
	hit := false
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		var v int64
		if err := c.kv.Get(ctx, StarVersionKey(kidID), &v); err != nil && !errors.Is(err, ErrCacheMiss) {
			return err
		}
		err := c.kv.Get(ctx, StarTotalKey(kidID, v), &total)
		if err != nil && !errors.Is(err, ErrCacheMiss) {
			return err
		}
		version = v
		hit = err == nil
		return nil
	})
	if err != nil && !circuitbreaker.IsRejected(err) {
		c.log.Warn("star cache read failed", logger.KidID(kidID), logger.Err(err))
	}
	return total, version, hit
}

// Set stores total for kidID under version. A Set that lost a race with
// Invalidate writes to a key Get no longer reads.
func (c *StarCache) Set(ctx context.Context, kidID string, version int64, total int) {
	if version < 0 {
		return
	}
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.kv.Set(ctx, StarTotalKey(kidID, version), total, c.ttl)
	})
	if err != nil && !circuitbreaker.IsRejected(err) {
		c.log.Warn("star cache write failed", logger.KidID(kidID), logger.Err(err))
	}
}

// Invalidate bumps the kid's version; totals stored under older versions
// expire on their own.
func (c *StarCache) Invalidate(ctx context.Context, kidID string) error {
	return c.breaker.Execute(ctx, func(ctx context.Context) error {
		_, err := c.kv.Incr(ctx, StarVersionKey(kidID), TTLStarVersion)
		return err
	})
}
