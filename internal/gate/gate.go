// Package gate is the single choke point for outbound fetches: a cache
// lookup, a per-source token bucket, a global concurrency ceiling, and a
// per-source circuit breaker wrap every adapter call.
package gate

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/sells-group/prospect-intel/internal/adapter"
	"github.com/sells-group/prospect-intel/internal/cache"
	"github.com/sells-group/prospect-intel/internal/model"
	"github.com/sells-group/prospect-intel/internal/resilience"
)

// SourceConfig holds one source's gate settings.
type SourceConfig struct {
	// Rate is the token bucket refill rate, tokens per second.
	Rate float64
	// Burst is the bucket capacity.
	Burst int
	// TTL is how long a cached result for this source stays live.
	TTL time.Duration
	// Timeout bounds one adapter call.
	Timeout time.Duration
	// Weight is how much of the global ceiling one fetch consumes. A
	// heavyweight scraping path declares a larger weight; the hint affects
	// scheduling only, never fetch semantics.
	Weight int64
}

func (c SourceConfig) withDefaults() SourceConfig {
	if c.Rate <= 0 {
		c.Rate = 1
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.TTL <= 0 {
		c.TTL = 24 * time.Hour
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Weight <= 0 {
		c.Weight = 1
	}
	return c
}

// Gate wraps the adapter registry with caching, rate limits, and breakers.
// One Gate is shared by every running job: the limits model the external
// targets' tolerance, not any single job's budget.
type Gate struct {
	adapters adapter.Registry
	cache    *cache.Cache
	configs  map[model.SourceKey]SourceConfig
	limiters map[model.SourceKey]*rate.Limiter
	breakers *resilience.SourceBreakers

	// global bounds concurrently held fetch permits across all sources.
	// semaphore.Weighted queues waiters in FIFO order.
	global  *semaphore.Weighted
	ceiling int64
}

// New constructs the gate. Construct once at startup and inject everywhere;
// nothing here is a package-level singleton.
func New(adapters adapter.Registry, resultCache *cache.Cache, configs map[model.SourceKey]SourceConfig, globalCeiling int64, breakers *resilience.SourceBreakers) *Gate {
	if globalCeiling <= 0 {
		globalCeiling = 8
	}
	if breakers == nil {
		breakers = resilience.NewSourceBreakers(resilience.DefaultBreakerConfig())
	}

	cfgs := make(map[model.SourceKey]SourceConfig, len(configs))
	limiters := make(map[model.SourceKey]*rate.Limiter, len(configs))
	for src, cfg := range configs {
		cfg = cfg.withDefaults()
		cfgs[src] = cfg
		limiters[src] = rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst)
	}
	// Sources without explicit config still get a bucket so the limiter maps
	// stay read-only after construction.
	for _, src := range model.KnownSources {
		if _, ok := limiters[src]; !ok {
			cfg := SourceConfig{}.withDefaults()
			cfgs[src] = cfg
			limiters[src] = rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst)
		}
	}

	return &Gate{
		adapters: adapters,
		cache:    resultCache,
		configs:  cfgs,
		limiters: limiters,
		breakers: breakers,
		global:   semaphore.NewWeighted(globalCeiling),
		ceiling:  globalCeiling,
	}
}

func (g *Gate) config(src model.SourceKey) SourceConfig {
	if cfg, ok := g.configs[src]; ok {
		return cfg
	}
	return SourceConfig{}.withDefaults()
}

// Fetch returns the source's result for the company, from cache when a live
// entry exists (no token consumed, no adapter call), otherwise via the
// adapter under the source's bucket and the global ceiling. Successful
// results are cached with the source's TTL; failures are never cached.
func (g *Gate) Fetch(ctx context.Context, src model.SourceKey, company model.Company) (*model.FetchResult, bool, error) {
	fp := company.Fingerprint()

	if entry := g.cache.Get(src, fp); entry != nil {
		zap.L().Debug("gate: cache hit",
			zap.String("source", string(src)),
			zap.String("fingerprint", fp),
		)
		return entry.Result, true, nil
	}

	breaker := g.breakers.Get(string(src))
	if err := breaker.Allow(); err != nil {
		return nil, false, err
	}

	cfg := g.config(src)

	if err := g.global.Acquire(ctx, cfg.Weight); err != nil {
		return nil, false, resilience.Retryable(string(src), eris.Wrap(err, "gate: global ceiling"))
	}
	defer g.global.Release(cfg.Weight)

	limiter, ok := g.limiters[src]
	if !ok {
		return nil, false, resilience.Permanent(string(src), eris.Errorf("gate: no limiter for source %s", src))
	}
	if err := limiter.Wait(ctx); err != nil {
		return nil, false, resilience.Retryable(string(src), eris.Wrap(err, "gate: token bucket"))
	}

	a, err := g.adapters.Get(src)
	if err != nil {
		return nil, false, err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	result, err := a.Fetch(fetchCtx, company)
	breaker.Record(err)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(ctx.Err(), context.Canceled) {
			err = resilience.Retryable(string(src), eris.Wrap(err, "gate: adapter timeout"))
		}
		return nil, false, err
	}

	// Under a racing fetch for the same key the first writer wins; both
	// callers observe identical content.
	entry, stored := g.cache.Put(src, fp, result, cfg.TTL)
	if !stored {
		zap.L().Debug("gate: lost cache write race, using stored entry",
			zap.String("source", string(src)),
		)
	}
	return entry.Result, false, nil
}

// Drain blocks until every in-flight permit is released, then holds the
// whole ceiling. Used at shutdown so outbound calls finish cleanly.
func (g *Gate) Drain(ctx context.Context) error {
	if err := g.global.Acquire(ctx, g.ceiling); err != nil {
		return eris.Wrap(err, "gate: drain")
	}
	return nil
}
