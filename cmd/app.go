package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/prospect-intel/internal/adapter"
	"github.com/sells-group/prospect-intel/internal/cache"
	"github.com/sells-group/prospect-intel/internal/config"
	"github.com/sells-group/prospect-intel/internal/correlate"
	"github.com/sells-group/prospect-intel/internal/gate"
	"github.com/sells-group/prospect-intel/internal/jobs"
	"github.com/sells-group/prospect-intel/internal/model"
	"github.com/sells-group/prospect-intel/internal/resilience"
	"github.com/sells-group/prospect-intel/internal/scheduler"
	"github.com/sells-group/prospect-intel/internal/store"
	"github.com/sells-group/prospect-intel/pkg/anthropic"
)

// env is the wired application: store, cache, gate, scheduler, manager.
type env struct {
	Store   store.Store
	Cache   *cache.Cache
	Gate    *gate.Gate
	Manager *jobs.Manager
}

// Close shuts the manager down gracefully and closes the store.
func (e *env) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = e.Manager.Shutdown(ctx)
	_ = e.Gate.Drain(ctx)
	_ = e.Store.Close()
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "memory":
		return store.NewMemory(), nil
	case "sqlite":
		return store.NewSQLite(cfg.Store.DatabaseURL)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL)
	default:
		return nil, eris.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func gateConfigs(sources map[string]config.SourceConfig) map[model.SourceKey]gate.SourceConfig {
	out := make(map[model.SourceKey]gate.SourceConfig, len(sources))
	for key, sc := range sources {
		out[model.SourceKey(key)] = gate.SourceConfig{
			Rate:    sc.Rate,
			Burst:   sc.Burst,
			TTL:     time.Duration(sc.TTLHours) * time.Hour,
			Timeout: time.Duration(sc.TimeoutSecs) * time.Second,
			Weight:  sc.Weight,
		}
	}
	return out
}

func scoringWeights(sc config.ScoringConfig) correlate.Weights {
	return correlate.Weights{
		HiringVelocity:    sc.Weights["hiring_velocity"],
		UrgentKeywords:    sc.Weights["urgent_keywords"],
		LeadershipFunding: sc.Weights["leadership_funding"],
		TechDebt:          sc.Weights["tech_debt"],
	}
}

// initEnv wires the full stack from config.
func initEnv(ctx context.Context) (*env, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "init store")
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	registry := adapter.NewRegistry(nil, adapter.Options{
		UserAgent:    cfg.Adapters.UserAgent,
		JobsBaseURL:  cfg.Adapters.JobsBaseURL,
		ReposBaseURL: cfg.Adapters.ReposBaseURL,
		NewsBaseURL:  cfg.Adapters.NewsBaseURL,
	})
	resultCache := cache.New()
	g := gate.New(registry, resultCache, gateConfigs(cfg.Sources), cfg.Gate.GlobalCeiling, nil)

	client := anthropic.NewClient(cfg.Anthropic.Key)
	summarizer := adapter.NewSummarizer(client, cfg.Anthropic.Model, cfg.Anthropic.MaxTokens)
	engine := correlate.New(scoringWeights(cfg.Scoring), cfg.Scoring.ScaleMax)

	sched := scheduler.New(g, summarizer, engine, st, scheduler.Config{
		Workers:     cfg.Scheduler.Workers,
		MaxAttempts: cfg.Scheduler.MaxAttempts,
		Backoff: resilience.BackoffConfig{
			Initial:        time.Duration(cfg.Scheduler.InitialBackoffMS) * time.Millisecond,
			Max:            time.Duration(cfg.Scheduler.MaxBackoffSecs) * time.Second,
			Multiplier:     2,
			JitterFraction: cfg.Scheduler.JitterFraction,
		},
	})
	mgr := jobs.NewManager(st, sched, cfg.Scheduler.MaxConcurrentJobs)

	return &env{Store: st, Cache: resultCache, Gate: g, Manager: mgr}, nil
}
