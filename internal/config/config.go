package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig             `yaml:"store" mapstructure:"store"`
	Scheduler SchedulerConfig         `yaml:"scheduler" mapstructure:"scheduler"`
	Gate      GateConfig              `yaml:"gate" mapstructure:"gate"`
	Sources   map[string]SourceConfig `yaml:"sources" mapstructure:"sources"`
	Scoring   ScoringConfig           `yaml:"scoring" mapstructure:"scoring"`
	Anthropic AnthropicConfig         `yaml:"anthropic" mapstructure:"anthropic"`
	Adapters  AdapterConfig           `yaml:"adapters" mapstructure:"adapters"`
	Server    ServerConfig            `yaml:"server" mapstructure:"server"`
	Log       LogConfig               `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// SchedulerConfig sizes the per-job worker pool and the retry policy.
type SchedulerConfig struct {
	Workers           int     `yaml:"workers" mapstructure:"workers"`
	MaxAttempts       int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMS  int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffSecs    int     `yaml:"max_backoff_secs" mapstructure:"max_backoff_secs"`
	JitterFraction    float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
	MaxConcurrentJobs int     `yaml:"max_concurrent_jobs" mapstructure:"max_concurrent_jobs"`
}

// GateConfig bounds the fetch gate as a whole.
type GateConfig struct {
	GlobalCeiling int64 `yaml:"global_ceiling" mapstructure:"global_ceiling"`
}

// SourceConfig holds one source's rate limit, cache TTL, timeout, and
// scheduling weight.
type SourceConfig struct {
	Rate        float64 `yaml:"rate" mapstructure:"rate"`
	Burst       int     `yaml:"burst" mapstructure:"burst"`
	TTLHours    int     `yaml:"ttl_hours" mapstructure:"ttl_hours"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	Weight      int64   `yaml:"weight" mapstructure:"weight"`
}

// ScoringConfig holds the buying-signal score weights and scale.
type ScoringConfig struct {
	Weights  map[string]float64 `yaml:"weights" mapstructure:"weights"`
	ScaleMax float64            `yaml:"scale_max" mapstructure:"scale_max"`
}

// AnthropicConfig holds Anthropic API settings for the summarize step.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// AdapterConfig holds the outbound endpoints the source adapters hit.
type AdapterConfig struct {
	UserAgent    string `yaml:"user_agent" mapstructure:"user_agent"`
	JobsBaseURL  string `yaml:"jobs_base_url" mapstructure:"jobs_base_url"`
	ReposBaseURL string `yaml:"repos_base_url" mapstructure:"repos_base_url"`
	NewsBaseURL  string `yaml:"news_base_url" mapstructure:"news_base_url"`
}

// ServerConfig configures the REST server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("PROSPECT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "prospect.db")
	v.SetDefault("scheduler.workers", 4)
	v.SetDefault("scheduler.max_attempts", 3)
	v.SetDefault("scheduler.initial_backoff_ms", 500)
	v.SetDefault("scheduler.max_backoff_secs", 30)
	v.SetDefault("scheduler.jitter_fraction", 0.25)
	v.SetDefault("scheduler.max_concurrent_jobs", 3)
	v.SetDefault("gate.global_ceiling", 8)
	v.SetDefault("sources.site.rate", 2.0)
	v.SetDefault("sources.site.burst", 2)
	v.SetDefault("sources.site.ttl_hours", 24)
	v.SetDefault("sources.site.timeout_secs", 30)
	v.SetDefault("sources.site.weight", 1)
	v.SetDefault("sources.jobs.rate", 0.5)
	v.SetDefault("sources.jobs.burst", 1)
	v.SetDefault("sources.jobs.ttl_hours", 12)
	v.SetDefault("sources.jobs.timeout_secs", 45)
	v.SetDefault("sources.jobs.weight", 1)
	v.SetDefault("sources.repos.rate", 1.0)
	v.SetDefault("sources.repos.burst", 2)
	v.SetDefault("sources.repos.ttl_hours", 24)
	v.SetDefault("sources.repos.timeout_secs", 30)
	v.SetDefault("sources.repos.weight", 1)
	v.SetDefault("sources.news.rate", 1.0)
	v.SetDefault("sources.news.burst", 1)
	v.SetDefault("sources.news.ttl_hours", 6)
	v.SetDefault("sources.news.timeout_secs", 30)
	v.SetDefault("sources.news.weight", 1)
	v.SetDefault("scoring.weights.hiring_velocity", 0.35)
	v.SetDefault("scoring.weights.urgent_keywords", 0.25)
	v.SetDefault("scoring.weights.leadership_funding", 0.25)
	v.SetDefault("scoring.weights.tech_debt", 0.15)
	v.SetDefault("scoring.scale_max", 100)
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("adapters.user_agent", "prospect-intel/1.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the fields the given mode depends on. Modes: "run" (one
// shot CLI research), "serve" (REST server). Collected problems are reported
// together so a broken config surfaces everything at once.
func (c *Config) Validate(mode string) error {
	var problems []string

	switch mode {
	case "run", "serve":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if c.Store.Driver != "sqlite" && c.Store.Driver != "postgres" && c.Store.Driver != "memory" {
		problems = append(problems, "store.driver must be sqlite, postgres, or memory")
	}
	if c.Store.Driver != "memory" && c.Store.DatabaseURL == "" {
		problems = append(problems, "store.database_url is required")
	}
	if c.Anthropic.Key == "" {
		problems = append(problems, "anthropic.key is required")
	}
	if c.Scheduler.MaxConcurrentJobs < 1 || c.Scheduler.MaxConcurrentJobs > 50 {
		problems = append(problems, "scheduler.max_concurrent_jobs must be between 1 and 50")
	}
	if c.Scheduler.Workers < 1 || c.Scheduler.Workers > 64 {
		problems = append(problems, "scheduler.workers must be between 1 and 64")
	}
	if c.Gate.GlobalCeiling < 1 {
		problems = append(problems, "gate.global_ceiling must be > 0")
	}
	for name, w := range c.Scoring.Weights {
		if w < 0 {
			problems = append(problems, "scoring.weights."+name+" must be >= 0")
		}
	}
	if mode == "serve" && c.Server.Port <= 0 {
		problems = append(problems, "server.port must be > 0")
	}

	if len(problems) > 0 {
		return eris.New("config: " + strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
