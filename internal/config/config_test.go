package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "prospect.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 4, cfg.Scheduler.Workers)
	assert.Equal(t, 3, cfg.Scheduler.MaxAttempts)
	assert.Equal(t, 500, cfg.Scheduler.InitialBackoffMS)
	assert.Equal(t, 30, cfg.Scheduler.MaxBackoffSecs)
	assert.InDelta(t, 0.25, cfg.Scheduler.JitterFraction, 0.001)
	assert.Equal(t, 3, cfg.Scheduler.MaxConcurrentJobs)
	assert.Equal(t, int64(8), cfg.Gate.GlobalCeiling)
	assert.InDelta(t, 0.5, cfg.Sources["jobs"].Rate, 0.001)
	assert.Equal(t, 12, cfg.Sources["jobs"].TTLHours)
	assert.Equal(t, 45, cfg.Sources["jobs"].TimeoutSecs)
	assert.Equal(t, 2, cfg.Sources["site"].Burst)
	assert.Equal(t, 6, cfg.Sources["news"].TTLHours)
	assert.InDelta(t, 0.35, cfg.Scoring.Weights["hiring_velocity"], 0.001)
	assert.InDelta(t, 0.25, cfg.Scoring.Weights["urgent_keywords"], 0.001)
	assert.InDelta(t, 0.25, cfg.Scoring.Weights["leadership_funding"], 0.001)
	assert.InDelta(t, 0.15, cfg.Scoring.Weights["tech_debt"], 0.001)
	assert.Equal(t, 100.0, cfg.Scoring.ScaleMax)
	assert.Equal(t, int64(1024), cfg.Anthropic.MaxTokens)
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/prospect
log:
  level: debug
  format: console
server:
  port: 9090
scheduler:
  workers: 8
sources:
  jobs:
    rate: 2.0
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 8, cfg.Scheduler.Workers)
	assert.InDelta(t, 2.0, cfg.Sources["jobs"].Rate, 0.001)
	// Defaults still apply for unset values
	assert.Equal(t, 3, cfg.Scheduler.MaxAttempts)
	assert.Equal(t, 12, cfg.Sources["jobs"].TTLHours)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("PROSPECT_STORE_DRIVER", "postgres")
	t.Setenv("PROSPECT_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	t.Setenv("PROSPECT_SERVER_PORT", "3000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config that passes validation, for tests that
// break one field at a time.
func validDefaults() *Config {
	return &Config{
		Store: StoreConfig{Driver: "sqlite", DatabaseURL: "prospect.db"},
		Scheduler: SchedulerConfig{
			Workers:           4,
			MaxAttempts:       3,
			MaxConcurrentJobs: 3,
		},
		Gate:      GateConfig{GlobalCeiling: 8},
		Scoring:   ScoringConfig{Weights: map[string]float64{"hiring_velocity": 0.35}, ScaleMax: 100},
		Anthropic: AnthropicConfig{Key: "sk-ant-key"},
		Server:    ServerConfig{Port: 8080},
	}
}

func TestValidate_AllPresent(t *testing.T) {
	assert.NoError(t, validDefaults().Validate("run"))
	assert.NoError(t, validDefaults().Validate("serve"))
}

func TestValidate_MissingFields(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.DatabaseURL = ""
	cfg.Anthropic.Key = ""

	err := cfg.Validate("run")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")
	assert.Contains(t, err.Error(), "anthropic.key is required")
}

func TestValidate_MemoryDriverNeedsNoURL(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "memory"
	cfg.Store.DatabaseURL = ""

	assert.NoError(t, cfg.Validate("run"))
}

func TestValidate_UnknownDriver(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "mysql"

	err := cfg.Validate("run")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver")
}

func TestValidate_ServePort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	// Only serve mode needs a port.
	assert.NoError(t, cfg.Validate("run"))
	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
}

func TestValidate_UnknownMode(t *testing.T) {
	err := validDefaults().Validate("batch")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestValidate_ConcurrencyBounds(t *testing.T) {
	cfg := validDefaults()

	cfg.Scheduler.MaxConcurrentJobs = 0
	err := cfg.Validate("run")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "max_concurrent_jobs must be between 1 and 50")

	cfg.Scheduler.MaxConcurrentJobs = 51
	err = cfg.Validate("run")
	assert.Error(t, err)

	cfg.Scheduler.MaxConcurrentJobs = 50
	assert.NoError(t, cfg.Validate("run"))
}

func TestValidate_NegativeScoringWeight(t *testing.T) {
	cfg := validDefaults()
	cfg.Scoring.Weights["tech_debt"] = -0.5

	err := cfg.Validate("run")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "scoring.weights.tech_debt must be >= 0")
}
