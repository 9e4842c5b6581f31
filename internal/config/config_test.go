package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pyramid.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"APCA_API_KEY_ID", "APCA_API_SECRET_KEY", "DATA_DIR", "SQLITE_PATH",
		"LOG_LEVEL", "REDIS_ADDR", "KAFKA_BROKERS", "HTTP_PORT", "PYRAMID_ALICE_API_KEY"} {
		t.Setenv(k, "")
	}
}

func TestLoad(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
storage:
  data_dir: "/tmp/pyramid/data"
  sqlite_path: "/tmp/pyramid/pyramid.db"
server:
  port: 8181
alpaca:
  api_key: "test-key"
  api_secret: "test-secret"
logging:
  level: "debug"
  format: "text"
strategy:
  capital_per_trade: 2500
  oscillator_cache_ttl: 5m
orders:
  max_retry_attempts: 5
  broker_timeout: 15s
users:
  - id: alice
    paper: true
  - id: bob
    enabled: false
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/pyramid/data", cfg.Storage.DataDir)
	assert.Equal(t, 8181, cfg.Server.Port)
	assert.Equal(t, 9090, cfg.Server.GRPCPort, "default grpc port")
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, 2500.0, cfg.Strategy.CapitalPerTrade)
	assert.Equal(t, 20.0, cfg.Strategy.L1Threshold, "strategy defaults kept")
	assert.Equal(t, 50.0, cfg.Strategy.ExitThreshold, "strategy defaults kept")
	assert.Equal(t, 10.0, cfg.Strategy.OscillatorCacheMargin)
	assert.Equal(t, 5*time.Minute, cfg.Strategy.OscillatorCacheTTL)
	assert.Equal(t, 5, cfg.Orders.MaxRetryAttempts)
	assert.Equal(t, 15*time.Second, cfg.Orders.BrokerTimeout)
	assert.Equal(t, 30*time.Second, cfg.Orders.ShutdownGrace, "default grace")
	assert.Len(t, cfg.Schedule, len(DefaultSchedule()))

	require.Len(t, cfg.Users, 2)
	assert.True(t, cfg.Users[0].IsEnabled())
	assert.False(t, cfg.Users[1].IsEnabled())
	assert.Equal(t, "https://paper-api.alpaca.markets", cfg.TradingURL(cfg.Users[0]))

	key, secret := cfg.Credentials(cfg.Users[0])
	assert.Equal(t, "test-key", key)
	assert.Equal(t, "test-secret", secret)
	assert.NoError(t, cfg.Validate())
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
alpaca:
  api_key: "yaml-key"
  api_secret: "yaml-secret"
storage:
  data_dir: "/original/data"
users:
  - id: alice
`)

	t.Setenv("APCA_API_KEY_ID", "env-key")
	t.Setenv("DATA_DIR", "/env/data")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("PYRAMID_ALICE_API_KEY", "alice-key")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "env-key", cfg.Alpaca.APIKey)
	// No env override for the secret.
	assert.Equal(t, "yaml-secret", cfg.Alpaca.APISecret)
	assert.Equal(t, "/env/data", cfg.Storage.DataDir)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "alice-key", cfg.Users[0].APIKey)
}

func TestValidateAggregatesErrors(t *testing.T) {
	cfg := Default()
	cfg.Strategy.L2Threshold = 25
	cfg.Strategy.OscillatorCacheTTL = -time.Minute
	cfg.Orders.MaxRetryAttempts = 0
	cfg.Market.TradingDays = []string{"monday", "funday"}
	cfg.Schedule = []TaskConfig{{Name: "reconcile", At: "25:99"}}

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"thresholds must descend", "oscillator cache", "max_retry_attempts",
		"funday", "schedule reconcile", "no enabled user"} {
		assert.ErrorContains(t, err, want)
	}
}

func TestTaskSchedules(t *testing.T) {
	rows, err := Default().TaskSchedules()
	require.NoError(t, err)

	var names []string
	for _, r := range rows {
		names = append(names, r.TaskName)
		assert.True(t, r.Enabled, "task %s should default to enabled", r.TaskName)
	}
	for _, name := range []string{"retry_pending", "exit_initialize", "exit_monitor", "status_sync",
		"retry_pending_intraday", "reentry_evaluate", "reconcile"} {
		assert.Contains(t, names, name)
	}
}
