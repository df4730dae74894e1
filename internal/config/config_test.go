package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	originalDir, _ := os.Getwd()
	tmpDir := t.TempDir()
	os.Chdir(tmpDir)
	defer os.Chdir(originalDir)

	cfg, err := Load()
	require.NoError(t, err)

	// Server defaults
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 8081, cfg.Server.AdminPort)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)

	// Redis defaults
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 100, cfg.Redis.PoolSize)

	// Postgres defaults
	assert.Equal(t, int32(10), cfg.Postgres.MaxOpenConns)
	assert.Equal(t, int32(5), cfg.Postgres.MaxIdleConns)

	// Queue defaults
	assert.Equal(t, "dispatch", cfg.Queue.StreamPrefix)
	assert.Equal(t, "dispatchers", cfg.Queue.ConsumerGroup)
	assert.Equal(t, int64(1000000), cfg.Queue.MaxQueueSize)

	// Dispatch defaults
	assert.Equal(t, 1000, cfg.Dispatch.MaxItemsPerTrace)
	assert.Equal(t, 60, cfg.Dispatch.TraceTimeoutSeconds)
	assert.Equal(t, 3, cfg.Dispatch.DefaultMaxAttempts)

	// Metrics defaults
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)

	// Auth defaults
	assert.True(t, cfg.Auth.Enabled)

	// Logging defaults
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoad_WithConfigFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := tmpDir + "/config.yaml"

	configContent := `
server:
  host: "127.0.0.1"
  port: 9090

redis:
  addr: "custom-redis:6380"
  password: "secret"
  db: 1

dispatch:
  maxitemspertrace: 50

loglevel: "warn"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	originalDir, _ := os.Getwd()
	os.Chdir(tmpDir)
	defer os.Chdir(originalDir)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "custom-redis:6380", cfg.Redis.Addr)
	assert.Equal(t, "secret", cfg.Redis.Password)
	assert.Equal(t, 1, cfg.Redis.DB)
	assert.Equal(t, 50, cfg.Dispatch.MaxItemsPerTrace)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestRedisConfig_Fields(t *testing.T) {
	cfg := RedisConfig{
		Addr:         "redis:6379",
		Password:     "pass",
		DB:           1,
		PoolSize:     50,
		MinIdleConns: 5,
		MaxRetries:   5,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	assert.Equal(t, "redis:6379", cfg.Addr)
	assert.Equal(t, "pass", cfg.Password)
	assert.Equal(t, 1, cfg.DB)
}

func TestDispatchConfig_Fields(t *testing.T) {
	cfg := DispatchConfig{
		MaxItemsPerTrace:    100,
		TraceTimeoutSeconds: 60,
		DefaultMaxAttempts:  3,
		ConsumerIDPrefix:    "dispatcher",
		ClaimInterval:       10 * time.Second,
	}

	assert.Equal(t, 100, cfg.MaxItemsPerTrace)
	assert.Equal(t, "dispatcher", cfg.ConsumerIDPrefix)
}

func TestQueueConfig_Fields(t *testing.T) {
	cfg := QueueConfig{
		StreamPrefix:     "dispatch",
		ConsumerGroup:    "dispatchers",
		MaxQueueSize:     100000,
		BlockTimeout:     5 * time.Second,
		ClaimMinIdle:     30 * time.Second,
		RecoveryInterval: 10 * time.Second,
	}

	assert.Equal(t, "dispatch", cfg.StreamPrefix)
	assert.Equal(t, "dispatchers", cfg.ConsumerGroup)
}
