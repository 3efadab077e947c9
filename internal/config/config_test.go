package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "8081", cfg.HTTPPort)
	require.Equal(t, "memory", cfg.StoreBackend)
	require.Equal(t, 2*time.Second, cfg.PollInterval)
	require.Equal(t, 5, cfg.MaxRetries)
	require.Equal(t, 15*time.Minute, cfg.AccessTTL)
	require.False(t, cfg.UsesRedis())
	require.Equal(t, []string{"*"}, cfg.CORSOrigins)
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("HTTP_PORT", "9000")
	t.Setenv("STORE_BACKEND", "Redis")
	t.Setenv("POLL_INTERVAL", "500ms")
	t.Setenv("MAX_RETRIES", "9")
	t.Setenv("CORS_ORIGINS", "https://proctor.example, ,https://exam.example")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "9000", cfg.HTTPPort)
	require.Equal(t, "redis", cfg.StoreBackend)
	require.Equal(t, 500*time.Millisecond, cfg.PollInterval)
	require.Equal(t, 9, cfg.MaxRetries)
	require.Equal(t, []string{"https://proctor.example", "https://exam.example"}, cfg.CORSOrigins)
	require.True(t, cfg.UsesRedis())
}

func TestLoad_ConfigFileBelowEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "examgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http_port: \"7000\"\nlog_level: debug\nsweep_interval: 1m\n"), 0o600))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "7000", cfg.HTTPPort)
	require.Equal(t, time.Minute, cfg.SweepInterval)
	require.Equal(t, "warn", cfg.LogLevel)
}

func TestLoad_Rejects(t *testing.T) {
	cases := map[string]string{
		"STORE_BACKEND":      "mongo",
		"POLL_INTERVAL":      "soon",
		"MAX_RETRIES":        "0",
		"RATE_LIMIT_PER_MIN": "0",
	}
	for key, val := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, val)
			_, err := Load()
			require.Error(t, err)
			require.Contains(t, err.Error(), key)
		})
	}
}

func TestLoad_MissingConfigFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := Load()
	require.Error(t, err)
}

func TestLoad_RedisQueueNeedsSharedStore(t *testing.T) {
	for _, store := range []string{"memory", "badger"} {
		t.Run(store, func(t *testing.T) {
			t.Setenv("QUEUE_BACKEND", "redis")
			t.Setenv("STORE_BACKEND", store)
			_, err := Load()
			require.Error(t, err)
			require.Contains(t, err.Error(), "QUEUE_BACKEND")
		})
	}
	for _, store := range []string{"postgres", "redis"} {
		t.Run(store, func(t *testing.T) {
			t.Setenv("QUEUE_BACKEND", "redis")
			t.Setenv("STORE_BACKEND", store)
			cfg, err := Load()
			require.NoError(t, err)
			require.True(t, cfg.SharedState())
		})
	}
}
