package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

var keys = []string{
	"PORT", "STORE_BACKEND", "DATABASE_URL", "MONGODB_URI", "MONGODB_DATABASE",
	"PRESENCE_BACKEND", "REDIS_URL", "CORS_ORIGIN", "LOG_LEVEL", "EVENT_RATE", "EVENT_BURST",
}

// clearEnv unsets every config key for the test, restoring them afterwards.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.Error(t, err)
	assert.Nil(t, cfg)

	empty := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(empty, nil, 0o600))
	cfg, err = Load(empty)
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, BackendPostgres, cfg.StoreBackend)
	assert.Equal(t, BackendRedis, cfg.PresenceBackend)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Equal(t, rate.Limit(20), cfg.EventRate)
	assert.Equal(t, 40, cfg.EventBurst)
}

func TestLoadEnvFileDoesNotOverrideEnvironment(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("PORT=9000\nSTORE_BACKEND=memory\nLOG_LEVEL=debug\n"), 0o600))
	t.Setenv("PORT", "7000")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "7000", cfg.Port)
	assert.Equal(t, BackendMemory, cfg.StoreBackend)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	empty := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(empty, nil, 0o600))

	tests := []struct{ key, value string }{
		{"STORE_BACKEND", "sqlite"},
		{"PRESENCE_BACKEND", "etcd"},
		{"LOG_LEVEL", "loud"},
		{"EVENT_RATE", "fast"},
		{"EVENT_RATE", "-1"},
		{"EVENT_BURST", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)
			_, err := Load(empty)
			assert.Error(t, err)
		})
	}
}
