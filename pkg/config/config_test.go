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
	path := filepath.Join(t.TempDir(), "flowd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, 8, cfg.WorkerPoolSize)
	assert.Equal(t, 3, cfg.CallbackMaxRetries)
	assert.Equal(t, time.Second, cfg.CallbackBaseBackoff)
	assert.Equal(t, 5*time.Second, cfg.CancelGrace)
	assert.Equal(t, "default", cfg.DefaultUserID)
	assert.False(t, cfg.HookFailuresFatal)
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
listen_addr: ":9090"
worker_pool_size: 2
cancel_grace: 250ms
log_level: debug
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, 2, cfg.WorkerPoolSize)
	assert.Equal(t, 250*time.Millisecond, cfg.CancelGrace)
	assert.Equal(t, "debug", cfg.LogLevel)
	// Untouched keys keep their defaults.
	assert.Equal(t, 64, cfg.StreamBufferSize)
}

func TestEnvOverridesYAML(t *testing.T) {
	path := writeConfig(t, `listen_addr: ":9090"`)
	t.Setenv("FLOWD_LISTEN_ADDR", ":7070")
	t.Setenv("FLOWD_WORKER_POOL_SIZE", "16")
	t.Setenv("FLOWD_HOOK_FAILURES_FATAL", "true")
	t.Setenv("FLOWD_CANCEL_GRACE", "1s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.ListenAddr)
	assert.Equal(t, 16, cfg.WorkerPoolSize)
	assert.True(t, cfg.HookFailuresFatal)
	assert.Equal(t, time.Second, cfg.CancelGrace)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.Error(t, err)
	})
	t.Run("malformed yaml", func(t *testing.T) {
		_, err := Load(writeConfig(t, "listen_addr: [unclosed"))
		assert.Error(t, err)
	})
	t.Run("bad env int", func(t *testing.T) {
		t.Setenv("FLOWD_WORKER_POOL_SIZE", "many")
		_, err := Load("")
		assert.Error(t, err)
	})
	t.Run("bad env duration", func(t *testing.T) {
		t.Setenv("FLOWD_CANCEL_GRACE", "soon")
		_, err := Load("")
		assert.Error(t, err)
	})
	t.Run("zero workers", func(t *testing.T) {
		_, err := Load(writeConfig(t, "worker_pool_size: 0"))
		assert.Error(t, err)
	})
	t.Run("negative retries", func(t *testing.T) {
		_, err := Load(writeConfig(t, "callback_max_retries: -1"))
		assert.Error(t, err)
	})
}
