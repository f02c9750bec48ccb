package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DefaultListenHost, cfg.Server.Host)
	assert.Equal(t, DefaultListenPort, cfg.Server.Port)
	assert.Equal(t, DefaultStopTimeout, cfg.Server.StopTimeout)
	assert.NotEmpty(t, cfg.Storage.DatabasePath, "falls back to the per-user path")
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultListenPort, cfg.Server.Port)
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  host: 0.0.0.0
  port: 9999
  stop_timeout: 2s
storage:
  database_path: /tmp/other.db
logging:
  level: debug
  pretty: true
metrics:
  enabled: false
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, 2*time.Second, cfg.Server.StopTimeout)
	assert.Equal(t, "/tmp/other.db", cfg.Storage.DatabasePath)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Pretty)
	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, "0.0.0.0:9999", cfg.ListenAddr())
}

func TestEnvOverridesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9999\n"), 0o600))

	t.Setenv("CC_SWITCH_PORT", "8111")
	t.Setenv("CC_SWITCH_HOST", "127.0.0.2")
	t.Setenv("CC_SWITCH_DB", filepath.Join(t.TempDir(), "env.db"))
	t.Setenv("CC_SWITCH_LOG_LEVEL", "warn")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8111, cfg.Server.Port)
	assert.Equal(t, "127.0.0.2", cfg.Server.Host)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoadRejectsBadPort(t *testing.T) {
	t.Setenv("CC_SWITCH_PORT", "70000")
	_, err := Load("")
	assert.Error(t, err)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [not a map"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}
