package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":19100", cfg.Server.MetricsAddress)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "fleetpolicy.db", cfg.Storage.Path)
	assert.Equal(t, "opa", cfg.Authz.Driver)
	assert.Equal(t, "fleet/authz", cfg.Authz.Entrypoint)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  metrics_address: ":9999"
storage:
  driver: memory
authz:
  driver: static
logging:
  level: debug
  pretty: true
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.Server.MetricsAddress)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, "static", cfg.Authz.Driver)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Pretty)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FLEETPOLICY_METRICS_ADDR", ":7777")
	t.Setenv("FLEETPOLICY_STORAGE_DRIVER", "memory")
	t.Setenv("FLEETPOLICY_LOG_LEVEL", "warn")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":7777", cfg.Server.MetricsAddress)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestValidateStorage(t *testing.T) {
	cfg := StorageConfig{Driver: "postgres"}
	assert.Error(t, cfg.Validate())

	cfg = StorageConfig{Driver: "sqlite", Path: "  "}
	assert.Error(t, cfg.Validate())

	cfg = StorageConfig{Driver: "SQLite", Path: "state.db"}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "sqlite", cfg.Driver)
}

func TestValidateAuthz(t *testing.T) {
	cfg := AuthzConfig{Driver: "ldap"}
	assert.Error(t, cfg.Validate())

	cfg = AuthzConfig{}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "opa", cfg.Driver)
	assert.Equal(t, "fleet/authz", cfg.Entrypoint)
}

func TestValidateLogging(t *testing.T) {
	cfg := LoggingConfig{Level: "verbose"}
	assert.Error(t, cfg.Validate())

	cfg = LoggingConfig{Level: "WARN"}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "warn", cfg.Level)
}
