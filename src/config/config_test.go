package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv blanks every override so the host environment cannot leak in.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"POOL_DB_TYPE", "POOL_DB_PATH", "DATABASE_URL", "AKTOOLS_BASE_URL", "POOL_PORT", "POOL_LOG_LEVEL"} {
		t.Setenv(key, "")
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestNewConfigAppliesDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := NewConfig("")
	require.NoError(t, err)

	assert.Equal(t, "pool-observer", cfg.Name)
	assert.Equal(t, 8000, cfg.Port)
	assert.Equal(t, 50051, cfg.GrpcPort)
	assert.Equal(t, "sqlite", cfg.Storage.DBType)
	assert.Equal(t, "data/pool_observer.db", cfg.Storage.DBPath)
	assert.Equal(t, 8, cfg.DataSource.FetchTimeoutSeconds)
	assert.Equal(t, "xshg", cfg.Calendar.MIC)
	assert.Equal(t, "15:30", cfg.Calendar.SettleTime)
	assert.Equal(t, 366, cfg.Cache.MaxRangeDays)
}

func TestNewConfigReadsYAML(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
name: pools
port: 9100
storage:
  db_type: postgres
  db_connection_string: postgres://u:p@db:5432/pools?sslmode=disable
  schema: pools
data_source:
  base_url: http://aktools:8080
cache:
  range_concurrency: 2
scheduler:
  enabled: true
  warmup_lookback_days: 3
`)

	cfg, err := NewConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "pools", cfg.Name)
	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, "postgres", cfg.Storage.DBType)
	assert.Equal(t, "pools", cfg.Storage.Schema)
	assert.Equal(t, "http://aktools:8080", cfg.DataSource.BaseURL)
	assert.Equal(t, 2, cfg.Cache.RangeConcurrency)
	assert.True(t, cfg.Scheduler.Enabled)
	assert.Equal(t, 3, cfg.Scheduler.WarmupLookbackDays)
}

func TestEnvironmentOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://u:p@db:5432/pools")
	t.Setenv("AKTOOLS_BASE_URL", "http://upstream:9000")
	t.Setenv("POOL_PORT", "9200")
	t.Setenv("POOL_LOG_LEVEL", "DEBUG")

	cfg, err := NewConfig("")
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Storage.DBType, "a connection string selects the hosted backend")
	assert.Equal(t, "postgres://u:p@db:5432/pools", cfg.Storage.DBConnectionString)
	assert.Equal(t, "http://upstream:9000", cfg.DataSource.BaseURL)
	assert.Equal(t, 9200, cfg.Port)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
}

func TestExplicitDBTypeWinsOverDatabaseURL(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://u:p@db:5432/pools")
	t.Setenv("POOL_DB_TYPE", "sqlite")
	t.Setenv("POOL_DB_PATH", filepath.Join(t.TempDir(), "pools.db"))

	cfg, err := NewConfig("")
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Storage.DBType)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"low port":          "port: 80\n",
		"unknown backend":   "storage:\n  db_type: mysql\n",
		"postgres no dsn":   "storage:\n  db_type: postgres\n",
		"negative lookback": "scheduler:\n  warmup_lookback_days: -1\n",
		"negative rate":     "network:\n  rate_per_second: -1\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			_, err := NewConfig(writeConfig(t, body))
			require.Error(t, err)
		})
	}
}

func TestNewConfigMissingFile(t *testing.T) {
	clearEnv(t)
	_, err := NewConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	clearEnv(t)
	cfg, err := NewConfig("")
	require.NoError(t, err)
	cfg.Port = 9300

	path := filepath.Join(t.TempDir(), "saved.yaml")
	require.NoError(t, cfg.Save(path))

	reloaded, err := NewConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9300, reloaded.Port)
	assert.Equal(t, cfg.Calendar, reloaded.Calendar)
}
