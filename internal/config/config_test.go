package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/conductor/internal/store"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "conductor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	c, err := Load("")
	require.NoError(t, err)

	assert.NotEmpty(t, c.Node.ID)
	assert.Equal(t, store.DriverSQLite, c.Database.Driver)
	assert.Equal(t, "conductor.db", c.Database.DSN)
	assert.Equal(t, 3, c.Acquisition.MaxJobs)
	assert.Equal(t, 5*time.Second, c.Acquisition.WaitTime)
	assert.Equal(t, time.Minute, c.Acquisition.MaxWait)
	assert.Equal(t, 2.0, c.Acquisition.BackoffMultiplier)
	assert.Equal(t, 5*time.Minute, c.Acquisition.LockDuration)
	assert.Equal(t, 4, c.Workers.Count)
	assert.False(t, c.Retry.Legacy)
	assert.Equal(t, 3, c.Retry.DefaultRetries)
	assert.Equal(t, 3, c.Command.MaxAttempts)
	assert.Empty(t, c.Metrics.Addr)
}

func TestLoad_FileAndEnvironment(t *testing.T) {
	path := writeConfig(t, `
node:
  id: node-7
database:
  driver: pgx
  dsn: postgres://localhost/conductor
acquisition:
  max_jobs: 10
  wait_time: 2s
  lock_duration: 1m
retry:
  legacy: true
  interval: 30s
`)
	t.Setenv("CONDUCTOR_ACQUISITION_MAX_JOBS", "25")
	t.Setenv("CONDUCTOR_WORKERS_COUNT", "16")

	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "node-7", c.Node.ID)
	assert.Equal(t, store.DriverPostgres, c.Database.Driver)
	assert.Equal(t, 25, c.Acquisition.MaxJobs, "environment wins over file")
	assert.Equal(t, 2*time.Second, c.Acquisition.WaitTime)
	assert.Equal(t, time.Minute, c.Acquisition.LockDuration)
	assert.Equal(t, 16, c.Workers.Count)

	p := c.RetryPolicy()
	assert.True(t, p.Legacy)
	assert.Equal(t, 30*time.Second, p.Interval)

	so := c.StoreOptions()
	assert.Equal(t, "postgres://localhost/conductor", so.DSN)

	o := c.SchedulerOptions()
	assert.Equal(t, 2*time.Second, o.WaitTime)
	assert.Equal(t, 2.0, o.Multiplier)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_Invalid(t *testing.T) {
	tests := map[string]string{
		"driver":     "database:\n  driver: oracle\n",
		"max jobs":   "acquisition:\n  max_jobs: 0\n",
		"max wait":   "acquisition:\n  wait_time: 10s\n  max_wait: 1s\n",
		"multiplier": "acquisition:\n  backoff_multiplier: 0.5\n",
		"workers":    "workers:\n  count: 0\n",
		"retries":    "retry:\n  default_retries: -1\n",
		"attempts":   "command:\n  max_attempts: 0\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}
