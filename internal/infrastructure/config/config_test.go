package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
[strategies]
symbols = ["es", "ES", " nq "]
`))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, 60, cfg.Admission.RateMaxRequests)
	assert.Equal(t, time.Minute, cfg.RateWindow())
	assert.Equal(t, 5*time.Minute, cfg.ReplayDrift())
	assert.Equal(t, 24*time.Hour, cfg.IdempotencyTTL())
	assert.Equal(t, 5, cfg.Retry.MaxRetries)
	assert.Equal(t, time.Second, cfg.RetryInitialDelay())
	assert.Equal(t, 5*time.Minute, cfg.RetryMaxDelay())
	assert.Equal(t, 7*24*time.Hour, cfg.WalRetention())

	// symbols uppercased, trimmed, deduplicated
	assert.Equal(t, []string{"ES", "NQ"}, cfg.Strategies.Symbols)
}

func TestLoadValidatesDriver(t *testing.T) {
	_, err := Load(writeConfig(t, `
[storage]
driver = "cassandra"
`))
	require.Error(t, err)
}

func TestLoadPostgresNeedsDSN(t *testing.T) {
	_, err := Load(writeConfig(t, `
[storage]
driver = "postgres"
`))
	require.Error(t, err)

	cfg, err := Load(writeConfig(t, `
[storage]
driver = "postgres"
[storage.postgres]
dsn = "postgres://localhost/signalpipe"
`))
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Storage.Driver)
}

func TestLoadRedisNeedsAddr(t *testing.T) {
	_, err := Load(writeConfig(t, `
[redis]
enabled = true
addr = ""
`))
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}
