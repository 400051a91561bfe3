package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "parade"
	cfg.Engine.SettleRateLimit = 0
	cfg.Server.Port = 99999

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
	assert.Contains(t, err.Error(), "settle_rate_limit")
	assert.Contains(t, err.Error(), "port must be 1-65535")
}

func TestValidateTelegramPairing(t *testing.T) {
	cfg := Defaults()
	cfg.Notify.TelegramToken = "tok"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "telegram_token and telegram_chat_id")
}

func TestLoadMergesFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	body := `
mode = "sweep"
log_level = "debug"

[postgres]
host = "db.internal"
database = "buyback_test"

[engine]
lock_ttl = "45s"

[sweep]
enabled = true
interval = "2m"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	t.Setenv("BUYBACK_POSTGRES_PASSWORD", "sekrit")
	t.Setenv("BUYBACK_SWEEP_PARALLELISM", "8")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "sweep", cfg.Mode)
	assert.Equal(t, "db.internal", cfg.Postgres.Host)
	assert.Equal(t, "buyback_test", cfg.Postgres.Database)
	assert.Equal(t, "sekrit", cfg.Postgres.Password)
	assert.Equal(t, 45*time.Second, cfg.Engine.LockTTL.Duration)
	assert.True(t, cfg.Sweep.Enabled)
	assert.Equal(t, 2*time.Minute, cfg.Sweep.Interval.Duration)
	assert.Equal(t, 8, cfg.Sweep.Parallelism)

	// Untouched fields keep their defaults.
	assert.Equal(t, 5432, cfg.Postgres.Port)
	require.NoError(t, cfg.Validate())
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Postgres.Password = "hunter2"
	cfg.Server.APIKey = "key"
	cfg.S3.SecretKey = "shhh"

	red := RedactedConfig(&cfg)
	assert.Equal(t, "***", red.Postgres.Password)
	assert.Equal(t, "***", red.Server.APIKey)
	assert.Equal(t, "***", red.S3.SecretKey)

	// Original untouched.
	assert.Equal(t, "hunter2", cfg.Postgres.Password)
}
