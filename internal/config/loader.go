package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies BUYBACK_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known BUYBACK_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "BUYBACK_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "BUYBACK_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "BUYBACK_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "BUYBACK_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "BUYBACK_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "BUYBACK_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "BUYBACK_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "BUYBACK_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "BUYBACK_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "BUYBACK_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "BUYBACK_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "BUYBACK_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "BUYBACK_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "BUYBACK_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "BUYBACK_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "BUYBACK_REDIS_TLS_ENABLED")
	setInt(&cfg.Redis.BalanceTTLSeconds, "BUYBACK_REDIS_BALANCE_TTL_SECONDS")
	setInt(&cfg.Redis.StreamMaxLen, "BUYBACK_REDIS_STREAM_MAX_LEN")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "BUYBACK_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "BUYBACK_S3_REGION")
	setStr(&cfg.S3.Bucket, "BUYBACK_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "BUYBACK_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "BUYBACK_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "BUYBACK_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "BUYBACK_S3_FORCE_PATH_STYLE")

	// ── Engine ──
	setDuration(&cfg.Engine.LockTTL, "BUYBACK_ENGINE_LOCK_TTL")
	setInt(&cfg.Engine.SettleRateLimit, "BUYBACK_ENGINE_SETTLE_RATE_LIMIT")
	setDuration(&cfg.Engine.SettleRateWindow, "BUYBACK_ENGINE_SETTLE_RATE_WINDOW")

	// ── Sweep ──
	setBool(&cfg.Sweep.Enabled, "BUYBACK_SWEEP_ENABLED")
	setDuration(&cfg.Sweep.Interval, "BUYBACK_SWEEP_INTERVAL")
	setInt(&cfg.Sweep.Parallelism, "BUYBACK_SWEEP_PARALLELISM")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "BUYBACK_ARCHIVE_ENABLED")
	setDuration(&cfg.Archive.Interval, "BUYBACK_ARCHIVE_INTERVAL")
	setInt(&cfg.Archive.RetentionDays, "BUYBACK_ARCHIVE_RETENTION_DAYS")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "BUYBACK_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "BUYBACK_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "BUYBACK_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "BUYBACK_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "BUYBACK_SERVER_RATE_LIMIT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "BUYBACK_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "BUYBACK_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "BUYBACK_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "BUYBACK_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "BUYBACK_MODE")
	setStr(&cfg.LogLevel, "BUYBACK_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				cleaned = append(cleaned, s)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
