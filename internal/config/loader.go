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
// built-in defaults, applies POOLLEDGER_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load. An empty path skips the
// file and starts from the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known POOLLEDGER_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Operator ──
	setStr(&cfg.Operator.PrivateKey, "POOLLEDGER_OPERATOR_PRIVATE_KEY")
	setStr(&cfg.Operator.EncryptedKeyPath, "POOLLEDGER_OPERATOR_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Operator.KeyPassword, "POOLLEDGER_OPERATOR_KEY_PASSWORD")

	// ── Ledger ──
	setBool(&cfg.Ledger.StrictPhases, "POOLLEDGER_LEDGER_STRICT_PHASES")
	setInt64(&cfg.Ledger.ChainID, "POOLLEDGER_LEDGER_CHAIN_ID")
	setInt(&cfg.Ledger.NativeDecimals, "POOLLEDGER_LEDGER_NATIVE_DECIMALS")
	setDuration(&cfg.Ledger.CommandTTL, "POOLLEDGER_LEDGER_COMMAND_TTL")
	setDuration(&cfg.Ledger.LockTTL, "POOLLEDGER_LEDGER_LOCK_TTL")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "POOLLEDGER_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // platform alias
	setStr(&cfg.Postgres.Host, "POOLLEDGER_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "POOLLEDGER_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "POOLLEDGER_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "POOLLEDGER_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "POOLLEDGER_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "POOLLEDGER_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "POOLLEDGER_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "POOLLEDGER_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "POOLLEDGER_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "POOLLEDGER_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "POOLLEDGER_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "POOLLEDGER_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "POOLLEDGER_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "POOLLEDGER_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "POOLLEDGER_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.Namespace, "POOLLEDGER_REDIS_NAMESPACE")
	setInt(&cfg.Redis.StreamMaxLen, "POOLLEDGER_REDIS_STREAM_MAX_LEN")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "POOLLEDGER_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "POOLLEDGER_S3_REGION")
	setStr(&cfg.S3.Bucket, "POOLLEDGER_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "POOLLEDGER_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "POOLLEDGER_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "POOLLEDGER_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "POOLLEDGER_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.Prefix, "POOLLEDGER_S3_PREFIX")

	// ── Server ──
	setInt(&cfg.Server.Port, "POOLLEDGER_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "POOLLEDGER_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.AdminKey, "POOLLEDGER_SERVER_ADMIN_KEY")
	setStr(&cfg.Server.AdminSecret, "POOLLEDGER_SERVER_ADMIN_SECRET")
	setInt(&cfg.Server.RateLimit, "POOLLEDGER_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "POOLLEDGER_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "POOLLEDGER_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "POOLLEDGER_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "POOLLEDGER_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "POOLLEDGER_NOTIFY_EVENTS")

	// ── Archive ──
	setDuration(&cfg.Archive.Interval, "POOLLEDGER_ARCHIVE_INTERVAL")
	setStr(&cfg.Archive.Cron, "POOLLEDGER_ARCHIVE_CRON")
	setInt(&cfg.Archive.RetentionDays, "POOLLEDGER_ARCHIVE_RETENTION_DAYS")
	setBool(&cfg.Archive.Prune, "POOLLEDGER_ARCHIVE_PRUNE")

	// ── Top-level ──
	setStr(&cfg.Mode, "POOLLEDGER_MODE")
	setStr(&cfg.LogLevel, "POOLLEDGER_LOG_LEVEL")
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

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
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
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
