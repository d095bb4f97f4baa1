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
// built-in defaults, applies RACED_* environment variable overrides, and
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

// applyEnvOverrides reads well-known RACED_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── Engine ──
	setDuration(&cfg.Engine.GraceInterval, "RACED_ENGINE_GRACE_INTERVAL")
	setDuration(&cfg.Engine.ProgressWindow, "RACED_ENGINE_PROGRESS_WINDOW")
	setDuration(&cfg.Engine.SweepInterval, "RACED_ENGINE_SWEEP_INTERVAL")
	setDuration(&cfg.Engine.RetryInterval, "RACED_ENGINE_RETRY_INTERVAL")
	setInt64(&cfg.Engine.DefaultRakeBps, "RACED_ENGINE_DEFAULT_RAKE_BPS")
	setInt64(&cfg.Engine.JackpotShareBps, "RACED_ENGINE_JACKPOT_SHARE_BPS")
	setInt(&cfg.Engine.ArchiveRetentionDays, "RACED_ENGINE_ARCHIVE_RETENTION_DAYS")

	// ── Pricing ──
	setStr(&cfg.Pricing.BaseURL, "RACED_PRICING_BASE_URL")
	setStr(&cfg.Pricing.APIKey, "RACED_PRICING_API_KEY")
	setDuration(&cfg.Pricing.FetchTimeout, "RACED_PRICING_FETCH_TIMEOUT")
	setInt(&cfg.Pricing.FetchRetries, "RACED_PRICING_FETCH_RETRIES")
	setDuration(&cfg.Pricing.CacheTTL, "RACED_PRICING_CACHE_TTL")

	// ── Feed ──
	setBool(&cfg.Feed.Enabled, "RACED_FEED_ENABLED")
	setStr(&cfg.Feed.WsURL, "RACED_FEED_WS_URL")

	// ── Chain ──
	setStr(&cfg.Chain.RPCURL, "RACED_CHAIN_RPC_URL")
	setInt64(&cfg.Chain.ChainID, "RACED_CHAIN_ID")
	setStr(&cfg.Chain.TreasuryAddress, "RACED_CHAIN_TREASURY_ADDRESS")
	setStr(&cfg.Chain.PrivateKey, "RACED_CHAIN_PRIVATE_KEY")
	setStr(&cfg.Chain.EncryptedKeyPath, "RACED_CHAIN_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Chain.KeyPassword, "RACED_CHAIN_KEY_PASSWORD")
	setDuration(&cfg.Chain.ConfirmTimeout, "RACED_CHAIN_CONFIRM_TIMEOUT")
	setBool(&cfg.Chain.DryRun, "RACED_CHAIN_DRY_RUN")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "RACED_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "RACED_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "RACED_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "RACED_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "RACED_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "RACED_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "RACED_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "RACED_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "RACED_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "RACED_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "RACED_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "RACED_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "RACED_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "RACED_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "RACED_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "RACED_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "RACED_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "RACED_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "RACED_S3_REGION")
	setStr(&cfg.S3.Bucket, "RACED_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "RACED_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "RACED_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "RACED_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "RACED_S3_FORCE_PATH_STYLE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "RACED_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "RACED_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "RACED_SERVER_API_KEY")
	setStr(&cfg.Server.AdminKey, "RACED_SERVER_ADMIN_KEY")
	setStr(&cfg.Server.AdminSecret, "RACED_SERVER_ADMIN_SECRET")
	setStringSlice(&cfg.Server.CORSOrigins, "RACED_SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.RatePerMinute, "RACED_SERVER_RATE_PER_MINUTE")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "RACED_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "RACED_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "RACED_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "RACED_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "RACED_MODE")
	setStr(&cfg.LogLevel, "RACED_LOG_LEVEL")
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
