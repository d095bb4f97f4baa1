// Package config defines the top-level configuration for the race engine and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by RACED_* environment variables.
type Config struct {
	Engine   EngineConfig   `toml:"engine"`
	Scoring  ScoringConfig  `toml:"scoring"`
	Pricing  PricingConfig  `toml:"pricing"`
	Feed     FeedConfig     `toml:"feed"`
	Chain    ChainConfig    `toml:"chain"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// EngineConfig holds the race lifecycle timing and pool-split parameters.
type EngineConfig struct {
	// GraceInterval is the pause between locking a race and marking it in
	// progress, to let baseline capture settle.
	GraceInterval duration `toml:"grace_interval"`
	// ProgressWindow is the contest duration measured from locked_at.
	ProgressWindow duration `toml:"progress_window"`
	// SweepInterval is how often the reconciliation sweep runs.
	SweepInterval duration `toml:"sweep_interval"`
	// RetryInterval is how often the failed-transfer retry worker runs.
	RetryInterval duration `toml:"retry_interval"`
	// DefaultRakeBps is applied to races created without an explicit rake.
	DefaultRakeBps int64 `toml:"default_rake_bps"`
	// JackpotShareBps is the share of the rake accrued into the jackpot
	// (the remainder goes to the treasury wallet).
	JackpotShareBps int64 `toml:"jackpot_share_bps"`
	// CurrencyDecimals maps a currency code to its minimum-unit precision.
	CurrencyDecimals map[string]int `toml:"currency_decimals"`
	// ArchiveRetentionDays controls when settled races are archived to S3.
	ArchiveRetentionDays int `toml:"archive_retention_days"`
}

// ScoringConfig holds the performance-score formula constants. These are
// policy parameters; only their structural behaviour is guaranteed.
type ScoringConfig struct {
	ParticipationBase float64 `toml:"participation_base"`
	WinBonus          float64 `toml:"win_bonus"`
	StakeCoefficient  float64 `toml:"stake_coefficient"`
	PayoutCoefficient float64 `toml:"payout_coefficient"`
	EfficiencyCap     float64 `toml:"efficiency_cap"`
	PotBonusPer100    float64 `toml:"pot_bonus_per_100"`
	LoserFraction     float64 `toml:"loser_fraction"`
	LoserFloor        float64 `toml:"loser_floor"`
}

// PricingConfig holds the REST price source parameters.
type PricingConfig struct {
	BaseURL      string   `toml:"base_url"`
	APIKey       string   `toml:"api_key"`
	FetchTimeout duration `toml:"fetch_timeout"`
	FetchRetries int      `toml:"fetch_retries"`
	CacheTTL     duration `toml:"cache_ttl"`
}

// FeedConfig holds the live display-price websocket feed parameters.
type FeedConfig struct {
	Enabled bool   `toml:"enabled"`
	WsURL   string `toml:"ws_url"`
	// Symbols maps an exchange stream symbol (e.g. "btcusdt") to the asset
	// ID it feeds the display price for.
	Symbols map[string]string `toml:"symbols"`
}

// ChainConfig holds the payout chain parameters for the transfer executor.
type ChainConfig struct {
	RPCURL           string            `toml:"rpc_url"`
	ChainID          int64             `toml:"chain_id"`
	TreasuryAddress  string            `toml:"treasury_address"`
	TokenContracts   map[string]string `toml:"token_contracts"`
	PrivateKey       string            `toml:"private_key"`
	EncryptedKeyPath string            `toml:"encrypted_key_path"`
	KeyPassword      string            `toml:"key_password"`
	ConfirmTimeout   duration          `toml:"confirm_timeout"`
	DryRun           bool              `toml:"dry_run"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for report archival.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ServerConfig holds HTTP server parameters. AdminKey/AdminSecret are the
// shared credentials for HMAC-signed admin requests; leaving them empty
// disables the admin routes entirely.
type ServerConfig struct {
	Enabled       bool     `toml:"enabled"`
	Port          int      `toml:"port"`
	APIKey        string   `toml:"api_key"`
	AdminKey      string   `toml:"admin_key"`
	AdminSecret   string   `toml:"admin_secret"`
	CORSOrigins   []string `toml:"cors_origins"`
	RatePerMinute int      `toml:"rate_per_minute"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Engine: EngineConfig{
			GraceInterval:   duration{15 * time.Second},
			ProgressWindow:  duration{5 * time.Minute},
			SweepInterval:   duration{10 * time.Second},
			RetryInterval:   duration{1 * time.Minute},
			DefaultRakeBps:  500,
			JackpotShareBps: 4000,
			CurrencyDecimals: map[string]int{
				"USDC": 6,
				"SOL":  9,
			},
			ArchiveRetentionDays: 90,
		},
		Scoring: ScoringConfig{
			ParticipationBase: 10,
			WinBonus:          100,
			StakeCoefficient:  1.0,
			PayoutCoefficient: 2.0,
			EfficiencyCap:     5.0,
			PotBonusPer100:    1.0,
			LoserFraction:     0.25,
			LoserFloor:        1.0,
		},
		Pricing: PricingConfig{
			BaseURL:      "https://api.coingecko.com/api/v3",
			FetchTimeout: duration{5 * time.Second},
			FetchRetries: 3,
			CacheTTL:     duration{10 * time.Second},
		},
		Feed: FeedConfig{
			Enabled: true,
			WsURL:   "wss://stream.binance.com:9443/stream",
			Symbols: map[string]string{
				"btcusdt": "bitcoin",
				"ethusdt": "ethereum",
				"solusdt": "solana",
			},
		},
		Chain: ChainConfig{
			ChainID:        137,
			ConfirmTimeout: duration{90 * time.Second},
			DryRun:         false,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "raced",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "raced-archive",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Enabled:       true,
			Port:          8000,
			CORSOrigins:   []string{"http://localhost:3000"},
			RatePerMinute: 120,
		},
		Notify: NotifyConfig{
			Events: []string{"race_locked", "race_settled", "race_cancelled", "transfer_failed"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"engine":  true,
	"server":  true,
	"monitor": true,
	"full":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: engine, server, monitor, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Engine timing
	if c.Engine.GraceInterval.Duration <= 0 {
		errs = append(errs, "engine: grace_interval must be > 0")
	}
	if c.Engine.ProgressWindow.Duration <= c.Engine.GraceInterval.Duration {
		errs = append(errs, "engine: progress_window must exceed grace_interval")
	}
	if c.Engine.SweepInterval.Duration <= 0 {
		errs = append(errs, "engine: sweep_interval must be > 0")
	}
	if c.Engine.DefaultRakeBps < 0 || c.Engine.DefaultRakeBps >= 10_000 {
		errs = append(errs, fmt.Sprintf("engine: default_rake_bps must be in [0,10000), got %d", c.Engine.DefaultRakeBps))
	}
	if c.Engine.JackpotShareBps < 0 || c.Engine.JackpotShareBps > 10_000 {
		errs = append(errs, fmt.Sprintf("engine: jackpot_share_bps must be in [0,10000], got %d", c.Engine.JackpotShareBps))
	}
	for cur, dec := range c.Engine.CurrencyDecimals {
		if dec < 0 || dec > 18 {
			errs = append(errs, fmt.Sprintf("engine: currency_decimals[%s] must be 0-18, got %d", cur, dec))
		}
	}

	// Scoring
	if c.Scoring.LoserFraction < 0 || c.Scoring.LoserFraction > 1 {
		errs = append(errs, "scoring: loser_fraction must be in [0,1]")
	}
	if c.Scoring.EfficiencyCap <= 0 {
		errs = append(errs, "scoring: efficiency_cap must be > 0")
	}

	// Pricing
	if c.Pricing.BaseURL == "" {
		errs = append(errs, "pricing: base_url must not be empty")
	}
	if c.Pricing.FetchRetries < 1 {
		errs = append(errs, "pricing: fetch_retries must be >= 1")
	}
	if c.Pricing.FetchTimeout.Duration <= 0 {
		errs = append(errs, "pricing: fetch_timeout must be > 0")
	}

	// Feed
	if c.Feed.Enabled && c.Feed.WsURL == "" {
		errs = append(errs, "feed: ws_url must not be empty when enabled")
	}

	// Chain — a key source is required for modes that pay out for real.
	needsChain := (c.Mode == "engine" || c.Mode == "full") && !c.Chain.DryRun
	if needsChain {
		if c.Chain.RPCURL == "" {
			errs = append(errs, "chain: rpc_url is required for mode "+c.Mode)
		}
		if c.Chain.PrivateKey == "" && c.Chain.EncryptedKeyPath == "" {
			errs = append(errs, "chain: either private_key or encrypted_key_path must be set for mode "+c.Mode)
		}
		if c.Chain.EncryptedKeyPath != "" && c.Chain.KeyPassword == "" {
			errs = append(errs, "chain: key_password is required when encrypted_key_path is set")
		}
		if c.Chain.TreasuryAddress == "" {
			errs = append(errs, "chain: treasury_address must not be empty")
		}
	}
	if c.Chain.ChainID <= 0 {
		errs = append(errs, "chain: chain_id must be positive")
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when enabled")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if (c.Server.AdminKey == "") != (c.Server.AdminSecret == "") {
			errs = append(errs, "server: admin_key and admin_secret must be set together")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
