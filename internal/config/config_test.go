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
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	// Defaults ship without chain credentials; dry-run keeps them optional.
	cfg.Chain.DryRun = true
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "full", cfg.Mode)
	assert.Equal(t, 15*time.Second, cfg.Engine.GraceInterval.Duration)
	assert.Equal(t, 5*time.Minute, cfg.Engine.ProgressWindow.Duration)
	assert.Equal(t, int64(500), cfg.Engine.DefaultRakeBps)
	assert.Equal(t, int64(4000), cfg.Engine.JackpotShareBps)
	assert.Equal(t, 6, cfg.Engine.CurrencyDecimals["USDC"])
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := writeConfig(t, `
mode = "monitor"
log_level = "debug"

[engine]
grace_interval = "30s"
progress_window = "10m"
default_rake_bps = 250

[server]
port = 9000
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "monitor", cfg.Mode)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 30*time.Second, cfg.Engine.GraceInterval.Duration)
	assert.Equal(t, 10*time.Minute, cfg.Engine.ProgressWindow.Duration)
	assert.Equal(t, int64(250), cfg.Engine.DefaultRakeBps)
	assert.Equal(t, 9000, cfg.Server.Port)

	// Untouched sections keep their defaults.
	assert.Equal(t, 10*time.Second, cfg.Engine.SweepInterval.Duration)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 5432, cfg.Postgres.Port)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, `
[engine]
grace_interval = "fifteen seconds"
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
mode = "server"

[redis]
addr = "redis-from-file:6379"
`)
	t.Setenv("RACED_MODE", "engine")
	t.Setenv("RACED_REDIS_ADDR", "redis-from-env:6379")
	t.Setenv("RACED_CHAIN_DRY_RUN", "true")
	t.Setenv("RACED_ENGINE_GRACE_INTERVAL", "45s")
	t.Setenv("RACED_SERVER_CORS_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "engine", cfg.Mode, "env beats file")
	assert.Equal(t, "redis-from-env:6379", cfg.Redis.Addr)
	assert.True(t, cfg.Chain.DryRun)
	assert.Equal(t, 45*time.Second, cfg.Engine.GraceInterval.Duration)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
}

func TestValidateCollectsEveryError(t *testing.T) {
	cfg := Defaults()
	cfg.Chain.DryRun = true
	cfg.Mode = "turbo"
	cfg.LogLevel = "loud"
	cfg.Engine.GraceInterval.Duration = 0
	cfg.Engine.DefaultRakeBps = 10_000
	cfg.Redis.Addr = ""

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, `unknown mode "turbo"`)
	assert.Contains(t, msg, `unknown log_level "loud"`)
	assert.Contains(t, msg, "grace_interval must be > 0")
	assert.Contains(t, msg, "default_rake_bps")
	assert.Contains(t, msg, "redis: addr")
}

func TestValidateProgressWindowMustExceedGrace(t *testing.T) {
	cfg := Defaults()
	cfg.Chain.DryRun = true
	cfg.Engine.GraceInterval.Duration = time.Minute
	cfg.Engine.ProgressWindow.Duration = time.Minute
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "progress_window must exceed grace_interval")
}

func TestValidateChainRequirements(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "engine"
	cfg.Chain.DryRun = false

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chain: rpc_url is required")
	assert.Contains(t, err.Error(), "private_key or encrypted_key_path")
	assert.Contains(t, err.Error(), "treasury_address")

	// A key file without its password is unusable.
	cfg.Chain.RPCURL = "https://polygon-rpc.example"
	cfg.Chain.TreasuryAddress = "0xabc"
	cfg.Chain.EncryptedKeyPath = "/etc/raced/key.enc"
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "key_password is required")

	cfg.Chain.KeyPassword = "hunter2"
	require.NoError(t, cfg.Validate())

	// Server and monitor modes never touch the chain.
	cfg = Defaults()
	cfg.Mode = "server"
	require.NoError(t, cfg.Validate())
	cfg.Mode = "monitor"
	require.NoError(t, cfg.Validate())
}

func TestValidateAdminCredentialsPairing(t *testing.T) {
	cfg := Defaults()
	cfg.Chain.DryRun = true

	cfg.Server.AdminKey = "ops-key"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "admin_key and admin_secret must be set together")

	cfg.Server.AdminSecret = "ops-secret"
	require.NoError(t, cfg.Validate())

	cfg.Server.AdminKey = ""
	err = cfg.Validate()
	require.Error(t, err)
}

func TestDurationTextRoundTrip(t *testing.T) {
	var d duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	assert.Equal(t, 90*time.Second, d.Duration)

	out, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", string(out))

	require.Error(t, d.UnmarshalText([]byte("soon")))
}
