package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, ":8443", cfg.Addr)
	assert.Equal(t, BackendBolt, cfg.Backend)
	assert.Equal(t, SessionBackendPrimary, cfg.SessionBackend)
	assert.Equal(t, 30*time.Second, cfg.ActivityThrottle)
	assert.Equal(t, 5*time.Minute, cfg.SweepInterval)
	assert.Equal(t, "HUBGUARD", cfg.TOTPIssuer)
	assert.Equal(t, 10, cfg.BackupCodeCount)
	assert.Contains(t, cfg.TrustedProxies, "127.0.0.0/8")
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("HUBGUARD_ADDR", ":9000")
	t.Setenv("HUBGUARD_BACKEND", "memory")
	t.Setenv("HUBGUARD_ACTIVITY_THROTTLE", "1m")
	t.Setenv("HUBGUARD_TRUSTED_PROXIES", "10.1.0.0/16,10.2.0.0/16")
	t.Setenv("HUBGUARD_LOG_LEVEL", "debug")

	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Addr)
	assert.Equal(t, BackendMemory, cfg.Backend)
	assert.Equal(t, time.Minute, cfg.ActivityThrottle)
	assert.Equal(t, []string{"10.1.0.0/16", "10.2.0.0/16"}, cfg.TrustedProxies)
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
}

func TestLoadFileThenFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hubguard.yaml")
	content := strings.Join([]string{
		"addr: \":7000\"",
		"backend: memory",
		"totp_issuer: ACME",
		"backup_code_count: 6",
	}, "\n")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("addr", ":8443", "")
	flags.String("totp-issuer", "HUBGUARD", "")
	require.NoError(t, flags.Parse([]string{"--addr", ":7100"}))

	cfg, err := Load(path, flags)
	require.NoError(t, err)
	assert.Equal(t, ":7100", cfg.Addr, "explicit flag beats the file")
	assert.Equal(t, "ACME", cfg.TOTPIssuer, "unset flag leaves the file value")
	assert.Equal(t, 6, cfg.BackupCodeCount)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load("", nil)
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.Backend = "sqlite" }},
		{"postgres without dsn", func(c *Config) { c.Backend = BackendPostgres }},
		{"redis without url", func(c *Config) { c.SessionBackend = SessionBackendRedis }},
		{"unknown session backend", func(c *Config) { c.SessionBackend = "memcached" }},
		{"zero sweep interval", func(c *Config) { c.SweepInterval = 0 }},
		{"negative throttle", func(c *Config) { c.ActivityThrottle = -time.Second }},
		{"no backup codes", func(c *Config) { c.BackupCodeCount = 0 }},
		{"cert without key", func(c *Config) { c.TLSCert = "cert.pem" }},
		{"bad hash key", func(c *Config) { c.CookieHashKey = "zz" }},
		{"short hash key", func(c *Config) { c.CookieHashKey = strings.Repeat("ab", 8) }},
		{"webhook without scheme", func(c *Config) { c.AuditWebhookURL = "hooks.example.com/audit" }},
		{"webhook header without colon", func(c *Config) {
			c.AuditWebhookURL = "https://hooks.example.com/audit"
			c.AuditWebhookHeader = "Bearer abc"
		}},
		{"bad block key size", func(c *Config) { c.CookieBlockKey = strings.Repeat("ab", 20) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	t.Run("valid postgres with redis sessions", func(t *testing.T) {
		cfg := base()
		cfg.Backend = BackendPostgres
		cfg.DatabaseURL = "postgres://localhost/hubguard"
		cfg.SessionBackend = SessionBackendRedis
		cfg.RedisURL = "redis://localhost:6379/0"
		cfg.CookieHashKey = strings.Repeat("ab", 32)
		cfg.CookieBlockKey = strings.Repeat("cd", 32)
		cfg.AuditWebhookURL = "https://hooks.example.com/audit"
		cfg.AuditWebhookHeader = "Authorization: Bearer abc"
		require.NoError(t, cfg.Validate())

		hashKey, blockKey, err := cfg.CookieKeys()
		require.NoError(t, err)
		assert.Len(t, hashKey, 32)
		assert.Len(t, blockKey, 32)
	})
}
