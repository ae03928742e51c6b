// Package config loads hubguard settings from an optional config file, the
// environment (HUBGUARD_ prefix) and command-line flags using Viper.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g. HUBGUARD_ADDR.
const EnvPrefix = "HUBGUARD"

const (
	BackendMemory   = "memory"
	BackendBolt     = "bbolt"
	BackendPostgres = "postgres"

	SessionBackendPrimary = "primary"
	SessionBackendRedis   = "redis"
)

// Config holds every runtime setting.
type Config struct {
	Addr string `mapstructure:"addr"`
	// Backend stores principals, two-factor state and, unless SessionBackend
	// is redis, session records.
	Backend        string `mapstructure:"backend"`
	DataDir        string `mapstructure:"data_dir"`
	DatabaseURL    string `mapstructure:"database_url"`
	SessionBackend string `mapstructure:"session_backend"`
	RedisURL       string `mapstructure:"redis_url"`
	RedisPrefix    string `mapstructure:"redis_prefix"`

	// CookieHashKey and CookieBlockKey are hex-encoded. When empty a random
	// pair is generated at startup.
	CookieHashKey  string `mapstructure:"cookie_hash_key"`
	CookieBlockKey string `mapstructure:"cookie_block_key"`
	CookieSecure   bool   `mapstructure:"cookie_secure"`

	GeoIPDB          string        `mapstructure:"geoip_db"`
	ActivityThrottle time.Duration `mapstructure:"activity_throttle"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
	TrustedProxies   []string      `mapstructure:"trusted_proxies"`
	LoginPath        string        `mapstructure:"login_path"`

	TOTPIssuer      string `mapstructure:"totp_issuer"`
	BackupCodeCount int    `mapstructure:"backup_code_count"`

	// AuditWebhookURL, when set, receives every audit event and alert as
	// JSON. AuditWebhookHeader is an optional "Name: Value" header.
	AuditWebhookURL    string `mapstructure:"audit_webhook_url"`
	AuditWebhookHeader string `mapstructure:"audit_webhook_header"`

	TLSCert  string `mapstructure:"tls_cert"`
	TLSKey   string `mapstructure:"tls_key"`
	LogLevel string `mapstructure:"log_level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("addr", ":8443")
	v.SetDefault("backend", BackendBolt)
	v.SetDefault("data_dir", "./data")
	v.SetDefault("database_url", "")
	v.SetDefault("session_backend", SessionBackendPrimary)
	v.SetDefault("redis_url", "")
	v.SetDefault("redis_prefix", "hubguard")
	v.SetDefault("cookie_hash_key", "")
	v.SetDefault("cookie_block_key", "")
	v.SetDefault("cookie_secure", false)
	v.SetDefault("geoip_db", "")
	v.SetDefault("activity_throttle", "30s")
	v.SetDefault("sweep_interval", "5m")
	v.SetDefault("trusted_proxies", []string{"127.0.0.0/8", "::1/128", "10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16", "fc00::/7"})
	v.SetDefault("login_path", "/login")
	v.SetDefault("totp_issuer", "HUBGUARD")
	v.SetDefault("backup_code_count", 10)
	v.SetDefault("audit_webhook_url", "")
	v.SetDefault("audit_webhook_header", "")
	v.SetDefault("tls_cert", "")
	v.SetDefault("tls_key", "")
	v.SetDefault("log_level", "info")
}

// Load builds a Config. path names an optional YAML, TOML, JSON or .env
// file; an empty path skips it. Flags that were set explicitly override
// the environment, which overrides the file. Flag names map to keys by
// replacing dashes with underscores.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	if flags != nil {
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			if f.Name == "config" || bindErr != nil {
				return
			}
			bindErr = v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f)
		})
		if bindErr != nil {
			return nil, fmt.Errorf("config: binding flags: %w", bindErr)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects inconsistent settings.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return errors.New("config: addr must be set")
	}
	switch c.Backend {
	case BackendMemory, BackendBolt:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return errors.New("config: database_url is required for the postgres backend")
		}
	default:
		return fmt.Errorf("config: unknown backend %q", c.Backend)
	}
	switch c.SessionBackend {
	case SessionBackendPrimary:
	case SessionBackendRedis:
		if c.RedisURL == "" {
			return errors.New("config: redis_url is required when session_backend is redis")
		}
	default:
		return fmt.Errorf("config: unknown session_backend %q", c.SessionBackend)
	}
	if c.ActivityThrottle < 0 {
		return errors.New("config: activity_throttle must not be negative")
	}
	if c.SweepInterval <= 0 {
		return errors.New("config: sweep_interval must be positive")
	}
	if c.BackupCodeCount <= 0 {
		return errors.New("config: backup_code_count must be positive")
	}
	if c.AuditWebhookURL != "" {
		u, err := url.Parse(c.AuditWebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("config: audit_webhook_url %q is not an http(s) URL", c.AuditWebhookURL)
		}
	}
	if c.AuditWebhookHeader != "" && !strings.Contains(c.AuditWebhookHeader, ":") {
		return errors.New(`config: audit_webhook_header must look like "Name: Value"`)
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return errors.New("config: tls_cert and tls_key must be set together")
	}
	if _, _, err := c.CookieKeys(); err != nil {
		return err
	}
	return nil
}

// CookieKeys decodes the cookie keys. Either may be nil when unset.
func (c *Config) CookieKeys() (hashKey, blockKey []byte, err error) {
	if c.CookieHashKey != "" {
		hashKey, err = hex.DecodeString(c.CookieHashKey)
		if err != nil {
			return nil, nil, fmt.Errorf("config: cookie_hash_key: %w", err)
		}
		if len(hashKey) < 32 {
			return nil, nil, errors.New("config: cookie_hash_key must be at least 32 bytes")
		}
	}
	if c.CookieBlockKey != "" {
		blockKey, err = hex.DecodeString(c.CookieBlockKey)
		if err != nil {
			return nil, nil, fmt.Errorf("config: cookie_block_key: %w", err)
		}
		switch len(blockKey) {
		case 16, 24, 32:
		default:
			return nil, nil, errors.New("config: cookie_block_key must be 16, 24 or 32 bytes")
		}
	}
	return hashKey, blockKey, nil
}

// SlogLevel maps LogLevel to a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}
