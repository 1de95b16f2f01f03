// Package config provides centralized configuration management for the trust layer.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// MasterKeyEnv names the only source of the encryption master key.
const MasterKeyEnv = "ENCRYPTION_MASTER_KEY"

var (
	globalConfig *Config
	once         sync.Once
)

// Config is the master configuration struct for trustd and trustctl.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Encryption EncryptionConfig `mapstructure:"encryption"`
	Audit      AuditConfig      `mapstructure:"audit"`
	RBAC       RBACConfig       `mapstructure:"rbac"`
	Compliance ComplianceConfig `mapstructure:"compliance"`
	Auth       AuthConfig       `mapstructure:"auth"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`

	// TrustedProxies lists CIDRs whose X-Forwarded-For headers are believed.
	TrustedProxies []string `mapstructure:"trusted_proxies"`
}

// DatabaseConfig holds database configuration. Type is "postgres" or "memory".
type DatabaseConfig struct {
	Type     string         `mapstructure:"type"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig holds PostgreSQL connection settings
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"sslmode"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// ConnString renders a postgres:// URL usable by pgx and golang-migrate.
func (p PostgresConfig) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.Database, p.SSLMode)
}

// NATSConfig holds NATS message broker configuration
type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	Enabled       bool          `mapstructure:"enabled"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	URL        string `mapstructure:"url"`
	Enabled    bool   `mapstructure:"enabled"`
	MaxRetries int    `mapstructure:"max_retries"`
	PoolSize   int    `mapstructure:"pool_size"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// EncryptionConfig holds key derivation parameters. MasterKey is populated
// from the environment only and never read from or written to a file.
type EncryptionConfig struct {
	MasterKey    string              `mapstructure:"-"`
	Salt         string              `mapstructure:"salt"`
	KeyVersion   string              `mapstructure:"key_version"`
	Iterations   int                 `mapstructure:"iterations"`
	PreviousKeys []PreviousKeyConfig `mapstructure:"previous_keys"`
}

// PreviousKeyConfig describes a retired key that must still decrypt old
// ciphertext. MasterKeyEnv names the variable holding its master key.
type PreviousKeyConfig struct {
	Version      string `mapstructure:"version"`
	Salt         string `mapstructure:"salt"`
	Iterations   int    `mapstructure:"iterations"`
	MasterKeyEnv string `mapstructure:"master_key_env"`
}

// AuditConfig tunes the asynchronous audit writer and retention.
type AuditConfig struct {
	QueueSize          int           `mapstructure:"queue_size"`
	SpoolSize          int           `mapstructure:"spool_size"`
	MaxRetries         int           `mapstructure:"max_retries"`
	InitialBackoff     time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff         time.Duration `mapstructure:"max_backoff"`
	SpoolRetryInterval time.Duration `mapstructure:"spool_retry_interval"`
	DeadLetterSize     int           `mapstructure:"dead_letter_size"`
	Retention          time.Duration `mapstructure:"retention"`
	VerifyInterval     time.Duration `mapstructure:"verify_interval"`
	Breaker            BreakerConfig `mapstructure:"breaker"`
}

// BreakerConfig configures the circuit breaker in front of the audit store.
type BreakerConfig struct {
	MaxFailures uint32        `mapstructure:"max_failures"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Interval    time.Duration `mapstructure:"interval"`
}

// RBACConfig holds permission guard settings.
type RBACConfig struct {
	RolesFile         string        `mapstructure:"roles_file"`
	OwnershipCacheTTL time.Duration `mapstructure:"ownership_cache_ttl"`
}

// ComplianceConfig holds compliance validator settings.
type ComplianceConfig struct {
	OIDPrefix   string        `mapstructure:"oid_prefix"`
	VATRate     float64       `mapstructure:"vat_rate"`
	Retention   time.Duration `mapstructure:"retention"`
	MaxParallel int           `mapstructure:"max_parallel"`
}

// AuthConfig holds bearer token verification and rate limiting settings.
type AuthConfig struct {
	JWTSecret         string        `mapstructure:"jwt_secret"`
	RateLimitEnabled  bool          `mapstructure:"rate_limit_enabled"`
	RateLimitRequests int           `mapstructure:"rate_limit_requests"`
	RateLimitWindow   time.Duration `mapstructure:"rate_limit_window"`
}

// MustLoad loads the configuration and panics on error.
// This initializes the global singleton.
func MustLoad(path string) {
	once.Do(func() {
		cfg, err := Load(path)
		if err != nil {
			panic(fmt.Sprintf("failed to load config: %v", err))
		}
		globalConfig = cfg
	})
}

// GetConfig returns the global configuration singleton.
// Panics if MustLoad has not been called first.
func GetConfig() *Config {
	if globalConfig == nil {
		panic("config not initialized - call MustLoad first")
	}
	return globalConfig
}

// Load reads configuration from path, or from $TRUST_CONFIG_DIR/config.yaml
// when path is empty, then applies environment overrides. A missing file is
// not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path == "" {
		configDir := os.Getenv("TRUST_CONFIG_DIR")
		if configDir == "" {
			configDir = "/etc/ssdp-trust"
		}
		path = filepath.Join(configDir, "config.yaml")
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Encryption.MasterKey = os.Getenv(MasterKeyEnv)

	return &cfg, nil
}

// setDefaults sets all default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.trusted_proxies", []string{})

	v.SetDefault("database.type", "postgres")
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.database", "ssdp_trust")
	v.SetDefault("database.postgres.user", "ssdp_trust")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.sslmode", "disable")
	v.SetDefault("database.postgres.max_conns", 25)

	v.SetDefault("nats.url", "nats://nats:4222")
	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.max_reconnects", -1)
	v.SetDefault("nats.reconnect_wait", "2s")

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("encryption.salt", "ssdp-trust-salt-v1")
	v.SetDefault("encryption.key_version", "v1")
	v.SetDefault("encryption.iterations", 100000)

	v.SetDefault("audit.queue_size", 4096)
	v.SetDefault("audit.spool_size", 10000)
	v.SetDefault("audit.max_retries", 5)
	v.SetDefault("audit.initial_backoff", "100ms")
	v.SetDefault("audit.max_backoff", "5s")
	v.SetDefault("audit.spool_retry_interval", "30s")
	v.SetDefault("audit.dead_letter_size", 1000)
	v.SetDefault("audit.retention", "61320h") // 7 x 365 days
	v.SetDefault("audit.verify_interval", "1h")
	v.SetDefault("audit.breaker.max_failures", 5)
	v.SetDefault("audit.breaker.timeout", "30s")
	v.SetDefault("audit.breaker.interval", "60s")

	v.SetDefault("rbac.roles_file", "")
	v.SetDefault("rbac.ownership_cache_ttl", "1m")

	v.SetDefault("compliance.oid_prefix", "urn:oid:1.3.6.1.4.1.61026")
	v.SetDefault("compliance.vat_rate", 0.15)
	v.SetDefault("compliance.retention", "61320h")
	v.SetDefault("compliance.max_parallel", 8)

	v.SetDefault("auth.jwt_secret", "change-this-in-production")
	v.SetDefault("auth.rate_limit_enabled", true)
	v.SetDefault("auth.rate_limit_requests", 100)
	v.SetDefault("auth.rate_limit_window", "60s")
}
