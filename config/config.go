// Package config loads the engine configuration from an optional YAML
// file plus PELAGOS_* environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete configuration for the engine.
type Config struct {
	API       APIConfig       `mapstructure:"api"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Market    MarketConfig    `mapstructure:"market"`
	Provider  ProviderConfig  `mapstructure:"provider"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Log       LogConfig       `mapstructure:"log"`
}

// APIConfig holds the HTTP API server configuration.
type APIConfig struct {
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	CORSOrigins []string      `mapstructure:"cors_origins"`
	RateLimit   float64       `mapstructure:"rate_limit"`
	RateBurst   int           `mapstructure:"rate_burst"`
	Timeout     time.Duration `mapstructure:"timeout"`
	JWTSecret   string        `mapstructure:"jwt_secret"`
}

// DatabaseConfig holds the PostgreSQL attempt journal configuration.
// An empty host disables the journal entirely.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig holds the shared credential session cache configuration.
// An empty host falls back to the in-memory cache.
type RedisConfig struct {
	Host       string        `mapstructure:"host"`
	Port       int           `mapstructure:"port"`
	Password   string        `mapstructure:"password"`
	DB         int           `mapstructure:"db"`
	PoolSize   int           `mapstructure:"pool_size"`
	SessionTTL time.Duration `mapstructure:"session_ttl"`
}

// MarketConfig holds the marketplace operator's fee policy.
type MarketConfig struct {
	FeeAddress string `mapstructure:"fee_address"`
	FeeBps     uint32 `mapstructure:"fee_bps"`
}

// ProviderConfig holds compute provider client settings.
type ProviderConfig struct {
	Timeout    time.Duration `mapstructure:"timeout"`
	SessionURL string        `mapstructure:"session_url"`
}

// LedgerConfig holds the wallet signer bridge settings.
type LedgerConfig struct {
	BridgeURL              string        `mapstructure:"bridge_url"`
	Timeout                time.Duration `mapstructure:"timeout"`
	EscrowToleranceSeconds uint64        `mapstructure:"escrow_tolerance_seconds"`
}

// TelemetryConfig holds the Prometheus endpoint settings.
type TelemetryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8080)
	v.SetDefault("api.cors_origins", []string{"*"})
	v.SetDefault("api.rate_limit", 50.0)
	v.SetDefault("api.rate_burst", 100)
	v.SetDefault("api.timeout", 30*time.Second)
	v.SetDefault("api.jwt_secret", "")

	// Keys without a meaningful default still need registering so
	// environment-only overrides survive Unmarshal.
	v.SetDefault("database.host", "")
	v.SetDefault("database.user", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "")
	v.SetDefault("redis.host", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("market.fee_address", "")
	v.SetDefault("market.fee_bps", 0)
	v.SetDefault("provider.session_url", "")
	v.SetDefault("ledger.bridge_url", "")

	v.SetDefault("database.port", 5432)
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", time.Hour)

	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.session_ttl", 30*time.Minute)

	v.SetDefault("provider.timeout", 30*time.Second)

	v.SetDefault("ledger.timeout", 2*time.Minute)
	v.SetDefault("ledger.escrow_tolerance_seconds", 600)

	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.path", "/metrics")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "plain")
}

// Load reads the configuration. path may be empty, in which case only
// defaults and environment overrides apply. Environment variables use
// the PELAGOS prefix with underscores, e.g. PELAGOS_API_PORT.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PELAGOS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for values no component can work
// with.
func (c *Config) Validate() error {
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("api port %d out of range", c.API.Port)
	}
	if c.API.RateLimit <= 0 {
		return fmt.Errorf("api rate limit must be positive")
	}

	if c.Ledger.BridgeURL == "" {
		return fmt.Errorf("ledger bridge URL is required")
	}

	if c.Market.FeeBps > 10_000 {
		return fmt.Errorf("market fee %d bps exceeds 100%%", c.Market.FeeBps)
	}
	if c.Market.FeeBps > 0 && c.Market.FeeAddress == "" {
		return fmt.Errorf("market fee address is required when fee_bps is set")
	}

	if c.Database.Host != "" {
		if c.Database.User == "" {
			return fmt.Errorf("database user is required")
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	}

	return nil
}

// JournalEnabled reports whether the PostgreSQL attempt journal is
// configured.
func (c *Config) JournalEnabled() bool { return c.Database.Host != "" }

// SessionCacheShared reports whether the Redis session cache is
// configured.
func (c *Config) SessionCacheShared() bool { return c.Redis.Host != "" }

// ConnectionString returns the PostgreSQL connection string.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// Addr returns the Redis connection address.
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ListenAddr returns the API server bind address.
func (c *APIConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
