// Package config provides configuration management for the trade ledger service.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Rhymond/go-money"
	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Storage    StorageConfig
	Cache      CacheConfig
	Ledger     LedgerConfig
	MarketData MarketDataConfig
	RateLimit  RateLimitConfig
	Logging    LoggingConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port string
	Host string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
	SQLite     SQLiteConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// URL returns the connection URL shared by the pool and the migration tool
func (c *PostgresConfig) URL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     net.JoinHostPort(c.Host, c.Port),
		Path:     "/" + c.Database,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

// ClickHouseConfig holds ClickHouse configuration
type ClickHouseConfig struct {
	Enabled  bool
	Host     string
	Port     string
	Database string
	User     string
	Password string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Enabled        bool
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// SQLiteConfig holds the embedded store configuration
type SQLiteConfig struct {
	Path string
}

// StorageConfig selects the ledger store
type StorageConfig struct {
	Driver string // postgres or sqlite
}

// CacheConfig holds cache configuration
type CacheConfig struct {
	TTL      time.Duration // overview read-model
	FxTTL    time.Duration // resolved FX rates and price marks in Redis
	LocalTTL time.Duration // in-process layer in front of Redis
}

// LedgerConfig holds import and valuation limits
type LedgerConfig struct {
	BaseCurrency         string
	MaxImportRows        int
	MaxUploadBytes       int64
	ValuationConcurrency int
}

// MarketDataConfig holds FX provider configuration
type MarketDataConfig struct {
	FrankfurterURL   string
	HTTPTimeout      time.Duration
	FxLookbackDays   int
	FxSyncSchedule   string
	FxSyncCurrencies []string
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	FreeTier int
	PaidTier int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// Load .env file (optional in production)
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "trade_ledger"),
				User:           getEnv("POSTGRES_USER", "ledger"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 20),
			},
			ClickHouse: ClickHouseConfig{
				Enabled:  getEnvAsBool("CLICKHOUSE_ENABLED", false),
				Host:     getEnv("CLICKHOUSE_HOST", "localhost"),
				Port:     getEnv("CLICKHOUSE_PORT", "9000"),
				Database: getEnv("CLICKHOUSE_DB", "trade_ledger"),
				User:     getEnv("CLICKHOUSE_USER", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
			Redis: RedisConfig{
				Enabled:        getEnvAsBool("REDIS_ENABLED", true),
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 20),
			},
			SQLite: SQLiteConfig{
				Path: getEnv("SQLITE_PATH", "data/ledger.db"),
			},
		},
		Storage: StorageConfig{
			Driver: strings.ToLower(getEnv("STORAGE_DRIVER", "postgres")),
		},
		Cache: CacheConfig{
			TTL:      getEnvAsDuration("CACHE_TTL", 30*time.Second),
			FxTTL:    getEnvAsDuration("CACHE_FX_TTL", 6*time.Hour),
			LocalTTL: getEnvAsDuration("CACHE_LOCAL_TTL", 5*time.Minute),
		},
		Ledger: LedgerConfig{
			BaseCurrency:         strings.ToUpper(getEnv("LEDGER_BASE_CURRENCY", "CZK")),
			MaxImportRows:        getEnvAsInt("LEDGER_MAX_IMPORT_ROWS", 50000),
			MaxUploadBytes:       int64(getEnvAsInt("LEDGER_MAX_UPLOAD_BYTES", 20<<20)),
			ValuationConcurrency: getEnvAsInt("LEDGER_VALUATION_CONCURRENCY", 8),
		},
		MarketData: MarketDataConfig{
			FrankfurterURL:   getEnv("FRANKFURTER_URL", "https://api.frankfurter.dev/v1"),
			HTTPTimeout:      getEnvAsDuration("MARKET_DATA_HTTP_TIMEOUT", 10*time.Second),
			FxLookbackDays:   getEnvAsInt("FX_LOOKBACK_DAYS", 10),
			FxSyncSchedule:   getEnv("FX_SYNC_SCHEDULE", "0 30 16 * * MON-FRI"),
			FxSyncCurrencies: getEnvAsList("FX_SYNC_CURRENCIES", []string{"USD", "CZK", "GBP", "CHF", "PLN"}),
		},
		RateLimit: RateLimitConfig{
			FreeTier: getEnvAsInt("RATE_LIMIT_FREE_TIER", 10),
			PaidTier: getEnvAsInt("RATE_LIMIT_PAID_TIER", 100),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks values that have no safe fallback and clamps the ones
// that do
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("invalid STORAGE_DRIVER %q (must be postgres or sqlite)", c.Storage.Driver)
	}
	if money.GetCurrency(c.Ledger.BaseCurrency) == nil {
		return fmt.Errorf("invalid LEDGER_BASE_CURRENCY %q (not an ISO 4217 code)", c.Ledger.BaseCurrency)
	}
	if c.Ledger.MaxImportRows < 1 {
		return fmt.Errorf("invalid LEDGER_MAX_IMPORT_ROWS %d", c.Ledger.MaxImportRows)
	}
	for _, code := range c.MarketData.FxSyncCurrencies {
		if money.GetCurrency(code) == nil {
			return fmt.Errorf("invalid FX_SYNC_CURRENCIES entry %q", code)
		}
	}
	if c.Ledger.ValuationConcurrency < 1 {
		c.Ledger.ValuationConcurrency = 1
	}
	if c.MarketData.FxLookbackDays < 0 {
		c.MarketData.FxLookbackDays = 0
	}
	return nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool gets an environment variable as a boolean with a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList gets a comma separated environment variable as upper-cased items
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	var items []string
	for _, item := range strings.Split(valueStr, ",") {
		item = strings.ToUpper(strings.TrimSpace(item))
		if item != "" {
			items = append(items, item)
		}
	}
	if len(items) == 0 {
		return defaultValue
	}
	return items
}
