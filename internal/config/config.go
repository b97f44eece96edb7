// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir  string // Base directory for the sqlite database
	Port     int
	LogLevel string
	DevMode  bool

	// Upstream provider
	ProviderBaseURL string
	ProviderAPIKey  string
	ProviderTimeout time.Duration

	// Scan engine tuning
	ScanBatchSize    int
	ScanWorkers      int           // bulk fan-out pool size
	ScanRatePerSec   int           // bulk limiter capacity
	RetryWorkers     int           // retry pass pool size
	RetryRatePerSec  int           // retry pass limiter capacity
	ScanTaskDeadline time.Duration // per-symbol fetch+upsert deadline
	ScanSymbolLimit  int           // 0 = unlimited; cap universe for testing

	// Market session
	MarketTimezone    string
	MarketOpenHour    int
	MarketOpenMinute  int
	MarketCloseHour   int
	MarketCloseMinute int
}

// Load reads configuration from environment variables.
// A .env file is honored when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	dataDir := getEnv("TICKERD_DATA_DIR", "./data")
	absDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("resolve data dir: %w", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	cfg := &Config{
		DataDir:  absDir,
		Port:     getEnvInt("TICKERD_PORT", 8090),
		LogLevel: getEnv("TICKERD_LOG_LEVEL", "info"),
		DevMode:  getEnvBool("TICKERD_DEV_MODE", false),

		ProviderBaseURL: getEnv("TICKERD_PROVIDER_URL", "https://api.stooq-mirror.dev"),
		ProviderAPIKey:  getEnv("TICKERD_PROVIDER_API_KEY", ""),
		ProviderTimeout: getEnvDuration("TICKERD_PROVIDER_TIMEOUT", 20*time.Second),

		ScanBatchSize:    getEnvInt("TICKERD_SCAN_BATCH_SIZE", 100),
		ScanWorkers:      getEnvInt("TICKERD_SCAN_WORKERS", 5),
		ScanRatePerSec:   getEnvInt("TICKERD_SCAN_RATE", 5),
		RetryWorkers:     getEnvInt("TICKERD_RETRY_WORKERS", 2),
		RetryRatePerSec:  getEnvInt("TICKERD_RETRY_RATE", 2),
		ScanTaskDeadline: getEnvDuration("TICKERD_SCAN_TASK_DEADLINE", 30*time.Second),
		ScanSymbolLimit:  getEnvInt("TICKERD_SCAN_SYMBOL_LIMIT", 0),

		MarketTimezone:    getEnv("TICKERD_MARKET_TZ", "America/New_York"),
		MarketOpenHour:    getEnvInt("TICKERD_MARKET_OPEN_HOUR", 9),
		MarketOpenMinute:  getEnvInt("TICKERD_MARKET_OPEN_MINUTE", 30),
		MarketCloseHour:   getEnvInt("TICKERD_MARKET_CLOSE_HOUR", 16),
		MarketCloseMinute: getEnvInt("TICKERD_MARKET_CLOSE_MINUTE", 0),
	}

	if cfg.ScanWorkers < 1 {
		return nil, fmt.Errorf("TICKERD_SCAN_WORKERS must be >= 1, got %d", cfg.ScanWorkers)
	}
	if cfg.ScanRatePerSec < 1 {
		return nil, fmt.Errorf("TICKERD_SCAN_RATE must be >= 1, got %d", cfg.ScanRatePerSec)
	}

	return cfg, nil
}

// DatabasePath returns the path of the sqlite database file.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "tickerd.db")
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}
