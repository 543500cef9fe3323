// Package config provides configuration loading and management for the application.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/tamago-labs/kilo-point-engine/internal/model"
	"github.com/tamago-labs/kilo-point-engine/internal/validation"
)

// Config holds all application configuration
type Config struct {
	// HTTP port for the health/status/metrics server
	Port string

	// JSON-RPC endpoint of the chain node
	RPCURL string

	// Base URL of the backend API (leaderboard store, invite service, prices)
	APIBaseURL string

	// API key for protected backend endpoints
	APIKey string

	// OpenTelemetry endpoint for observability
	OtelEndpoint string

	// Daily reward pool distributed proportionally at epoch close
	DailyRewardPool float64

	// Minimum whole-token reward required to be stored in the leaderboard
	MinRewardThreshold float64

	// Cache lifetimes
	SupplyCacheTTL time.Duration
	PriceCacheTTL  time.Duration

	// Balance reads per second across a batch of users
	BalanceRateLimit float64

	// Event scanner settings
	PollInterval     time.Duration
	ScanWindowBlocks uint64
	MaxBlocksPerScan uint64

	// Timeout applied to each external call
	RequestTimeout time.Duration

	// Markets tracked by the engine
	Markets []model.Market
}

// marketEnv maps a cToken address env var to its static market metadata.
var marketEnv = []struct {
	envKey           string
	symbol           string
	underlyingSymbol string
	decimals         uint8
}{
	{"CUSDT_ADDRESS", "cUSDT", "USDT", 6},
	{"CSIX_ADDRESS", "cSIX", "SIX", 18},
	{"CBORA_ADDRESS", "cBORA", "BORA", 18},
	{"CMBX_ADDRESS", "cMBX", "MBX", 18},
	{"CKAIA_ADDRESS", "cKAIA", "KAIA", 18},
	{"CSTKAIA_ADDRESS", "cSTKAIA", "STKAIA", 18},
}

// Load creates a new Config from environment variables. It fails only on hard
// misconfiguration (missing RPC endpoint or no markets); a missing API base URL
// is tolerated and disables persistence downstream.
func Load() (Config, error) {
	cfg := Config{
		Port:               GetEnvOrDefault("PORT", "3000"),
		RPCURL:             os.Getenv("RPC_URL"),
		APIBaseURL:         os.Getenv("API_BASE_URL"),
		APIKey:             os.Getenv("API_KEY"),
		OtelEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		DailyRewardPool:    GetEnvAsFloat("DAILY_REWARD_POOL", 100000),
		MinRewardThreshold: GetEnvAsFloat("MIN_REWARD_THRESHOLD", 3),
		SupplyCacheTTL:     GetEnvAsDuration("SUPPLY_CACHE_TTL", 15*time.Minute),
		PriceCacheTTL:      GetEnvAsDuration("PRICE_CACHE_TTL", 5*time.Minute),
		BalanceRateLimit:   GetEnvAsFloat("BALANCE_RATE_LIMIT", 10.0),
		PollInterval:       time.Duration(GetEnvAsInt("POLL_INTERVAL_SECONDS", 60)) * time.Second,
		ScanWindowBlocks:   uint64(GetEnvAsInt("SCAN_WINDOW_SECONDS", 60)),
		MaxBlocksPerScan:   uint64(GetEnvAsInt("MAX_BLOCKS_PER_SCAN", 100)),
		RequestTimeout:     GetEnvAsDuration("REQUEST_TIMEOUT", 10*time.Second),
	}

	if cfg.RPCURL == "" {
		return Config{}, fmt.Errorf("missing required environment variable: RPC_URL")
	}

	for _, m := range marketEnv {
		addr := os.Getenv(m.envKey)
		if addr == "" {
			continue
		}
		market := model.Market{
			Symbol:           m.symbol,
			CTokenAddress:    addr,
			UnderlyingSymbol: m.underlyingSymbol,
			Decimals:         m.decimals,
		}
		if err := validation.ValidateMarket(market); err != nil {
			return Config{}, fmt.Errorf("%s: %w", m.envKey, err)
		}
		cfg.Markets = append(cfg.Markets, market)
	}

	if len(cfg.Markets) == 0 {
		return Config{}, fmt.Errorf("no markets configured: set at least one cToken address (e.g. CUSDT_ADDRESS)")
	}

	return cfg, nil
}

// PriceAPIURL is the price endpoint derived from the backend base URL.
func (c Config) PriceAPIURL() string {
	if c.APIBaseURL == "" {
		return ""
	}
	return c.APIBaseURL + "/prices"
}

// GetEnv retrieves an environment variable and whether it exists
func GetEnv(key string) (string, bool) {
	value, exists := os.LookupEnv(key)
	return value, exists
}

// GetEnvOrDefault retrieves an environment variable or returns the default value if not set
func GetEnvOrDefault(key, defaultValue string) string {
	if value, exists := GetEnv(key); exists {
		return value
	}
	return defaultValue
}

// GetEnvAsInt retrieves an environment variable as an integer with a default value
func GetEnvAsInt(key string, defaultValue int) int {
	if value, exists := GetEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// GetEnvAsFloat retrieves an environment variable as a float with a default value
func GetEnvAsFloat(key string, defaultValue float64) float64 {
	if value, exists := GetEnv(key); exists {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// GetEnvAsDuration retrieves an environment variable as a duration with a default value
func GetEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := GetEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
