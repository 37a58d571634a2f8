// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database
	DatabaseURL    string // PostgreSQL connection string (optional, uses in-memory if not set)
	AutoMigrate    bool   // apply the embedded schema at startup
	DBMaxOpenConns int
	DBMaxIdleConns int

	// Access control
	OwnerAddress common.Address
	StartPaused  bool
	AuthMaxSkew  time.Duration
	// CORSOrigins lists browser origins allowed to call the API; empty
	// allows any.
	CORSOrigins []string

	// Rate limiting
	RateLimitRPM   int
	RateLimitBurst int

	// Registry
	MaxPageSize     int
	MaxCapabilities int
	AgentCacheSize  int

	// Escrow
	EscrowDefaultDays  int
	TransferGasStipend uint64
	ExpiryScanInterval time.Duration
	ReconcileInterval  time.Duration
	// ExpiryBacklogLimit fails readiness when more overdue escrows are
	// waiting; zero disables the check.
	ExpiryBacklogLimit int

	// Tracing
	OTelEnabled  bool
	OTelEndpoint string
	// OTelSampleRatio is the share of new traces kept; 0 keeps all.
	OTelSampleRatio float64

	// DevFunding enables the owner mint endpoint.
	DevFunding bool
}

const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
	DefaultDBMaxOpenConns     = 25
	DefaultDBMaxIdleConns     = 5
	DefaultAuthMaxSkew        = 5 * time.Minute
	DefaultRateLimitRPM       = 600
	DefaultRateLimitBurst     = 50
	DefaultMaxPageSize        = 100
	DefaultMaxCapabilities    = 10
	DefaultAgentCacheSize     = 1024
	DefaultEscrowDays         = 30
	DefaultGasStipend         = 2300
	DefaultExpiryScanInterval = time.Minute
	DefaultReconcileInterval  = 5 * time.Minute
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	owner := strings.TrimSpace(os.Getenv("OWNER_ADDRESS"))
	if owner == "" {
		return nil, fmt.Errorf("OWNER_ADDRESS is required")
	}
	if !common.IsHexAddress(owner) {
		return nil, fmt.Errorf("OWNER_ADDRESS must be a 20-byte hex address")
	}

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:          getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		AutoMigrate:        getEnvBool("AUTO_MIGRATE", false),
		DBMaxOpenConns:     getEnvInt("DB_MAX_OPEN_CONNS", DefaultDBMaxOpenConns),
		DBMaxIdleConns:     getEnvInt("DB_MAX_IDLE_CONNS", DefaultDBMaxIdleConns),
		OwnerAddress:       common.HexToAddress(owner),
		StartPaused:        getEnvBool("START_PAUSED", false),
		AuthMaxSkew:        getEnvDuration("AUTH_MAX_SKEW", DefaultAuthMaxSkew),
		CORSOrigins:        getEnvList("CORS_ORIGINS"),
		RateLimitRPM:       getEnvInt("RATE_LIMIT_RPM", DefaultRateLimitRPM),
		RateLimitBurst:     getEnvInt("RATE_LIMIT_BURST", DefaultRateLimitBurst),
		MaxPageSize:        getEnvInt("MAX_PAGE_SIZE", DefaultMaxPageSize),
		MaxCapabilities:    getEnvInt("MAX_CAPABILITIES", DefaultMaxCapabilities),
		AgentCacheSize:     getEnvInt("AGENT_CACHE_SIZE", DefaultAgentCacheSize),
		EscrowDefaultDays:  getEnvInt("ESCROW_DEFAULT_DAYS", DefaultEscrowDays),
		TransferGasStipend: uint64(getEnvInt64("TRANSFER_GAS_STIPEND", DefaultGasStipend)),
		ExpiryScanInterval: getEnvDuration("EXPIRY_SCAN_INTERVAL", DefaultExpiryScanInterval),
		ReconcileInterval:  getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		ExpiryBacklogLimit: getEnvInt("EXPIRY_BACKLOG_LIMIT", 0),
		OTelEnabled:        getEnvBool("OTEL_ENABLED", false),
		OTelEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTelSampleRatio:    getEnvFloat("OTEL_SAMPLE_RATIO", 0),
		DevFunding:         getEnvBool("DEV_FUNDING", false),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.OwnerAddress == (common.Address{}) {
		return fmt.Errorf("OWNER_ADDRESS must not be the zero address")
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text")
	}
	if c.MaxPageSize <= 0 {
		return fmt.Errorf("MAX_PAGE_SIZE must be positive")
	}
	if c.MaxCapabilities <= 0 {
		return fmt.Errorf("MAX_CAPABILITIES must be positive")
	}
	if c.EscrowDefaultDays < 1 || c.EscrowDefaultDays > 365 {
		return fmt.Errorf("ESCROW_DEFAULT_DAYS must be between 1 and 365")
	}
	if c.RateLimitRPM <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPM and RATE_LIMIT_BURST must be positive")
	}
	if c.AuthMaxSkew <= 0 {
		return fmt.Errorf("AUTH_MAX_SKEW must be positive")
	}
	if c.DevFunding && c.IsProduction() {
		return fmt.Errorf("DEV_FUNDING cannot be enabled in production")
	}
	if c.OTelEnabled && c.OTelEndpoint == "" {
		return fmt.Errorf("OTEL_EXPORTER_OTLP_ENDPOINT is required when OTEL_ENABLED is set")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	return int(getEnvInt64(key, int64(defaultValue)))
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated variable, dropping blanks.
func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
