package config

import (
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testOwner = "0x00000000000000000000000000000000000000ff"

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if !had {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "OWNER_ADDRESS", testOwner)
	setEnv(t, "PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, common.HexToAddress(testOwner), cfg.OwnerAddress)
	assert.Equal(t, DefaultEscrowDays, cfg.EscrowDefaultDays)
	assert.Equal(t, uint64(DefaultGasStipend), cfg.TransferGasStipend)
	assert.Equal(t, DefaultReconcileInterval, cfg.ReconcileInterval)
	assert.False(t, cfg.StartPaused)
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "OWNER_ADDRESS", testOwner)
	setEnv(t, "START_PAUSED", "true")
	setEnv(t, "EXPIRY_SCAN_INTERVAL", "30s")
	setEnv(t, "EXPIRY_BACKLOG_LIMIT", "250")
	setEnv(t, "OTEL_SAMPLE_RATIO", "0.1")
	setEnv(t, "CORS_ORIGINS", "https://a.example, ,https://b.example")
	setEnv(t, "MAX_CAPABILITIES", "20")
	setEnv(t, "TRANSFER_GAS_STIPEND", "5000")
	setEnv(t, "AUTH_MAX_SKEW", "not-a-duration")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.StartPaused)
	assert.Equal(t, 30*time.Second, cfg.ExpiryScanInterval)
	assert.Equal(t, 250, cfg.ExpiryBacklogLimit)
	assert.InDelta(t, 0.1, cfg.OTelSampleRatio, 1e-9)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	assert.Equal(t, 20, cfg.MaxCapabilities)
	assert.Equal(t, uint64(5000), cfg.TransferGasStipend)
	assert.Equal(t, DefaultAuthMaxSkew, cfg.AuthMaxSkew, "unparseable values fall back to defaults")
}

func TestLoad_MissingOwner(t *testing.T) {
	setEnv(t, "OWNER_ADDRESS", "")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "OWNER_ADDRESS is required")
}

func TestLoad_InvalidOwner(t *testing.T) {
	setEnv(t, "OWNER_ADDRESS", "0x1234")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "20-byte hex address")
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{
			Env:               DefaultEnv,
			LogFormat:         "text",
			OwnerAddress:      common.HexToAddress(testOwner),
			AuthMaxSkew:       time.Minute,
			RateLimitRPM:      60,
			RateLimitBurst:    10,
			MaxPageSize:       100,
			MaxCapabilities:   10,
			EscrowDefaultDays: 30,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid config", func(*Config) {}, ""},
		{"zero owner", func(c *Config) { c.OwnerAddress = common.Address{} }, "zero address"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "LOG_FORMAT"},
		{"escrow days out of range", func(c *Config) { c.EscrowDefaultDays = 366 }, "ESCROW_DEFAULT_DAYS"},
		{"dev funding in production", func(c *Config) { c.Env = "production"; c.DevFunding = true }, "DEV_FUNDING"},
		{"otel without endpoint", func(c *Config) { c.OTelEnabled = true }, "OTEL_EXPORTER_OTLP_ENDPOINT"},
		{"zero page size", func(c *Config) { c.MaxPageSize = 0 }, "MAX_PAGE_SIZE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_EnvHelpers(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())
}
