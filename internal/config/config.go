// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Enables the distributed claim lease when set

	// Blockchain settings
	RPCURL       string
	ChainID      int64
	USDCContract string
	ExplorerURL  string

	// Treasury signing key. Either the raw hex key or an AWS Secrets
	// Manager ARN holding it. Both empty leaves settlement disabled.
	TreasuryPrivateKey   string
	TreasuryKeySecretARN string

	// Claims and settlement
	MaxClaimAmount      decimal.Decimal
	LeaseTTL            time.Duration
	SettlementTimeout   time.Duration
	ConfirmationTimeout time.Duration

	// Reconciliation
	StatsMode             string // "full" or "incremental"
	StatsBatchSize        int
	CoverageCheckInterval time.Duration

	// Integrations
	OTLPEndpoint string
	AMQPURL      string
	AMQPExchange string
	RateLimitRPS int
	CORSOrigins  []string
}

// Base Sepolia defaults
const (
	DefaultRPCURL         = "https://sepolia.base.org"
	DefaultChainID        = 84532                                        // Base Sepolia
	DefaultUSDCContract   = "0x036CbD53842c5426634e7929541eC2318f3dCF7e" // Base Sepolia USDC
	DefaultExplorerURL    = "https://sepolia.basescan.org"
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "text"
	DefaultMaxClaimAmount = "100000"
	DefaultLeaseTTL       = 2 * time.Minute
	DefaultSettleTimeout  = 90 * time.Second
	DefaultConfirmTimeout = 60 * time.Second
	DefaultStatsBatchSize = 500
	DefaultCoverageCheck  = 5 * time.Minute
	DefaultAMQPExchange   = "stableflow_events"
	DefaultRateLimit      = 100

	StatsModeFull        = "full"
	StatsModeIncremental = "incremental"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	maxClaim, err := decimal.NewFromString(getEnv("MAX_CLAIM_AMOUNT", DefaultMaxClaimAmount))
	if err != nil {
		return nil, fmt.Errorf("MAX_CLAIM_AMOUNT must be a decimal number: %w", err)
	}

	cfg := &Config{
		Port:                  getEnv("PORT", DefaultPort),
		Env:                   getEnv("ENV", DefaultEnv),
		LogLevel:              getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:             getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisURL:              os.Getenv("REDIS_URL"),
		RPCURL:                getEnv("RPC_URL", DefaultRPCURL),
		ChainID:               getEnvInt64("CHAIN_ID", DefaultChainID),
		USDCContract:          getEnv("USDC_CONTRACT", DefaultUSDCContract),
		ExplorerURL:           strings.TrimRight(getEnv("EXPLORER_URL", DefaultExplorerURL), "/"),
		TreasuryPrivateKey:    os.Getenv("TREASURY_PRIVATE_KEY"),
		TreasuryKeySecretARN:  os.Getenv("TREASURY_KEY_SECRET_ARN"),
		MaxClaimAmount:        maxClaim,
		LeaseTTL:              getEnvDuration("LEASE_TTL", DefaultLeaseTTL),
		SettlementTimeout:     getEnvDuration("SETTLEMENT_TIMEOUT", DefaultSettleTimeout),
		ConfirmationTimeout:   getEnvDuration("CONFIRMATION_TIMEOUT", DefaultConfirmTimeout),
		StatsMode:             getEnv("STATS_MODE", StatsModeFull),
		StatsBatchSize:        int(getEnvInt64("STATS_BATCH_SIZE", DefaultStatsBatchSize)),
		CoverageCheckInterval: getEnvDuration("COVERAGE_CHECK_INTERVAL", DefaultCoverageCheck),
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AMQPURL:               os.Getenv("AMQP_URL"),
		AMQPExchange:          getEnv("AMQP_EXCHANGE", DefaultAMQPExchange),
		RateLimitRPS:          int(getEnvInt64("RATE_LIMIT_RPS", DefaultRateLimit)),
		CORSOrigins:           getEnvList("CORS_ALLOWED_ORIGINS"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.TreasuryPrivateKey != "" {
		key := strings.TrimPrefix(c.TreasuryPrivateKey, "0x")
		if len(key) != 64 {
			return fmt.Errorf("TREASURY_PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
		}
		for _, r := range key {
			if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
				return fmt.Errorf("TREASURY_PRIVATE_KEY must be hex encoded")
			}
		}
	}

	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}

	if !c.MaxClaimAmount.IsPositive() {
		return fmt.Errorf("MAX_CLAIM_AMOUNT must be positive")
	}

	if c.StatsMode != StatsModeFull && c.StatsMode != StatsModeIncremental {
		return fmt.Errorf("STATS_MODE must be %q or %q", StatsModeFull, StatsModeIncremental)
	}
	if c.StatsBatchSize <= 0 {
		return fmt.Errorf("STATS_BATCH_SIZE must be positive")
	}

	if c.LeaseTTL < c.SettlementTimeout {
		return fmt.Errorf("LEASE_TTL (%s) must not be shorter than SETTLEMENT_TIMEOUT (%s)", c.LeaseTTL, c.SettlementTimeout)
	}

	if c.IsProduction() && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required in production")
	}

	return nil
}

// TreasuryConfigured reports whether a signing key source is present.
func (c *Config) TreasuryConfigured() bool {
	return c.TreasuryPrivateKey != "" || c.TreasuryKeySecretARN != ""
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

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
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

// getEnvList splits a comma separated variable, dropping empty items.
func getEnvList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
