// Package config provides configuration loading and management for the application.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/yourorg/rebalance-agent/internal/types"
)

// Config holds all process configuration read from the environment
type Config struct {
	// HTTP server port for the admin API
	Port string

	// Account whose locks and balances the agent manages
	AccountAddress common.Address
	// Hex private key used to sign transactions; empty runs the agent read-only
	PrivateKey string

	// External data sources
	IndexerURL        string
	PriceBaseURL      string
	PriceAPIKey       string
	PriceAPIKeyHeader string
	BridgeAPIURL      string

	// USDC valued at exactly 1 USD instead of fetched
	USDCPegged bool

	// Live update transports, each optional
	NATSURL           string
	NATSSubjectPrefix string
	WebhookURL        string
	WebhookAPIKey     string

	// Operation persistence; empty keeps operations in memory
	PostgresDSN string

	// OpenTelemetry endpoint for observability
	OtelEndpoint string

	// Path to the YAML rebalance configuration
	RebalanceConfigPath string

	// Task intervals
	IndexerInterval    time.Duration
	BalanceInterval    time.Duration
	PriceInterval      time.Duration
	SweepInterval      time.Duration
	RebalanceInterval  time.Duration
	CompletionInterval time.Duration
	LockInterval       time.Duration

	// Bridge operations still processing after this long are failed
	OperationTimeout time.Duration

	// Enable forced withdrawals on disabled locks automatically
	AutoEnableWithdrawals bool

	// Timeouts and circuit breaker settings
	RequestTimeout    time.Duration
	MaxPriceChange    float64
	CircuitResetDelay time.Duration

	// RPC endpoints from RPC_URL_<CHAIN> variables, keyed by chain
	RPCEndpoints map[types.ChainID]string
}

// Load creates a new Config from environment variables
func Load() Config {
	return Config{
		Port:                  GetEnvOrDefault("PORT", "8080"),
		AccountAddress:        common.HexToAddress(GetEnvOrDefault("ACCOUNT_ADDRESS", "")),
		PrivateKey:            GetEnvOrDefault("PRIVATE_KEY", ""),
		IndexerURL:            GetEnvOrDefault("INDEXER_URL", "https://the-compact-indexer-2.ponder-dev.com/"),
		PriceBaseURL:          GetEnvOrDefault("COINGECKO_API_URL", "https://api.coingecko.com/api/v3"),
		PriceAPIKey:           GetEnvOrDefault("COINGECKO_API_KEY", ""),
		PriceAPIKeyHeader:     GetEnvOrDefault("COINGECKO_API_KEY_HEADER", "x-cg-demo-api-key"),
		BridgeAPIURL:          GetEnvOrDefault("ACROSS_API_URL", "https://app.across.to/api"),
		USDCPegged:            GetEnvAsBool("USDC_PEGGED", true),
		NATSURL:               GetEnvOrDefault("NATS_URL", ""),
		NATSSubjectPrefix:     GetEnvOrDefault("NATS_SUBJECT_PREFIX", "rebalance"),
		WebhookURL:            GetEnvOrDefault("WEBHOOK_URL", ""),
		WebhookAPIKey:         GetEnvOrDefault("WEBHOOK_API_KEY", ""),
		PostgresDSN:           GetEnvOrDefault("POSTGRES_DSN", ""),
		OtelEndpoint:          GetEnvOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		RebalanceConfigPath:   GetEnvOrDefault("REBALANCE_CONFIG", ""),
		IndexerInterval:       GetEnvAsDuration("INDEXER_INTERVAL", 30*time.Second),
		BalanceInterval:       GetEnvAsDuration("BALANCE_INTERVAL", 30*time.Second),
		PriceInterval:         GetEnvAsDuration("PRICE_INTERVAL", 15*time.Second),
		SweepInterval:         GetEnvAsDuration("SWEEP_INTERVAL", time.Minute),
		RebalanceInterval:     GetEnvAsDuration("REBALANCE_INTERVAL", time.Minute),
		CompletionInterval:    GetEnvAsDuration("COMPLETION_INTERVAL", 30*time.Second),
		LockInterval:          GetEnvAsDuration("LOCK_INTERVAL", 30*time.Second),
		OperationTimeout:      GetEnvAsDuration("OPERATION_TIMEOUT", 30*time.Minute),
		AutoEnableWithdrawals: GetEnvAsBool("AUTO_ENABLE_WITHDRAWALS", false),
		RequestTimeout:        GetEnvAsDuration("REQUEST_TIMEOUT", 10*time.Second),
		MaxPriceChange:        GetEnvAsFloat("MAX_PRICE_CHANGE", 0.25), // 25% between samples
		CircuitResetDelay:     GetEnvAsDuration("CIRCUIT_RESET_DELAY", 5*time.Minute),
		RPCEndpoints:          rpcEndpointsFromEnv(),
	}
}

// rpcEndpointsFromEnv reads RPC_URL_ETHEREUM, RPC_URL_BASE, ... for the known chains
func rpcEndpointsFromEnv() map[types.ChainID]string {
	out := make(map[types.ChainID]string)
	for id := range types.DefaultChains() {
		key := "RPC_URL_" + strings.ToUpper(id.String())
		if v, ok := GetEnv(key); ok && v != "" {
			out[id] = v
		}
	}
	return out
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

// GetEnvAsBool retrieves an environment variable as a bool with a default value
func GetEnvAsBool(key string, defaultValue bool) bool {
	if value, exists := GetEnv(key); exists {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
