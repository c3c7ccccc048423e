package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/brojonat/masssend/service/transfer"
	"github.com/gagliardetto/solana-go/rpc"
)

// MaxAssetPageLimit is the largest page the asset source is asked for.
const MaxAssetPageLimit = 200

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr  string
	MetricsAddr string
	LogLevel    string

	// Database configuration. Optional: when set, session locks are held
	// in Postgres so that several servers serialize transfers together.
	DatabaseURL string

	// NATS configuration
	NATSURL string

	// Solana configuration
	SolanaNetwork       string
	SolanaRPCURLs       []string
	Commitment          rpc.CommitmentType
	ConfirmTimeout      time.Duration
	ConfirmPollInterval time.Duration

	// Transfer pipeline configuration
	ResolveConcurrency       int
	MaxBatchSize             int
	AllowOffCurveDestination bool

	// Asset source configuration
	AssetIndexerURL string
	AssetPageLimit  int

	// Temporal configuration
	TemporalHost      string
	TemporalNamespace string
	TemporalTaskQueue string
}

// Load reads configuration from environment variables and validates all required fields.
// Returns an error if any required configuration is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	// Server configuration
	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.MetricsAddr = getEnvOrDefault("METRICS_ADDR", ":9091")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")

	// NATS configuration
	cfg.NATSURL = getEnvOrDefault("NATS_URL", "nats://localhost:4222")

	// Solana configuration
	cfg.SolanaNetwork = getEnvOrDefault("SOLANA_NETWORK", "mainnet")
	if cfg.SolanaNetwork != "mainnet" && cfg.SolanaNetwork != "devnet" {
		errs = append(errs, fmt.Errorf("SOLANA_NETWORK must be mainnet or devnet, got %q", cfg.SolanaNetwork))
	}

	cfg.SolanaRPCURLs = parseList("SOLANA_RPC_URLS")
	if len(cfg.SolanaRPCURLs) == 0 {
		errs = append(errs, fmt.Errorf("SOLANA_RPC_URLS is required"))
	}
	for _, u := range cfg.SolanaRPCURLs {
		if err := validateURL(u); err != nil {
			errs = append(errs, fmt.Errorf("SOLANA_RPC_URLS: %w", err))
		}
	}

	cfg.Commitment = rpc.CommitmentType(getEnvOrDefault("SOLANA_COMMITMENT", string(rpc.CommitmentConfirmed)))
	if cfg.Commitment != rpc.CommitmentConfirmed && cfg.Commitment != rpc.CommitmentFinalized {
		errs = append(errs, fmt.Errorf("SOLANA_COMMITMENT must be confirmed or finalized, got %q", cfg.Commitment))
	}

	confirmTimeout, err := parseDuration("CONFIRM_TIMEOUT", "90s")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.ConfirmTimeout = confirmTimeout
	}

	pollInterval, err := parseDuration("CONFIRM_POLL_INTERVAL", "1s")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.ConfirmPollInterval = pollInterval
	}

	// Validate intervals
	if cfg.ConfirmPollInterval > 0 && cfg.ConfirmPollInterval >= cfg.ConfirmTimeout {
		errs = append(errs, fmt.Errorf("CONFIRM_POLL_INTERVAL (%v) must be shorter than CONFIRM_TIMEOUT (%v)",
			cfg.ConfirmPollInterval, cfg.ConfirmTimeout))
	}

	// Transfer pipeline configuration
	if cfg.ResolveConcurrency, err = parseInt("RESOLVE_CONCURRENCY", 8); err != nil {
		errs = append(errs, err)
	} else if cfg.ResolveConcurrency < 1 {
		errs = append(errs, fmt.Errorf("RESOLVE_CONCURRENCY must be at least 1"))
	}

	if cfg.MaxBatchSize, err = parseInt("MAX_BATCH_SIZE", 20); err != nil {
		errs = append(errs, err)
	} else if cfg.MaxBatchSize < 1 {
		errs = append(errs, fmt.Errorf("MAX_BATCH_SIZE must be at least 1"))
	}

	if cfg.AllowOffCurveDestination, err = parseBool("ALLOW_OFF_CURVE_DESTINATION", false); err != nil {
		errs = append(errs, err)
	}

	// Asset source configuration
	cfg.AssetIndexerURL = os.Getenv("ASSET_INDEXER_URL")
	if cfg.AssetIndexerURL == "" {
		errs = append(errs, fmt.Errorf("ASSET_INDEXER_URL is required"))
	} else if err := validateURL(cfg.AssetIndexerURL); err != nil {
		errs = append(errs, fmt.Errorf("ASSET_INDEXER_URL: %w", err))
	}

	if cfg.AssetPageLimit, err = parseInt("ASSET_PAGE_LIMIT", MaxAssetPageLimit); err != nil {
		errs = append(errs, err)
	} else if cfg.AssetPageLimit < 1 || cfg.AssetPageLimit > MaxAssetPageLimit {
		errs = append(errs, fmt.Errorf("ASSET_PAGE_LIMIT must be between 1 and %d, got %d", MaxAssetPageLimit, cfg.AssetPageLimit))
	}

	// Temporal configuration
	cfg.TemporalHost = getEnvOrDefault("TEMPORAL_HOST", "localhost:7233")
	cfg.TemporalNamespace = getEnvOrDefault("TEMPORAL_NAMESPACE", "default")
	cfg.TemporalTaskQueue = getEnvOrDefault("TEMPORAL_TASK_QUEUE", "masssend-transfers")

	// Return all validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
// Useful for server initialization where misconfiguration should halt startup.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if len(c.SolanaRPCURLs) == 0 {
		errs = append(errs, fmt.Errorf("SolanaRPCURLs is required"))
	}

	if c.AssetIndexerURL == "" {
		errs = append(errs, fmt.Errorf("AssetIndexerURL is required"))
	}

	if c.AssetPageLimit < 1 || c.AssetPageLimit > MaxAssetPageLimit {
		errs = append(errs, fmt.Errorf("AssetPageLimit must be between 1 and %d", MaxAssetPageLimit))
	}

	if c.TemporalHost == "" {
		errs = append(errs, fmt.Errorf("TemporalHost is required"))
	}

	if c.TemporalNamespace == "" {
		errs = append(errs, fmt.Errorf("TemporalNamespace is required"))
	}

	if c.TemporalTaskQueue == "" {
		errs = append(errs, fmt.Errorf("TemporalTaskQueue is required"))
	}

	if c.ConfirmTimeout < time.Second {
		errs = append(errs, fmt.Errorf("ConfirmTimeout must be at least 1 second"))
	}

	if c.ConfirmPollInterval >= c.ConfirmTimeout {
		errs = append(errs, fmt.Errorf("ConfirmPollInterval must be shorter than ConfirmTimeout"))
	}

	if c.ResolveConcurrency < 1 {
		errs = append(errs, fmt.Errorf("ResolveConcurrency must be at least 1"))
	}

	if c.MaxBatchSize < 1 {
		errs = append(errs, fmt.Errorf("MaxBatchSize must be at least 1"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

// TransferOptions returns the pipeline settings carried by the configuration.
func (c *Config) TransferOptions() transfer.Options {
	return transfer.Options{
		Commitment:               c.Commitment,
		ConfirmTimeout:           c.ConfirmTimeout,
		ResolveConcurrency:       c.ResolveConcurrency,
		MaxBatchSize:             c.MaxBatchSize,
		AllowOffCurveDestination: c.AllowOffCurveDestination,
	}
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	if duration <= 0 {
		return 0, fmt.Errorf("%s: duration must be positive, got %v", key, duration)
	}
	return duration, nil
}

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}

// parseBool parses a boolean from an environment variable or uses a default.
func parseBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s: invalid boolean %q: %w", key, value, err)
	}
	return result, nil
}

// parseList splits a comma separated environment variable, dropping blanks.
func parseList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", raw, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid URL %q: scheme and host are required", raw)
	}
	return nil
}
