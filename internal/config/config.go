package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultAppName          = "QRBridge"
	defaultAppEnv           = "development"
	defaultPort             = "3000"
	defaultLogLevel         = "info"
	defaultBankDataDir      = "data"
	defaultShutdownDelay    = 10 * time.Second
	defaultIdempotencyTTL   = 24 * time.Hour
	defaultSessionTTL       = 2 * time.Hour
	defaultSweepInterval    = 5 * time.Minute
	defaultSettlementDelay  = 3 * time.Second
	defaultLedgerGasLimit   = 500_000
	defaultLedgerTimeout    = 45 * time.Second
	defaultLedgerAttempts   = 3
	defaultLedgerBackoff    = 2 * time.Second
	defaultScanRatePerMin   = 30
	idemTTLSecondsEnvVar    = "IDEMPOTENCY_TTL_SECONDS"
	idemTTLDurEnvVar        = "IDEMPOTENCY_TTL"
	shutdownSecondsEnvVar   = "SHUTDOWN_TIMEOUT_SECONDS"
	shutdownDurationEnvVar  = "SHUTDOWN_TIMEOUT"
	ledgerRPCURLEnvVar      = "LEDGER_RPC_URL"
	ledgerPrivateKeyEnvVar  = "LEDGER_PRIVATE_KEY"
	ledgerContractEnvVar    = "LEDGER_CONTRACT_ADDRESS"
	ledgerChainIDEnvVar     = "LEDGER_CHAIN_ID"
	ledgerGasLimitEnvVar    = "LEDGER_GAS_LIMIT"
	ledgerNetworkNameEnvVar = "LEDGER_NETWORK_NAME"
)

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName        string
	AppEnv         string
	Port           string
	LogLevel       string
	DatabaseURL    string
	RedisURL       string
	BankDataDir    string
	ShutdownPeriod time.Duration
	IdempotencyTTL time.Duration

	SessionTTL           time.Duration
	SessionSweepInterval time.Duration
	SettlementDelay      time.Duration
	ScanRateLimitPerMin  int

	Ledger LedgerConfig
}

// LedgerConfig holds the distributed ledger connection settings. An empty RPCURL
// selects the in-process ledger, which is only permitted in development.
type LedgerConfig struct {
	RPCURL          string
	PrivateKey      string
	ContractAddress string
	ChainID         int64
	NetworkName     string
	GasLimit        uint64
	CallTimeout     time.Duration
	MaxAttempts     int
	RetryBackoff    time.Duration
}

// Enabled reports whether a remote ledger endpoint is configured.
func (l LedgerConfig) Enabled() bool {
	return l.RPCURL != ""
}

// Load reads configuration values from the environment and populates a Config instance.
func Load() (Config, error) {
	cfg := Config{
		AppName:              getEnv("APP_NAME", defaultAppName),
		AppEnv:               getEnv("APP_ENV", defaultAppEnv),
		Port:                 getEnv("PORT", defaultPort),
		LogLevel:             strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		RedisURL:             os.Getenv("REDIS_URL"),
		BankDataDir:          getEnv("BANK_DATA_DIR", defaultBankDataDir),
		ShutdownPeriod:       defaultShutdownDelay,
		IdempotencyTTL:       defaultIdempotencyTTL,
		SessionTTL:           defaultSessionTTL,
		SessionSweepInterval: defaultSweepInterval,
		SettlementDelay:      defaultSettlementDelay,
		ScanRateLimitPerMin:  defaultScanRatePerMin,
		Ledger: LedgerConfig{
			RPCURL:          os.Getenv(ledgerRPCURLEnvVar),
			PrivateKey:      os.Getenv(ledgerPrivateKeyEnvVar),
			ContractAddress: os.Getenv(ledgerContractEnvVar),
			NetworkName:     getEnv(ledgerNetworkNameEnvVar, "Sepolia Testnet"),
			ChainID:         11155111,
			GasLimit:        defaultLedgerGasLimit,
			CallTimeout:     defaultLedgerTimeout,
			MaxAttempts:     defaultLedgerAttempts,
			RetryBackoff:    defaultLedgerBackoff,
		},
	}

	if v := os.Getenv(shutdownSecondsEnvVar); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", shutdownSecondsEnvVar, err)
		}
		cfg.ShutdownPeriod = time.Duration(seconds) * time.Second
	} else if v := os.Getenv(shutdownDurationEnvVar); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", shutdownDurationEnvVar, err)
		}
		cfg.ShutdownPeriod = d
	}

	if v := os.Getenv(idemTTLSecondsEnvVar); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", idemTTLSecondsEnvVar, err)
		}
		cfg.IdempotencyTTL = time.Duration(seconds) * time.Second
	} else if v := os.Getenv(idemTTLDurEnvVar); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", idemTTLDurEnvVar, err)
		}
		cfg.IdempotencyTTL = d
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"SESSION_TTL", &cfg.SessionTTL},
		{"SESSION_SWEEP_INTERVAL", &cfg.SessionSweepInterval},
		{"SETTLEMENT_DELAY", &cfg.SettlementDelay},
		{"LEDGER_CALL_TIMEOUT", &cfg.Ledger.CallTimeout},
		{"LEDGER_RETRY_BACKOFF", &cfg.Ledger.RetryBackoff},
	}
	for _, d := range durations {
		if err := parseDuration(d.key, d.dst); err != nil {
			return Config{}, err
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"LEDGER_MAX_ATTEMPTS", &cfg.Ledger.MaxAttempts},
		{"SCAN_RATE_LIMIT_PER_MIN", &cfg.ScanRateLimitPerMin},
	}
	for _, i := range ints {
		if err := parseInt(i.key, i.dst); err != nil {
			return Config{}, err
		}
	}

	if v := os.Getenv(ledgerChainIDEnvVar); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", ledgerChainIDEnvVar, err)
		}
		cfg.Ledger.ChainID = id
	}

	if v := os.Getenv(ledgerGasLimitEnvVar); v != "" {
		gas, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", ledgerGasLimitEnvVar, err)
		}
		cfg.Ledger.GasLimit = gas
	}

	if cfg.Ledger.MaxAttempts < 1 {
		return Config{}, fmt.Errorf("LEDGER_MAX_ATTEMPTS must be at least 1")
	}

	if cfg.Ledger.Enabled() {
		if cfg.Ledger.PrivateKey == "" {
			return Config{}, fmt.Errorf("%s must be set when %s is set", ledgerPrivateKeyEnvVar, ledgerRPCURLEnvVar)
		}
		if cfg.Ledger.ContractAddress == "" {
			return Config{}, fmt.Errorf("%s must be set when %s is set", ledgerContractEnvVar, ledgerRPCURLEnvVar)
		}
	} else if !cfg.IsDev() {
		return Config{}, fmt.Errorf("%s must be set when APP_ENV=%s", ledgerRPCURLEnvVar, cfg.AppEnv)
	}

	return cfg, nil
}

// IsDev reports whether the application runs in a development-like environment.
func (c Config) IsDev() bool {
	switch strings.ToLower(c.AppEnv) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func parseDuration(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = d
	return nil
}

func parseInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}
