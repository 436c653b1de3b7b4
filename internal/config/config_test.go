package config

import (
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"APP_ENV", "PORT", "LOG_LEVEL", "DATABASE_URL", "REDIS_URL", "BANK_DATA_DIR",
		shutdownSecondsEnvVar, shutdownDurationEnvVar, idemTTLSecondsEnvVar, idemTTLDurEnvVar,
		"SESSION_TTL", "SESSION_SWEEP_INTERVAL", "SETTLEMENT_DELAY",
		"LEDGER_CALL_TIMEOUT", "LEDGER_RETRY_BACKOFF", "LEDGER_MAX_ATTEMPTS", "SCAN_RATE_LIMIT_PER_MIN",
		ledgerRPCURLEnvVar, ledgerPrivateKeyEnvVar, ledgerContractEnvVar, ledgerChainIDEnvVar, ledgerGasLimitEnvVar,
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.IsDev() || cfg.Address() != ":3000" {
		t.Fatalf("unexpected env/address: %s %s", cfg.AppEnv, cfg.Address())
	}
	if cfg.SettlementDelay != defaultSettlementDelay || cfg.SessionTTL != defaultSessionTTL {
		t.Fatalf("unexpected session defaults: %+v", cfg)
	}
	if cfg.Ledger.Enabled() || cfg.Ledger.MaxAttempts != defaultLedgerAttempts {
		t.Fatalf("unexpected ledger defaults: %+v", cfg.Ledger)
	}
}

func TestLoadRequiresLedgerOutsideDev(t *testing.T) {
	clearEnv(t)
	t.Setenv("APP_ENV", "production")

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), ledgerRPCURLEnvVar) {
		t.Fatalf("expected missing ledger error, got %v", err)
	}

	t.Setenv(ledgerRPCURLEnvVar, "https://rpc.example")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), ledgerPrivateKeyEnvVar) {
		t.Fatalf("expected missing private key error, got %v", err)
	}

	t.Setenv(ledgerPrivateKeyEnvVar, "0xabc")
	t.Setenv(ledgerContractEnvVar, "0x0000000000000000000000000000000000000001")
	t.Setenv(ledgerChainIDEnvVar, "31337")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.IsDev() || cfg.Ledger.ChainID != 31337 {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestLoadParsesOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", ":8080")
	t.Setenv(shutdownSecondsEnvVar, "3")
	t.Setenv(idemTTLDurEnvVar, "90s")
	t.Setenv("SETTLEMENT_DELAY", "250ms")
	t.Setenv("SCAN_RATE_LIMIT_PER_MIN", "5")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Address() != ":8080" || cfg.LogLevel != "debug" {
		t.Fatalf("unexpected address/level %s %s", cfg.Address(), cfg.LogLevel)
	}
	if cfg.ShutdownPeriod != 3*time.Second || cfg.IdempotencyTTL != 90*time.Second {
		t.Fatalf("unexpected durations %v %v", cfg.ShutdownPeriod, cfg.IdempotencyTTL)
	}
	if cfg.SettlementDelay != 250*time.Millisecond || cfg.ScanRateLimitPerMin != 5 {
		t.Fatalf("unexpected settlement/rate settings %+v", cfg)
	}
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	cases := map[string]string{
		"SESSION_TTL":         "soon",
		"LEDGER_MAX_ATTEMPTS": "0",
		ledgerGasLimitEnvVar:  "-1",
		shutdownSecondsEnvVar: "ten",
	}
	for key, value := range cases {
		clearEnv(t)
		t.Setenv(key, value)
		if _, err := Load(); err == nil {
			t.Fatalf("expected error for %s=%q", key, value)
		}
	}
}
