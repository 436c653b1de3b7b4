package infra

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/qrbridge/qrbridge/internal/bank"
	"github.com/qrbridge/qrbridge/internal/config"
	"github.com/qrbridge/qrbridge/internal/ledger"
)

// NewLedger dials the configured ledger node, or returns the in-process ledger
// when no RPC endpoint is set.
func NewLedger(ctx context.Context, cfg config.LedgerConfig, logger *slog.Logger) (ledger.Client, error) {
	if !cfg.Enabled() {
		logger.Warn("no ledger endpoint configured, using in-process ledger")
		return ledger.NewInMemory(), nil
	}
	client, err := ledger.DialEthereum(ctx, cfg.RPCURL, ledger.EthereumConfig{
		ContractAddress: cfg.ContractAddress,
		PrivateKey:      cfg.PrivateKey,
		ChainID:         cfg.ChainID,
		GasLimit:        cfg.GasLimit,
		NetworkName:     cfg.NetworkName,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("dial ledger: %w", err)
	}
	return client, nil
}

// NewBankRepository stores institution records in Postgres when a pool is
// given, otherwise as JSON files under dataDir.
func NewBankRepository(ctx context.Context, db *pgxpool.Pool, dataDir string) (bank.Repository, error) {
	if db != nil {
		repo := bank.NewPostgresRepository(db)
		if err := repo.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("ensure institution schema: %w", err)
		}
		return repo, nil
	}
	if dataDir == "" {
		return nil, fmt.Errorf("either DATABASE_URL or BANK_DATA_DIR is required")
	}
	return bank.NewFileRepository(dataDir), nil
}
