package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/qrbridge/qrbridge/internal/bank"
	"github.com/qrbridge/qrbridge/internal/config"
	"github.com/qrbridge/qrbridge/internal/infra"
	"github.com/qrbridge/qrbridge/internal/logging"
	"github.com/qrbridge/qrbridge/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.IsDev())

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	var db *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		db, err = infra.NewPostgresPool(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("connect postgres", "error", err)
			os.Exit(1)
		}
		defer db.Close()
	}

	var cache *redis.Client
	if cfg.RedisURL != "" {
		cache, err = infra.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Error("connect redis", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := cache.Close(); err != nil {
				logger.Warn("close redis", "error", err)
			}
		}()
	}

	banks, err := infra.NewBankRepository(ctx, db, cfg.BankDataDir)
	if err != nil {
		logger.Error("open institution store", "error", err)
		os.Exit(1)
	}
	if cfg.IsDev() {
		seeded, err := bank.SeedDemo(ctx, banks, false)
		if err != nil {
			logger.Error("seed demo institutions", "error", err)
			os.Exit(1)
		}
		if seeded {
			logger.Warn("seeded demo institutions with fresh key pairs")
		}
	}

	ledgerClient, err := infra.NewLedger(ctx, cfg.Ledger, logging.Component(logger, "ledger"))
	if err != nil {
		logger.Error("connect ledger", "error", err)
		os.Exit(1)
	}

	srv, err := server.New(cfg, server.Components{DB: db, Cache: cache, Banks: banks, Ledger: ledgerClient}, logger)
	if err != nil {
		logger.Error("build server", "error", err)
		os.Exit(1)
	}

	srvErrCh := make(chan error, 1)
	go func() {
		srvErrCh <- srv.Listen(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-srvErrCh:
		if err != nil {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
		return
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownPeriod)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	logger.Info("server exited cleanly")
}
