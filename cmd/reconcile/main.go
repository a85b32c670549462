// Command reconcile recomputes every inventory record from its movement log and exits
// with status 2 when any record has drifted.
package main

import (
	"context"
	"os"
	"time"

	"purchasing-core/internal/config"
	"purchasing-core/internal/core"
	"purchasing-core/internal/db"
	"purchasing-core/internal/logging"
	"purchasing-core/internal/store/postgres"

	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("config", zap.Error(err))
	}
	logger := logging.New(cfg.LogLevel, cfg.Env)
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("connect", zap.Error(err))
	}
	defer pool.Close()

	ledger := core.NewLedger(postgres.New(pool), logger)
	drifted, err := ledger.ReconcileAll(ctx)
	if err != nil {
		logger.Error("reconcile", zap.Error(err))
		pool.Close()
		os.Exit(1)
	}
	if len(drifted) > 0 {
		pool.Close()
		_ = logger.Sync()
		os.Exit(2)
	}
}
