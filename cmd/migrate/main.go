package main

import (
	"context"
	"flag"
	"os"
	"time"

	"purchasing-core/internal/config"
	"purchasing-core/internal/db"
	"purchasing-core/internal/logging"

	"go.uber.org/zap"
)

func main() {
	list := flag.Bool("list", false, "print the embedded migrations and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("config", zap.Error(err))
	}
	logger := logging.New(cfg.LogLevel, cfg.Env)
	defer func() { _ = logger.Sync() }()

	if *list {
		migrations, err := db.Migrations()
		if err != nil {
			logger.Fatal("load migrations", zap.Error(err))
		}
		for _, m := range migrations {
			logger.Info("migration", zap.String("file", m.Filename), zap.String("checksum", m.Checksum))
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("connect", zap.Error(err))
	}
	defer pool.Close()

	applied, err := db.Migrate(ctx, pool, logger)
	if err != nil {
		logger.Error("migrate", zap.Strings("applied", applied), zap.Error(err))
		pool.Close()
		os.Exit(1)
	}
	logger.Info("all migrations processed", zap.Int("applied", len(applied)))
}
