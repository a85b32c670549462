package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	webAdapter "purchasing-core/internal/adapters/web"
	"purchasing-core/internal/authority"
	"purchasing-core/internal/config"
	"purchasing-core/internal/core"
	"purchasing-core/internal/db"
	"purchasing-core/internal/lock"
	"purchasing-core/internal/logging"
	"purchasing-core/internal/render"
	"purchasing-core/internal/storage"
	"purchasing-core/internal/store/memory"
	"purchasing-core/internal/store/postgres"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// The logger is not configured yet.
		zap.NewExample().Fatal("config", zap.Error(err))
	}
	logger := logging.New(cfg.LogLevel, cfg.Env)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var closers []func() error

	// ── Store ─────────────────────────────────────────────────────────────────
	var (
		store core.Store
		ready func(context.Context) error
	)
	if cfg.DatabaseURL != "" {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("database", zap.Error(err))
		}
		closers = append(closers, func() error { pool.Close(); return nil })
		applied, err := db.Migrate(ctx, pool, logger)
		if err != nil && !errors.Is(err, db.ErrLocked) {
			logger.Fatal("migrate", zap.Error(err))
		}
		logger.Info("database ready", zap.Strings("applied_migrations", applied))
		store = postgres.New(pool)
		ready = pool.Ping
	} else {
		if cfg.IsProduction() {
			logger.Fatal("DATABASE_URL is required in production")
		}
		mem := memory.New()
		mem.AddBranch(core.Branch{Name: "PRINCIPAL", Active: true})
		store = mem
		logger.Warn("DATABASE_URL not set, using the in-memory store; data is lost on exit")
	}

	// ── Locks ─────────────────────────────────────────────────────────────────
	var locker lock.Locker = lock.NewLocalLocker()
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal("redis", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		}
		closers = append(closers, rdb.Close)
		locker = lock.NewRedisLocker(rdb, "purchasing:")
	}

	// ── Content store ─────────────────────────────────────────────────────────
	var content storage.ContentStore
	switch cfg.ContentStore {
	case config.StoreGCS:
		client, err := storage.NewGCSClient(ctx, cfg.GCSCredentialsJSON)
		if err != nil {
			logger.Fatal("gcs client", zap.Error(err))
		}
		gcs, err := storage.NewGCSStore(ctx, client, cfg.GCSBucket, "purchasing", logger)
		if err != nil {
			logger.Fatal("gcs store", zap.Error(err))
		}
		closers = append(closers, gcs.Close)
		content = gcs
	default:
		content = storage.NewLocalStore(cfg.ContentDir, logger)
	}

	// ── Tax authority ─────────────────────────────────────────────────────────
	var gateway authority.Gateway
	if cfg.AuthorityMode == config.AuthorityLive {
		gateway = authority.NewLive(authority.LiveConfig{
			Endpoint: cfg.AuthorityEndpoint,
			Token:    cfg.AuthorityToken,
			Timeout:  cfg.AuthorityTimeout,
			TaxRate:  cfg.TaxRate,
			Company: authority.Company{
				RUC:     cfg.CompanyRUC,
				Name:    cfg.CompanyName,
				Address: cfg.CompanyAddress,
				Ubigeo:  cfg.CompanyUbigeo,
			},
		}, nil, logger)
	} else {
		gateway = authority.NewSimulated(cfg.AuthoritySimulatedDelay, logger)
	}

	ledger := core.NewLedger(store, logger)
	purchases := core.NewPurchaseService(core.PurchaseServiceConfig{
		Store:            store,
		Ledger:           ledger,
		Gateway:          gateway,
		Renderer:         render.NewPDFRenderer(content, cfg.TaxRate, logger),
		Content:          content,
		Locker:           locker,
		Resolver:         core.NewProductResolver(cfg.FuzzyProductMatch),
		Logger:           logger,
		TaxRate:          cfg.TaxRate,
		MaxUploadBytes:   cfg.MaxUploadBytes,
		SkipRUCCheck:     cfg.SkipRUCCheck,
		AuthorityTimeout: cfg.AuthorityTimeout,
		PublicBaseURL:    cfg.PublicBaseURL,
	})

	handler := webAdapter.NewHandler(purchases, ledger, logger, webAdapter.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		JWTSecret:      cfg.JWTSecret,
		MaxUploadBytes: cfg.MaxUploadBytes,
		Ready:          ready,
	})

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.AuthorityTimeout + 30*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("server starting",
			zap.String("addr", server.Addr),
			zap.String("env", cfg.Env),
			zap.String("authority_mode", cfg.AuthorityMode),
			zap.String("content_store", cfg.ContentStore),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", zap.Error(err))
	}
	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.Warn("close", zap.Error(err))
		}
	}
	logger.Info("server stopped")
}
