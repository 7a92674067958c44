package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"codegate/activation/internal/config"
	"codegate/activation/internal/handler"
	"codegate/activation/internal/handler/middleware"
	"codegate/activation/internal/model"
	"codegate/activation/internal/repository"
	"codegate/activation/internal/service"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the yaml configuration file")
	flag.Parse()

	// 1. Load .env (optional) and configuration
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("failed to load .env: %v", err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// 2. Initialize logger
	logger, err := newLogger(cfg.Log)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}
	for _, w := range cfg.Warnings() {
		logger.Warn("configuration warning", zap.String("warning", w))
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// 3. Code ledger storage (PostgreSQL or in-memory)
	var codeRepo repository.ActivationCodeRepository
	switch cfg.Database.Driver {
	case "postgres":
		db, err := config.NewPostgresDB(cfg.Database.Postgres)
		if err != nil {
			logger.Fatal("failed to connect to postgres", zap.Error(err))
		}
		if cfg.Database.Postgres.AutoMigrate {
			if err := model.AutoMigrate(db); err != nil {
				logger.Fatal("failed to auto-migrate", zap.Error(err))
			}
			logger.Info("database migration completed")
		}
		codeRepo = repository.NewPGActivationCodeRepository(db)
	case "memory":
		codeRepo = repository.NewMemoryActivationCodeRepository()
		logger.Warn("using in-memory code ledger, codes are lost on restart")
	}

	// 4. Throttle state store (Redis or in-memory)
	var attemptStore repository.AttemptStore
	switch cfg.State.Backend {
	case "redis":
		redisClient, err := config.NewRedisClient(cfg.Database.Redis)
		if err != nil {
			logger.Fatal("failed to connect to redis", zap.Error(err))
		}
		defer redisClient.Close()
		attemptStore = repository.NewRedisAttemptStore(redisClient)
		logger.Info("using Redis attempt store")
	case "memory":
		memStore := repository.NewMemoryAttemptStore()
		go memStore.RunPurge(ctx, cfg.Throttle.SweepInterval, func(n int) {
			logger.Debug("purged expired attempt records", zap.Int("count", n))
		})
		attemptStore = memStore
		logger.Info("using in-memory attempt store")
	}

	// 5. Initialize services
	format, err := service.NewCodeFormat(cfg.Code)
	if err != nil {
		logger.Fatal("invalid code format policy", zap.Error(err))
	}
	ledgerService, err := service.NewLedgerService(codeRepo, format, cfg.Code, logger)
	if err != nil {
		logger.Fatal("failed to init ledger service", zap.Error(err))
	}
	throttle := service.NewThrottle(attemptStore, cfg.Throttle, logger)
	accessService := service.NewAccessService(ledgerService, throttle, logger)

	rotator, err := service.NewKeyRotator(cfg.Rotator, logger)
	if err != nil {
		logger.Fatal("failed to init key rotator", zap.Error(err))
	}
	generationService, err := service.NewGenerationService(rotator, cfg.Upstream, logger)
	if err != nil {
		logger.Fatal("failed to init generation service", zap.Error(err))
	}
	logger.Info("key rotator initialized", zap.Int("keys", rotator.Len()))

	// 6. Initialize handlers and router
	fingerprint := middleware.HeaderFingerprint
	accessHandler := handler.NewAccessHandler(accessService, fingerprint)
	generateHandler := handler.NewGenerateHandler(generationService)
	adminHandler := handler.NewAdminHandler(ledgerService, rotator)

	router := handler.SetupRouter(cfg, logger, accessService, fingerprint, accessHandler, generateHandler, adminHandler)

	// 7. Create HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// 8. Start server with graceful shutdown
	go func() {
		logger.Info("server starting", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down server...")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("server forced to shutdown", zap.Error(err))
	}
	logger.Info("server exited gracefully")
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	var zc zap.Config
	if cfg.Format == "json" {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		zc.Level = zap.NewAtomicLevelAt(level)
	}
	return zc.Build()
}
