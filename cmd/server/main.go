package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/stratushq/stratus/internal/agent"
	"github.com/stratushq/stratus/internal/allocation"
	"github.com/stratushq/stratus/internal/api"
	"github.com/stratushq/stratus/internal/config"
	"github.com/stratushq/stratus/internal/lifecycle"
	"github.com/stratushq/stratus/internal/locking"
	"github.com/stratushq/stratus/internal/registry"
	"github.com/stratushq/stratus/internal/relay"
	"github.com/stratushq/stratus/internal/storage/sql"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	// Create data directory if needed (for SQLite)
	if cfg.Database.Driver == "sqlite3" {
		if err := os.MkdirAll("data", 0755); err != nil {
			logger.Fatal("creating data directory", zap.Error(err))
		}
	}

	store, err := sql.New(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		logger.Fatal("initializing storage", zap.Error(err))
	}
	defer store.Close()

	agents := agent.NewClient(cfg.Agent.Timeout)

	nodeLocks := locking.New()
	ledger := allocation.New(store, nodeLocks)
	reg := registry.New(store, agents, logger)
	manager := lifecycle.New(store, agents, ledger, logger)
	rly := relay.New(store, agents, logger)

	router := api.NewRouter(store, reg, ledger, manager, rly, cfg.Auth.BootstrapAPIKey, logger)

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	logger.Info("starting control plane", zap.String("addr", cfg.Server.Addr()))

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal("forced shutdown", zap.Error(err))
	}

	logger.Info("stopped")
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zcfg := zap.NewProductionConfig()
	if cfg.Dev {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}
