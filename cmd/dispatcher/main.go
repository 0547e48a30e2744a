package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/clubprotocol/chain-relay/internal/adapter"
	"github.com/clubprotocol/chain-relay/internal/config"
	"github.com/clubprotocol/chain-relay/internal/dispatcher"
	"github.com/clubprotocol/chain-relay/internal/logger"
	"github.com/clubprotocol/chain-relay/internal/store"
)

var (
	configFile = flag.String("config", "", "Path to configuration file")
	envPath    = flag.String("env", "config/", "Path to environment files")
)

func main() {
	flag.Parse()

	// Load configuration
	config.ChdirRepoRoot()
	cfg, err := config.LoadDispatcherConfig(*configFile, *envPath)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize logger with sentry integration
	err = logger.Initialize(logger.Config{
		Debug:           cfg.Debug,
		SentryDSN:       cfg.SentryDSN,
		BreadcrumbLevel: zapcore.InfoLevel,
		Tags: map[string]string{
			"service": "dispatcher",
		},
	})
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer logger.Flush(2 * time.Second)
	logger.InfoCtx(ctx, "Starting Webhook Dispatcher")

	// Connect to database
	db, err := gorm.Open(postgres.Open(cfg.Database.DSN()), &gorm.Config{})
	if err != nil {
		logger.FatalCtx(ctx, "Failed to connect to database", zap.Error(err), zap.String("dsn", cfg.Database.DSN()))
	}

	// Configure connection pool
	if err := store.ConfigureConnectionPool(db, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime, cfg.Database.ConnMaxIdleTime); err != nil {
		logger.FatalCtx(ctx, "Failed to configure connection pool", zap.Error(err))
	}
	logger.InfoCtx(ctx, "Connected to database")

	// Initialize store
	dataStore := store.NewPGStore(db)

	// Initialize adapters
	clockAdapter := adapter.NewClock()
	httpClient := adapter.NewHTTPClient(cfg.Webhook.Timeout)

	// Create dispatcher
	webhookDispatcher := dispatcher.New(&dispatcher.Config{
		WorkerPoolSize: cfg.Worker.WorkerPoolSize,
		BatchSize:      cfg.Delivery.BatchSize,
		LeaseDuration:  cfg.Delivery.LeaseDuration,
		PollInterval:   cfg.Delivery.PollInterval,
		MaxAttempts:    cfg.Webhook.MaxAttempts,
		BackoffBase:    cfg.Webhook.BackoffBase,
		BackoffCap:     cfg.Webhook.BackoffCap,
		SharedSecret:   cfg.Webhook.SharedSecret,
	}, dataStore, httpClient, clockAdapter)

	// Setup signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Channel for dispatcher errors
	errCh := make(chan error, 1)

	// Start the dispatch loop
	go func() {
		if err := webhookDispatcher.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or error
	select {
	case sig := <-sigCh:
		logger.InfoCtx(ctx, "Received shutdown signal", zap.String("signal", sig.String()))
	case err := <-errCh:
		logger.ErrorCtx(ctx, err, zap.String("component", "dispatcher"))
	}
	cancel()

	// Let in-flight deliveries finish
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := webhookDispatcher.Stop(shutdownCtx); err != nil {
		logger.Error(err, zap.String("component", "dispatcher"))
	}

	logger.Info("Webhook Dispatcher stopped")
}
