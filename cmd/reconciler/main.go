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
	"github.com/clubprotocol/chain-relay/internal/chain"
	"github.com/clubprotocol/chain-relay/internal/config"
	"github.com/clubprotocol/chain-relay/internal/logger"
	"github.com/clubprotocol/chain-relay/internal/reconciler"
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
	cfg, err := config.LoadReconcilerConfig(*configFile, *envPath)
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
			"service": "reconciler",
		},
	})
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer logger.Flush(2 * time.Second)
	logger.InfoCtx(ctx, "Starting Reconciler")

	// Connect to database
	db, err := gorm.Open(postgres.Open(cfg.Database.DSN()), &gorm.Config{})
	if err != nil {
		logger.FatalCtx(ctx, "Failed to connect to database", zap.Error(err), zap.String("dsn", cfg.Database.DSN()))
	}
	logger.InfoCtx(ctx, "Connected to database")

	// Initialize store
	dataStore := store.NewPGStore(db)

	// Dial the chain over HTTP RPC, the reconciler only reads contract state
	clockAdapter := adapter.NewClock()
	ethDialer := adapter.NewEthClientDialer()
	ethClient, err := ethDialer.Dial(ctx, cfg.Ethereum.RPCURL)
	if err != nil {
		logger.FatalCtx(ctx, "Failed to dial Ethereum node", zap.Error(err), zap.String("rpc_url", cfg.Ethereum.RPCURL))
	}
	defer ethClient.Close()

	contractClient, err := chain.NewClient(cfg.Ethereum.ContractAddress, ethClient, clockAdapter)
	if err != nil {
		logger.FatalCtx(ctx, "Failed to create contract client", zap.Error(err), zap.String("contract", cfg.Ethereum.ContractAddress))
	}
	logger.InfoCtx(ctx, "Connected to Ethereum node",
		zap.String("contract", cfg.Ethereum.ContractAddress))

	// Create reconciler
	mirrorReconciler := reconciler.New(&reconciler.Config{
		Interval:  cfg.Reconcile.Interval,
		BatchSize: cfg.Reconcile.BatchSize,
	}, dataStore, contractClient, clockAdapter)

	// Setup signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Channel for reconciler errors
	errCh := make(chan error, 1)

	// Start the reconcile loop
	go func() {
		if err := mirrorReconciler.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or error
	select {
	case sig := <-sigCh:
		logger.InfoCtx(ctx, "Received shutdown signal", zap.String("signal", sig.String()))
	case err := <-errCh:
		logger.ErrorCtx(ctx, err, zap.String("component", "reconciler"))
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := mirrorReconciler.Stop(shutdownCtx); err != nil {
		logger.Error(err, zap.String("component", "reconciler"))
	}

	logger.Info("Reconciler stopped")
}
