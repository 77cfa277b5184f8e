package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/chainfold/holdings-reconciler/internal/adapter"
	"github.com/chainfold/holdings-reconciler/internal/config"
	"github.com/chainfold/holdings-reconciler/internal/ledger"
	"github.com/chainfold/holdings-reconciler/internal/logger"
	"github.com/chainfold/holdings-reconciler/internal/reconcile"
	"github.com/chainfold/holdings-reconciler/internal/repair"
	"github.com/chainfold/holdings-reconciler/internal/report"
	"github.com/chainfold/holdings-reconciler/internal/store"
	"github.com/chainfold/holdings-reconciler/internal/sweeper"
)

var (
	configFile = flag.String("config", "", "Path to configuration file")
	envPath    = flag.String("env", "config/", "Path to environment files")
)

func main() {
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadDriftSweeperConfig(*configFile, *envPath)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize logger with sentry integration
	err = logger.Initialize(logger.Config{
		Debug:     cfg.Debug,
		SentryDSN: cfg.SentryDSN,
		Tags: map[string]string{
			"service": "drift-sweeper",
		},
	})
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer logger.Flush(2 * time.Second)
	logger.InfoCtx(ctx, "Starting drift sweeper")

	// Connect to database
	db, err := gorm.Open(postgres.Open(cfg.Database.DSN()), &gorm.Config{})
	if err != nil {
		logger.FatalCtx(ctx, "Failed to connect to database", zap.Error(err))
	}
	if err := store.ConfigureConnectionPool(db, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime, cfg.Database.ConnMaxIdleTime); err != nil {
		logger.FatalCtx(ctx, "Failed to configure connection pool", zap.Error(err))
	}
	logger.InfoCtx(ctx, "Connected to database",
		zap.Int("max_open_conns", cfg.Database.MaxOpenConns),
		zap.Int("max_idle_conns", cfg.Database.MaxIdleConns),
	)
	holdingStore := store.NewPGStore(db)

	// Build the event source
	source, err := buildSource(ctx, cfg)
	if err != nil {
		logger.FatalCtx(ctx, "Failed to build event source", zap.Error(err))
	}
	defer source.Close()

	// Build the report publisher
	publisher := buildPublisher(ctx, cfg)
	defer publisher.Close()

	clock := adapter.NewClock()

	orchestrator := reconcile.NewOrchestrator(source, holdingStore, publisher, clock, reconcile.Config{
		RetryPolicy: reconcile.RetryPolicy{
			MaxAttempts:         cfg.Retry.MaxAttempts,
			InitialInterval:     cfg.Retry.InitialInterval,
			MaxInterval:         cfg.Retry.MaxInterval,
			Multiplier:          cfg.Retry.Multiplier,
			RandomizationFactor: cfg.Retry.RandomizationFactor,
		},
		Repair: repair.Config{
			BatchSize: cfg.Run.RepairBatchSize,
		},
		SinceHeight:       cfg.Run.SinceHeight,
		WalletConcurrency: cfg.Run.WalletConcurrency,
		RunTimeout:        cfg.Run.RunTimeout,
	})

	driftSweeper := sweeper.NewDriftSweeper(&sweeper.DriftSweeperConfig{
		Interval: cfg.SweepInterval,
	}, holdingStore, orchestrator, clock)

	logger.InfoCtx(ctx, "Initialized drift sweeper",
		zap.Duration("sweep_interval", cfg.SweepInterval),
		zap.Int("wallet_concurrency", cfg.Run.WalletConcurrency),
	)

	// Start the sweeper in a goroutine
	errChan := make(chan error, 1)
	go func() {
		if err := driftSweeper.Start(ctx); err != nil {
			errChan <- err
		}
	}()

	// Wait for interrupt signal or error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.InfoCtx(ctx, "Received shutdown signal", zap.String("signal", sig.String()))
	case err := <-errChan:
		logger.ErrorCtx(ctx, err)
	}

	// Cancel context to stop the sweeper
	cancel()

	// Give the sweeper time to shut down gracefully
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := driftSweeper.Stop(shutdownCtx); err != nil {
		logger.ErrorCtx(shutdownCtx, err)
	}

	logger.InfoCtx(shutdownCtx, "Drift sweeper stopped")
}

// buildSource picks the analytical mirror when enabled, the live node otherwise
func buildSource(ctx context.Context, cfg *config.DriftSweeperConfig) (ledger.EventSource, error) {
	if cfg.Mirror.Enabled {
		conn, err := ledger.NewMirrorConn(ctx, ledger.MirrorConfig{
			Addr:     strings.Split(cfg.Mirror.Addr, ","),
			Database: cfg.Mirror.Database,
			Username: cfg.Mirror.Username,
			Password: cfg.Mirror.Password,
		})
		if err != nil {
			return nil, err
		}
		logger.InfoCtx(ctx, "Using analytical mirror source", zap.String("addr", cfg.Mirror.Addr))
		return ledger.NewMirrorSource(conn), nil
	}

	client, err := adapter.NewEthClientDialer().Dial(ctx, cfg.Ledger.RPCURL)
	if err != nil {
		return nil, err
	}
	logger.InfoCtx(ctx, "Using live ledger node source", zap.String("rpc_url", cfg.Ledger.RPCURL))
	return ledger.NewNodeSource(ledger.NodeConfig{
		ContractAddress: cfg.Ledger.ContractAddress,
		StartHeight:     cfg.Ledger.StartHeight,
		BlockChunkSize:  cfg.Ledger.BlockChunkSize,
	}, client), nil
}

// buildPublisher connects to NATS when configured, else logs reports
func buildPublisher(ctx context.Context, cfg *config.DriftSweeperConfig) report.Publisher {
	if cfg.NATS.URL == "" {
		return report.NewLogPublisher()
	}

	publisher, err := report.NewJetStreamPublisher(report.JetStreamConfig{
		URL:            cfg.NATS.URL,
		SubjectPrefix:  cfg.NATS.SubjectPrefix,
		MaxReconnects:  cfg.NATS.MaxReconnects,
		ReconnectWait:  cfg.NATS.ReconnectWait,
		ConnectionName: "holdings-drift-sweeper",
	}, adapter.NewNatsJetStream())
	if err != nil {
		logger.FatalCtx(ctx, "Failed to connect to NATS", zap.Error(err), zap.String("url", cfg.NATS.URL))
	}
	return publisher
}
