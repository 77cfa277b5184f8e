package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/chainfold/holdings-reconciler/internal/adapter"
	"github.com/chainfold/holdings-reconciler/internal/config"
	"github.com/chainfold/holdings-reconciler/internal/domain"
	"github.com/chainfold/holdings-reconciler/internal/ledger"
	"github.com/chainfold/holdings-reconciler/internal/logger"
	"github.com/chainfold/holdings-reconciler/internal/reconcile"
	"github.com/chainfold/holdings-reconciler/internal/repair"
	"github.com/chainfold/holdings-reconciler/internal/report"
	"github.com/chainfold/holdings-reconciler/internal/store"
)

var (
	configFile = flag.String("config", "", "Path to configuration file")
	envPath    = flag.String("env", "config/", "Path to environment files")
	wallets    = flag.String("wallets", "", "Comma-separated wallet addresses to reconcile")
	dryRun     = flag.Bool("dry-run", false, "Classify drift without writing to the cache")
	register   = flag.Bool("register", false, "Also register the wallets for continuous sweeping")
)

func main() {
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadReconcilerConfig(*configFile, *envPath)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize logger with sentry integration
	err = logger.Initialize(logger.Config{
		Debug:     cfg.Debug,
		SentryDSN: cfg.SentryDSN,
		Tags: map[string]string{
			"service": "reconciler",
		},
	})
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer logger.Flush(2 * time.Second)

	walletAddresses := splitWallets(*wallets)
	if len(walletAddresses) == 0 {
		logger.FatalCtx(ctx, "No wallets given, pass -wallets addr1,addr2,...")
	}

	logger.InfoCtx(ctx, "Starting reconciler",
		zap.Int("wallets", len(walletAddresses)),
		zap.Bool("dry_run", *dryRun))

	// Connect to database
	db, err := gorm.Open(postgres.Open(cfg.Database.DSN()), &gorm.Config{})
	if err != nil {
		logger.FatalCtx(ctx, "Failed to connect to database", zap.Error(err))
	}
	if err := store.ConfigureConnectionPool(db, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime, cfg.Database.ConnMaxIdleTime); err != nil {
		logger.FatalCtx(ctx, "Failed to configure connection pool", zap.Error(err))
	}
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

	orchestrator := reconcile.NewOrchestrator(source, holdingStore, publisher, adapter.NewClock(), reconcile.Config{
		RetryPolicy: reconcile.RetryPolicy{
			MaxAttempts:         cfg.Retry.MaxAttempts,
			InitialInterval:     cfg.Retry.InitialInterval,
			MaxInterval:         cfg.Retry.MaxInterval,
			Multiplier:          cfg.Retry.Multiplier,
			RandomizationFactor: cfg.Retry.RandomizationFactor,
		},
		Repair: repair.Config{
			BatchSize: cfg.Run.RepairBatchSize,
			DryRun:    *dryRun,
		},
		SinceHeight:       cfg.Run.SinceHeight,
		WalletConcurrency: cfg.Run.WalletConcurrency,
		RunTimeout:        cfg.Run.RunTimeout,
	})

	if *register {
		for _, wallet := range walletAddresses {
			if err := holdingStore.EnsureWatchedWallet(ctx, domain.NormalizeWalletAddress(wallet), "cli"); err != nil {
				logger.ErrorCtx(ctx, err, zap.String("wallet_address", wallet))
			}
		}
	}

	reports := orchestrator.RunMany(ctx, walletAddresses)

	exitCode := 0
	for _, rep := range reports {
		if rep.Status != domain.RunStatusCompleted {
			exitCode = 1
		}
	}

	logger.InfoCtx(ctx, "Reconciler finished",
		zap.Int("wallets", len(reports)),
		zap.Int("exit_code", exitCode))
	logger.Flush(2 * time.Second)
	os.Exit(exitCode)
}

// buildSource picks the analytical mirror when enabled, the live node otherwise
func buildSource(ctx context.Context, cfg *config.ReconcilerConfig) (ledger.EventSource, error) {
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
func buildPublisher(ctx context.Context, cfg *config.ReconcilerConfig) report.Publisher {
	if cfg.NATS.URL == "" {
		return report.NewLogPublisher()
	}

	publisher, err := report.NewJetStreamPublisher(report.JetStreamConfig{
		URL:            cfg.NATS.URL,
		SubjectPrefix:  cfg.NATS.SubjectPrefix,
		MaxReconnects:  cfg.NATS.MaxReconnects,
		ReconnectWait:  cfg.NATS.ReconnectWait,
		ConnectionName: "holdings-reconciler",
	}, adapter.NewNatsJetStream())
	if err != nil {
		logger.FatalCtx(ctx, "Failed to connect to NATS", zap.Error(err), zap.String("url", cfg.NATS.URL))
	}
	return publisher
}

// splitWallets parses the -wallets flag
func splitWallets(raw string) []string {
	var wallets []string
	for _, wallet := range strings.Split(raw, ",") {
		wallet = strings.TrimSpace(wallet)
		if wallet != "" {
			wallets = append(wallets, wallet)
		}
	}
	return wallets
}
