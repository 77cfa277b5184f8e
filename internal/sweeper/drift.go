package sweeper

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/chainfold/holdings-reconciler/internal/adapter"
	"github.com/chainfold/holdings-reconciler/internal/domain"
	"github.com/chainfold/holdings-reconciler/internal/logger"
	"github.com/chainfold/holdings-reconciler/internal/reconcile"
	"github.com/chainfold/holdings-reconciler/internal/store"
)

const (
	DEFAULT_SWEEP_INTERVAL = 10 * time.Minute // Time to sleep between sweep cycles
)

// DriftSweeperConfig holds configuration for the drift sweeper
type DriftSweeperConfig struct {
	Interval time.Duration // Time between sweep cycles
}

// driftSweeper implements the Sweeper interface, reconciling every watched
// wallet on a fixed interval
type driftSweeper struct {
	config       *DriftSweeperConfig
	store        store.HoldingStore
	orchestrator *reconcile.Orchestrator
	clock        adapter.Clock
	running      atomic.Bool
	stopChan     chan struct{}
	stoppedCh    chan struct{}
}

// NewDriftSweeper creates a new drift sweeper
func NewDriftSweeper(
	config *DriftSweeperConfig,
	st store.HoldingStore,
	orchestrator *reconcile.Orchestrator,
	clock adapter.Clock,
) Sweeper {
	if config.Interval <= 0 {
		config.Interval = DEFAULT_SWEEP_INTERVAL
	}
	return &driftSweeper{
		config:       config,
		store:        st,
		orchestrator: orchestrator,
		clock:        clock,
		stopChan:     make(chan struct{}),
		stoppedCh:    make(chan struct{}),
	}
}

// Name returns the sweeper's name
func (s *driftSweeper) Name() string {
	return "drift-sweeper"
}

// Start begins the sweeper's main loop
func (s *driftSweeper) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("sweeper already running")
	}
	defer func() {
		s.running.Store(false)
		close(s.stoppedCh) // Signal that we've stopped
	}()

	logger.InfoCtx(ctx, "Starting drift sweeper",
		zap.Duration("interval", s.config.Interval),
	)

	for {
		select {
		case <-ctx.Done():
			logger.InfoCtx(ctx, "Drift sweeper stopping due to context cancellation", zap.Error(ctx.Err()))
			return nil
		case <-s.stopChan:
			logger.InfoCtx(ctx, "Drift sweeper stop requested")
			return nil
		default:
			if err := s.runSweepCycle(ctx); err != nil {
				logger.ErrorCtx(ctx, err)
			}
		}
	}
}

// Stop gracefully stops the sweeper with timeout support
func (s *driftSweeper) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil // Already stopped
	}

	logger.InfoCtx(ctx, "Stopping drift sweeper")

	// Signal stop to the main loop
	close(s.stopChan)

	// Wait for main loop to exit, but respect context cancellation
	select {
	case <-s.stoppedCh:
		logger.InfoCtx(ctx, "Drift sweeper stopped gracefully")
		return nil
	case <-ctx.Done():
		logger.WarnCtx(ctx, "Drift sweeper stop interrupted by context timeout")
		return ctx.Err()
	}
}

// runSweepCycle reconciles every watched wallet once, then sleeps
func (s *driftSweeper) runSweepCycle(ctx context.Context) error {
	startTime := s.clock.Now()

	wallets, err := s.store.ListWatchedWallets(ctx)
	if err != nil {
		// Sleep anyway so a broken store doesn't spin the loop
		if !s.sleep(ctx, s.config.Interval) {
			return ctx.Err()
		}
		return fmt.Errorf("failed to list watched wallets: %w", err)
	}

	if len(wallets) == 0 {
		logger.InfoCtx(ctx, "No watched wallets, waiting...")
		if !s.sleep(ctx, s.config.Interval) {
			return ctx.Err()
		}
		return nil
	}

	logger.InfoCtx(ctx, "Starting sweep cycle", zap.Int("wallets", len(wallets)))

	reports := s.orchestrator.RunMany(ctx, wallets)

	var completed, partial, failed int
	for _, rep := range reports {
		switch rep.Status {
		case domain.RunStatusCompleted:
			completed++
		case domain.RunStatusPartiallyRepaired:
			partial++
		case domain.RunStatusFailed:
			failed++
		}
	}

	logger.InfoCtx(ctx, "Sweep cycle completed",
		zap.Duration("duration", s.clock.Since(startTime)),
		zap.Int("wallets", len(wallets)),
		zap.Int("completed", completed),
		zap.Int("partially_repaired", partial),
		zap.Int("failed", failed),
	)

	if !s.sleep(ctx, s.config.Interval) {
		return ctx.Err()
	}

	return nil
}

// sleep sleeps for the given duration but can be interrupted by context
// cancellation. Returns true if sleep completed normally, false if interrupted.
func (s *driftSweeper) sleep(ctx context.Context, duration time.Duration) bool {
	select {
	case <-s.clock.After(duration):
		return true // Sleep completed
	case <-ctx.Done():
		return false // Interrupted by context cancellation
	case <-s.stopChan:
		return false // Interrupted by stop signal
	}
}
