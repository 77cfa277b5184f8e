package sweeper_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainfold/holdings-reconciler/internal/adapter"
	"github.com/chainfold/holdings-reconciler/internal/domain"
	ledgerstub "github.com/chainfold/holdings-reconciler/internal/ledger/stub"
	"github.com/chainfold/holdings-reconciler/internal/logger"
	"github.com/chainfold/holdings-reconciler/internal/reconcile"
	"github.com/chainfold/holdings-reconciler/internal/report"
	storestub "github.com/chainfold/holdings-reconciler/internal/store/stub"
	"github.com/chainfold/holdings-reconciler/internal/sweeper"
)

func TestMain(m *testing.M) {
	// Initialize logger for tests
	err := logger.Initialize(logger.Config{
		Debug: false,
	})
	if err != nil {
		panic(err)
	}

	code := m.Run()
	os.Exit(code)
}

const testWallet = "0x1111111111111111111111111111111111111111"

func newTestSweeper(source *ledgerstub.Source, st *storestub.Store, interval time.Duration) sweeper.Sweeper {
	clock := adapter.NewClock()
	orchestrator := reconcile.NewOrchestrator(source, st, report.NewLogPublisher(), clock, reconcile.Config{
		RetryPolicy: reconcile.RetryPolicy{
			MaxAttempts:     2,
			InitialInterval: time.Millisecond,
		},
	})
	return sweeper.NewDriftSweeper(&sweeper.DriftSweeperConfig{Interval: interval}, st, orchestrator, clock)
}

func TestDriftSweeper_ReconcilesWatchedWallets(t *testing.T) {
	t1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	source := ledgerstub.NewSource(domain.LedgerEvent{
		AssetID:       "asset-1",
		WalletAddress: testWallet,
		Kind:          domain.EventKindDeposit,
		BlockHeight:   100,
		ObservedAt:    t1,
	})
	st := storestub.NewStore()
	require.NoError(t, st.EnsureWatchedWallet(context.Background(), testWallet, "test"))

	driftSweeper := newTestSweeper(source, st, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- driftSweeper.Start(ctx)
	}()

	// Wait for at least one sweep cycle to journal a run
	require.Eventually(t, func() bool {
		return len(st.Runs()) > 0
	}, 5*time.Second, 10*time.Millisecond)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	require.NoError(t, driftSweeper.Stop(stopCtx))
	require.NoError(t, <-done)

	// The sweep repaired the missing holding
	rows := st.Holdings()
	require.Len(t, rows, 1)
	assert.Equal(t, "asset-1", rows[0].AssetID)

	runs := st.Runs()
	assert.Equal(t, string(domain.RunStatusCompleted), runs[0].Status)
}

func TestDriftSweeper_StartTwice_Errors(t *testing.T) {
	st := storestub.NewStore()
	require.NoError(t, st.EnsureWatchedWallet(context.Background(), testWallet, "test"))
	driftSweeper := newTestSweeper(ledgerstub.NewSource(), st, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- driftSweeper.Start(ctx)
	}()

	// Wait until the first Start is demonstrably running
	require.Eventually(t, func() bool {
		return len(st.Runs()) > 0
	}, 5*time.Second, 10*time.Millisecond)

	assert.Error(t, driftSweeper.Start(ctx))

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	require.NoError(t, driftSweeper.Stop(stopCtx))
	require.NoError(t, <-done)
}

func TestDriftSweeper_StopWithoutStart_Noop(t *testing.T) {
	driftSweeper := newTestSweeper(ledgerstub.NewSource(), storestub.NewStore(), time.Hour)

	assert.NoError(t, driftSweeper.Stop(context.Background()))
}
