package reconcile_test

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainfold/holdings-reconciler/internal/domain"
	"github.com/chainfold/holdings-reconciler/internal/ledger"
	ledgerstub "github.com/chainfold/holdings-reconciler/internal/ledger/stub"
	"github.com/chainfold/holdings-reconciler/internal/logger"
	"github.com/chainfold/holdings-reconciler/internal/reconcile"
	"github.com/chainfold/holdings-reconciler/internal/repair"
	"github.com/chainfold/holdings-reconciler/internal/report"
	"github.com/chainfold/holdings-reconciler/internal/store/schema"
	storestub "github.com/chainfold/holdings-reconciler/internal/store/stub"
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

// All-digit addresses keep the checksummed form identical to the input
const (
	testWallet  = "0x1111111111111111111111111111111111111111"
	otherWallet = "0x2222222222222222222222222222222222222222"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time                         { return c.now }
func (c *fakeClock) Since(t time.Time) time.Duration        { return c.now.Sub(t) }
func (c *fakeClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func fastRetry(maxAttempts uint64) reconcile.RetryPolicy {
	return reconcile.RetryPolicy{
		MaxAttempts:         maxAttempts,
		InitialInterval:     time.Millisecond,
		MaxInterval:         5 * time.Millisecond,
		Multiplier:          1.5,
		RandomizationFactor: 0,
	}
}

func event(wallet, assetID string, kind domain.EventKind, height uint64, observedAt time.Time) domain.LedgerEvent {
	return domain.LedgerEvent{
		AssetID:       assetID,
		WalletAddress: wallet,
		Kind:          kind,
		BlockHeight:   height,
		ObservedAt:    observedAt,
	}
}

func newOrchestrator(source ledger.EventSource, st *storestub.Store, cfg reconcile.Config) *reconcile.Orchestrator {
	return reconcile.NewOrchestrator(source, st, report.NewLogPublisher(), &fakeClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}, cfg)
}

func TestOrchestrator_Run_RepairsMissingThenConverges(t *testing.T) {
	t1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	source := ledgerstub.NewSource(
		event(testWallet, "asset-1", domain.EventKindDeposit, 100, t1),
		event(testWallet, "asset-2", domain.EventKindDeposit, 105, t1),
		event(testWallet, "asset-2", domain.EventKindLock, 110, t1.Add(time.Hour)),
	)
	st := storestub.NewStore()
	orchestrator := newOrchestrator(source, st, reconcile.Config{RetryPolicy: fastRetry(3)})

	rep, err := orchestrator.Run(context.Background(), testWallet)

	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, rep.Status)
	assert.Equal(t, domain.StageRepair, rep.LastStage)
	assert.Equal(t, []string{"asset-1", "asset-2"}, rep.Missing)
	assert.Empty(t, rep.Ghosts)
	assert.Equal(t, 2, rep.Summary.Inserted)
	assert.NotEmpty(t, rep.RunID)

	rows := st.Holdings()
	require.Len(t, rows, 2)
	assert.False(t, rows[0].IsLocked)
	assert.True(t, rows[1].IsLocked)

	// Second run with no new events converges to all-Consistent
	rep2, err := orchestrator.Run(context.Background(), testWallet)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, rep2.Status)
	assert.Equal(t, 2, rep2.Consistent)
	assert.Empty(t, rep2.Missing)
	assert.Empty(t, rep2.Ghosts)
	assert.True(t, rep2.Summary.Zero())

	// A clean run publishes empty lists, not null
	payload, err := json.Marshal(rep2)
	require.NoError(t, err)
	assert.Contains(t, string(payload), `"ghosts":[]`)
	assert.Contains(t, string(payload), `"missing":[]`)
}

func TestOrchestrator_Run_DeletesGhostRow(t *testing.T) {
	t1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	source := ledgerstub.NewSource(
		event(testWallet, "asset-1", domain.EventKindDeposit, 100, t1),
		event(testWallet, "asset-1", domain.EventKindWithdraw, 120, t1.Add(time.Hour)),
	)
	st := storestub.NewStore()
	st.SeedHoldings(schema.CachedHolding{
		WalletAddress: testWallet,
		AssetID:       "asset-1",
		IsLocked:      false,
	})
	orchestrator := newOrchestrator(source, st, reconcile.Config{RetryPolicy: fastRetry(3)})

	rep, err := orchestrator.Run(context.Background(), testWallet)

	require.NoError(t, err)
	assert.Equal(t, []string{"asset-1"}, rep.Ghosts)
	assert.Equal(t, 1, rep.Summary.Deleted)
	assert.Empty(t, st.Holdings())
}

func TestOrchestrator_Run_SourceRecovers_WithinRetryBudget(t *testing.T) {
	t1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	source := ledgerstub.NewSource(
		event(testWallet, "asset-1", domain.EventKindDeposit, 100, t1),
	)
	source.FailFetches = 2
	st := storestub.NewStore()
	orchestrator := newOrchestrator(source, st, reconcile.Config{RetryPolicy: fastRetry(4)})

	rep, err := orchestrator.Run(context.Background(), testWallet)

	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, rep.Status)
	assert.Equal(t, 3, source.FetchCalls)
}

func TestOrchestrator_Run_RetryExhausted_FailsAtFetch(t *testing.T) {
	source := ledgerstub.NewSource()
	source.FailFetches = 10
	st := storestub.NewStore()
	orchestrator := newOrchestrator(source, st, reconcile.Config{RetryPolicy: fastRetry(2)})

	rep, err := orchestrator.Run(context.Background(), testWallet)

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSourceUnavailable)
	assert.Equal(t, domain.RunStatusFailed, rep.Status)
	assert.Equal(t, domain.StageFetch, rep.LastStage)
	assert.Equal(t, 2, source.FetchCalls)

	// The failed run is still journaled
	runs := st.Runs()
	require.Len(t, runs, 1)
	assert.Equal(t, string(domain.RunStatusFailed), runs[0].Status)
	assert.Equal(t, string(domain.StageFetch), runs[0].LastStage)
}

func TestOrchestrator_Run_SkippedEventsJournaled(t *testing.T) {
	t1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	source := ledgerstub.NewSource(
		event(testWallet, "asset-1", domain.EventKindDeposit, 100, t1),
	)
	source.Skipped = []ledger.SkippedEvent{
		{Source: "stub", WalletAddress: testWallet, Payload: "0xdead", Reason: "unknown event kind", ObservedAt: t1},
	}
	st := storestub.NewStore()
	orchestrator := newOrchestrator(source, st, reconcile.Config{RetryPolicy: fastRetry(3)})

	rep, err := orchestrator.Run(context.Background(), testWallet)

	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, rep.Status)
	assert.Equal(t, 1, rep.SkippedEvents)

	malformed := st.MalformedEvents()
	require.Len(t, malformed, 1)
	assert.Equal(t, "unknown event kind", malformed[0].Reason)
	assert.Equal(t, "0xdead", malformed[0].Payload)

	// The valid event was still reconciled
	assert.Len(t, st.Holdings(), 1)
}

func TestOrchestrator_Run_CacheWriteFailure_PartiallyRepaired(t *testing.T) {
	t1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	source := ledgerstub.NewSource(
		event(testWallet, "asset-1", domain.EventKindDeposit, 100, t1),
		event(testWallet, "asset-2", domain.EventKindDeposit, 105, t1),
	)
	st := storestub.NewStore()
	st.FailAfterSuccesses(1, 2)
	orchestrator := newOrchestrator(source, st, reconcile.Config{
		RetryPolicy: fastRetry(3),
		Repair:      repair.Config{BatchSize: 1},
	})

	rep, err := orchestrator.Run(context.Background(), testWallet)

	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusPartiallyRepaired, rep.Status)
	assert.Equal(t, 1, rep.Summary.Inserted)
	assert.Len(t, st.Holdings(), 1)

	// A re-run only needs to repair the remainder
	rep2, err := orchestrator.Run(context.Background(), testWallet)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, rep2.Status)
	assert.Equal(t, 1, rep2.Consistent)
	assert.Len(t, rep2.Missing, 1)
	assert.Equal(t, 1, rep2.Summary.Inserted)
	assert.Len(t, st.Holdings(), 2)
}

func TestOrchestrator_Run_DryRun_WritesNothing(t *testing.T) {
	t1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	source := ledgerstub.NewSource(
		event(testWallet, "asset-1", domain.EventKindDeposit, 100, t1),
	)
	st := storestub.NewStore()
	orchestrator := newOrchestrator(source, st, reconcile.Config{
		RetryPolicy: fastRetry(3),
		Repair:      repair.Config{DryRun: true},
	})

	rep, err := orchestrator.Run(context.Background(), testWallet)

	require.NoError(t, err)
	assert.True(t, rep.DryRun)
	assert.Equal(t, []string{"asset-1"}, rep.Missing)
	assert.Equal(t, 1, rep.Summary.Inserted)
	assert.Empty(t, st.Holdings())

	runs := st.Runs()
	require.Len(t, runs, 1)
	assert.True(t, runs[0].DryRun)
}

func TestOrchestrator_RunMany_ReportsInInputOrder(t *testing.T) {
	t1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	source := ledgerstub.NewSource(
		event(testWallet, "asset-1", domain.EventKindDeposit, 100, t1),
		event(otherWallet, "asset-2", domain.EventKindDeposit, 101, t1),
	)
	st := storestub.NewStore()
	orchestrator := newOrchestrator(source, st, reconcile.Config{
		RetryPolicy:       fastRetry(3),
		WalletConcurrency: 2,
	})

	reports := orchestrator.RunMany(context.Background(), []string{testWallet, otherWallet})

	require.Len(t, reports, 2)
	assert.Equal(t, testWallet, reports[0].WalletAddress)
	assert.Equal(t, otherWallet, reports[1].WalletAddress)
	for _, rep := range reports {
		assert.Equal(t, domain.RunStatusCompleted, rep.Status)
	}
	assert.Len(t, st.Holdings(), 2)
}

func TestOrchestrator_RunMany_CancelledContext_NoNilReports(t *testing.T) {
	source := ledgerstub.NewSource()
	source.FailFetches = 10
	st := storestub.NewStore()
	orchestrator := newOrchestrator(source, st, reconcile.Config{
		RetryPolicy:       fastRetry(2),
		WalletConcurrency: 2,
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	reports := orchestrator.RunMany(ctx, []string{testWallet, otherWallet})

	// Runs the pool never started still yield failed reports, in input order
	require.Len(t, reports, 2)
	require.NotNil(t, reports[0])
	require.NotNil(t, reports[1])
	assert.Equal(t, testWallet, reports[0].WalletAddress)
	assert.Equal(t, otherWallet, reports[1].WalletAddress)
	for _, rep := range reports {
		assert.Equal(t, domain.RunStatusFailed, rep.Status)
		assert.NotEmpty(t, rep.RunID)
	}
	assert.Empty(t, st.Holdings())
}
