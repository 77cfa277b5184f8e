package repair_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainfold/holdings-reconciler/internal/domain"
	"github.com/chainfold/holdings-reconciler/internal/logger"
	"github.com/chainfold/holdings-reconciler/internal/repair"
	"github.com/chainfold/holdings-reconciler/internal/store/stub"
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

// fakeClock returns a fixed time so LastSyncedAt assertions are exact
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time                         { return c.now }
func (c *fakeClock) Since(t time.Time) time.Duration        { return c.now.Sub(t) }
func (c *fakeClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func missingRecord(assetID string, locked bool, asOf time.Time) domain.DriftRecord {
	return domain.DriftRecord{
		AssetID:        assetID,
		Classification: domain.ClassificationMissing,
		Resolved: &domain.ResolvedHolding{
			AssetID:       assetID,
			WalletAddress: testWallet,
			Owned:         true,
			Locked:        locked,
			AsOf:          asOf,
		},
	}
}

func ghostUpdateRecord(assetID string, locked bool, asOf time.Time) domain.DriftRecord {
	record := missingRecord(assetID, locked, asOf)
	record.Classification = domain.ClassificationGhost
	record.Cached = &domain.CachedHoldingState{
		AssetID:       assetID,
		WalletAddress: testWallet,
		Locked:        !locked,
	}
	return record
}

func ghostDeleteRecord(assetID string) domain.DriftRecord {
	return domain.DriftRecord{
		AssetID:        assetID,
		Classification: domain.ClassificationGhost,
		Cached: &domain.CachedHoldingState{
			AssetID:       assetID,
			WalletAddress: testWallet,
		},
	}
}

func TestExecutor_Apply_CountsEachWriteKind(t *testing.T) {
	st := stub.NewStore()
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	asOf := now.Add(-time.Hour)
	executor := repair.NewExecutor(st, &fakeClock{now: now}, repair.Config{})

	summary, err := executor.Apply(context.Background(), testWallet, []domain.DriftRecord{
		missingRecord("asset-1", false, asOf),
		ghostUpdateRecord("asset-2", true, asOf),
		ghostDeleteRecord("asset-3"),
		{AssetID: "asset-4", Classification: domain.ClassificationConsistent},
	})

	require.NoError(t, err)
	assert.Equal(t, 1, summary.Inserted)
	assert.Equal(t, 1, summary.Updated)
	assert.Equal(t, 1, summary.Deleted)

	rows := st.Holdings()
	require.Len(t, rows, 2)
	assert.Equal(t, "asset-1", rows[0].AssetID)
	assert.False(t, rows[0].IsLocked)
	require.NotNil(t, rows[0].LastEventAt)
	assert.True(t, rows[0].LastEventAt.Equal(asOf))
	assert.True(t, rows[0].LastSyncedAt.Equal(now))
	assert.Equal(t, "asset-2", rows[1].AssetID)
	assert.True(t, rows[1].IsLocked)
}

func TestExecutor_Apply_NoDrift_NoWrites(t *testing.T) {
	st := stub.NewStore()
	executor := repair.NewExecutor(st, &fakeClock{now: time.Now()}, repair.Config{})

	summary, err := executor.Apply(context.Background(), testWallet, []domain.DriftRecord{
		{AssetID: "asset-1", Classification: domain.ClassificationConsistent},
	})

	require.NoError(t, err)
	assert.True(t, summary.Zero())
	assert.Equal(t, 0, st.ApplyCalls)
}

func TestExecutor_Apply_DryRun_CountsWithoutWriting(t *testing.T) {
	st := stub.NewStore()
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	executor := repair.NewExecutor(st, &fakeClock{now: now}, repair.Config{DryRun: true})

	summary, err := executor.Apply(context.Background(), testWallet, []domain.DriftRecord{
		missingRecord("asset-1", false, now),
		ghostDeleteRecord("asset-2"),
	})

	require.NoError(t, err)
	assert.Equal(t, 1, summary.Inserted)
	assert.Equal(t, 1, summary.Deleted)
	assert.Equal(t, 0, st.ApplyCalls)
	assert.Empty(t, st.Holdings())
}

func TestExecutor_Apply_RetriesFailedBatchOnce(t *testing.T) {
	st := stub.NewStore()
	st.FailApplies = 1
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	executor := repair.NewExecutor(st, &fakeClock{now: now}, repair.Config{})

	summary, err := executor.Apply(context.Background(), testWallet, []domain.DriftRecord{
		missingRecord("asset-1", false, now),
	})

	require.NoError(t, err)
	assert.Equal(t, 1, summary.Inserted)
	assert.Equal(t, 2, st.ApplyCalls)
	assert.Len(t, st.Holdings(), 1)
}

func TestExecutor_Apply_BatchFailsTwice_PartialSummary(t *testing.T) {
	st := stub.NewStore()
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	executor := repair.NewExecutor(st, &fakeClock{now: now}, repair.Config{BatchSize: 1})

	// First batch lands, second batch fails both attempts
	records := []domain.DriftRecord{
		missingRecord("asset-1", false, now),
		missingRecord("asset-2", false, now),
	}
	st.FailAfterSuccesses(1, 2)

	summary, err := executor.Apply(context.Background(), testWallet, records)

	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrCacheWriteFailure))
	assert.Equal(t, 1, summary.Inserted)
	assert.Len(t, st.Holdings(), 1)
}

func TestExecutor_Apply_BatchesBySize(t *testing.T) {
	st := stub.NewStore()
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	executor := repair.NewExecutor(st, &fakeClock{now: now}, repair.Config{BatchSize: 2})

	records := make([]domain.DriftRecord, 0, 5)
	for _, assetID := range []string{"a1", "a2", "a3", "a4", "a5"} {
		records = append(records, missingRecord(assetID, false, now))
	}

	summary, err := executor.Apply(context.Background(), testWallet, records)

	require.NoError(t, err)
	assert.Equal(t, 5, summary.Inserted)
	assert.Equal(t, 3, st.ApplyCalls) // ceil(5 / 2)
	assert.Len(t, st.Holdings(), 5)
}
