package resolve_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/chainfold/holdings-reconciler/internal/domain"
	"github.com/chainfold/holdings-reconciler/internal/logger"
	"github.com/chainfold/holdings-reconciler/internal/resolve"
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

func event(assetID string, kind domain.EventKind, height uint64, observedAt time.Time) domain.LedgerEvent {
	return domain.LedgerEvent{
		AssetID:       assetID,
		WalletAddress: testWallet,
		Kind:          kind,
		BlockHeight:   height,
		ObservedAt:    observedAt,
	}
}

func TestResolveAsset_DepositThenLock_OwnedAndLocked(t *testing.T) {
	ctx := context.Background()
	t1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	holding := resolve.ResolveAsset(ctx, testWallet, "asset-1", []domain.LedgerEvent{
		event("asset-1", domain.EventKindDeposit, 100, t1),
		event("asset-1", domain.EventKindLock, 110, t2),
	})

	assert.True(t, holding.Owned)
	assert.True(t, holding.Locked)
	assert.Equal(t, t2, holding.AsOf)
}

func TestResolveAsset_LockThenWithdraw_NotOwned(t *testing.T) {
	ctx := context.Background()
	t1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	holding := resolve.ResolveAsset(ctx, testWallet, "asset-1", []domain.LedgerEvent{
		event("asset-1", domain.EventKindDeposit, 100, t1),
		event("asset-1", domain.EventKindLock, 110, t1.Add(time.Hour)),
		event("asset-1", domain.EventKindWithdraw, 120, t1.Add(2*time.Hour)),
	})

	// Ownership follows the last deposit/withdraw; the lock is irrelevant
	assert.False(t, holding.Owned)
	assert.False(t, holding.Locked)
}

func TestResolveAsset_StaleLockBeforeRedeposit_Ignored(t *testing.T) {
	ctx := context.Background()
	t1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t4 := t1.Add(3 * time.Hour)

	holding := resolve.ResolveAsset(ctx, testWallet, "asset-1", []domain.LedgerEvent{
		event("asset-1", domain.EventKindDeposit, 100, t1),
		event("asset-1", domain.EventKindLock, 110, t1.Add(time.Hour)),
		event("asset-1", domain.EventKindWithdraw, 120, t1.Add(2*time.Hour)),
		event("asset-1", domain.EventKindDeposit, 130, t4),
	})

	// The lock predates the latest acquisition, so the asset is unlocked
	assert.True(t, holding.Owned)
	assert.False(t, holding.Locked)
	assert.Equal(t, t4, holding.AsOf)
}

func TestResolveAsset_LockBeforeDeposit_Ignored(t *testing.T) {
	ctx := context.Background()
	t1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	// The lock precedes the deposit entirely, so it never applies
	holding := resolve.ResolveAsset(ctx, testWallet, "asset-1", []domain.LedgerEvent{
		event("asset-1", domain.EventKindLock, 5, t1),
		event("asset-1", domain.EventKindDeposit, 10, t1.Add(time.Hour)),
	})

	assert.True(t, holding.Owned)
	assert.False(t, holding.Locked)
}

func TestResolveAsset_LockThenUnlock_Unlocked(t *testing.T) {
	ctx := context.Background()
	t1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t3 := t1.Add(2 * time.Hour)

	holding := resolve.ResolveAsset(ctx, testWallet, "asset-1", []domain.LedgerEvent{
		event("asset-1", domain.EventKindDeposit, 100, t1),
		event("asset-1", domain.EventKindLock, 110, t1.Add(time.Hour)),
		event("asset-1", domain.EventKindUnlock, 120, t3),
	})

	assert.True(t, holding.Owned)
	assert.False(t, holding.Locked)
	assert.Equal(t, t3, holding.AsOf)
}

func TestResolveAsset_OnlyLockEvents_NotOwned(t *testing.T) {
	ctx := context.Background()
	t1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	holding := resolve.ResolveAsset(ctx, testWallet, "asset-1", []domain.LedgerEvent{
		event("asset-1", domain.EventKindLock, 110, t1),
	})

	// Lock state without a deposit never implies ownership
	assert.False(t, holding.Owned)
	assert.False(t, holding.Locked)
}

func TestResolveAsset_NoEvents_NotOwned(t *testing.T) {
	holding := resolve.ResolveAsset(context.Background(), testWallet, "asset-1", nil)

	assert.False(t, holding.Owned)
	assert.False(t, holding.Locked)
	assert.True(t, holding.AsOf.IsZero())
}

func TestResolveAsset_SameHeightTie_GreatestKindWins(t *testing.T) {
	ctx := context.Background()
	t1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	// "withdraw" > "deposit" lexicographically, so the withdraw wins the tie
	holding := resolve.ResolveAsset(ctx, testWallet, "asset-1", []domain.LedgerEvent{
		event("asset-1", domain.EventKindWithdraw, 100, t1),
		event("asset-1", domain.EventKindDeposit, 100, t1),
	})

	assert.False(t, holding.Owned)
}

func TestResolveAsset_SameHeightLockUnlockTie_UnlockWins(t *testing.T) {
	ctx := context.Background()
	t1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	// "unlock" > "lock" lexicographically
	holding := resolve.ResolveAsset(ctx, testWallet, "asset-1", []domain.LedgerEvent{
		event("asset-1", domain.EventKindDeposit, 100, t1),
		event("asset-1", domain.EventKindUnlock, 110, t1.Add(time.Hour)),
		event("asset-1", domain.EventKindLock, 110, t1.Add(time.Hour)),
	})

	assert.True(t, holding.Owned)
	assert.False(t, holding.Locked)
}

func TestResolveAsset_UnsortedInput_SortedByHeight(t *testing.T) {
	ctx := context.Background()
	t1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	// Deliberately out of order: the resolver must sort by height itself
	holding := resolve.ResolveAsset(ctx, testWallet, "asset-1", []domain.LedgerEvent{
		event("asset-1", domain.EventKindWithdraw, 120, t1.Add(2*time.Hour)),
		event("asset-1", domain.EventKindDeposit, 100, t1),
		event("asset-1", domain.EventKindDeposit, 130, t1.Add(3*time.Hour)),
	})

	assert.True(t, holding.Owned)
}

func TestResolve_MultipleAssets_SortedByAssetID(t *testing.T) {
	ctx := context.Background()
	t1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	resolved := resolve.Resolve(ctx, testWallet, []domain.LedgerEvent{
		event("asset-b", domain.EventKindDeposit, 100, t1),
		event("asset-a", domain.EventKindDeposit, 105, t1),
		event("asset-a", domain.EventKindWithdraw, 110, t1.Add(time.Hour)),
		event("asset-c", domain.EventKindDeposit, 120, t1),
		event("asset-c", domain.EventKindLock, 125, t1.Add(time.Hour)),
	})

	assert.Len(t, resolved, 3)
	assert.Equal(t, "asset-a", resolved[0].AssetID)
	assert.False(t, resolved[0].Owned)
	assert.Equal(t, "asset-b", resolved[1].AssetID)
	assert.True(t, resolved[1].Owned)
	assert.False(t, resolved[1].Locked)
	assert.Equal(t, "asset-c", resolved[2].AssetID)
	assert.True(t, resolved[2].Owned)
	assert.True(t, resolved[2].Locked)
}

func TestResolve_Empty_ReturnsNoHoldings(t *testing.T) {
	resolved := resolve.Resolve(context.Background(), testWallet, nil)
	assert.Empty(t, resolved)
}
