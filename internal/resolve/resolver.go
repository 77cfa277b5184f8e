// Package resolve derives the current authoritative holding state of a wallet
// from its raw ledger event stream.
package resolve

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/chainfold/holdings-reconciler/internal/domain"
	"github.com/chainfold/holdings-reconciler/internal/logger"
)

// Resolve collapses a wallet's event stream into one ResolvedHolding per
// asset id using a last-event-wins rule. Output is sorted by asset id.
//
// The rule set:
//   - ownership follows the greatest-height deposit/withdraw event
//   - lock state follows the greatest-height lock/unlock event on-or-after
//     the most recent deposit; lock events preceding the latest acquisition
//     are stale and ignored
//   - no lock/unlock after the latest deposit means unlocked
//   - no deposit at all means not owned (the caller flags the cache row as a
//     ghost)
//
// Two events for one asset should never share a block height. When they do,
// the lexicographically greatest event-kind identifier wins: an arbitrary but
// stable rule, logged as a warning rather than failing the run.
func Resolve(ctx context.Context, walletAddress string, events []domain.LedgerEvent) []domain.ResolvedHolding {
	byAsset := make(map[string][]domain.LedgerEvent)
	for _, event := range events {
		byAsset[event.AssetID] = append(byAsset[event.AssetID], event)
	}

	assetIDs := make([]string, 0, len(byAsset))
	for assetID := range byAsset {
		assetIDs = append(assetIDs, assetID)
	}
	sort.Strings(assetIDs)

	resolved := make([]domain.ResolvedHolding, 0, len(assetIDs))
	for _, assetID := range assetIDs {
		resolved = append(resolved, ResolveAsset(ctx, walletAddress, assetID, byAsset[assetID]))
	}

	return resolved
}

// ResolveAsset computes the current state of a single asset from its events
func ResolveAsset(ctx context.Context, walletAddress, assetID string, events []domain.LedgerEvent) domain.ResolvedHolding {
	ordered := orderEvents(ctx, walletAddress, assetID, events)

	holding := domain.ResolvedHolding{
		AssetID:       assetID,
		WalletAddress: walletAddress,
	}
	if len(ordered) == 0 {
		return holding
	}
	holding.AsOf = ordered[len(ordered)-1].ObservedAt

	// Ownership: the last deposit/withdraw wins
	var lastOwnership *domain.LedgerEvent
	for i := range ordered {
		if ordered[i].Kind.OwnershipAffecting() {
			lastOwnership = &ordered[i]
		}
	}
	if lastOwnership == nil || lastOwnership.Kind != domain.EventKindDeposit {
		return holding
	}

	holding.Owned = true
	holding.AsOf = lastOwnership.ObservedAt

	// Lock state: the last lock/unlock at or after the acquisition wins
	for i := range ordered {
		event := &ordered[i]
		if !event.Kind.LockAffecting() || event.BlockHeight < lastOwnership.BlockHeight {
			continue
		}
		holding.Locked = event.Kind == domain.EventKindLock
		holding.AsOf = event.ObservedAt
	}

	return holding
}

// orderEvents sorts ascending by block height, breaking same-height ties by
// the lexicographically greatest kind so the winner sorts last. Ties are
// logged once per asset: the ledger should never produce them, but the
// resolver must stay deterministic when it does.
func orderEvents(ctx context.Context, walletAddress, assetID string, events []domain.LedgerEvent) []domain.LedgerEvent {
	ordered := make([]domain.LedgerEvent, len(events))
	copy(ordered, events)

	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].BlockHeight != ordered[j].BlockHeight {
			return ordered[i].BlockHeight < ordered[j].BlockHeight
		}
		return ordered[i].Kind < ordered[j].Kind
	})

	for i := 1; i < len(ordered); i++ {
		if ordered[i].BlockHeight == ordered[i-1].BlockHeight {
			logger.WarnCtx(ctx, "Ambiguous same-height events, applying kind tie-break",
				zap.String("wallet_address", walletAddress),
				zap.String("asset_id", assetID),
				zap.Uint64("block_height", ordered[i].BlockHeight),
				zap.String("kind_a", string(ordered[i-1].Kind)),
				zap.String("kind_b", string(ordered[i].Kind)),
			)
			break
		}
	}

	return ordered
}
