// Package drift classifies the disagreement between the holdings cache and
// ledger-derived authoritative state.
package drift

import (
	"sort"
	"time"

	"github.com/chainfold/holdings-reconciler/internal/domain"
)

// Diff classifies every asset id appearing in either input. It is a pure
// function of its two arguments: no clock, no I/O, deterministic for fixed
// inputs.
//
//   - Ghost: the cache claims ownership or lock state the resolver contradicts
//     or disowns
//   - Missing: the resolver asserts ownership absent from the cache
//   - Consistent: everything else
//
// Output is sorted by asset id.
func Diff(cached []domain.CachedHoldingState, resolved []domain.ResolvedHolding) []domain.DriftRecord {
	cachedByAsset := make(map[string]*domain.CachedHoldingState, len(cached))
	for i := range cached {
		cachedByAsset[cached[i].AssetID] = &cached[i]
	}
	resolvedByAsset := make(map[string]*domain.ResolvedHolding, len(resolved))
	for i := range resolved {
		resolvedByAsset[resolved[i].AssetID] = &resolved[i]
	}

	assetIDs := make([]string, 0, len(cachedByAsset)+len(resolvedByAsset))
	for assetID := range cachedByAsset {
		assetIDs = append(assetIDs, assetID)
	}
	for assetID := range resolvedByAsset {
		if _, seen := cachedByAsset[assetID]; !seen {
			assetIDs = append(assetIDs, assetID)
		}
	}
	sort.Strings(assetIDs)

	records := make([]domain.DriftRecord, 0, len(assetIDs))
	for _, assetID := range assetIDs {
		row := cachedByAsset[assetID]
		state := resolvedByAsset[assetID]
		records = append(records, domain.DriftRecord{
			AssetID:        assetID,
			Classification: classify(row, state),
			Cached:         row,
			Resolved:       state,
		})
	}

	return records
}

// classify assigns the drift class for one asset
func classify(cached *domain.CachedHoldingState, resolved *domain.ResolvedHolding) domain.Classification {
	owned := resolved != nil && resolved.Owned

	if cached == nil {
		if owned {
			return domain.ClassificationMissing
		}
		return domain.ClassificationConsistent
	}

	// A cache row exists: the ledger must still support ownership, the lock
	// flag, and the event timestamp it claims
	if !owned {
		return domain.ClassificationGhost
	}
	if cached.Locked != resolved.Locked {
		return domain.ClassificationGhost
	}
	if !timestampsAgree(cached.LastEventAt, resolved.AsOf) {
		return domain.ClassificationGhost
	}

	return domain.ClassificationConsistent
}

// timestampsAgree compares the cache's nullable last-event timestamp with the
// resolved as-of. A nil cache timestamp agrees only with a zero as-of.
func timestampsAgree(lastEventAt *time.Time, asOf time.Time) bool {
	if lastEventAt == nil {
		return asOf.IsZero()
	}
	return lastEventAt.Equal(asOf)
}
