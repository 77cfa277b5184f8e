// Package store persists the holdings cache and the reconciliation journal.
package store

import (
	"context"

	"github.com/chainfold/holdings-reconciler/internal/store/schema"
)

// HoldingStore is the persistence surface the reconciliation pipeline needs.
// Implementations must make ApplyHoldingBatch atomic: a batch either lands
// fully or not at all.
type HoldingStore interface {
	// GetHoldingsByWallet returns every cached holding row for the wallet
	GetHoldingsByWallet(ctx context.Context, walletAddress string) ([]schema.CachedHolding, error)

	// ApplyHoldingBatch upserts and deletes cache rows for one wallet in a
	// single transaction. Upserts are idempotent on (wallet_address, asset_id)
	// and always touch last_synced_at. Deleting an absent row is a no-op.
	ApplyHoldingBatch(ctx context.Context, walletAddress string, upserts []schema.CachedHolding, deleteAssetIDs []string) error

	// RecordMalformedEvents appends skipped ledger payloads to the review queue
	RecordMalformedEvents(ctx context.Context, events []schema.MalformedEvent) error

	// SaveReconciliationRun journals one finished run
	SaveReconciliationRun(ctx context.Context, run *schema.ReconciliationRun) error

	// ListWatchedWallets returns the addresses the sweeper should reconcile
	ListWatchedWallets(ctx context.Context) ([]string, error)

	// EnsureWatchedWallet registers a wallet for sweeping, idempotently
	EnsureWatchedWallet(ctx context.Context, walletAddress, source string) error
}
