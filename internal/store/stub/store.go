// Package stub provides an in-memory HoldingStore for tests.
package stub

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/chainfold/holdings-reconciler/internal/store"
	"github.com/chainfold/holdings-reconciler/internal/store/schema"
)

type holdingKey struct {
	walletAddress string
	assetID       string
}

// Store is an in-memory store.HoldingStore. FailApplies makes the next N
// ApplyHoldingBatch calls fail without touching state, for partial-repair
// tests. Safe for concurrent use.
type Store struct {
	mu sync.Mutex

	holdings  map[holdingKey]schema.CachedHolding
	malformed []schema.MalformedEvent
	runs      []schema.ReconciliationRun
	watched   map[string]schema.WatchedWallet

	FailApplies int
	ApplyCalls  int

	successesLeft   int
	failuresPending int
}

// NewStore creates an empty stub store
func NewStore() *Store {
	return &Store{
		holdings: make(map[holdingKey]schema.CachedHolding),
		watched:  make(map[string]schema.WatchedWallet),
	}
}

var _ store.HoldingStore = (*Store)(nil)

// FailAfterSuccesses lets the next successes applies land, then fails the
// following failures applies
func (s *Store) FailAfterSuccesses(successes, failures int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.successesLeft = successes
	s.failuresPending = failures
}

// SeedHoldings installs cache rows, replacing any existing row for the same key
func (s *Store) SeedHoldings(rows ...schema.CachedHolding) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range rows {
		s.holdings[holdingKey{row.WalletAddress, row.AssetID}] = row
	}
}

// GetHoldingsByWallet returns the wallet's rows sorted by asset id
func (s *Store) GetHoldingsByWallet(_ context.Context, walletAddress string) ([]schema.CachedHolding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []schema.CachedHolding
	for key, row := range s.holdings {
		if key.walletAddress == walletAddress {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].AssetID < rows[j].AssetID
	})
	return rows, nil
}

// ApplyHoldingBatch applies upserts then deletes, atomically. While
// FailApplies is positive it decrements and returns an error instead.
func (s *Store) ApplyHoldingBatch(_ context.Context, walletAddress string, upserts []schema.CachedHolding, deleteAssetIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ApplyCalls++
	if s.FailApplies > 0 {
		s.FailApplies--
		return fmt.Errorf("stub store: apply failed")
	}
	if s.failuresPending > 0 {
		if s.successesLeft > 0 {
			s.successesLeft--
		} else {
			s.failuresPending--
			return fmt.Errorf("stub store: apply failed")
		}
	}

	for _, row := range upserts {
		s.holdings[holdingKey{row.WalletAddress, row.AssetID}] = row
	}
	for _, assetID := range deleteAssetIDs {
		delete(s.holdings, holdingKey{walletAddress, assetID})
	}
	return nil
}

// RecordMalformedEvents appends to the in-memory review queue
func (s *Store) RecordMalformedEvents(_ context.Context, events []schema.MalformedEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.malformed = append(s.malformed, events...)
	return nil
}

// SaveReconciliationRun appends to the in-memory journal
func (s *Store) SaveReconciliationRun(_ context.Context, run *schema.ReconciliationRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, *run)
	return nil
}

// ListWatchedWallets returns watched addresses sorted lexicographically
func (s *Store) ListWatchedWallets(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var addresses []string
	for address, wallet := range s.watched {
		if wallet.Watching {
			addresses = append(addresses, address)
		}
	}
	sort.Strings(addresses)
	return addresses, nil
}

// EnsureWatchedWallet registers or re-enables a wallet
func (s *Store) EnsureWatchedWallet(_ context.Context, walletAddress, source string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watched[walletAddress] = schema.WatchedWallet{
		WalletAddress: walletAddress,
		Watching:      true,
		Source:        source,
	}
	return nil
}

// Holdings returns a copy of all rows, sorted by wallet then asset
func (s *Store) Holdings() []schema.CachedHolding {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := make([]schema.CachedHolding, 0, len(s.holdings))
	for _, row := range s.holdings {
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].WalletAddress != rows[j].WalletAddress {
			return rows[i].WalletAddress < rows[j].WalletAddress
		}
		return rows[i].AssetID < rows[j].AssetID
	})
	return rows
}

// MalformedEvents returns a copy of the review queue
func (s *Store) MalformedEvents() []schema.MalformedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]schema.MalformedEvent(nil), s.malformed...)
}

// Runs returns a copy of the run journal
func (s *Store) Runs() []schema.ReconciliationRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]schema.ReconciliationRun(nil), s.runs...)
}
