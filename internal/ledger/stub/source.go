// Package stub provides an in-memory EventSource for tests and dry audits.
package stub

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/chainfold/holdings-reconciler/internal/domain"
	"github.com/chainfold/holdings-reconciler/internal/ledger"
)

// Source is an in-memory ledger holding a fixed event set. It filters by
// wallet, kind, and height exactly like the real sources, and can be told to
// fail a number of fetches to exercise retry paths.
type Source struct {
	mu sync.Mutex

	Events  []domain.LedgerEvent
	Skipped []ledger.SkippedEvent

	// FailFetches makes the next N FetchEvents calls return
	// domain.ErrSourceUnavailable
	FailFetches int

	// FetchCalls counts FetchEvents invocations
	FetchCalls int
}

// NewSource creates a stub source over the given events
func NewSource(events ...domain.LedgerEvent) *Source {
	return &Source{Events: events}
}

// Name identifies the source
func (s *Source) Name() string {
	return "stub"
}

// FetchEvents returns the matching subset of the configured events, ordered
// by block height ascending
func (s *Source) FetchEvents(_ context.Context, q ledger.Query) (*ledger.FetchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.FetchCalls++
	if s.FailFetches > 0 {
		s.FailFetches--
		return nil, domain.ErrSourceUnavailable
	}

	kinds := q.Kinds
	if len(kinds) == 0 {
		kinds = domain.AllEventKinds()
	}

	result := &ledger.FetchResult{Skipped: slices.Clone(s.Skipped)}
	for _, event := range s.Events {
		if event.WalletAddress != q.WalletAddress {
			continue
		}
		if event.BlockHeight < q.SinceHeight {
			continue
		}
		if !slices.Contains(kinds, event.Kind) {
			continue
		}
		result.Events = append(result.Events, event)
	}

	sort.SliceStable(result.Events, func(i, j int) bool {
		return result.Events[i].BlockHeight < result.Events[j].BlockHeight
	})

	return result, nil
}

// Close is a no-op
func (s *Source) Close() {}
