package ledger

import (
	"context"
	"time"

	"github.com/chainfold/holdings-reconciler/internal/domain"
)

// Query describes one event fetch: a wallet, the event kinds of interest, and
// an optional minimum block height
type Query struct {
	WalletAddress string
	Kinds         []domain.EventKind
	SinceHeight   uint64
}

// SkippedEvent records a payload that could not be decoded into a
// LedgerEvent. The fetch continues past it; the record is kept for manual
// review.
type SkippedEvent struct {
	Source        string
	WalletAddress string
	Payload       string
	Reason        string
	ObservedAt    time.Time
}

// FetchResult is a finished fetch: decoded events in block-height order plus
// any items that were skipped as malformed
type FetchResult struct {
	Events  []domain.LedgerEvent
	Skipped []SkippedEvent
}

// EventSource produces ownership/lock events for a wallet. Implementations
// must return identical normalized shapes so downstream stages are
// source-agnostic: the live ledger node and the analytical mirror satisfy the
// same contract.
//
// A fetch is finite and not restartable mid-stream: a failed page is retried
// from the beginning of that page, never resumed from an arbitrary event.
// Connection or auth failures wrap domain.ErrSourceUnavailable; undecodable
// payloads never fail the fetch and surface only in FetchResult.Skipped.
type EventSource interface {
	// Name identifies the source for logging and skipped-event records
	Name() string

	// FetchEvents returns all matching events ordered by block height
	// ascending
	FetchEvents(ctx context.Context, q Query) (*FetchResult, error)

	// Close releases the underlying connection
	Close()
}
