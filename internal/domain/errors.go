package domain

import "errors"

var (
	// ErrSourceUnavailable is returned when the ledger node or analytical
	// mirror cannot be reached or refuses the query. Transient: callers retry
	// with backoff.
	ErrSourceUnavailable = errors.New("event source unavailable")

	// ErrMalformedEvent is returned when a payload cannot be decoded into a
	// LedgerEvent. Scoped to the single item: the adapter skips it and
	// records it for review, never aborting the fetch.
	ErrMalformedEvent = errors.New("malformed ledger event")

	// ErrCacheWriteFailure is returned when a repair batch fails to commit.
	// Scoped to the batch: earlier batches stay committed and a re-run
	// converges the remainder.
	ErrCacheWriteFailure = errors.New("cache write failure")
)
