package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/chainfold/holdings-reconciler/internal/domain"
	"github.com/chainfold/holdings-reconciler/internal/ledger"
	"github.com/chainfold/holdings-reconciler/internal/logger"
)

// RetryPolicy bounds how the fetch stage retries a transiently unavailable
// event source
type RetryPolicy struct {
	// MaxAttempts is the total number of fetch attempts, including the first
	MaxAttempts uint64
	// InitialInterval is the delay before the first retry
	InitialInterval time.Duration
	// MaxInterval caps the delay between retries
	MaxInterval time.Duration
	// Multiplier grows the delay after each failed attempt
	Multiplier float64
	// RandomizationFactor adds jitter to prevent thundering herd
	RandomizationFactor float64
}

// DefaultRetryPolicy returns the retry policy used when none is configured
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:         5,
		InitialInterval:     500 * time.Millisecond,
		MaxInterval:         30 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// normalize fills zero fields with defaults
func (p RetryPolicy) normalize() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts == 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.InitialInterval == 0 {
		p.InitialInterval = def.InitialInterval
	}
	if p.MaxInterval == 0 {
		p.MaxInterval = def.MaxInterval
	}
	if p.Multiplier == 0 {
		p.Multiplier = def.Multiplier
	}
	return p
}

// fetchWithRetry fetches events, retrying with exponential backoff while the
// source reports itself unavailable. Any other error is permanent. A failed
// attempt restarts the whole fetch: pages are never resumed mid-stream.
func fetchWithRetry(ctx context.Context, source ledger.EventSource, q ledger.Query, policy RetryPolicy) (*ledger.FetchResult, error) {
	policy = policy.normalize()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.InitialInterval
	b.MaxInterval = policy.MaxInterval
	b.Multiplier = policy.Multiplier
	b.RandomizationFactor = policy.RandomizationFactor
	b.MaxElapsedTime = 0 // bounded by attempt count, not wall clock

	backoffWithContext := backoff.WithContext(
		backoff.WithMaxRetries(b, policy.MaxAttempts-1), ctx)

	var result *ledger.FetchResult
	operation := func() error {
		fetched, err := source.FetchEvents(ctx, q)
		if err != nil {
			if errors.Is(err, domain.ErrSourceUnavailable) {
				return err
			}
			return backoff.Permanent(err)
		}
		result = fetched
		return nil
	}

	var attemptCount int
	notifyOnError := func(err error, duration time.Duration) {
		attemptCount++
		logger.WarnCtx(ctx, "event fetch failed, retrying",
			zap.String("source", source.Name()),
			zap.String("wallet_address", q.WalletAddress),
			zap.Error(err),
			zap.Int("attempt", attemptCount),
			zap.Duration("next_retry_in", duration),
		)
	}

	if err := backoff.RetryNotify(operation, backoffWithContext, notifyOnError); err != nil {
		return nil, fmt.Errorf("fetch failed after %d attempts: %w", attemptCount+1, err)
	}

	return result, nil
}
