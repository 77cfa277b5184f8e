// Package repair turns drift classifications into idempotent cache writes.
package repair

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/chainfold/holdings-reconciler/internal/adapter"
	"github.com/chainfold/holdings-reconciler/internal/domain"
	"github.com/chainfold/holdings-reconciler/internal/logger"
	"github.com/chainfold/holdings-reconciler/internal/store"
	"github.com/chainfold/holdings-reconciler/internal/store/schema"
)

// DefaultBatchSize bounds how many cache writes land in one transaction
const DefaultBatchSize = 200

// Config controls repair execution
type Config struct {
	// BatchSize is the maximum writes per transaction (default DefaultBatchSize)
	BatchSize int
	// DryRun computes and counts the repair plan without issuing writes
	DryRun bool
}

// Executor applies repair plans to the holdings cache
type Executor struct {
	store store.HoldingStore
	clock adapter.Clock
	cfg   Config
}

// NewExecutor creates a repair executor
func NewExecutor(holdingStore store.HoldingStore, clock adapter.Clock, cfg Config) *Executor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	return &Executor{
		store: holdingStore,
		clock: clock,
		cfg:   cfg,
	}
}

// batchOp is one planned cache write
type batchOp struct {
	upsert   *schema.CachedHolding
	deleteID string
	insert   bool
}

// Apply repairs every Ghost and Missing record for one wallet. Writes are
// grouped into fixed-size transactional batches, each retried once on
// failure. A batch that fails twice stops the repair: the summary counts
// only the batches that landed, and the error wraps
// domain.ErrCacheWriteFailure so callers can mark the run partially
// repaired. Re-running a repaired wallet produces an all-Consistent report
// and zero writes.
func (e *Executor) Apply(ctx context.Context, walletAddress string, records []domain.DriftRecord) (domain.RepairSummary, error) {
	var summary domain.RepairSummary

	ops := e.plan(walletAddress, records)
	if len(ops) == 0 {
		return summary, nil
	}

	if e.cfg.DryRun {
		for _, op := range ops {
			countOp(&summary, op)
		}
		logger.InfoCtx(ctx, "dry run, skipping cache writes",
			zap.String("wallet_address", walletAddress),
			zap.Int("planned_writes", len(ops)))
		return summary, nil
	}

	for start := 0; start < len(ops); start += e.cfg.BatchSize {
		end := min(start+e.cfg.BatchSize, len(ops))
		batch := ops[start:end]

		if err := e.applyBatch(ctx, walletAddress, batch); err != nil {
			return summary, fmt.Errorf("%w: batch %d-%d of %d writes: %v",
				domain.ErrCacheWriteFailure, start, end, len(ops), err)
		}
		for _, op := range batch {
			countOp(&summary, op)
		}
	}

	return summary, nil
}

// plan converts drift records into ordered cache writes
func (e *Executor) plan(walletAddress string, records []domain.DriftRecord) []batchOp {
	now := e.clock.Now()

	var ops []batchOp
	for _, record := range records {
		switch record.Classification {
		case domain.ClassificationMissing:
			ops = append(ops, batchOp{
				upsert: e.rowFor(walletAddress, record.Resolved, now),
				insert: true,
			})
		case domain.ClassificationGhost:
			if record.Resolved != nil && record.Resolved.Owned {
				// Row exists but its lock flag or timestamp is wrong
				ops = append(ops, batchOp{
					upsert: e.rowFor(walletAddress, record.Resolved, now),
				})
			} else {
				// The ledger disowns the asset entirely
				ops = append(ops, batchOp{deleteID: record.AssetID})
			}
		case domain.ClassificationConsistent:
			// nothing to do
		}
	}
	return ops
}

// rowFor builds the cache row a resolved holding should be stored as
func (e *Executor) rowFor(walletAddress string, resolved *domain.ResolvedHolding, now time.Time) *schema.CachedHolding {
	row := &schema.CachedHolding{
		WalletAddress: walletAddress,
		AssetID:       resolved.AssetID,
		IsLocked:      resolved.Locked,
		LastSyncedAt:  now,
	}
	if !resolved.AsOf.IsZero() {
		asOf := resolved.AsOf
		row.LastEventAt = &asOf
	}
	return row
}

// applyBatch issues one transactional batch, retrying once on failure
func (e *Executor) applyBatch(ctx context.Context, walletAddress string, batch []batchOp) error {
	var upserts []schema.CachedHolding
	var deleteIDs []string
	for _, op := range batch {
		if op.upsert != nil {
			upserts = append(upserts, *op.upsert)
		} else {
			deleteIDs = append(deleteIDs, op.deleteID)
		}
	}

	err := e.store.ApplyHoldingBatch(ctx, walletAddress, upserts, deleteIDs)
	if err == nil {
		return nil
	}

	logger.WarnCtx(ctx, "holding batch failed, retrying once",
		zap.String("wallet_address", walletAddress),
		zap.Int("batch_size", len(batch)),
		zap.Error(err))

	return e.store.ApplyHoldingBatch(ctx, walletAddress, upserts, deleteIDs)
}

// countOp folds one planned write into the summary
func countOp(summary *domain.RepairSummary, op batchOp) {
	switch {
	case op.upsert == nil:
		summary.Deleted++
	case op.insert:
		summary.Inserted++
	default:
		summary.Updated++
	}
}
