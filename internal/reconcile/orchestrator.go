// Package reconcile runs the fetch, resolve, diff, repair pipeline for
// wallets and journals the results.
package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/chainfold/holdings-reconciler/internal/adapter"
	"github.com/chainfold/holdings-reconciler/internal/domain"
	"github.com/chainfold/holdings-reconciler/internal/drift"
	"github.com/chainfold/holdings-reconciler/internal/ledger"
	"github.com/chainfold/holdings-reconciler/internal/logger"
	"github.com/chainfold/holdings-reconciler/internal/repair"
	"github.com/chainfold/holdings-reconciler/internal/report"
	"github.com/chainfold/holdings-reconciler/internal/resolve"
	"github.com/chainfold/holdings-reconciler/internal/store"
	"github.com/chainfold/holdings-reconciler/internal/store/schema"
)

// Config controls orchestration
type Config struct {
	// RetryPolicy bounds fetch retries against an unavailable source
	RetryPolicy RetryPolicy
	// Repair configures batching and dry-run for the repair stage
	Repair repair.Config
	// SinceHeight optionally skips ledger events below this block height
	SinceHeight uint64
	// WalletConcurrency is how many wallets RunMany reconciles in parallel
	WalletConcurrency int
	// RunTimeout bounds one wallet's run in RunMany (0 means no limit)
	RunTimeout time.Duration
}

// Orchestrator reconciles wallets: it derives authoritative holdings from the
// ledger, classifies drift against the cache, repairs it, and reports.
type Orchestrator struct {
	source    ledger.EventSource
	store     store.HoldingStore
	publisher report.Publisher
	clock     adapter.Clock
	repairer  *repair.Executor
	cfg       Config
}

// NewOrchestrator creates an orchestrator
func NewOrchestrator(
	source ledger.EventSource,
	holdingStore store.HoldingStore,
	publisher report.Publisher,
	clock adapter.Clock,
	cfg Config,
) *Orchestrator {
	if cfg.WalletConcurrency <= 0 {
		cfg.WalletConcurrency = 4
	}
	return &Orchestrator{
		source:    source,
		store:     holdingStore,
		publisher: publisher,
		clock:     clock,
		repairer:  repair.NewExecutor(holdingStore, clock, cfg.Repair),
		cfg:       cfg,
	}
}

// Run reconciles one wallet end to end and always returns a report. The error
// is non-nil only when the run failed outright; a partially repaired run
// returns a nil error with Status set accordingly. Running twice in a row
// with no new ledger events leaves the second report all-Consistent with a
// zero repair summary.
func (o *Orchestrator) Run(ctx context.Context, walletAddress string) (*domain.ReconciliationReport, error) {
	wallet := domain.NormalizeWalletAddress(walletAddress)
	start := o.clock.Now()

	rep := &domain.ReconciliationReport{
		RunID:         ulid.MustNewDefault(start).String(),
		WalletAddress: wallet,
		Status:        domain.RunStatusCompleted,
		// Empty slices so a clean run reports "ghosts": [] rather than null
		Ghosts:  []string{},
		Missing: []string{},
		DryRun:  o.cfg.Repair.DryRun,
	}

	logger.InfoCtx(ctx, "starting reconciliation run",
		zap.String("run_id", rep.RunID),
		zap.String("wallet_address", wallet),
		zap.Bool("dry_run", rep.DryRun))

	// Fetch
	rep.LastStage = domain.StageFetch
	result, err := fetchWithRetry(ctx, o.source, ledger.Query{
		WalletAddress: wallet,
		Kinds:         domain.AllEventKinds(),
		SinceHeight:   o.cfg.SinceHeight,
	}, o.cfg.RetryPolicy)
	if err != nil {
		return o.fail(ctx, rep, start, err)
	}
	rep.SkippedEvents = len(result.Skipped)
	o.recordSkipped(ctx, result.Skipped)

	// Resolve
	rep.LastStage = domain.StageResolve
	resolved := resolve.Resolve(ctx, wallet, result.Events)

	// Diff
	rep.LastStage = domain.StageDiff
	rows, err := o.store.GetHoldingsByWallet(ctx, wallet)
	if err != nil {
		return o.fail(ctx, rep, start, err)
	}
	records := drift.Diff(cachedStates(rows), resolved)
	for _, record := range records {
		switch record.Classification {
		case domain.ClassificationConsistent:
			rep.Consistent++
		case domain.ClassificationGhost:
			rep.Ghosts = append(rep.Ghosts, record.AssetID)
		case domain.ClassificationMissing:
			rep.Missing = append(rep.Missing, record.AssetID)
		}
	}

	// Repair
	rep.LastStage = domain.StageRepair
	summary, err := o.repairer.Apply(ctx, wallet, records)
	rep.Summary = summary
	if err != nil {
		if !errors.Is(err, domain.ErrCacheWriteFailure) {
			return o.fail(ctx, rep, start, err)
		}
		logger.ErrorCtx(ctx, err,
			zap.String("run_id", rep.RunID),
			zap.String("wallet_address", wallet))
		rep.Status = domain.RunStatusPartiallyRepaired
	}

	o.finalize(ctx, rep, start)
	return rep, nil
}

// RunMany reconciles wallets in parallel, each in its own bounded run.
// Reports are returned in input order; a failed wallet yields a failed
// report, never a nil entry. Wallets whose runs never started because the
// context was cancelled surface as failed reports too.
func (o *Orchestrator) RunMany(ctx context.Context, walletAddresses []string) []*domain.ReconciliationReport {
	reports := make([]*domain.ReconciliationReport, len(walletAddresses))

	pool := pond.NewPool(o.cfg.WalletConcurrency, pond.WithContext(ctx))
	for i, walletAddress := range walletAddresses {
		pool.Submit(func() {
			runCtx := ctx
			if o.cfg.RunTimeout > 0 {
				var cancel context.CancelFunc
				runCtx, cancel = context.WithTimeout(ctx, o.cfg.RunTimeout)
				defer cancel()
			}

			rep, err := o.Run(runCtx, walletAddress)
			if err != nil {
				logger.ErrorCtx(ctx, err,
					zap.String("wallet_address", walletAddress),
					zap.String("run_id", rep.RunID))
			}
			reports[i] = rep
		})
	}
	pool.StopAndWait()

	// A cancelled pool skips queued tasks without running them
	for i, walletAddress := range walletAddresses {
		if reports[i] != nil {
			continue
		}
		wallet := domain.NormalizeWalletAddress(walletAddress)
		logger.WarnCtx(ctx, "reconciliation run never started",
			zap.String("wallet_address", wallet),
			zap.Error(ctx.Err()))
		reports[i] = &domain.ReconciliationReport{
			RunID:         ulid.MustNewDefault(o.clock.Now()).String(),
			WalletAddress: wallet,
			Status:        domain.RunStatusFailed,
			Ghosts:        []string{},
			Missing:       []string{},
			DryRun:        o.cfg.Repair.DryRun,
		}
	}

	return reports
}

// fail marks the report failed at its current stage, journals it, and returns
// the run error
func (o *Orchestrator) fail(ctx context.Context, rep *domain.ReconciliationReport, start time.Time, err error) (*domain.ReconciliationReport, error) {
	rep.Status = domain.RunStatusFailed
	logger.ErrorCtx(ctx, err,
		zap.String("run_id", rep.RunID),
		zap.String("wallet_address", rep.WalletAddress),
		zap.String("stage", string(rep.LastStage)))
	o.finalize(ctx, rep, start)
	return rep, err
}

// finalize stamps the duration, journals the run, and publishes the report.
// Journal and publish failures are logged but never change the run outcome.
func (o *Orchestrator) finalize(ctx context.Context, rep *domain.ReconciliationReport, start time.Time) {
	rep.DurationMs = o.clock.Since(start).Milliseconds()

	if err := o.store.SaveReconciliationRun(ctx, runRow(rep, start)); err != nil {
		logger.ErrorCtx(ctx, err,
			zap.String("run_id", rep.RunID),
			zap.String("wallet_address", rep.WalletAddress))
	}

	if err := o.publisher.PublishReport(ctx, rep); err != nil {
		logger.ErrorCtx(ctx, err,
			zap.String("run_id", rep.RunID),
			zap.String("wallet_address", rep.WalletAddress))
	}

	logger.InfoCtx(ctx, "reconciliation run finished",
		zap.String("run_id", rep.RunID),
		zap.String("wallet_address", rep.WalletAddress),
		zap.String("status", string(rep.Status)),
		zap.Int("consistent", rep.Consistent),
		zap.Int("ghosts", len(rep.Ghosts)),
		zap.Int("missing", len(rep.Missing)),
		zap.Int64("duration_ms", rep.DurationMs))
}

// recordSkipped journals malformed ledger payloads for manual review
func (o *Orchestrator) recordSkipped(ctx context.Context, skipped []ledger.SkippedEvent) {
	if len(skipped) == 0 {
		return
	}

	events := make([]schema.MalformedEvent, 0, len(skipped))
	for _, s := range skipped {
		events = append(events, schema.MalformedEvent{
			Source:        s.Source,
			WalletAddress: s.WalletAddress,
			Payload:       s.Payload,
			Reason:        s.Reason,
			ObservedAt:    s.ObservedAt,
		})
	}

	if err := o.store.RecordMalformedEvents(ctx, events); err != nil {
		logger.ErrorCtx(ctx, err, zap.Int("skipped_events", len(events)))
	}
}

// cachedStates converts cache rows into the detector's view of them
func cachedStates(rows []schema.CachedHolding) []domain.CachedHoldingState {
	states := make([]domain.CachedHoldingState, 0, len(rows))
	for _, row := range rows {
		states = append(states, domain.CachedHoldingState{
			AssetID:       row.AssetID,
			WalletAddress: row.WalletAddress,
			Locked:        row.IsLocked,
			LastEventAt:   row.LastEventAt,
		})
	}
	return states
}

// runRow maps a report onto its journal row
func runRow(rep *domain.ReconciliationReport, start time.Time) *schema.ReconciliationRun {
	return &schema.ReconciliationRun{
		RunID:         rep.RunID,
		WalletAddress: rep.WalletAddress,
		Status:        string(rep.Status),
		LastStage:     string(rep.LastStage),
		Consistent:    rep.Consistent,
		Ghosts:        len(rep.Ghosts),
		Missing:       len(rep.Missing),
		Inserted:      rep.Summary.Inserted,
		Updated:       rep.Summary.Updated,
		Deleted:       rep.Summary.Deleted,
		SkippedEvents: rep.SkippedEvents,
		DryRun:        rep.DryRun,
		DurationMs:    rep.DurationMs,
		StartedAt:     start,
	}
}
