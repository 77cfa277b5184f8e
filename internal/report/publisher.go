// Package report delivers reconciliation reports to external consumers.
package report

import (
	"context"

	"go.uber.org/zap"

	"github.com/chainfold/holdings-reconciler/internal/domain"
	"github.com/chainfold/holdings-reconciler/internal/logger"
)

// Publisher delivers one report per finished reconciliation run. Delivery is
// best-effort: a failed publish never changes the outcome of the run itself.
type Publisher interface {
	// PublishReport publishes a finished run's report
	PublishReport(ctx context.Context, report *domain.ReconciliationReport) error
	// Close closes the underlying connection
	Close()
}

// logPublisher writes reports to the structured log, used when no message
// broker is configured
type logPublisher struct{}

// NewLogPublisher creates a publisher that only logs reports
func NewLogPublisher() Publisher {
	return &logPublisher{}
}

func (p *logPublisher) PublishReport(ctx context.Context, report *domain.ReconciliationReport) error {
	logger.InfoCtx(ctx, "reconciliation report",
		zap.String("run_id", report.RunID),
		zap.String("wallet_address", report.WalletAddress),
		zap.String("status", string(report.Status)),
		zap.String("last_stage", string(report.LastStage)),
		zap.Int("consistent", report.Consistent),
		zap.Strings("ghosts", report.Ghosts),
		zap.Strings("missing", report.Missing),
		zap.Int("skipped_events", report.SkippedEvents),
		zap.Int("inserted", report.Summary.Inserted),
		zap.Int("updated", report.Summary.Updated),
		zap.Int("deleted", report.Summary.Deleted),
		zap.Bool("dry_run", report.DryRun),
		zap.Int64("duration_ms", report.DurationMs),
	)
	return nil
}

func (p *logPublisher) Close() {}
