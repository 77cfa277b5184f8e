package report

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/chainfold/holdings-reconciler/internal/adapter"
	"github.com/chainfold/holdings-reconciler/internal/domain"
	"github.com/chainfold/holdings-reconciler/internal/logger"
)

// JetStreamConfig holds the configuration for the NATS JetStream publisher
type JetStreamConfig struct {
	URL            string
	SubjectPrefix  string
	MaxReconnects  int
	ReconnectWait  time.Duration
	ConnectionName string
}

type jetStreamPublisher struct {
	nc            adapter.NatsConn
	js            adapter.JetStream
	subjectPrefix string
}

// NewJetStreamPublisher creates a publisher that delivers reports to NATS
// JetStream, one subject per wallet
func NewJetStreamPublisher(cfg JetStreamConfig, natsJS adapter.NatsJetStream) (Publisher, error) {
	opts := []nats.Option{
		nats.Name(cfg.ConnectionName),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Error(err, zap.String("message", "disconnected from NATS"))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected to NATS", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("NATS connection closed")
		}),
	}

	nc, js, err := natsJS.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS and create JetStream: %w", err)
	}

	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "reconciliation.reports"
	}

	return &jetStreamPublisher{
		nc:            nc,
		js:            js,
		subjectPrefix: prefix,
	}, nil
}

// PublishReport publishes a report to JetStream
func (p *jetStreamPublisher) PublishReport(ctx context.Context, report *domain.ReconciliationReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	subject := p.buildSubject(report)

	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("failed to publish report: %w", err)
	}

	return nil
}

// buildSubject constructs the NATS subject for one report.
// Format: {prefix}.{wallet_address}, e.g. reconciliation.reports.0xAbC...
func (p *jetStreamPublisher) buildSubject(report *domain.ReconciliationReport) string {
	// Dots are subject separators in NATS
	wallet := strings.ReplaceAll(report.WalletAddress, ".", "_")
	return fmt.Sprintf("%s.%s", p.subjectPrefix, wallet)
}

// Close closes the NATS connection
func (p *jetStreamPublisher) Close() {
	if p.nc == nil {
		return
	}

	p.nc.Close()
}
