package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/chainfold/holdings-reconciler/internal/domain"
)

// MirrorConfig holds connection settings for the analytical mirror
type MirrorConfig struct {
	Addr     []string
	Database string
	Username string
	Password string
}

// MirrorConn wraps the ClickHouse driver connection for dependency injection
type MirrorConn struct {
	driver.Conn
}

// NewMirrorConn opens and verifies a connection to the analytical mirror
func NewMirrorConn(ctx context.Context, cfg MirrorConfig) (*MirrorConn, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: cfg.Addr,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Protocol: clickhouse.Native,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open mirror connection: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping mirror: %w", err)
	}

	return &MirrorConn{Conn: conn}, nil
}

// mirrorSource fetches events from the analytical mirror of the ledger, used
// when bulk historical backfill is cheaper than direct node calls. Its output
// is shape-identical to the node source.
type mirrorSource struct {
	conn driver.Conn
}

// NewMirrorSource creates an EventSource backed by the analytical mirror
func NewMirrorSource(conn driver.Conn) EventSource {
	return &mirrorSource{conn: conn}
}

// Name identifies the source
func (s *mirrorSource) Name() string {
	return "analytical-mirror"
}

// FetchEvents queries the mirror's ledger_events table in block-height order.
// Rows carrying an unknown event kind are skipped and reported, mirroring the
// node source's malformed-event tolerance: schema rot in the mirror must not
// halt reconciliation.
func (s *mirrorSource) FetchEvents(ctx context.Context, q Query) (*FetchResult, error) {
	kinds := q.Kinds
	if len(kinds) == 0 {
		kinds = domain.AllEventKinds()
	}
	kindNames := make([]string, len(kinds))
	for i, kind := range kinds {
		kindNames[i] = string(kind)
	}

	rows, err := s.conn.Query(ctx, `
		SELECT asset_id, wallet_address, kind, block_height, observed_at
		FROM ledger_events
		WHERE wallet_address = ? AND kind IN (?) AND block_height >= ?
		ORDER BY block_height ASC
	`, q.WalletAddress, kindNames, q.SinceHeight)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query mirror events: %v", domain.ErrSourceUnavailable, err)
	}
	defer rows.Close()

	result := &FetchResult{}
	for rows.Next() {
		var (
			assetID     string
			wallet      string
			kind        string
			blockHeight uint64
			observedAt  time.Time
		)
		if err := rows.Scan(&assetID, &wallet, &kind, &blockHeight, &observedAt); err != nil {
			return nil, fmt.Errorf("%w: failed to scan mirror row: %v", domain.ErrSourceUnavailable, err)
		}

		event := domain.LedgerEvent{
			AssetID:       assetID,
			WalletAddress: domain.NormalizeWalletAddress(wallet),
			Kind:          domain.EventKind(kind),
			BlockHeight:   blockHeight,
			ObservedAt:    observedAt,
		}
		if !event.Valid() {
			result.Skipped = append(result.Skipped, SkippedEvent{
				Source:        s.Name(),
				WalletAddress: q.WalletAddress,
				Payload:       fmt.Sprintf("asset_id=%s kind=%s height=%d", assetID, kind, blockHeight),
				Reason:        fmt.Sprintf("%v: unknown event kind %q", domain.ErrMalformedEvent, kind),
				ObservedAt:    observedAt,
			})
			continue
		}

		result.Events = append(result.Events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: mirror row iteration failed: %v", domain.ErrSourceUnavailable, err)
	}

	return result, nil
}

// Close closes the mirror connection
func (s *mirrorSource) Close() {
	_ = s.conn.Close()
}
