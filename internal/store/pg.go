package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/chainfold/holdings-reconciler/internal/store/schema"
)

type pgStore struct {
	db *gorm.DB
}

// NewPGStore creates a new PostgreSQL store instance
func NewPGStore(db *gorm.DB) HoldingStore {
	return &pgStore{db: db}
}

// ConfigureConnectionPool configures the connection pool settings for a GORM
// database connection. It accesses the underlying *sql.DB and sets the pool
// configuration. If any of the pool settings are 0, reasonable defaults are
// used:
//   - MaxOpenConns: 20 (if 0)
//   - MaxIdleConns: 5 (if 0)
//   - ConnMaxLifetime: 5 minutes (if 0)
//   - ConnMaxIdleTime: 10 minutes (if 0)
func ConfigureConnectionPool(db *gorm.DB, maxOpenConns, maxIdleConns int, connMaxLifetime, connMaxIdleTime time.Duration) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	maxOpenConns, maxIdleConns, connMaxLifetime, connMaxIdleTime =
		NormalizeConnectionPoolSettings(maxOpenConns, maxIdleConns, connMaxLifetime, connMaxIdleTime)

	sqlDB.SetMaxOpenConns(maxOpenConns)
	sqlDB.SetMaxIdleConns(maxIdleConns)
	sqlDB.SetConnMaxLifetime(connMaxLifetime)
	sqlDB.SetConnMaxIdleTime(connMaxIdleTime)

	return nil
}

// NormalizeConnectionPoolSettings applies defaults and clamps pool settings into safe values.
//
// Defaults (when zero):
//   - MaxOpenConns: 20
//   - MaxIdleConns: 5
//   - ConnMaxLifetime: 5 minutes
//   - ConnMaxIdleTime: 10 minutes
//
// Notes:
//   - database/sql treats MaxOpenConns=0 as "unlimited"
//   - database/sql treats MaxIdleConns=0 as "no idle connections"
func NormalizeConnectionPoolSettings(maxOpenConns, maxIdleConns int, connMaxLifetime, connMaxIdleTime time.Duration) (int, int, time.Duration, time.Duration) {
	// Set defaults if not provided
	if maxOpenConns == 0 {
		maxOpenConns = 20
	}
	if maxIdleConns == 0 {
		maxIdleConns = 5
	}
	if connMaxLifetime == 0 {
		connMaxLifetime = 5 * time.Minute
	}
	if connMaxIdleTime == 0 {
		connMaxIdleTime = 10 * time.Minute
	}

	// Ensure MaxIdleConns doesn't exceed MaxOpenConns
	if maxIdleConns > maxOpenConns {
		maxIdleConns = maxOpenConns
	}

	return maxOpenConns, maxIdleConns, connMaxLifetime, connMaxIdleTime
}

// GetHoldingsByWallet retrieves all cached holding rows for a wallet
func (s *pgStore) GetHoldingsByWallet(ctx context.Context, walletAddress string) ([]schema.CachedHolding, error) {
	var holdings []schema.CachedHolding
	err := s.db.WithContext(ctx).
		Where("wallet_address = ?", walletAddress).
		Order("asset_id ASC").
		Find(&holdings).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get holdings: %w", err)
	}
	return holdings, nil
}

// ApplyHoldingBatch upserts and deletes cache rows for one wallet in a single
// transaction. Re-applying the same batch converges to the same rows: upserts
// conflict on the primary key and overwrite, deletes of absent rows are no-ops.
func (s *pgStore) ApplyHoldingBatch(ctx context.Context, walletAddress string, upserts []schema.CachedHolding, deleteAssetIDs []string) error {
	if len(upserts) == 0 && len(deleteAssetIDs) == 0 {
		return nil
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(upserts) > 0 {
			// Use ON CONFLICT DO UPDATE on the (wallet_address, asset_id)
			// primary key so repeated repairs stay idempotent
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "wallet_address"}, {Name: "asset_id"}},
				DoUpdates: clause.AssignmentColumns([]string{"is_locked", "last_event_at", "last_synced_at"}),
			}).Create(&upserts).Error; err != nil {
				return fmt.Errorf("failed to upsert holdings: %w", err)
			}
		}

		if len(deleteAssetIDs) > 0 {
			if err := tx.
				Where("wallet_address = ? AND asset_id IN ?", walletAddress, deleteAssetIDs).
				Delete(&schema.CachedHolding{}).Error; err != nil {
				return fmt.Errorf("failed to delete holdings: %w", err)
			}
		}

		return nil
	})
}

// RecordMalformedEvents appends skipped ledger payloads to the review queue
func (s *pgStore) RecordMalformedEvents(ctx context.Context, events []schema.MalformedEvent) error {
	if len(events) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Create(&events).Error; err != nil {
		return fmt.Errorf("failed to record malformed events: %w", err)
	}
	return nil
}

// SaveReconciliationRun journals one finished run
func (s *pgStore) SaveReconciliationRun(ctx context.Context, run *schema.ReconciliationRun) error {
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("failed to save reconciliation run: %w", err)
	}
	return nil
}

// ListWatchedWallets returns the addresses with watching enabled
func (s *pgStore) ListWatchedWallets(ctx context.Context) ([]string, error) {
	var addresses []string
	err := s.db.WithContext(ctx).
		Model(&schema.WatchedWallet{}).
		Where("watching = ?", true).
		Order("wallet_address ASC").
		Pluck("wallet_address", &addresses).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list watched wallets: %w", err)
	}
	return addresses, nil
}

// EnsureWatchedWallet registers a wallet for sweeping. Registering an already
// watched wallet re-enables it.
func (s *pgStore) EnsureWatchedWallet(ctx context.Context, walletAddress, source string) error {
	wallet := schema.WatchedWallet{
		WalletAddress: walletAddress,
		Watching:      true,
		Source:        source,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "wallet_address"}},
		DoUpdates: clause.AssignmentColumns([]string{"watching", "updated_at"}),
	}).Create(&wallet).Error
	if err != nil {
		return fmt.Errorf("failed to ensure watched wallet: %w", err)
	}
	return nil
}
