package schema

import "time"

// CachedHolding represents the cached_holdings table - the denormalized,
// query-optimized snapshot of which assets a wallet currently holds.
// Existence of a row implies believed ownership; absence implies
// non-ownership. No soft delete.
type CachedHolding struct {
	// WalletAddress is the holding wallet, first half of the primary key
	WalletAddress string `gorm:"column:wallet_address;primaryKey;type:text"`
	// AssetID is the held asset, second half of the primary key
	AssetID string `gorm:"column:asset_id;primaryKey;type:text"`
	// IsLocked reflects the most recent resolved lock/unlock event
	IsLocked bool `gorm:"column:is_locked;not null;default:false"`
	// LastEventAt is the timestamp of the ledger event this row reflects
	LastEventAt *time.Time `gorm:"column:last_event_at;type:timestamptz"`
	// LastSyncedAt is touched on every write to the row, whether or not
	// values changed. Observability only, never correctness.
	LastSyncedAt time.Time `gorm:"column:last_synced_at;not null;default:now();type:timestamptz"`
}

// TableName specifies the table name for the CachedHolding model
func (CachedHolding) TableName() string {
	return "cached_holdings"
}
