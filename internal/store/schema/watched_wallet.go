package schema

import "time"

// WatchedWallet represents the watched_wallets table - wallets the continuous
// drift sweeper reconciles
type WatchedWallet struct {
	// WalletAddress is the watched wallet
	WalletAddress string `gorm:"column:wallet_address;primaryKey;type:text"`
	// Watching toggles sweeping without deleting the record
	Watching bool `gorm:"column:watching;not null;default:true"`
	// Source records what registered the wallet (cli, api, import)
	Source string `gorm:"column:source;not null;type:text"`
	// CreatedAt is the timestamp when this record was created
	CreatedAt time.Time `gorm:"column:created_at;not null;default:now();type:timestamptz"`
	// UpdatedAt is the timestamp when this record was last updated
	UpdatedAt time.Time `gorm:"column:updated_at;not null;default:now();type:timestamptz"`
}

// TableName specifies the table name for the WatchedWallet model
func (WatchedWallet) TableName() string {
	return "watched_wallets"
}
