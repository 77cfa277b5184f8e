package schema

import "time"

// MalformedEvent represents the malformed_events table - the review queue for
// ledger payloads that could not be decoded and were skipped during a fetch
type MalformedEvent struct {
	// ID is the internal database primary key
	ID uint64 `gorm:"column:id;primaryKey;autoIncrement"`
	// Source names the event source that skipped the payload
	Source string `gorm:"column:source;not null;type:text"`
	// WalletAddress is the wallet whose fetch hit the payload
	WalletAddress string `gorm:"column:wallet_address;not null;type:text"`
	// Payload is the raw undecodable content, kept for manual review
	Payload string `gorm:"column:payload;not null;type:text"`
	// Reason is the decode error
	Reason string `gorm:"column:reason;not null;type:text"`
	// ObservedAt is when the fetch encountered the payload
	ObservedAt time.Time `gorm:"column:observed_at;not null;type:timestamptz"`
	// CreatedAt is the timestamp when this record was created
	CreatedAt time.Time `gorm:"column:created_at;not null;default:now();type:timestamptz"`
}

// TableName specifies the table name for the MalformedEvent model
func (MalformedEvent) TableName() string {
	return "malformed_events"
}
