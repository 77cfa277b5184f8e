package schema

import "time"

// ReconciliationRun represents the reconciliation_runs table - one journal
// row per wallet run so operators can find and re-run failed wallets.
// Correctness never depends on this table.
type ReconciliationRun struct {
	// RunID is the time-sortable ULID of the run
	RunID string `gorm:"column:run_id;primaryKey;type:text"`
	// WalletAddress is the reconciled wallet
	WalletAddress string `gorm:"column:wallet_address;not null;type:text;index"`
	// Status is the terminal state: completed, partially_repaired, failed
	Status string `gorm:"column:status;not null;type:text"`
	// LastStage is the last pipeline stage the run reached
	LastStage string `gorm:"column:last_stage;not null;type:text"`
	// Consistent counts assets where cache and ledger agreed
	Consistent int `gorm:"column:consistent;not null"`
	// Ghosts counts cache rows the ledger disproved
	Ghosts int `gorm:"column:ghosts;not null"`
	// Missing counts ledger holdings absent from the cache
	Missing int `gorm:"column:missing;not null"`
	// Inserted/Updated/Deleted count the repair writes issued
	Inserted int `gorm:"column:inserted;not null"`
	Updated  int `gorm:"column:updated;not null"`
	Deleted  int `gorm:"column:deleted;not null"`
	// SkippedEvents counts payloads skipped as malformed during the fetch
	SkippedEvents int `gorm:"column:skipped_events;not null"`
	// DryRun marks audit runs that issued no writes
	DryRun bool `gorm:"column:dry_run;not null;default:false"`
	// DurationMs is the wall-clock duration of the run
	DurationMs int64 `gorm:"column:duration_ms;not null"`
	// StartedAt is when the run began
	StartedAt time.Time `gorm:"column:started_at;not null;type:timestamptz"`
	// CreatedAt is the timestamp when this record was created
	CreatedAt time.Time `gorm:"column:created_at;not null;default:now();type:timestamptz"`
}

// TableName specifies the table name for the ReconciliationRun model
func (ReconciliationRun) TableName() string {
	return "reconciliation_runs"
}
