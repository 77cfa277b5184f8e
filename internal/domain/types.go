package domain

import (
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventKind represents the type of ownership-affecting ledger event
type EventKind string

const (
	EventKindDeposit  EventKind = "deposit"
	EventKindWithdraw EventKind = "withdraw"
	EventKindLock     EventKind = "lock"
	EventKindUnlock   EventKind = "unlock"
)

// AllEventKinds returns every event kind the reconciler consumes
func AllEventKinds() []EventKind {
	return []EventKind{EventKindDeposit, EventKindWithdraw, EventKindLock, EventKindUnlock}
}

// IsValidEventKind checks if a kind is one the reconciler understands
func IsValidEventKind(kind EventKind) bool {
	switch kind {
	case EventKindDeposit, EventKindWithdraw, EventKindLock, EventKindUnlock:
		return true
	}
	return false
}

// OwnershipAffecting reports whether the kind changes who holds the asset
func (k EventKind) OwnershipAffecting() bool {
	return k == EventKindDeposit || k == EventKindWithdraw
}

// LockAffecting reports whether the kind changes the asset's lock flag
func (k EventKind) LockAffecting() bool {
	return k == EventKindLock || k == EventKindUnlock
}

// LedgerEvent represents one immutable ownership or lock fact from the ledger.
// Events are ordered by BlockHeight ascending; the ledger should never emit
// two events for the same asset at the same height, but consumers must
// tolerate ties.
type LedgerEvent struct {
	AssetID       string    `json:"asset_id"`
	WalletAddress string    `json:"wallet_address"`
	Kind          EventKind `json:"kind"`
	BlockHeight   uint64    `json:"block_height"`
	ObservedAt    time.Time `json:"observed_at"`
}

// Valid checks the event carries everything the resolver needs
func (e *LedgerEvent) Valid() bool {
	if e.AssetID == "" || e.WalletAddress == "" {
		return false
	}
	return IsValidEventKind(e.Kind)
}

// ResolvedHolding is the authoritative state of one asset for one wallet,
// derived fresh from ledger events on every reconciliation run. It is never
// persisted independently of the cache.
type ResolvedHolding struct {
	AssetID       string    `json:"asset_id"`
	WalletAddress string    `json:"wallet_address"`
	Owned         bool      `json:"owned"`
	Locked        bool      `json:"locked"`
	AsOf          time.Time `json:"as_of"`
}

// Classification is the drift class assigned to one asset id
type Classification string

const (
	// ClassificationConsistent means cache and ledger agree
	ClassificationConsistent Classification = "consistent"
	// ClassificationGhost means the cache claims state the ledger disproves
	ClassificationGhost Classification = "ghost"
	// ClassificationMissing means the ledger shows state absent from the cache
	ClassificationMissing Classification = "missing"
)

// CachedHoldingState is the cache-side view of one holding used for drift
// classification. It mirrors the persistent row without dragging the store
// schema into pure packages.
type CachedHoldingState struct {
	AssetID       string     `json:"asset_id"`
	WalletAddress string     `json:"wallet_address"`
	Locked        bool       `json:"locked"`
	LastEventAt   *time.Time `json:"last_event_at"`
}

// DriftRecord is the per-asset classification result for one run. Produced by
// the detector, consumed immediately by the repair executor, never persisted.
type DriftRecord struct {
	AssetID        string
	Classification Classification
	Cached         *CachedHoldingState
	Resolved       *ResolvedHolding
}

// RepairSummary counts the cache writes one run issued (or would issue, in
// dry-run mode)
type RepairSummary struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Deleted  int `json:"deleted"`
}

// Zero reports whether the run changed nothing, the expected outcome of a
// second run with no new ledger events
func (s RepairSummary) Zero() bool {
	return s.Inserted == 0 && s.Updated == 0 && s.Deleted == 0
}

// Add accumulates another summary into this one
func (s *RepairSummary) Add(other RepairSummary) {
	s.Inserted += other.Inserted
	s.Updated += other.Updated
	s.Deleted += other.Deleted
}

// RunStatus is the terminal state of one reconciliation run
type RunStatus string

const (
	RunStatusCompleted         RunStatus = "completed"
	RunStatusPartiallyRepaired RunStatus = "partially_repaired"
	RunStatusFailed            RunStatus = "failed"
)

// Stage names the pipeline stage a run last reached, used for operator
// triage when a run fails partway
type Stage string

const (
	StageFetch   Stage = "fetch"
	StageResolve Stage = "resolve"
	StageDiff    Stage = "diff"
	StageRepair  Stage = "repair"
)

// ReconciliationReport is the structured result of one wallet's run, consumed
// by external reporting/alerting collaborators
type ReconciliationReport struct {
	RunID         string        `json:"run_id"`
	WalletAddress string        `json:"wallet_address"`
	Status        RunStatus     `json:"status"`
	LastStage     Stage         `json:"last_stage"`
	Consistent    int           `json:"consistent"`
	Ghosts        []string      `json:"ghosts"`
	Missing       []string      `json:"missing"`
	SkippedEvents int           `json:"skipped_events"`
	Summary       RepairSummary `json:"summary"`
	DryRun        bool          `json:"dry_run"`
	DurationMs    int64         `json:"duration_ms"`
}

// NormalizeWalletAddress normalizes a wallet address to its canonical form
func NormalizeWalletAddress(address string) string {
	if strings.HasPrefix(address, "0x") {
		return common.HexToAddress(address).String()
	}
	return address
}

// NormalizeWalletAddresses normalizes a list of wallet addresses in place
func NormalizeWalletAddresses(addresses []string) []string {
	for i, address := range addresses {
		addresses[i] = NormalizeWalletAddress(address)
	}
	return addresses
}
