package types

import "time"

// EpochStatus enumerates the settlement states an epoch moves through.
type EpochStatus string

const (
	EpochPending    EpochStatus = "pending"
	EpochProcessing EpochStatus = "processing"
	EpochCommitted  EpochStatus = "committed"
)

// Epoch is a fixed accounting window. EpochID is the public, strictly
// increasing number; ID is the storage key.
type Epoch struct {
	ID           uint        `gorm:"primaryKey" json:"-"`
	EpochID      uint64      `gorm:"not null;uniqueIndex" json:"epoch_id"`
	StartTime    time.Time   `gorm:"not null" json:"start_time"`
	EndTime      time.Time   `gorm:"not null;index" json:"end_time"`
	Status       EpochStatus `gorm:"size:16;not null;default:pending;index" json:"status"`
	MerkleRoot   *string     `gorm:"size:66" json:"merkle_root"`
	CommitTxHash *string     `gorm:"size:66" json:"commit_tx_hash,omitempty"`
	TotalTraffic float64     `gorm:"not null;default:0" json:"total_traffic"`
	NodeCount    int         `gorm:"not null;default:0" json:"node_count"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// TableName pins the table name used by the persistence layer.
func (Epoch) TableName() string { return "epochs" }

// Committed reports whether settlement has finished for the epoch.
func (e Epoch) Committed() bool { return e.Status == EpochCommitted }

// Open reports whether the epoch still awaits settlement.
func (e Epoch) Open() bool {
	return e.Status == EpochPending || e.Status == EpochProcessing
}

// Remaining returns the time left until the epoch boundary, floored at zero.
func (e Epoch) Remaining(now time.Time) time.Duration {
	left := e.EndTime.Sub(now)
	if left < 0 {
		return 0
	}
	return left
}

// OpenStatuses lists the statuses that count as an unsettled epoch.
func OpenStatuses() []EpochStatus {
	return []EpochStatus{EpochPending, EpochProcessing}
}

// EpochCommit carries the final figures recorded when an epoch is committed.
type EpochCommit struct {
	MerkleRoot   *string
	CommitTxHash *string
	TotalTraffic float64
	NodeCount    int
}
