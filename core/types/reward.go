package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Reward is the payout owed to one node for one epoch. The (NodeID, EpochID)
// pair is unique.
type Reward struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	NodeID      uint       `gorm:"not null;uniqueIndex:idx_rewards_node_epoch" json:"node_id"`
	EpochID     uint64     `gorm:"not null;uniqueIndex:idx_rewards_node_epoch;index" json:"epoch_id"`
	NodeAddress string     `gorm:"size:64;not null" json:"node"`
	Amount      int64      `gorm:"not null" json:"amount"`
	TrafficMB   float64    `gorm:"not null;default:0" json:"traffic_mb"`
	MerkleProof *string    `gorm:"type:text" json:"-"`
	Claimed     bool       `gorm:"not null;default:false;index" json:"claimed"`
	TxHash      *string    `gorm:"size:66" json:"tx_hash,omitempty"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// TableName pins the table name used by the persistence layer.
func (Reward) TableName() string { return "rewards" }

// Proof decodes the stored inclusion proof. Rewards paid by direct transfer
// carry no proof and return an empty slice.
func (r Reward) Proof() ([]string, error) {
	if r.MerkleProof == nil || *r.MerkleProof == "" {
		return []string{}, nil
	}
	var proof []string
	if err := json.Unmarshal([]byte(*r.MerkleProof), &proof); err != nil {
		return nil, fmt.Errorf("decode merkle proof: %w", err)
	}
	return proof, nil
}

// EncodeProof serialises a proof into the column representation.
func EncodeProof(proof []string) (*string, error) {
	if proof == nil {
		proof = []string{}
	}
	raw, err := json.Marshal(proof)
	if err != nil {
		return nil, fmt.Errorf("encode merkle proof: %w", err)
	}
	encoded := string(raw)
	return &encoded, nil
}
