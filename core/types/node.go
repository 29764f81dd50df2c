package types

import (
	"strings"
	"time"
)

// NodeStatus captures the lifecycle state of a relay node.
type NodeStatus string

const (
	NodeStatusActive   NodeStatus = "active"
	NodeStatusInactive NodeStatus = "inactive"
	NodeStatusDisabled NodeStatus = "disabled"
)

// DefaultReputation is applied when the scoring service has not yet published
// a reputation for the node.
const DefaultReputation = 50

// Node is a relay operator identified by its chain address. Rolling metrics
// are nil until the first heartbeat lands.
type Node struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	Address         string     `gorm:"size:64;not null;uniqueIndex" json:"address"`
	Status          NodeStatus `gorm:"size:16;not null;default:inactive" json:"status"`
	Latency         *float64   `json:"latency,omitempty"`
	Loss            *float64   `json:"loss,omitempty"`
	Bandwidth       *float64   `json:"bandwidth,omitempty"`
	Uptime          *int64     `json:"uptime,omitempty"`
	ReputationScore *int       `json:"reputation_score,omitempty"`
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty"`
	NodeAPIURL      string     `gorm:"size:255" json:"node_api_url,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// TableName pins the table name used by the persistence layer.
func (Node) TableName() string { return "nodes" }

// Reputation returns the stored reputation or the supplied fallback.
func (n Node) Reputation(fallback int) int {
	if n.ReputationScore == nil {
		return fallback
	}
	return *n.ReputationScore
}

// NormalizeAddress lowercases and trims a hex chain address so lookups are
// case insensitive.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
