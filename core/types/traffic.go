package types

import (
	"strings"
	"time"
)

// RequestSource records why an eligibility evaluation was requested.
type RequestSource string

const (
	SourceSessionEnd           RequestSource = "session_end"
	SourceEpochEnd             RequestSource = "epoch_end"
	SourcePerformanceThreshold RequestSource = "performance_threshold"
	SourceAIConfirmed          RequestSource = "ai_confirmed"
	SourceNodeSelf             RequestSource = "node_self"
)

// ParseRequestSource normalises a caller-supplied source. Unknown values are
// returned as-is so that evaluation rejects them explicitly.
func ParseRequestSource(raw string) RequestSource {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	if trimmed == "" {
		return SourceNodeSelf
	}
	return RequestSource(trimmed)
}

// SystemInitiated reports whether the source was raised by the platform rather
// than by the node itself.
func (s RequestSource) SystemInitiated() bool {
	switch s {
	case SourceSessionEnd, SourceEpochEnd, SourcePerformanceThreshold, SourceAIConfirmed:
		return true
	default:
		return false
	}
}

// TrafficRecord is a signed report of relayed megabytes. Only the eligibility
// columns change after creation.
type TrafficRecord struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	NodeID            uint      `gorm:"not null;index" json:"node_id"`
	VpnConnectionID   *uint     `gorm:"index" json:"vpn_connection_id,omitempty"`
	EpochID           uint64    `gorm:"not null;index" json:"epoch_id"`
	TrafficMB         float64   `gorm:"not null" json:"traffic_mb"`
	Signature         string    `gorm:"size:140;not null" json:"signature"`
	AIScored          bool      `gorm:"not null;default:false;index" json:"ai_scored"`
	AIScore           *float64  `json:"ai_score"`
	HasAnomaly        bool      `gorm:"not null;default:false;index" json:"has_anomaly"`
	RewardEligible    bool      `gorm:"not null;default:false;index" json:"reward_eligible"`
	RequestSource     string    `gorm:"size:32" json:"request_source,omitempty"`
	EligibilityReason string    `gorm:"type:text" json:"eligibility_reason,omitempty"`
	CreatedAt         time.Time `gorm:"index" json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// TableName pins the table name used by the persistence layer.
func (TrafficRecord) TableName() string { return "traffic_records" }

// Eligibility is the set of evaluation outputs written back onto a record.
type Eligibility struct {
	Eligible      bool
	Reason        string
	RequestSource RequestSource
	AIScored      bool
	AIScore       *float64
	HasAnomaly    bool
}

// Apply copies the evaluation outputs onto the record.
func (r *TrafficRecord) Apply(e Eligibility) {
	r.RewardEligible = e.Eligible
	r.EligibilityReason = e.Reason
	r.RequestSource = string(e.RequestSource)
	r.AIScored = e.AIScored
	r.AIScore = e.AIScore
	r.HasAnomaly = e.HasAnomaly
}

// VpnConnection is a client session routed through an entry and exit node.
type VpnConnection struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	ConnectionID string    `gorm:"size:64;not null;uniqueIndex" json:"connection_id"`
	UserAddress  string    `gorm:"size:64;not null" json:"user_address"`
	EntryNodeID  uint      `gorm:"not null;index" json:"entry_node_id"`
	ExitNodeID   uint      `gorm:"not null;index" json:"exit_node_id"`
	Status       string    `gorm:"size:16;not null;default:connected" json:"status"`
	RouteScore   *float64  `json:"route_score,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TableName pins the table name used by the persistence layer.
func (VpnConnection) TableName() string { return "vpn_connections" }
