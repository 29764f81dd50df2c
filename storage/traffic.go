package storage

import (
	"context"
	"time"

	"devpn/core/types"
)

// CreateNode inserts a node.
func (s *Store) CreateNode(ctx context.Context, node *types.Node) error {
	node.Address = types.NormalizeAddress(node.Address)
	return wrap("create node", s.with(ctx).Create(node).Error)
}

// NodeByID loads a node.
func (s *Store) NodeByID(ctx context.Context, id uint) (types.Node, error) {
	var node types.Node
	err := s.with(ctx).First(&node, id).Error
	return node, wrap("load node", err)
}

// NodeByAddress loads a node by its normalised address.
func (s *Store) NodeByAddress(ctx context.Context, address string) (types.Node, error) {
	var node types.Node
	err := s.with(ctx).Where("address = ?", types.NormalizeAddress(address)).First(&node).Error
	return node, wrap("load node by address", err)
}

// NodesByID loads the given nodes keyed by id.
func (s *Store) NodesByID(ctx context.Context, ids []uint) (map[uint]types.Node, error) {
	out := make(map[uint]types.Node, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var nodes []types.Node
	if err := s.with(ctx).Where("id IN ?", ids).Find(&nodes).Error; err != nil {
		return nil, wrap("load nodes", err)
	}
	for _, n := range nodes {
		out[n.ID] = n
	}
	return out, nil
}

// UpdateNodeReputation stores a refreshed reputation score.
func (s *Store) UpdateNodeReputation(ctx context.Context, id uint, score int) error {
	err := s.with(ctx).Model(&types.Node{}).Where("id = ?", id).Update("reputation_score", score).Error
	return wrap("update reputation", err)
}

// CreateConnection inserts a VPN session.
func (s *Store) CreateConnection(ctx context.Context, conn *types.VpnConnection) error {
	return wrap("create connection", s.with(ctx).Create(conn).Error)
}

// ConnectionByID loads a VPN session by its public connection id.
func (s *Store) ConnectionByID(ctx context.Context, connectionID string) (types.VpnConnection, error) {
	var conn types.VpnConnection
	err := s.with(ctx).Where("connection_id = ?", connectionID).First(&conn).Error
	return conn, wrap("load connection", err)
}

// CreateTrafficRecord inserts a traffic sample.
func (s *Store) CreateTrafficRecord(ctx context.Context, record *types.TrafficRecord) error {
	return wrap("create traffic record", s.with(ctx).Create(record).Error)
}

// TrafficRecordByID loads one sample.
func (s *Store) TrafficRecordByID(ctx context.Context, id uint) (types.TrafficRecord, error) {
	var record types.TrafficRecord
	err := s.with(ctx).First(&record, id).Error
	return record, wrap("load traffic record", err)
}

// TrafficForEpoch returns every sample of an epoch in insertion order.
func (s *Store) TrafficForEpoch(ctx context.Context, epochID uint64) ([]types.TrafficRecord, error) {
	var records []types.TrafficRecord
	err := s.with(ctx).Where("epoch_id = ?", epochID).Order("id ASC").Find(&records).Error
	return records, wrap("traffic for epoch", err)
}

// TrafficForNodeEpoch returns one node's samples in an epoch.
func (s *Store) TrafficForNodeEpoch(ctx context.Context, nodeID uint, epochID uint64) ([]types.TrafficRecord, error) {
	var records []types.TrafficRecord
	err := s.with(ctx).
		Where("node_id = ? AND epoch_id = ?", nodeID, epochID).
		Order("id ASC").
		Find(&records).Error
	return records, wrap("traffic for node epoch", err)
}

// TrafficForSession returns every sample attributed to a VPN session.
func (s *Store) TrafficForSession(ctx context.Context, connectionID uint) ([]types.TrafficRecord, error) {
	var records []types.TrafficRecord
	err := s.with(ctx).Where("vpn_connection_id = ?", connectionID).Order("id ASC").Find(&records).Error
	return records, wrap("traffic for session", err)
}

// RecentTrafficMB returns up to limit traffic values of a node created at or
// after since, newest first, excluding one record.
func (s *Store) RecentTrafficMB(ctx context.Context, nodeID, excludeID uint, since time.Time, limit int) ([]float64, error) {
	if limit <= 0 {
		limit = -1
	}
	var values []float64
	err := s.with(ctx).Model(&types.TrafficRecord{}).
		Where("node_id = ? AND id <> ? AND created_at >= ?", nodeID, excludeID, since).
		Order("created_at DESC").
		Limit(limit).
		Pluck("traffic_mb", &values).Error
	return values, wrap("recent traffic", err)
}

// UpdateEligibility stores an evaluation outcome on a sample.
func (s *Store) UpdateEligibility(ctx context.Context, recordID uint, e types.Eligibility) error {
	updates := map[string]interface{}{
		"reward_eligible":    e.Eligible,
		"eligibility_reason": e.Reason,
		"ai_scored":          e.AIScored,
		"ai_score":           e.AIScore,
		"has_anomaly":        e.HasAnomaly,
	}
	if e.RequestSource != "" {
		updates["request_source"] = string(e.RequestSource)
	}
	err := s.with(ctx).Model(&types.TrafficRecord{}).Where("id = ?", recordID).Updates(updates).Error
	return wrap("update eligibility", err)
}
