package storage

import (
	"context"
	"database/sql"
	"time"

	settleerrors "devpn/core/errors"
	"devpn/core/types"
)

// LatestOpenEpoch returns the pending or processing epoch with the highest id.
func (s *Store) LatestOpenEpoch(ctx context.Context) (types.Epoch, error) {
	var epoch types.Epoch
	err := s.with(ctx).
		Where("status IN ?", types.OpenStatuses()).
		Order("epoch_id DESC").
		First(&epoch).Error
	return epoch, wrap("latest open epoch", err)
}

// LatestExpiredOpenEpoch returns the highest open epoch whose end time has
// passed.
func (s *Store) LatestExpiredOpenEpoch(ctx context.Context, now time.Time) (types.Epoch, error) {
	var epoch types.Epoch
	err := s.with(ctx).
		Where("status IN ? AND end_time <= ?", types.OpenStatuses(), now).
		Order("epoch_id DESC").
		First(&epoch).Error
	return epoch, wrap("latest expired epoch", err)
}

// LastEpochID returns the highest issued epoch id or zero.
func (s *Store) LastEpochID(ctx context.Context) (uint64, error) {
	var last sql.NullInt64
	err := s.with(ctx).Model(&types.Epoch{}).Select("MAX(epoch_id)").Scan(&last).Error
	if err != nil {
		return 0, wrap("last epoch id", err)
	}
	if !last.Valid || last.Int64 < 0 {
		return 0, nil
	}
	return uint64(last.Int64), nil
}

// CreateEpoch inserts a new epoch row.
func (s *Store) CreateEpoch(ctx context.Context, epoch *types.Epoch) error {
	return wrap("create epoch", s.with(ctx).Create(epoch).Error)
}

// UpdateEpochEndTime rewrites the boundary of an epoch.
func (s *Store) UpdateEpochEndTime(ctx context.Context, epochID uint64, end time.Time) error {
	res := s.with(ctx).Model(&types.Epoch{}).
		Where("epoch_id = ?", epochID).
		Update("end_time", end)
	if res.Error != nil {
		return wrap("update epoch end", res.Error)
	}
	if res.RowsAffected == 0 {
		return settleerrors.ErrNotFound
	}
	return nil
}

// EpochByID loads an epoch by its public number.
func (s *Store) EpochByID(ctx context.Context, epochID uint64) (types.Epoch, error) {
	var epoch types.Epoch
	err := s.with(ctx).Where("epoch_id = ?", epochID).First(&epoch).Error
	return epoch, wrap("load epoch", err)
}

// ListEpochs returns the most recent epochs, newest first.
func (s *Store) ListEpochs(ctx context.Context, limit int) ([]types.Epoch, error) {
	if limit <= 0 {
		limit = 100
	}
	var epochs []types.Epoch
	err := s.with(ctx).Order("epoch_id DESC").Limit(limit).Find(&epochs).Error
	return epochs, wrap("list epochs", err)
}

// PendingExpiredEpochs returns every pending epoch whose window has elapsed,
// oldest first.
func (s *Store) PendingExpiredEpochs(ctx context.Context, now time.Time) ([]types.Epoch, error) {
	var epochs []types.Epoch
	err := s.with(ctx).
		Where("status = ? AND end_time <= ?", types.EpochPending, now).
		Order("epoch_id ASC").
		Find(&epochs).Error
	return epochs, wrap("pending expired epochs", err)
}

// TransitionEpoch moves an epoch from one status to another in a single
// conditional update. It returns ErrEpochBusy when the epoch was not in the
// expected status.
func (s *Store) TransitionEpoch(ctx context.Context, epochID uint64, from, to types.EpochStatus) error {
	res := s.with(ctx).Model(&types.Epoch{}).
		Where("epoch_id = ? AND status = ?", epochID, from).
		Update("status", to)
	if res.Error != nil {
		return wrap("transition epoch", res.Error)
	}
	if res.RowsAffected == 0 {
		return settleerrors.ErrEpochBusy
	}
	return nil
}

// CommitEpoch marks a processing epoch committed with its totals.
func (s *Store) CommitEpoch(ctx context.Context, epochID uint64, commit types.EpochCommit) error {
	res := s.with(ctx).Model(&types.Epoch{}).
		Where("epoch_id = ? AND status = ?", epochID, types.EpochProcessing).
		Updates(map[string]interface{}{
			"status":         types.EpochCommitted,
			"merkle_root":    commit.MerkleRoot,
			"commit_tx_hash": commit.CommitTxHash,
			"total_traffic":  commit.TotalTraffic,
			"node_count":     commit.NodeCount,
		})
	if res.Error != nil {
		return wrap("commit epoch", res.Error)
	}
	if res.RowsAffected == 0 {
		return settleerrors.ErrEpochBusy
	}
	return nil
}

// RecordCommitAttempt pins the root of an in-flight commit on an open epoch,
// together with the transaction hash once one is known. A retry resubmits
// the pinned root instead of building a new one.
func (s *Store) RecordCommitAttempt(ctx context.Context, epochID uint64, root string, txHash *string) error {
	res := s.with(ctx).Model(&types.Epoch{}).
		Where("epoch_id = ? AND status IN ?", epochID, types.OpenStatuses()).
		Updates(map[string]interface{}{
			"merkle_root":    root,
			"commit_tx_hash": txHash,
		})
	if res.Error != nil {
		return wrap("record commit attempt", res.Error)
	}
	if res.RowsAffected == 0 {
		return settleerrors.ErrEpochBusy
	}
	return nil
}

// ClearCommitAttempt unpins the root of an open epoch after its commit
// transaction was rejected.
func (s *Store) ClearCommitAttempt(ctx context.Context, epochID uint64) error {
	res := s.with(ctx).Model(&types.Epoch{}).
		Where("epoch_id = ? AND status IN ?", epochID, types.OpenStatuses()).
		Updates(map[string]interface{}{
			"merkle_root":    nil,
			"commit_tx_hash": nil,
		})
	return wrap("clear commit attempt", res.Error)
}
