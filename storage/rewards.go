package storage

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	settleerrors "devpn/core/errors"
	"devpn/core/types"
)

// CreateRewards inserts rewards, skipping any whose (node, epoch) pair
// already exists. It returns the number of rows written.
func (s *Store) CreateRewards(ctx context.Context, rewards []types.Reward) (int64, error) {
	if len(rewards) == 0 {
		return 0, nil
	}
	res := s.with(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "node_id"}, {Name: "epoch_id"}},
			DoNothing: true,
		}).
		Create(&rewards)
	return res.RowsAffected, wrap("create rewards", res.Error)
}

// ReplaceRewards swaps every reward of an epoch for rewards in a single
// transaction. It refuses when any existing reward of the epoch is claimed.
func (s *Store) ReplaceRewards(ctx context.Context, epochID uint64, rewards []types.Reward) (int64, error) {
	var written int64
	err := s.with(ctx).Transaction(func(tx *gorm.DB) error {
		var claimed int64
		if err := tx.Model(&types.Reward{}).Where("epoch_id = ? AND claimed = ?", epochID, true).Count(&claimed).Error; err != nil {
			return err
		}
		if claimed > 0 {
			return fmt.Errorf("epoch %d has %d claimed rewards", epochID, claimed)
		}
		if err := tx.Where("epoch_id = ?", epochID).Delete(&types.Reward{}).Error; err != nil {
			return err
		}
		if len(rewards) == 0 {
			return nil
		}
		res := tx.Create(&rewards)
		written = res.RowsAffected
		return res.Error
	})
	return written, wrap("replace rewards", err)
}

// EnsureReward returns the reward for (node, epoch), inserting r when none
// exists yet.
func (s *Store) EnsureReward(ctx context.Context, r types.Reward) (types.Reward, error) {
	if _, err := s.CreateRewards(ctx, []types.Reward{r}); err != nil {
		return types.Reward{}, err
	}
	return s.RewardFor(ctx, r.NodeID, r.EpochID)
}

// RewardFor loads the reward of a node in an epoch.
func (s *Store) RewardFor(ctx context.Context, nodeID uint, epochID uint64) (types.Reward, error) {
	var reward types.Reward
	err := s.with(ctx).Where("node_id = ? AND epoch_id = ?", nodeID, epochID).First(&reward).Error
	return reward, wrap("load reward", err)
}

// RewardsForEpoch returns every reward of an epoch ordered by node.
func (s *Store) RewardsForEpoch(ctx context.Context, epochID uint64) ([]types.Reward, error) {
	var rewards []types.Reward
	err := s.with(ctx).Where("epoch_id = ?", epochID).Order("node_id ASC").Find(&rewards).Error
	return rewards, wrap("rewards for epoch", err)
}

// UnclaimedRewards returns unclaimed rewards of committed epochs, oldest
// first.
func (s *Store) UnclaimedRewards(ctx context.Context, limit int) ([]types.Reward, error) {
	if limit <= 0 {
		limit = -1
	}
	var rewards []types.Reward
	err := s.with(ctx).
		Joins("JOIN epochs ON epochs.epoch_id = rewards.epoch_id").
		Where("rewards.claimed = ? AND rewards.amount > 0 AND epochs.status = ?", false, types.EpochCommitted).
		Order("rewards.epoch_id ASC, rewards.node_id ASC").
		Limit(limit).
		Find(&rewards).Error
	return rewards, wrap("unclaimed rewards", err)
}

// SetRewardTxHash records the hash of a transfer before its outcome is known.
func (s *Store) SetRewardTxHash(ctx context.Context, id uint, txHash string) error {
	res := s.with(ctx).Model(&types.Reward{}).Where("id = ?", id).Update("tx_hash", txHash)
	if res.Error != nil {
		return wrap("set reward tx hash", res.Error)
	}
	if res.RowsAffected == 0 {
		return settleerrors.ErrNotFound
	}
	return nil
}

// ClearRewardTxHash forgets a transfer hash whose transaction reverted.
func (s *Store) ClearRewardTxHash(ctx context.Context, id uint) error {
	err := s.with(ctx).Model(&types.Reward{}).Where("id = ?", id).Update("tx_hash", nil).Error
	return wrap("clear reward tx hash", err)
}

// MarkRewardClaimed flags a reward as paid.
func (s *Store) MarkRewardClaimed(ctx context.Context, id uint, txHash string, at time.Time) error {
	res := s.with(ctx).Model(&types.Reward{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"claimed":    true,
			"tx_hash":    txHash,
			"claimed_at": at,
		})
	if res.Error != nil {
		return wrap("mark reward claimed", res.Error)
	}
	if res.RowsAffected == 0 {
		return settleerrors.ErrNotFound
	}
	return nil
}
