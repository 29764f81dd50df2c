package settlement

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	settleerrors "devpn/core/errors"
	"devpn/core/types"
	"devpn/sdk/evm"
)

type payoutOutcome int

const (
	payoutFailed payoutOutcome = iota
	payoutPaid
	payoutSkipped
	payoutPending
)

// payer transfers individual rewards. It is idempotent per reward row: a
// stored transaction hash is reconciled against its receipt before any new
// transfer is attempted.
type payer struct {
	store    Store
	wallet   Wallet
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time
}

func (p payer) pay(ctx context.Context, reward types.Reward) payoutOutcome {
	log := p.logger.With(
		slog.Uint64("epoch_id", reward.EpochID),
		slog.Uint64("node_id", uint64(reward.NodeID)),
		slog.Uint64("reward_id", uint64(reward.ID)))
	if reward.Claimed {
		return payoutSkipped
	}
	if reward.TxHash != nil && *reward.TxHash != "" {
		outcome, err := p.wallet.Confirm(ctx, *reward.TxHash)
		if err != nil {
			log.Warn("reconcile previous transfer failed", slog.String("tx_hash", *reward.TxHash), slog.Any("error", err))
			return payoutPending
		}
		switch outcome {
		case evm.OutcomeConfirmed:
			if err := p.store.MarkRewardClaimed(ctx, reward.ID, *reward.TxHash, p.now()); err != nil {
				log.Error("mark reward claimed failed", slog.Any("error", err))
				return payoutFailed
			}
			p.recorder.ObserveTransfer(evm.OutcomeConfirmed.String())
			log.Info("previous transfer confirmed", slog.String("tx_hash", *reward.TxHash))
			return payoutPaid
		case evm.OutcomeUnknown:
			log.Info("previous transfer still pending", slog.String("tx_hash", *reward.TxHash))
			return payoutPending
		}
		log.Warn("previous transfer did not land; sending again",
			slog.String("tx_hash", *reward.TxHash),
			slog.String("outcome", outcome.String()))
		if err := p.store.ClearRewardTxHash(ctx, reward.ID); err != nil {
			log.Error("clear reverted transfer failed", slog.Any("error", err))
			return payoutFailed
		}
	}

	to := common.HexToAddress(reward.NodeAddress)
	res, err := p.wallet.TransferToNode(ctx, to, big.NewInt(reward.Amount))
	if res.TxHash != "" {
		if herr := p.store.SetRewardTxHash(ctx, reward.ID, res.TxHash); herr != nil {
			log.Error("record transfer hash failed", slog.String("tx_hash", res.TxHash), slog.Any("error", herr))
		}
	}
	if err != nil {
		if errors.Is(err, settleerrors.ErrOutcomeUnknown) {
			p.recorder.ObserveTransfer(evm.OutcomeUnknown.String())
			log.Warn("transfer outcome unknown; will reconcile later", slog.String("tx_hash", res.TxHash))
			return payoutPending
		}
		p.recorder.ObserveTransfer("failed")
		log.Warn("transfer failed; reward left unclaimed", slog.String("tx_hash", res.TxHash), slog.Any("error", err))
		return payoutFailed
	}
	p.recorder.ObserveTransfer(evm.OutcomeConfirmed.String())
	p.recorder.AddPaid(res.Amount)
	if err := p.store.MarkRewardClaimed(ctx, reward.ID, res.TxHash, p.now()); err != nil {
		log.Error("transfer confirmed but claim not recorded", slog.String("tx_hash", res.TxHash), slog.Any("error", err))
		return payoutFailed
	}
	return payoutPaid
}

// RetrySummary reports one pass over unclaimed rewards.
type RetrySummary struct {
	Examined int `json:"examined"`
	Paid     int `json:"paid"`
	Pending  int `json:"pending"`
	Failed   int `json:"failed"`
}

// RetryUnclaimed re-attempts payment of unclaimed rewards of committed
// epochs. It is a no-op unless the orchestrator pays through a wallet.
func (o *Orchestrator) RetryUnclaimed(ctx context.Context) (RetrySummary, error) {
	var summary RetrySummary
	if o.wallet == nil || o.strategy.Name() != StrategyDirect {
		return summary, nil
	}
	rewards, err := o.store.UnclaimedRewards(ctx, o.cfg.RetryBatch)
	if err != nil {
		return summary, err
	}
	p := o.payer()
	for _, reward := range rewards {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		summary.Examined++
		switch p.pay(ctx, reward) {
		case payoutPaid:
			summary.Paid++
		case payoutPending, payoutSkipped:
			summary.Pending++
		default:
			summary.Failed++
		}
	}
	if summary.Examined > 0 {
		o.logger.Info("unclaimed reward pass finished",
			slog.Int("examined", summary.Examined),
			slog.Int("paid", summary.Paid),
			slog.Int("pending", summary.Pending),
			slog.Int("failed", summary.Failed))
	}
	return summary, nil
}
