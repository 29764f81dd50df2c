package settlement

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"devpn/core/eligibility"
	"devpn/core/types"
	"devpn/sdk/evm"
	"devpn/sdk/wallet"
)

// Store is the persistence surface of the orchestrator.
type Store interface {
	EpochByID(ctx context.Context, epochID uint64) (types.Epoch, error)
	PendingExpiredEpochs(ctx context.Context, now time.Time) ([]types.Epoch, error)
	TransitionEpoch(ctx context.Context, epochID uint64, from, to types.EpochStatus) error
	CommitEpoch(ctx context.Context, epochID uint64, commit types.EpochCommit) error

	NodeByID(ctx context.Context, id uint) (types.Node, error)
	NodesByID(ctx context.Context, ids []uint) (map[uint]types.Node, error)
	ConnectionByID(ctx context.Context, connectionID string) (types.VpnConnection, error)
	TrafficRecordByID(ctx context.Context, id uint) (types.TrafficRecord, error)
	TrafficForEpoch(ctx context.Context, epochID uint64) ([]types.TrafficRecord, error)
	TrafficForNodeEpoch(ctx context.Context, nodeID uint, epochID uint64) ([]types.TrafficRecord, error)
	TrafficForSession(ctx context.Context, connectionID uint) ([]types.TrafficRecord, error)
	UpdateEligibility(ctx context.Context, recordID uint, e types.Eligibility) error

	RecordCommitAttempt(ctx context.Context, epochID uint64, root string, txHash *string) error
	ClearCommitAttempt(ctx context.Context, epochID uint64) error

	ReplaceRewards(ctx context.Context, epochID uint64, rewards []types.Reward) (int64, error)
	RewardsForEpoch(ctx context.Context, epochID uint64) ([]types.Reward, error)
	EnsureReward(ctx context.Context, r types.Reward) (types.Reward, error)
	RewardFor(ctx context.Context, nodeID uint, epochID uint64) (types.Reward, error)
	UnclaimedRewards(ctx context.Context, limit int) ([]types.Reward, error)
	SetRewardTxHash(ctx context.Context, id uint, txHash string) error
	ClearRewardTxHash(ctx context.Context, id uint) error
	MarkRewardClaimed(ctx context.Context, id uint, txHash string, at time.Time) error
}

// Evaluator decides eligibility for one sample.
type Evaluator interface {
	Evaluate(ctx context.Context, node types.Node, record types.TrafficRecord, source types.RequestSource) eligibility.Result
	PerformanceQualified(node types.Node) bool
	ConfirmedGood(ctx context.Context, node types.Node) bool
}

// Prefetcher warms score lookups before a run evaluates many samples.
type Prefetcher interface {
	Prefetch(ctx context.Context, addresses []string, workers int) error
}

// Chain submits contract calls, waits for their receipts and looks up
// transactions sent earlier.
type Chain interface {
	Execute(ctx context.Context, to common.Address, data []byte) (evm.Confirmation, error)
	CheckReceipt(ctx context.Context, hash common.Hash) (evm.Confirmation, error)
}

// Wallet is the payer used by the direct strategy and the retry pass.
type Wallet = wallet.TokenWallet

// Recorder receives settlement telemetry.
type Recorder interface {
	ObserveSettlement(strategy, outcome string, elapsed time.Duration)
	ObserveTransfer(outcome string)
	AddPaid(amount *big.Int)
}

// Notifier is told about nodes paid in a committed epoch.
type Notifier interface {
	EpochCommitted(ctx context.Context, epoch types.Epoch, payouts []Payout)
}

type nopRecorder struct{}

func (nopRecorder) ObserveSettlement(string, string, time.Duration) {}
func (nopRecorder) ObserveTransfer(string)                          {}
func (nopRecorder) AddPaid(*big.Int)                                {}
