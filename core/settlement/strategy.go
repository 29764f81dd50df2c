package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	settleerrors "devpn/core/errors"
	"devpn/core/merkle"
	"devpn/core/types"
	"devpn/sdk/evm"
)

// Strategy names accepted in configuration.
const (
	StrategyCommit = "commit"
	StrategyDirect = "direct"
)

// ErrCommitReverted is returned when the settlement contract rejected a
// commit transaction.
var ErrCommitReverted = errors.New("settlement: commit transaction reverted")

// Payout statuses reported to notifiers.
const (
	PayoutCommitted = "committed"
	PayoutPaid      = "paid"
	PayoutPending   = "pending"
	PayoutFailed    = "failed"
)

// Payout is one node's share of an epoch.
type Payout struct {
	NodeID     uint
	Address    common.Address
	Amount     *big.Int
	TrafficMB  float64
	Quality    float64
	Reputation int
	Status     string
}

// Settled reports whether the node's share is final on chain, either
// committed under a root or transferred.
func (p Payout) Settled() bool {
	return p.Status == PayoutCommitted || p.Status == PayoutPaid
}

// Plan is the payout set a strategy finalises.
type Plan struct {
	Epoch   types.Epoch
	Payouts []Payout
}

// Total sums the payout amounts.
func (p Plan) Total() *big.Int {
	return sumPayouts(p.Payouts)
}

func sumPayouts(payouts []Payout) *big.Int {
	sum := new(big.Int)
	for _, payout := range payouts {
		sum.Add(sum, payout.Amount)
	}
	return sum
}

// Result reports what a strategy did. Payouts is the set actually finalised,
// with a status each; it can differ from the plan when an earlier commit of
// the epoch is adopted.
type Result struct {
	MerkleRoot *common.Hash
	TxHash     *common.Hash
	Payouts    []Payout
	Paid       int
	Failed     int
	Skipped    int
}

// Strategy finalises a plan. Returning an error sends the epoch back to
// pending for a later retry.
type Strategy interface {
	Name() string
	Execute(ctx context.Context, plan Plan) (Result, error)
}

// Commit publishes a Merkle root of the payouts to the settlement contract.
// Nodes claim against the root themselves.
//
// The root is pinned on the epoch before it is sent. Once pinned, the stored
// rewards are the payout set: a retry reconciles the earlier transaction by
// receipt and resubmits the same root unless the contract rejected it.
type Commit struct {
	store    Store
	chain    Chain
	contract common.Address
	funding  Wallet
	logger   *slog.Logger
}

// NewCommit builds the commitment strategy. funding is optional; when set, the
// payer balance must cover the epoch total before anything is written.
func NewCommit(store Store, chain Chain, contract common.Address, funding Wallet, logger *slog.Logger) (*Commit, error) {
	if store == nil || chain == nil {
		return nil, errors.New("settlement: commit strategy requires store and chain")
	}
	if contract == (common.Address{}) {
		return nil, errors.New("settlement: settlement contract required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Commit{store: store, chain: chain, contract: contract, funding: funding, logger: logger}, nil
}

// Name implements Strategy.
func (c *Commit) Name() string { return StrategyCommit }

// Execute implements Strategy.
func (c *Commit) Execute(ctx context.Context, plan Plan) (Result, error) {
	if plan.Epoch.MerkleRoot != nil && *plan.Epoch.MerkleRoot != "" {
		return c.resume(ctx, plan)
	}
	return c.commitNew(ctx, plan)
}

func (c *Commit) commitNew(ctx context.Context, plan Plan) (Result, error) {
	if c.funding != nil {
		if err := checkBalance(ctx, c.funding, plan); err != nil {
			return Result{}, err
		}
	}
	byAddress := make(map[common.Address]Payout, len(plan.Payouts))
	entries := make([]merkle.Entry, 0, len(plan.Payouts))
	for _, payout := range plan.Payouts {
		byAddress[payout.Address] = payout
		entries = append(entries, merkle.Entry{Address: payout.Address, Amount: payout.Amount})
	}
	commitment, err := merkle.Build(entries)
	if err != nil {
		return Result{}, fmt.Errorf("build commitment: %w", err)
	}
	root := commitment.Root()

	rows := make([]types.Reward, 0, len(commitment.Entries))
	payouts := make([]Payout, 0, len(commitment.Entries))
	for i, entry := range commitment.Entries {
		proof, err := commitment.Proof(i)
		if err != nil {
			return Result{}, fmt.Errorf("proof for %s: %w", entry.Address.Hex(), err)
		}
		encoded, err := types.EncodeProof(merkle.HexProof(proof))
		if err != nil {
			return Result{}, err
		}
		payout := byAddress[entry.Address]
		row, err := rewardRow(plan.Epoch, payout)
		if err != nil {
			return Result{}, err
		}
		row.MerkleProof = encoded
		rows = append(rows, row)
		payout.Status = PayoutCommitted
		payouts = append(payouts, payout)
	}
	if _, err := c.store.ReplaceRewards(ctx, plan.Epoch.EpochID, rows); err != nil {
		return Result{}, err
	}
	if err := c.store.RecordCommitAttempt(ctx, plan.Epoch.EpochID, root.Hex(), nil); err != nil {
		return Result{}, err
	}

	txHash, err := c.submit(ctx, plan.Epoch.EpochID, root)
	if errors.Is(err, ErrCommitReverted) {
		if cerr := c.store.ClearCommitAttempt(context.WithoutCancel(ctx), plan.Epoch.EpochID); cerr != nil {
			c.logger.Error("unpin rejected root failed", slog.Uint64("epoch_id", plan.Epoch.EpochID), slog.Any("error", cerr))
		}
	}
	if err != nil {
		return Result{}, err
	}
	c.logger.Info("epoch root committed",
		slog.Uint64("epoch_id", plan.Epoch.EpochID),
		slog.String("merkle_root", root.Hex()),
		slog.String("tx_hash", txHash.Hex()),
		slog.Int("leaves", len(rows)))
	return Result{MerkleRoot: &root, TxHash: &txHash, Payouts: payouts}, nil
}

// resume finishes an epoch whose root was pinned by an earlier run.
func (c *Commit) resume(ctx context.Context, plan Plan) (Result, error) {
	epochID := plan.Epoch.EpochID
	root, err := merkle.ParseHash(*plan.Epoch.MerkleRoot)
	if err != nil {
		return Result{}, fmt.Errorf("pinned root of epoch %d: %w", epochID, err)
	}
	log := c.logger.With(slog.Uint64("epoch_id", epochID), slog.String("merkle_root", root.Hex()))

	if prev := plan.Epoch.CommitTxHash; prev != nil && *prev != "" {
		hash := common.HexToHash(*prev)
		conf, err := c.chain.CheckReceipt(ctx, hash)
		if err != nil {
			return Result{}, fmt.Errorf("check commit %s: %v: %w", hash.Hex(), err, settleerrors.ErrOutcomeUnknown)
		}
		switch conf.Outcome {
		case evm.OutcomeConfirmed:
			log.Info("earlier commit landed", slog.String("tx_hash", hash.Hex()))
			payouts, err := c.pinnedPayouts(ctx, epochID, root)
			if err != nil {
				return Result{}, err
			}
			return Result{MerkleRoot: &root, TxHash: &hash, Payouts: payouts}, nil
		case evm.OutcomeReverted:
			log.Warn("earlier commit reverted; rebuilding payout set", slog.String("tx_hash", hash.Hex()))
			if err := c.store.ClearCommitAttempt(ctx, epochID); err != nil {
				return Result{}, err
			}
			plan.Epoch.MerkleRoot, plan.Epoch.CommitTxHash = nil, nil
			return c.commitNew(ctx, plan)
		case evm.OutcomeUnknown:
			log.Warn("earlier commit still pending", slog.String("tx_hash", hash.Hex()))
			return Result{}, fmt.Errorf("commit %s: %w", hash.Hex(), settleerrors.ErrOutcomeUnknown)
		}
		log.Warn("earlier commit dropped; resubmitting pinned root", slog.String("tx_hash", hash.Hex()))
	}

	payouts, err := c.pinnedPayouts(ctx, epochID, root)
	if err != nil {
		return Result{}, err
	}
	if c.funding != nil {
		if err := checkBalance(ctx, c.funding, Plan{Epoch: plan.Epoch, Payouts: payouts}); err != nil {
			return Result{}, err
		}
	}
	txHash, err := c.submit(ctx, epochID, root)
	if errors.Is(err, ErrCommitReverted) {
		log.Error("resubmitted root rejected; epoch needs operator review", slog.Any("error", err))
	}
	if err != nil {
		return Result{}, err
	}
	log.Info("pinned root committed", slog.String("tx_hash", txHash.Hex()))
	return Result{MerkleRoot: &root, TxHash: &txHash, Payouts: payouts}, nil
}

// pinnedPayouts rebuilds the payout set from stored rewards and checks it
// still hashes to root.
func (c *Commit) pinnedPayouts(ctx context.Context, epochID uint64, root common.Hash) ([]Payout, error) {
	rows, err := c.store.RewardsForEpoch(ctx, epochID)
	if err != nil {
		return nil, err
	}
	entries := make([]merkle.Entry, 0, len(rows))
	payouts := make([]Payout, 0, len(rows))
	for _, row := range rows {
		addr := common.HexToAddress(row.NodeAddress)
		amount := big.NewInt(row.Amount)
		entries = append(entries, merkle.Entry{Address: addr, Amount: amount})
		payouts = append(payouts, Payout{
			NodeID:    row.NodeID,
			Address:   addr,
			Amount:    amount,
			TrafficMB: row.TrafficMB,
			Status:    PayoutCommitted,
		})
	}
	commitment, err := merkle.Build(entries)
	if err != nil {
		return nil, fmt.Errorf("rebuild commitment: %w", err)
	}
	if got := commitment.Root(); got != root {
		return nil, fmt.Errorf("settlement: stored rewards of epoch %d hash to %s, pinned root is %s", epochID, got.Hex(), root.Hex())
	}
	return payouts, nil
}

// submit sends commitEpoch(epochID, root). Any hash that may still land is
// recorded on the epoch before the outcome is reported.
func (c *Commit) submit(ctx context.Context, epochID uint64, root common.Hash) (common.Hash, error) {
	conf, err := c.chain.Execute(ctx, c.contract, evm.CommitEpochCalldata(epochID, root))
	txHash := conf.TxHash
	if txHash != (common.Hash{}) && (err != nil || conf.Outcome == evm.OutcomeUnknown) {
		pending := txHash.Hex()
		if rerr := c.store.RecordCommitAttempt(context.WithoutCancel(ctx), epochID, root.Hex(), &pending); rerr != nil {
			c.logger.Error("record commit hash failed",
				slog.Uint64("epoch_id", epochID),
				slog.String("tx_hash", pending),
				slog.Any("error", rerr))
		}
	}
	if err != nil {
		if errors.Is(err, evm.ErrBroadcast) && txHash != (common.Hash{}) {
			return txHash, fmt.Errorf("submit commit %s: %w: %w", txHash.Hex(), settleerrors.ErrOutcomeUnknown, err)
		}
		return txHash, fmt.Errorf("submit commit: %w", err)
	}
	switch conf.Outcome {
	case evm.OutcomeConfirmed:
		return txHash, nil
	case evm.OutcomeReverted:
		return txHash, fmt.Errorf("%w: %s", ErrCommitReverted, txHash.Hex())
	default:
		return txHash, fmt.Errorf("commit %s: %w", txHash.Hex(), settleerrors.ErrOutcomeUnknown)
	}
}

// Direct transfers each node's reward from the payer wallet.
type Direct struct {
	store  Store
	wallet Wallet
	payer  payer
	logger *slog.Logger
}

// NewDirect builds the direct-transfer strategy.
func NewDirect(store Store, w Wallet, recorder Recorder, logger *slog.Logger) (*Direct, error) {
	if store == nil || w == nil {
		return nil, errors.New("settlement: direct strategy requires store and wallet")
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Direct{
		store:  store,
		wallet: w,
		payer:  payer{store: store, wallet: w, recorder: recorder, logger: logger, now: time.Now},
		logger: logger,
	}, nil
}

// Name implements Strategy.
func (d *Direct) Name() string { return StrategyDirect }

// Execute implements Strategy. The aggregate balance check happens once up
// front; transfers that fail afterwards stay unclaimed for the retry pass and
// transfers already made are not rolled back.
func (d *Direct) Execute(ctx context.Context, plan Plan) (Result, error) {
	if err := checkBalance(ctx, d.wallet, plan); err != nil {
		return Result{}, err
	}
	var result Result
	for _, payout := range plan.Payouts {
		row, err := rewardRow(plan.Epoch, payout)
		if err != nil {
			return result, err
		}
		row.MerkleProof, _ = types.EncodeProof(nil)
		reward, err := d.store.EnsureReward(ctx, row)
		if err != nil {
			return result, err
		}
		switch d.payer.pay(ctx, reward) {
		case payoutPaid:
			result.Paid++
			payout.Status = PayoutPaid
		case payoutSkipped:
			result.Skipped++
			payout.Status = PayoutPaid
		case payoutPending:
			result.Skipped++
			payout.Status = PayoutPending
		default:
			result.Failed++
			payout.Status = PayoutFailed
		}
		result.Payouts = append(result.Payouts, payout)
	}
	if result.Failed > 0 {
		d.logger.Warn("direct settlement left unclaimed rewards",
			slog.Uint64("epoch_id", plan.Epoch.EpochID),
			slog.Int("failed", result.Failed))
	}
	return result, nil
}

func checkBalance(ctx context.Context, w Wallet, plan Plan) error {
	required := new(big.Int)
	for _, payout := range plan.Payouts {
		required.Add(required, w.BaseUnits(payout.Amount))
	}
	balance, err := w.Balance(ctx)
	if err != nil {
		return fmt.Errorf("read payer balance: %w", err)
	}
	if balance.Cmp(required) < 0 {
		return &settleerrors.InsufficientBalanceError{Required: required, Available: balance}
	}
	return nil
}

func rewardRow(epoch types.Epoch, payout Payout) (types.Reward, error) {
	if payout.Amount == nil || !payout.Amount.IsInt64() {
		return types.Reward{}, fmt.Errorf("settlement: amount for node %d out of range", payout.NodeID)
	}
	return types.Reward{
		NodeID:      payout.NodeID,
		EpochID:     epoch.EpochID,
		NodeAddress: strings.ToLower(payout.Address.Hex()),
		Amount:      payout.Amount.Int64(),
		TrafficMB:   payout.TrafficMB,
	}, nil
}
