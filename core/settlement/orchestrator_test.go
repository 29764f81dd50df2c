package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"devpn/core/eligibility"
	settleerrors "devpn/core/errors"
	"devpn/core/merkle"
	"devpn/core/rewards"
	"devpn/core/types"
	"devpn/sdk/aiscore"
	"devpn/sdk/evm"
	"devpn/sdk/wallet"
	"devpn/storage"
)

var (
	nodeA = common.HexToAddress("0x1000000000000000000000000000000000000001")
	nodeB = common.HexToAddress("0x2000000000000000000000000000000000000002")
)

type fakeChain struct {
	mu           sync.Mutex
	outcomes     []evm.Outcome
	broadcastErr bool
	calls        [][]byte
	receipts     map[common.Hash]evm.Outcome
}

// txHash is the hash the fake assigns to the n-th call, counting from one.
func txHash(n int) common.Hash { return common.BigToHash(big.NewInt(int64(n))) }

func (f *fakeChain) Execute(_ context.Context, _ common.Address, data []byte) (evm.Confirmation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, data)
	hash := txHash(len(f.calls))
	if f.broadcastErr {
		return evm.Confirmation{TxHash: hash, Outcome: evm.OutcomeUnknown}, fmt.Errorf("%w: rpc error -32000: timeout", evm.ErrBroadcast)
	}
	outcome := evm.OutcomeConfirmed
	if len(f.outcomes) > 0 {
		outcome, f.outcomes = f.outcomes[0], f.outcomes[1:]
	}
	return evm.Confirmation{TxHash: hash, Outcome: outcome}, nil
}

func (f *fakeChain) CheckReceipt(_ context.Context, hash common.Hash) (evm.Confirmation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return evm.Confirmation{TxHash: hash, Outcome: f.receipts[hash]}, nil
}

func (f *fakeChain) setReceipt(hash common.Hash, outcome evm.Outcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.receipts == nil {
		f.receipts = map[common.Hash]evm.Outcome{}
	}
	f.receipts[hash] = outcome
}

type staticScorer float64

func (s staticScorer) Score(context.Context, string) (float64, error) { return float64(s), nil }

type countingRecorder struct {
	mu          sync.Mutex
	settlements map[string]int
	transfers   map[string]int
	paid        *big.Int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{settlements: map[string]int{}, transfers: map[string]int{}, paid: new(big.Int)}
}

func (r *countingRecorder) ObserveSettlement(_, outcome string, _ time.Duration) {
	r.mu.Lock()
	r.settlements[outcome]++
	r.mu.Unlock()
}

func (r *countingRecorder) ObserveTransfer(outcome string) {
	r.mu.Lock()
	r.transfers[outcome]++
	r.mu.Unlock()
}

func (r *countingRecorder) AddPaid(amount *big.Int) {
	r.mu.Lock()
	r.paid.Add(r.paid, amount)
	r.mu.Unlock()
}

type fixture struct {
	store *storage.Store
	nodes map[common.Address]types.Node
	epoch types.Epoch
}

func floatPtr(v float64) *float64 { return &v }
func int64Ptr(v int64) *int64     { return &v }

// newFixture seeds two nodes with quality 80 and 60 and an elapsed epoch
// holding 100 MB and 50 MB of traffic respectively.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store, err := storage.Open(storage.DriverSQLite, fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	f := &fixture{store: store, nodes: map[common.Address]types.Node{}}
	for addr, latency := range map[common.Address]float64{nodeA: 0, nodeB: 500} {
		node := types.Node{
			Address: addr.Hex(),
			Status:  types.NodeStatusActive,
			Latency: floatPtr(latency),
			Loss:    floatPtr(0),
			Uptime:  int64Ptr(0),
		}
		require.NoError(t, store.CreateNode(ctx, &node))
		f.nodes[addr] = node
	}
	require.Equal(t, 80.0, eligibility.QualityScore(f.nodes[nodeA]))
	require.Equal(t, 60.0, eligibility.QualityScore(f.nodes[nodeB]))

	start := time.Now().Add(-10 * time.Minute)
	f.epoch = types.Epoch{EpochID: 1, StartTime: start, EndTime: start.Add(5 * time.Minute), Status: types.EpochPending}
	require.NoError(t, store.CreateEpoch(ctx, &f.epoch))
	f.addTraffic(t, nodeA, 100)
	f.addTraffic(t, nodeB, 50)
	return f
}

func (f *fixture) addTraffic(t *testing.T, addr common.Address, mb float64) types.TrafficRecord {
	t.Helper()
	rec := types.TrafficRecord{NodeID: f.nodes[addr].ID, EpochID: f.epoch.EpochID, TrafficMB: mb, Signature: "0x"}
	require.NoError(t, f.store.CreateTrafficRecord(context.Background(), &rec))
	return rec
}

func (f *fixture) evaluator() *eligibility.Evaluator {
	return eligibility.New(eligibility.DefaultConfig(), f.store, staticScorer(0.5))
}

func (f *fixture) commitOrchestrator(t *testing.T, chain *fakeChain, opts ...Option) *Orchestrator {
	t.Helper()
	strategy, err := NewCommit(f.store, chain, common.HexToAddress("0xc0"), nil, nil)
	require.NoError(t, err)
	o, err := New(f.store, f.evaluator(), rewards.NewCalculator(rewards.DefaultConfig()), strategy, opts...)
	require.NoError(t, err)
	return o
}

func TestCommitSettlementEndToEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	chain := &fakeChain{}
	rec := newCountingRecorder()
	o := f.commitOrchestrator(t, chain, WithRecorder(rec))

	summary, err := o.SettleEpoch(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, OutcomeCommitted, summary.Outcome)
	require.Equal(t, 2, summary.NodeCount)
	require.Equal(t, 150.0, summary.TotalTraffic)
	require.Equal(t, int64(55000), summary.TotalAmount.Int64())

	epoch, err := f.store.EpochByID(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, types.EpochCommitted, epoch.Status)
	require.NotNil(t, epoch.MerkleRoot)
	require.NotNil(t, epoch.CommitTxHash)
	root, err := merkle.ParseHash(*epoch.MerkleRoot)
	require.NoError(t, err)

	require.Len(t, chain.calls, 1)
	require.Equal(t, evm.CommitEpochCalldata(1, root), chain.calls[0])

	want := map[common.Address]int64{nodeA: 40000, nodeB: 15000}
	for addr, amount := range want {
		reward, err := f.store.RewardFor(ctx, f.nodes[addr].ID, 1)
		require.NoError(t, err)
		require.Equal(t, amount, reward.Amount)
		raw, err := reward.Proof()
		require.NoError(t, err)
		proof, err := merkle.ParseHexProof(raw)
		require.NoError(t, err)
		leaf, err := merkle.LeafHash(addr, big.NewInt(amount))
		require.NoError(t, err)
		require.True(t, merkle.Verify(proof, leaf, root), "proof for %s", addr.Hex())
	}

	records, err := f.store.TrafficForEpoch(ctx, 1)
	require.NoError(t, err)
	for _, r := range records {
		require.True(t, r.RewardEligible)
		require.Equal(t, eligibility.ReasonEpochEnded, r.EligibilityReason)
		require.Equal(t, string(types.SourceEpochEnd), r.RequestSource)
	}
	require.Equal(t, 1, rec.settlements[OutcomeCommitted])
}

func TestSettleCommittedEpochIsNoop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	chain := &fakeChain{}
	o := f.commitOrchestrator(t, chain)

	_, err := o.SettleEpoch(ctx, 1)
	require.NoError(t, err)
	summary, err := o.SettleEpoch(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, OutcomeSkipped, summary.Outcome)
	require.Len(t, chain.calls, 1)

	all, err := f.store.RewardsForEpoch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, all, 2)

	summary, err = o.SettleEpoch(ctx, 404)
	require.NoError(t, err)
	require.Equal(t, OutcomeSkipped, summary.Outcome)
}

func TestCommitFailureReturnsEpochToPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	chain := &fakeChain{outcomes: []evm.Outcome{evm.OutcomeUnknown, evm.OutcomeReverted}}
	o := f.commitOrchestrator(t, chain)

	_, err := o.SettleEpoch(ctx, 1)
	require.ErrorIs(t, err, settleerrors.ErrOutcomeUnknown)
	epoch, err := f.store.EpochByID(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, types.EpochPending, epoch.Status)
	require.NotNil(t, epoch.MerkleRoot)
	require.Equal(t, txHash(1).Hex(), *epoch.CommitTxHash)

	_, err = o.SettleEpoch(ctx, 1)
	require.ErrorIs(t, err, settleerrors.ErrOutcomeUnknown)
	require.Len(t, chain.calls, 1, "a pending commit is never resubmitted")

	chain.setReceipt(txHash(1), evm.OutcomeDropped)
	_, err = o.SettleEpoch(ctx, 1)
	require.ErrorIs(t, err, ErrCommitReverted)
	epoch, err = f.store.EpochByID(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, epoch.MerkleRoot, "root stays pinned after a rejected resubmission")

	summary, err := o.SettleEpoch(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, OutcomeCommitted, summary.Outcome)
	require.Len(t, chain.calls, 3)
	require.Equal(t, chain.calls[0], chain.calls[1])
	require.Equal(t, chain.calls[0], chain.calls[2], "retry resubmits the same root")

	all, err := f.store.RewardsForEpoch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, all, 2, "retries must not duplicate reward rows")
}

// requireProofsMatch checks every stored reward of epoch 1 against the
// committed root and returns the amounts by node.
func requireProofsMatch(t *testing.T, f *fixture) map[common.Address]int64 {
	t.Helper()
	ctx := context.Background()
	epoch, err := f.store.EpochByID(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, types.EpochCommitted, epoch.Status)
	root, err := merkle.ParseHash(*epoch.MerkleRoot)
	require.NoError(t, err)
	all, err := f.store.RewardsForEpoch(ctx, 1)
	require.NoError(t, err)
	amounts := map[common.Address]int64{}
	for _, reward := range all {
		addr := common.HexToAddress(reward.NodeAddress)
		raw, err := reward.Proof()
		require.NoError(t, err)
		proof, err := merkle.ParseHexProof(raw)
		require.NoError(t, err)
		leaf, err := merkle.LeafHash(addr, big.NewInt(reward.Amount))
		require.NoError(t, err)
		require.True(t, merkle.Verify(proof, leaf, root), "proof for %s", addr.Hex())
		amounts[addr] = reward.Amount
	}
	return amounts
}

func TestCommitRetryAdoptsLandedRoot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	chain := &fakeChain{outcomes: []evm.Outcome{evm.OutcomeUnknown}}
	o := f.commitOrchestrator(t, chain)

	_, err := o.SettleEpoch(ctx, 1)
	require.ErrorIs(t, err, settleerrors.ErrOutcomeUnknown)
	pinned, err := f.store.EpochByID(ctx, 1)
	require.NoError(t, err)

	// late traffic changes the tally, but the first root may already be on chain
	f.addTraffic(t, nodeA, 2)
	chain.setReceipt(txHash(1), evm.OutcomeConfirmed)
	summary, err := o.SettleEpoch(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, OutcomeCommitted, summary.Outcome)
	require.Equal(t, int64(55000), summary.TotalAmount.Int64())
	require.Len(t, chain.calls, 1)

	epoch, err := f.store.EpochByID(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, *pinned.MerkleRoot, *epoch.MerkleRoot)
	require.Equal(t, txHash(1).Hex(), *epoch.CommitTxHash)
	require.Equal(t, 2, epoch.NodeCount)
	require.Equal(t, map[common.Address]int64{nodeA: 40000, nodeB: 15000}, requireProofsMatch(t, f))
}

func TestRejectedCommitRebuildsPayoutSet(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	chain := &fakeChain{outcomes: []evm.Outcome{evm.OutcomeUnknown}}
	o := f.commitOrchestrator(t, chain)

	_, err := o.SettleEpoch(ctx, 1)
	require.ErrorIs(t, err, settleerrors.ErrOutcomeUnknown)

	f.addTraffic(t, nodeA, 2)
	chain.setReceipt(txHash(1), evm.OutcomeReverted)
	summary, err := o.SettleEpoch(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, OutcomeCommitted, summary.Outcome)
	require.Equal(t, 152.0, summary.TotalTraffic)
	require.Len(t, chain.calls, 2)
	require.NotEqual(t, chain.calls[0], chain.calls[1])

	require.Equal(t, map[common.Address]int64{nodeA: 40800, nodeB: 15000}, requireProofsMatch(t, f))
}

func TestCommitBroadcastFailureRecordsHash(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	chain := &fakeChain{broadcastErr: true}
	o := f.commitOrchestrator(t, chain)

	_, err := o.SettleEpoch(ctx, 1)
	require.ErrorIs(t, err, settleerrors.ErrOutcomeUnknown)
	require.ErrorIs(t, err, evm.ErrBroadcast)
	epoch, err := f.store.EpochByID(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, types.EpochPending, epoch.Status)
	require.Equal(t, txHash(1).Hex(), *epoch.CommitTxHash)

	chain.mu.Lock()
	chain.broadcastErr = false
	chain.mu.Unlock()
	chain.setReceipt(txHash(1), evm.OutcomeConfirmed)
	_, err = o.SettleEpoch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, chain.calls, 1, "the broadcast that reached the node is not repeated")
	requireProofsMatch(t, f)
}

func TestEmptyEpochCommitsWithZeroTotals(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	chain := &fakeChain{}
	strategy, err := NewCommit(f.store, chain, common.HexToAddress("0xc0"), nil, nil)
	require.NoError(t, err)
	// An unreachable scoring service leaves every sample unscored.
	evaluator := eligibility.New(eligibility.DefaultConfig(), f.store, nil)
	o, err := New(f.store, evaluator, rewards.NewCalculator(rewards.DefaultConfig()), strategy)
	require.NoError(t, err)

	summary, err := o.SettleEpoch(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, OutcomeEmpty, summary.Outcome)
	require.Empty(t, chain.calls)

	epoch, err := f.store.EpochByID(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, types.EpochCommitted, epoch.Status)
	require.Zero(t, epoch.TotalTraffic)
	require.Zero(t, epoch.NodeCount)
	require.Nil(t, epoch.MerkleRoot)

	records, err := f.store.TrafficForEpoch(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, eligibility.ReasonNotScored, records[0].EligibilityReason)
}

func TestBusyEpochIsLeftAlone(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.store.TransitionEpoch(ctx, 1, types.EpochPending, types.EpochProcessing))
	chain := &fakeChain{}
	o := f.commitOrchestrator(t, chain)

	summary, err := o.SettleEpoch(ctx, 1)
	require.ErrorIs(t, err, settleerrors.ErrEpochBusy)
	require.Equal(t, OutcomeBusy, summary.Outcome)
	require.Empty(t, chain.calls)
	epoch, err := f.store.EpochByID(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, types.EpochProcessing, epoch.Status)
}

func richWallet(transfer func(ctx context.Context, to common.Address, amount *big.Int) (wallet.TransferResult, error)) wallet.FuncWallet {
	balance, _ := new(big.Int).SetString("1000000000000000000000000000", 10)
	return wallet.FuncWallet{
		Config:       wallet.DefaultConfig(),
		BalanceFunc:  func(context.Context) (*big.Int, error) { return balance, nil },
		TransferFunc: transfer,
	}
}

func TestDirectSettlementLeavesFailedTransfersUnclaimed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	var mu sync.Mutex
	failB := true
	sent := map[common.Address]int{}
	w := richWallet(func(_ context.Context, to common.Address, amount *big.Int) (wallet.TransferResult, error) {
		mu.Lock()
		defer mu.Unlock()
		sent[to]++
		if to == nodeB && failB {
			return wallet.TransferResult{Error: "nonce too low"}, errors.New("nonce too low")
		}
		hash := common.BytesToHash(to.Bytes()).Hex()
		return wallet.TransferResult{Success: true, TxHash: hash, Amount: amount, Outcome: evm.OutcomeConfirmed}, nil
	})
	w.ConfirmFunc = func(context.Context, string) (evm.Outcome, error) { return evm.OutcomeConfirmed, nil }

	rec := newCountingRecorder()
	strategy, err := NewDirect(f.store, w, rec, nil)
	require.NoError(t, err)
	o, err := New(f.store, f.evaluator(), rewards.NewCalculator(rewards.DefaultConfig()), strategy,
		WithWallet(w), WithRecorder(rec))
	require.NoError(t, err)

	summary, err := o.SettleEpoch(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, OutcomeCommitted, summary.Outcome)
	require.Equal(t, 1, summary.Paid)
	require.Equal(t, 1, summary.Failed)

	rewardB, err := f.store.RewardFor(ctx, f.nodes[nodeB].ID, 1)
	require.NoError(t, err)
	require.False(t, rewardB.Claimed)
	proof, err := rewardB.Proof()
	require.NoError(t, err)
	require.Empty(t, proof)

	mu.Lock()
	failB = false
	mu.Unlock()
	retry, err := o.RetryUnclaimed(ctx)
	require.NoError(t, err)
	require.Equal(t, RetrySummary{Examined: 1, Paid: 1}, retry)

	retry, err = o.RetryUnclaimed(ctx)
	require.NoError(t, err)
	require.Zero(t, retry.Examined)
	require.Equal(t, 1, sent[nodeA], "node A must be paid exactly once")
	require.Equal(t, 2, sent[nodeB])
	require.Equal(t, int64(55000), rec.paid.Int64())
}

func TestRetryReconcilesStoredTransferHash(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	transfers := 0
	w := richWallet(func(_ context.Context, to common.Address, amount *big.Int) (wallet.TransferResult, error) {
		transfers++
		return wallet.TransferResult{TxHash: common.BytesToHash(to.Bytes()).Hex(), Outcome: evm.OutcomeUnknown}, settleerrors.ErrOutcomeUnknown
	})
	outcome := evm.OutcomeUnknown
	w.ConfirmFunc = func(context.Context, string) (evm.Outcome, error) { return outcome, nil }

	strategy, err := NewDirect(f.store, w, nil, nil)
	require.NoError(t, err)
	o, err := New(f.store, f.evaluator(), rewards.NewCalculator(rewards.DefaultConfig()), strategy, WithWallet(w))
	require.NoError(t, err)

	_, err = o.SettleEpoch(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 2, transfers)

	retry, err := o.RetryUnclaimed(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, retry.Pending)
	require.Equal(t, 2, transfers, "pending transfers are never resent")

	outcome = evm.OutcomeConfirmed
	retry, err = o.RetryUnclaimed(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, retry.Paid)
	require.Equal(t, 2, transfers)
}

func TestBroadcastFailureIsReconciledBeforeResend(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sent := map[common.Address]int{}
	broadcastFails := true
	var n int64
	w := richWallet(func(_ context.Context, to common.Address, amount *big.Int) (wallet.TransferResult, error) {
		sent[to]++
		n++
		hash := common.BigToHash(big.NewInt(n)).Hex()
		if broadcastFails {
			err := fmt.Errorf("%w: %w", settleerrors.ErrOutcomeUnknown, evm.ErrBroadcast)
			return wallet.TransferResult{TxHash: hash, Outcome: evm.OutcomeUnknown}, err
		}
		return wallet.TransferResult{Success: true, TxHash: hash, Amount: amount, Outcome: evm.OutcomeConfirmed}, nil
	})
	outcome := evm.OutcomeUnknown
	w.ConfirmFunc = func(context.Context, string) (evm.Outcome, error) { return outcome, nil }

	strategy, err := NewDirect(f.store, w, nil, nil)
	require.NoError(t, err)
	o, err := New(f.store, f.evaluator(), rewards.NewCalculator(rewards.DefaultConfig()), strategy, WithWallet(w))
	require.NoError(t, err)

	summary, err := o.SettleEpoch(ctx, 1)
	require.NoError(t, err)
	require.Zero(t, summary.Failed)
	rewardA, err := f.store.RewardFor(ctx, f.nodes[nodeA].ID, 1)
	require.NoError(t, err)
	require.NotNil(t, rewardA.TxHash)
	firstHash := *rewardA.TxHash

	retry, err := o.RetryUnclaimed(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, retry.Pending)
	require.Equal(t, 1, sent[nodeA])

	outcome, broadcastFails = evm.OutcomeDropped, false
	retry, err = o.RetryUnclaimed(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, retry.Paid)
	require.Equal(t, 2, sent[nodeA])
	require.Equal(t, 2, sent[nodeB])

	rewardA, err = f.store.RewardFor(ctx, f.nodes[nodeA].ID, 1)
	require.NoError(t, err)
	require.True(t, rewardA.Claimed)
	require.NotEqual(t, firstHash, *rewardA.TxHash)

	retry, err = o.RetryUnclaimed(ctx)
	require.NoError(t, err)
	require.Zero(t, retry.Examined)
}

func TestDirectInsufficientBalanceAborts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	w := wallet.FuncWallet{
		Config:      wallet.DefaultConfig(),
		BalanceFunc: func(context.Context) (*big.Int, error) { return big.NewInt(1), nil },
		TransferFunc: func(context.Context, common.Address, *big.Int) (wallet.TransferResult, error) {
			t.Fatalf("no transfer expected")
			return wallet.TransferResult{}, nil
		},
	}
	strategy, err := NewDirect(f.store, w, nil, nil)
	require.NoError(t, err)
	o, err := New(f.store, f.evaluator(), rewards.NewCalculator(rewards.DefaultConfig()), strategy)
	require.NoError(t, err)

	_, err = o.SettleEpoch(ctx, 1)
	require.True(t, settleerrors.IsInsufficientBalance(err))
	epoch, err := f.store.EpochByID(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, types.EpochPending, epoch.Status)
	all, err := f.store.RewardsForEpoch(ctx, 1)
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestSweepHonoursPause(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	later := types.Epoch{EpochID: 2, StartTime: f.epoch.EndTime, EndTime: f.epoch.EndTime.Add(time.Minute), Status: types.EpochPending}
	require.NoError(t, f.store.CreateEpoch(ctx, &later))
	open := types.Epoch{EpochID: 3, StartTime: time.Now(), EndTime: time.Now().Add(5 * time.Minute), Status: types.EpochPending}
	require.NoError(t, f.store.CreateEpoch(ctx, &open))

	chain := &fakeChain{}
	o := f.commitOrchestrator(t, chain)
	o.Pause()
	_, err := o.Sweep(ctx)
	require.ErrorIs(t, err, settleerrors.ErrPaused)
	require.True(t, o.Status().Paused)

	o.Resume()
	summary, err := o.Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, summary.Epochs, 2)
	require.Equal(t, uint64(1), summary.Epochs[0].EpochID)
	require.Equal(t, OutcomeCommitted, summary.Epochs[0].Outcome)
	require.Equal(t, OutcomeEmpty, summary.Epochs[1].Outcome)
	require.NotNil(t, o.Status().LastSweep)

	current, err := f.store.EpochByID(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, types.EpochPending, current.Status)
}

func TestEvaluateSessionAndExplain(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	conn := types.VpnConnection{ConnectionID: "sess-42", UserAddress: "0xuser", EntryNodeID: f.nodes[nodeA].ID, ExitNodeID: f.nodes[nodeA].ID}
	require.NoError(t, f.store.CreateConnection(ctx, &conn))
	rec := types.TrafficRecord{NodeID: f.nodes[nodeA].ID, VpnConnectionID: &conn.ID, EpochID: 1, TrafficMB: 20, Signature: "0x"}
	require.NoError(t, f.store.CreateTrafficRecord(ctx, &rec))

	o := f.commitOrchestrator(t, &fakeChain{})
	records, err := o.EvaluateSession(ctx, "sess-42")
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.True(t, records[0].RewardEligible)
	require.Equal(t, eligibility.ReasonSessionEnded, records[0].EligibilityReason)

	check, err := o.CheckEligibility(ctx, rec.ID, types.SourceNodeSelf)
	require.NoError(t, err)
	require.False(t, check.Result.Eligible)
	require.Equal(t, eligibility.ReasonSelfRequested, check.Result.Reason)
	require.True(t, check.PerformanceThresholdMet)
	require.True(t, check.Persisted)

	_, err = o.SettleEpoch(ctx, 1)
	require.NoError(t, err)
	b, err := o.Explain(ctx, f.nodes[nodeA], 1)
	require.NoError(t, err)
	require.Equal(t, 120.0, b.TotalTrafficMB)
	require.Equal(t, 120.0, b.EligibleTrafficMB)
	require.Equal(t, int64(48000), b.CalculatedAmount.Int64())
	require.True(t, b.Match())

	_, err = o.EvaluateSession(ctx, "missing")
	require.ErrorIs(t, err, settleerrors.ErrNotFound)
}

func TestEligibilityCheckLeavesCommittedEpochUntouched(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.commitOrchestrator(t, &fakeChain{})
	_, err := o.SettleEpoch(ctx, 1)
	require.NoError(t, err)

	records, err := f.store.TrafficForNodeEpoch(ctx, f.nodes[nodeA].ID, 1)
	require.NoError(t, err)
	require.Len(t, records, 1)

	check, err := o.CheckEligibility(ctx, records[0].ID, types.SourceNodeSelf)
	require.NoError(t, err)
	require.False(t, check.Persisted)
	require.False(t, check.Result.Eligible)
	require.Equal(t, eligibility.ReasonSelfRequested, check.Result.Reason)

	stored, err := f.store.TrafficRecordByID(ctx, records[0].ID)
	require.NoError(t, err)
	require.True(t, stored.RewardEligible)
	require.Equal(t, eligibility.ReasonEpochEnded, stored.EligibilityReason)
	require.Equal(t, string(types.SourceEpochEnd), stored.RequestSource)

	orphan := types.TrafficRecord{NodeID: f.nodes[nodeA].ID, EpochID: 99, TrafficMB: 5, Signature: "0x"}
	require.NoError(t, f.store.CreateTrafficRecord(ctx, &orphan))
	check, err = o.CheckEligibility(ctx, orphan.ID, types.SourceEpochEnd)
	require.NoError(t, err)
	require.False(t, check.Persisted)
	stored, err = f.store.TrafficRecordByID(ctx, orphan.ID)
	require.NoError(t, err)
	require.Empty(t, stored.RequestSource)
}

type capturingNotifier struct {
	epochs  []types.Epoch
	payouts [][]Payout
}

func (c *capturingNotifier) EpochCommitted(_ context.Context, epoch types.Epoch, payouts []Payout) {
	c.epochs = append(c.epochs, epoch)
	c.payouts = append(c.payouts, payouts)
}

func TestNotifiersSeeCommittedEpoch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	first, second := &capturingNotifier{}, &capturingNotifier{}
	o := f.commitOrchestrator(t, &fakeChain{}, WithNotifier(Notifiers{first, nil, second}))

	_, err := o.SettleEpoch(ctx, 1)
	require.NoError(t, err)
	for _, n := range []*capturingNotifier{first, second} {
		require.Len(t, n.epochs, 1)
		require.Equal(t, types.EpochCommitted, n.epochs[0].Status)
		require.NotNil(t, n.epochs[0].MerkleRoot)
		require.Equal(t, 2, n.epochs[0].NodeCount)
		require.Len(t, n.payouts[0], 2)
	}
}

type fakeMetricsClient struct {
	reported []aiscore.NodeMetrics
	failFor  string
}

func (c *fakeMetricsClient) ReportMetrics(_ context.Context, m aiscore.NodeMetrics) error {
	c.reported = append(c.reported, m)
	return nil
}

func (c *fakeMetricsClient) UpdateReputation(_ context.Context, m aiscore.NodeMetrics) (int, error) {
	if strings.EqualFold(m.Node, c.failFor) {
		return 0, errors.New("scoring unavailable")
	}
	return 77, nil
}

func TestScoringNotifierStoresReputation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	client := &fakeMetricsClient{failFor: f.nodes[nodeB].Address}
	o := f.commitOrchestrator(t, &fakeChain{}, WithNotifier(NewScoringNotifier(client, f.store, 0, nil)))

	_, err := o.SettleEpoch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, client.reported, 2)

	a, err := f.store.NodeByID(ctx, f.nodes[nodeA].ID)
	require.NoError(t, err)
	require.Equal(t, 77, a.Reputation(0))
	b, err := f.store.NodeByID(ctx, f.nodes[nodeB].ID)
	require.NoError(t, err)
	require.Nil(t, b.ReputationScore)
}
