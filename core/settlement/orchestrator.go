// Package settlement closes epochs: it re-evaluates every traffic sample of
// an elapsed epoch, aggregates eligible traffic per node, prices it, and hands
// the resulting payout set to a Commit or Direct strategy. Each epoch is
// claimed with a status compare-and-swap so overlapping runs never settle the
// same epoch twice.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"devpn/core/eligibility"
	settleerrors "devpn/core/errors"
	"devpn/core/rewards"
	"devpn/core/traffic"
	"devpn/core/types"
)

const tracerName = "devpn/core/settlement"

// Outcomes reported in summaries and metrics.
const (
	OutcomeCommitted = "committed"
	OutcomeEmpty     = "empty"
	OutcomeSkipped   = "skipped"
	OutcomeBusy      = "busy"
	OutcomeFailed    = "failed"
)

// Config tunes the orchestrator.
type Config struct {
	PrefetchWorkers int
	RetryBatch      int
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{PrefetchWorkers: 8, RetryBatch: 100}
}

// Summary describes the settlement of one epoch.
type Summary struct {
	EpochID      uint64   `json:"epoch_id"`
	Outcome      string   `json:"outcome"`
	Strategy     string   `json:"strategy,omitempty"`
	NodeCount    int      `json:"node_count"`
	TotalTraffic float64  `json:"total_traffic"`
	TotalAmount  *big.Int `json:"total_amount,omitempty"`
	MerkleRoot   string   `json:"merkle_root,omitempty"`
	TxHash       string   `json:"tx_hash,omitempty"`
	Paid         int      `json:"paid,omitempty"`
	Failed       int      `json:"failed,omitempty"`
}

// SweepSummary aggregates one sweep.
type SweepSummary struct {
	StartedAt time.Time    `json:"started_at"`
	Epochs    []Summary    `json:"epochs"`
	Errors    []string     `json:"errors,omitempty"`
	Retry     RetrySummary `json:"retry"`
}

// Status captures the operator-visible state.
type Status struct {
	Paused    bool          `json:"paused"`
	Strategy  string        `json:"strategy"`
	LastSweep *SweepSummary `json:"last_sweep,omitempty"`
}

// Orchestrator settles epochs.
type Orchestrator struct {
	cfg        Config
	store      Store
	evaluator  Evaluator
	calc       rewards.Calculator
	strategy   Strategy
	wallet     Wallet
	prefetcher Prefetcher
	notifier   Notifier
	recorder   Recorder
	logger     *slog.Logger
	now        func() time.Time
	tracer     trace.Tracer

	mu        sync.Mutex
	paused    bool
	lastSweep *SweepSummary
}

// Option customises the orchestrator.
type Option func(*Orchestrator)

// WithConfig overrides the tuning.
func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) { o.cfg = cfg }
}

// WithLogger overrides the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) { o.now = clock }
}

// WithRecorder attaches settlement telemetry.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithNotifier attaches a post-commit notifier.
func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithPrefetcher warms node scores before each run.
func WithPrefetcher(p Prefetcher) Option {
	return func(o *Orchestrator) { o.prefetcher = p }
}

// WithWallet supplies the payer used by the unclaimed retry pass.
func WithWallet(w Wallet) Option {
	return func(o *Orchestrator) { o.wallet = w }
}

// New constructs an orchestrator around a strategy.
func New(store Store, evaluator Evaluator, calc rewards.Calculator, strategy Strategy, opts ...Option) (*Orchestrator, error) {
	if store == nil {
		return nil, errors.New("settlement: store required")
	}
	if evaluator == nil {
		return nil, errors.New("settlement: evaluator required")
	}
	if strategy == nil {
		return nil, errors.New("settlement: strategy required")
	}
	o := &Orchestrator{
		cfg:       DefaultConfig(),
		store:     store,
		evaluator: evaluator,
		calc:      calc,
		strategy:  strategy,
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.recorder == nil {
		o.recorder = nopRecorder{}
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.cfg.PrefetchWorkers <= 0 {
		o.cfg.PrefetchWorkers = DefaultConfig().PrefetchWorkers
	}
	o.tracer = otel.Tracer(tracerName)
	return o, nil
}

// Strategy returns the configured strategy name.
func (o *Orchestrator) Strategy() string { return o.strategy.Name() }

// Pause stops scheduled sweeps. Explicit SettleEpoch calls still run.
func (o *Orchestrator) Pause() {
	o.mu.Lock()
	o.paused = true
	o.mu.Unlock()
}

// Resume re-enables sweeps.
func (o *Orchestrator) Resume() {
	o.mu.Lock()
	o.paused = false
	o.mu.Unlock()
}

// Paused reports whether sweeps are paused.
func (o *Orchestrator) Paused() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.paused
}

// Status returns the operator-visible state.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := Status{Paused: o.paused, Strategy: o.strategy.Name()}
	if o.lastSweep != nil {
		copySweep := *o.lastSweep
		st.LastSweep = &copySweep
	}
	return st
}

// Sweep settles every pending epoch whose window has elapsed, oldest first,
// then runs the unclaimed retry pass. A failing epoch does not stop the sweep.
func (o *Orchestrator) Sweep(ctx context.Context) (SweepSummary, error) {
	if o.Paused() {
		return SweepSummary{}, settleerrors.ErrPaused
	}
	summary := SweepSummary{StartedAt: o.now()}
	epochs, err := o.store.PendingExpiredEpochs(ctx, summary.StartedAt)
	if err != nil {
		return summary, err
	}
	var errs []error
	for _, epoch := range epochs {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		res, err := o.SettleEpoch(ctx, epoch.EpochID)
		summary.Epochs = append(summary.Epochs, res)
		if err != nil && !errors.Is(err, settleerrors.ErrEpochBusy) {
			errs = append(errs, fmt.Errorf("epoch %d: %w", epoch.EpochID, err))
		}
	}
	retry, err := o.RetryUnclaimed(ctx)
	summary.Retry = retry
	if err != nil {
		errs = append(errs, fmt.Errorf("retry unclaimed: %w", err))
	}
	for _, e := range errs {
		summary.Errors = append(summary.Errors, e.Error())
	}
	o.mu.Lock()
	o.lastSweep = &summary
	o.mu.Unlock()
	return summary, errors.Join(errs...)
}

// SettleEpoch settles one epoch. Settling a missing or committed epoch is a
// no-op. ErrEpochBusy means another run holds the epoch.
func (o *Orchestrator) SettleEpoch(ctx context.Context, epochID uint64) (summary Summary, err error) {
	ctx, span := o.tracer.Start(ctx, "settlement.SettleEpoch",
		trace.WithAttributes(
			attribute.Int64("epoch_id", int64(epochID)),
			attribute.String("strategy", o.strategy.Name())))
	started := o.now()
	summary = Summary{EpochID: epochID, Strategy: o.strategy.Name()}
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.String("outcome", summary.Outcome))
		span.End()
		o.recorder.ObserveSettlement(o.strategy.Name(), summary.Outcome, o.now().Sub(started))
	}()

	epoch, err := o.store.EpochByID(ctx, epochID)
	if errors.Is(err, settleerrors.ErrNotFound) {
		summary.Outcome = OutcomeSkipped
		return summary, nil
	}
	if err != nil {
		summary.Outcome = OutcomeFailed
		return summary, err
	}
	if epoch.Committed() {
		summary.Outcome = OutcomeSkipped
		return summary, nil
	}
	if err := o.store.TransitionEpoch(ctx, epochID, types.EpochPending, types.EpochProcessing); err != nil {
		if errors.Is(err, settleerrors.ErrEpochBusy) {
			summary.Outcome = OutcomeBusy
		} else {
			summary.Outcome = OutcomeFailed
		}
		return summary, err
	}
	epoch.Status = types.EpochProcessing

	log := o.logger.With(slog.Uint64("epoch_id", epochID), slog.String("strategy", o.strategy.Name()))
	log.Info("settling epoch")
	summary, err = o.settle(ctx, epoch, log)
	if err != nil {
		summary.Outcome = OutcomeFailed
		if rerr := o.store.TransitionEpoch(context.WithoutCancel(ctx), epochID, types.EpochProcessing, types.EpochPending); rerr != nil {
			log.Error("revert epoch to pending failed", slog.Any("error", rerr))
		}
		log.Error("settlement failed; epoch returned to pending", slog.Any("error", err))
		return summary, err
	}
	log.Info("epoch settled",
		slog.String("outcome", summary.Outcome),
		slog.Int("node_count", summary.NodeCount),
		slog.Float64("total_traffic", summary.TotalTraffic),
		slog.Duration("elapsed", o.now().Sub(started)))
	return summary, nil
}

func (o *Orchestrator) settle(ctx context.Context, epoch types.Epoch, log *slog.Logger) (Summary, error) {
	summary := Summary{EpochID: epoch.EpochID, Strategy: o.strategy.Name()}
	totals, err := o.tally(ctx, epoch, log)
	if err != nil {
		return summary, err
	}
	summary.TotalTraffic = rewards.SumTraffic(totals)

	plan := Plan{Epoch: epoch}
	for _, total := range totals {
		if total.Amount.Sign() <= 0 {
			log.Info("node earned nothing after rounding",
				slog.Uint64("node_id", uint64(total.Node.ID)),
				slog.Float64("traffic_mb", total.TrafficMB))
			continue
		}
		plan.Payouts = append(plan.Payouts, Payout{
			NodeID:     total.Node.ID,
			Address:    common.HexToAddress(total.Node.Address),
			Amount:     total.Amount,
			TrafficMB:  total.TrafficMB,
			Quality:    total.Quality,
			Reputation: total.Reputation,
		})
	}
	summary.TotalAmount = plan.Total()

	if len(plan.Payouts) == 0 && epoch.MerkleRoot == nil {
		commit := types.EpochCommit{TotalTraffic: summary.TotalTraffic}
		if err := o.store.CommitEpoch(ctx, epoch.EpochID, commit); err != nil {
			return summary, err
		}
		summary.Outcome = OutcomeEmpty
		return summary, nil
	}

	res, err := o.strategy.Execute(ctx, plan)
	if err != nil {
		return summary, err
	}
	payouts := plan.Payouts
	if res.Payouts != nil {
		payouts = res.Payouts
	}
	summary.TotalAmount = sumPayouts(payouts)
	commit := types.EpochCommit{TotalTraffic: summary.TotalTraffic, NodeCount: len(payouts)}
	if res.MerkleRoot != nil {
		root := res.MerkleRoot.Hex()
		commit.MerkleRoot = &root
		summary.MerkleRoot = root
	}
	if res.TxHash != nil {
		hash := res.TxHash.Hex()
		commit.CommitTxHash = &hash
		summary.TxHash = hash
	}
	if err := o.store.CommitEpoch(ctx, epoch.EpochID, commit); err != nil {
		return summary, err
	}
	summary.Outcome = OutcomeCommitted
	summary.NodeCount = commit.NodeCount
	summary.Paid, summary.Failed = res.Paid, res.Failed

	if o.notifier != nil {
		epoch.Status = types.EpochCommitted
		epoch.MerkleRoot, epoch.CommitTxHash = commit.MerkleRoot, commit.CommitTxHash
		epoch.TotalTraffic, epoch.NodeCount = commit.TotalTraffic, commit.NodeCount
		o.notifier.EpochCommitted(ctx, epoch, payouts)
	}
	return summary, nil
}

// tally re-evaluates every sample of the epoch with the epoch_end source,
// persists each decision and aggregates eligible traffic per node.
func (o *Orchestrator) tally(ctx context.Context, epoch types.Epoch, log *slog.Logger) ([]rewards.NodeTotal, error) {
	records, err := o.store.TrafficForEpoch(ctx, epoch.EpochID)
	if err != nil {
		return nil, err
	}
	nodes, err := o.store.NodesByID(ctx, nodeIDs(records))
	if err != nil {
		return nil, err
	}
	if o.prefetcher != nil && len(nodes) > 0 {
		addresses := make([]string, 0, len(nodes))
		for _, node := range nodes {
			addresses = append(addresses, node.Address)
		}
		sort.Strings(addresses)
		if err := o.prefetcher.Prefetch(ctx, addresses, o.cfg.PrefetchWorkers); err != nil {
			return nil, err
		}
	}

	tally := rewards.NewTally()
	for _, record := range records {
		node, ok := nodes[record.NodeID]
		if !ok {
			log.Warn("traffic record references unknown node", slog.Uint64("traffic_record", uint64(record.ID)))
			continue
		}
		decision := o.evaluator.Evaluate(ctx, node, record, types.SourceEpochEnd).Eligibility(types.SourceEpochEnd)
		if err := o.store.UpdateEligibility(ctx, record.ID, decision); err != nil {
			log.Error("persist eligibility failed", slog.Uint64("traffic_record", uint64(record.ID)), slog.Any("error", err))
			traffic.MarkPersistenceFailure(ctx, o.store, log, record.ID, err)
			decision.Eligible = false
		}
		tally.Add(node, record.TrafficMB, decision.Eligible)
	}
	return tally.Totals(o.calc, eligibility.QualityScore), nil
}

func nodeIDs(records []types.TrafficRecord) []uint {
	seen := make(map[uint]struct{}, len(records))
	ids := make([]uint, 0, len(records))
	for _, r := range records {
		if _, ok := seen[r.NodeID]; ok {
			continue
		}
		seen[r.NodeID] = struct{}{}
		ids = append(ids, r.NodeID)
	}
	return ids
}

func (o *Orchestrator) payer() payer {
	return payer{store: o.store, wallet: o.wallet, recorder: o.recorder, logger: o.logger, now: o.now}
}
