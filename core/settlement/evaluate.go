package settlement

import (
	"context"
	"errors"
	"log/slog"
	"math/big"

	"devpn/core/eligibility"
	settleerrors "devpn/core/errors"
	"devpn/core/rewards"
	"devpn/core/traffic"
	"devpn/core/types"
)

// EvaluateSession re-evaluates every sample of a finished VPN session with
// the session_end source and returns the updated records.
func (o *Orchestrator) EvaluateSession(ctx context.Context, connectionID string) ([]types.TrafficRecord, error) {
	conn, err := o.store.ConnectionByID(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	records, err := o.store.TrafficForSession(ctx, conn.ID)
	if err != nil {
		return nil, err
	}
	nodes, err := o.store.NodesByID(ctx, nodeIDs(records))
	if err != nil {
		return nil, err
	}
	log := o.logger.With(slog.String("session", connectionID))
	out := make([]types.TrafficRecord, 0, len(records))
	for _, record := range records {
		node, ok := nodes[record.NodeID]
		if !ok {
			continue
		}
		decision := o.evaluator.Evaluate(ctx, node, record, types.SourceSessionEnd).Eligibility(types.SourceSessionEnd)
		if err := o.store.UpdateEligibility(ctx, record.ID, decision); err != nil {
			traffic.MarkPersistenceFailure(ctx, o.store, log, record.ID, err)
			decision = types.Eligibility{Reason: traffic.PersistenceReason(err)}
		}
		record.Apply(decision)
		out = append(out, record)
	}
	return out, nil
}

// Check is the outcome of re-evaluating a single sample on request.
type Check struct {
	Record                  types.TrafficRecord
	Node                    types.Node
	Result                  eligibility.Result
	Source                  types.RequestSource
	PerformanceThresholdMet bool
	GoodNode                bool
	// Persisted is false when the sample's epoch is no longer open and the
	// decision was only reported.
	Persisted bool
}

// CheckEligibility evaluates one sample for source and reports the supporting
// signals. The decision is persisted only while the sample's epoch is open so
// settled epochs keep the eligibility they were paid on. A persistence failure
// is recorded on the sample rather than returned.
func (o *Orchestrator) CheckEligibility(ctx context.Context, recordID uint, source types.RequestSource) (Check, error) {
	record, err := o.store.TrafficRecordByID(ctx, recordID)
	if err != nil {
		return Check{}, err
	}
	node, err := o.store.NodeByID(ctx, record.NodeID)
	if err != nil {
		return Check{}, err
	}
	epoch, err := o.store.EpochByID(ctx, record.EpochID)
	if err != nil && !errors.Is(err, settleerrors.ErrNotFound) {
		return Check{}, err
	}
	persist := err == nil && epoch.Open()

	result := o.evaluator.Evaluate(ctx, node, record, source)
	decision := result.Eligibility(source)
	if persist {
		if err := o.store.UpdateEligibility(ctx, record.ID, decision); err != nil {
			traffic.MarkPersistenceFailure(ctx, o.store, o.logger, record.ID, err)
			decision = types.Eligibility{Reason: traffic.PersistenceReason(err)}
			result.Eligible, result.Reason = false, decision.Reason
		}
	} else {
		o.logger.Debug("eligibility check on closed epoch not persisted",
			slog.Uint64("traffic_record_id", uint64(record.ID)),
			slog.Uint64("epoch_id", record.EpochID))
	}
	record.Apply(decision)
	return Check{
		Persisted:               persist,
		Record:                  record,
		Node:                    node,
		Result:                  result,
		Source:                  source,
		PerformanceThresholdMet: o.evaluator.PerformanceQualified(node),
		GoodNode:                o.evaluator.ConfirmedGood(ctx, node),
	}, nil
}

// Breakdown explains a node's reward in an epoch.
type Breakdown struct {
	EpochID           uint64
	Node              types.Node
	Records           []types.TrafficRecord
	TotalTrafficMB    float64
	EligibleTrafficMB float64
	EligibleRecords   int
	Quality           float64
	Reputation        int
	Formula           string
	CalculatedAmount  *big.Int
	EligibleAmount    *big.Int
	ActualAmount      *big.Int
}

// Match reports whether the amount computed over all traffic equals the
// stored reward.
func (b Breakdown) Match() bool {
	return b.CalculatedAmount.Cmp(b.ActualAmount) == 0
}

// Explain recomputes a node's reward for an epoch from stored samples
// without changing anything.
func (o *Orchestrator) Explain(ctx context.Context, node types.Node, epochID uint64) (Breakdown, error) {
	if _, err := o.store.EpochByID(ctx, epochID); err != nil {
		return Breakdown{}, err
	}
	records, err := o.store.TrafficForNodeEpoch(ctx, node.ID, epochID)
	if err != nil {
		return Breakdown{}, err
	}
	b := Breakdown{
		EpochID:    epochID,
		Node:       node,
		Records:    records,
		Quality:    eligibility.QualityScore(node),
		Reputation: o.calc.Reputation(node),
		Formula:    o.calc.Formula(),
	}
	for _, r := range records {
		b.TotalTrafficMB += r.TrafficMB
		if r.RewardEligible {
			b.EligibleTrafficMB += r.TrafficMB
			b.EligibleRecords++
		}
	}
	b.CalculatedAmount = rewards.Amount(b.TotalTrafficMB, b.Quality, b.Reputation, o.calc.Config().Scale)
	b.EligibleAmount = rewards.Amount(b.EligibleTrafficMB, b.Quality, b.Reputation, o.calc.Config().Scale)
	b.ActualAmount = new(big.Int)
	reward, err := o.store.RewardFor(ctx, node.ID, epochID)
	switch {
	case err == nil:
		b.ActualAmount.SetInt64(reward.Amount)
	case !errors.Is(err, settleerrors.ErrNotFound):
		return Breakdown{}, err
	}
	return b, nil
}
