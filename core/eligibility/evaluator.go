package eligibility

import (
	"context"
	"log/slog"
	"time"

	"devpn/core/types"
)

// Decision reasons recorded on traffic records.
const (
	ReasonSelfRequested = "self-requested reward not permitted"
	ReasonAnomalous     = "anomalous traffic"
	ReasonNotScored     = "not yet scored"
	ReasonSessionEnded  = "session ended"
	ReasonEpochEnded    = "epoch ended"
	ReasonPerformance   = "performance threshold met"
	ReasonAIConfirmed   = "AI-confirmed good node"
	ReasonNoCondition   = "no qualifying condition"
)

// History returns the traffic of recent samples for a node, newest first,
// excluding the sample identified by excludeID.
type History interface {
	RecentTrafficMB(ctx context.Context, nodeID, excludeID uint, since time.Time, limit int) ([]float64, error)
}

// Scorer fetches the scoring-service verdict for a node address. An error
// means the node has not been scored.
type Scorer interface {
	Score(ctx context.Context, address string) (float64, error)
}

// Recorder receives one call per decision.
type Recorder interface {
	ObserveEligibility(reason string, eligible bool)
}

// Result is the outcome of evaluating one traffic sample. ScoreErr and
// HistoryErr surface degraded lookups that did not block the decision.
type Result struct {
	Eligible   bool
	Reason     string
	AIScored   bool
	AIScore    *float64
	HasAnomaly bool

	ScoreErr   error
	HistoryErr error
}

// Eligibility converts the result into the columns persisted on the record.
func (r Result) Eligibility(source types.RequestSource) types.Eligibility {
	return types.Eligibility{
		Eligible:      r.Eligible,
		Reason:        r.Reason,
		RequestSource: source,
		AIScored:      r.AIScored,
		AIScore:       r.AIScore,
		HasAnomaly:    r.HasAnomaly,
	}
}

// Evaluator decides whether a traffic sample counts toward rewards.
type Evaluator struct {
	cfg      Config
	history  History
	scorer   Scorer
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time
}

// Option customises the evaluator.
type Option func(*Evaluator)

// WithLogger overrides the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Evaluator) { e.logger = logger }
}

// WithClock sets the function used to derive the anomaly window.
func WithClock(clock func() time.Time) Option {
	return func(e *Evaluator) { e.now = clock }
}

// WithRecorder attaches a decision recorder.
func WithRecorder(r Recorder) Option {
	return func(e *Evaluator) { e.recorder = r }
}

// New constructs an evaluator.
func New(cfg Config, history History, scorer Scorer, opts ...Option) *Evaluator {
	e := &Evaluator{
		cfg:     cfg,
		history: history,
		scorer:  scorer,
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// Config returns the thresholds in use.
func (e *Evaluator) Config() Config { return e.cfg }

// Evaluate applies the decision rules in order; the first match wins.
func (e *Evaluator) Evaluate(ctx context.Context, node types.Node, record types.TrafficRecord, source types.RequestSource) Result {
	result := e.evaluate(ctx, node, record, source)
	if e.recorder != nil {
		e.recorder.ObserveEligibility(result.Reason, result.Eligible)
	}
	return result
}

func (e *Evaluator) evaluate(ctx context.Context, node types.Node, record types.TrafficRecord, source types.RequestSource) Result {
	if !source.SystemInitiated() {
		return Result{Reason: ReasonSelfRequested}
	}

	var result Result
	anomalous, err := e.Anomalous(ctx, record)
	if err != nil {
		result.HistoryErr = err
		e.logger.Warn("anomaly lookup failed; treating sample as normal",
			slog.Uint64("traffic_record", uint64(record.ID)),
			slog.String("node", node.Address),
			slog.Any("error", err))
	}
	if anomalous {
		result.HasAnomaly = true
		result.Reason = ReasonAnomalous
		return result
	}

	score, err := e.lookupScore(ctx, node.Address)
	if err != nil {
		result.ScoreErr = err
		result.Reason = ReasonNotScored
		return result
	}
	result.AIScored = true
	result.AIScore = &score

	switch {
	case source == types.SourceSessionEnd:
		result.Eligible, result.Reason = true, ReasonSessionEnded
	case source == types.SourceEpochEnd:
		result.Eligible, result.Reason = true, ReasonEpochEnded
	case QualityScore(node) >= e.cfg.QualityThreshold:
		result.Eligible, result.Reason = true, ReasonPerformance
	case score >= e.cfg.AIScoreThreshold:
		result.Eligible, result.Reason = true, ReasonAIConfirmed
	default:
		result.Reason = ReasonNoCondition
	}
	return result
}

// Anomalous reports whether record deviates from the node's recent history.
// A failed lookup returns false alongside the error.
func (e *Evaluator) Anomalous(ctx context.Context, record types.TrafficRecord) (bool, error) {
	if e.history == nil {
		return false, nil
	}
	since := e.now().Add(-e.cfg.AnomalyWindow)
	samples, err := e.history.RecentTrafficMB(ctx, record.NodeID, record.ID, since, e.cfg.HistoryLimit)
	if err != nil {
		return false, err
	}
	return IsAnomalous(record.TrafficMB, samples, e.cfg), nil
}

// PerformanceQualified reports whether the node clears the quality threshold.
func (e *Evaluator) PerformanceQualified(node types.Node) bool {
	return QualityScore(node) >= e.cfg.QualityThreshold
}

// ConfirmedGood reports whether the scoring service vouches for the node.
func (e *Evaluator) ConfirmedGood(ctx context.Context, node types.Node) bool {
	score, err := e.lookupScore(ctx, node.Address)
	return err == nil && score >= e.cfg.AIScoreThreshold
}

// Score exposes the underlying scoring lookup.
func (e *Evaluator) Score(ctx context.Context, node types.Node) (float64, error) {
	return e.lookupScore(ctx, node.Address)
}

func (e *Evaluator) lookupScore(ctx context.Context, address string) (float64, error) {
	if e.scorer == nil {
		return 0, errScorerUnavailable
	}
	return e.scorer.Score(ctx, address)
}
