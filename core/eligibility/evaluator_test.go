package eligibility

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"devpn/core/types"
)

type fakeHistory struct {
	samples []float64
	err     error
	calls   int
}

func (f *fakeHistory) RecentTrafficMB(_ context.Context, _, _ uint, _ time.Time, limit int) ([]float64, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if len(f.samples) > limit {
		return f.samples[:limit], nil
	}
	return f.samples, nil
}

type fakeScorer struct {
	score float64
	err   error
	calls atomic.Int32
}

func (f *fakeScorer) Score(context.Context, string) (float64, error) {
	f.calls.Add(1)
	return f.score, f.err
}

type countingRecorder struct {
	reasons []string
}

func (r *countingRecorder) ObserveEligibility(reason string, _ bool) {
	r.reasons = append(r.reasons, reason)
}

func floatPtr(v float64) *float64 { return &v }
func intPtr(v int64) *int64       { return &v }

func highQualityNode() types.Node {
	return types.Node{ID: 1, Address: "0xaaa", Latency: floatPtr(0), Loss: floatPtr(0), Uptime: intPtr(36000)}
}

func lowQualityNode() types.Node {
	return types.Node{ID: 2, Address: "0xbbb"}
}

func TestEvaluateDecisionTable(t *testing.T) {
	normal := &fakeHistory{samples: []float64{10, 9, 11}}
	spiky := &fakeHistory{samples: []float64{10, 9, 11}}
	record := types.TrafficRecord{ID: 7, NodeID: 1, TrafficMB: 10}
	spike := types.TrafficRecord{ID: 8, NodeID: 1, TrafficMB: 150}

	cases := []struct {
		name     string
		history  History
		scorer   Scorer
		node     types.Node
		record   types.TrafficRecord
		source   types.RequestSource
		eligible bool
		reason   string
	}{
		{"self requested", normal, &fakeScorer{score: 0.9}, highQualityNode(), record, types.SourceNodeSelf, false, ReasonSelfRequested},
		{"unknown source", normal, &fakeScorer{score: 0.9}, highQualityNode(), record, types.RequestSource("whatever"), false, ReasonSelfRequested},
		{"anomaly", spiky, &fakeScorer{score: 0.9}, highQualityNode(), spike, types.SourceEpochEnd, false, ReasonAnomalous},
		{"not scored", normal, &fakeScorer{err: errors.New("503")}, highQualityNode(), record, types.SourceEpochEnd, false, ReasonNotScored},
		{"session end", normal, &fakeScorer{score: 0.1}, lowQualityNode(), record, types.SourceSessionEnd, true, ReasonSessionEnded},
		{"epoch end", normal, &fakeScorer{score: 0.1}, lowQualityNode(), record, types.SourceEpochEnd, true, ReasonEpochEnded},
		{"performance", normal, &fakeScorer{score: 0.1}, highQualityNode(), record, types.SourcePerformanceThreshold, true, ReasonPerformance},
		{"ai confirmed", normal, &fakeScorer{score: 0.7}, lowQualityNode(), record, types.SourceAIConfirmed, true, ReasonAIConfirmed},
		{"nothing qualifies", normal, &fakeScorer{score: 0.69}, lowQualityNode(), record, types.SourcePerformanceThreshold, false, ReasonNoCondition},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			evaluator := New(DefaultConfig(), tc.history, tc.scorer)
			got := evaluator.Evaluate(context.Background(), tc.node, tc.record, tc.source)
			if got.Eligible != tc.eligible || got.Reason != tc.reason {
				t.Fatalf("got (%v, %q), want (%v, %q)", got.Eligible, got.Reason, tc.eligible, tc.reason)
			}
		})
	}
}

func TestSelfRequestSkipsLookups(t *testing.T) {
	history := &fakeHistory{samples: []float64{1, 2, 3}}
	scorer := &fakeScorer{score: 1}
	recorder := &countingRecorder{}
	evaluator := New(DefaultConfig(), history, scorer, WithRecorder(recorder))
	evaluator.Evaluate(context.Background(), highQualityNode(), types.TrafficRecord{}, types.SourceNodeSelf)
	if history.calls != 0 || scorer.calls.Load() != 0 {
		t.Fatalf("expected no lookups, got history=%d scorer=%d", history.calls, scorer.calls.Load())
	}
	if len(recorder.reasons) != 1 || recorder.reasons[0] != ReasonSelfRequested {
		t.Fatalf("unexpected recorded reasons %v", recorder.reasons)
	}
}

func TestHistoryErrorIsNotAnomaly(t *testing.T) {
	history := &fakeHistory{err: errors.New("connection reset")}
	evaluator := New(DefaultConfig(), history, &fakeScorer{score: 0.8})
	got := evaluator.Evaluate(context.Background(), lowQualityNode(), types.TrafficRecord{TrafficMB: 1e9}, types.SourceEpochEnd)
	if !got.Eligible || got.HasAnomaly {
		t.Fatalf("expected degraded datastore to pass, got %+v", got)
	}
	if got.HistoryErr == nil {
		t.Fatalf("expected history error to be surfaced")
	}
}

func TestScoredResultCarriesScore(t *testing.T) {
	evaluator := New(DefaultConfig(), &fakeHistory{}, &fakeScorer{score: 0.42})
	got := evaluator.Evaluate(context.Background(), lowQualityNode(), types.TrafficRecord{}, types.SourceSessionEnd)
	if !got.AIScored || got.AIScore == nil || *got.AIScore != 0.42 {
		t.Fatalf("expected ai score on result, got %+v", got)
	}
	persisted := got.Eligibility(types.SourceSessionEnd)
	if persisted.RequestSource != types.SourceSessionEnd || !persisted.Eligible {
		t.Fatalf("unexpected persisted eligibility %+v", persisted)
	}
}

func TestAnomalyWindowUsesClock(t *testing.T) {
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	var since time.Time
	history := historyFunc(func(_ context.Context, _, _ uint, s time.Time, _ int) ([]float64, error) {
		since = s
		return nil, nil
	})
	evaluator := New(DefaultConfig(), history, nil, WithClock(func() time.Time { return now }))
	if _, err := evaluator.Anomalous(context.Background(), types.TrafficRecord{}); err != nil {
		t.Fatalf("anomalous: %v", err)
	}
	if !since.Equal(now.Add(-time.Hour)) {
		t.Fatalf("unexpected window start %v", since)
	}
}

type historyFunc func(ctx context.Context, nodeID, excludeID uint, since time.Time, limit int) ([]float64, error)

func (f historyFunc) RecentTrafficMB(ctx context.Context, nodeID, excludeID uint, since time.Time, limit int) ([]float64, error) {
	return f(ctx, nodeID, excludeID, since, limit)
}
