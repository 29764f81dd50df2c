package eligibility

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"devpn/core/types"
)

func TestIsAnomalousZScore(t *testing.T) {
	cfg := DefaultConfig()
	if !IsAnomalous(150, []float64{10, 9, 11}, cfg) {
		t.Fatalf("expected 150MB against [10 9 11] to be anomalous")
	}
	if IsAnomalous(12, []float64{10, 9, 11}, cfg) {
		t.Fatalf("expected 12MB to be within bounds")
	}
}

func TestIsAnomalousFlatHistory(t *testing.T) {
	cfg := DefaultConfig()
	if IsAnomalous(5, []float64{10, 10, 10}, cfg) {
		t.Fatalf("expected a drop below the mean to pass")
	}
	if IsAnomalous(100, []float64{10, 10, 10}, cfg) {
		t.Fatalf("exactly 10x the mean is not a spike")
	}
	if !IsAnomalous(100.5, []float64{10, 10, 10}, cfg) {
		t.Fatalf("expected more than 10x the mean to flag")
	}
	if IsAnomalous(1000, []float64{0, 0, 0}, cfg) {
		t.Fatalf("zero mean never flags")
	}
}

func TestIsAnomalousInsufficientHistory(t *testing.T) {
	if IsAnomalous(1e6, []float64{1, 1}, DefaultConfig()) {
		t.Fatalf("two samples are not enough history")
	}
}

func TestSummarisePopulationStdDev(t *testing.T) {
	stats := Summarise([]float64{10, 9, 11})
	if stats.Mean != 10 {
		t.Fatalf("unexpected mean %v", stats.Mean)
	}
	if math.Abs(stats.StdDev-0.8165) > 0.0001 {
		t.Fatalf("unexpected stddev %v", stats.StdDev)
	}
	if got := Summarise(nil); got.Count != 0 || got.StdDev != 0 {
		t.Fatalf("expected empty stats, got %+v", got)
	}
}

func TestQualityScoreExample(t *testing.T) {
	node := types.Node{Latency: floatPtr(50), Loss: floatPtr(0.1), Uptime: intPtr(720)}
	if got := QualityScore(node); got != 38.4 {
		t.Fatalf("expected 38.4, got %v", got)
	}
}

func TestQualityScoreDefaults(t *testing.T) {
	if got := QualityScore(types.Node{}); got != 0 {
		t.Fatalf("expected zero for a node without metrics, got %v", got)
	}
	full := types.Node{Latency: floatPtr(0), Loss: floatPtr(0), Uptime: intPtr(360 * 500)}
	if got := QualityScore(full); got != 100 {
		t.Fatalf("expected 100, got %v", got)
	}
	mid := types.Node{Latency: floatPtr(500), Loss: floatPtr(0)}
	if got := QualityScore(mid); got != 60 {
		t.Fatalf("expected 60, got %v", got)
	}
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	cfg := DefaultConfig()
	cfg.MinHistory = 50
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected min history above limit to fail")
	}
	cfg = DefaultConfig()
	cfg.AIScoreThreshold = 1.5
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected ai threshold above 1 to fail")
	}
}

func TestCachedScorerCachesSuccessOnly(t *testing.T) {
	backend := &fakeScorer{score: 0.8}
	cache := NewCachedScorer(backend, time.Minute)
	for i := 0; i < 3; i++ {
		if _, err := cache.Score(context.Background(), "0xabc"); err != nil {
			t.Fatalf("score: %v", err)
		}
	}
	if backend.calls.Load() != 1 {
		t.Fatalf("expected a single backend call, got %d", backend.calls.Load())
	}

	failing := &fakeScorer{err: errors.New("down")}
	cache = NewCachedScorer(failing, time.Minute)
	_, _ = cache.Score(context.Background(), "0xabc")
	_, _ = cache.Score(context.Background(), "0xabc")
	if failing.calls.Load() != 2 {
		t.Fatalf("failures must not be cached, got %d calls", failing.calls.Load())
	}
}

func TestCachedScorerExpires(t *testing.T) {
	backend := &fakeScorer{score: 0.8}
	cache := NewCachedScorer(backend, time.Minute)
	now := time.Unix(1000, 0)
	cache.now = func() time.Time { return now }
	_, _ = cache.Score(context.Background(), "0xabc")
	now = now.Add(2 * time.Minute)
	_, _ = cache.Score(context.Background(), "0xabc")
	if backend.calls.Load() != 2 {
		t.Fatalf("expected expired entry to refetch, got %d calls", backend.calls.Load())
	}
}

func TestCachedScorerPrefetch(t *testing.T) {
	backend := &fakeScorer{score: 0.5}
	cache := NewCachedScorer(backend, time.Minute)
	addresses := []string{"0x1", "0x2", "0x3", "0x4", "0x5"}
	if err := cache.Prefetch(context.Background(), addresses, 2); err != nil {
		t.Fatalf("prefetch: %v", err)
	}
	if cache.Len() != len(addresses) {
		t.Fatalf("expected %d cached entries, got %d", len(addresses), cache.Len())
	}
	for _, addr := range addresses {
		_, _ = cache.Score(context.Background(), addr)
	}
	if got := backend.calls.Load(); got != int32(len(addresses)) {
		t.Fatalf("expected prefetched scores to be reused, got %d calls", got)
	}
	cache.Forget()
	if cache.Len() != 0 {
		t.Fatalf("expected cache to be empty after Forget")
	}
}
