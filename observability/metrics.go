package observability

import (
	"math"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "devpn"

type apiMetrics struct {
	requests *prometheus.CounterVec
	errors   *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

var (
	apiMetricsOnce sync.Once
	apiRegistry    *apiMetrics

	settlementMetricsOnce sync.Once
	settlementRegistry    *SettlementMetrics
)

// API returns the lazily-initialised registry recording HTTP API activity.
func API() *apiMetrics {
	apiMetricsOnce.Do(func() {
		apiRegistry = &apiMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total HTTP API requests segmented by route, method and outcome.",
			}, []string{"route", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "errors_total",
				Help:      "Total HTTP API errors segmented by route, method and status code.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for HTTP API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
		}
		prometheus.MustRegister(
			apiRegistry.requests,
			apiRegistry.errors,
			apiRegistry.latency,
		)
	})
	return apiRegistry
}

// Observe records the outcome of a request. The status code should be the
// HTTP status that was ultimately written to the response writer.
func (m *apiMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
		m.errors.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	}
	m.requests.WithLabelValues(route, method, outcome).Inc()
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// SettlementMetrics wraps collectors tracking settlement engine health.
type SettlementMetrics struct {
	settlements   *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	eligibility   *prometheus.CounterVec
	transfers     *prometheus.CounterVec
	chainErrors   *prometheus.CounterVec
	paid          prometheus.Counter
	pauseEngaged  prometheus.Gauge
	currentEpoch  prometheus.Gauge
	epochRollover *prometheus.CounterVec
}

// Settlement exposes the metrics registry for the settlement engine.
func Settlement() *SettlementMetrics {
	settlementMetricsOnce.Do(func() {
		settlementRegistry = &SettlementMetrics{
			settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "settlement",
				Name:      "epochs_total",
				Help:      "Settlement attempts segmented by strategy and outcome.",
			}, []string{"strategy", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "settlement",
				Name:      "duration_seconds",
				Help:      "Wall time spent settling one epoch.",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
			}, []string{"strategy"}),
			eligibility: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "eligibility",
				Name:      "decisions_total",
				Help:      "Eligibility decisions segmented by reason and verdict.",
			}, []string{"reason", "eligible"}),
			transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "settlement",
				Name:      "transfers_total",
				Help:      "Direct reward transfers segmented by outcome.",
			}, []string{"outcome"}),
			chainErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "chain",
				Name:      "rpc_errors_total",
				Help:      "Failed JSON-RPC calls segmented by method.",
			}, []string{"method"}),
			paid: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "settlement",
				Name:      "paid_amount_total",
				Help:      "Reward amount transferred directly to nodes, in reward units.",
			}),
			pauseEngaged: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "settlement",
				Name:      "pause_engaged",
				Help:      "Indicates whether scheduled settlement is paused (1) or not (0).",
			}),
			currentEpoch: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "epoch",
				Name:      "current",
				Help:      "Identifier of the open epoch.",
			}),
			epochRollover: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "epoch",
				Name:      "rollovers_total",
				Help:      "Epoch rollover ticks segmented by result.",
			}, []string{"result"}),
		}
		prometheus.MustRegister(
			settlementRegistry.settlements,
			settlementRegistry.latency,
			settlementRegistry.eligibility,
			settlementRegistry.transfers,
			settlementRegistry.chainErrors,
			settlementRegistry.paid,
			settlementRegistry.pauseEngaged,
			settlementRegistry.currentEpoch,
			settlementRegistry.epochRollover,
		)
	})
	return settlementRegistry
}

// ObserveSettlement records one SettleEpoch call.
func (m *SettlementMetrics) ObserveSettlement(strategy, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	strategy = label(strategy)
	m.settlements.WithLabelValues(strategy, label(outcome)).Inc()
	m.latency.WithLabelValues(strategy).Observe(elapsed.Seconds())
}

// ObserveTransfer counts a direct transfer attempt.
func (m *SettlementMetrics) ObserveTransfer(outcome string) {
	if m == nil {
		return
	}
	m.transfers.WithLabelValues(label(outcome)).Inc()
}

// AddPaid adds a confirmed transfer amount.
func (m *SettlementMetrics) AddPaid(amount *big.Int) {
	if m == nil || amount == nil || amount.Sign() <= 0 {
		return
	}
	m.paid.Add(bigToFloat(amount))
}

// ObserveEligibility counts one eligibility decision.
func (m *SettlementMetrics) ObserveEligibility(reason string, eligible bool) {
	if m == nil {
		return
	}
	m.eligibility.WithLabelValues(label(reason), strconv.FormatBool(eligible)).Inc()
}

// ObserveChainCall counts failed JSON-RPC calls. It matches the chain client
// observer signature.
func (m *SettlementMetrics) ObserveChainCall(method string, err error) {
	if m == nil || err == nil {
		return
	}
	m.chainErrors.WithLabelValues(label(method)).Inc()
}

// SetPause toggles the pause_engaged gauge.
func (m *SettlementMetrics) SetPause(engaged bool) {
	if m == nil {
		return
	}
	if engaged {
		m.pauseEngaged.Set(1)
		return
	}
	m.pauseEngaged.Set(0)
}

// RecordRollover tracks a rollover tick and the epoch left open by it.
func (m *SettlementMetrics) RecordRollover(current uint64, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.epochRollover.WithLabelValues("error").Inc()
		return
	}
	m.epochRollover.WithLabelValues("ok").Inc()
	m.currentEpoch.Set(float64(current))
}

func label(v string) string {
	trimmed := strings.TrimSpace(v)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		// Guard against NaN/Inf when conversion fails.
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
