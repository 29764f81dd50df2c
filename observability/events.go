package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type ingestMetrics struct {
	reports *prometheus.CounterVec
	traffic prometheus.Counter
}

var (
	ingestMetricsOnce sync.Once
	ingestRegistry    *ingestMetrics
)

// Ingest returns the metrics registry tracking node traffic reports.
func Ingest() *ingestMetrics {
	ingestMetricsOnce.Do(func() {
		ingestRegistry = &ingestMetrics{
			reports: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "traffic",
				Name:      "reports_total",
				Help:      "Traffic reports received segmented by result.",
			}, []string{"result"}),
			traffic: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "traffic",
				Name:      "accepted_megabytes_total",
				Help:      "Megabytes of traffic accepted from node reports.",
			}),
		}
		prometheus.MustRegister(ingestRegistry.reports, ingestRegistry.traffic)
	})
	return ingestRegistry
}

// RecordReport counts one report. Accepted reports add their volume.
func (m *ingestMetrics) RecordReport(result string, trafficMB float64) {
	if m == nil {
		return
	}
	normalized := strings.ToLower(strings.TrimSpace(result))
	if normalized == "" {
		normalized = "unknown"
	}
	m.reports.WithLabelValues(normalized).Inc()
	if normalized == "accepted" && trafficMB > 0 {
		m.traffic.Add(trafficMB)
	}
}
