package settled

import "devpn/observability"

// Metrics exposes Prometheus collectors for settled instrumentation.
type Metrics = observability.SettlementMetrics

// NewMetrics returns a lazily initialised metrics registry.
func NewMetrics() *Metrics { return observability.Settlement() }
