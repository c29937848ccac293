package metrics

import "github.com/prometheus/client_golang/prometheus"

// EngineMetrics exposes counters/histograms for booking conversation flows.
type EngineMetrics struct {
	turnsTotal      *prometheus.CounterVec
	bookingsTotal   *prometheus.CounterVec
	tierTotal       *prometheus.CounterVec
	providerLatency *prometheus.HistogramVec
	extractionFails prometheus.Counter
}

func NewEngineMetrics(reg prometheus.Registerer) *EngineMetrics {
	m := &EngineMetrics{
		turnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "booking",
			Subsystem: "engine",
			Name:      "turns_total",
			Help:      "Total processed conversation turns",
		}, []string{"intent", "action"}),
		bookingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "booking",
			Subsystem: "engine",
			Name:      "bookings_total",
			Help:      "Total booking attempts by outcome",
		}, []string{"status"}),
		tierTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "booking",
			Subsystem: "availability",
			Name:      "tier_total",
			Help:      "Availability computations by serving tier",
		}, []string{"tier"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "booking",
			Subsystem: "provider",
			Name:      "request_latency_seconds",
			Help:      "Latency of scheduling provider calls",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		extractionFails: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "booking",
			Subsystem: "engine",
			Name:      "extraction_failures_total",
			Help:      "Turns where intent extraction returned malformed output",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.turnsTotal, m.bookingsTotal, m.tierTotal, m.providerLatency, m.extractionFails)
	return m
}

func (m *EngineMetrics) ObserveTurn(intent, action string) {
	if m == nil {
		return
	}
	m.turnsTotal.WithLabelValues(intent, action).Inc()
}

func (m *EngineMetrics) ObserveBooking(status string) {
	if m == nil {
		return
	}
	m.bookingsTotal.WithLabelValues(status).Inc()
}

func (m *EngineMetrics) ObserveTier(tier string) {
	if m == nil {
		return
	}
	m.tierTotal.WithLabelValues(tier).Inc()
}

func (m *EngineMetrics) ObserveProviderLatency(operation string, seconds float64) {
	if m == nil {
		return
	}
	m.providerLatency.WithLabelValues(operation).Observe(seconds)
}

func (m *EngineMetrics) ObserveExtractionFailure() {
	if m == nil {
		return
	}
	m.extractionFails.Inc()
}
