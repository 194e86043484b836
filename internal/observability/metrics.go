package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "location_resolver"

// Metrics holds the Prometheus counters, histograms, and gauges for the resolver.
type Metrics struct {
	ResolverRunning prometheus.Gauge
	RecordQuality   prometheus.Gauge

	// Resolution metrics.
	Detections      *prometheus.CounterVec // labels: outcome={resolved,cached,inflight,fallback}
	StrategyResults *prometheus.CounterVec // labels: strategy, outcome={found,empty,rejected}
	Subscribers     prometheus.Gauge

	// Upstream metrics.
	UpstreamRequests *prometheus.CounterVec   // labels: domain, outcome={success,error,client_error,circuit_open}
	UpstreamDuration *prometheus.HistogramVec // labels: domain
	ResponseCache    *prometheus.CounterVec   // labels: result={hit,miss}
	BreakerState     *prometheus.GaugeVec     // labels: domain; 0 closed, 1 half-open, 2 open
	QueueDepth       prometheus.Gauge

	// Location cache metrics.
	CacheEvictions *prometheus.CounterVec // labels: reason={expired,evicted}
}

// NewMetrics creates and registers all resolver metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics(true)

	prometheus.MustRegister(
		m.ResolverRunning,
		m.RecordQuality,
		m.Detections,
		m.StrategyResults,
		m.Subscribers,
		m.UpstreamRequests,
		m.UpstreamDuration,
		m.ResponseCache,
		m.BreakerState,
		m.QueueDepth,
		m.CacheEvictions,
	)

	return m
}

// NewMetricsForTesting creates unregistered Metrics to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics(false)
}

func newMetrics(withHelp bool) *Metrics {
	help := func(s string) string {
		if withHelp {
			return s
		}
		return ""
	}
	return &Metrics{
		ResolverRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "resolver_running",
			Help:      help("1 when the resolver is active, 0 when shut down."),
		}),
		RecordQuality: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "record_quality",
			Help:      help("Quality score (0-100) of the current location record."),
		}),
		Detections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detections_total",
			Help:      help("Location detections by outcome."),
		}, []string{"outcome"}),
		StrategyResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "strategy_results_total",
			Help:      help("Detection strategy results by strategy and outcome."),
		}, []string{"strategy", "outcome"}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscribers",
			Help:      help("Registered location update subscribers."),
		}),
		UpstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_requests_total",
			Help:      help("Upstream HTTP calls by domain and outcome."),
		}, []string{"domain", "outcome"}),
		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_duration_seconds",
			Help:      help("Upstream HTTP attempt duration in seconds."),
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"domain"}),
		ResponseCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "response_cache_total",
			Help:      help("Upstream response cache lookups by result."),
		}, []string{"result"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      help("Circuit breaker state per domain: 0 closed, 1 half-open, 2 open."),
		}, []string{"domain"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "batch_queue_depth",
			Help:      help("Requests waiting in the batch queue."),
		}),
		CacheEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_removals_total",
			Help:      help("Location cache entries removed by reason."),
		}, []string{"reason"}),
	}
}

// BreakerStateValue maps a breaker state name to its gauge value.
func BreakerStateValue(state string) float64 {
	switch state {
	case "half-open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}
