package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for the offline layer.
type Metrics struct {
	QueuePending  prometheus.Gauge
	QueueEnqueued *prometheus.CounterVec // labels: entry_type

	SyncPasses       *prometheus.CounterVec // labels: outcome={completed,skipped}
	SyncPassDuration prometheus.Histogram
	SyncEntries      *prometheus.CounterVec // labels: result={succeeded,failed,dead_lettered}

	CacheLookups  *prometheus.CounterVec // labels: tier={critical,general}, result={hit,miss}
	CacheWarmed   prometheus.Gauge
	Intercepted   *prometheus.CounterVec // labels: route={critical,general,queueable,passthrough}, source={network,cache,queue,fallback,error}
	RemoteLatency *prometheus.HistogramVec // labels: op={read,submit,health}

	RelayDropped *prometheus.CounterVec // labels: sink
	Online       prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics(true)
	prometheus.MustRegister(m.collectors()...)
	return m
}

// NewMetricsForTesting creates Metrics that are not registered anywhere, so
// tests can build as many as they like.
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
	const ns = "fieldsync"

	return &Metrics{
		QueuePending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "queue_pending",
			Help: help("Entries waiting to be synchronized."),
		}),
		QueueEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "queue_enqueued_total",
			Help: help("Writes persisted to the queue after a network failure."),
		}, []string{"entry_type"}),
		SyncPasses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "sync_passes_total",
			Help: help("Drain passes by outcome; skipped passes found another pass in progress."),
		}, []string{"outcome"}),
		SyncPassDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Name: "sync_pass_duration_seconds",
			Help:    help("Duration of a completed drain pass."),
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
		}),
		SyncEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "sync_entries_total",
			Help: help("Queue entries processed by drain passes."),
		}, []string{"result"}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "cache_lookups_total",
			Help: help("Cache fallbacks after a failed read by tier and result."),
		}, []string{"tier", "result"}),
		CacheWarmed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "cache_critical_warmed",
			Help: help("Critical endpoints cached by the last warm run."),
		}),
		Intercepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "intercepted_requests_total",
			Help: help("Requests handled by the interceptor by route class and response source."),
		}, []string{"route", "source"}),
		RemoteLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Name: "remote_request_duration_seconds",
			Help:    help("Backend request duration."),
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"op"}),
		RelayDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "relay_dropped_total",
			Help: help("Status messages dropped because a subscriber was not keeping up."),
		}, []string{"sink"}),
		Online: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "online",
			Help: help("1 when the backend is reachable."),
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.QueuePending,
		m.QueueEnqueued,
		m.SyncPasses,
		m.SyncPassDuration,
		m.SyncEntries,
		m.CacheLookups,
		m.CacheWarmed,
		m.Intercepted,
		m.RemoteLatency,
		m.RelayDropped,
		m.Online,
	}
}
