package observability

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds every Prometheus collector the daemon's own components
// (eventloop, workerpool) report into, all namespaced "pg_dbms_job".
type Metrics struct {
	ClaimedTotal      *prometheus.CounterVec
	WorkersInFlight   prometheus.Gauge
	ReloadsTotal      prometheus.Counter
	SessionReconnects prometheus.Counter
	TickDuration      prometheus.Histogram

	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequestsTotal   *prometheus.CounterVec
}

// NewMetrics builds and registers every collector against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ClaimedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pg_dbms_job",
			Name:      "claimed_total",
			Help:      "Total jobs claimed, by kind.",
		}, []string{"kind"}),
		WorkersInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pg_dbms_job",
			Name:      "workers_in_flight",
			Help:      "Number of workers currently executing a job.",
		}),
		ReloadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pg_dbms_job",
			Name:      "config_reloads_total",
			Help:      "Total SIGHUP-triggered config reloads processed.",
		}),
		SessionReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pg_dbms_job",
			Name:      "main_session_reconnects_total",
			Help:      "Total main-session (re)connect attempts that failed.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pg_dbms_job",
			Name:      "event_loop_tick_duration_seconds",
			Help:      "Duration of one event loop tick.",
			Buckets:   prometheus.DefBuckets,
		}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pg_dbms_job",
			Name:      "observability_http_request_duration_seconds",
			Help:      "Duration of requests served by the observability surface.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pg_dbms_job",
			Name:      "observability_http_requests_total",
			Help:      "Total requests served by the observability surface.",
		}, []string{"method", "path", "status"}),
	}

	reg.MustRegister(
		m.ClaimedTotal,
		m.WorkersInFlight,
		m.ReloadsTotal,
		m.SessionReconnects,
		m.TickDuration,
		m.HTTPRequestDuration,
		m.HTTPRequestsTotal,
	)
	return m
}
