package queryrunner

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "grafana"
	metricsSubsystem = "query_runner"
)

type Metrics struct {
	requestsTotal         *prometheus.CounterVec
	snapshotsTotal        *prometheus.CounterVec
	cancelledTotal        *prometheus.CounterVec
	firstResponseDuration *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		requestsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "requests_total",
			Help:      "Number of requests run against data sources, by final state.",
		}, []string{"datasource_type", "state"}),
		snapshotsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "snapshots_total",
			Help:      "Number of panel data snapshots emitted, by state.",
		}, []string{"state"}),
		cancelledTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "cancelled_total",
			Help:      "Number of requests cancelled before completion.",
		}, []string{"datasource_type"}),
		firstResponseDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "first_response_duration_seconds",
			Help:      "Time from dispatch until the first response of a request.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 7),
		}, []string{"datasource_type"}),
	}
}
