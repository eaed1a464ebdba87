package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "botpanel"

// Metrics contains all Prometheus metrics for the panel. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Ledger.
	LedgerActionsTotal *prometheus.CounterVec
	DeploymentsTotal   *prometheus.CounterVec

	// Upstream APIs.
	UpstreamRequestsTotal *prometheus.CounterVec
	UpstreamErrorsTotal   *prometheus.CounterVec

	// HTTP.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Build watcher.
	WatchedBuilds prometheus.Gauge
}

// New creates a Metrics instance on its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		LedgerActionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ledger_actions_total",
				Help:      "Ledger gate decisions by action and result",
			},
			[]string{"action", "result"},
		),
		DeploymentsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deployments_total",
				Help:      "Deployment status transitions",
			},
			[]string{"status"},
		),
		UpstreamRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_requests_total",
				Help:      "Total number of upstream API requests",
			},
			[]string{"target", "operation"},
		),
		UpstreamErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_errors_total",
				Help:      "Total number of failed upstream API requests",
			},
			[]string{"target", "operation"},
		),
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		WatchedBuilds: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "watched_builds",
				Help:      "Builds currently followed by the build watcher",
			},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) LedgerAction(action, result string) {
	if m == nil {
		return
	}
	m.LedgerActionsTotal.WithLabelValues(action, result).Inc()
}

func (m *Metrics) DeploymentStatus(status string) {
	if m == nil {
		return
	}
	m.DeploymentsTotal.WithLabelValues(status).Inc()
}

// UpstreamObserver returns a callback suitable for client Observer hooks.
func (m *Metrics) UpstreamObserver(target string) func(op string, err error) {
	return func(op string, err error) {
		if m == nil {
			return
		}
		m.UpstreamRequestsTotal.WithLabelValues(target, op).Inc()
		if err != nil {
			m.UpstreamErrorsTotal.WithLabelValues(target, op).Inc()
		}
	}
}

func (m *Metrics) HTTPRequest(method, route string, status int, took time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(took.Seconds())
}

func (m *Metrics) SetWatchedBuilds(n int) {
	if m == nil {
		return
	}
	m.WatchedBuilds.Set(float64(n))
}
