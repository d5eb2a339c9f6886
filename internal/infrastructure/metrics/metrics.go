package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder owns the Prometheus registry and the stock metrics. A nil
// *Recorder is valid and records nothing.
type Recorder struct {
	registry *prometheus.Registry

	dispenseTotal   *prometheus.CounterVec
	restockedTotal  *prometheus.CounterVec
	stockLevel      *prometheus.GaugeVec
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// New creates a recorder with its own registry
func New() *Recorder {
	registry := prometheus.NewRegistry()

	r := &Recorder{
		registry: registry,
		dispenseTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stockd_dispense_total",
				Help: "Dispense requests by category and outcome",
			},
			[]string{"category", "outcome"},
		),
		restockedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stockd_restocked_records_total",
				Help: "Records appended by restocks",
			},
			[]string{"category"},
		),
		stockLevel: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "stockd_stock_level",
				Help: "Last cached count of available records",
			},
			[]string{"category"},
		),
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}

	registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		r.dispenseTotal,
		r.restockedTotal,
		r.stockLevel,
		r.requestsTotal,
		r.requestDuration,
	)

	return r
}

func (r *Recorder) RecordDispense(category, outcome string) {
	if r == nil {
		return
	}
	r.dispenseTotal.WithLabelValues(category, outcome).Inc()
}

func (r *Recorder) RecordRestock(category string, added int) {
	if r == nil {
		return
	}
	r.restockedTotal.WithLabelValues(category).Add(float64(added))
}

func (r *Recorder) SetStockLevel(category string, count int64) {
	if r == nil {
		return
	}
	r.stockLevel.WithLabelValues(category).Set(float64(count))
}

func (r *Recorder) ObserveRequest(method, path, status string, seconds float64) {
	if r == nil {
		return
	}
	r.requestsTotal.WithLabelValues(method, path, status).Inc()
	r.requestDuration.WithLabelValues(method, path).Observe(seconds)
}

// Handler serves the registry in the Prometheus text format
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}
