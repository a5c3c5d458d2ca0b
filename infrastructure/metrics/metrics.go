// Package metrics provides Prometheus metrics collection for the control plane.
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors exposed on /metrics of both the
// device and operator surfaces.
type Metrics struct {
	// HTTP metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// Bucket store metrics
	BucketWritesTotal   *prometheus.CounterVec
	StoreQueryDuration   *prometheus.HistogramVec

	// Fan-out metrics
	SubscribeWaitDuration *prometheus.HistogramVec
	ActiveWaiters         prometheus.Gauge

	// Availability metrics
	DevicesOnline prometheus.Gauge

	// Service health
	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec
}

// New creates a new Metrics instance with all collectors registered.
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance with a custom registry.
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"service", "method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"service", "method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Current number of HTTP requests being processed",
			},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "errors_total",
				Help: "Total number of errors",
			},
			[]string{"service", "type", "operation"},
		),
		BucketWritesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bucket_writes_total",
				Help: "Total number of bucket upserts, by outcome",
			},
			[]string{"outcome"}, // "changed" | "idempotent"
		),
		StoreQueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "store_query_duration_seconds",
				Help:    "Persistent store query duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"operation"},
		),
		SubscribeWaitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "subscribe_wait_duration_seconds",
				Help:    "Time a subscribe waiter spent blocked before wake or timeout",
				Buckets: []float64{.05, .1, .5, 1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"outcome"}, // "woken" | "timeout" | "cancelled"
		),
		ActiveWaiters: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "fanout_active_waiters",
				Help: "Current number of registered fan-out waiters across all devices",
			},
		),
		DevicesOnline: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "devices_online",
				Help: "Current number of devices considered available",
			},
		),
		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "service_uptime_seconds",
				Help: "Service uptime in seconds",
			},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "service_info",
				Help: "Service information",
			},
			[]string{"service", "version"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.RequestsTotal,
			m.RequestDuration,
			m.RequestsInFlight,
			m.ErrorsTotal,
			m.BucketWritesTotal,
			m.StoreQueryDuration,
			m.SubscribeWaitDuration,
			m.ActiveWaiters,
			m.DevicesOnline,
			m.ServiceUptime,
			m.ServiceInfo,
		)
	}

	m.ServiceInfo.WithLabelValues(serviceName, "1.0.0").Set(1)

	return m
}

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(service, method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(service, method, path, status).Inc()
	m.RequestDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

// RecordError records an error.
func (m *Metrics) RecordError(service, errorType, operation string) {
	m.ErrorsTotal.WithLabelValues(service, errorType, operation).Inc()
}

// RecordBucketWrite records the outcome of a single bucket upsert.
func (m *Metrics) RecordBucketWrite(changed bool) {
	outcome := "idempotent"
	if changed {
		outcome = "changed"
	}
	m.BucketWritesTotal.WithLabelValues(outcome).Inc()
}

// RecordStoreQuery records a persistent-store operation's duration.
func (m *Metrics) RecordStoreQuery(operation string, duration time.Duration) {
	m.StoreQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordSubscribeWait records how long a subscribe waiter was blocked.
func (m *Metrics) RecordSubscribeWait(outcome string, duration time.Duration) {
	m.SubscribeWaitDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// SetActiveWaiters sets the current fan-out waiter gauge.
func (m *Metrics) SetActiveWaiters(n int) {
	m.ActiveWaiters.Set(float64(n))
}

// SetDevicesOnline sets the current availability gauge.
func (m *Metrics) SetDevicesOnline(n int) {
	m.DevicesOnline.Set(float64(n))
}

// UpdateUptime updates the service uptime gauge.
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.ServiceUptime.Set(time.Since(startTime).Seconds())
}

// IncrementInFlight increments the in-flight requests counter.
func (m *Metrics) IncrementInFlight() {
	m.RequestsInFlight.Inc()
}

// DecrementInFlight decrements the in-flight requests counter.
func (m *Metrics) DecrementInFlight() {
	m.RequestsInFlight.Dec()
}

// Enabled returns whether Prometheus metrics should be exposed, controlled by
// the METRICS_ENABLED environment variable (default: enabled).
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return true
	}
	switch raw {
	case "0", "false", "no", "off":
		return false
	default:
		return true
	}
}

var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance.
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the global metrics instance.
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New("unknown")
	}
	return globalMetrics
}
