package service

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsService encapsulates Prometheus instrumentation for the enrollment
// and reconciliation paths.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	gatewayDuration *prometheus.HistogramVec
	transitionTotal *prometheus.CounterVec
	webhookTotal    *prometheus.CounterVec
	unknownStatus   prometheus.Counter
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	gatewayDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "billing_gateway_request_duration_seconds",
		Help:    "Duration of billing gateway calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "outcome"})

	transitionTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "enrollment_transitions_total",
		Help: "Status transitions applied through the guard",
	}, []string{"from", "to", "channel"})

	webhookTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_events_total",
		Help: "Webhook ingest outcomes",
	}, []string{"outcome"})

	unknownStatus := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_unknown_status_total",
		Help: "Gateway statuses outside the known vocabulary",
	})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, gatewayDuration, transitionTotal, webhookTotal, unknownStatus, goroutines)

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	return &MetricsService{
		registry:        registry,
		handler:         handler,
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		gatewayDuration: gatewayDuration,
		transitionTotal: transitionTotal,
		webhookTotal:    webhookTotal,
		unknownStatus:   unknownStatus,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// ObserveGatewayCall records one billing gateway round trip.
func (m *MetricsService) ObserveGatewayCall(operation string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.gatewayDuration.WithLabelValues(operation, outcome).Observe(duration.Seconds())
}

// ObserveTransition counts an applied status transition.
func (m *MetricsService) ObserveTransition(from, to, channel string) {
	if m == nil {
		return
	}
	m.transitionTotal.WithLabelValues(from, to, channel).Inc()
}

// ObserveWebhook counts a webhook ingest outcome.
func (m *MetricsService) ObserveWebhook(outcome string) {
	if m == nil {
		return
	}
	m.webhookTotal.WithLabelValues(outcome).Inc()
}

// ObserveUnknownGatewayStatus counts statuses outside the vocabulary table.
func (m *MetricsService) ObserveUnknownGatewayStatus() {
	if m == nil {
		return
	}
	m.unknownStatus.Inc()
}
