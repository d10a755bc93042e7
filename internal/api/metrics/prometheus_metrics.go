package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"
)

// PrometheusMetrics holds the PDF API collectors
type PrometheusMetrics struct {
	// Request metrics
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	rateLimited     prometheus.Counter

	// Job metrics
	jobsEnqueued  prometheus.Counter
	enqueueErrors prometheus.Counter

	// Stream metrics
	streamsActive prometheus.Gauge
	streamsClosed *prometheus.CounterVec

	logger      *zap.Logger
	httpHandler func(*fasthttp.RequestCtx)
}

// NewPrometheusMetrics registers collectors on the default registry
func NewPrometheusMetrics(namespace string, logger *zap.Logger) *PrometheusMetrics {
	return NewPrometheusMetricsWithRegistry(namespace, prometheus.DefaultRegisterer, logger)
}

// NewPrometheusMetricsWithRegistry registers collectors on registerer
func NewPrometheusMetricsWithRegistry(namespace string, registerer prometheus.Registerer, logger *zap.Logger) *PrometheusMetrics {
	pm := &PrometheusMetrics{
		logger: logger,
	}

	pm.requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "http_requests_total",
		Help:      "HTTP requests by route and status code",
	}, []string{"route", "status"})

	pm.requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "http_request_duration_seconds",
		Help:      "Time to produce a response, stream handshakes only",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route"})

	pm.rateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "rate_limited_total",
		Help:      "Conversion requests rejected by the per-client limit",
	})

	pm.jobsEnqueued = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "jobs_enqueued_total",
		Help:      "Conversion jobs accepted into the queue",
	})

	pm.enqueueErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "enqueue_errors_total",
		Help:      "Conversion requests that could not be queued",
	})

	pm.streamsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "streams_active",
		Help:      "Open job status streams",
	})

	pm.streamsClosed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "streams_closed_total",
		Help:      "Finished job status streams by reason",
	}, []string{"reason"}) // reason: terminal, not_found, timeout, disconnected, error

	registerer.MustRegister(
		pm.requestsTotal,
		pm.requestDuration,
		pm.rateLimited,
		pm.jobsEnqueued,
		pm.enqueueErrors,
		pm.streamsActive,
		pm.streamsClosed,
	)

	gatherer, ok := registerer.(prometheus.Gatherer)
	if !ok {
		gatherer = prometheus.DefaultGatherer
	}
	pm.httpHandler = fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	logger.Info("PDF API Prometheus metrics initialized")
	return pm
}

// RecordRequest records one finished request
func (pm *PrometheusMetrics) RecordRequest(route string, statusCode int, duration time.Duration) {
	pm.requestsTotal.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()
	pm.requestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

func (pm *PrometheusMetrics) RecordRateLimited() {
	pm.rateLimited.Inc()
}

func (pm *PrometheusMetrics) RecordEnqueued() {
	pm.jobsEnqueued.Inc()
}

func (pm *PrometheusMetrics) RecordEnqueueError() {
	pm.enqueueErrors.Inc()
}

func (pm *PrometheusMetrics) StreamOpened() {
	pm.streamsActive.Inc()
}

func (pm *PrometheusMetrics) StreamClosed(reason string) {
	pm.streamsActive.Dec()
	pm.streamsClosed.WithLabelValues(reason).Inc()
}

// ServeHTTP serves Prometheus metrics via HTTP
func (pm *PrometheusMetrics) ServeHTTP(ctx *fasthttp.RequestCtx) {
	pm.httpHandler(ctx)
}

func (pm *PrometheusMetrics) counterValue(counter prometheus.Counter) float64 {
	metric := &dto.Metric{}
	if err := counter.Write(metric); err != nil {
		pm.logger.Warn("Failed to read counter value", zap.Error(err))
		return 0
	}
	return metric.GetCounter().GetValue()
}

// RequestCount returns the number of requests recorded for route and status
func (pm *PrometheusMetrics) RequestCount(route string, statusCode int) float64 {
	return pm.counterValue(pm.requestsTotal.WithLabelValues(route, strconv.Itoa(statusCode)))
}

// EnqueuedCount returns the number of accepted jobs
func (pm *PrometheusMetrics) EnqueuedCount() float64 {
	return pm.counterValue(pm.jobsEnqueued)
}

// StreamsActive returns the number of open streams
func (pm *PrometheusMetrics) StreamsActive() float64 {
	metric := &dto.Metric{}
	if err := pm.streamsActive.Write(metric); err != nil {
		return 0
	}
	return metric.GetGauge().GetValue()
}
