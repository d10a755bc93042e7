package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"
)

// PrometheusMetrics holds the PDF worker collectors
type PrometheusMetrics struct {
	// Scheduler metrics
	schedulerMax     prometheus.Gauge
	schedulerActive  prometheus.Gauge
	schedulerWaiting prometheus.Gauge

	// Render metrics
	rendersTotal   *prometheus.CounterVec
	renderDuration prometheus.Histogram
	pdfBytes       prometheus.Histogram

	// Job metrics
	jobsTotal   *prometheus.CounterVec
	jobsRunning prometheus.Gauge

	// Browser metrics
	browserRestarts *prometheus.CounterVec

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

	pm.schedulerMax = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "scheduler_max",
		Help:      "Maximum number of concurrent renders",
	})

	pm.schedulerActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "scheduler_active",
		Help:      "Renders currently holding a slot",
	})

	pm.schedulerWaiting = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "scheduler_waiting",
		Help:      "Renders waiting for a slot",
	})

	pm.rendersTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "renders_total",
		Help:      "Total number of renders by outcome",
	}, []string{"status"}) // status: success, error, timeout, blocked

	pm.renderDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "render_duration_seconds",
		Help:      "Time spent rendering pages, slot wait included",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s to ~4m
	})

	pm.pdfBytes = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "pdf_size_bytes",
		Help:      "Size of generated PDF documents",
		Buckets:   prometheus.ExponentialBuckets(16*1024, 4, 8), // 16KB to ~256MB
	})

	pm.jobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "jobs_total",
		Help:      "Total jobs processed by outcome",
	}, []string{"outcome"}) // outcome: completed, retried, failed, lease_lost

	pm.jobsRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "jobs_running",
		Help:      "Jobs currently leased by this worker",
	})

	pm.browserRestarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "browser_restarts_total",
		Help:      "Browser relaunches by reason",
	}, []string{"reason"}) // reason: disconnected, unresponsive

	registerer.MustRegister(
		pm.schedulerMax,
		pm.schedulerActive,
		pm.schedulerWaiting,
		pm.rendersTotal,
		pm.renderDuration,
		pm.pdfBytes,
		pm.jobsTotal,
		pm.jobsRunning,
		pm.browserRestarts,
	)

	gatherer, ok := registerer.(prometheus.Gatherer)
	if !ok {
		gatherer = prometheus.DefaultGatherer
	}
	pm.httpHandler = fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	logger.Info("PDF worker Prometheus metrics initialized")
	return pm
}

func (pm *PrometheusMetrics) SetSchedulerMax(n float64) {
	pm.schedulerMax.Set(n)
}

func (pm *PrometheusMetrics) SetScheduler(active, waiting float64) {
	pm.schedulerActive.Set(active)
	pm.schedulerWaiting.Set(waiting)
}

// RecordRender records a render outcome
func (pm *PrometheusMetrics) RecordRender(status string) {
	pm.rendersTotal.WithLabelValues(status).Inc()
}

func (pm *PrometheusMetrics) RecordRenderDuration(seconds float64) {
	pm.renderDuration.Observe(seconds)
}

func (pm *PrometheusMetrics) RecordPDFSize(bytes float64) {
	pm.pdfBytes.Observe(bytes)
}

// RecordJob records a job outcome
func (pm *PrometheusMetrics) RecordJob(outcome string) {
	pm.jobsTotal.WithLabelValues(outcome).Inc()
}

func (pm *PrometheusMetrics) AddJobsRunning(delta float64) {
	pm.jobsRunning.Add(delta)
}

func (pm *PrometheusMetrics) RecordBrowserRestart(reason string) {
	pm.browserRestarts.WithLabelValues(reason).Inc()
}

// ServeHTTP serves Prometheus metrics via HTTP
func (pm *PrometheusMetrics) ServeHTTP(ctx *fasthttp.RequestCtx) {
	pm.httpHandler(ctx)
}

// counterValue reads the current value of a counter
func (pm *PrometheusMetrics) counterValue(counter prometheus.Counter) float64 {
	metric := &dto.Metric{}
	if err := counter.Write(metric); err != nil {
		pm.logger.Warn("Failed to read counter value", zap.Error(err))
		return 0
	}
	return metric.GetCounter().GetValue()
}

// JobCount returns how many jobs ended with outcome since start
func (pm *PrometheusMetrics) JobCount(outcome string) float64 {
	return pm.counterValue(pm.jobsTotal.WithLabelValues(outcome))
}
