package metrics

import (
	"errors"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/edgecomet/pdfrender/internal/render/chrome"
)

// Job outcomes
const (
	OutcomeCompleted = "completed"
	OutcomeRetried   = "retried"
	OutcomeFailed    = "failed"
	OutcomeLeaseLost = "lease_lost"
)

// MetricsCollector centralizes all metrics recording for the PDF worker.
// It also observes the render scheduler and the shared browser.
type MetricsCollector struct {
	prometheus *PrometheusMetrics
	logger     *zap.Logger
}

// NewMetricsCollector creates a new MetricsCollector instance
func NewMetricsCollector(namespace string, logger *zap.Logger) *MetricsCollector {
	return &MetricsCollector{
		prometheus: NewPrometheusMetrics(namespace, logger),
		logger:     logger,
	}
}

// NewMetricsCollectorWithPrometheus wraps existing collectors
func NewMetricsCollectorWithPrometheus(pm *PrometheusMetrics, logger *zap.Logger) *MetricsCollector {
	return &MetricsCollector{prometheus: pm, logger: logger}
}

// SchedulerChanged implements scheduler.Observer
func (mc *MetricsCollector) SchedulerChanged(active, waiting int) {
	mc.prometheus.SetScheduler(float64(active), float64(waiting))
}

// SetSchedulerMax records the slot limit
func (mc *MetricsCollector) SetSchedulerMax(n int) {
	mc.prometheus.SetSchedulerMax(float64(n))
}

// BrowserRestarted implements chrome.RestartObserver
func (mc *MetricsCollector) BrowserRestarted(reason string) {
	mc.prometheus.RecordBrowserRestart(reason)
}

// RecordRender classifies a render result and records its duration
func (mc *MetricsCollector) RecordRender(err error, duration time.Duration, pdfSize int) {
	mc.prometheus.RecordRenderDuration(duration.Seconds())

	switch {
	case err == nil:
		mc.prometheus.RecordRender("success")
		mc.prometheus.RecordPDFSize(float64(pdfSize))
	case errors.Is(err, chrome.ErrBlocked):
		mc.prometheus.RecordRender("blocked")
	case errors.Is(err, chrome.ErrRenderTimeout):
		mc.prometheus.RecordRender("timeout")
	default:
		mc.prometheus.RecordRender("error")
	}
}

// RecordJob records a job outcome
func (mc *MetricsCollector) RecordJob(outcome string) {
	mc.prometheus.RecordJob(outcome)
}

// JobStarted and JobFinished track leased jobs in flight
func (mc *MetricsCollector) JobStarted() {
	mc.prometheus.AddJobsRunning(1)
}

func (mc *MetricsCollector) JobFinished() {
	mc.prometheus.AddJobsRunning(-1)
}

// JobCount returns the number of jobs recorded with outcome
func (mc *MetricsCollector) JobCount(outcome string) float64 {
	return mc.prometheus.JobCount(outcome)
}

// ServeHTTP serves Prometheus metrics via HTTP
func (mc *MetricsCollector) ServeHTTP(ctx *fasthttp.RequestCtx) {
	mc.prometheus.ServeHTTP(ctx)
}
