package cleanup

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type CleanupMetrics struct {
	runsTotal    *prometheus.CounterVec
	filesDeleted prometheus.Counter
	duration     prometheus.Histogram
	errorsTotal  *prometheus.CounterVec
	logger       *zap.Logger
}

func NewCleanupMetrics(namespace string, logger *zap.Logger) *CleanupMetrics {
	return NewCleanupMetricsWithRegistry(namespace, prometheus.DefaultRegisterer, logger)
}

func NewCleanupMetricsWithRegistry(namespace string, registerer prometheus.Registerer, logger *zap.Logger) *CleanupMetrics {
	cm := &CleanupMetrics{
		logger: logger,
	}

	cm.runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "download_cleanup_runs_total",
			Help:      "Total download retention sweeps",
		},
		[]string{"status"},
	)

	cm.filesDeleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "download_cleanup_files_deleted_total",
			Help:      "Total expired artifacts deleted",
		},
	)

	cm.duration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "download_cleanup_duration_seconds",
			Help:      "Duration of retention sweeps",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		},
	)

	cm.errorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "download_cleanup_errors_total",
			Help:      "Retention sweep errors by type",
		},
		[]string{"error_type"},
	)

	registerer.MustRegister(
		cm.runsTotal,
		cm.filesDeleted,
		cm.duration,
		cm.errorsTotal,
	)

	return cm
}

func (cm *CleanupMetrics) RecordRun(status string) {
	cm.runsTotal.WithLabelValues(status).Inc()
}

func (cm *CleanupMetrics) RecordFilesDeleted(count int) {
	cm.filesDeleted.Add(float64(count))
}

func (cm *CleanupMetrics) RecordDuration(seconds float64) {
	cm.duration.Observe(seconds)
}

func (cm *CleanupMetrics) RecordError(errorType string) {
	cm.errorsTotal.WithLabelValues(errorType).Inc()
}
