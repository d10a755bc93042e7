package metrics

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/edgecomet/pdfrender/internal/render/chrome"
)

func newTestCollector(t *testing.T) *MetricsCollector {
	t.Helper()
	pm := NewPrometheusMetricsWithRegistry("pdfworker", prometheus.NewRegistry(), zap.NewNop())
	return NewMetricsCollectorWithPrometheus(pm, zap.NewNop())
}

func TestMetricsCollector_RecordJob(t *testing.T) {
	mc := newTestCollector(t)

	mc.RecordJob(OutcomeCompleted)
	mc.RecordJob(OutcomeCompleted)
	mc.RecordJob(OutcomeRetried)

	assert.Equal(t, 2.0, mc.JobCount(OutcomeCompleted))
	assert.Equal(t, 1.0, mc.JobCount(OutcomeRetried))
	assert.Equal(t, 0.0, mc.JobCount(OutcomeFailed))
}

func TestMetricsCollector_HTTPEndpoint(t *testing.T) {
	mc := newTestCollector(t)

	mc.SetSchedulerMax(2)
	mc.SchedulerChanged(2, 3)
	mc.BrowserRestarted("disconnected")
	mc.RecordRender(nil, 3*time.Second, 200*1024)
	mc.RecordRender(fmt.Errorf("navigate: %w", chrome.ErrRenderTimeout), time.Minute, 0)
	mc.RecordRender(errors.Join(chrome.ErrNavigateFailed, chrome.ErrBlocked), time.Millisecond, 0)
	mc.RecordRender(errors.New("boom"), time.Second, 0)
	mc.JobStarted()

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetRequestURI("/metrics")
	ctx.Request.Header.SetMethod("GET")

	mc.ServeHTTP(ctx)

	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	body := string(ctx.Response.Body())
	assert.Contains(t, body, "pdfworker_worker_scheduler_active 2")
	assert.Contains(t, body, "pdfworker_worker_scheduler_waiting 3")
	assert.Contains(t, body, "pdfworker_worker_scheduler_max 2")
	assert.Contains(t, body, `pdfworker_worker_browser_restarts_total{reason="disconnected"} 1`)
	assert.Contains(t, body, `pdfworker_worker_renders_total{status="success"} 1`)
	assert.Contains(t, body, `pdfworker_worker_renders_total{status="timeout"} 1`)
	assert.Contains(t, body, `pdfworker_worker_renders_total{status="blocked"} 1`)
	assert.Contains(t, body, `pdfworker_worker_renders_total{status="error"} 1`)
	assert.Contains(t, body, "pdfworker_worker_jobs_running 1")
	assert.Contains(t, body, "# HELP")
}
