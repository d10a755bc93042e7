package api

import (
	"context"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/edgecomet/pdfrender/internal/api/metrics"
	"github.com/edgecomet/pdfrender/internal/common/config"
	"github.com/edgecomet/pdfrender/internal/common/httputil"
	"github.com/edgecomet/pdfrender/internal/common/requestid"
	"github.com/edgecomet/pdfrender/internal/jobqueue"
	"github.com/edgecomet/pdfrender/internal/status"
	"github.com/edgecomet/pdfrender/pkg/types"
)

// Route labels used for metrics
const (
	RouteConvert  = "/convert-url"
	RouteJob      = "/jobs"
	RouteEvents   = "/job-events"
	RouteDownload = "/download"
	RouteHealth   = "/health"
	RouteAdmin    = "/admin/queues"
	routeUnknown  = "other"
)

// JobQueue is the part of the queue the API uses; *jobqueue.Queue satisfies it
type JobQueue interface {
	Enqueue(ctx context.Context, targetURL string, opts types.RenderOptions) (string, error)
	Counts(ctx context.Context) (jobqueue.Counts, error)
	Recent(ctx context.Context, state types.JobState, limit int) ([]*types.Job, error)
}

// HealthChecker reports backend reachability; *redis.Client satisfies it
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ArtifactStore resolves downloadable file names to local paths
type ArtifactStore interface {
	Path(fileName string) (string, error)
}

// Options holds the request policy of the server
type Options struct {
	// RateLimiter guards POST /convert-url; nil disables limiting
	RateLimiter    *RateLimiter
	TrustedHeaders []string
	Admin          config.AdminConfig
	Heartbeat      time.Duration
	RequestTimeout time.Duration
}

type Server struct {
	queue       JobQueue
	health      HealthChecker
	distributor *status.Distributor
	artifacts   ArtifactStore
	metrics     *metrics.PrometheusMetrics
	opts        Options
	logger      *zap.Logger

	// closed ends open event streams on shutdown
	closed context.Context
	close  context.CancelFunc
}

func NewServer(
	queue JobQueue,
	health HealthChecker,
	distributor *status.Distributor,
	artifacts ArtifactStore,
	metricsCollector *metrics.PrometheusMetrics,
	opts Options,
	logger *zap.Logger,
) *Server {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 15 * time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}

	closed, closeFn := context.WithCancel(context.Background())
	return &Server{
		queue:       queue,
		health:      health,
		distributor: distributor,
		artifacts:   artifacts,
		metrics:     metricsCollector,
		opts:        opts,
		logger:      logger,
		closed:      closed,
		close:       closeFn,
	}
}

// CloseStreams ends every open event stream. Call before shutting the
// HTTP server down so it does not wait for streams to time out.
func (s *Server) CloseStreams() {
	s.close()
}

func (s *Server) HandleRequest(ctx *fasthttp.RequestCtx) {
	start := time.Now()

	requestID := requestid.Resolve(string(ctx.Request.Header.Peek(requestid.Header)))
	ctx.Response.Header.Set(requestid.Header, requestID)

	logger := s.logger.With(zap.String("request_id", requestID))

	route := s.route(ctx, logger)

	// streams record their own lifetime; the request metric covers the handshake
	s.metrics.RecordRequest(route, ctx.Response.StatusCode(), time.Since(start))
}

func (s *Server) route(ctx *fasthttp.RequestCtx, logger *zap.Logger) string {
	path := string(ctx.Path())

	switch {
	case path == RouteConvert:
		if !ctx.IsPost() {
			s.methodNotAllowed(ctx, logger)
			return RouteConvert
		}
		s.handleConvert(ctx, logger)
		return RouteConvert

	case path == RouteHealth:
		if !ctx.IsGet() && !ctx.IsHead() {
			s.methodNotAllowed(ctx, logger)
			return RouteHealth
		}
		s.handleHealth(ctx, logger)
		return RouteHealth

	case path == RouteAdmin:
		if !ctx.IsGet() {
			s.methodNotAllowed(ctx, logger)
			return RouteAdmin
		}
		s.handleAdmin(ctx, logger)
		return RouteAdmin
	}

	if id, ok := pathParam(path, RouteJob); ok {
		if !ctx.IsGet() {
			s.methodNotAllowed(ctx, logger)
			return RouteJob
		}
		s.handleJobStatus(ctx, id, logger)
		return RouteJob
	}
	if id, ok := pathParam(path, RouteEvents); ok {
		if !ctx.IsGet() {
			s.methodNotAllowed(ctx, logger)
			return RouteEvents
		}
		s.handleJobEvents(ctx, id, logger)
		return RouteEvents
	}
	if name, ok := pathParam(path, RouteDownload); ok {
		if !ctx.IsGet() && !ctx.IsHead() {
			s.methodNotAllowed(ctx, logger)
			return RouteDownload
		}
		s.handleDownload(ctx, name, logger)
		return RouteDownload
	}

	logger.Debug("Not found", zap.String("path", path))
	httputil.JSONError(ctx, "Not found", fasthttp.StatusNotFound)
	return routeUnknown
}

func (s *Server) methodNotAllowed(ctx *fasthttp.RequestCtx, logger *zap.Logger) {
	logger.Debug("Method not allowed",
		zap.String("method", string(ctx.Method())),
		zap.String("path", string(ctx.Path())))
	httputil.JSONError(ctx, "Method not allowed", fasthttp.StatusMethodNotAllowed)
}

// pathParam extracts the single segment following prefix, e.g. the id in
// /jobs/{id}
func pathParam(path, prefix string) (string, bool) {
	rest, ok := strings.CutPrefix(path, prefix+"/")
	if !ok || rest == "" || strings.Contains(rest, "/") {
		return "", false
	}
	return rest, true
}

type healthResponse struct {
	Status string `json:"status"`
	Redis  string `json:"redis"`
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx, logger *zap.Logger) {
	checkCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := s.health.HealthCheck(checkCtx); err != nil {
		logger.Warn("Health check failed", zap.Error(err))
		httputil.JSON(ctx, fasthttp.StatusServiceUnavailable, healthResponse{Status: "unhealthy", Redis: "unreachable"})
		return
	}
	httputil.JSON(ctx, fasthttp.StatusOK, healthResponse{Status: "ok", Redis: "ok"})
}

// requestContext bounds backend calls made while serving one request
func (s *Server) requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(s.closed, s.opts.RequestTimeout)
}
