package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/edgecomet/pdfrender/internal/api"
	"github.com/edgecomet/pdfrender/internal/api/metrics"
	"github.com/edgecomet/pdfrender/internal/cleanup"
	"github.com/edgecomet/pdfrender/internal/common/config"
	logutil "github.com/edgecomet/pdfrender/internal/common/logger"
	"github.com/edgecomet/pdfrender/internal/common/metricsserver"
	"github.com/edgecomet/pdfrender/internal/common/redis"
	"github.com/edgecomet/pdfrender/internal/common/tlsutil"
	"github.com/edgecomet/pdfrender/internal/jobqueue"
	"github.com/edgecomet/pdfrender/internal/status"
	"github.com/edgecomet/pdfrender/internal/storage"
)

func main() {
	configPath := flag.String("c", "configs/pdf-api.yaml",
		"Path to API configuration file")
	flag.Parse()

	// Initialize logger (will be reconfigured from config)
	initialLogger, err := logutil.NewDefaultLogger()
	if err != nil {
		panic(err)
	}

	initialLogger.Info("Loading configuration", zap.String("path", *configPath))

	absPath, err := config.GetConfigPath(*configPath)
	if err != nil {
		initialLogger.Fatal("Invalid config path", zap.Error(err))
	}

	cfg, err := config.LoadAPIConfig(absPath)
	if err != nil {
		initialLogger.Fatal("Failed to load configuration", zap.Error(err))
	}

	dynamicLogger, err := logutil.NewLoggerWithStartupOverride(cfg.Log)
	if err != nil {
		initialLogger.Fatal("Failed to create configured logger", zap.Error(err))
	}

	logger := dynamicLogger.Logger

	logger.Info("PDF API starting",
		zap.String("listen", cfg.Server.Listen),
		zap.String("queue", cfg.Queue.Name))

	redisClient, err := redis.NewClient(&cfg.Redis, logger)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()

	apiMetrics := metrics.NewPrometheusMetrics(cfg.Metrics.Namespace, logger)

	metricsServer, err := metricsserver.Start(cfg.Metrics, apiMetrics, logger)
	if err != nil {
		logger.Fatal("Failed to start metrics server", zap.Error(err))
	}

	sink, err := storage.NewFilesystemSink(cfg.Storage, logger)
	if err != nil {
		logger.Fatal("Failed to initialize artifact storage", zap.Error(err))
	}

	queue := jobqueue.New(redisClient, jobqueue.OptionsFromConfig(cfg.Queue), logger)
	distributor := status.NewDistributor(queue, status.Options{
		Interval:  cfg.Status.Interval.ToDuration(),
		MaxCycles: cfg.Status.MaxCycles,
	}, logger)

	var limiter *api.RateLimiter
	if cfg.RateLimit.Enabled {
		limiter = api.NewRateLimiter(cfg.RateLimit.Requests, cfg.RateLimit.Window.ToDuration())
	}

	server := api.NewServer(queue, redisClient, distributor, sink, apiMetrics, api.Options{
		RateLimiter:    limiter,
		TrustedHeaders: cfg.RateLimit.TrustedHeaders,
		Admin:          cfg.Admin,
		Heartbeat:      cfg.Status.Heartbeat.ToDuration(),
		RequestTimeout: cfg.Server.Timeout.ToDuration(),
	}, logger)

	cleanupMetrics := cleanup.NewCleanupMetrics(cfg.Metrics.Namespace, logger)
	cleanupWorker := cleanup.NewDownloadCleanupWorker(&cfg.Cleanup, sink.BasePath(), logger, cleanupMetrics)
	cleanupWorker.Start()

	// Streams outlive any read/write timeout, so only idle connections are bounded
	httpServer := &fasthttp.Server{
		Handler:     server.HandleRequest,
		ReadTimeout: cfg.Server.Timeout.ToDuration(),
		IdleTimeout: cfg.Server.Timeout.ToDuration(),
		Name:        "PDFRender-API",
	}

	ln, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		logger.Fatal("Failed to bind HTTP listener", zap.Error(err))
	}

	serverErrCh := make(chan error, 2)
	go func() {
		logger.Info("Starting HTTP server", zap.String("listen", cfg.Server.Listen))
		if err := httpServer.Serve(ln); err != nil {
			serverErrCh <- err
		}
	}()

	if cfg.Server.TLS.Enabled {
		tlsLn, err := tlsutil.Listen(cfg.Server.TLS)
		if err != nil {
			logger.Fatal("Failed to bind HTTPS listener", zap.Error(err))
		}
		go func() {
			logger.Info("Starting HTTPS server", zap.String("listen", cfg.Server.TLS.Listen))
			if err := httpServer.Serve(tlsLn); err != nil {
				serverErrCh <- err
			}
		}()
	}

	logger.Info("PDF API ready",
		zap.String("listen", cfg.Server.Listen),
		zap.Bool("tls", cfg.Server.TLS.Enabled),
		zap.Bool("rate_limit", cfg.RateLimit.Enabled),
		zap.Bool("admin", cfg.Admin.Enabled()))

	dynamicLogger.SwitchToConfiguredLevel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		dynamicLogger.EnsureInfoLevelForShutdown()
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case err := <-serverErrCh:
		dynamicLogger.EnsureInfoLevelForShutdown()
		logger.Error("Server error", zap.Error(err))
	}

	logger.Info("Shutting down gracefully...")

	// Open streams would otherwise hold the shutdown until their cycle limit
	server.CloseStreams()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", zap.Error(err))
	}

	cleanupWorker.Shutdown()

	if metricsServer != nil {
		metricsShutdownCtx, metricsShutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.ShutdownWithContext(metricsShutdownCtx); err != nil {
			logger.Error("Metrics server shutdown error", zap.Error(err))
		} else {
			logger.Info("Metrics server shutdown complete")
		}
		metricsShutdownCancel()
	}

	logger.Info("PDF API stopped")
}
