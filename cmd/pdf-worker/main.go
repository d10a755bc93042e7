package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/edgecomet/pdfrender/internal/common/config"
	logutil "github.com/edgecomet/pdfrender/internal/common/logger"
	"github.com/edgecomet/pdfrender/internal/common/metricsserver"
	"github.com/edgecomet/pdfrender/internal/common/redis"
	"github.com/edgecomet/pdfrender/internal/jobqueue"
	"github.com/edgecomet/pdfrender/internal/render/chrome"
	"github.com/edgecomet/pdfrender/internal/render/metrics"
	"github.com/edgecomet/pdfrender/internal/render/scheduler"
	"github.com/edgecomet/pdfrender/internal/storage"
	"github.com/edgecomet/pdfrender/internal/worker"
)

func main() {
	configPath := flag.String("c", "configs/pdf-worker.yaml",
		"Path to worker configuration file")
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

	cfg, err := config.LoadWorkerConfig(absPath)
	if err != nil {
		initialLogger.Fatal("Failed to load configuration", zap.Error(err))
	}

	dynamicLogger, err := logutil.NewLoggerWithStartupOverride(cfg.Log)
	if err != nil {
		initialLogger.Fatal("Failed to create configured logger", zap.Error(err))
	}

	logger := dynamicLogger.Logger

	chromeConfig := chrome.NewConfigFromYAML(cfg.Chrome)
	if err := chromeConfig.Validate(); err != nil {
		logger.Fatal("Invalid Chrome configuration", zap.Error(err))
	}
	maxRenders := chromeConfig.CalculateMaxConcurrency()

	logger.Info("PDF worker starting",
		zap.String("worker_id", cfg.Worker.ID),
		zap.Int("concurrency", cfg.Worker.Concurrency),
		zap.Int("max_renders", maxRenders),
		zap.String("queue", cfg.Queue.Name))

	redisClient, err := redis.NewClient(&cfg.Redis, logger)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()

	metricsCollector := metrics.NewMetricsCollector(cfg.Metrics.Namespace, logger)

	metricsServer, err := metricsserver.Start(cfg.Metrics, metricsCollector, logger)
	if err != nil {
		logger.Fatal("Failed to start metrics server", zap.Error(err))
	}

	sink, err := storage.NewFilesystemSink(cfg.Storage, logger)
	if err != nil {
		logger.Fatal("Failed to initialize artifact storage", zap.Error(err))
	}

	var resolver chrome.Resolver
	if chromeConfig.ResolveHosts {
		resolver = net.DefaultResolver
	}
	gatekeeper, err := chrome.NewGatekeeper(chromeConfig.BlockedPatterns, resolver, logger)
	if err != nil {
		logger.Fatal("Failed to create gatekeeper", zap.Error(err))
	}

	browser := chrome.NewBrowser(chrome.NewExecLauncher(chromeConfig.ExecPath, logger), logger)
	browser.SetObserver(metricsCollector)

	// Launch eagerly so a missing Chrome binary fails startup, not the first job
	initCtx, initCancel := context.WithTimeout(context.Background(), 60*time.Second)
	if err := browser.Init(initCtx); err != nil {
		initCancel()
		logger.Fatal("Failed to launch browser", zap.Error(err))
	}
	initCancel()
	logger.Info("Browser ready", zap.String("version", browser.Version()))

	sched := scheduler.New(maxRenders, logger)
	sched.SetObserver(metricsCollector)
	metricsCollector.SetSchedulerMax(maxRenders)

	renderer := chrome.NewRenderer(chromeConfig, browser, gatekeeper, sched, logger)

	queue := jobqueue.New(redisClient, jobqueue.OptionsFromConfig(cfg.Queue), logger)

	w := worker.New(queue, renderer, sink, metricsCollector,
		worker.OptionsFromConfig(cfg.Worker, cfg.Queue), logger)
	w.Start()

	logger.Info("PDF worker ready",
		zap.String("worker_id", cfg.Worker.ID),
		zap.String("storage", sink.BasePath()))

	dynamicLogger.SwitchToConfiguredLevel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	dynamicLogger.EnsureInfoLevelForShutdown()
	logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	logger.Info("Shutting down gracefully...")

	// Stop leasing and let in-flight jobs finish; past the timeout they are
	// aborted and their leases expire back into the queue
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout.ToDuration())
	if err := w.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Worker shutdown timed out, in-flight jobs aborted", zap.Error(err))
	}
	shutdownCancel()

	sched.Close()

	if err := browser.Close(); err != nil {
		logger.Error("Browser shutdown error", zap.Error(err))
	}

	if metricsServer != nil {
		metricsShutdownCtx, metricsShutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.ShutdownWithContext(metricsShutdownCtx); err != nil {
			logger.Error("Metrics server shutdown error", zap.Error(err))
		} else {
			logger.Info("Metrics server shutdown complete")
		}
		metricsShutdownCancel()
	}

	logger.Info("PDF worker stopped")
}
