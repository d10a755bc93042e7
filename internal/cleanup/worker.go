package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/edgecomet/pdfrender/internal/common/configtypes"
)

// keepFile marks the downloads directory in source control and is never removed
const keepFile = ".gitkeep"

// DownloadCleanupWorker periodically removes rendered artifacts older than
// max_age from the downloads directory. Abandoned temp files from
// interrupted saves are removed under the same age rule.
type DownloadCleanupWorker struct {
	config   *configtypes.CleanupConfig
	basePath string
	logger   *zap.Logger
	metrics  *CleanupMetrics
	now      func() time.Time
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewDownloadCleanupWorker(
	config *configtypes.CleanupConfig,
	basePath string,
	logger *zap.Logger,
	metrics *CleanupMetrics,
) *DownloadCleanupWorker {
	ctx, cancel := context.WithCancel(context.Background())
	return &DownloadCleanupWorker{
		config:   config,
		basePath: basePath,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (w *DownloadCleanupWorker) Start() {
	if !w.config.Enabled {
		w.logger.Info("Download cleanup worker disabled")
		return
	}

	interval := time.Duration(w.config.Interval)
	w.logger.Info("Download cleanup worker starting",
		zap.Duration("interval", interval),
		zap.Duration("max_age", time.Duration(w.config.MaxAge)),
		zap.String("path", w.basePath))

	ticker := time.NewTicker(interval)
	w.wg.Add(1)

	go func() {
		defer w.wg.Done()
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				w.RunOnce()
			case <-w.ctx.Done():
				w.logger.Info("Download cleanup worker shutting down")
				return
			}
		}
	}()
}

func (w *DownloadCleanupWorker) Shutdown() {
	w.logger.Info("Stopping download cleanup worker")
	w.cancel()
	w.wg.Wait()
	w.logger.Info("Download cleanup worker stopped")
}

// RunOnce performs a single sweep and returns the number of deleted files
func (w *DownloadCleanupWorker) RunOnce() int {
	startTime := w.now()
	threshold := startTime.Add(-time.Duration(w.config.MaxAge))

	entries, err := os.ReadDir(w.basePath)
	if err != nil {
		w.logger.Error("Failed to read downloads directory",
			zap.String("path", w.basePath),
			zap.Error(err))
		w.record("failure", 0, startTime)
		w.recordError("read_dir")
		return 0
	}

	deleted := 0
	for _, entry := range entries {
		if !w.candidate(entry) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			// removed concurrently
			continue
		}
		if !info.ModTime().Before(threshold) {
			continue
		}

		path := filepath.Join(w.basePath, entry.Name())
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			w.logger.Warn("Failed to delete expired artifact",
				zap.String("file", entry.Name()),
				zap.Error(err))
			w.recordError("remove")
			continue
		}

		deleted++
		w.logger.Debug("Deleted expired artifact",
			zap.String("file", entry.Name()),
			zap.Duration("age", startTime.Sub(info.ModTime())))
	}

	w.record("success", deleted, startTime)
	if deleted > 0 {
		w.logger.Info("Download cleanup finished",
			zap.Int("files_deleted", deleted),
			zap.Duration("duration", w.now().Sub(startTime)))
	}
	return deleted
}

func (w *DownloadCleanupWorker) candidate(entry os.DirEntry) bool {
	if !entry.Type().IsRegular() {
		return false
	}
	name := entry.Name()
	if name == keepFile {
		return false
	}
	return strings.HasSuffix(name, ".pdf") || strings.HasSuffix(name, ".tmp")
}

func (w *DownloadCleanupWorker) record(status string, deleted int, startTime time.Time) {
	if w.metrics == nil {
		return
	}
	w.metrics.RecordRun(status)
	w.metrics.RecordDuration(w.now().Sub(startTime).Seconds())
	if deleted > 0 {
		w.metrics.RecordFilesDeleted(deleted)
	}
}

func (w *DownloadCleanupWorker) recordError(errorType string) {
	if w.metrics != nil {
		w.metrics.RecordError(errorType)
	}
}
