package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/edgecomet/pdfrender/internal/common/config"
	"github.com/edgecomet/pdfrender/internal/common/configtypes"
	"github.com/edgecomet/pdfrender/internal/jobqueue"
	"github.com/edgecomet/pdfrender/internal/render/metrics"
	"github.com/edgecomet/pdfrender/internal/storage"
	"github.com/edgecomet/pdfrender/pkg/types"
)

// Queue is the consumer side of the job queue; *jobqueue.Queue satisfies it.
// Everything after Lease is authorized by the job's LeaseToken.
type Queue interface {
	Lease(ctx context.Context, workerID string) (*types.Job, error)
	RenewLease(ctx context.Context, jobID, leaseToken string) error
	Complete(ctx context.Context, jobID, leaseToken string, result *types.JobResult) error
	Fail(ctx context.Context, jobID, leaseToken, reason string) (jobqueue.FailOutcome, error)
}

// Renderer turns a URL into PDF bytes; *chrome.Renderer satisfies it
type Renderer interface {
	Render(ctx context.Context, targetURL string, opts types.RenderOptions) ([]byte, error)
}

// Recorder receives job and render measurements; *metrics.MetricsCollector satisfies it
type Recorder interface {
	RecordRender(err error, duration time.Duration, pdfSize int)
	RecordJob(outcome string)
	JobStarted()
	JobFinished()
}

type Options struct {
	ID            string
	Concurrency   int
	PollInterval  time.Duration
	LeaseDuration time.Duration
}

// OptionsFromConfig combines the worker section with the queue lease length
func OptionsFromConfig(cfg config.WorkerSection, queue configtypes.QueueConfig) Options {
	return Options{
		ID:            cfg.ID,
		Concurrency:   cfg.Concurrency,
		PollInterval:  cfg.PollInterval.ToDuration(),
		LeaseDuration: queue.LeaseDuration.ToDuration(),
	}
}

// Worker drains the job queue with Concurrency lease loops. Each leased job
// is rendered, saved to the sink and recorded as completed or failed.
type Worker struct {
	queue    Queue
	renderer Renderer
	sink     storage.Sink
	recorder Recorder
	opts     Options
	logger   *zap.Logger
	now      func() time.Time

	// ctx stops leasing; jobCtx aborts in-flight jobs
	ctx       context.Context
	cancel    context.CancelFunc
	jobCtx    context.Context
	jobCancel context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

func New(queue Queue, renderer Renderer, sink storage.Sink, recorder Recorder, opts Options, logger *zap.Logger) *Worker {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	jobCtx, jobCancel := context.WithCancel(context.Background())

	return &Worker{
		queue:     queue,
		renderer:  renderer,
		sink:      sink,
		recorder:  recorder,
		opts:      opts,
		logger:    logger.With(zap.String("worker_id", opts.ID)),
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		jobCtx:    jobCtx,
		jobCancel: jobCancel,
	}
}

// Start launches the lease loops
func (w *Worker) Start() {
	w.startOnce.Do(func() {
		w.logger.Info("Worker starting",
			zap.Int("concurrency", w.opts.Concurrency),
			zap.Duration("poll_interval", w.opts.PollInterval),
			zap.Duration("lease_duration", w.opts.LeaseDuration))

		for i := 0; i < w.opts.Concurrency; i++ {
			w.wg.Add(1)
			go w.loop(i)
		}
	})
}

// Shutdown stops leasing and waits for in-flight jobs. When ctx ends first
// the remaining jobs are aborted; their leases expire and the jobs are
// picked up again by another worker.
func (w *Worker) Shutdown(ctx context.Context) error {
	var err error
	w.stopOnce.Do(func() {
		w.logger.Info("Stopping worker")
		w.cancel()

		done := make(chan struct{})
		go func() {
			w.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			w.logger.Warn("Shutdown timeout, aborting in-flight jobs")
			w.jobCancel()
			<-done
			err = ctx.Err()
		}
		w.jobCancel()
		w.logger.Info("Worker stopped")
	})
	return err
}

func (w *Worker) loop(slot int) {
	defer w.wg.Done()
	owner := w.slotOwner(slot)
	logger := w.logger.With(zap.Int("slot", slot))

	for {
		if w.ctx.Err() != nil {
			return
		}

		job, err := w.queue.Lease(w.ctx, owner)
		switch {
		case err == nil:
			w.process(job)
			continue
		case errors.Is(err, jobqueue.ErrNoJob):
		case w.ctx.Err() != nil:
			return
		default:
			logger.Error("Failed to lease job", zap.Error(err))
		}

		select {
		case <-w.ctx.Done():
			return
		case <-time.After(w.opts.PollInterval):
		}
	}
}

func (w *Worker) process(job *types.Job) {
	w.recorder.JobStarted()
	defer w.recorder.JobFinished()

	logger := w.logger.With(
		zap.String("job_id", job.ID),
		zap.String("url", job.TargetURL),
		zap.Int("attempt", job.AttemptsMade+1),
		zap.Int("max_attempts", job.MaxAttempts))
	logger.Info("Processing job")

	ctx, cancel := context.WithCancel(w.jobCtx)
	defer cancel()

	var leaseLost bool
	var leaseMu sync.Mutex
	stopRenew := w.keepLease(ctx, job, func() {
		leaseMu.Lock()
		leaseLost = true
		leaseMu.Unlock()
		cancel()
	}, logger)

	result, err := w.execute(ctx, job)
	stopRenew()

	leaseMu.Lock()
	lost := leaseLost
	leaseMu.Unlock()
	if lost {
		logger.Warn("Lease lost, dropping job result", zap.Error(err))
		w.recorder.RecordJob(metrics.OutcomeLeaseLost)
		return
	}

	if err != nil {
		w.fail(job, err, logger)
		return
	}

	if err := w.queue.Complete(w.jobCtx, job.ID, job.LeaseToken, result); err != nil {
		if errors.Is(err, jobqueue.ErrLeaseLost) {
			logger.Warn("Lease lost before completion", zap.Error(err))
			w.recorder.RecordJob(metrics.OutcomeLeaseLost)
			return
		}
		logger.Error("Failed to complete job", zap.Error(err))
		return
	}

	w.recorder.RecordJob(metrics.OutcomeCompleted)
	logger.Info("Job completed", zap.String("download_url", result.DownloadURL))
}

func (w *Worker) execute(ctx context.Context, job *types.Job) (*types.JobResult, error) {
	start := w.now()
	pdf, err := w.renderer.Render(ctx, job.TargetURL, job.Options)
	w.recorder.RecordRender(err, w.now().Sub(start), len(pdf))
	if err != nil {
		return nil, err
	}

	fileName := storage.ArtifactFileName(job.ID, w.now())
	ref, err := w.sink.Save(ctx, fileName, bytes.NewReader(pdf))
	if err != nil {
		return nil, fmt.Errorf("save %s: %w", fileName, err)
	}

	return &types.JobResult{DownloadURL: ref, FileName: fileName}, nil
}

func (w *Worker) fail(job *types.Job, cause error, logger *zap.Logger) {
	outcome, err := w.queue.Fail(w.jobCtx, job.ID, job.LeaseToken, cause.Error())
	if err != nil {
		if errors.Is(err, jobqueue.ErrLeaseLost) {
			logger.Warn("Lease lost before failure was recorded", zap.Error(err))
			w.recorder.RecordJob(metrics.OutcomeLeaseLost)
			return
		}
		logger.Error("Failed to record job failure", zap.NamedError("cause", cause), zap.Error(err))
		return
	}

	if outcome.Retried {
		w.recorder.RecordJob(metrics.OutcomeRetried)
		logger.Warn("Job attempt failed, retry scheduled",
			zap.Duration("delay", outcome.Delay),
			zap.Error(cause))
		return
	}

	w.recorder.RecordJob(metrics.OutcomeFailed)
	logger.Error("Job failed permanently", zap.Error(cause))
}

// slotOwner names the lease holder of one loop in job records and logs
func (w *Worker) slotOwner(slot int) string {
	return fmt.Sprintf("%s-%d", w.opts.ID, slot)
}

// keepLease renews the job lease every LeaseDuration/2 until the returned
// stop func is called. onLost runs once if the lease cannot be renewed.
func (w *Worker) keepLease(ctx context.Context, job *types.Job, onLost func(), logger *zap.Logger) func() {
	if w.opts.LeaseDuration <= 0 {
		return func() {}
	}

	renewCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(w.opts.LeaseDuration / 2)
		defer ticker.Stop()

		for {
			select {
			case <-renewCtx.Done():
				return
			case <-ticker.C:
			}

			err := w.queue.RenewLease(renewCtx, job.ID, job.LeaseToken)
			switch {
			case err == nil:
				logger.Debug("Lease renewed")
			case errors.Is(err, jobqueue.ErrLeaseLost):
				onLost()
				return
			case renewCtx.Err() != nil:
				return
			default:
				// transient; the next tick retries before the lease expires
				logger.Warn("Failed to renew lease", zap.Error(err))
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}
