package status

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/edgecomet/pdfrender/internal/jobqueue"
	"github.com/edgecomet/pdfrender/pkg/types"
)

// Stream event statuses besides the job states
const (
	StatusError = "error"

	ErrorNotFound     = "not found"
	ErrorTimeout      = "timeout"
	ErrorLookupFailed = "status lookup failed"
)

// ErrStreamTimeout is returned by Stream after MaxCycles polls without a terminal state
var ErrStreamTimeout = errors.New("status stream timed out")

// JobSource reads authoritative job records; *jobqueue.Queue satisfies it
type JobSource interface {
	GetJob(ctx context.Context, jobID string) (*types.Job, error)
}

// Snapshot is the poll-mode view of a job
type Snapshot struct {
	ID           string           `json:"id"`
	State        types.JobState   `json:"state"`
	AttemptsMade int              `json:"attemptsMade"`
	Result       *types.JobResult `json:"result,omitempty"`
	FailedReason string           `json:"failedReason,omitempty"`
	EnqueuedAt   time.Time        `json:"enqueuedAt"`
	FinishedAt   time.Time        `json:"finishedAt,omitzero"`
}

// Event is one stream-mode message
type Event struct {
	Status string           `json:"status"`
	Result *types.JobResult `json:"result,omitempty"`
	Error  string           `json:"error,omitempty"`
}

// Options controls stream polling
type Options struct {
	Interval  time.Duration
	MaxCycles int
}

// DefaultOptions polls every 2s for up to 10 minutes
func DefaultOptions() Options {
	return Options{Interval: 2 * time.Second, MaxCycles: 300}
}

// Distributor reports job state to API callers. It never caches: every
// poll and every stream cycle re-reads the job from the queue.
type Distributor struct {
	source JobSource
	opts   Options
	logger *zap.Logger
}

func NewDistributor(source JobSource, opts Options, logger *zap.Logger) *Distributor {
	if opts.Interval <= 0 {
		opts.Interval = DefaultOptions().Interval
	}
	if opts.MaxCycles <= 0 {
		opts.MaxCycles = DefaultOptions().MaxCycles
	}
	return &Distributor{
		source: source,
		opts:   opts,
		logger: logger,
	}
}

// Snapshot returns the current job view; jobqueue.ErrJobNotFound when absent
func (d *Distributor) Snapshot(ctx context.Context, jobID string) (*Snapshot, error) {
	job, err := d.source.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		ID:           job.ID,
		State:        job.State,
		AttemptsMade: job.AttemptsMade,
		Result:       job.Result,
		FailedReason: job.FailedReason,
		EnqueuedAt:   job.EnqueuedAt,
		FinishedAt:   job.FinishedAt,
	}, nil
}

// Stream polls the job every Interval and calls emit whenever its state
// changes. It returns after a terminal state or a missing job (nil and
// jobqueue.ErrJobNotFound, both after a final event), after MaxCycles
// (ErrStreamTimeout after a timeout event), or as soon as ctx ends or emit
// fails, without emitting anything further.
func (d *Distributor) Stream(ctx context.Context, jobID string, emit func(Event) error) error {
	ticker := time.NewTicker(d.opts.Interval)
	defer ticker.Stop()

	logger := d.logger.With(zap.String("job_id", jobID))
	var last types.JobState

	for cycle := 1; ; cycle++ {
		select {
		case <-ctx.Done():
			logger.Debug("Status stream closed by client", zap.Int("cycles", cycle-1))
			return ctx.Err()
		case <-ticker.C:
		}

		if cycle > d.opts.MaxCycles {
			logger.Info("Status stream reached cycle limit", zap.Int("max_cycles", d.opts.MaxCycles))
			return d.final(emit, Event{Status: StatusError, Error: ErrorTimeout}, ErrStreamTimeout)
		}

		job, err := d.source.GetJob(ctx, jobID)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, jobqueue.ErrJobNotFound) {
			return d.final(emit, Event{Status: StatusError, Error: ErrorNotFound}, err)
		}
		if err != nil {
			logger.Error("Status stream lookup failed", zap.Error(err))
			return d.final(emit, Event{Status: StatusError, Error: ErrorLookupFailed}, err)
		}

		if job.State == last {
			continue
		}
		last = job.State

		switch job.State {
		case types.JobStateCompleted:
			return d.final(emit, Event{Status: string(job.State), Result: job.Result}, nil)
		case types.JobStateFailed:
			return d.final(emit, Event{Status: string(job.State), Error: job.FailedReason}, nil)
		default:
			if err := emit(Event{Status: string(job.State)}); err != nil {
				return fmt.Errorf("emit failed: %w", err)
			}
		}
	}
}

func (d *Distributor) final(emit func(Event) error, ev Event, result error) error {
	if err := emit(ev); err != nil {
		return fmt.Errorf("emit failed: %w", err)
	}
	return result
}
