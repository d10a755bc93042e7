package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/edgecomet/pdfrender/internal/common/configtypes"
	"github.com/edgecomet/pdfrender/internal/common/redis"
	"github.com/edgecomet/pdfrender/pkg/types"
)

// DefaultMaxStalled is how many expired leases a job survives before it fails
const DefaultMaxStalled = 1

// StalledReason is the failed reason of a job that exceeded MaxStalled
const StalledReason = "job stalled more than allowable limit"

// Options is the retry and retention policy of a queue
type Options struct {
	Name             string
	MaxAttempts      int
	BackoffBase      time.Duration
	LeaseDuration    time.Duration
	MaxStalled       int
	RemoveOnComplete int
	RemoveOnFail     int
}

// OptionsFromConfig converts the YAML queue section
func OptionsFromConfig(cfg configtypes.QueueConfig) Options {
	return Options{
		Name:             cfg.Name,
		MaxAttempts:      cfg.MaxAttempts,
		BackoffBase:      cfg.BackoffBase.ToDuration(),
		LeaseDuration:    cfg.LeaseDuration.ToDuration(),
		MaxStalled:       cfg.MaxStalled,
		RemoveOnComplete: cfg.RemoveOnComplete,
		RemoveOnFail:     cfg.RemoveOnFail,
	}
}

// FailOutcome describes what Fail did with a job
type FailOutcome struct {
	Retried bool
	Delay   time.Duration
}

// Counts is a point-in-time size of every queue structure
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Delayed   int64 `json:"delayed"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Queue is a durable Redis job queue with leases, exponential backoff and
// bounded retention of finished jobs. Every state change runs as one Lua
// script, so concurrent workers never observe a half-applied transition.
type Queue struct {
	redis  *redis.Client
	keys   redis.QueueKeys
	opts   Options
	logger *zap.Logger
	now    func() time.Time
}

func New(client *redis.Client, opts Options, logger *zap.Logger) *Queue {
	if opts.MaxStalled < 1 {
		opts.MaxStalled = DefaultMaxStalled
	}
	return &Queue{
		redis:  client,
		keys:   redis.NewQueueKeys(opts.Name),
		opts:   opts,
		logger: logger,
		now:    time.Now,
	}
}

// Options returns the queue policy
func (q *Queue) Options() Options {
	return q.opts
}

// Enqueue stores a new waiting job and returns its id
func (q *Queue) Enqueue(ctx context.Context, targetURL string, opts types.RenderOptions) (string, error) {
	optsJSON, err := json.Marshal(opts)
	if err != nil {
		return "", fmt.Errorf("failed to encode render options: %w", err)
	}

	res, err := q.redis.RunScript(ctx, enqueueScript,
		[]string{q.keys.Seq(), q.keys.Wait()},
		q.keys.JobPrefix(), targetURL, string(optsJSON), q.opts.MaxAttempts, unixMillis(q.now()))
	if err != nil {
		return "", fmt.Errorf("enqueue failed: %w", err)
	}

	id, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("enqueue returned unexpected %T", res)
	}

	q.logger.Debug("Job enqueued",
		zap.String("job_id", id),
		zap.String("url", targetURL))

	return id, nil
}

// Lease hands the oldest ready job to workerID for LeaseDuration. The
// returned job carries a LeaseToken minted for this lease only; RenewLease,
// Complete and Fail must present it. Returns ErrNoJob when the queue is idle.
func (q *Queue) Lease(ctx context.Context, workerID string) (*types.Job, error) {
	now := q.now()
	deadline := now.Add(q.opts.LeaseDuration)
	token := uuid.NewString()

	res, err := q.redis.RunScript(ctx, leaseScript,
		[]string{q.keys.Wait(), q.keys.Delayed(), q.keys.Active(), q.keys.Failed()},
		q.keys.JobPrefix(), unixMillis(now), unixMillis(deadline), workerID, token,
		q.opts.MaxStalled, q.opts.RemoveOnFail, StalledReason)
	if err != nil {
		return nil, fmt.Errorf("lease failed: %w", err)
	}

	reply, ok := res.([]interface{})
	if !ok || len(reply) != 2 {
		return nil, fmt.Errorf("lease returned unexpected %v", res)
	}
	id, _ := reply[0].(string)
	if dead, _ := reply[1].(int64); dead > 0 {
		q.logger.Warn("Stalled jobs moved to failed",
			zap.Int64("count", dead),
			zap.Int("max_stalled", q.opts.MaxStalled))
	}
	if id == "" {
		return nil, ErrNoJob
	}

	job, err := q.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}

	q.logger.Debug("Job leased",
		zap.String("job_id", id),
		zap.String("worker_id", workerID),
		zap.Int("attempts_made", job.AttemptsMade))

	return job, nil
}

// RenewLease pushes the lease deadline forward if leaseToken still holds it
func (q *Queue) RenewLease(ctx context.Context, jobID, leaseToken string) error {
	if leaseToken == "" {
		return fmt.Errorf("job %s: %w", jobID, ErrLeaseLost)
	}
	deadline := q.now().Add(q.opts.LeaseDuration)

	res, err := q.redis.RunScript(ctx, renewScript,
		[]string{q.keys.Job(jobID), q.keys.Active()},
		jobID, leaseToken, unixMillis(deadline))
	if err != nil {
		return fmt.Errorf("renew lease failed: %w", err)
	}
	if n, _ := res.(int64); n != 1 {
		return fmt.Errorf("job %s: %w", jobID, ErrLeaseLost)
	}
	return nil
}

// Complete records a successful result and applies completed retention
func (q *Queue) Complete(ctx context.Context, jobID, leaseToken string, result *types.JobResult) error {
	if leaseToken == "" {
		return fmt.Errorf("job %s: %w", jobID, ErrLeaseLost)
	}
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode job result: %w", err)
	}

	res, err := q.redis.RunScript(ctx, completeScript,
		[]string{q.keys.Job(jobID), q.keys.Active(), q.keys.Completed()},
		jobID, leaseToken, unixMillis(q.now()), string(resultJSON), q.opts.RemoveOnComplete, q.keys.JobPrefix())
	if err != nil {
		return fmt.Errorf("complete failed: %w", err)
	}
	if n, _ := res.(int64); n != 1 {
		return fmt.Errorf("job %s: %w", jobID, ErrLeaseLost)
	}

	q.logger.Debug("Job completed", zap.String("job_id", jobID))
	return nil
}

// Fail records reason and either schedules a retry after
// BackoffBase * 2^(attemptsMade-1) or moves the job to the failed set.
func (q *Queue) Fail(ctx context.Context, jobID, leaseToken, reason string) (FailOutcome, error) {
	if leaseToken == "" {
		return FailOutcome{}, fmt.Errorf("job %s: %w", jobID, ErrLeaseLost)
	}
	res, err := q.redis.RunScript(ctx, failScript,
		[]string{q.keys.Job(jobID), q.keys.Active(), q.keys.Delayed(), q.keys.Failed()},
		jobID, leaseToken, unixMillis(q.now()), reason, q.opts.BackoffBase.Milliseconds(), q.opts.RemoveOnFail, q.keys.JobPrefix())
	if err != nil {
		return FailOutcome{}, fmt.Errorf("fail failed: %w", err)
	}

	reply, ok := res.([]interface{})
	if !ok || len(reply) != 2 {
		return FailOutcome{}, fmt.Errorf("fail returned unexpected %v", res)
	}
	code, _ := reply[0].(int64)
	delayMs, _ := reply[1].(int64)

	switch code {
	case 1:
		delay := time.Duration(delayMs) * time.Millisecond
		q.logger.Debug("Job scheduled for retry",
			zap.String("job_id", jobID),
			zap.Duration("delay", delay))
		return FailOutcome{Retried: true, Delay: delay}, nil
	case 2:
		q.logger.Debug("Job failed permanently", zap.String("job_id", jobID))
		return FailOutcome{}, nil
	default:
		return FailOutcome{}, fmt.Errorf("job %s: %w", jobID, ErrLeaseLost)
	}
}

// GetJob reads the authoritative job record
func (q *Queue) GetJob(ctx context.Context, jobID string) (*types.Job, error) {
	fields, err := q.redis.HGetAll(ctx, q.keys.Job(jobID))
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrJobNotFound)
	}
	return decodeJob(fields)
}

// Counts reports the size of every queue structure. Waiting includes
// jobs parked for a retry, which are also reported as Delayed.
func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	var err error

	if c.Waiting, err = q.redis.LLen(ctx, q.keys.Wait()); err != nil {
		return c, err
	}
	if c.Delayed, err = q.redis.ZCard(ctx, q.keys.Delayed()); err != nil {
		return c, err
	}
	c.Waiting += c.Delayed
	if c.Active, err = q.redis.ZCard(ctx, q.keys.Active()); err != nil {
		return c, err
	}
	if c.Completed, err = q.redis.ZCard(ctx, q.keys.Completed()); err != nil {
		return c, err
	}
	if c.Failed, err = q.redis.ZCard(ctx, q.keys.Failed()); err != nil {
		return c, err
	}
	return c, nil
}

// Recent returns up to limit of the newest finished jobs in state
// (completed or failed), newest first.
func (q *Queue) Recent(ctx context.Context, state types.JobState, limit int) ([]*types.Job, error) {
	var key string
	switch state {
	case types.JobStateCompleted:
		key = q.keys.Completed()
	case types.JobStateFailed:
		key = q.keys.Failed()
	default:
		return nil, fmt.Errorf("recent jobs are only tracked for completed and failed, got %q", state)
	}
	if limit <= 0 {
		return nil, nil
	}

	ids, err := q.redis.ZRevRange(ctx, key, 0, int64(limit-1))
	if err != nil {
		return nil, err
	}

	jobs := make([]*types.Job, 0, len(ids))
	for _, id := range ids {
		job, err := q.GetJob(ctx, id)
		if err != nil {
			// evicted between the range and the read
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func decodeJob(f map[string]string) (*types.Job, error) {
	job := &types.Job{
		ID:           f["id"],
		TargetURL:    f["url"],
		State:        types.JobState(f["state"]),
		FailedReason: f["failed_reason"],
		LeaseOwner:   f["lease_owner"],
		LeaseToken:   f["lease_token"],
		AttemptsMade: atoi(f["attempts_made"]),
		StalledCount: atoi(f["stalled_count"]),
		MaxAttempts:  atoi(f["max_attempts"]),
		EnqueuedAt:   fromMillis(f["enqueued_at"]),
		ProcessedAt:  fromMillis(f["processed_at"]),
		FinishedAt:   fromMillis(f["finished_at"]),
		RetryAt:      fromMillis(f["retry_at"]),
		LeaseUntil:   fromMillis(f["lease_until"]),
	}

	if raw := f["options"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &job.Options); err != nil {
			return nil, fmt.Errorf("job %s: corrupt options: %w", job.ID, err)
		}
	}
	if raw := f["result"]; raw != "" {
		job.Result = &types.JobResult{}
		if err := json.Unmarshal([]byte(raw), job.Result); err != nil {
			return nil, fmt.Errorf("job %s: corrupt result: %w", job.ID, err)
		}
	}

	return job, nil
}

func unixMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
