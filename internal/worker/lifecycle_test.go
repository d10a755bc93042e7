package worker_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/edgecomet/pdfrender/internal/render/metrics"
	"github.com/edgecomet/pdfrender/internal/status"
	"github.com/edgecomet/pdfrender/pkg/types"
)

var _ = Describe("Job lifecycle", func() {
	var env *lifecycleEnv
	ctx := context.Background()

	AfterEach(func() {
		if env != nil {
			env.Stop()
			env = nil
		}
	})

	Context("single job", func() {
		BeforeEach(func() {
			env = newLifecycleEnv(envOptions{
				Concurrency:  2,
				SchedulerMax: 2,
				MaxAttempts:  3,
				BackoffBase:  50 * time.Millisecond,
				RenderDelay:  20 * time.Millisecond,
			})
		})

		It("moves from waiting to completed and exposes the artifact", func() {
			id, err := env.Queue.Enqueue(ctx, "https://example.com/doc", types.RenderOptions{}.WithDefaults())
			Expect(err).ToNot(HaveOccurred())

			snap, err := env.Distributor.Snapshot(ctx, id)
			Expect(err).ToNot(HaveOccurred())
			Expect(snap.State).To(Equal(types.JobStateWaiting))

			env.Worker.Start()

			Eventually(func() types.JobState { return env.state(id) }, 5*time.Second, 10*time.Millisecond).
				Should(Equal(types.JobStateCompleted))

			snap, err = env.Distributor.Snapshot(ctx, id)
			Expect(err).ToNot(HaveOccurred())
			Expect(snap.AttemptsMade).To(Equal(1))
			Expect(snap.Result).ToNot(BeNil())
			Expect(snap.Result.FileName).To(HavePrefix("notion-" + id + "-"))
			Expect(snap.Result.DownloadURL).To(Equal("/download/" + snap.Result.FileName))

			data, err := os.ReadFile(filepath.Join(env.Sink.BasePath(), snap.Result.FileName))
			Expect(err).ToNot(HaveOccurred())
			Expect(string(data)).To(Equal("%PDF-1.7 https://example.com/doc"))

			Expect(env.Metrics.JobCount(metrics.OutcomeCompleted)).To(Equal(1.0))
		})

		It("streams each state once and ends on completion", func() {
			id, err := env.Queue.Enqueue(ctx, "https://example.com/streamed", types.RenderOptions{}.WithDefaults())
			Expect(err).ToNot(HaveOccurred())

			var mu sync.Mutex
			var events []status.Event
			done := make(chan error, 1)
			go func() {
				done <- env.Distributor.Stream(ctx, id, func(ev status.Event) error {
					mu.Lock()
					events = append(events, ev)
					mu.Unlock()
					return nil
				})
			}()

			Eventually(func() int {
				mu.Lock()
				defer mu.Unlock()
				return len(events)
			}, time.Second, 5*time.Millisecond).Should(BeNumerically(">=", 1))

			env.Worker.Start()
			Eventually(done, 5*time.Second).Should(Receive(BeNil()))

			mu.Lock()
			defer mu.Unlock()
			Expect(events[0].Status).To(Equal("waiting"))
			last := events[len(events)-1]
			Expect(last.Status).To(Equal("completed"))
			Expect(last.Result).ToNot(BeNil())
			for i := 1; i < len(events); i++ {
				Expect(events[i].Status).ToNot(Equal(events[i-1].Status))
			}
		})
	})

	Context("several jobs with worker concurrency 2", func() {
		BeforeEach(func() {
			env = newLifecycleEnv(envOptions{
				Concurrency:  2,
				SchedulerMax: 2,
				MaxAttempts:  3,
				BackoffBase:  50 * time.Millisecond,
				RenderDelay:  100 * time.Millisecond,
			})
		})

		It("completes all jobs without exceeding two renders at once", func() {
			var ids []string
			for _, path := range []string{"a", "b", "c"} {
				id, err := env.Queue.Enqueue(ctx, "https://example.com/"+path, types.RenderOptions{}.WithDefaults())
				Expect(err).ToNot(HaveOccurred())
				ids = append(ids, id)
			}

			env.Worker.Start()

			for _, id := range ids {
				Eventually(func() types.JobState { return env.state(id) }, 5*time.Second, 10*time.Millisecond).
					Should(Equal(types.JobStateCompleted))
			}

			Expect(env.Renderer.peak()).To(Equal(2))
			Expect(env.Metrics.JobCount(metrics.OutcomeCompleted)).To(Equal(3.0))

			counts, err := env.Queue.Counts(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(counts.Completed).To(Equal(int64(3)))
			Expect(counts.Waiting + counts.Active + counts.Failed).To(BeZero())
		})
	})

	Context("scheduler narrower than the worker", func() {
		BeforeEach(func() {
			env = newLifecycleEnv(envOptions{
				Concurrency:  3,
				SchedulerMax: 1,
				MaxAttempts:  3,
				BackoffBase:  50 * time.Millisecond,
				RenderDelay:  50 * time.Millisecond,
			})
		})

		It("queues leased jobs behind the render limit", func() {
			var ids []string
			for _, path := range []string{"x", "y", "z"} {
				id, err := env.Queue.Enqueue(ctx, "https://example.com/"+path, types.RenderOptions{}.WithDefaults())
				Expect(err).ToNot(HaveOccurred())
				ids = append(ids, id)
			}

			env.Worker.Start()

			for _, id := range ids {
				Eventually(func() types.JobState { return env.state(id) }, 5*time.Second, 10*time.Millisecond).
					Should(Equal(types.JobStateCompleted))
			}
			Expect(env.Renderer.peak()).To(Equal(1))
		})
	})

	Context("a job that always fails", func() {
		const target = "https://example.com/broken"

		BeforeEach(func() {
			env = newLifecycleEnv(envOptions{
				Concurrency:  1,
				SchedulerMax: 1,
				MaxAttempts:  3,
				BackoffBase:  100 * time.Millisecond,
				RenderDelay:  time.Millisecond,
			})
			env.Renderer.failures[target] = errors.New("navigate: net::ERR_CONNECTION_REFUSED")
		})

		It("is attempted exactly max_attempts times with growing delays", func() {
			id, err := env.Queue.Enqueue(ctx, target, types.RenderOptions{}.WithDefaults())
			Expect(err).ToNot(HaveOccurred())

			env.Worker.Start()

			Eventually(func() types.JobState { return env.state(id) }, 5*time.Second, 10*time.Millisecond).
				Should(Equal(types.JobStateFailed))
			Consistently(func() int { return len(env.Renderer.callsFor(target)) }, 300*time.Millisecond, 20*time.Millisecond).
				Should(Equal(3))

			calls := env.Renderer.callsFor(target)
			first := calls[1].At.Sub(calls[0].At)
			second := calls[2].At.Sub(calls[1].At)
			Expect(first).To(BeNumerically(">=", 100*time.Millisecond))
			Expect(second).To(BeNumerically(">=", 200*time.Millisecond))
			Expect(second).To(BeNumerically(">", first))

			job, err := env.Queue.GetJob(ctx, id)
			Expect(err).ToNot(HaveOccurred())
			Expect(job.AttemptsMade).To(Equal(3))
			Expect(job.FailedReason).To(Equal("navigate: net::ERR_CONNECTION_REFUSED"))
			Expect(job.Result).To(BeNil())

			Expect(env.Metrics.JobCount(metrics.OutcomeRetried)).To(Equal(2.0))
			Expect(env.Metrics.JobCount(metrics.OutcomeFailed)).To(Equal(1.0))

			entries, err := os.ReadDir(env.Sink.BasePath())
			Expect(err).ToNot(HaveOccurred())
			for _, e := range entries {
				Expect(strings.HasSuffix(e.Name(), ".pdf")).To(BeFalse())
			}
		})
	})
})
