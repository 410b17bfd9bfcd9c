package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/planboard/internal/models"
	"github.com/wolfeidau/planboard/internal/store"
	"github.com/wolfeidau/planboard/internal/store/memory"
	"github.com/wolfeidau/planboard/internal/telemetry"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestOrchestrator(t *testing.T, opts Options) (*Orchestrator, *memory.JobStore, *fakeClock) {
	t.Helper()

	clock := newFakeClock()
	opts.Clock = clock.Now
	jobStore := memory.NewJobStore()

	return New(jobStore, opts), jobStore, clock
}

func getJob(t *testing.T, o *Orchestrator, id uuid.UUID) *models.JobWithSteps {
	t.Helper()
	job, err := o.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

func TestEnqueue(t *testing.T) {
	ctx := context.Background()

	t.Run("idempotency key returns the existing job", func(t *testing.T) {
		o, _, _ := newTestOrchestrator(t, Options{})

		var runs atomic.Int32
		o.Register("test/event", func(ctx context.Context, job *models.Job, s *Steps) error {
			runs.Add(1)
			return nil
		})

		first, err := o.Enqueue(ctx, "test/event", map[string]string{"id": "1"}, WithIdempotencyKey("msg_1"))
		require.NoError(t, err)
		second, err := o.Enqueue(ctx, "test/event", map[string]string{"id": "1"}, WithIdempotencyKey("msg_1"))
		require.NoError(t, err)
		require.Equal(t, first, second)

		n, err := o.RunDue(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n)
		require.Equal(t, int32(1), runs.Load())
	})

	t.Run("empty name is rejected", func(t *testing.T) {
		o, _, _ := newTestOrchestrator(t, Options{})
		_, err := o.Enqueue(ctx, "", nil)
		require.Error(t, err)
	})

	t.Run("future run time is not claimed early", func(t *testing.T) {
		o, _, clock := newTestOrchestrator(t, Options{})
		o.Register("test/later", func(ctx context.Context, job *models.Job, s *Steps) error { return nil })

		id, err := o.Enqueue(ctx, "test/later", nil, WithRunAt(clock.Now().Add(time.Hour)))
		require.NoError(t, err)

		n, err := o.RunDue(ctx)
		require.NoError(t, err)
		require.Zero(t, n)

		clock.Advance(time.Hour)
		n, err = o.RunDue(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n)
		require.Equal(t, models.JobStateCompleted, getJob(t, o, id).Job.State)
	})
}

func TestRunStepReplay(t *testing.T) {
	ctx := context.Background()
	o, _, clock := newTestOrchestrator(t, Options{})

	var sent, loaded atomic.Int32
	failLoad := true

	o.Register("test/replay", func(ctx context.Context, job *models.Job, s *Steps) error {
		msg, err := RunStep(ctx, s, "send", func(ctx context.Context) (string, error) {
			sent.Add(1)
			return "sent", nil
		})
		if err != nil {
			return err
		}
		require.Equal(t, "sent", msg)

		_, err = RunStep(ctx, s, "load", func(ctx context.Context) (int, error) {
			loaded.Add(1)
			if failLoad {
				return 0, errors.New("database unavailable")
			}
			return 42, nil
		})
		return err
	})

	id, err := o.Enqueue(ctx, "test/replay", nil)
	require.NoError(t, err)

	_, err = o.RunDue(ctx)
	require.NoError(t, err)

	job := getJob(t, o, id)
	require.Equal(t, models.JobStateScheduled, job.Job.State)
	require.Equal(t, 1, job.Job.Attempt)
	require.Contains(t, job.Job.LastError, "database unavailable")
	require.True(t, job.Job.RunAt.After(clock.Now()))

	failLoad = false
	clock.Advance(time.Hour)

	_, err = o.RunDue(ctx)
	require.NoError(t, err)

	job = getJob(t, o, id)
	require.Equal(t, models.JobStateCompleted, job.Job.State)
	require.Equal(t, int32(1), sent.Load(), "recorded step must not run again")
	require.Equal(t, int32(2), loaded.Load())
	require.Len(t, job.Steps, 2)
}

// reencodingJobStore returns step output re-encoded the way a JSONB column does, and can
// record a rival step for a name just before the caller's save lands.
type reencodingJobStore struct {
	*memory.JobStore
	rivals map[string][]byte
}

func (s *reencodingJobStore) SaveStep(ctx context.Context, token uuid.UUID, step *models.StepRecord) (*models.StepRecord, bool, error) {
	if out, ok := s.rivals[step.Name]; ok {
		rival := *step
		rival.Output = out
		if _, _, err := s.JobStore.SaveStep(ctx, token, &rival); err != nil {
			return nil, false, err
		}
	}

	saved, inserted, err := s.JobStore.SaveStep(ctx, token, step)
	if err != nil || len(saved.Output) == 0 {
		return saved, inserted, err
	}

	var buf bytes.Buffer
	if err := json.Indent(&buf, saved.Output, "", "  "); err != nil {
		return nil, false, err
	}
	saved.Output = buf.Bytes()
	return saved, inserted, nil
}

func TestRunStepRecordedOutput(t *testing.T) {
	ctx := context.Background()

	t.Run("first execution keeps its own output", func(t *testing.T) {
		js := &reencodingJobStore{JobStore: memory.NewJobStore()}
		o := New(js, Options{Clock: newFakeClock().Now})

		var got json.RawMessage
		o.Register("test/output", func(ctx context.Context, job *models.Job, s *Steps) error {
			out, err := RunStep(ctx, s, "load", func(ctx context.Context) (json.RawMessage, error) {
				return json.RawMessage(`{"id":"u1","created":true}`), nil
			})
			got = out
			return err
		})

		id, err := o.Enqueue(ctx, "test/output", nil)
		require.NoError(t, err)
		_, err = o.RunDue(ctx)
		require.NoError(t, err)

		require.Equal(t, `{"id":"u1","created":true}`, string(got))
		require.Equal(t, models.JobStateCompleted, getJob(t, o, id).Job.State)
	})

	t.Run("step recorded by another worker wins", func(t *testing.T) {
		js := &reencodingJobStore{JobStore: memory.NewJobStore(), rivals: map[string][]byte{"send": []byte(`"msg_rival"`)}}
		o := New(js, Options{Clock: newFakeClock().Now})

		var got string
		o.Register("test/output", func(ctx context.Context, job *models.Job, s *Steps) error {
			out, err := RunStep(ctx, s, "send", func(ctx context.Context) (string, error) {
				return "msg_local", nil
			})
			got = out
			return err
		})

		id, err := o.Enqueue(ctx, "test/output", nil)
		require.NoError(t, err)
		_, err = o.RunDue(ctx)
		require.NoError(t, err)

		require.Equal(t, "msg_rival", got)
		job := getJob(t, o, id)
		require.Len(t, job.Steps, 1)
		require.JSONEq(t, `"msg_rival"`, string(job.Steps[0].Output))
	})
}

func TestSleepUntil(t *testing.T) {
	ctx := context.Background()

	t.Run("suspends and resumes at the recorded wake time", func(t *testing.T) {
		o, _, clock := newTestOrchestrator(t, Options{})

		var before, after atomic.Int32
		wake := clock.Now().Add(24 * time.Hour)

		o.Register("test/sleep", func(ctx context.Context, job *models.Job, s *Steps) error {
			if _, err := RunStep(ctx, s, "before", func(ctx context.Context) (bool, error) {
				before.Add(1)
				return true, nil
			}); err != nil {
				return err
			}

			if err := s.SleepUntil(ctx, "wait", wake); err != nil {
				return err
			}

			_, err := RunStep(ctx, s, "after", func(ctx context.Context) (bool, error) {
				after.Add(1)
				return true, nil
			})
			return err
		})

		id, err := o.Enqueue(ctx, "test/sleep", nil)
		require.NoError(t, err)

		n, err := o.RunDue(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n)

		job := getJob(t, o, id)
		require.Equal(t, models.JobStateScheduled, job.Job.State)
		require.True(t, job.Job.RunAt.Equal(wake))
		require.Zero(t, job.Job.Attempt)
		require.Empty(t, job.Job.LastError)

		// moving the target after the sleep was recorded has no effect
		recorded := wake
		wake = wake.Add(48 * time.Hour)

		clock.Advance(23 * time.Hour)
		n, err = o.RunDue(ctx)
		require.NoError(t, err)
		require.Zero(t, n)

		clock.Advance(time.Hour)
		n, err = o.RunDue(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n)

		job = getJob(t, o, id)
		require.Equal(t, models.JobStateCompleted, job.Job.State)
		require.Equal(t, int32(1), before.Load())
		require.Equal(t, int32(1), after.Load())

		var sleepStep *models.StepRecord
		for i := range job.Steps {
			if job.Steps[i].Name == "wait" {
				sleepStep = &job.Steps[i]
			}
		}
		require.NotNil(t, sleepStep)
		require.Equal(t, models.StepKindSleep, sleepStep.Kind)
		require.True(t, sleepStep.WakeAt.Equal(recorded))
	})

	t.Run("past wake time continues immediately", func(t *testing.T) {
		o, _, clock := newTestOrchestrator(t, Options{})

		o.Register("test/past", func(ctx context.Context, job *models.Job, s *Steps) error {
			return s.SleepUntil(ctx, "wait", clock.Now().Add(-time.Minute))
		})

		id, err := o.Enqueue(ctx, "test/past", nil)
		require.NoError(t, err)

		n, err := o.RunDue(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n)
		require.Equal(t, models.JobStateCompleted, getJob(t, o, id).Job.State)
	})

	t.Run("step name reused with a different kind fails permanently", func(t *testing.T) {
		o, _, _ := newTestOrchestrator(t, Options{})

		o.Register("test/kind", func(ctx context.Context, job *models.Job, s *Steps) error {
			if _, err := RunStep(ctx, s, "same", func(ctx context.Context) (int, error) { return 1, nil }); err != nil {
				return err
			}
			return s.SleepUntil(ctx, "same", time.Time{})
		})

		id, err := o.Enqueue(ctx, "test/kind", nil)
		require.NoError(t, err)

		_, err = o.RunDue(ctx)
		require.NoError(t, err)
		require.Equal(t, models.JobStateFailed, getJob(t, o, id).Job.State)
	})
}

func TestFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("permanent error fails without retry", func(t *testing.T) {
		o, _, _ := newTestOrchestrator(t, Options{})

		var runs atomic.Int32
		o.Register("test/permanent", func(ctx context.Context, job *models.Job, s *Steps) error {
			runs.Add(1)
			return Permanent(errors.New("bad input"))
		})

		id, err := o.Enqueue(ctx, "test/permanent", nil)
		require.NoError(t, err)

		_, err = o.RunDue(ctx)
		require.NoError(t, err)

		job := getJob(t, o, id)
		require.Equal(t, models.JobStateFailed, job.Job.State)
		require.Equal(t, 1, job.Job.Attempt)
		require.Equal(t, "bad input", job.Job.LastError)
		require.Equal(t, int32(1), runs.Load())
	})

	t.Run("attempts are bounded", func(t *testing.T) {
		o, _, clock := newTestOrchestrator(t, Options{MaxAttempts: 3})

		var runs atomic.Int32
		o.Register("test/flaky", func(ctx context.Context, job *models.Job, s *Steps) error {
			runs.Add(1)
			return fmt.Errorf("attempt %d failed", job.Attempt+1)
		})

		id, err := o.Enqueue(ctx, "test/flaky", nil)
		require.NoError(t, err)

		for range 5 {
			_, err = o.RunDue(ctx)
			require.NoError(t, err)
			clock.Advance(time.Hour)
		}

		job := getJob(t, o, id)
		require.Equal(t, models.JobStateFailed, job.Job.State)
		require.Equal(t, 3, job.Job.Attempt)
		require.Equal(t, "attempt 3 failed", job.Job.LastError)
		require.Equal(t, int32(3), runs.Load())
	})

	t.Run("missing handler fails permanently", func(t *testing.T) {
		o, _, _ := newTestOrchestrator(t, Options{})

		id, err := o.Enqueue(ctx, "test/unregistered", nil)
		require.NoError(t, err)

		_, err = o.RunDue(ctx)
		require.NoError(t, err)

		job := getJob(t, o, id)
		require.Equal(t, models.JobStateFailed, job.Job.State)
		require.Contains(t, job.Job.LastError, ErrNoHandler.Error())
	})

	t.Run("panic is retried", func(t *testing.T) {
		o, _, _ := newTestOrchestrator(t, Options{})

		o.Register("test/panic", func(ctx context.Context, job *models.Job, s *Steps) error {
			panic("boom")
		})

		id, err := o.Enqueue(ctx, "test/panic", nil)
		require.NoError(t, err)

		_, err = o.RunDue(ctx)
		require.NoError(t, err)

		job := getJob(t, o, id)
		require.Equal(t, models.JobStateScheduled, job.Job.State)
		require.Contains(t, job.Job.LastError, "handler panic: boom")
	})

	t.Run("recorded progress resets the attempt count", func(t *testing.T) {
		o, _, clock := newTestOrchestrator(t, Options{MaxAttempts: 2})

		o.Register("test/progress", func(ctx context.Context, job *models.Job, s *Steps) error {
			for i := range 6 {
				executed := false
				_, err := RunStep(ctx, s, fmt.Sprintf("part-%d", i), func(ctx context.Context) (int, error) {
					executed = true
					return i, nil
				})
				if err != nil {
					return err
				}
				if executed {
					return errors.New("connection reset")
				}
			}
			return nil
		})

		id, err := o.Enqueue(ctx, "test/progress", nil)
		require.NoError(t, err)

		for range 8 {
			_, err = o.RunDue(ctx)
			require.NoError(t, err)
			clock.Advance(time.Hour)
		}

		job := getJob(t, o, id)
		require.Equal(t, models.JobStateCompleted, job.Job.State)
		require.Len(t, job.Steps, 6)
	})
}

func TestOrderingKey(t *testing.T) {
	ctx := context.Background()
	o, _, clock := newTestOrchestrator(t, Options{})

	var (
		mu    sync.Mutex
		order []string
	)
	failFirst := true

	o.Register("test/ordered", func(ctx context.Context, job *models.Job, s *Steps) error {
		payload, err := DecodePayload[map[string]string](job)
		if err != nil {
			return err
		}

		mu.Lock()
		order = append(order, payload["name"])
		mu.Unlock()

		if payload["name"] == "created" && failFirst {
			failFirst = false
			return errors.New("transient")
		}
		return nil
	})

	_, err := o.Enqueue(ctx, "test/ordered", map[string]string{"name": "created"}, WithOrderingKey("user_1"))
	require.NoError(t, err)
	_, err = o.Enqueue(ctx, "test/ordered", map[string]string{"name": "deleted"}, WithOrderingKey("user_1"))
	require.NoError(t, err)
	_, err = o.Enqueue(ctx, "test/ordered", map[string]string{"name": "other"}, WithOrderingKey("user_2"))
	require.NoError(t, err)

	_, err = o.RunDue(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"created", "other"}, order)

	clock.Advance(time.Hour)
	_, err = o.RunDue(ctx)
	require.NoError(t, err)

	require.Len(t, order, 4)
	require.Equal(t, []string{"created", "deleted"}, order[2:])
}

func TestRetryJob(t *testing.T) {
	ctx := context.Background()
	o, _, _ := newTestOrchestrator(t, Options{})

	var sent atomic.Int32
	broken := true

	o.Register("test/retry", func(ctx context.Context, job *models.Job, s *Steps) error {
		if _, err := RunStep(ctx, s, "send", func(ctx context.Context) (bool, error) {
			sent.Add(1)
			return true, nil
		}); err != nil {
			return err
		}
		if broken {
			return Permanent(errors.New("template missing"))
		}
		return nil
	})

	id, err := o.Enqueue(ctx, "test/retry", nil)
	require.NoError(t, err)

	_, err = o.RunDue(ctx)
	require.NoError(t, err)
	require.Equal(t, models.JobStateFailed, getJob(t, o, id).Job.State)

	failed, err := o.ListJobs(ctx, &store.ListJobsRequest{State: models.JobStateFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)

	broken = false
	retried, err := o.RetryJob(ctx, id)
	require.NoError(t, err)
	require.Equal(t, models.JobStateScheduled, retried.State)
	require.Zero(t, retried.Attempt)

	_, err = o.RunDue(ctx)
	require.NoError(t, err)
	require.Equal(t, models.JobStateCompleted, getJob(t, o, id).Job.State)
	require.Equal(t, int32(1), sent.Load())

	_, err = o.RetryJob(ctx, id)
	require.ErrorIs(t, err, store.ErrConflict)

	_, err = o.ListJobs(ctx, &store.ListJobsRequest{State: "bogus"})
	require.Error(t, err)
}

func TestRun(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	o := New(memory.NewJobStore(), Options{
		PollInterval: 10 * time.Millisecond,
		Metrics:      telemetry.NewMetrics(mp),
	})

	done := make(chan string, 10)
	o.Register("test/run", func(ctx context.Context, job *models.Job, s *Steps) error {
		v, err := DecodePayload[string](job)
		if err != nil {
			return err
		}
		done <- v
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() { stopped <- o.Run(ctx) }()

	for i := range 3 {
		_, err := o.Enqueue(ctx, "test/run", fmt.Sprintf("job-%d", i))
		require.NoError(t, err)
	}

	var got []string
	for range 3 {
		select {
		case v := <-done:
			got = append(got, v)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for jobs")
		}
	}
	require.ElementsMatch(t, []string{"job-0", "job-1", "job-2"}, got)

	require.Eventually(t, func() bool {
		return counterValue(t, reader, "planboard.jobs.completed.total") == 3
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("orchestrator did not stop")
	}

	require.Equal(t, int64(3), counterValue(t, reader, "planboard.jobs.enqueued.total"))
}

func TestDecodePayload(t *testing.T) {
	_, err := DecodePayload[map[string]string](&models.Job{Name: "test", Payload: []byte(`{"broken"`)})
	require.ErrorIs(t, err, ErrPermanent)

	v, err := DecodePayload[map[string]string](&models.Job{Name: "test", Payload: []byte(`{"a":"b"}`)})
	require.NoError(t, err)
	require.Equal(t, "b", v["a"])
}

func TestBackoffDelay(t *testing.T) {
	cfg := BackoffConfig{
		InitialInterval: time.Second,
		MaxInterval:     10 * time.Second,
		Multiplier:      2,
	}

	require.Equal(t, time.Second, cfg.Delay(1))
	require.Equal(t, 2*time.Second, cfg.Delay(2))
	require.Equal(t, 8*time.Second, cfg.Delay(4))
	require.Equal(t, 10*time.Second, cfg.Delay(10))
}

func counterValue(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}
