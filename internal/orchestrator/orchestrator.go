package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/planboard/internal/models"
	"github.com/wolfeidau/planboard/internal/store"
	"github.com/wolfeidau/planboard/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/wolfeidau/planboard/internal/orchestrator"

// HandlerFunc runs one attempt of a job. Side effects belong inside RunStep so they are
// recorded and never repeated when the job is replayed.
type HandlerFunc func(ctx context.Context, job *models.Job, s *Steps) error

// Options configures the orchestrator. Zero values are replaced with defaults.
type Options struct {
	Workers            int
	PollInterval       time.Duration
	LeaseDuration      time.Duration
	StepTimeout        time.Duration
	MaxAttempts        int
	Backoff            BackoffConfig
	CompletedRetention time.Duration // zero keeps completed jobs forever
	PurgeInterval      time.Duration

	// Clock returns the current time, tests substitute a controllable clock.
	Clock   func() time.Time
	Metrics *telemetry.Metrics
}

func (o *Options) applyDefaults() {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.LeaseDuration <= 0 {
		o.LeaseDuration = 5 * time.Minute
	}
	if o.StepTimeout <= 0 {
		o.StepTimeout = 30 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.Backoff == (BackoffConfig{}) {
		o.Backoff = DefaultBackoff
	}
	if o.PurgeInterval <= 0 {
		o.PurgeInterval = time.Hour
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Metrics == nil {
		o.Metrics = telemetry.NewMetrics(nil)
	}
}

// Orchestrator runs named, durable, multi-step jobs on top of a JobStore.
type Orchestrator struct {
	store   store.JobStore
	opts    Options
	metrics *telemetry.Metrics
	tracer  trace.Tracer

	mu       sync.RWMutex
	handlers map[string]HandlerFunc

	wake chan struct{}
}

func New(jobStore store.JobStore, opts Options) *Orchestrator {
	opts.applyDefaults()

	return &Orchestrator{
		store:    jobStore,
		opts:     opts,
		metrics:  opts.Metrics,
		tracer:   otel.Tracer(tracerName),
		handlers: make(map[string]HandlerFunc),
		wake:     make(chan struct{}, 1),
	}
}

// Register binds a handler to an event name. Registering a name twice replaces the handler.
func (o *Orchestrator) Register(name string, h HandlerFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.handlers[name] = h
}

func (o *Orchestrator) handler(name string) (HandlerFunc, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	h, ok := o.handlers[name]
	return h, ok
}

// EnqueueOption customises a single Enqueue call.
type EnqueueOption func(*store.EnqueueRequest)

// WithIdempotencyKey deduplicates enqueues sharing the key. The first job wins.
func WithIdempotencyKey(key string) EnqueueOption {
	return func(r *store.EnqueueRequest) { r.IdempotencyKey = key }
}

// WithOrderingKey makes jobs with the same key run one at a time in enqueue order.
func WithOrderingKey(key string) EnqueueOption {
	return func(r *store.EnqueueRequest) { r.OrderingKey = key }
}

func WithRunAt(t time.Time) EnqueueOption {
	return func(r *store.EnqueueRequest) { r.RunAt = t }
}

func WithMaxAttempts(n int) EnqueueOption {
	return func(r *store.EnqueueRequest) {
		if n > 0 {
			r.MaxAttempts = n
		}
	}
}

// Enqueue durably records an event and returns the id of the job that will process it.
// The payload is encoded as JSON.
func (o *Orchestrator) Enqueue(ctx context.Context, name string, payload any, opts ...EnqueueOption) (uuid.UUID, error) {
	if name == "" {
		return uuid.Nil, errors.New("job name is required")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to encode payload for %s: %w", name, err)
	}

	req := &store.EnqueueRequest{
		Name:        name,
		Payload:     data,
		MaxAttempts: o.opts.MaxAttempts,
		RunAt:       o.now(),
	}
	for _, opt := range opts {
		opt(req)
	}

	job, created, err := o.store.EnqueueJob(ctx, req)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to enqueue %s: %w", name, err)
	}

	logger := zerolog.Ctx(ctx)
	if !created {
		logger.Debug().
			Str("job_id", job.ID.String()).
			Str("idempotency_key", req.IdempotencyKey).
			Msg("Duplicate enqueue ignored")
		return job.ID, nil
	}

	o.metrics.JobsEnqueuedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("job.name", name)))
	logger.Debug().Str("job_id", job.ID.String()).Str("job_name", name).Msg("Job enqueued")

	o.nudge()

	return job.ID, nil
}

func (o *Orchestrator) nudge() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// Run polls for due jobs until ctx is cancelled, then waits for in-flight jobs to settle.
func (o *Orchestrator) Run(ctx context.Context) error {
	log.Info().
		Int("workers", o.opts.Workers).
		Dur("poll_interval", o.opts.PollInterval).
		Msg("Starting orchestrator")

	sem := make(chan struct{}, o.opts.Workers)
	var wg sync.WaitGroup

	poll := time.NewTicker(o.opts.PollInterval)
	defer poll.Stop()

	purge := time.NewTicker(o.opts.PurgeInterval)
	defer purge.Stop()

	// in-flight jobs finish their current run even when shutdown starts
	runCtx := context.WithoutCancel(ctx)

	for {
		o.dispatch(ctx, runCtx, sem, &wg)

		select {
		case <-ctx.Done():
			log.Info().Msg("Stopping orchestrator, waiting for in-flight jobs")
			wg.Wait()
			log.Info().Msg("Orchestrator stopped")
			return nil
		case <-poll.C:
		case <-o.wake:
		case <-purge.C:
			o.purgeCompleted(ctx)
		}
	}
}

func (o *Orchestrator) dispatch(ctx, runCtx context.Context, sem chan struct{}, wg *sync.WaitGroup) {
	free := cap(sem) - len(sem)
	if free == 0 {
		return
	}

	jobs, err := o.store.ClaimJobs(ctx, o.now(), free, o.opts.LeaseDuration)
	if err != nil {
		if ctx.Err() == nil {
			log.Error().Err(err).Msg("Failed to claim jobs")
		}
		return
	}

	for _, job := range jobs {
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			o.execute(runCtx, job)
		}()
	}
}

// RunDue claims and executes due jobs on the calling goroutine until none are left.
// It returns the number of job runs performed.
func (o *Orchestrator) RunDue(ctx context.Context) (int, error) {
	runs := 0
	for {
		jobs, err := o.store.ClaimJobs(ctx, o.now(), o.opts.Workers, o.opts.LeaseDuration)
		if err != nil {
			return runs, fmt.Errorf("failed to claim jobs: %w", err)
		}
		if len(jobs) == 0 {
			return runs, nil
		}

		for _, job := range jobs {
			o.execute(ctx, job)
			runs++
		}
	}
}

func (o *Orchestrator) execute(ctx context.Context, job *models.Job) {
	ctx, span := o.tracer.Start(ctx, "job "+job.Name,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("job.id", job.ID.String()),
			attribute.String("job.name", job.Name),
			attribute.Int("job.attempt", job.Attempt),
		),
	)
	defer span.End()

	logger := log.With().
		Str("job_id", job.ID.String()).
		Str("job_name", job.Name).
		Int("attempt", job.Attempt).
		Logger()
	ctx = logger.WithContext(ctx)

	attrs := metric.WithAttributes(attribute.String("job.name", job.Name))
	o.metrics.JobsClaimedTotal.Add(ctx, 1, attrs)
	o.metrics.ActiveJobs.Add(ctx, 1, attrs)
	defer o.metrics.ActiveJobs.Add(ctx, -1, attrs)

	start := time.Now()

	handlerCtx, cancelHandler := context.WithCancel(ctx)
	keepAliveCtx, stopKeepAlive := context.WithCancel(ctx)
	go o.keepAlive(keepAliveCtx, job, cancelHandler)

	steps := &Steps{o: o, job: job}
	runErr := o.invoke(handlerCtx, job, steps)

	stopKeepAlive()
	cancelHandler()

	if runErr != nil && !IsSuspended(runErr) {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
	}

	o.settle(ctx, job, steps, runErr)

	o.metrics.JobDuration.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
}

func (o *Orchestrator) invoke(ctx context.Context, job *models.Job, steps *Steps) (err error) {
	h, ok := o.handler(job.Name)
	if !ok {
		return Permanent(fmt.Errorf("%w for %s", ErrNoHandler, job.Name))
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	return h(ctx, job, steps)
}

// keepAlive extends the lease while the handler runs. A lost lease cancels the handler.
func (o *Orchestrator) keepAlive(ctx context.Context, job *models.Job, cancelHandler context.CancelFunc) {
	ticker := time.NewTicker(o.opts.LeaseDuration / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			until := o.now().Add(o.opts.LeaseDuration)
			err := o.store.ExtendLease(ctx, job.ID, *job.LeaseToken, until)
			switch {
			case err == nil:
			case errors.Is(err, store.ErrLeaseLost):
				zerolog.Ctx(ctx).Warn().Msg("Lease lost while job was running, cancelling handler")
				cancelHandler()
				return
			case ctx.Err() == nil:
				zerolog.Ctx(ctx).Warn().Err(err).Msg("Failed to extend job lease")
			}
		}
	}
}

func (o *Orchestrator) settle(ctx context.Context, job *models.Job, steps *Steps, runErr error) {
	logger := zerolog.Ctx(ctx)
	attrs := metric.WithAttributes(attribute.String("job.name", job.Name))
	token := *job.LeaseToken

	// recording a step clears the consecutive failure count
	attempt := job.Attempt
	if steps.progressed {
		attempt = 0
	}

	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = o.opts.MaxAttempts
	}

	var (
		se  *suspendError
		err error
	)

	switch {
	case runErr == nil:
		err = o.store.CompleteJob(ctx, job.ID, token)
		if err == nil {
			o.metrics.JobsCompletedTotal.Add(ctx, 1, attrs)
			logger.Info().Msg("Job completed")
		}

	case errors.As(runErr, &se):
		err = o.store.RescheduleJob(ctx, job.ID, token, se.until, attempt, "")
		if err == nil {
			o.metrics.JobsSuspendedTotal.Add(ctx, 1, attrs)
			logger.Info().Str("step", se.step).Time("wake_at", se.until).Msg("Job suspended")
		}

	default:
		attempt++
		if errors.Is(runErr, ErrPermanent) || attempt >= maxAttempts {
			err = o.store.FailJob(ctx, job.ID, token, attempt, runErr.Error())
			if err == nil {
				o.metrics.JobsFailedTotal.Add(ctx, 1, attrs)
				logger.Error().Err(runErr).Int("attempts", attempt).Msg("Job failed")
			}
			break
		}

		delay := o.opts.Backoff.Delay(attempt)
		err = o.store.RescheduleJob(ctx, job.ID, token, o.now().Add(delay), attempt, runErr.Error())
		if err == nil {
			o.metrics.JobsRetriedTotal.Add(ctx, 1, attrs)
			logger.Warn().Err(runErr).Int("attempts", attempt).Dur("retry_in", delay).Msg("Job run failed, retrying")
		}
	}

	switch {
	case errors.Is(err, store.ErrLeaseLost):
		o.metrics.LeasesLostTotal.Add(ctx, 1, attrs)
		logger.Warn().Msg("Job lease lost before the run could be settled")
	case err != nil:
		logger.Error().Err(err).Msg("Failed to settle job")
	}
}

func (o *Orchestrator) purgeCompleted(ctx context.Context) {
	if o.opts.CompletedRetention <= 0 {
		return
	}

	cutoff := o.now().Add(-o.opts.CompletedRetention)
	n, err := o.store.PurgeCompletedJobs(ctx, cutoff)
	if err != nil {
		log.Error().Err(err).Msg("Failed to purge completed jobs")
		return
	}
	if n > 0 {
		log.Info().Int64("purged", n).Time("cutoff", cutoff).Msg("Purged completed jobs")
	}
}

// GetJob returns a job and its recorded steps.
func (o *Orchestrator) GetJob(ctx context.Context, id uuid.UUID) (*models.JobWithSteps, error) {
	return o.store.GetJob(ctx, id)
}

func (o *Orchestrator) ListJobs(ctx context.Context, req *store.ListJobsRequest) ([]*models.Job, error) {
	if req.State != "" && !req.State.Valid() {
		return nil, fmt.Errorf("unknown job state %q", req.State)
	}
	return o.store.ListJobs(ctx, req)
}

// RetryJob schedules a failed job to run again immediately. Steps it already recorded are
// replayed rather than repeated.
func (o *Orchestrator) RetryJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	job, err := o.store.RetryJob(ctx, id, o.now())
	if err != nil {
		return nil, err
	}

	log.Info().Str("job_id", id.String()).Str("job_name", job.Name).Msg("Job retried by operator")
	o.nudge()

	return job, nil
}

func (o *Orchestrator) now() time.Time {
	return o.opts.Clock()
}

// DecodePayload unmarshals a job payload. A payload that cannot be decoded will never
// succeed, so the error is permanent.
func DecodePayload[T any](job *models.Job) (T, error) {
	var v T
	if err := json.Unmarshal(job.Payload, &v); err != nil {
		return v, Permanent(fmt.Errorf("malformed payload for %s: %w", job.Name, err))
	}
	return v, nil
}
