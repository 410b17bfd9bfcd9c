package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/planboard/internal/models"
	"github.com/wolfeidau/planboard/internal/store"
)

var _ store.JobStore = (*JobStore)(nil)

type memJob struct {
	job models.Job
	seq int64
}

// JobStore implements store.JobStore using in-memory storage.
// Jobs do not survive a restart so this is only suitable for development and tests.
type JobStore struct {
	mu sync.RWMutex

	jobs          map[uuid.UUID]*memJob
	byIdempotency map[string]uuid.UUID
	steps         map[uuid.UUID]map[string]*models.StepRecord
	seq           int64
}

// NewJobStore creates a new in-memory job store.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs:          make(map[uuid.UUID]*memJob),
		byIdempotency: make(map[string]uuid.UUID),
		steps:         make(map[uuid.UUID]map[string]*models.StepRecord),
	}
}

// EnqueueJob adds a job to the queue with idempotency support.
func (s *JobStore) EnqueueJob(ctx context.Context, req *store.EnqueueRequest) (*models.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.IdempotencyKey != "" {
		if id, ok := s.byIdempotency[req.IdempotencyKey]; ok {
			existing := s.jobs[id].job
			log.Debug().
				Str("job_id", id.String()).
				Str("idempotency_key", req.IdempotencyKey).
				Msg("Job already exists (idempotent)")
			return cloneJob(&existing), false, nil
		}
	}

	now := time.Now().UTC()
	runAt := req.RunAt
	if runAt.IsZero() {
		runAt = now
	}

	s.seq++
	mj := &memJob{
		seq: s.seq,
		job: models.Job{
			ID:             uuid.Must(uuid.NewV7()),
			Name:           req.Name,
			Payload:        append([]byte(nil), req.Payload...),
			IdempotencyKey: req.IdempotencyKey,
			OrderingKey:    req.OrderingKey,
			State:          models.JobStateScheduled,
			MaxAttempts:    req.MaxAttempts,
			RunAt:          runAt.UTC(),
			CreatedAt:      now,
			UpdatedAt:      now,
		},
	}

	s.jobs[mj.job.ID] = mj
	if req.IdempotencyKey != "" {
		s.byIdempotency[req.IdempotencyKey] = mj.job.ID
	}

	return cloneJob(&mj.job), true, nil
}

// ClaimJobs leases due jobs, honouring per ordering key sequencing.
func (s *JobStore) ClaimJobs(ctx context.Context, now time.Time, max int, lease time.Duration) ([]*models.Job, error) {
	if max <= 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*memJob
	for _, mj := range s.jobs {
		if s.isDueLocked(mj, now) && !s.isBlockedLocked(mj) {
			due = append(due, mj)
		}
	}

	sort.Slice(due, func(i, j int) bool {
		if due[i].job.RunAt.Equal(due[j].job.RunAt) {
			return due[i].seq < due[j].seq
		}
		return due[i].job.RunAt.Before(due[j].job.RunAt)
	})

	if len(due) > max {
		due = due[:max]
	}

	var claimed []*models.Job
	until := now.Add(lease).UTC()
	for _, mj := range due {
		token := uuid.New()
		mj.job.State = models.JobStateRunning
		mj.job.LeaseToken = &token
		mj.job.LeaseUntil = &until
		mj.job.UpdatedAt = now.UTC()
		claimed = append(claimed, cloneJob(&mj.job))
	}

	return claimed, nil
}

func (s *JobStore) isDueLocked(mj *memJob, now time.Time) bool {
	switch mj.job.State {
	case models.JobStateScheduled:
		return !mj.job.RunAt.After(now)
	case models.JobStateRunning:
		return mj.job.LeaseUntil != nil && mj.job.LeaseUntil.Before(now)
	default:
		return false
	}
}

// isBlockedLocked reports whether an earlier job with the same ordering key is unfinished.
func (s *JobStore) isBlockedLocked(mj *memJob) bool {
	if mj.job.OrderingKey == "" {
		return false
	}
	for _, other := range s.jobs {
		if other.seq < mj.seq &&
			other.job.OrderingKey == mj.job.OrderingKey &&
			!other.job.State.Finished() {
			return true
		}
	}
	return false
}

// ExtendLease pushes the lease deadline for a running job.
func (s *JobStore) ExtendLease(ctx context.Context, jobID uuid.UUID, token uuid.UUID, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mj, err := s.leasedLocked(jobID, token)
	if err != nil {
		return err
	}
	until = until.UTC()
	mj.job.LeaseUntil = &until
	return nil
}

// GetStep returns a recorded step.
func (s *JobStore) GetStep(ctx context.Context, jobID uuid.UUID, name string) (*models.StepRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	step, ok := s.steps[jobID][name]
	if !ok {
		return nil, store.ErrStepNotFound
	}
	return cloneStep(step), nil
}

// SaveStep records a completed step. The first record for a name wins.
func (s *JobStore) SaveStep(ctx context.Context, token uuid.UUID, step *models.StepRecord) (*models.StepRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mj, err := s.leasedLocked(step.JobID, token)
	if err != nil {
		return nil, false, err
	}

	steps, ok := s.steps[step.JobID]
	if !ok {
		steps = make(map[string]*models.StepRecord)
		s.steps[step.JobID] = steps
	}
	if existing, ok := steps[step.Name]; ok {
		return cloneStep(existing), false, nil
	}

	clone := cloneStep(step)
	if clone.CompletedAt.IsZero() {
		clone.CompletedAt = time.Now().UTC()
	}
	steps[step.Name] = clone

	mj.job.Attempt = 0
	mj.job.UpdatedAt = time.Now().UTC()

	return cloneStep(clone), true, nil
}

// RescheduleJob releases the lease and makes the job due again at runAt.
func (s *JobStore) RescheduleJob(ctx context.Context, jobID uuid.UUID, token uuid.UUID, runAt time.Time, attempt int, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mj, err := s.leasedLocked(jobID, token)
	if err != nil {
		return err
	}

	mj.job.State = models.JobStateScheduled
	mj.job.RunAt = runAt.UTC()
	mj.job.Attempt = attempt
	mj.job.LastError = lastErr
	mj.job.LeaseToken = nil
	mj.job.LeaseUntil = nil
	mj.job.UpdatedAt = time.Now().UTC()

	return nil
}

// CompleteJob marks a job as completed.
func (s *JobStore) CompleteJob(ctx context.Context, jobID uuid.UUID, token uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mj, err := s.leasedLocked(jobID, token)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	mj.job.State = models.JobStateCompleted
	mj.job.LastError = ""
	mj.job.LeaseToken = nil
	mj.job.LeaseUntil = nil
	mj.job.CompletedAt = &now
	mj.job.UpdatedAt = now

	return nil
}

// FailJob marks a job as failed and keeps it for operators.
func (s *JobStore) FailJob(ctx context.Context, jobID uuid.UUID, token uuid.UUID, attempt int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mj, err := s.leasedLocked(jobID, token)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	mj.job.State = models.JobStateFailed
	mj.job.Attempt = attempt
	mj.job.LastError = reason
	mj.job.LeaseToken = nil
	mj.job.LeaseUntil = nil
	mj.job.CompletedAt = &now
	mj.job.UpdatedAt = now

	return nil
}

// GetJob returns a job and its recorded steps.
func (s *JobStore) GetJob(ctx context.Context, jobID uuid.UUID) (*models.JobWithSteps, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mj, ok := s.jobs[jobID]
	if !ok {
		return nil, store.ErrJobNotFound
	}

	result := &models.JobWithSteps{Job: *cloneJob(&mj.job)}
	for _, step := range s.steps[jobID] {
		result.Steps = append(result.Steps, *cloneStep(step))
	}
	sort.Slice(result.Steps, func(i, j int) bool {
		return result.Steps[i].CompletedAt.Before(result.Steps[j].CompletedAt)
	})

	return result, nil
}

// ListJobs returns jobs newest first.
func (s *JobStore) ListJobs(ctx context.Context, req *store.ListJobsRequest) ([]*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*memJob
	for _, mj := range s.jobs {
		if req.State != "" && mj.job.State != req.State {
			continue
		}
		if req.Name != "" && mj.job.Name != req.Name {
			continue
		}
		matched = append(matched, mj)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].seq > matched[j].seq
	})

	limit := req.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(matched) > limit {
		matched = matched[:limit]
	}

	result := make([]*models.Job, 0, len(matched))
	for _, mj := range matched {
		result = append(result, cloneJob(&mj.job))
	}
	return result, nil
}

// RetryJob reschedules a failed job.
func (s *JobStore) RetryJob(ctx context.Context, jobID uuid.UUID, runAt time.Time) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mj, ok := s.jobs[jobID]
	if !ok {
		return nil, store.ErrJobNotFound
	}
	if mj.job.State != models.JobStateFailed {
		return nil, fmt.Errorf("%w: job is %s, only failed jobs can be retried", store.ErrConflict, mj.job.State)
	}

	mj.job.State = models.JobStateScheduled
	mj.job.Attempt = 0
	mj.job.RunAt = runAt.UTC()
	mj.job.CompletedAt = nil
	mj.job.UpdatedAt = time.Now().UTC()

	return cloneJob(&mj.job), nil
}

func (s *JobStore) leasedLocked(jobID uuid.UUID, token uuid.UUID) (*memJob, error) {
	mj, ok := s.jobs[jobID]
	if !ok {
		return nil, store.ErrJobNotFound
	}
	if mj.job.State != models.JobStateRunning || mj.job.LeaseToken == nil || *mj.job.LeaseToken != token {
		return nil, store.ErrLeaseLost
	}
	return mj, nil
}

func cloneJob(j *models.Job) *models.Job {
	c := *j
	c.Payload = append([]byte(nil), j.Payload...)
	c.LeaseToken = clonePtr(j.LeaseToken)
	c.LeaseUntil = clonePtr(j.LeaseUntil)
	c.CompletedAt = clonePtr(j.CompletedAt)
	return &c
}

func cloneStep(s *models.StepRecord) *models.StepRecord {
	c := *s
	c.Output = append([]byte(nil), s.Output...)
	c.WakeAt = clonePtr(s.WakeAt)
	return &c
}

// PurgeCompletedJobs deletes completed jobs finished before the cutoff.
func (s *JobStore) PurgeCompletedJobs(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var purged int64
	for id, mj := range s.jobs {
		if mj.job.State != models.JobStateCompleted || mj.job.CompletedAt == nil || !mj.job.CompletedAt.Before(before) {
			continue
		}
		delete(s.jobs, id)
		delete(s.steps, id)
		if mj.job.IdempotencyKey != "" {
			delete(s.byIdempotency, mj.job.IdempotencyKey)
		}
		purged++
	}
	return purged, nil
}
