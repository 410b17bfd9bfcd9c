package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/planboard/internal/models"
	"github.com/wolfeidau/planboard/internal/store"
)

var _ store.JobStore = (*JobStore)(nil)

const jobColumns = `id, name, payload, idempotency_key, ordering_key, state, attempt, max_attempts,
	run_at, lease_token, lease_until, last_error, created_at, updated_at, completed_at`

// JobStore implements store.JobStore using PostgreSQL as the backend.
// Claims use SELECT FOR UPDATE SKIP LOCKED so any number of processes can poll the same table.
type JobStore struct {
	pool *pgxpool.Pool
	cfg  *JobStoreConfig
}

// NewJobStore creates a job store on a shared connection pool.
func NewJobStore(pool *pgxpool.Pool, cfg *JobStoreConfig) (*JobStore, error) {
	if cfg == nil {
		cfg = &JobStoreConfig{}
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &JobStore{pool: pool, cfg: cfg}, nil
}

func (s *JobStore) queryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.QueryTimeout > 0 {
		return context.WithTimeout(ctx, s.cfg.QueryTimeout)
	}
	return ctx, func() {}
}

// EnqueueJob adds a new job to the queue with idempotency support.
// If a job with the same idempotency key already exists, returns the existing job.
func (s *JobStore) EnqueueJob(ctx context.Context, req *store.EnqueueRequest) (*models.Job, bool, error) {
	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	jobID := uuid.Must(uuid.NewV7())
	runAt := req.RunAt
	if runAt.IsZero() {
		runAt = time.Now()
	}

	query := `
		INSERT INTO jobs (
			id, name, payload, idempotency_key, ordering_key, state, attempt, max_attempts,
			run_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, 0, $7, $8, NOW(), NOW()
		)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING ` + jobColumns

	job, err := scanJob(s.pool.QueryRow(ctx, query,
		jobID,
		req.Name,
		req.Payload,
		nullIfEmpty(req.IdempotencyKey),
		nullIfEmpty(req.OrderingKey),
		models.JobStateScheduled,
		req.MaxAttempts,
		runAt,
	))
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, false, fmt.Errorf("failed to enqueue job: %w", mapPostgresError(err))
		}

		// conflict on the idempotency key, return the job that won
		existing, err := scanJob(s.pool.QueryRow(ctx,
			`SELECT `+jobColumns+` FROM jobs WHERE idempotency_key = $1`, req.IdempotencyKey))
		if err != nil {
			return nil, false, fmt.Errorf("concurrent insert conflict but job not found: %w", mapPostgresError(err))
		}

		log.Debug().
			Str("job_id", existing.ID.String()).
			Str("idempotency_key", req.IdempotencyKey).
			Msg("Job already exists (idempotent)")

		return existing, false, nil
	}

	log.Info().
		Str("job_id", job.ID.String()).
		Str("name", job.Name).
		Time("run_at", job.RunAt).
		Msg("Enqueued job")

	return job, true, nil
}

// ClaimJobs leases due jobs using SELECT FOR UPDATE SKIP LOCKED.
// Jobs whose lease expired are reclaimed. A job is not claimed while an earlier job with the
// same ordering key is still scheduled or running.
func (s *JobStore) ClaimJobs(ctx context.Context, now time.Time, max int, lease time.Duration) ([]*models.Job, error) {
	if max <= 0 {
		return nil, nil
	}

	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	query := `
		WITH claimable AS (
			SELECT j.id
			FROM jobs j
			WHERE ((j.state = 'scheduled' AND j.run_at <= $1)
			    OR (j.state = 'running' AND j.lease_until < $1))
			  AND (j.ordering_key IS NULL OR NOT EXISTS (
			        SELECT 1 FROM jobs p
			        WHERE p.ordering_key = j.ordering_key
			          AND p.seq < j.seq
			          AND p.state IN ('scheduled', 'running')
			  ))
			ORDER BY j.run_at ASC, j.seq ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE jobs
		SET
			state = 'running',
			lease_token = gen_random_uuid(),
			lease_until = $3,
			updated_at = NOW()
		FROM claimable
		WHERE jobs.id = claimable.id
		RETURNING ` + prefixed("jobs.", jobColumns)

	rows, err := s.pool.Query(ctx, query, now, max, now.Add(lease))
	if err != nil {
		return nil, mapPostgresError(err)
	}
	defer rows.Close()

	var claimed []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, mapPostgresError(err)
		}
		claimed = append(claimed, job)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPostgresError(err)
	}

	if len(claimed) > 0 {
		log.Debug().Int("claimed", len(claimed)).Int("max_jobs", max).Msg("Claimed jobs")
	}

	return claimed, nil
}

// ExtendLease pushes the lease deadline while the token still owns the job.
func (s *JobStore) ExtendLease(ctx context.Context, jobID uuid.UUID, token uuid.UUID, until time.Time) error {
	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	result, err := s.pool.Exec(ctx, `
		UPDATE jobs SET lease_until = $3, updated_at = NOW()
		WHERE id = $1 AND lease_token = $2 AND state = 'running'
	`, jobID, token, until)
	if err != nil {
		return mapPostgresError(err)
	}
	if result.RowsAffected() == 0 {
		return store.ErrLeaseLost
	}
	return nil
}

// GetStep returns a recorded step.
func (s *JobStore) GetStep(ctx context.Context, jobID uuid.UUID, name string) (*models.StepRecord, error) {
	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	step, err := scanStep(s.pool.QueryRow(ctx, `
		SELECT job_id, name, kind, output, wake_at, completed_at
		FROM job_steps
		WHERE job_id = $1 AND name = $2
	`, jobID, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrStepNotFound
		}
		return nil, mapPostgresError(err)
	}
	return step, nil
}

// SaveStep records a step while the lease is held. The first record for a name wins.
func (s *JobStore) SaveStep(ctx context.Context, token uuid.UUID, step *models.StepRecord) (*models.StepRecord, bool, error) {
	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	var (
		saved    *models.StepRecord
		inserted bool
	)
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// lock the job row so a reclaimed lease cannot interleave
		result, err := tx.Exec(ctx, `
			UPDATE jobs SET attempt = 0, updated_at = NOW()
			WHERE id = $1 AND lease_token = $2 AND state = 'running'
		`, step.JobID, token)
		if err != nil {
			return err
		}
		if result.RowsAffected() == 0 {
			return store.ErrLeaseLost
		}

		result, err = tx.Exec(ctx, `
			INSERT INTO job_steps (job_id, name, kind, output, wake_at, completed_at)
			VALUES ($1, $2, $3, $4, $5, NOW())
			ON CONFLICT (job_id, name) DO NOTHING
		`, step.JobID, step.Name, step.Kind, nullJSON(step.Output), step.WakeAt)
		if err != nil {
			return err
		}
		inserted = result.RowsAffected() == 1

		saved, err = scanStep(tx.QueryRow(ctx, `
			SELECT job_id, name, kind, output, wake_at, completed_at
			FROM job_steps
			WHERE job_id = $1 AND name = $2
		`, step.JobID, step.Name))
		return err
	})
	if err != nil {
		if errors.Is(err, store.ErrLeaseLost) {
			return nil, false, err
		}
		return nil, false, fmt.Errorf("failed to save step: %w", mapPostgresError(err))
	}

	return saved, inserted, nil
}

// RescheduleJob releases the lease and sets the next run time.
func (s *JobStore) RescheduleJob(ctx context.Context, jobID uuid.UUID, token uuid.UUID, runAt time.Time, attempt int, lastErr string) error {
	return s.finish(ctx, `
		UPDATE jobs SET
			state = 'scheduled',
			run_at = $3,
			attempt = $4,
			last_error = $5,
			lease_token = NULL,
			lease_until = NULL,
			updated_at = NOW()
		WHERE id = $1 AND lease_token = $2 AND state = 'running'
	`, jobID, token, runAt, attempt, lastErr)
}

// CompleteJob marks a job as completed and clears the lease.
func (s *JobStore) CompleteJob(ctx context.Context, jobID uuid.UUID, token uuid.UUID) error {
	return s.finish(ctx, `
		UPDATE jobs SET
			state = 'completed',
			last_error = '',
			lease_token = NULL,
			lease_until = NULL,
			completed_at = NOW(),
			updated_at = NOW()
		WHERE id = $1 AND lease_token = $2 AND state = 'running'
	`, jobID, token)
}

// FailJob marks a job as failed. Failed jobs are kept for operators.
func (s *JobStore) FailJob(ctx context.Context, jobID uuid.UUID, token uuid.UUID, attempt int, reason string) error {
	return s.finish(ctx, `
		UPDATE jobs SET
			state = 'failed',
			attempt = $3,
			last_error = $4,
			lease_token = NULL,
			lease_until = NULL,
			completed_at = NOW(),
			updated_at = NOW()
		WHERE id = $1 AND lease_token = $2 AND state = 'running'
	`, jobID, token, attempt, reason)
}

func (s *JobStore) finish(ctx context.Context, query string, args ...any) error {
	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	result, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return mapPostgresError(err)
	}
	if result.RowsAffected() == 0 {
		return store.ErrLeaseLost
	}
	return nil
}

// GetJob returns a job and its steps.
func (s *JobStore) GetJob(ctx context.Context, jobID uuid.UUID) (*models.JobWithSteps, error) {
	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrJobNotFound
		}
		return nil, mapPostgresError(err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT job_id, name, kind, output, wake_at, completed_at
		FROM job_steps
		WHERE job_id = $1
		ORDER BY completed_at ASC
	`, jobID)
	if err != nil {
		return nil, mapPostgresError(err)
	}
	defer rows.Close()

	result := &models.JobWithSteps{Job: *job}
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, mapPostgresError(err)
		}
		result.Steps = append(result.Steps, *step)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPostgresError(err)
	}

	return result, nil
}

// ListJobs returns jobs newest first, optionally filtered by state and name.
func (s *JobStore) ListJobs(ctx context.Context, req *store.ListJobsRequest) ([]*models.Job, error) {
	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	limit := req.Limit
	if limit <= 0 || limit > s.cfg.ListLimit {
		limit = s.cfg.ListLimit
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE ($1 = '' OR state = $1)
		  AND ($2 = '' OR name = $2)
		ORDER BY seq DESC
		LIMIT $3
	`, string(req.State), req.Name, limit)
	if err != nil {
		return nil, mapPostgresError(err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, mapPostgresError(err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPostgresError(err)
	}

	return jobs, nil
}

// RetryJob moves a failed job back to scheduled, keeping its recorded steps.
func (s *JobStore) RetryJob(ctx context.Context, jobID uuid.UUID, runAt time.Time) (*models.Job, error) {
	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	job, err := scanJob(s.pool.QueryRow(ctx, `
		UPDATE jobs SET
			state = 'scheduled',
			attempt = 0,
			run_at = $2,
			completed_at = NULL,
			updated_at = NOW()
		WHERE id = $1 AND state = 'failed'
		RETURNING `+jobColumns, jobID, runAt))
	if err == nil {
		log.Info().Str("job_id", jobID.String()).Msg("Retrying failed job")
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, mapPostgresError(err)
	}

	// distinguish a missing job from one that is not failed
	existing, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: job is %s, only failed jobs can be retried", store.ErrConflict, existing.Job.State)
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var (
		job            models.Job
		idempotencyKey *string
		orderingKey    *string
	)

	err := row.Scan(
		&job.ID,
		&job.Name,
		&job.Payload,
		&idempotencyKey,
		&orderingKey,
		&job.State,
		&job.Attempt,
		&job.MaxAttempts,
		&job.RunAt,
		&job.LeaseToken,
		&job.LeaseUntil,
		&job.LastError,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	job.IdempotencyKey = deref(idempotencyKey)
	job.OrderingKey = deref(orderingKey)

	return &job, nil
}

func scanStep(row pgx.Row) (*models.StepRecord, error) {
	var step models.StepRecord
	if err := row.Scan(
		&step.JobID,
		&step.Name,
		&step.Kind,
		&step.Output,
		&step.WakeAt,
		&step.CompletedAt,
	); err != nil {
		return nil, err
	}
	return &step, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

// PurgeCompletedJobs deletes completed jobs that finished before the cutoff. Failed jobs are kept.
func (s *JobStore) PurgeCompletedJobs(ctx context.Context, before time.Time) (int64, error) {
	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	result, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE state = 'completed' AND completed_at < $1`, before)
	if err != nil {
		return 0, mapPostgresError(err)
	}
	return result.RowsAffected(), nil
}

func prefixed(prefix, columns string) string {
	var out []string
	for _, c := range strings.Split(columns, ",") {
		out = append(out, prefix+strings.TrimSpace(c))
	}
	return strings.Join(out, ", ")
}
