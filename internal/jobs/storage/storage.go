// Package storage is the PostgreSQL job store: enqueue, lease-based claiming,
// completion and retry bookkeeping, and the idempotent enqueuer.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/cuongbtq/portfolio-workcore/internal/jobs"
	"github.com/cuongbtq/portfolio-workcore/internal/jobs/backoff"
	"github.com/cuongbtq/portfolio-workcore/shared/postgresql"
)

// ActiveEntityConstraint is the partial unique index backing "one active job
// per (job_type, entity_key)"
const ActiveEntityConstraint = "jobs_active_entity_uniq"

const jobColumns = `job_id, job_type, entity_key, status, priority, scheduled_for,
	lease_expires_at, worker_id, attempts, max_attempts, channel, payload, result,
	error_message, created_at, started_at, completed_at, updated_at`

// Options tune the store
type Options struct {
	Defaults jobs.Defaults
	Backoff  backoff.Strategy
}

// Storage handles all job table operations
type Storage struct {
	pg       *postgresql.Client
	db       *sqlx.DB
	logger   *slog.Logger
	defaults jobs.Defaults
	backoff  backoff.Strategy
	now      func() time.Time
}

// NewStorage creates a new Storage instance
func NewStorage(pg *postgresql.Client, logger *slog.Logger, opts Options) *Storage {
	if opts.Backoff == nil {
		opts.Backoff = backoff.Exponential{Initial: 30 * time.Second, Max: 30 * time.Minute}
	}
	if opts.Defaults.MaxAttempts == 0 {
		opts.Defaults.MaxAttempts = 3
	}
	if opts.Defaults.Channel == "" {
		opts.Defaults.Channel = "default"
	}
	return &Storage{
		pg:       pg,
		db:       pg.GetDB(),
		logger:   logger,
		defaults: opts.Defaults,
		backoff:  opts.Backoff,
		now:      time.Now,
	}
}

// Defaults returns the channel and max attempts applied to new jobs
func (s *Storage) Defaults() jobs.Defaults {
	return s.defaults
}

// Enqueue inserts a pending job and returns its id. A job with an entity key
// that collides with an active job yields jobs.ErrDuplicateJob.
func (s *Storage) Enqueue(ctx context.Context, spec jobs.Spec) (string, error) {
	spec, err := spec.Normalize(s.defaults, s.now())
	if err != nil {
		return "", err
	}

	jobID, err := insertJob(ctx, s.db, spec)
	if err != nil {
		if postgresql.IsUniqueViolation(err, ActiveEntityConstraint) {
			return "", jobs.ErrDuplicateJob
		}
		return "", err
	}

	s.logger.Info("Job enqueued",
		slog.String("job_id", jobID),
		slog.String("job_type", spec.Type),
		slog.String("channel", spec.Channel),
		slog.Int("priority", spec.Priority),
	)
	return jobID, nil
}

func insertJob(ctx context.Context, q sqlx.ExecerContext, spec jobs.Spec) (string, error) {
	query := `
		INSERT INTO jobs (
			job_id, job_type, entity_key, status, priority, scheduled_for,
			attempts, max_attempts, channel, payload, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			0, $7, $8, $9, NOW(), NOW()
		)
	`

	var entityKey *string
	if spec.EntityKey != "" {
		entityKey = &spec.EntityKey
	}

	jobID := uuid.New().String()
	_, err := q.ExecContext(ctx, query,
		jobID,
		spec.Type,
		entityKey,
		jobs.StatusPending,
		spec.Priority,
		spec.ScheduledFor,
		spec.MaxAttempts,
		spec.Channel,
		spec.Payload,
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert job: %w", err)
	}
	return jobID, nil
}

// ClaimNext atomically leases the best-ranked eligible job on the requested
// channels. It returns nil when nothing is eligible.
func (s *Storage) ClaimNext(ctx context.Context, req jobs.ClaimRequest) (*jobs.Job, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid claim request: %w", err)
	}

	// Reclaiming an expired lease consumes an attempt, so a job that keeps
	// crashing its worker still hits max_attempts.
	query := `
		UPDATE jobs
		SET status = 'processing',
		    attempts = CASE WHEN status = 'processing' THEN attempts + 1 ELSE attempts END,
		    worker_id = $1,
		    started_at = NOW(),
		    lease_expires_at = NOW() + ($2::bigint * INTERVAL '1 millisecond'),
		    updated_at = NOW()
		WHERE job_id = (
			SELECT job_id
			FROM jobs
			WHERE channel = ANY($3)
			  AND status IN ('pending', 'failed', 'processing')
			  AND attempts < max_attempts
			  AND (status <> 'processing' OR attempts + 1 < max_attempts)
			  AND scheduled_for <= NOW()
			  AND (lease_expires_at IS NULL OR lease_expires_at <= NOW())
			ORDER BY (channel = $4) DESC,
			         lease_expires_at ASC NULLS FIRST,
			         scheduled_for ASC,
			         priority DESC,
			         created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns

	var job jobs.Job
	err := s.db.QueryRowxContext(ctx, query,
		req.WorkerID,
		req.Lease.Milliseconds(),
		pq.Array(req.Channels()),
		req.Channel,
	).StructScan(&job)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	s.logger.Info("Job claimed",
		slog.String("job_id", job.ID),
		slog.String("job_type", job.Type),
		slog.String("channel", job.Channel),
		slog.String("worker_id", req.WorkerID),
		slog.Int("attempts", job.Attempts),
	)
	return &job, nil
}

// ExtendLease pushes the lease of a job held by workerID to now + lease
func (s *Storage) ExtendLease(ctx context.Context, jobID, workerID string, lease time.Duration) error {
	query := `
		UPDATE jobs
		SET lease_expires_at = NOW() + ($3::bigint * INTERVAL '1 millisecond'),
		    updated_at = NOW()
		WHERE job_id = $1 AND worker_id = $2 AND status = 'processing'
	`

	result, err := s.db.ExecContext(ctx, query, jobID, workerID, lease.Milliseconds())
	if err != nil {
		return fmt.Errorf("failed to extend lease: %w", err)
	}
	return s.requireRow(ctx, result, jobID)
}

// Complete marks a job held by workerID as completed
func (s *Storage) Complete(ctx context.Context, jobID, workerID string, result jobs.JSON) error {
	query := `
		UPDATE jobs
		SET status = 'completed',
		    result = $3,
		    error_message = NULL,
		    lease_expires_at = NULL,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE job_id = $1 AND worker_id = $2 AND status = 'processing'
	`

	res, err := s.db.ExecContext(ctx, query, jobID, workerID, result)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	if err := s.requireRow(ctx, res, jobID); err != nil {
		return err
	}

	s.logger.Info("Job completed",
		slog.String("job_id", jobID),
		slog.String("worker_id", workerID),
	)
	return nil
}

// requireRow turns "no row updated" into ErrJobNotFound or ErrLeaseLost
func (s *Storage) requireRow(ctx context.Context, result sql.Result, jobID string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}
	if _, err := s.Get(ctx, jobID); err != nil {
		return err
	}
	return jobs.ErrLeaseLost
}

// Fail records a failed attempt. The job goes back to pending with a backoff
// delay while attempts remain, and to terminal failed otherwise. The updated
// job is returned.
func (s *Storage) Fail(ctx context.Context, jobID, workerID, errMsg string) (*jobs.Job, error) {
	var updated jobs.Job

	err := s.pg.WithTx(ctx, func(tx *sqlx.Tx) error {
		var job jobs.Job
		err := tx.GetContext(ctx, &job, `SELECT `+jobColumns+` FROM jobs WHERE job_id = $1 FOR UPDATE`, jobID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return jobs.ErrJobNotFound
			}
			return fmt.Errorf("failed to load job: %w", err)
		}
		if job.Status != jobs.StatusProcessing || job.WorkerID == nil || *job.WorkerID != workerID {
			return jobs.ErrLeaseLost
		}

		attempts := job.Attempts + 1
		var query string
		args := []interface{}{jobID, attempts, errMsg}
		if attempts < job.MaxAttempts {
			query = `
				UPDATE jobs
				SET status = 'pending',
				    attempts = $2,
				    error_message = $3,
				    worker_id = NULL,
				    lease_expires_at = NULL,
				    scheduled_for = NOW() + ($4::bigint * INTERVAL '1 millisecond'),
				    updated_at = NOW()
				WHERE job_id = $1
				RETURNING ` + jobColumns
			args = append(args, s.backoff.Delay(attempts).Milliseconds())
		} else {
			query = `
				UPDATE jobs
				SET status = 'failed',
				    attempts = $2,
				    error_message = $3,
				    lease_expires_at = NULL,
				    completed_at = NOW(),
				    updated_at = NOW()
				WHERE job_id = $1
				RETURNING ` + jobColumns
		}

		if err := tx.QueryRowxContext(ctx, query, args...).StructScan(&updated); err != nil {
			return fmt.Errorf("failed to record job failure: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if updated.Status == jobs.StatusPending {
		s.logger.Warn("Job failed, retry scheduled",
			slog.String("job_id", jobID),
			slog.Int("attempts", updated.Attempts),
			slog.Int("max_attempts", updated.MaxAttempts),
			slog.Time("scheduled_for", updated.ScheduledFor),
			slog.String("error", errMsg),
		)
	} else {
		s.logger.Error("Job failed permanently",
			slog.String("job_id", jobID),
			slog.Int("attempts", updated.Attempts),
			slog.String("error", errMsg),
		)
	}
	return &updated, nil
}

// Cancel marks a pending or retryable job as cancelled
func (s *Storage) Cancel(ctx context.Context, jobID string) (*jobs.Job, error) {
	query := `
		UPDATE jobs
		SET status = 'cancelled',
		    lease_expires_at = NULL,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE job_id = $1
		  AND (status = 'pending' OR (status = 'failed' AND attempts < max_attempts))
		RETURNING ` + jobColumns

	var job jobs.Job
	err := s.db.QueryRowxContext(ctx, query, jobID).StructScan(&job)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("failed to cancel job: %w", err)
		}
		if _, err := s.Get(ctx, jobID); err != nil {
			return nil, err
		}
		return nil, jobs.ErrJobNotCancellable
	}

	s.logger.Info("Job cancelled", slog.String("job_id", jobID))
	return &job, nil
}

// Get retrieves a job by id
func (s *Storage) Get(ctx context.Context, jobID string) (*jobs.Job, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return nil, jobs.ErrJobNotFound
	}

	var job jobs.Job
	err := s.db.GetContext(ctx, &job, `SELECT `+jobColumns+` FROM jobs WHERE job_id = $1`, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, jobs.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// List returns one page of jobs ordered by created_at DESC, job_id DESC.
// It fetches one row past the page size so callers can tell if more exist.
func (s *Storage) List(ctx context.Context, filter jobs.Filter) ([]jobs.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.Type != "" {
		query += fmt.Sprintf(" AND job_type = $%d", argIdx)
		args = append(args, filter.Type)
		argIdx++
	}

	if filter.Channel != "" {
		query += fmt.Sprintf(" AND channel = $%d", argIdx)
		args = append(args, filter.Channel)
		argIdx++
	}

	if filter.EntityKey != "" {
		query += fmt.Sprintf(" AND entity_key = $%d", argIdx)
		args = append(args, filter.EntityKey)
		argIdx++
	}

	if w := filter.SLA; w != nil {
		query += fmt.Sprintf(`
			AND ((status = 'pending' AND $%d::bigint > 0
			      AND scheduled_for < NOW() - ($%d::bigint * INTERVAL '1 millisecond'))
			  OR (status = 'processing' AND $%d::bigint > 0
			      AND started_at < NOW() - ($%d::bigint * INTERVAL '1 millisecond')))`,
			argIdx, argIdx, argIdx+1, argIdx+1)
		args = append(args, w.PendingOlderThan.Milliseconds(), w.ProcessingOlderThan.Milliseconds())
		argIdx += 2
	}

	if filter.After != nil {
		query += fmt.Sprintf(" AND (created_at, job_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.After.CreatedAt, filter.After.JobID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, job_id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize()+1)

	var list []jobs.Job
	if err := s.db.SelectContext(ctx, &list, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return list, nil
}

// ListActive returns up to limit pending and processing jobs, oldest first
func (s *Storage) ListActive(ctx context.Context, limit int) ([]jobs.Job, error) {
	query := `SELECT ` + jobColumns + `
		FROM jobs
		WHERE status IN ('pending', 'processing')
		ORDER BY created_at ASC
		LIMIT $1`

	var list []jobs.Job
	if err := s.db.SelectContext(ctx, &list, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list active jobs: %w", err)
	}
	return list, nil
}

// ListDue returns pending jobs that have been due for longer than olderThan,
// i.e. jobs whose wake-up notification was probably missed
func (s *Storage) ListDue(ctx context.Context, olderThan time.Duration, limit int) ([]jobs.Job, error) {
	query := `SELECT ` + jobColumns + `
		FROM jobs
		WHERE (status = 'pending' OR (status = 'failed' AND attempts < max_attempts))
		  AND scheduled_for <= NOW() - ($1::bigint * INTERVAL '1 millisecond')
		ORDER BY priority DESC, scheduled_for ASC
		LIMIT $2`

	var list []jobs.Job
	if err := s.db.SelectContext(ctx, &list, query, olderThan.Milliseconds(), limit); err != nil {
		return nil, fmt.Errorf("failed to list due jobs: %w", err)
	}
	return list, nil
}

// FailExhausted terminally fails processing jobs whose lease expired during the
// last allowed attempt. Nobody may claim them, so without this they would sit
// in processing forever.
func (s *Storage) FailExhausted(ctx context.Context) (int64, error) {
	query := `
		UPDATE jobs
		SET status = 'failed',
		    attempts = attempts + 1,
		    error_message = 'lease expired after max attempts',
		    lease_expires_at = NULL,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE status = 'processing'
		  AND lease_expires_at <= NOW()
		  AND attempts + 1 >= max_attempts
	`

	result, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to fail exhausted jobs: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n > 0 {
		s.logger.Warn("Failed jobs with exhausted leases", slog.Int64("count", n))
	}
	return n, nil
}
