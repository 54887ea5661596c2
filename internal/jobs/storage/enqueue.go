package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/portfolio-workcore/internal/jobs"
	"github.com/cuongbtq/portfolio-workcore/shared/postgresql"
)

const enqueueSavepoint = "enqueue_if_absent"

// EnqueueIfAbsent inserts the job unless an active job already exists for key.
// It must run inside the caller's transaction: the advisory lock is released
// on commit or rollback, so concurrent callers with the same key serialize on
// the existence check while unrelated keys proceed.
//
// It returns (id, true) for a new job, (existingID, false) when an active job
// was found, and ("", false) when the uniqueness index caught a race. Callers
// must branch on created, not on the id: a repeat call for a live key returns
// the existing job's id with created=false.
func (s *Storage) EnqueueIfAbsent(ctx context.Context, tx *sqlx.Tx, key jobs.DedupKey, spec jobs.Spec) (string, bool, error) {
	if err := key.Validate(); err != nil {
		return "", false, err
	}
	spec.Type = key.JobType
	spec.EntityKey = key.EntityID

	spec, err := spec.Normalize(s.defaults, s.now())
	if err != nil {
		return "", false, err
	}

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, key.LockID()); err != nil {
		return "", false, fmt.Errorf("failed to acquire enqueue lock: %w", err)
	}

	query := `
		SELECT job_id
		FROM jobs
		WHERE job_type = $1 AND entity_key = $2 AND status IN ('pending', 'processing')
		ORDER BY created_at ASC
		LIMIT 1
	`
	var existing string
	err = tx.GetContext(ctx, &existing, query, key.JobType, key.EntityID)
	if err == nil {
		s.logger.Debug("Active job exists, skipping enqueue",
			slog.String("dedup_key", key.String()),
			slog.String("job_id", existing),
		)
		return existing, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", false, fmt.Errorf("failed to check active job: %w", err)
	}

	// The savepoint keeps a backstop violation from poisoning the caller's tx.
	if _, err := tx.ExecContext(ctx, "SAVEPOINT "+enqueueSavepoint); err != nil {
		return "", false, fmt.Errorf("failed to create savepoint: %w", err)
	}

	jobID, err := insertJob(ctx, tx, spec)
	if err != nil {
		if !postgresql.IsUniqueViolation(err, ActiveEntityConstraint) {
			return "", false, err
		}
		if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+enqueueSavepoint); rbErr != nil {
			return "", false, fmt.Errorf("failed to roll back to savepoint: %w", rbErr)
		}
		s.logger.Warn("Active job uniqueness backstop tripped",
			slog.String("dedup_key", key.String()),
			slog.Any("error", jobs.ErrDuplicateJob),
		)
		return "", false, nil
	}

	if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT "+enqueueSavepoint); err != nil {
		return "", false, fmt.Errorf("failed to release savepoint: %w", err)
	}

	s.logger.Info("Job enqueued",
		slog.String("job_id", jobID),
		slog.String("dedup_key", key.String()),
		slog.String("channel", spec.Channel),
	)
	return jobID, true, nil
}

// EnqueueUnique runs EnqueueIfAbsent in its own transaction
func (s *Storage) EnqueueUnique(ctx context.Context, key jobs.DedupKey, spec jobs.Spec) (string, bool, error) {
	if err := key.Validate(); err != nil {
		return "", false, err
	}

	var (
		jobID   string
		created bool
	)
	err := s.pg.WithTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		jobID, created, err = s.EnqueueIfAbsent(ctx, tx, key, spec)
		return err
	})
	if err != nil {
		return "", false, err
	}
	return jobID, created, nil
}
