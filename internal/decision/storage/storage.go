// Package storage is the PostgreSQL unit of work behind the decision service.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/cuongbtq/portfolio-workcore/internal/decision"
	"github.com/cuongbtq/portfolio-workcore/internal/jobs"
	jobstorage "github.com/cuongbtq/portfolio-workcore/internal/jobs/storage"
	"github.com/cuongbtq/portfolio-workcore/internal/lifecycle"
	"github.com/cuongbtq/portfolio-workcore/shared/postgresql"
)

const domainColumns = `domain_id, name, lifecycle_state, decision, decision_reason,
	decided_by, decided_at, blocking_flag, max_bid, updated_at`

var (
	_ decision.Store = (*Storage)(nil)
	_ decision.Tx    = (*unitOfWork)(nil)
)

// Storage opens units of work over the domain tables and the job store
type Storage struct {
	pg     *postgresql.Client
	jobs   *jobstorage.Storage
	logger *slog.Logger
}

// NewStorage creates a new Storage instance
func NewStorage(pg *postgresql.Client, jobStore *jobstorage.Storage, logger *slog.Logger) *Storage {
	return &Storage{pg: pg, jobs: jobStore, logger: logger}
}

// GetDomains loads the given domains; missing ids are absent from the map
func (s *Storage) GetDomains(ctx context.Context, ids []string) (map[string]*decision.Domain, error) {
	query := `SELECT ` + domainColumns + ` FROM domains WHERE domain_id = ANY($1)`

	var rows []decision.Domain
	if err := s.pg.GetDB().SelectContext(ctx, &rows, query, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("failed to get domains: %w", err)
	}

	out := make(map[string]*decision.Domain, len(rows))
	for i := range rows {
		out[rows[i].ID] = &rows[i]
	}
	return out, nil
}

// RunInTx runs fn in one database transaction. fn's error is returned as-is
// after rollback.
func (s *Storage) RunInTx(ctx context.Context, fn func(ctx context.Context, tx decision.Tx) error) error {
	return s.pg.WithTx(ctx, func(tx *sqlx.Tx) error {
		return fn(ctx, &unitOfWork{tx: tx, jobs: s.jobs, logger: s.logger})
	})
}

// unitOfWork implements decision.Tx on a sqlx transaction
type unitOfWork struct {
	tx     *sqlx.Tx
	jobs   *jobstorage.Storage
	logger *slog.Logger
}

func (u *unitOfWork) LockDomain(ctx context.Context, id string) (*decision.Domain, error) {
	query := `SELECT ` + domainColumns + ` FROM domains WHERE domain_id = $1 FOR UPDATE`

	var d decision.Domain
	if err := u.tx.GetContext(ctx, &d, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, decision.ErrNotFound
		}
		return nil, fmt.Errorf("failed to lock domain: %w", err)
	}
	return &d, nil
}

func (u *unitOfWork) SaveDecision(ctx context.Context, up decision.DecisionUpdate) error {
	query := `
		UPDATE domains
		SET decision = $2,
		    decision_reason = $3,
		    decided_by = $4,
		    decided_at = $5,
		    max_bid = COALESCE($6::numeric, max_bid),
		    blocking_flag = CASE WHEN $7::boolean THEN NULL ELSE blocking_flag END,
		    updated_at = NOW()
		WHERE domain_id = $1
	`

	_, err := u.tx.ExecContext(ctx, query,
		up.DomainID,
		string(up.Decision),
		nullString(up.Reason),
		up.DecidedBy,
		up.DecidedAt,
		up.MaxBid,
		up.ClearBlock,
	)
	if err != nil {
		return fmt.Errorf("failed to update domain decision: %w", err)
	}
	return nil
}

func (u *unitOfWork) SetLifecycleState(ctx context.Context, domainID string, state lifecycle.State) error {
	query := `UPDATE domains SET lifecycle_state = $2, updated_at = NOW() WHERE domain_id = $1`

	if _, err := u.tx.ExecContext(ctx, query, domainID, string(state)); err != nil {
		return fmt.Errorf("failed to update lifecycle state: %w", err)
	}
	return nil
}

func (u *unitOfWork) AppendLifecycleEvent(ctx context.Context, e lifecycle.Event) error {
	query := `
		INSERT INTO domain_lifecycle_events (
			event_id, domain_id, from_state, to_state,
			actor_id, actor_role, reason, metadata, created_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8, $9
		)
	`

	metadata, err := marshalObject(e.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal lifecycle metadata: %w", err)
	}

	_, err = u.tx.ExecContext(ctx, query,
		uuid.New().String(),
		e.EntityID,
		string(e.From),
		string(e.To),
		e.ActorID,
		string(e.ActorRole),
		nullString(e.Reason),
		metadata,
		e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert lifecycle event: %w", err)
	}
	return nil
}

func (u *unitOfWork) AppendDecisionEvent(ctx context.Context, e decision.DecisionEvent) error {
	query := `
		INSERT INTO domain_decision_events (
			event_id, domain_id, previous_decision, new_decision,
			actor_id, actor_role, reason, created_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8
		)
	`

	var previous *string
	if e.PreviousDecision != nil {
		p := string(*e.PreviousDecision)
		previous = &p
	}

	_, err := u.tx.ExecContext(ctx, query,
		uuid.New().String(),
		e.DomainID,
		previous,
		string(e.NewDecision),
		e.ActorID,
		string(e.ActorRole),
		nullString(e.Reason),
		e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert decision event: %w", err)
	}
	return nil
}

// UpsertReviewTask keeps exactly one row per (domain_id, task_type)
func (u *unitOfWork) UpsertReviewTask(ctx context.Context, t decision.ReviewTask) error {
	query := `
		INSERT INTO domain_review_tasks (
			task_id, domain_id, task_type, status, checklist,
			notes, reviewer_id, reviewed_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, NOW(), NOW()
		)
		ON CONFLICT (domain_id, task_type) DO UPDATE
		SET status = EXCLUDED.status,
		    checklist = EXCLUDED.checklist,
		    notes = EXCLUDED.notes,
		    reviewer_id = EXCLUDED.reviewer_id,
		    reviewed_at = EXCLUDED.reviewed_at,
		    updated_at = NOW()
	`

	checklist, err := marshalObject(t.Checklist)
	if err != nil {
		return fmt.Errorf("failed to marshal checklist: %w", err)
	}

	_, err = u.tx.ExecContext(ctx, query,
		uuid.New().String(),
		t.DomainID,
		t.TaskType,
		string(t.Status),
		checklist,
		nullString(t.Notes),
		t.ReviewerID,
		t.ReviewedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert review task: %w", err)
	}
	return nil
}

func (u *unitOfWork) EnqueueIfAbsent(ctx context.Context, key jobs.DedupKey, spec jobs.Spec) (string, bool, error) {
	return u.jobs.EnqueueIfAbsent(ctx, u.tx, key, spec)
}

var savepointName = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

func (u *unitOfWork) WithSavepoint(ctx context.Context, name string, fn func() error) error {
	if !savepointName.MatchString(name) {
		return fmt.Errorf("invalid savepoint name %q", name)
	}
	if _, err := u.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("failed to create savepoint: %w", err)
	}

	if err := fn(); err != nil {
		if _, rbErr := u.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
			u.logger.Error("Failed to roll back to savepoint",
				slog.String("savepoint", name),
				slog.Any("error", rbErr),
			)
			return fmt.Errorf("failed to roll back to savepoint after %v: %w", err, rbErr)
		}
		return err
	}

	if _, err := u.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return fmt.Errorf("failed to release savepoint: %w", err)
	}
	return nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// marshalObject renders a JSON object, {} when empty
func marshalObject(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}
