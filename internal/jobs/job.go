// Package jobs holds the durable job model shared by the queue store, the
// idempotent enqueuer, the worker pool and the read-side SLA monitor.
package jobs

import (
	"time"
)

// Status is the lifecycle status of a job row
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// ActiveStatuses are the statuses covered by the active-job uniqueness index
var ActiveStatuses = []Status{StatusPending, StatusProcessing}

// IsValid reports whether s is a known status
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsActive reports whether s counts towards "one live job per dedup key"
func (s Status) IsActive() bool {
	return s == StatusPending || s == StatusProcessing
}

// Job is a unit of deferred work
type Job struct {
	ID             string     `db:"job_id" json:"job_id"`
	Type           string     `db:"job_type" json:"job_type"`
	EntityKey      *string    `db:"entity_key" json:"entity_key,omitempty"`
	Status         Status     `db:"status" json:"status"`
	Priority       int        `db:"priority" json:"priority"`
	ScheduledFor   time.Time  `db:"scheduled_for" json:"scheduled_for"`
	LeaseExpiresAt *time.Time `db:"lease_expires_at" json:"lease_expires_at,omitempty"`
	WorkerID       *string    `db:"worker_id" json:"worker_id,omitempty"`
	Attempts       int        `db:"attempts" json:"attempts"`
	MaxAttempts    int        `db:"max_attempts" json:"max_attempts"`
	Channel        string     `db:"channel" json:"channel"`
	Payload        JSON       `db:"payload" json:"payload"`
	Result         JSON       `db:"result" json:"result,omitempty"`
	ErrorMessage   *string    `db:"error_message" json:"error_message,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	StartedAt      *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt    *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}

// Retryable reports whether a failed job may still be claimed
func (j *Job) Retryable() bool {
	return j.Status == StatusFailed && j.Attempts < j.MaxAttempts
}

// LeaseExpired reports whether the job carries a lease that ran out before now
func (j *Job) LeaseExpired(now time.Time) bool {
	return j.LeaseExpiresAt != nil && !j.LeaseExpiresAt.After(now)
}

// Claimable reports whether a claimer may take the job at now. It mirrors
// the claim predicate of the SQL store.
func (j *Job) Claimable(now time.Time) bool {
	if j.Attempts >= j.MaxAttempts || j.ScheduledFor.After(now) {
		return false
	}
	if j.LeaseExpiresAt != nil && j.LeaseExpiresAt.After(now) {
		return false
	}
	switch j.Status {
	case StatusPending, StatusFailed:
		return true
	case StatusProcessing:
		// the crashed holder's run counts as an attempt
		return j.LeaseExpired(now) && j.Attempts+1 < j.MaxAttempts
	}
	return false
}

// Ref is the minimal job reference handed to the worker-pool notifier
type Ref struct {
	ID      string `json:"job_id"`
	Channel string `json:"channel"`
}

// Ref returns the notifier reference for the job
func (j *Job) Ref() Ref {
	return Ref{ID: j.ID, Channel: j.Channel}
}
