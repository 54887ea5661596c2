// Package decision applies buy / watchlist / pass decisions on domains. Every
// decision is one unit of work: aggregate update, lifecycle transition,
// decision event, review task and follow-on job commit together, and the
// worker pool is notified only after the commit.
package decision

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cuongbtq/portfolio-workcore/internal/jobs"
	"github.com/cuongbtq/portfolio-workcore/internal/lifecycle"
)

// Decision is the business verdict on a domain
type Decision string

const (
	DecisionBuy       Decision = "buy"
	DecisionWatchlist Decision = "watchlist"
	DecisionPass      Decision = "pass"
)

// ParseDecision validates a decision name
func ParseDecision(s string) (Decision, error) {
	switch d := Decision(strings.ToLower(strings.TrimSpace(s))); d {
	case DecisionBuy, DecisionWatchlist, DecisionPass:
		return d, nil
	}
	return "", &ValidationError{Field: "decision", Message: fmt.Sprintf("unknown decision %q", s)}
}

// ReviewStatus is the status of the mirrored review task
type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "pending"
	ReviewApproved ReviewStatus = "approved"
	ReviewRejected ReviewStatus = "rejected"
)

// ReviewStatusFor maps a decision onto the review task it mirrors into
func ReviewStatusFor(d Decision) ReviewStatus {
	switch d {
	case DecisionBuy:
		return ReviewApproved
	case DecisionPass:
		return ReviewRejected
	}
	return ReviewPending
}

const (
	// AcquireJobType is the follow-on job enqueued for a bought domain
	AcquireJobType = "domain.acquire"

	// ReviewTaskType is the review task kept in sync with decisions
	ReviewTaskType = "acquisition_review"
)

// Domain is the aggregate a decision applies to
type Domain struct {
	ID             string          `db:"domain_id"`
	Name           string          `db:"name"`
	LifecycleState lifecycle.State `db:"lifecycle_state"`
	Decision       *Decision       `db:"decision"`
	DecisionReason *string         `db:"decision_reason"`
	DecidedBy      *string         `db:"decided_by"`
	DecidedAt      *time.Time      `db:"decided_at"`
	BlockingFlag   *string         `db:"blocking_flag"`
	MaxBid         *float64        `db:"max_bid"`
	UpdatedAt      time.Time       `db:"updated_at"`
}

// Blocked reports whether a blocking flag is set
func (d *Domain) Blocked() bool {
	return d.BlockingFlag != nil && *d.BlockingFlag != ""
}

// DecisionUpdate is the write applied to the aggregate in step 1
type DecisionUpdate struct {
	DomainID   string
	Decision   Decision
	Reason     string
	DecidedBy  string
	DecidedAt  time.Time
	MaxBid     *float64
	ClearBlock bool
}

// DecisionEvent is one append-only decision record
type DecisionEvent struct {
	DomainID         string
	PreviousDecision *Decision
	NewDecision      Decision
	ActorID          string
	ActorRole        lifecycle.Role
	Reason           string
	CreatedAt        time.Time
}

// ReviewTask is the single mutable task mirroring the latest decision
type ReviewTask struct {
	DomainID   string
	TaskType   string
	Status     ReviewStatus
	Checklist  map[string]any
	Notes      string
	ReviewerID string
	ReviewedAt time.Time
}

// Options carry the optional parts of a decision request
type Options struct {
	// OverrideBlock clears a blocking flag on buy; admin only
	OverrideBlock bool
	// MaxBid replaces the stored max bid when set
	MaxBid    *float64
	Checklist map[string]any
}

// Request is a single-domain decision
type Request struct {
	DomainID string
	Decision Decision
	Reason   string
	Actor    lifecycle.Actor
	Options  Options
}

// Outcome reports what a committed decision did
type Outcome struct {
	DomainID         string          `json:"domain_id"`
	Decision         Decision        `json:"decision"`
	PreviousDecision *Decision       `json:"previous_decision,omitempty"`
	LifecycleState   lifecycle.State `json:"lifecycle_state"`
	LifecycleChanged bool            `json:"lifecycle_changed"`
	JobQueued        bool            `json:"job_queued"`
	JobID            string          `json:"job_id,omitempty"`
	Notified         bool            `json:"notified"`
}

// ItemStatus is the per-item status of a bulk decision
type ItemStatus string

const (
	ItemUpdated ItemStatus = "updated"
	ItemFailed  ItemStatus = "failed"
)

// Reason codes reported for failed bulk items
const (
	CodeNotFound          = "not_found"
	CodeBlocked           = "blocked"
	CodeMissingMaxBid     = "missing_max_bid"
	CodeIllegalTransition = "illegal_transition"
	CodeForbidden         = "forbidden"
	CodeReasonRequired    = "reason_required"
	CodeInvalid           = "invalid"
	CodeInternal          = "internal_error"
)

// BulkItem is one entry of a bulk result
type BulkItem struct {
	DomainID   string     `json:"domain_id"`
	Status     ItemStatus `json:"status"`
	ReasonCode string     `json:"reason_code,omitempty"`
	Message    string     `json:"message,omitempty"`
	JobQueued  bool       `json:"job_queued"`
	JobID      string     `json:"job_id,omitempty"`
}

// BulkResult is the per-item outcome of a bulk decision
type BulkResult struct {
	Items    []BulkItem `json:"items"`
	Updated  int        `json:"updated"`
	Failed   int        `json:"failed"`
	Notified bool       `json:"notified"`
}

// TransitionRequest moves a domain through its lifecycle outside a decision
type TransitionRequest struct {
	DomainID string
	To       lifecycle.State
	Actor    lifecycle.Actor
	Reason   string
	Metadata map[string]any
}

// TransitionOutcome reports the result of TransitionLifecycle
type TransitionOutcome struct {
	DomainID string          `json:"domain_id"`
	From     lifecycle.State `json:"from"`
	To       lifecycle.State `json:"to"`
	Changed  bool            `json:"changed"`
}

// Store loads aggregates and opens units of work
type Store interface {
	GetDomains(ctx context.Context, ids []string) (map[string]*Domain, error)
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the unit of work every effect of a decision goes through
type Tx interface {
	lifecycle.Recorder

	// LockDomain loads the domain FOR UPDATE; ErrNotFound if missing
	LockDomain(ctx context.Context, id string) (*Domain, error)
	SaveDecision(ctx context.Context, update DecisionUpdate) error
	AppendDecisionEvent(ctx context.Context, event DecisionEvent) error
	UpsertReviewTask(ctx context.Context, task ReviewTask) error
	EnqueueIfAbsent(ctx context.Context, key jobs.DedupKey, spec jobs.Spec) (string, bool, error)

	// WithSavepoint runs fn so that its writes are undone when it fails
	// without aborting the enclosing transaction
	WithSavepoint(ctx context.Context, name string, fn func() error) error
}

// Notifier wakes the worker pool after commit
type Notifier interface {
	Notify(ctx context.Context, refs []jobs.Ref) error
}
