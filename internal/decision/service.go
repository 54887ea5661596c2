package decision

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cuongbtq/portfolio-workcore/internal/jobs"
	"github.com/cuongbtq/portfolio-workcore/internal/lifecycle"
)

// Config tunes the service
type Config struct {
	MaxBulkItems        int
	MaxReasonLength     int
	FollowOnChannel     string
	FollowOnMaxAttempts int
	NotifyTimeout       time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxBulkItems <= 0 {
		c.MaxBulkItems = 200
	}
	if c.MaxReasonLength <= 0 {
		c.MaxReasonLength = 2000
	}
	if c.FollowOnChannel == "" {
		c.FollowOnChannel = "acquisition"
	}
	if c.FollowOnMaxAttempts <= 0 {
		c.FollowOnMaxAttempts = 5
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = 5 * time.Second
	}
}

// Service is the decision orchestrator
type Service struct {
	store    Store
	machine  *lifecycle.Machine
	notifier Notifier
	logger   *slog.Logger
	cfg      Config
	now      func() time.Time
}

// NewService creates a new decision Service
func NewService(store Store, machine *lifecycle.Machine, notifier Notifier, logger *slog.Logger, cfg Config) *Service {
	cfg.applyDefaults()
	return &Service{
		store:    store,
		machine:  machine,
		notifier: notifier,
		logger:   logger,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// stage names follow a decision from validation to notification
type stage string

const (
	stageValidating stage = "validating"
	stageRejected   stage = "rejected"
	stageTxOpen     stage = "transaction-open"
	stageApplied    stage = "effects-applied"
	stageAborted    stage = "aborted"
	stageCommitted  stage = "committed"
	stageNotified   stage = "notified"
)

func (s *Service) logStage(domainID string, st stage, attrs ...slog.Attr) {
	args := []any{slog.String("domain_id", domainID), slog.String("stage", string(st))}
	for _, a := range attrs {
		args = append(args, a)
	}
	s.logger.Debug("Decision stage", args...)
}

// validateInput checks the shape of a request; no store access
func (s *Service) validateInput(d Decision, reason string, actor lifecycle.Actor) error {
	if _, err := ParseDecision(string(d)); err != nil {
		return err
	}
	if _, err := lifecycle.ParseRole(string(actor.Role)); err != nil {
		return &ValidationError{Field: "actor_role", Message: err.Error()}
	}
	if strings.TrimSpace(actor.ID) == "" {
		return &ValidationError{Field: "actor_id", Message: "actor id is required"}
	}
	if actor.Role == lifecycle.RoleViewer {
		return fmt.Errorf("%w: viewers cannot record decisions", ErrForbidden)
	}
	if len([]rune(reason)) > s.cfg.MaxReasonLength {
		return &ValidationError{Field: "reason", Message: fmt.Sprintf("must be at most %d characters", s.cfg.MaxReasonLength)}
	}
	if d == DecisionPass && len([]rune(strings.TrimSpace(reason))) < s.machine.MinReasonLength() {
		return &ValidationError{Field: "reason", Message: fmt.Sprintf("pass requires a reason of at least %d characters", s.machine.MinReasonLength())}
	}
	return nil
}

// checkDomain applies the business preconditions to a loaded domain
func checkDomain(d *Domain, req Request) error {
	if req.Decision != DecisionBuy {
		return nil
	}
	if d.Blocked() {
		if !req.Options.OverrideBlock {
			return fmt.Errorf("%w (%s): override required: %w", ErrBlocked, *d.BlockingFlag, ErrForbidden)
		}
		if req.Actor.Role != lifecycle.RoleAdmin {
			return fmt.Errorf("%w (%s): only an admin may override: %w", ErrBlocked, *d.BlockingFlag, ErrForbidden)
		}
	}
	bid := effectiveBid(d, req.Options)
	if bid == nil || *bid <= 0 {
		return errMissingMaxBid
	}
	return nil
}

func effectiveBid(d *Domain, opts Options) *float64 {
	if opts.MaxBid != nil {
		return opts.MaxBid
	}
	return d.MaxBid
}

// ApplyDecision records a decision on one domain and returns what happened.
// Policy errors keep their class; any other failure inside the unit of work
// comes back wrapped in ErrTransactionAborted.
func (s *Service) ApplyDecision(ctx context.Context, req Request) (*Outcome, error) {
	s.logStage(req.DomainID, stageValidating)

	if err := s.validateInput(req.Decision, req.Reason, req.Actor); err != nil {
		s.logStage(req.DomainID, stageRejected, slog.Any("error", err))
		return nil, err
	}
	if req.Options.MaxBid != nil && *req.Options.MaxBid <= 0 {
		return nil, &ValidationError{Field: "max_bid", Message: "must be positive"}
	}

	domains, err := s.store.GetDomains(ctx, []string{req.DomainID})
	if err != nil {
		return nil, fmt.Errorf("failed to load domain: %w", err)
	}
	domain, ok := domains[req.DomainID]
	if !ok {
		s.logStage(req.DomainID, stageRejected, slog.Any("error", ErrNotFound))
		return nil, ErrNotFound
	}
	if err := checkDomain(domain, req); err != nil {
		s.logStage(req.DomainID, stageRejected, slog.Any("error", err))
		return nil, err
	}

	var outcome *Outcome
	err = s.store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		s.logStage(req.DomainID, stageTxOpen)
		out, err := s.applyLocked(ctx, tx, req)
		if err != nil {
			return err
		}
		outcome = out
		s.logStage(req.DomainID, stageApplied)
		return nil
	})
	if err != nil {
		s.logStage(req.DomainID, stageAborted, slog.Any("error", err))
		if isPolicyError(err) {
			return nil, err
		}
		s.logger.Error("Decision transaction aborted",
			slog.String("domain_id", req.DomainID),
			slog.String("decision", string(req.Decision)),
			slog.Any("error", err),
		)
		return nil, fmt.Errorf("%w: %w", ErrTransactionAborted, err)
	}
	s.logStage(req.DomainID, stageCommitted)

	s.logger.Info("Decision applied",
		slog.String("domain_id", req.DomainID),
		slog.String("decision", string(req.Decision)),
		slog.String("actor_id", req.Actor.ID),
		slog.String("lifecycle_state", string(outcome.LifecycleState)),
		slog.Bool("job_queued", outcome.JobQueued),
	)

	if outcome.JobQueued {
		outcome.Notified = s.notify(ctx, []jobs.Ref{{ID: outcome.JobID, Channel: s.cfg.FollowOnChannel}})
		if outcome.Notified {
			s.logStage(req.DomainID, stageNotified)
		}
	}
	return outcome, nil
}

// applyLocked locks the domain, re-checks it and runs the five effects
func (s *Service) applyLocked(ctx context.Context, tx Tx, req Request) (*Outcome, error) {
	domain, err := tx.LockDomain(ctx, req.DomainID)
	if err != nil {
		return nil, err
	}
	// the row may have changed since the pre-check
	if err := checkDomain(domain, req); err != nil {
		return nil, err
	}
	return s.applyEffects(ctx, tx, domain, req)
}

func (s *Service) applyEffects(ctx context.Context, tx Tx, domain *Domain, req Request) (*Outcome, error) {
	now := s.now()
	reason := strings.TrimSpace(req.Reason)
	out := &Outcome{
		DomainID:         domain.ID,
		Decision:         req.Decision,
		PreviousDecision: domain.Decision,
		LifecycleState:   domain.LifecycleState,
	}

	// 1. aggregate
	update := DecisionUpdate{
		DomainID:   domain.ID,
		Decision:   req.Decision,
		Reason:     reason,
		DecidedBy:  req.Actor.ID,
		DecidedAt:  now,
		MaxBid:     req.Options.MaxBid,
		ClearBlock: req.Decision == DecisionBuy && domain.Blocked() && req.Options.OverrideBlock,
	}
	if err := tx.SaveDecision(ctx, update); err != nil {
		return nil, fmt.Errorf("failed to save decision: %w", err)
	}

	// 2. lifecycle
	if req.Decision == DecisionBuy {
		changed, err := s.machine.Apply(ctx, tx, lifecycle.Request{
			EntityID: domain.ID,
			From:     domain.LifecycleState,
			To:       lifecycle.StateApproved,
			Actor:    req.Actor,
			Reason:   reason,
			Metadata: map[string]any{"source": "decision", "decision": string(req.Decision)},
		})
		if err != nil {
			return nil, err
		}
		out.LifecycleChanged = changed
		out.LifecycleState = lifecycle.StateApproved
	}

	// 3. decision event
	event := DecisionEvent{
		DomainID:         domain.ID,
		PreviousDecision: domain.Decision,
		NewDecision:      req.Decision,
		ActorID:          req.Actor.ID,
		ActorRole:        req.Actor.Role,
		Reason:           reason,
		CreatedAt:        now,
	}
	if err := tx.AppendDecisionEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("failed to append decision event: %w", err)
	}

	// 4. review task
	task := ReviewTask{
		DomainID:   domain.ID,
		TaskType:   ReviewTaskType,
		Status:     ReviewStatusFor(req.Decision),
		Checklist:  req.Options.Checklist,
		Notes:      reason,
		ReviewerID: req.Actor.ID,
		ReviewedAt: now,
	}
	if err := tx.UpsertReviewTask(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to upsert review task: %w", err)
	}

	// 5. follow-on job
	if req.Decision == DecisionBuy {
		bid := effectiveBid(domain, req.Options)
		payload := jobs.MustJSON(map[string]any{
			"domain_id":  domain.ID,
			"max_bid":    *bid,
			"decided_by": req.Actor.ID,
		})
		jobID, created, err := tx.EnqueueIfAbsent(ctx,
			jobs.DedupKey{JobType: AcquireJobType, EntityID: domain.ID},
			jobs.Spec{
				Channel:     s.cfg.FollowOnChannel,
				MaxAttempts: s.cfg.FollowOnMaxAttempts,
				Payload:     payload,
			},
		)
		if err != nil {
			return nil, fmt.Errorf("failed to enqueue follow-on job: %w", err)
		}
		if created {
			out.JobQueued = true
			out.JobID = jobID
		}
	}

	return out, nil
}

// notify is best-effort: the jobs are durable and the reconciler republishes
// anything the worker pool did not hear about
func (s *Service) notify(ctx context.Context, refs []jobs.Ref) bool {
	if s.notifier == nil || len(refs) == 0 {
		return false
	}
	// the caller's request may already be finishing; notification gets its own timeout
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.NotifyTimeout)
	defer cancel()

	if err := s.notifier.Notify(nctx, refs); err != nil {
		s.logger.Warn("Failed to notify worker pool, leaving jobs to reconciliation",
			slog.Int("job_count", len(refs)),
			slog.Any("error", err),
		)
		return false
	}
	return true
}

// TransitionLifecycle moves a domain to another lifecycle state in its own
// transaction
func (s *Service) TransitionLifecycle(ctx context.Context, req TransitionRequest) (*TransitionOutcome, error) {
	if _, err := lifecycle.ParseState(string(req.To)); err != nil {
		return nil, &ValidationError{Field: "to_state", Message: err.Error()}
	}
	if _, err := lifecycle.ParseRole(string(req.Actor.Role)); err != nil {
		return nil, &ValidationError{Field: "actor_role", Message: err.Error()}
	}
	if len([]rune(req.Reason)) > s.cfg.MaxReasonLength {
		return nil, &ValidationError{Field: "reason", Message: fmt.Sprintf("must be at most %d characters", s.cfg.MaxReasonLength)}
	}

	var out *TransitionOutcome
	err := s.store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		domain, err := tx.LockDomain(ctx, req.DomainID)
		if err != nil {
			return err
		}
		changed, err := s.machine.Apply(ctx, tx, lifecycle.Request{
			EntityID: domain.ID,
			From:     domain.LifecycleState,
			To:       req.To,
			Actor:    req.Actor,
			Reason:   req.Reason,
			Metadata: req.Metadata,
		})
		if err != nil {
			return err
		}
		out = &TransitionOutcome{DomainID: domain.ID, From: domain.LifecycleState, To: req.To, Changed: changed}
		return nil
	})
	if err != nil {
		if isPolicyError(err) {
			return nil, err
		}
		s.logger.Error("Lifecycle transaction aborted",
			slog.String("domain_id", req.DomainID),
			slog.String("to_state", string(req.To)),
			slog.Any("error", err),
		)
		return nil, fmt.Errorf("%w: %w", ErrTransactionAborted, err)
	}

	if out.Changed {
		s.logger.Info("Lifecycle transition applied",
			slog.String("domain_id", out.DomainID),
			slog.String("from", string(out.From)),
			slog.String("to", string(out.To)),
			slog.String("actor_id", req.Actor.ID),
			slog.String("actor_role", string(req.Actor.Role)),
		)
	}
	return out, nil
}

