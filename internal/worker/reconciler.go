package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/cuongbtq/portfolio-workcore/internal/jobs"
	"github.com/cuongbtq/portfolio-workcore/internal/jobs/sla"
)

// ReconcileStore is the read and sweep side of the job store
type ReconcileStore interface {
	ListDue(ctx context.Context, olderThan time.Duration, limit int) ([]jobs.Job, error)
	ListActive(ctx context.Context, limit int) ([]jobs.Job, error)
	FailExhausted(ctx context.Context) (int64, error)
}

// Notifier announces jobs to the worker pool
type Notifier interface {
	Notify(ctx context.Context, refs []jobs.Ref) error
}

// ReconcilerConfig holds reconciler configuration
type ReconcilerConfig struct {
	Logger     *slog.Logger
	Store      ReconcileStore
	Notifier   Notifier
	Thresholds sla.Thresholds
	// Interval between republish/sweep passes
	Interval time.Duration
	// Grace is how long a due job may wait before it is announced again
	Grace time.Duration
	// BatchSize caps jobs republished and jobs scanned for SLA per pass
	BatchSize   int
	SLAInterval time.Duration
}

// Reconciler repairs lost notifications and crashed leases, and reports SLA
// breaches
type Reconciler struct {
	logger      *slog.Logger
	store       ReconcileStore
	notifier    Notifier
	thresholds  sla.Thresholds
	interval    time.Duration
	grace       time.Duration
	batchSize   int
	slaInterval time.Duration
	now         func() time.Time
}

// ReconcileReport summarises one pass
type ReconcileReport struct {
	Republished int
	Exhausted   int64
}

// NewReconciler creates a Reconciler with defaults for zero settings
func NewReconciler(cfg ReconcilerConfig) *Reconciler {
	r := &Reconciler{
		logger:      cfg.Logger,
		store:       cfg.Store,
		notifier:    cfg.Notifier,
		thresholds:  cfg.Thresholds,
		interval:    cfg.Interval,
		grace:       cfg.Grace,
		batchSize:   cfg.BatchSize,
		slaInterval: cfg.SLAInterval,
		now:         func() time.Time { return time.Now().UTC() },
	}
	if r.interval <= 0 {
		r.interval = time.Minute
	}
	if r.grace <= 0 {
		r.grace = 2 * time.Minute
	}
	if r.batchSize <= 0 {
		r.batchSize = 500
	}
	if r.slaInterval <= 0 {
		r.slaInterval = 5 * time.Minute
	}
	return r
}

// Run reconciles and checks SLAs on their intervals until ctx ends
func (r *Reconciler) Run(ctx context.Context) error {
	r.logger.Info("Reconciler started",
		slog.Duration("interval", r.interval),
		slog.Duration("grace", r.grace),
		slog.Duration("sla_interval", r.slaInterval),
	)

	reconcile := time.NewTicker(r.interval)
	defer reconcile.Stop()
	monitor := time.NewTicker(r.slaInterval)
	defer monitor.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Reconciler stopped")
			return nil
		case <-reconcile.C:
			if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("Reconcile pass failed", slog.Any("error", err))
			}
		case <-monitor.C:
			if _, err := r.CheckSLA(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("SLA check failed", slog.Any("error", err))
			}
		}
	}
}

// RunOnce terminates crashed jobs that are out of attempts and republishes
// due jobs nobody has picked up within the grace period
func (r *Reconciler) RunOnce(ctx context.Context) (*ReconcileReport, error) {
	report := &ReconcileReport{}

	exhausted, err := r.store.FailExhausted(ctx)
	if err != nil {
		return report, err
	}
	report.Exhausted = exhausted
	if exhausted > 0 {
		r.logger.Warn("Failed jobs whose lease expired on the last attempt",
			slog.Int64("count", exhausted),
		)
	}

	due, err := r.store.ListDue(ctx, r.grace, r.batchSize)
	if err != nil {
		return report, err
	}
	if len(due) == 0 || r.notifier == nil {
		return report, nil
	}

	refs := make([]jobs.Ref, 0, len(due))
	for i := range due {
		refs = append(refs, due[i].Ref())
	}
	if err := r.notifier.Notify(ctx, refs); err != nil {
		// partial delivery is fine, the next pass retries
		r.logger.Warn("Failed to republish some due jobs",
			slog.Int("due", len(refs)),
			slog.Any("error", err),
		)
		return report, nil
	}
	report.Republished = len(refs)
	r.logger.Info("Republished due jobs", slog.Int("count", len(refs)))
	return report, nil
}

// CheckSLA summarises active jobs and warns on breaches
func (r *Reconciler) CheckSLA(ctx context.Context) (*sla.Summary, error) {
	active, err := r.store.ListActive(ctx, r.batchSize)
	if err != nil {
		return nil, err
	}

	summary := r.thresholds.Summarize(active, r.now())
	if summary.Breached() == 0 {
		r.logger.Debug("SLA check passed", slog.Int("checked", summary.Checked))
		return &summary, nil
	}

	attrs := []any{
		slog.Int("checked", summary.Checked),
		slog.Int("pending_too_long", summary.PendingTooLong),
		slog.Int("processing_too_long", summary.ProcessingTooLong),
	}
	if summary.OldestPending != nil {
		attrs = append(attrs,
			slog.String("oldest_pending_job_id", summary.OldestPending.JobID),
			slog.Int64("oldest_pending_seconds", summary.OldestPending.Seconds),
		)
	}
	if summary.OldestProcessing != nil {
		attrs = append(attrs,
			slog.String("oldest_processing_job_id", summary.OldestProcessing.JobID),
			slog.Int64("oldest_processing_seconds", summary.OldestProcessing.Seconds),
		)
	}
	r.logger.Warn("Job SLA breached", attrs...)
	return &summary, nil
}
