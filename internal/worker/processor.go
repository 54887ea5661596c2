package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/portfolio-workcore/internal/jobs"
)

// storeTimeout bounds the Complete/Fail write after a job finishes
const storeTimeout = 10 * time.Second

// processJob runs one claimed job with timeout and heartbeat and records the
// outcome
func (w *Worker) processJob(ctx context.Context, workerName string, job *jobs.Job) {
	log := w.logger.With(
		slog.String("worker_name", workerName),
		slog.String("job_id", job.ID),
		slog.String("job_type", job.Type),
		slog.Int("attempt", job.Attempts+1),
		slog.Int("max_attempts", job.MaxAttempts),
	)
	log.Info("Processing job")
	started := time.Now()

	jobCtx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	defer cancel()

	heartbeatDone := make(chan struct{})
	go w.sendJobHeartbeat(jobCtx, workerName, job.ID, cancel, heartbeatDone)

	result, err := w.executeJob(jobCtx, job)
	close(heartbeatDone)

	// the outcome must be recorded even when shutdown canceled ctx
	writeCtx, writeCancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer writeCancel()

	if err != nil {
		w.recordFailure(writeCtx, log, workerName, job, err)
		return
	}

	if err := w.claimer.Complete(writeCtx, job.ID, workerName, result); err != nil {
		if errors.Is(err, jobs.ErrLeaseLost) {
			log.Warn("Lease lost before completion, result discarded")
			return
		}
		log.Error("Failed to mark job completed", slog.Any("error", err))
		return
	}
	log.Info("Job completed", slog.Duration("duration", time.Since(started)))
}

func (w *Worker) recordFailure(ctx context.Context, log *slog.Logger, workerName string, job *jobs.Job, cause error) {
	updated, err := w.claimer.Fail(ctx, job.ID, workerName, cause.Error())
	if err != nil {
		if errors.Is(err, jobs.ErrLeaseLost) {
			log.Warn("Lease lost before failure was recorded", slog.Any("cause", cause))
			return
		}
		log.Error("Failed to mark job failed",
			slog.Any("cause", cause),
			slog.Any("error", err),
		)
		return
	}

	if updated.Status == jobs.StatusPending {
		log.Warn("Job failed, retry scheduled",
			slog.Any("error", cause),
			slog.Time("scheduled_for", updated.ScheduledFor),
		)
		return
	}
	log.Error("Job failed permanently", slog.Any("error", cause))
}

// executeJob dispatches to the registered handler
func (w *Worker) executeJob(ctx context.Context, job *jobs.Job) (result jobs.JSON, err error) {
	handler, err := w.handlers.Lookup(job.Type)
	if err != nil {
		return nil, err
	}

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()

	result, err = handler.Handle(ctx, job)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			err = fmt.Errorf("%w: %w", ctxErr, err)
		}
		return nil, err
	}
	return result, nil
}

// sendJobHeartbeat extends the lease every lease/3. Losing the lease cancels
// the job so it stops working on something another worker may now own.
func (w *Worker) sendJobHeartbeat(ctx context.Context, workerName, jobID string, cancel context.CancelFunc, done <-chan struct{}) {
	interval := w.leaseDuration / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.claimer.ExtendLease(ctx, jobID, workerName, w.leaseDuration)
			switch {
			case err == nil:
				w.logger.Debug("Job lease extended", slog.String("job_id", jobID))
			case errors.Is(err, jobs.ErrLeaseLost), errors.Is(err, jobs.ErrJobNotFound):
				w.logger.Warn("Job lease lost, canceling execution",
					slog.String("job_id", jobID),
					slog.String("worker_name", workerName),
				)
				cancel()
				return
			default:
				w.logger.Warn("Failed to extend job lease",
					slog.String("job_id", jobID),
					slog.Any("error", err),
				)
			}
		}
	}
}
