package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cuongbtq/portfolio-workcore/internal/jobs"
)

// spawnWorkerPool starts one claim loop per unit of concurrency
func (w *Worker) spawnWorkerPool(ctx context.Context, g *errgroup.Group) {
	for i := 0; i < w.concurrency; i++ {
		workerName := fmt.Sprintf("%s-%d", w.workerID, i)
		g.Go(func() error {
			w.workerLoop(ctx, workerName)
			return nil
		})
	}

	w.logger.Info("Worker pool spawned",
		slog.Int("worker_count", w.concurrency),
	)
}

// workerLoop waits for a wake-up or the poll tick, then drains every
// claimable job before waiting again
func (w *Worker) workerLoop(ctx context.Context, workerName string) {
	w.logger.Debug("Worker goroutine started", slog.String("worker_name", workerName))

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		w.drain(ctx, workerName)

		select {
		case <-ctx.Done():
			w.logger.Debug("Worker goroutine stopping", slog.String("worker_name", workerName))
			return
		case <-w.wakeups:
		case <-ticker.C:
		}
	}
}

// drain claims and runs jobs until none is claimable or ctx ends
func (w *Worker) drain(ctx context.Context, workerName string) {
	for ctx.Err() == nil {
		job, err := w.claim(ctx, workerName)
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Error("Failed to claim job",
					slog.String("worker_name", workerName),
					slog.Any("error", err),
				)
			}
			return
		}
		if job == nil {
			return
		}
		w.processJob(ctx, workerName, job)
	}
}

func (w *Worker) claim(ctx context.Context, workerName string) (*jobs.Job, error) {
	if err := w.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return w.claimer.ClaimNext(ctx, jobs.ClaimRequest{
		WorkerID: workerName,
		Channel:  w.channel,
		Fallback: w.fallback,
		Lease:    w.leaseDuration,
	})
}
