// Package notify wakes the worker pool after jobs are committed. Delivery is
// best-effort: a lost notification only delays a job until the reconciler
// republishes it.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/portfolio-workcore/internal/jobs"
)

// ErrNotificationFailed is returned when at least one job could not be announced
var ErrNotificationFailed = errors.New("notification failed")

// Message is the wake-up body published for each job
type Message struct {
	JobID   string `json:"job_id"`
	Channel string `json:"channel"`
}

// Notifier announces newly committed jobs
type Notifier interface {
	Notify(ctx context.Context, refs []jobs.Ref) error
}

func encode(ref jobs.Ref) ([]byte, error) {
	body, err := json.Marshal(Message{JobID: ref.ID, Channel: ref.Channel})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return body, nil
}

// each publishes refs one by one and keeps going past failures
func each(ctx context.Context, logger *slog.Logger, refs []jobs.Ref, publish func(ctx context.Context, ref jobs.Ref, body []byte) error) error {
	var errs []error
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		body, err := encode(ref)
		if err == nil {
			err = publish(ctx, ref, body)
		}
		if err != nil {
			logger.Warn("Failed to notify job",
				slog.String("job_id", ref.ID),
				slog.String("channel", ref.Channel),
				slog.Any("error", err),
			)
			errs = append(errs, err)
			continue
		}
		logger.Debug("Job notified",
			slog.String("job_id", ref.ID),
			slog.String("channel", ref.Channel),
		)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrNotificationFailed, errors.Join(errs...))
	}
	return nil
}

// Noop drops every notification; workers rely on polling
type Noop struct{}

func (Noop) Notify(context.Context, []jobs.Ref) error { return nil }
