package notify

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/portfolio-workcore/internal/jobs"
)

// AMQPPublisher is the part of the RabbitMQ client the notifier needs
type AMQPPublisher interface {
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
}

// RabbitMQ publishes one persistent message per job to the wake-up exchange
type RabbitMQ struct {
	publisher AMQPPublisher
	logger    *slog.Logger
}

// NewRabbitMQ creates a RabbitMQ notifier
func NewRabbitMQ(publisher AMQPPublisher, logger *slog.Logger) *RabbitMQ {
	return &RabbitMQ{publisher: publisher, logger: logger}
}

func (n *RabbitMQ) Notify(ctx context.Context, refs []jobs.Ref) error {
	return each(ctx, n.logger, refs, func(ctx context.Context, _ jobs.Ref, body []byte) error {
		return n.publisher.PublishWithRetry(ctx, body, "application/json")
	})
}
