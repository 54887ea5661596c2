package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	goredis "github.com/redis/go-redis/v9"

	"github.com/cuongbtq/portfolio-workcore/internal/notify"
)

var (
	// ErrInvalidMessage marks a wake-up body that cannot name a job
	ErrInvalidMessage = errors.New("invalid wake-up message")
	// ErrWakeupSourceClosed reports that the broker end of a listener went away
	ErrWakeupSourceClosed = errors.New("wake-up source closed")
)

// AMQPConsumer is the part of the RabbitMQ client the wake-up consumer needs
type AMQPConsumer interface {
	Consume(consumerTag string, prefetch int) (<-chan amqp.Delivery, error)
}

func parseWakeup(body []byte) (notify.Message, error) {
	var msg notify.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return msg, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if _, err := uuid.Parse(msg.JobID); err != nil {
		return msg, fmt.Errorf("%w: job_id %q is not a UUID", ErrInvalidMessage, msg.JobID)
	}
	return msg, nil
}

// handleWakeup wakes the pool when the message is for a channel it serves.
// The job row is the source of truth, so the message is only a hint.
func (w *Worker) handleWakeup(source string, msg notify.Message) {
	if msg.Channel != "" && !w.Serves(msg.Channel) {
		w.logger.Debug("Ignoring wake-up for unserved channel",
			slog.String("source", source),
			slog.String("job_id", msg.JobID),
			slog.String("channel", msg.Channel),
		)
		return
	}
	w.logger.Debug("Wake-up received",
		slog.String("source", source),
		slog.String("job_id", msg.JobID),
		slog.String("channel", msg.Channel),
	)
	w.Wake()
}

// KeepListening runs listen until ctx ends and reopens it with backoff
// whenever it fails. Wake-ups only shorten the wait for the next poll, so a
// broken source is logged and never ends the caller's errgroup.
func (w *Worker) KeepListening(ctx context.Context, source string, listen func(context.Context) error) error {
	failures := 0
	for {
		started := time.Now()
		err := listen(ctx)
		if ctx.Err() != nil {
			return nil
		}

		// a listener that stayed up for a while starts over at the first delay
		if time.Since(started) > maxWakeupRetry {
			failures = 0
		}
		failures++
		delay := w.wakeupRetry.Delay(failures)

		w.logger.Warn("Wake-up listener failed, polling continues",
			slog.String("source", source),
			slog.Int("failures", failures),
			slog.Duration("retry_after", delay),
			slog.Any("error", err),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// ConsumeRabbitMQ reads wake-ups from the queue until ctx ends or the
// delivery channel closes. Every message is acked once read; malformed ones
// are rejected without requeue.
func (w *Worker) ConsumeRabbitMQ(ctx context.Context, consumer AMQPConsumer, consumerTag string, prefetch int) error {
	if consumerTag == "" {
		consumerTag = w.workerID
	}
	deliveries, err := consumer.Consume(consumerTag, prefetch)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	w.logger.Info("Wake-up consumer started",
		slog.String("consumer_tag", consumerTag),
		slog.Int("prefetch", prefetch),
	)
	return w.dispatchDeliveries(ctx, deliveries)
}

func (w *Worker) dispatchDeliveries(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Wake-up consumer stopped")
			return nil

		case delivery, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("%w: rabbitmq delivery channel", ErrWakeupSourceClosed)
			}

			msg, err := parseWakeup(delivery.Body)
			if err != nil {
				w.logger.Error("Rejecting wake-up message",
					slog.Any("error", err),
					slog.String("body", string(delivery.Body)),
				)
				if nackErr := delivery.Nack(false, false); nackErr != nil {
					w.logger.Error("Failed to NACK message", slog.Any("error", nackErr))
				}
				continue
			}

			w.handleWakeup("rabbitmq", msg)
			if ackErr := delivery.Ack(false); ackErr != nil {
				w.logger.Error("Failed to ACK message",
					slog.String("job_id", msg.JobID),
					slog.Any("error", ackErr),
				)
			}
		}
	}
}

// RedisSubscriber is the part of the Redis client the wake-up listener needs
type RedisSubscriber interface {
	Subscribe(ctx context.Context, channels ...string) *goredis.PubSub
}

// ListenRedis subscribes to the pub/sub topics of every served channel
func (w *Worker) ListenRedis(ctx context.Context, sub RedisSubscriber, prefix string) error {
	if prefix == "" {
		prefix = notify.DefaultChannelPrefix
	}
	topics := make([]string, 0, len(w.Channels()))
	for _, c := range w.Channels() {
		topics = append(topics, prefix+":"+c)
	}

	pubsub := sub.Subscribe(ctx, topics...)
	defer pubsub.Close()

	// Receive confirms the subscription before messages are read
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	w.logger.Info("Wake-up listener started", slog.Any("topics", topics))
	return w.dispatchRedis(ctx, pubsub.Channel())
}

func (w *Worker) dispatchRedis(ctx context.Context, messages <-chan *goredis.Message) error {
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Wake-up listener stopped")
			return nil

		case m, ok := <-messages:
			if !ok {
				return fmt.Errorf("%w: redis subscription", ErrWakeupSourceClosed)
			}
			msg, err := parseWakeup([]byte(m.Payload))
			if err != nil {
				w.logger.Error("Ignoring wake-up message",
					slog.String("topic", m.Channel),
					slog.Any("error", err),
				)
				continue
			}
			w.handleWakeup("redis", msg)
		}
	}
}
