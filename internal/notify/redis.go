package notify

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/portfolio-workcore/internal/jobs"
)

// DefaultChannelPrefix namespaces the pub/sub channels
const DefaultChannelPrefix = "workcore:jobs"

// RedisPublisher is the part of the Redis client the notifier needs
type RedisPublisher interface {
	Publish(ctx context.Context, channel string, message []byte) (int64, error)
}

// Redis publishes each job on "<prefix>:<job channel>"
type Redis struct {
	publisher RedisPublisher
	prefix    string
	logger    *slog.Logger
}

// NewRedis creates a Redis notifier; an empty prefix uses DefaultChannelPrefix
func NewRedis(publisher RedisPublisher, prefix string, logger *slog.Logger) *Redis {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &Redis{publisher: publisher, prefix: prefix, logger: logger}
}

// Topic returns the pub/sub channel for a job channel
func (n *Redis) Topic(channel string) string {
	return n.prefix + ":" + channel
}

func (n *Redis) Notify(ctx context.Context, refs []jobs.Ref) error {
	return each(ctx, n.logger, refs, func(ctx context.Context, ref jobs.Ref, body []byte) error {
		receivers, err := n.publisher.Publish(ctx, n.Topic(ref.Channel), body)
		if err != nil {
			return err
		}
		if receivers == 0 {
			// nobody listening is not an error, the poll loop picks it up
			n.logger.Debug("No subscribers for job channel",
				slog.String("topic", n.Topic(ref.Channel)),
			)
		}
		return nil
	})
}
