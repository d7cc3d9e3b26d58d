package forward

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisPublisher pushes forwards as JSON onto a Redis list. A mail relay
// consumes the list with BRPOP.
type RedisPublisher struct {
	rdb   *redis.Client
	queue string
	to    string
	now   func() time.Time
}

// NewRedisPublisher creates a publisher targeting queue. Forwards without a
// recipient are addressed to to.
func NewRedisPublisher(rdb *redis.Client, queue, to string) *RedisPublisher {
	return &RedisPublisher{
		rdb:   rdb,
		queue: queue,
		to:    to,
		now:   time.Now,
	}
}

// Publish assigns an id when f has none and pushes it onto the queue
func (p *RedisPublisher) Publish(ctx context.Context, f Forward) error {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	if f.To == "" {
		f.To = p.to
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = p.now().UTC()
	}

	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshaling forward: %w", err)
	}
	if err := p.rdb.LPush(ctx, p.queue, string(data)).Err(); err != nil {
		return fmt.Errorf("pushing forward to %s: %w", p.queue, err)
	}

	slog.Info("Published forward",
		"id", f.ID,
		"message_id", f.MessageID,
		"queue", p.queue,
	)
	return nil
}

// Ping checks the Redis connection
func (p *RedisPublisher) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.rdb.Ping(ctx).Err()
}

// LogPublisher only logs forwards. It backs dry runs.
type LogPublisher struct{}

// Publish logs f
func (LogPublisher) Publish(ctx context.Context, f Forward) error {
	slog.Info("Would forward receipt",
		"message_id", f.MessageID,
		"subject", f.Subject,
		"to", f.To,
	)
	return nil
}
