package notify

import (
	"context"
	"encoding/json"
	"time"

	"log/slog"

	redis "github.com/redis/go-redis/v9"

	"github.com/skiff-sh/skiff/internal/domain"
)

const publishTimeout = 2 * time.Second

// Sink publishes domain events to a Redis channel consumed by chat-ops
// bridges. Delivery is best-effort: a down Redis never blocks or fails the
// state transition that produced the event.
type Sink struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

// New connects the sink. It returns nil (disabled) when no address is
// configured; a nil Sink is safe to skip at subscription time.
func New(addr, password string, db int, channel string, logger *slog.Logger) (*Sink, error) {
	if addr == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &Sink{client: client, channel: channel, logger: logger}, nil
}

// HandleEvent publishes the event as JSON.
func (s *Sink) HandleEvent(ctx context.Context, evt domain.Event) {
	payload, err := json.Marshal(map[string]any{
		"event":      string(evt.Type),
		"project_id": evt.ProjectID,
		"payload":    evt.Payload,
		"timestamp":  evt.OccurredAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		s.logger.Warn("encode notification failed", "event", evt.Type, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		s.logger.Warn("publish notification failed", "event", evt.Type, "channel", s.channel, "error", err)
	}
}

// Close releases the Redis connection.
func (s *Sink) Close() {
	if s != nil && s.client != nil {
		_ = s.client.Close()
	}
}
