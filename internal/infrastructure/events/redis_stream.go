package events

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStreamSink appends envelopes to a Redis stream read by the
// notification and order consumers.
type RedisStreamSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

var _ Sink = (*RedisStreamSink)(nil)

// NewRedisStreamSink trims the stream to roughly maxLen entries; zero keeps
// everything.
func NewRedisStreamSink(client *redis.Client, stream string, maxLen int64) *RedisStreamSink {
	return &RedisStreamSink{client: client, stream: stream, maxLen: maxLen}
}

func (s *RedisStreamSink) Name() string {
	return "redis-stream:" + s.stream
}

func (s *RedisStreamSink) Deliver(ctx context.Context, env *Envelope) error {
	payload, err := env.Marshal()
	if err != nil {
		return err
	}

	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]interface{}{
			"event_id":   env.EventID.String(),
			"event_type": string(env.EventType),
			"auction_id": env.AuctionID.String(),
			"payload":    payload,
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}

	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to append to stream %s: %w", s.stream, err)
	}
	return nil
}
