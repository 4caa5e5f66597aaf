package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/davidleathers/auction-bidding-engine/internal/service/bidding"
)

// RedisRateLimiter admits at most limit bids per bidder in any sliding window,
// counted in a sorted set shared by every API process.
type RedisRateLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	now    func() time.Time
	logger *zap.Logger
}

var _ bidding.RateLimiter = (*RedisRateLimiter)(nil)

func NewRedisRateLimiter(client *redis.Client, limit int, window time.Duration, logger *zap.Logger) *RedisRateLimiter {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisRateLimiter{
		client: client,
		limit:  limit,
		window: window,
		now:    time.Now,
		logger: logger,
	}
}

// Allow records the request and reports whether it fits in the window. A
// refused request is removed again so it does not count against the bidder.
func (r *RedisRateLimiter) Allow(ctx context.Context, bidderID uuid.UUID) (bool, error) {
	now := r.now()
	windowStart := now.Add(-r.window)
	key := RateLimitPrefix + bidderID.String()
	member := uuid.NewString()

	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(windowStart.UnixNano(), 10))
	countCmd := pipe.ZCard(ctx, key)
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: member})
	pipe.Expire(ctx, key, r.window+time.Minute)

	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Error("rate limiter pipeline failed",
			zap.String("bidder_id", bidderID.String()),
			zap.Int("limit", r.limit),
			zap.Duration("window", r.window),
			zap.Error(err))
		return false, fmt.Errorf("rate limiter pipeline failed: %w", err)
	}

	current := countCmd.Val()
	if current < int64(r.limit) {
		return true, nil
	}

	if err := r.client.ZRem(ctx, key, member).Err(); err != nil {
		r.logger.Warn("failed to drop refused request from window",
			zap.String("bidder_id", bidderID.String()),
			zap.Error(err))
	}
	r.logger.Debug("rate limit exceeded",
		zap.String("bidder_id", bidderID.String()),
		zap.Int64("current_count", current),
		zap.Int("limit", r.limit),
		zap.Duration("window", r.window))
	return false, nil
}
